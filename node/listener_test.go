//go:build linux
// +build linux

package node

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListenerAccept(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", 16)
	require.NoError(t, err)
	defer ln.Close()

	host, port, err := net.SplitHostPort(ln.Addr())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", port)

	_, _, err = ln.Accept()
	assert.ErrorIs(t, err, ErrWouldBlock)

	client, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	defer client.Close()

	var (
		fd   int
		peer string
	)
	require.Eventually(t, func() bool {
		fd, peer, err = ln.Accept()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	defer unix.Close(fd)

	assert.Equal(t, client.LocalAddr().String(), peer)
	assert.Equal(t, peer, peerAddr(fd))

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestListenBadAddr(t *testing.T) {
	_, err := Listen("not-an-addr", 16)
	assert.Error(t, err)
}

func TestListenerCloseTwice(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", 16)
	require.NoError(t, err)
	assert.NoError(t, ln.Close())
	assert.NoError(t, ln.Close())
}
