//go:build linux
// +build linux

package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestMultiplexerReadReadiness(t *testing.T) {
	mux, err := NewMultiplexer(4)
	require.NoError(t, err)
	defer mux.Close()

	a, b := socketPair(t)
	require.NoError(t, mux.RegisterRead(a))
	assert.True(t, mux.Registered(a))
	assert.Equal(t, 1, mux.Len())

	events, err := mux.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events, err = mux.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, a, events[0].Fd)

	// level-triggered: still ready until read
	events, err = mux.Wait(0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, mux.Deregister(a))
	assert.False(t, mux.Registered(a))
	assert.NoError(t, mux.Deregister(a))

	events, err = mux.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMultiplexerEdgeTriggered(t *testing.T) {
	mux, err := NewMultiplexer(4)
	require.NoError(t, err)
	defer mux.Close()

	a, b := socketPair(t)
	require.NoError(t, mux.RegisterReadEdge(a))

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events, err := mux.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = mux.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = unix.Write(b, []byte("y"))
	require.NoError(t, err)
	events, err = mux.Wait(1000)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMultiplexerWriteInterest(t *testing.T) {
	mux, err := NewMultiplexer(4)
	require.NoError(t, err)
	defer mux.Close()

	a, _ := socketPair(t)
	require.NoError(t, mux.RegisterReadWrite(a))
	events, err := mux.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotZero(t, events[0].Events&unix.EPOLLOUT)

	// back to read only
	require.NoError(t, mux.RegisterRead(a))
	events, err = mux.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 1, mux.Len())

	require.NoError(t, mux.Close())
	assert.NoError(t, mux.Close())
}
