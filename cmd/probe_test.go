package cmd

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve runs reply on every accepted connection until the test ends.
func serve(t *testing.T, reply func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reply(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestProbeBatchEcho(t *testing.T) {
	addr := serve(t, func(conn net.Conn) { io.Copy(conn, conn) })

	var out bytes.Buffer
	p := NewProbe(ProbeConfig{Addr: addr, Count: 5, Timeout: 2 * time.Second}, &out)
	res := p.Batch()
	assert.Equal(t, 5, res.OK)
	assert.Zero(t, res.Failed)

	require.NoError(t, p.Run())
	assert.Contains(t, out.String(), "5/5 round trips ok")
}

func TestProbeDetectsMismatch(t *testing.T) {
	addr := serve(t, func(conn net.Conn) {
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err == nil {
			conn.Write([]byte("nope!"))
		}
	})

	var out bytes.Buffer
	p := NewProbe(ProbeConfig{Addr: addr, Count: 2, Timeout: 2 * time.Second}, &out)
	err := p.Run()
	require.Error(t, err)
	assert.Contains(t, out.String(), "echo mismatch")
}

func TestProbeDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := NewProbe(ProbeConfig{Addr: addr, Timeout: time.Second}, io.Discard)
	res := p.Batch()
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Failures, 1)
}

func TestProbeVersion(t *testing.T) {
	p := NewProbe(ProbeConfig{}, io.Discard)
	assert.Equal(t, "go-prefork probe", p.Version("unknown", "unknown"))
	assert.Equal(t, "go-prefork probe (git:abc123-dirty)", p.Version("abc123", "1"))
}
