//go:build linux
// +build linux

package node

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

const readChunk = 4096

// Conn is one accepted connection owned by a worker. It stays registered
// with the worker's multiplexer until it is closed, exactly once.
type Conn struct {
	id        uint64
	fd        int
	addr      string
	outBuffer bytes.Buffer
	mux       *Multiplexer
	ctx       any
	closed    bool
}

func newConn(id uint64, fd int, addr string, mux *Multiplexer) *Conn {
	return &Conn{id: id, fd: fd, addr: addr, mux: mux}
}

// Read drains everything currently readable. It returns io.EOF, together
// with any data read before it, once the peer has closed its side.
func (c *Conn) Read() ([]byte, error) {
	var buf bytes.Buffer
	readBuffer := make([]byte, readChunk)

	for {
		n, err := unix.Read(c.fd, readBuffer)
		if n > 0 {
			buf.Write(readBuffer[:n])
		}
		switch {
		case err == unix.EINTR:
			continue
		case err != nil && IsTemporaryError(err):
			return buf.Bytes(), nil
		case err != nil:
			return buf.Bytes(), os.NewSyscallError("read", err)
		case n == 0:
			return buf.Bytes(), io.EOF
		}
	}
}

// Write sends data now if it can and buffers the rest, asking the
// multiplexer for write readiness until the buffer is flushed.
func (c *Conn) Write(data []byte) error {
	if c.closed {
		return net.ErrClosed
	}
	// If outBuffer has data, previous writes didn't complete. Keep order.
	if c.outBuffer.Len() > 0 {
		c.outBuffer.Write(data)
		return nil
	}

	n, err := c.writeRaw(data)
	if err != nil && !IsTemporaryError(err) {
		return err
	}
	if n < len(data) {
		c.outBuffer.Write(data[n:])
		if err := c.mux.RegisterReadWrite(c.fd); err != nil {
			return err
		}
	}
	return nil
}

// flush writes buffered output after a write-readiness event.
func (c *Conn) flush() error {
	n, err := c.writeRaw(c.outBuffer.Bytes())
	if err != nil && !IsTemporaryError(err) {
		return fmt.Errorf("write error for fd %d: %w", c.fd, err)
	}
	c.outBuffer.Next(n)

	if c.outBuffer.Len() == 0 {
		// All data was written. Stop watching for EPOLLOUT.
		return c.mux.RegisterRead(c.fd)
	}
	return nil
}

func (c *Conn) writeRaw(data []byte) (int, error) {
	var n int
	err := retryEINTR(func() (err error) {
		n, err = unix.Write(c.fd, data)
		return err
	})
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *Conn) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs MultiError
	if err := c.mux.Deregister(c.fd); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Close(c.fd); err != nil {
		errs = append(errs, os.NewSyscallError("close", err))
	}
	return errs.ErrOrNil()
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) Fd() int {
	return c.fd
}

// Addr is the peer address, empty when it could not be resolved.
func (c *Conn) Addr() string {
	return c.addr
}

// Pending is the number of buffered bytes not yet written.
func (c *Conn) Pending() int {
	return c.outBuffer.Len()
}

// Context returns the value the handler attached with SetContext.
func (c *Conn) Context() any {
	return c.ctx
}

func (c *Conn) SetContext(ctx any) {
	c.ctx = ctx
}

func (c *Conn) Closed() bool {
	return c.closed
}

func sockaddrString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), fmt.Sprint(addr.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), fmt.Sprint(addr.Port))
	case *unix.SockaddrUnix:
		return addr.Name
	default:
		return ""
	}
}

// peerAddr resolves the peer of a transferred socket.
func peerAddr(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}
