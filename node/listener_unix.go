//go:build linux
// +build linux

package node

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listener owns a bound, non-blocking TCP listening socket.
type Listener struct {
	fd     int
	closed bool
}

// Listen binds addr ("host:port", port 0 picks a free one).
func Listen(addr string, backlog int) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); tcpAddr.IP == nil || ip4 != nil {
		in4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(in4.Addr[:], ip4)
		}
		sa = in4
	} else {
		family = unix.AF_INET6
		in6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(in6.Addr[:], tcpAddr.IP.To16())
		sa = in6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	return &Listener{fd: fd}, nil
}

// ListenerFromFd adopts an inherited listening descriptor.
func ListenerFromFd(fd int) (*Listener, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("set nonblock", err)
	}
	unix.CloseOnExec(fd)
	return &Listener{fd: fd}, nil
}

func (l *Listener) Fd() int {
	return l.fd
}

// Addr is the address the socket is actually bound to.
func (l *Listener) Addr() string {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}

// Accept takes one pending connection. An empty backlog, or a connection
// reset before it could be taken, is ErrWouldBlock.
func (l *Listener) Accept() (int, string, error) {
	var (
		connFd int
		sa     unix.Sockaddr
	)
	err := retryEINTR(func() (err error) {
		connFd, sa, err = unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return err
	})
	if err != nil {
		if IsTemporaryError(err) || err == unix.ECONNABORTED {
			return -1, "", ErrWouldBlock
		}
		return -1, "", os.NewSyscallError("accept", err)
	}
	return connFd, sockaddrString(sa), nil
}

func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return os.NewSyscallError("close listener", unix.Close(l.fd))
}
