//go:build linux
// +build linux

package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// notifySize is the size of a notify-only control message.
const notifySize = 4

// handoffPlaceholder is the in-band byte that accompanies a transferred fd.
var handoffPlaceholder = []byte{'F'}

// Channel is one end of the socketpair between the coordinator and a
// worker. It carries only control messages, never connection payload.
type Channel struct {
	fd      int
	partial []byte
	unsent  []byte
	closed  bool
}

// NewChannelPair returns the coordinator end and the worker end of a new
// control channel. Both ends are non-blocking and close-on-exec.
func NewChannelPair() (coordinator *Channel, worker *Channel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return &Channel{fd: fds[0]}, &Channel{fd: fds[1]}, nil
}

// ChannelFromFd adopts an inherited endpoint, switching it to non-blocking.
func ChannelFromFd(fd int) (*Channel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("set nonblock", err)
	}
	unix.CloseOnExec(fd)
	return &Channel{fd: fd}, nil
}

func (c *Channel) Fd() int {
	return c.fd
}

func (c *Channel) Closed() bool {
	return c.closed
}

// Notify writes one notify-only message. The value is opaque to the reader.
// A frame the socket only partly accepted still counts as sent: its tail is
// kept and written ahead of the next frame, so the reader never sees a torn
// message. ErrWouldBlock means nothing of this message was written.
func (c *Channel) Notify(seq uint32) error {
	if c.closed {
		return ErrChannelClosed
	}
	if len(c.unsent) > 0 {
		n, err := c.write(c.unsent)
		c.unsent = c.unsent[n:]
		if err != nil {
			return writeError(err)
		}
	}

	var msg [notifySize]byte
	binary.LittleEndian.PutUint32(msg[:], seq)
	n, err := c.write(msg[:])
	if err != nil {
		if n > 0 && IsTemporaryError(err) {
			c.unsent = append(c.unsent[:0], msg[n:]...)
			return nil
		}
		return writeError(err)
	}
	return nil
}

// write keeps writing the rest of b until it is all written or the socket
// refuses more. It returns how much went out.
func (c *Channel) write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := unix.Write(c.fd, b[written:])
		if n > 0 {
			written += n
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func writeError(err error) error {
	if IsTemporaryError(err) {
		return ErrWouldBlock
	}
	if errors.Is(err, io.ErrShortWrite) {
		return err
	}
	return os.NewSyscallError("write control message", err)
}

// ReadNotifications reads everything pending and returns how many whole
// notify messages arrived. Bytes of an incomplete message are kept for the
// next call. io.EOF means the peer closed its end.
func (c *Channel) ReadNotifications() (int, error) {
	if c.closed {
		return 0, ErrChannelClosed
	}
	buf := make([]byte, notifySize*64)
	count := 0
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.partial = append(c.partial, buf[:n]...)
			whole := len(c.partial) / notifySize
			count += whole
			c.partial = append(c.partial[:0], c.partial[whole*notifySize:]...)
		}
		switch {
		case err == unix.EINTR:
			continue
		case err != nil && IsTemporaryError(err):
			return count, nil
		case err != nil:
			return count, os.NewSyscallError("read control message", err)
		case n == 0:
			return count, io.EOF
		}
	}
}

// SendFd transfers one open descriptor with a one-byte placeholder. The
// caller still owns fd and should close its copy afterwards.
func (c *Channel) SendFd(fd int) error {
	if c.closed {
		return ErrChannelClosed
	}
	rights := unix.UnixRights(fd)
	err := retryEINTR(func() error {
		return unix.Sendmsg(c.fd, handoffPlaceholder, rights, nil, 0)
	})
	if err != nil {
		if IsTemporaryError(err) {
			return ErrWouldBlock
		}
		return os.NewSyscallError("sendmsg", err)
	}
	return nil
}

// RecvFd receives one transferred descriptor. The ancillary buffer holds
// exactly one descriptor; anything else is ErrMalformedHandoff and any
// descriptors that did arrive are closed.
func (c *Channel) RecvFd() (int, error) {
	if c.closed {
		return -1, ErrChannelClosed
	}
	buf := make([]byte, len(handoffPlaceholder))
	oob := make([]byte, unix.CmsgSpace(4))

	var n, oobn, flags int
	err := retryEINTR(func() (err error) {
		n, oobn, flags, _, err = unix.Recvmsg(c.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		return err
	})
	if err != nil {
		if IsTemporaryError(err) {
			return -1, ErrWouldBlock
		}
		return -1, os.NewSyscallError("recvmsg", err)
	}
	if n == 0 && oobn == 0 {
		return -1, io.EOF
	}

	fds, perr := parseRights(oob[:oobn])
	if perr != nil || flags&unix.MSG_CTRUNC != 0 || len(fds) != 1 {
		for _, fd := range fds {
			_ = CloseFd(fd)
		}
		if perr == nil {
			perr = fmt.Errorf("got %d descriptors, truncated=%t", len(fds), flags&unix.MSG_CTRUNC != 0)
		}
		return -1, fmt.Errorf("%w: %v", ErrMalformedHandoff, perr)
	}
	return fds[0], nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, fmt.Errorf("no ancillary data")
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, err
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// Close closes the endpoint once; later calls return ErrChannelClosed.
func (c *Channel) Close() error {
	if c.closed {
		return ErrChannelClosed
	}
	c.closed = true
	c.partial = nil
	if err := unix.Close(c.fd); err != nil {
		return os.NewSyscallError("close control channel", err)
	}
	return nil
}
