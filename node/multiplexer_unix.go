//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents      = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents     = unix.EPOLLOUT
	readWriteEvents = readEvents | writeEvents

	// edgeTriggered is EPOLLET spelled as an unsigned mask.
	edgeTriggered uint32 = 1 << 31
)

// Multiplexer is a wrapper around epoll. It keeps track of the fds that are
// registered so teardown can release every one of them.
type Multiplexer struct {
	epollFd  int
	epollSet map[int]uint32
	events   []unix.EpollEvent
}

func NewMultiplexer(maxEvents int) (*Multiplexer, error) {
	if maxEvents < 1 {
		maxEvents = 1
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Multiplexer{
		epollFd:  epfd,
		epollSet: make(map[int]uint32),
		events:   make([]unix.EpollEvent, maxEvents),
	}, nil
}

// RegisterRead registers fd for level-triggered read events.
func (m *Multiplexer) RegisterRead(fd int) error {
	return m.register(fd, readEvents)
}

// RegisterReadEdge registers fd for edge-triggered read events: one wakeup
// per new arrival instead of one per wait while data stays pending.
func (m *Multiplexer) RegisterReadEdge(fd int) error {
	return m.register(fd, readEvents|edgeTriggered)
}

// RegisterReadWrite registers fd for read and write events.
func (m *Multiplexer) RegisterReadWrite(fd int) error {
	return m.register(fd, readWriteEvents)
}

func (m *Multiplexer) register(fd int, events uint32) (err error) {
	if _, ok := m.epollSet[fd]; ok {
		err = m.ctl(unix.EPOLL_CTL_MOD, fd, events)
	} else {
		err = m.ctl(unix.EPOLL_CTL_ADD, fd, events)
	}
	if err != nil {
		return err
	}
	m.epollSet[fd] = events
	return nil
}

// Deregister removes fd from epoll. Unknown fds are ignored.
func (m *Multiplexer) Deregister(fd int) error {
	if _, ok := m.epollSet[fd]; !ok {
		return nil
	}
	delete(m.epollSet, fd)
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

func (m *Multiplexer) Registered(fd int) bool {
	_, ok := m.epollSet[fd]
	return ok
}

func (m *Multiplexer) Len() int {
	return len(m.epollSet)
}

// Wait blocks until at least one registered fd is ready or msec elapses
// (msec < 0 waits forever). An interrupted wait returns no events and no
// error. The returned slice is reused by the next call.
func (m *Multiplexer) Wait(msec int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(m.epollFd, m.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}
	return m.events[:n], nil
}

// Close releases the epoll fd. Registered fds are left open; their owners
// close them.
func (m *Multiplexer) Close() error {
	if m.epollFd < 0 {
		return nil
	}
	err := unix.Close(m.epollFd)
	m.epollFd = -1
	m.epollSet = make(map[int]uint32)
	if err != nil {
		return fmt.Errorf("close epoll: %w", err)
	}
	return nil
}

func (m *Multiplexer) ctl(op int, fd int, events uint32) error {
	name := "epoll_ctl add"
	if op == unix.EPOLL_CTL_MOD {
		name = "epoll_ctl mod"
	}
	return os.NewSyscallError(name,
		unix.EpollCtl(m.epollFd, op, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}
