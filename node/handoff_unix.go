//go:build linux
// +build linux

package node

import (
	"fmt"

	"github.com/fzft/go-prefork/config"
)

// Handoff is how a worker obtains the connections the coordinator
// dispatched to it. Exactly one implementation is in use per deployment.
type Handoff interface {
	Kind() config.Strategy
	// Pending consumes ready notify messages and reports how many arrived.
	// When it reports any, the worker calls Obtain until it would block.
	Pending(ch *Channel) (int, error)
	// Obtain takes one dispatched connection. ErrWouldBlock means there is
	// nothing to take, such as a lost accept race.
	Obtain(ch *Channel) (fd int, addr string, err error)
	Close() error
}

// SharedListener accepts on the listening socket every worker inherited.
// Accept is atomic in the kernel so exactly one worker wins per pending
// connection; the others see ErrWouldBlock. The coordinator watches the
// listener edge-triggered, so one notification can stand for a burst and
// the notified worker accepts until the backlog is empty.
type SharedListener struct {
	ln *Listener
}

func NewSharedListener(ln *Listener) *SharedListener {
	return &SharedListener{ln: ln}
}

func (s *SharedListener) Kind() config.Strategy {
	return config.SharedListener
}

func (s *SharedListener) Pending(ch *Channel) (int, error) {
	return ch.ReadNotifications()
}

func (s *SharedListener) Obtain(_ *Channel) (int, string, error) {
	return s.ln.Accept()
}

func (s *SharedListener) Close() error {
	return s.ln.Close()
}

// DescriptorTransfer receives each connection's descriptor over the control
// channel. The worker never holds the listening socket.
type DescriptorTransfer struct{}

func (DescriptorTransfer) Kind() config.Strategy {
	return config.DescriptorTransfer
}

// Pending reports one message without reading: each transfer is read
// whole by Obtain.
func (DescriptorTransfer) Pending(_ *Channel) (int, error) {
	return 1, nil
}

func (DescriptorTransfer) Obtain(ch *Channel) (int, string, error) {
	fd, err := ch.RecvFd()
	if err != nil {
		return -1, "", err
	}
	return fd, peerAddr(fd), nil
}

func (DescriptorTransfer) Close() error {
	return nil
}

// NewHandoff builds the worker side of strategy. ln is required for the
// shared-listener strategy and ignored otherwise.
func NewHandoff(strategy config.Strategy, ln *Listener) (Handoff, error) {
	switch strategy {
	case config.SharedListener:
		if ln == nil {
			return nil, fmt.Errorf("%s strategy needs the inherited listener", strategy)
		}
		return NewSharedListener(ln), nil
	case config.DescriptorTransfer:
		return DescriptorTransfer{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}
