//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalBufferSize bounds how many deliveries can queue before the funnel
// goroutine writes them out.
const signalBufferSize = 64

// SignalBridge turns signal delivery into bytes on a socket the event loop
// polls next to its other descriptors. Each delivered signal becomes one
// byte holding the signal number.
type SignalBridge struct {
	rfd, wfd int
	ch       chan os.Signal
	done     chan struct{}
	once     sync.Once
}

func NewSignalBridge() (*SignalBridge, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socketpair", err)
	}

	b := &SignalBridge{
		rfd:  fds[0],
		wfd:  fds[1],
		ch:   make(chan os.Signal, signalBufferSize),
		done: make(chan struct{}),
	}
	go b.funnel()
	return b, nil
}

// Arm starts routing sig into the bridge.
func (b *SignalBridge) Arm(sigs ...syscall.Signal) {
	for _, sig := range sigs {
		signal.Notify(b.ch, sig)
	}
}

// Fd is the read end to register with a Multiplexer.
func (b *SignalBridge) Fd() int {
	return b.rfd
}

// Drain returns the signal bytes pending since the last call, in delivery
// order. It never blocks.
func (b *SignalBridge) Drain() ([]byte, error) {
	var out []byte
	buf := make([]byte, 128)
	for {
		n, err := unix.Read(b.rfd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return out, nil
		case err != nil:
			return out, os.NewSyscallError("read signal pipe", err)
		case n == 0:
			return out, nil
		}
	}
}

// funnel is the only code that runs on delivery: one write of one byte.
// A full socket drops the byte; the pending ones already wake the loop.
func (b *SignalBridge) funnel() {
	defer close(b.done)
	for sig := range b.ch {
		s, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		_ = retryEINTR(func() error {
			_, err := unix.Write(b.wfd, []byte{byte(s)})
			return err
		})
	}
}

// Close stops delivery and releases both ends. Safe to call more than once.
func (b *SignalBridge) Close() error {
	var errs MultiError
	b.once.Do(func() {
		signal.Stop(b.ch)
		close(b.ch)
		<-b.done
		if err := unix.Close(b.rfd); err != nil {
			errs = append(errs, fmt.Errorf("close signal read end: %w", err))
		}
		if err := unix.Close(b.wfd); err != nil {
			errs = append(errs, fmt.Errorf("close signal write end: %w", err))
		}
	})
	return errs.ErrOrNil()
}
