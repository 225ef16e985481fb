//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/fzft/go-prefork/config"
	"github.com/fzft/go-prefork/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Worker serves the connections dispatched to it by the coordinator. All
// of its state belongs to the goroutine running Run.
type Worker struct {
	index    int
	ch       *Channel
	handoff  Handoff
	bridge   *SignalBridge
	mux      *Multiplexer
	handler  Handler
	conns    map[int]*Conn
	idle     *ExpiryQueue
	childSig syscall.Signal
	termSigs []syscall.Signal
	nextID   uint64
	stop     bool
	closed   bool
	logger   *zap.Logger
}

// NewWorker takes ownership of ch and, for the shared-listener strategy,
// of ln. A nil handler means EchoHandler.
func NewWorker(cfg config.Config, index int, runID string, ch *Channel, ln *Listener, handler Handler) (*Worker, error) {
	release := func() {
		_ = ch.Close()
		if ln != nil {
			_ = ln.Close()
		}
	}
	childSig, termSigs, err := cfg.Signals()
	if err != nil {
		release()
		return nil, err
	}
	handoff, err := NewHandoff(cfg.Strategy, ln)
	if err != nil {
		release()
		return nil, err
	}
	if handler == nil {
		handler = EchoHandler{}
	}

	w := &Worker{
		index:    index,
		ch:       ch,
		handoff:  handoff,
		handler:  handler,
		conns:    make(map[int]*Conn),
		idle:     NewExpiryQueue(cfg.IdleTimeout),
		childSig: childSig,
		termSigs: termSigs,
		logger:   log.Named("worker", runID, zap.Int("worker", index), zap.Int("pid", os.Getpid())),
	}
	if err := w.setup(cfg.MaxEvents); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Worker) setup(maxEvents int) error {
	var err error
	if w.mux, err = NewMultiplexer(maxEvents); err != nil {
		return err
	}
	if w.bridge, err = NewSignalBridge(); err != nil {
		return err
	}
	w.bridge.Arm(append([]syscall.Signal{w.childSig}, w.termSigs...)...)
	if err := w.mux.RegisterRead(w.bridge.Fd()); err != nil {
		return fmt.Errorf("register signal bridge: %w", err)
	}
	if err := w.mux.RegisterRead(w.ch.Fd()); err != nil {
		return fmt.Errorf("register control channel: %w", err)
	}
	return nil
}

// WorkerFromEnv builds the worker a coordinator spawned: configuration and
// identity from the environment, channel and listener from the inherited
// descriptors.
func WorkerFromEnv(getenv func(string) string, handler Handler) (*Worker, error) {
	if getenv(EnvRole) != RoleWorker {
		return nil, fmt.Errorf("%s is not %q", EnvRole, RoleWorker)
	}
	cfg, err := config.Decode(getenv(EnvConfig))
	if err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	index, err := strconv.Atoi(getenv(EnvWorkerIndex))
	if err != nil {
		return nil, fmt.Errorf("worker index %q: %w", getenv(EnvWorkerIndex), err)
	}

	ch, err := ChannelFromFd(ChannelFd)
	if err != nil {
		return nil, err
	}
	var ln *Listener
	if cfg.Strategy == config.SharedListener {
		if ln, err = ListenerFromFd(ListenerFd); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	return NewWorker(cfg, index, getenv(EnvRunID), ch, ln, handler)
}

// Run serves until a terminate signal arrives or the coordinator goes
// away, then tears down.
func (w *Worker) Run() error {
	defer func() {
		if cerr := w.Close(); cerr != nil {
			w.logger.Warn("worker teardown", zap.Error(cerr))
		}
	}()

	w.logger.Info("worker running", zap.String("strategy", string(w.handoff.Kind())))
	for !w.stop {
		events, err := w.mux.Wait(w.idle.Timeout(time.Now()))
		if err != nil {
			w.logger.Error("epoll wait error", zap.Error(err))
			return fmt.Errorf("worker wait: %w", err)
		}

		for i := range events {
			ev := &events[i]
			switch fd := int(ev.Fd); fd {
			case w.bridge.Fd():
				w.handleSignals()
			case w.ch.Fd():
				w.onControl()
			default:
				w.onConn(fd, ev.Events)
			}
		}
		w.evictIdle(time.Now())
	}
	w.logger.Info("worker stopping", zap.Int("conns", len(w.conns)))
	return nil
}

func (w *Worker) handleSignals() {
	sigs, err := w.bridge.Drain()
	if err != nil {
		w.logger.Warn("drain signal bridge", zap.Error(err))
	}
	for _, b := range sigs {
		sig := syscall.Signal(b)
		switch {
		case sig == w.childSig:
		case w.isTerminate(sig):
			w.logger.Debug("terminate requested", zap.Stringer("signal", sig))
			w.stop = true
		default:
			w.logger.Debug("ignoring signal", zap.Stringer("signal", sig))
		}
	}
}

func (w *Worker) isTerminate(sig syscall.Signal) bool {
	for _, s := range w.termSigs {
		if s == sig {
			return true
		}
	}
	return false
}

// onControl consumes the control channel. Losing the coordinator stops the
// worker the same way a terminate signal does.
func (w *Worker) onControl() {
	if err := w.takePending(false); err != nil {
		if errors.Is(err, io.EOF) {
			w.logger.Info("coordinator closed the control channel")
		} else {
			w.logger.Warn("control channel error", zap.Error(err))
		}
		w.stop = true
	}
}

// takePending obtains what the coordinator announced. During teardown a
// shared listener accepts at most one connection per notification read, so
// nothing that reached the backlog later is picked up.
func (w *Worker) takePending(teardown bool) error {
	n, err := w.handoff.Pending(w.ch)
	if n > 0 {
		limit := -1
		if teardown && w.handoff.Kind() == config.SharedListener {
			limit = n
		}
		if oerr := w.obtain(limit); oerr != nil {
			return oerr
		}
	}
	return err
}

// obtain takes connections until the handoff would block. A non-negative
// limit also bounds the number of attempts.
func (w *Worker) obtain(limit int) error {
	for tries := 0; limit < 0 || tries < limit; tries++ {
		fd, addr, err := w.handoff.Obtain(w.ch)
		switch {
		case err == nil:
			w.open(fd, addr)
		case errors.Is(err, ErrWouldBlock):
			return nil
		case errors.Is(err, ErrMalformedHandoff):
			w.logger.Warn("dropping malformed handoff", zap.Error(err))
		case errors.Is(err, io.EOF):
			return err
		default:
			if w.handoff.Kind() == config.SharedListener {
				// accept failures such as EMFILE leave the channel usable
				w.logger.Warn("accept error", zap.Error(err))
				return nil
			}
			return err
		}
	}
	return nil
}

func (w *Worker) open(fd int, addr string) {
	if err := unix.SetNonblock(fd, true); err != nil {
		w.logger.Warn("set nonblock", zap.Int("fd", fd), zap.Error(err))
		_ = CloseFd(fd)
		return
	}
	if err := w.mux.RegisterRead(fd); err != nil {
		w.logger.Warn("register connection", zap.Int("fd", fd), zap.Error(err))
		_ = CloseFd(fd)
		return
	}

	w.nextID++
	conn := newConn(w.nextID, fd, addr, w.mux)
	w.conns[fd] = conn
	w.idle.Touch(fd, conn.id, time.Now())

	if err := w.handler.Open(conn); err != nil {
		w.logger.Debug("handler refused connection", zap.Uint64("conn", conn.id), zap.Error(err))
		w.closeConn(conn)
	}
}

func (w *Worker) onConn(fd int, events uint32) {
	conn, ok := w.conns[fd]
	if !ok {
		return
	}

	if events&unix.EPOLLOUT != 0 && conn.Pending() > 0 {
		if err := conn.flush(); err != nil {
			w.logger.Debug("flush failed", zap.Uint64("conn", conn.id), zap.Error(err))
			w.closeConn(conn)
			return
		}
	}
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if !w.handler.Readable(conn) {
			w.closeConn(conn)
			return
		}
	}
	w.idle.Touch(fd, conn.id, time.Now())
}

func (w *Worker) evictIdle(now time.Time) {
	for _, fd := range w.idle.Expired(now) {
		if conn, ok := w.conns[fd]; ok {
			w.logger.Debug("evicting idle connection", zap.Uint64("conn", conn.id), zap.String("peer", conn.addr))
			w.closeConn(conn)
		}
	}
}

func (w *Worker) closeConn(conn *Conn) {
	if conn.closed {
		return
	}
	if ch, ok := w.handler.(CloseHandler); ok {
		ch.Closed(conn)
	}
	if err := conn.close(); err != nil {
		w.logger.Debug("close connection", zap.Uint64("conn", conn.id), zap.Error(err))
	}
	delete(w.conns, conn.fd)
	w.idle.Forget(conn.fd)
}

// Stop asks the loop to exit after the current batch.
func (w *Worker) Stop() {
	w.stop = true
}

// Conns is the number of open connections.
func (w *Worker) Conns() int {
	return len(w.conns)
}

// Close hands off whatever is still pending on the control channel, then
// closes every connection once and releases the worker's descriptors.
func (w *Worker) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.mux != nil && !w.ch.Closed() {
		if err := w.takePending(true); err != nil && !errors.Is(err, io.EOF) {
			w.logger.Debug("draining control channel", zap.Error(err))
		}
	}
	for _, conn := range w.conns {
		w.closeConn(conn)
	}

	var errs MultiError
	if !w.ch.Closed() {
		if err := w.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.handoff.Close(); err != nil {
		errs = append(errs, err)
	}
	if w.bridge != nil {
		if err := w.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.mux != nil {
		if err := w.mux.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs.ErrOrNil()
}
