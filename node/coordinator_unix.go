//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/fzft/go-prefork/config"
	"github.com/fzft/go-prefork/log"
	"github.com/joeycumines/go-catrate"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type CoordinatorState uint8

const (
	StateRunning CoordinatorState = iota
	// StateDraining accepts nothing new and waits for workers to exit.
	StateDraining
	StateStopped
)

func (s CoordinatorState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// rollbackTimeout bounds how long a failed pool construction waits for the
// workers it already started to be reaped.
const rollbackTimeout = 5 * time.Second

// Coordinator owns the listener, the signal bridge and the worker pool. It
// hands each new connection to the next live worker in round-robin order,
// reaps workers as they exit and runs the shutdown protocol.
type Coordinator struct {
	cfg       config.Config
	runID     string
	ln        *Listener
	bridge    *SignalBridge
	mux       *Multiplexer
	pool      *Pool
	procs     ProcessControl
	childSig  syscall.Signal
	termSigs  []syscall.Signal
	state     CoordinatorState
	listening bool
	seq       uint32
	sent      uint64
	sendLimit *catrate.Limiter
	logger    *zap.Logger
	closed    bool
}

// NewCoordinator takes ownership of ln, arms the signal bridge, registers
// the listener and spawns the whole pool. If any worker fails to start,
// the ones already started are killed and reaped and every descriptor is
// released.
func NewCoordinator(cfg config.Config, runID string, ln *Listener, procs ProcessControl) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		_ = ln.Close()
		return nil, err
	}
	childSig, termSigs, err := cfg.Signals()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	c := &Coordinator{
		cfg:       cfg,
		runID:     runID,
		ln:        ln,
		procs:     procs,
		childSig:  childSig,
		termSigs:  termSigs,
		pool:      newPool(cfg.Workers),
		sendLimit: catrate.NewLimiter(map[time.Duration]int{time.Second: 1, time.Minute: 10}),
		logger:    log.Named("coordinator", runID),
	}

	if err := c.setup(); err != nil {
		_ = c.release()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) setup() error {
	var err error
	if c.mux, err = NewMultiplexer(c.cfg.MaxEvents); err != nil {
		return err
	}
	if c.bridge, err = NewSignalBridge(); err != nil {
		return err
	}
	// armed before the first spawn so an early exit is not missed
	c.bridge.Arm(append([]syscall.Signal{c.childSig}, c.termSigs...)...)
	if err := c.mux.RegisterRead(c.bridge.Fd()); err != nil {
		return fmt.Errorf("register signal bridge: %w", err)
	}

	if c.cfg.Strategy == config.SharedListener {
		err = c.mux.RegisterReadEdge(c.ln.Fd())
	} else {
		err = c.mux.RegisterRead(c.ln.Fd())
	}
	if err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	c.listening = true

	return c.spawnPool()
}

func (c *Coordinator) spawnPool() error {
	for i := 0; i < c.pool.Len(); i++ {
		if err := c.spawnOne(c.pool.Slot(i)); err != nil {
			c.rollback()
			return err
		}
	}
	c.logger.Info("worker pool started",
		zap.Int("workers", c.pool.Len()),
		zap.String("strategy", string(c.cfg.Strategy)))
	return nil
}

func (c *Coordinator) spawnOne(slot *WorkerSlot) error {
	parent, child, err := NewChannelPair()
	if err != nil {
		return err
	}
	spec := WorkerSpec{Index: slot.Index, RunID: c.runID, Config: c.cfg, Channel: child}
	if c.cfg.Strategy == config.SharedListener {
		spec.Listener = c.ln
	}

	pid, err := c.procs.Spawn(spec)
	// the worker has its own copy now, or never will
	_ = child.Close()
	if err != nil {
		_ = parent.Close()
		return err
	}

	slot.Pid = pid
	slot.channel = parent
	if err := c.mux.RegisterRead(parent.Fd()); err != nil {
		return fmt.Errorf("register worker %d channel: %w", slot.Index, err)
	}
	c.logger.Debug("worker spawned", zap.Int("worker", slot.Index), zap.Int("pid", pid))
	return nil
}

// rollback kills every worker started so far and waits, bounded, for them
// to be reaped.
func (c *Coordinator) rollback() {
	waiting := make(map[int]*WorkerSlot)
	for i := 0; i < c.pool.Len(); i++ {
		slot := c.pool.Slot(i)
		if slot.Pid <= 0 || !slot.Live() {
			// never started: nothing to reap
			c.retire(slot)
			continue
		}
		if err := c.procs.Signal(slot.Pid, syscall.SIGKILL); err != nil {
			c.logger.Warn("kill worker during rollback", zap.Int("pid", slot.Pid), zap.Error(err))
		}
		waiting[slot.Pid] = slot
	}

	deadline := time.Now().Add(rollbackTimeout)
	for len(waiting) > 0 {
		exits, err := c.procs.Reap()
		if err != nil {
			c.logger.Warn("reap during rollback", zap.Error(err))
		}
		for _, e := range exits {
			if slot, ok := waiting[e.Pid]; ok {
				c.retire(slot)
				delete(waiting, e.Pid)
			}
		}
		if len(waiting) == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for pid, slot := range waiting {
		c.logger.Error("worker not reaped during rollback", zap.Int("pid", pid))
		c.retire(slot)
	}
}

// Run is the coordinator event loop. It returns nil once every worker has
// been reaped and an error if waiting for events fails.
func (c *Coordinator) Run() error {
	defer func() {
		if cerr := c.Close(); cerr != nil {
			c.logger.Warn("coordinator teardown", zap.Error(cerr))
		}
	}()

	c.logger.Info("coordinator running", zap.String("addr", c.ln.Addr()))
	for c.state != StateStopped {
		events, err := c.mux.Wait(-1)
		if err != nil {
			c.logger.Error("epoll wait error", zap.Error(err))
			return fmt.Errorf("coordinator wait: %w", err)
		}

		for i := range events {
			ev := &events[i]
			fd := int(ev.Fd)
			switch {
			case fd == c.bridge.Fd():
				c.handleSignals()
			case fd == c.ln.Fd():
				if c.listening {
					c.OnListenerReady()
				}
			default:
				c.onWorkerChannel(fd, ev.Events)
			}
		}
	}
	c.logger.Info("coordinator stopped", zap.Uint64("dispatched", c.sent))
	return nil
}

func (c *Coordinator) handleSignals() {
	sigs, err := c.bridge.Drain()
	if err != nil {
		c.logger.Warn("drain signal bridge", zap.Error(err))
	}
	for _, b := range sigs {
		c.OnSignal(syscall.Signal(b))
	}
}

// OnSignal runs the coordinator's reaction to one funneled signal.
func (c *Coordinator) OnSignal(sig syscall.Signal) {
	switch {
	case sig == c.childSig:
		c.Reap()
	case c.isTerminate(sig):
		c.Terminate()
	default:
		c.logger.Debug("ignoring signal", zap.Stringer("signal", sig))
	}
}

func (c *Coordinator) isTerminate(sig syscall.Signal) bool {
	for _, s := range c.termSigs {
		if s == sig {
			return true
		}
	}
	return false
}

// OnListenerReady dispatches what the listener has for us: one notification
// per readiness event for shared-listener, one transfer per accepted
// connection for descriptor-transfer.
func (c *Coordinator) OnListenerReady() {
	if c.state != StateRunning {
		return
	}
	if c.cfg.Strategy == config.SharedListener {
		c.notifyNext()
		return
	}

	for c.state == StateRunning {
		fd, addr, err := c.ln.Accept()
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		if err != nil {
			c.logger.Warn("accept error", zap.Error(err))
			return
		}
		c.transferNext(fd, addr)
	}
}

// nextSlot takes the next live slot or, with none left, stops listening.
func (c *Coordinator) nextSlot() (*WorkerSlot, bool) {
	slot, err := c.pool.Next()
	if err != nil {
		c.logger.Warn("no live worker to dispatch to", zap.Error(err))
		c.stopListening()
		c.setState(StateDraining)
		if c.pool.AllDead() {
			c.setState(StateStopped)
		}
		return nil, false
	}
	return slot, true
}

func (c *Coordinator) notifyNext() {
	slot, ok := c.nextSlot()
	if !ok {
		return
	}
	c.seq++
	if err := slot.channel.Notify(c.seq); err != nil {
		c.sendFailed(slot, err)
		return
	}
	c.sent++
}

func (c *Coordinator) transferNext(fd int, addr string) {
	// the worker owns its own copy once the transfer succeeds
	defer CloseFd(fd)

	slot, ok := c.nextSlot()
	if !ok {
		c.logger.Debug("dropping connection, pool exhausted", zap.String("peer", addr))
		return
	}
	if err := slot.channel.SendFd(fd); err != nil {
		c.sendFailed(slot, err)
		return
	}
	c.sent++
}

// sendFailed leaves the slot alone: if the worker is gone, reaping retires it.
func (c *Coordinator) sendFailed(slot *WorkerSlot, err error) {
	if _, ok := c.sendLimit.Allow(slot.Index); ok {
		c.logger.Warn("dispatch to worker failed",
			zap.Int("worker", slot.Index), zap.Int("pid", slot.Pid), zap.Error(err))
		return
	}
	c.logger.Debug("dispatch to worker failed",
		zap.Int("worker", slot.Index), zap.Int("pid", slot.Pid), zap.Error(err))
}

// Reap collects every exited worker and retires its slot. It returns the
// pids it retired; with nothing exited it changes nothing.
func (c *Coordinator) Reap() []int {
	exits, err := c.procs.Reap()
	if err != nil {
		c.logger.Warn("reap error", zap.Error(err))
	}

	var retired []int
	for _, e := range exits {
		slot := c.pool.ByPid(e.Pid)
		if slot == nil || !slot.Live() {
			c.logger.Warn("reaped unknown child", zap.Int("pid", e.Pid), zap.Stringer("status", e))
			continue
		}
		c.retire(slot)
		retired = append(retired, e.Pid)
		c.logger.Info("worker exited",
			zap.Int("worker", slot.Index), zap.Int("pid", e.Pid), zap.Stringer("status", e))
	}

	if len(retired) > 0 && c.pool.AllDead() {
		c.stopListening()
		c.setState(StateStopped)
	}
	return retired
}

// Terminate forwards the first configured termination signal to every live
// worker and stops accepting. The loop keeps reaping until all are gone.
func (c *Coordinator) Terminate() {
	c.stopListening()
	c.setState(StateDraining)

	sig := c.termSigs[0]
	for i := 0; i < c.pool.Len(); i++ {
		slot := c.pool.Slot(i)
		if !slot.Live() {
			continue
		}
		if err := c.procs.Signal(slot.Pid, sig); err != nil {
			c.logger.Warn("signal worker", zap.Int("worker", slot.Index), zap.Int("pid", slot.Pid), zap.Error(err))
		}
	}
	c.logger.Info("termination requested", zap.Int("live", c.pool.LiveCount()))

	if c.pool.AllDead() {
		c.setState(StateStopped)
	}
}

// onWorkerChannel handles readiness on a coordinator end. Workers never
// write, so this only ever sees a hangup; the slot itself is retired when
// the process is reaped.
func (c *Coordinator) onWorkerChannel(fd int, events uint32) {
	slot := c.pool.byChannel(fd)
	if slot == nil {
		_ = c.mux.Deregister(fd)
		return
	}

	var buf [64]byte
	n, err := unix.Read(fd, buf[:])
	hangup := events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 ||
		(n == 0 && err == nil) ||
		(err != nil && !IsTemporaryError(err) && err != unix.EINTR)
	if hangup {
		if derr := c.mux.Deregister(fd); derr != nil {
			c.logger.Debug("deregister worker channel", zap.Error(derr))
		}
		c.logger.Debug("worker channel closed", zap.Int("worker", slot.Index), zap.Int("pid", slot.Pid))
	}
}

func (c *Coordinator) retire(slot *WorkerSlot) {
	if slot.channel != nil && !slot.channel.Closed() {
		if err := c.mux.Deregister(slot.channel.Fd()); err != nil {
			c.logger.Debug("deregister worker channel", zap.Error(err))
		}
	}
	if err := slot.retire(); err != nil {
		c.logger.Warn("close worker channel", zap.Int("worker", slot.Index), zap.Error(err))
	}
}

func (c *Coordinator) stopListening() {
	if !c.listening {
		return
	}
	c.listening = false
	if err := c.mux.Deregister(c.ln.Fd()); err != nil {
		c.logger.Warn("deregister listener", zap.Error(err))
	}
}

// setState only moves forward: running, draining, stopped.
func (c *Coordinator) setState(s CoordinatorState) {
	if s > c.state {
		c.logger.Debug("coordinator state", zap.Stringer("from", c.state), zap.Stringer("to", s))
		c.state = s
	}
}

func (c *Coordinator) State() CoordinatorState {
	return c.state
}

func (c *Coordinator) Pool() *Pool {
	return c.pool
}

// Listening reports whether the listener is still registered for readiness.
func (c *Coordinator) Listening() bool {
	return c.listening
}

// Dispatched is the number of successful control messages sent.
func (c *Coordinator) Dispatched() uint64 {
	return c.sent
}

// Close releases everything the coordinator owns. Workers still alive
// (only after a fatal loop error) are asked to terminate first.
func (c *Coordinator) Close() error {
	if c.closed {
		return nil
	}
	for i := 0; i < c.pool.Len(); i++ {
		slot := c.pool.Slot(i)
		if slot.Live() && slot.Pid > 0 {
			c.logger.Warn("worker still running at teardown", zap.Int("worker", slot.Index), zap.Int("pid", slot.Pid))
			_ = c.procs.Signal(slot.Pid, c.termSigs[0])
		}
	}
	return c.release()
}

func (c *Coordinator) release() error {
	c.closed = true
	var errs MultiError
	for i := 0; i < c.pool.Len(); i++ {
		slot := c.pool.Slot(i)
		if slot.channel != nil && !slot.channel.Closed() {
			if err := slot.channel.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if c.mux != nil {
		c.stopListening()
	}
	if c.ln != nil {
		if err := c.ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.bridge != nil {
		if err := c.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.mux != nil {
		if err := c.mux.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs.ErrOrNil()
}
