//go:build linux
// +build linux

package node

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/fzft/go-prefork/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type sentSignal struct {
	pid int
	sig syscall.Signal
}

// fakeProcs stands in for the process table. Each "worker" is just a dup of
// the worker end of its control channel.
type fakeProcs struct {
	pids         []int
	workers      map[int]*Channel
	exited       []Exit
	signals      []sentSignal
	failAt       int
	exitOnSignal bool
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{workers: make(map[int]*Channel), failAt: -1}
}

func (f *fakeProcs) Spawn(spec WorkerSpec) (int, error) {
	if spec.Index == f.failAt {
		return 0, errors.New("spawn failed")
	}
	fd, err := unix.Dup(spec.Channel.Fd())
	if err != nil {
		return 0, err
	}
	ch, err := ChannelFromFd(fd)
	if err != nil {
		return 0, err
	}
	pid := 1000 + len(f.pids)
	f.pids = append(f.pids, pid)
	f.workers[pid] = ch
	return pid, nil
}

func (f *fakeProcs) Signal(pid int, sig syscall.Signal) error {
	f.signals = append(f.signals, sentSignal{pid: pid, sig: sig})
	if f.exitOnSignal {
		f.exit(pid, unix.WaitStatus(sig))
	}
	return nil
}

func (f *fakeProcs) Reap() ([]Exit, error) {
	out := f.exited
	f.exited = nil
	return out, nil
}

func (f *fakeProcs) exit(pid int, status unix.WaitStatus) {
	f.exited = append(f.exited, Exit{Pid: pid, Status: status})
}

func (f *fakeProcs) worker(i int) *Channel {
	return f.workers[f.pids[i]]
}

func (f *fakeProcs) close() {
	for _, ch := range f.workers {
		if !ch.Closed() {
			_ = ch.Close()
		}
	}
}

func newTestCoordinator(t *testing.T, strategy config.Strategy, workers int) (*Coordinator, *fakeProcs) {
	t.Helper()
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.Workers = workers
	cfg.Strategy = strategy

	ln, err := Listen(cfg.Addr, cfg.Backlog)
	require.NoError(t, err)

	procs := newFakeProcs()
	c, err := NewCoordinator(cfg, "test-run", ln, procs)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		procs.close()
	})
	return c, procs
}

// notified returns the index of the single worker that has a pending
// notification, or -1.
func notified(t *testing.T, procs *fakeProcs) int {
	t.Helper()
	got := -1
	for i := range procs.pids {
		ch := procs.worker(i)
		if ch.Closed() {
			continue
		}
		n, err := ch.ReadNotifications()
		if err != nil {
			continue
		}
		if n > 0 {
			require.Equal(t, 1, n)
			require.Equal(t, -1, got, "more than one worker notified")
			got = i
		}
	}
	return got
}

func TestCoordinatorRoundRobin(t *testing.T) {
	c, procs := newTestCoordinator(t, config.SharedListener, 3)
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.Listening())

	for k := 0; k < 7; k++ {
		c.OnListenerReady()
		assert.Equal(t, k%3, notified(t, procs), "dispatch %d", k)
	}
	assert.EqualValues(t, 7, c.Dispatched())
}

func TestCoordinatorSkipsReapedWorker(t *testing.T) {
	c, procs := newTestCoordinator(t, config.SharedListener, 3)

	procs.exit(procs.pids[1], 0)
	c.OnSignal(syscall.SIGCHLD)

	slot := c.Pool().Slot(1)
	assert.False(t, slot.Live())
	assert.True(t, slot.Channel().Closed())
	assert.Equal(t, StateRunning, c.State())

	_, err := procs.worker(1).ReadNotifications()
	assert.ErrorIs(t, err, io.EOF)

	for _, want := range []int{0, 2, 0, 2} {
		c.OnListenerReady()
		assert.Equal(t, want, notified(t, procs))
	}
}

func TestCoordinatorAllDeadStopsListening(t *testing.T) {
	c, procs := newTestCoordinator(t, config.SharedListener, 2)

	for _, pid := range procs.pids {
		procs.exit(pid, 0)
	}
	assert.Len(t, c.Reap(), 2)

	assert.Equal(t, StateStopped, c.State())
	assert.False(t, c.Listening())
	assert.False(t, c.mux.Registered(c.ln.Fd()))

	c.OnListenerReady()
	assert.Zero(t, c.Dispatched())
}

func TestCoordinatorTerminate(t *testing.T) {
	c, procs := newTestCoordinator(t, config.SharedListener, 3)
	procs.exitOnSignal = true

	c.OnSignal(syscall.SIGTERM)
	assert.Equal(t, StateDraining, c.State())
	assert.False(t, c.Listening())
	require.Len(t, procs.signals, 3)
	for i, s := range procs.signals {
		assert.Equal(t, procs.pids[i], s.pid)
		assert.Equal(t, syscall.SIGTERM, s.sig)
	}

	c.OnListenerReady()
	assert.Equal(t, -1, notified(t, procs))

	c.OnSignal(syscall.SIGCHLD)
	assert.Equal(t, StateStopped, c.State())
	for i := 0; i < c.Pool().Len(); i++ {
		assert.True(t, c.Pool().Slot(i).Channel().Closed())
	}
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestCoordinatorRepeatedTerminateResignals(t *testing.T) {
	c, procs := newTestCoordinator(t, config.SharedListener, 2)

	c.OnSignal(syscall.SIGINT)
	c.OnSignal(syscall.SIGTERM)
	assert.Len(t, procs.signals, 4)
	assert.Equal(t, StateDraining, c.State())

	// only the live one is signalled again
	procs.exit(procs.pids[0], 0)
	c.OnSignal(syscall.SIGCHLD)
	c.Terminate()
	assert.Len(t, procs.signals, 5)
	assert.Equal(t, procs.pids[1], procs.signals[4].pid)
}

func TestCoordinatorReapIdempotent(t *testing.T) {
	c, procs := newTestCoordinator(t, config.SharedListener, 2)

	assert.Empty(t, c.Reap())
	assert.Empty(t, c.Reap())
	assert.Equal(t, 2, c.Pool().LiveCount())

	procs.exit(4242, 0)
	assert.Empty(t, c.Reap())
	assert.Equal(t, 2, c.Pool().LiveCount())
	assert.Equal(t, StateRunning, c.State())
}

func TestCoordinatorDescriptorTransfer(t *testing.T) {
	c, procs := newTestCoordinator(t, config.DescriptorTransfer, 2)

	var clients []net.Conn
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", c.ln.Addr())
		require.NoError(t, err)
		defer conn.Close()
		clients = append(clients, conn)
	}

	require.Eventually(t, func() bool {
		c.OnListenerReady()
		return c.Dispatched() == 2
	}, 5*time.Second, 10*time.Millisecond)

	for i, client := range clients {
		fd, err := procs.worker(i).RecvFd()
		require.NoError(t, err)

		f := os.NewFile(uintptr(fd), "transferred")
		server, err := net.FileConn(f)
		require.NoError(t, err)
		f.Close()

		_, err = server.Write([]byte("hello"))
		require.NoError(t, err)
		server.Close()

		buf := make([]byte, 5)
		require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, err = io.ReadFull(client, buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf))

		_, err = procs.worker(i).RecvFd()
		assert.ErrorIs(t, err, ErrWouldBlock)
	}
}

func TestNewCoordinatorRollback(t *testing.T) {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.Workers = 4

	ln, err := Listen(cfg.Addr, cfg.Backlog)
	require.NoError(t, err)

	procs := newFakeProcs()
	procs.failAt = 2
	procs.exitOnSignal = true
	defer procs.close()

	c, err := NewCoordinator(cfg, "test-run", ln, procs)
	require.Error(t, err)
	assert.Nil(t, c)
	assert.True(t, ln.closed)

	require.Len(t, procs.pids, 2)
	require.Len(t, procs.signals, 2)
	for i, s := range procs.signals {
		assert.Equal(t, procs.pids[i], s.pid)
		assert.Equal(t, syscall.SIGKILL, s.sig)

		_, err := procs.worker(i).ReadNotifications()
		assert.ErrorIs(t, err, io.EOF)
	}
	assert.Empty(t, procs.exited)
}

func TestCoordinatorStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
