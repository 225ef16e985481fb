//go:build linux
// +build linux

package node

import (
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

func TestReapWithoutChildren(t *testing.T) {
	p := &ExecProcessControl{}
	exits, err := p.Reap()
	assert.NoError(t, err)
	assert.Empty(t, exits)

	exits, err = p.Reap()
	assert.NoError(t, err)
	assert.Empty(t, exits)
}

func TestExitString(t *testing.T) {
	assert.Equal(t, "exit status 3", Exit{Pid: 1, Status: unix.WaitStatus(3 << 8)}.String())
	assert.Equal(t, "killed by terminated", Exit{Pid: 1, Status: unix.WaitStatus(syscall.SIGTERM)}.String())
}

func TestSpawnedWorkersServeAndExit(t *testing.T) {
	for _, strategy := range []config.Strategy{config.SharedListener, config.DescriptorTransfer} {
		t.Run(string(strategy), func(t *testing.T) {
			cfg := config.Default()
			cfg.Addr = "127.0.0.1:0"
			cfg.Workers = 2
			cfg.Strategy = strategy

			ln, err := Listen(cfg.Addr, cfg.Backlog)
			require.NoError(t, err)
			addr := ln.Addr()

			procs := helperProcs()
			c, err := NewCoordinator(cfg, "spawn-test", ln, procs)
			require.NoError(t, err)

			pids := make([]int, 0, cfg.Workers)
			for i := 0; i < c.Pool().Len(); i++ {
				pids = append(pids, c.Pool().Slot(i).Pid)
			}
			done := make(chan error, 1)
			go func() { done <- c.Run() }()
			t.Cleanup(func() {
				if !t.Failed() {
					return
				}
				for _, pid := range pids {
					_ = unix.Kill(pid, syscall.SIGKILL)
				}
				_, _ = procs.Reap()
			})

			// round robin sends one connection to each worker
			for i := 0; i < cfg.Workers; i++ {
				client, err := net.Dial("tcp", addr)
				require.NoError(t, err)
				roundTrip(t, client, "hello from a real worker")
				client.Close()
			}

			require.NoError(t, unix.Kill(os.Getpid(), syscall.SIGTERM))
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("coordinator did not stop")
			}

			assert.Equal(t, StateStopped, c.State())
			assert.EqualValues(t, cfg.Workers, c.Dispatched())
			for i := 0; i < c.Pool().Len(); i++ {
				assert.False(t, c.Pool().Slot(i).Live(), "worker %d", i)
			}
			exits, err := procs.Reap()
			assert.NoError(t, err)
			assert.Empty(t, exits)
		})
	}
}
