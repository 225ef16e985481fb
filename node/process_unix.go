//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/fzft/go-prefork/config"
	"golang.org/x/sys/unix"
)

// Environment handed to a worker process.
const (
	EnvRole        = "PREFORK_ROLE"
	EnvWorkerIndex = "PREFORK_WORKER_INDEX"
	EnvRunID       = "PREFORK_RUN_ID"
	EnvConfig      = "PREFORK_CONFIG"

	RoleWorker = "worker"
)

// Descriptors a worker finds already open.
const (
	ChannelFd  = 3
	ListenerFd = 4
)

// WorkerSpec is everything a new worker process receives.
type WorkerSpec struct {
	Index  int
	RunID  string
	Config config.Config
	// Channel is the worker end of the control channel.
	Channel *Channel
	// Listener is nil unless the strategy is shared-listener.
	Listener *Listener
}

// Exit is one reaped child.
type Exit struct {
	Pid    int
	Status unix.WaitStatus
}

func (e Exit) String() string {
	switch {
	case e.Status.Exited():
		return fmt.Sprintf("exit status %d", e.Status.ExitStatus())
	case e.Status.Signaled():
		return fmt.Sprintf("killed by %s", e.Status.Signal())
	default:
		return fmt.Sprintf("wait status %#x", uint32(e.Status))
	}
}

// ProcessControl is the coordinator's boundary to the OS process table.
type ProcessControl interface {
	Spawn(spec WorkerSpec) (pid int, err error)
	Signal(pid int, sig syscall.Signal) error
	// Reap collects every child that has exited without blocking. With
	// nothing to collect it returns an empty result and no error.
	Reap() ([]Exit, error)
}

// ExecProcessControl starts workers by re-executing a binary, the running
// one by default, in the worker role.
type ExecProcessControl struct {
	Path string
	Args []string
	Env  []string
}

func (p *ExecProcessControl) Spawn(spec WorkerSpec) (int, error) {
	path := p.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		path = self
	}
	env := p.Env
	if env == nil {
		env = os.Environ()
	}

	cfgText, err := spec.Config.Encode()
	if err != nil {
		return 0, err
	}

	// Raw descriptors: going through *os.File would flip the shared
	// listener's file description back to blocking mode.
	files := []uintptr{0, 1, 2, uintptr(spec.Channel.Fd())}
	if spec.Listener != nil {
		files = append(files, uintptr(spec.Listener.Fd()))
	}

	attr := &syscall.ProcAttr{
		Env: append(append([]string{}, env...),
			EnvRole+"="+RoleWorker,
			EnvWorkerIndex+"="+strconv.Itoa(spec.Index),
			EnvRunID+"="+spec.RunID,
			EnvConfig+"="+cfgText,
		),
		Files: files,
		// a coordinator that dies without reaping takes its workers with it
		Sys: &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL},
	}

	pid, err := syscall.ForkExec(path, append([]string{path}, p.Args...), attr)
	if err != nil {
		return 0, fmt.Errorf("start worker %d: %w", spec.Index, err)
	}
	return pid, nil
}

func (p *ExecProcessControl) Signal(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return os.NewSyscallError("kill", err)
	}
	return nil
}

func (p *ExecProcessControl) Reap() ([]Exit, error) {
	var exits []Exit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			return exits, nil
		case err != nil:
			return exits, os.NewSyscallError("wait4", err)
		case pid <= 0:
			return exits, nil
		}
		exits = append(exits, Exit{Pid: pid, Status: ws})
	}
}
