//go:build linux
// +build linux

package node

import (
	"os"
	"testing"
)

// helperEnv marks a re-executed test binary that should serve as a worker
// instead of running tests.
const helperEnv = "GO_WANT_HELPER_PROCESS"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" && os.Getenv(EnvRole) == RoleWorker {
		os.Exit(runHelperWorker())
	}
	os.Exit(m.Run())
}

func runHelperWorker() int {
	w, err := WorkerFromEnv(os.Getenv, nil)
	if err != nil {
		return 2
	}
	if err := w.Run(); err != nil {
		return 1
	}
	return 0
}

// helperProcs spawns real workers from the test binary itself.
func helperProcs() *ExecProcessControl {
	return &ExecProcessControl{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  append(os.Environ(), helperEnv+"=1"),
	}
}
