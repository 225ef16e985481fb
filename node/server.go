//go:build linux
// +build linux

package node

import (
	"os"

	"github.com/fzft/go-prefork/config"
	"github.com/fzft/go-prefork/log"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server is the entry point for both roles of the binary. The same
// executable runs as the coordinator unless the environment marks it as a
// spawned worker.
type Server struct {
	cfg     config.Config
	handler Handler
	procs   ProcessControl
}

func NewServer(cfg config.Config) *Server {
	return &Server{
		cfg:     cfg,
		handler: EchoHandler{},
		procs:   &ExecProcessControl{},
	}
}

func (s *Server) SetHandler(handler Handler) {
	s.handler = handler
}

func (s *Server) SetProcessControl(procs ProcessControl) {
	s.procs = procs
}

// IsWorker reports whether this process was spawned as a worker.
func IsWorker() bool {
	return os.Getenv(EnvRole) == RoleWorker
}

// Run starts the coordinator: bind, spawn the pool, dispatch until every
// worker has been reaped.
func (s *Server) Run() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	ln, err := Listen(s.cfg.Addr, s.cfg.Backlog)
	if err != nil {
		log.Logger.Error("listen error", zap.String("addr", s.cfg.Addr), zap.Error(err))
		return err
	}

	runID := uuid.New().String()
	coord, err := NewCoordinator(s.cfg, runID, ln, s.procs)
	if err != nil {
		log.Logger.Error("start worker pool", zap.String("run", runID), zap.Error(err))
		return err
	}

	log.Logger.Info("listening", zap.String("addr", ln.Addr()), zap.Int("workers", s.cfg.Workers))
	if err := coord.Run(); err != nil {
		return err
	}
	log.Logger.Info("shutting down server")
	return nil
}

// RunWorker serves as the worker the environment describes.
func (s *Server) RunWorker() error {
	w, err := WorkerFromEnv(os.Getenv, s.handler)
	if err != nil {
		log.Logger.Error("worker setup", zap.Error(err))
		return err
	}
	return w.Run()
}
