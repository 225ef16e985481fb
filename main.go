package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fzft/go-prefork/config"
	"github.com/fzft/go-prefork/log"
	"github.com/fzft/go-prefork/node"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	s, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go-prefork: %s\n", err)
		return 2
	}
	defer log.Logger.Sync()

	if node.IsWorker() {
		err = s.RunWorker()
	} else {
		err = s.Run()
	}
	if err != nil {
		log.Logger.Error("exiting", zap.Error(err))
		return 1
	}
	return 0
}

// setup resolves the configuration for either role. A worker takes the
// coordinator's resolved configuration from its environment and ignores
// flags.
func setup() (*node.Server, error) {
	if node.IsWorker() {
		cfg, err := config.Decode(os.Getenv(node.EnvConfig))
		if err != nil {
			return nil, err
		}
		if err := log.InitLogger(cfg.LogLevel); err != nil {
			return nil, err
		}
		return node.NewServer(cfg), nil
	}

	configFile := flag.String("config", "", "path to a TOML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version())
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := log.InitLogger(cfg.LogLevel); err != nil {
		return nil, err
	}
	log.Logger.Info("starting", zap.String("version", Version()), zap.String("config", *configFile))
	return node.NewServer(cfg), nil
}
