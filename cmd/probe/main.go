package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fzft/go-prefork/cmd"
)

var (
	gitSHA1  = "unknown"
	gitDirty = "unknown"
)

func main() {
	var (
		config      cmd.ProbeConfig
		showVersion bool
	)
	flag.StringVar(&config.Addr, "addr", "127.0.0.1:8080", "pool address")
	flag.IntVar(&config.Count, "n", 1, "connections to open in batch mode")
	flag.StringVar(&config.Payload, "payload", "hello", "bytes each connection sends")
	flag.DurationVar(&config.Timeout, "timeout", 5*time.Second, "dial and round trip timeout")
	flag.BoolVar(&config.Interactive, "i", false, "interactive line mode")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	probe := cmd.NewProbe(config, os.Stdout)
	if showVersion {
		fmt.Println(probe.Version(gitSHA1, gitDirty))
		return
	}
	if err := probe.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "probe: %s\n", err)
		os.Exit(1)
	}
}
