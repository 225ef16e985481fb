// Package config resolves the pool configuration from defaults, an optional
// TOML file and PREFORK_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
)

const (
	EnvAddr        = "PREFORK_ADDR"
	EnvWorkers     = "PREFORK_WORKERS"
	EnvStrategy    = "PREFORK_STRATEGY"
	EnvLogLevel    = "PREFORK_LOG_LEVEL"
	EnvIdleTimeout = "PREFORK_IDLE_TIMEOUT"
)

// Strategy names how a worker obtains a dispatched connection.
type Strategy string

const (
	// SharedListener workers inherit the listening socket and race to accept.
	SharedListener Strategy = "shared-listener"
	// DescriptorTransfer workers receive each accepted socket over their channel.
	DescriptorTransfer Strategy = "descriptor-transfer"
)

const MaxWorkers = 256

type Config struct {
	Addr             string
	Workers          int
	Strategy         Strategy
	Backlog          int
	MaxEvents        int
	IdleTimeout      time.Duration
	ChildSignal      string
	TerminateSignals []string
	LogLevel         string
}

type fileConfig struct {
	Addr             string   `toml:"addr"`
	Workers          int      `toml:"workers"`
	Strategy         string   `toml:"strategy"`
	Backlog          int      `toml:"backlog"`
	MaxEvents        int      `toml:"max_events"`
	IdleTimeout      string   `toml:"idle_timeout"`
	ChildSignal      string   `toml:"child_signal"`
	TerminateSignals []string `toml:"terminate_signals"`
	LogLevel         string   `toml:"log_level"`
}

func Default() Config {
	return Config{
		Addr:             ":8080",
		Workers:          4,
		Strategy:         SharedListener,
		Backlog:          128,
		MaxEvents:        1024,
		ChildSignal:      "SIGCHLD",
		TerminateSignals: []string{"SIGTERM", "SIGINT"},
		LogLevel:         "info",
	}
}

// Load applies the keys defined in the file at path on top of Default.
// An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.merge(meta, raw); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) merge(meta toml.MetaData, raw fileConfig) error {
	if meta.IsDefined("addr") {
		c.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("workers") {
		c.Workers = raw.Workers
	}
	if meta.IsDefined("strategy") {
		c.Strategy = Strategy(strings.TrimSpace(raw.Strategy))
	}
	if meta.IsDefined("backlog") {
		c.Backlog = raw.Backlog
	}
	if meta.IsDefined("max_events") {
		c.MaxEvents = raw.MaxEvents
	}
	if meta.IsDefined("idle_timeout") {
		d, err := parseDuration(raw.IdleTimeout)
		if err != nil {
			return fmt.Errorf("parse idle_timeout: %w", err)
		}
		c.IdleTimeout = d
	}
	if meta.IsDefined("child_signal") {
		c.ChildSignal = strings.TrimSpace(raw.ChildSignal)
	}
	if meta.IsDefined("terminate_signals") {
		c.TerminateSignals = normalizeNames(raw.TerminateSignals)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return nil
}

// ApplyEnv overrides fields from the PREFORK_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvAddr)); v != "" {
		c.Addr = v
	}
	if v := strings.TrimSpace(getenv(EnvWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvWorkers, err)
		}
		c.Workers = n
	}
	if v := strings.TrimSpace(getenv(EnvStrategy)); v != "" {
		c.Strategy = Strategy(v)
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv(EnvIdleTimeout)); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvIdleTimeout, err)
		}
		c.IdleTimeout = d
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.Workers < 1 || c.Workers > MaxWorkers {
		errs = append(errs, fmt.Errorf("workers must be in [1, %d], got %d", MaxWorkers, c.Workers))
	}
	switch c.Strategy {
	case SharedListener, DescriptorTransfer:
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Strategy))
	}
	if c.Backlog < 1 {
		errs = append(errs, fmt.Errorf("backlog must be positive, got %d", c.Backlog))
	}
	if c.MaxEvents < 1 {
		errs = append(errs, fmt.Errorf("max_events must be positive, got %d", c.MaxEvents))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must not be negative, got %s", c.IdleTimeout))
	}
	if _, _, err := c.Signals(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Signals resolves the configured signal names.
func (c Config) Signals() (child syscall.Signal, terminate []syscall.Signal, err error) {
	child, err = SignalByName(c.ChildSignal)
	if err != nil {
		return 0, nil, fmt.Errorf("child_signal: %w", err)
	}
	if len(c.TerminateSignals) == 0 {
		return 0, nil, errors.New("terminate_signals must not be empty")
	}
	for _, name := range c.TerminateSignals {
		sig, err := SignalByName(name)
		if err != nil {
			return 0, nil, fmt.Errorf("terminate_signals: %w", err)
		}
		if sig == child {
			return 0, nil, fmt.Errorf("terminate_signals: %s is already the child signal", name)
		}
		terminate = append(terminate, sig)
	}
	return child, terminate, nil
}

// SignalByName accepts "SIGTERM", "TERM" or "term".
func SignalByName(name string) (syscall.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return 0, errors.New("empty signal name")
	}
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := unix.SignalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	if sig > 0xff {
		return 0, fmt.Errorf("signal %q does not fit in one byte", name)
	}
	return sig, nil
}

// Encode renders the resolved config as TOML, the form handed to workers.
func (c Config) Encode() (string, error) {
	raw := fileConfig{
		Addr:             c.Addr,
		Workers:          c.Workers,
		Strategy:         string(c.Strategy),
		Backlog:          c.Backlog,
		MaxEvents:        c.MaxEvents,
		IdleTimeout:      c.IdleTimeout.String(),
		ChildSignal:      c.ChildSignal,
		TerminateSignals: c.TerminateSignals,
		LogLevel:         c.LogLevel,
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return buf.String(), nil
}

func Decode(data string) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.merge(meta, raw); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func normalizeNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, name := range in {
		v := strings.TrimSpace(name)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
