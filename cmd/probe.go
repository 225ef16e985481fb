package cmd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fzft/go-prefork/deps/linenoise"
	"github.com/mattn/go-isatty"
)

var (
	ProbeHisFileEnv     = "PREFORK_PROBE_HISTFILE"
	ProbeHisFileDefault = ".prefork_probe_history"
)

type ProbeConfig struct {
	Addr        string
	Count       int
	Payload     string
	Timeout     time.Duration
	Interactive bool
}

// ProbeResult counts the echo round trips of one batch run.
type ProbeResult struct {
	OK       int
	Failed   int
	Elapsed  time.Duration
	Failures []error
}

// Probe checks a running pool end to end: every connection it opens must
// be accepted by some worker and get its payload echoed back unchanged.
type Probe struct {
	config ProbeConfig
	out    io.Writer
}

func NewProbe(config ProbeConfig, out io.Writer) *Probe {
	if config.Count < 1 {
		config.Count = 1
	}
	if config.Payload == "" {
		config.Payload = "hello"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if out == nil {
		out = os.Stdout
	}
	return &Probe{config: config, out: out}
}

func (p *Probe) Version(gitSHA1, gitDirty string) string {
	version := "go-prefork probe"
	if sha1Int, err := strconv.ParseInt(gitSHA1, 16, 64); err == nil && sha1Int != 0 {
		version = fmt.Sprintf("%s (git:%s", version, gitSHA1)
		if dirtyInt, err := strconv.ParseInt(gitDirty, 10, 64); err == nil && dirtyInt != 0 {
			version = fmt.Sprintf("%s-dirty", version)
		}
		version = fmt.Sprintf("%s)", version)
	}
	return version
}

func (p *Probe) Run() error {
	if p.config.Interactive {
		return p.repl()
	}
	res := p.Batch()
	fmt.Fprintf(p.out, "%d/%d round trips ok in %s\n", res.OK, res.OK+res.Failed, res.Elapsed)
	for _, err := range res.Failures {
		fmt.Fprintf(p.out, "  %s\n", err)
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d round trips failed", res.Failed, res.OK+res.Failed)
	}
	return nil
}

// Batch opens Count connections one after another and checks each echo.
func (p *Probe) Batch() ProbeResult {
	var res ProbeResult
	start := time.Now()
	for i := 0; i < p.config.Count; i++ {
		if err := p.roundTrip([]byte(p.config.Payload)); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, fmt.Errorf("connection %d: %w", i, err))
			continue
		}
		res.OK++
	}
	res.Elapsed = time.Since(start)
	return res
}

func (p *Probe) roundTrip(payload []byte) error {
	conn, err := net.DialTimeout("tcp", p.config.Addr, p.config.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	return echo(conn, payload, p.config.Timeout)
}

func echo(conn net.Conn, payload []byte, timeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("echo mismatch: sent %q, got %q", payload, got)
	}
	return nil
}

// repl keeps one connection open and echoes every line typed. Commands:
// "quit", "reconnect", "clear".
func (p *Probe) repl() error {
	conn, err := net.DialTimeout("tcp", p.config.Addr, p.config.Timeout)
	if err != nil {
		return err
	}
	defer func() { conn.Close() }()

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return p.replPlain(conn)
	}

	line := linenoise.New()
	defer line.Close()
	historyFile := getDotfilePath(ProbeHisFileEnv, ProbeHisFileDefault)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	prompt := p.config.Addr + "> "
	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, linenoise.ErrAborted) {
				break
			}
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)
		if historyFile != "" {
			_ = line.HistorySave(historyFile)
		}

		switch strings.ToLower(strings.TrimSpace(input)) {
		case "quit", "exit":
			return nil
		case "clear":
			_ = line.ClearScreen()
			continue
		case "reconnect":
			fresh, err := net.DialTimeout("tcp", p.config.Addr, p.config.Timeout)
			if err != nil {
				fmt.Fprintf(p.out, "(error) %s\n", err)
				continue
			}
			conn.Close()
			conn = fresh
			fmt.Fprintln(p.out, "reconnected")
			continue
		}

		start := time.Now()
		if err := echo(conn, []byte(input), p.config.Timeout); err != nil {
			fmt.Fprintf(p.out, "(error) %s\n", err)
			continue
		}
		fmt.Fprintf(p.out, "%s\n(%.2fms)\n", input, float64(time.Since(start).Microseconds())/1000)
	}
	return nil
}

// replPlain serves piped input: one echo per line, no prompt or history.
func (p *Probe) replPlain(conn net.Conn) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if err := echo(conn, []byte(text), p.config.Timeout); err != nil {
			return err
		}
		fmt.Fprintln(p.out, text)
	}
	return scanner.Err()
}

func getDotfilePath(envOverride, dotFilename string) string {
	var dotPath string

	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		dotPath = path
	} else {
		home := os.Getenv("HOME")
		if home != "" {
			dotPath = fmt.Sprintf("%s/%s", home, dotFilename)
		}
	}
	return dotPath
}
