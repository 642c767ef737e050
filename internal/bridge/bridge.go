// Package bridge drives one external simulation worker over a line-delimited
// JSON protocol on the worker's stdin/stdout.
//
// A Bridge is a small state machine:
//
//	Unstarted --Start--> Running --(crash)--> Dead --Start--> Running
//
// Crashes are only discovered by Send and only repaired by the next Start;
// nothing is retried behind the caller's back.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// BridgeFlag is appended to every worker command line to select bridge mode.
const BridgeFlag = "--bridge"

// State is the liveness of a Bridge.
type State int

const (
	Unstarted State = iota
	Running
	Dead
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Running:
		return "running"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config describes how to launch a worker.
type Config struct {
	Executable string   // program to run, e.g. "node"
	Args       []string // arguments before BridgeFlag, e.g. ["simulate.js"]
	Env        []string // extra KEY=VALUE pairs on top of the parent environment

	// LogDir receives worker stderr as bridge-<slot>.log. Empty discards it.
	LogDir string

	// ReplyTimeout bounds one round trip. Zero waits until the worker
	// answers, closes its output, or exits.
	ReplyTimeout time.Duration

	// KillGrace is how long Stop waits after SIGTERM before SIGKILL.
	KillGrace time.Duration
}

const (
	defaultKillGrace = 3 * time.Second
	closeTimeout     = time.Second
	exitDrain        = 100 * time.Millisecond
)

type readResult struct {
	line []byte
	err  error
}

// Bridge owns exactly one worker process. It is not safe for concurrent
// use; the worker pool gives each Bridge to a single slot.
type Bridge struct {
	slot  int
	cfg   Config
	state State

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writer  *bufio.Writer
	stdout  *os.File
	lines   chan readResult
	done    chan struct{}
	exited  chan struct{}
	logFile *os.File
}

// New returns an Unstarted bridge for the given pool slot.
func New(slot int, cfg Config) *Bridge {
	if cfg.KillGrace == 0 {
		cfg.KillGrace = defaultKillGrace
	}
	return &Bridge{slot: slot, cfg: cfg}
}

// Slot returns the pool slot this bridge belongs to.
func (b *Bridge) Slot() int { return b.slot }

// State returns the current liveness state.
func (b *Bridge) State() State { return b.state }

// Start launches the worker if it is not already Running.
func (b *Bridge) Start() error {
	if b.state == Running {
		return nil
	}
	b.release()

	args := append(append([]string{}, b.cfg.Args...), BridgeFlag)
	//nolint:gosec // the worker command comes from operator configuration
	cmd := exec.Command(b.cfg.Executable, args...)
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Slot: b.slot, Executable: b.cfg.Executable, Err: err}
	}

	// A plain os.Pipe keeps the read end ours: exec.Cmd.Wait would close a
	// StdoutPipe and could drop the final reply before it is read.
	pr, pw, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return &SpawnError{Slot: b.slot, Executable: b.cfg.Executable, Err: err}
	}
	cmd.Stdout = pw

	var logFile *os.File
	if b.cfg.LogDir != "" {
		if err := os.MkdirAll(b.cfg.LogDir, 0o755); err == nil {
			path := filepath.Join(b.cfg.LogDir, fmt.Sprintf("bridge-%d.log", b.slot))
			//nolint:gosec // log path is deterministic
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				logFile = f
				cmd.Stderr = f
			}
		}
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = pr.Close()
		_ = pw.Close()
		if logFile != nil {
			_ = logFile.Close()
		}
		return &SpawnError{Slot: b.slot, Executable: b.cfg.Executable, Err: err}
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	b.cmd = cmd
	b.stdin = stdin
	b.writer = bufio.NewWriter(stdin)
	b.stdout = pr
	b.lines = make(chan readResult, 1)
	b.done = make(chan struct{})
	b.exited = make(chan struct{})
	b.logFile = logFile

	go readLines(pr, b.lines, b.done)
	go func(exited chan struct{}) {
		_ = cmd.Wait()
		close(exited)
	}(b.exited)

	b.state = Running
	return nil
}

// readLines forwards newline-terminated lines until the stream fails.
// A trailing fragment without a newline is never delivered as a reply.
func readLines(r io.Reader, out chan<- readResult, done <-chan struct{}) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		var res readResult
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			res = readResult{err: err}
		} else {
			res = readResult{line: line}
		}
		select {
		case out <- res:
		case <-done:
			return
		}
		if res.err != nil {
			return
		}
	}
}

// Send writes one request line and reads exactly one reply line.
//
// Any I/O failure, end of stream, timeout or undecodable reply kills the
// worker and leaves the bridge Dead; the error then satisfies
// errors.Is(err, ErrCrashed). A RemoteError leaves the worker Running.
func (b *Bridge) Send(ctx context.Context, req Request) (Reply, error) {
	if b.state != Running {
		return Reply{}, &CrashedError{Slot: b.slot, Reason: "worker is " + b.state.String()}
	}

	line, err := EncodeRequest(req)
	if err != nil {
		return Reply{}, err
	}
	if _, err := b.writer.Write(line); err != nil {
		return Reply{}, b.crash("write "+req.Command(), err)
	}
	if err := b.writer.Flush(); err != nil {
		return Reply{}, b.crash("flush "+req.Command(), err)
	}

	var timeout <-chan time.Time
	if b.cfg.ReplyTimeout > 0 {
		t := time.NewTimer(b.cfg.ReplyTimeout)
		defer t.Stop()
		timeout = t.C
	}

	var res readResult
	select {
	case res = <-b.lines:
	case <-b.exited:
		// The reply may already sit in the pipe; give the reader a moment.
		select {
		case res = <-b.lines:
		case <-time.After(exitDrain):
			return Reply{}, b.crash("worker exited", nil)
		}
	case <-timeout:
		return Reply{}, b.crash(fmt.Sprintf("no reply to %s within %s", req.Command(), b.cfg.ReplyTimeout), nil)
	case <-ctx.Done():
		b.kill()
		return Reply{}, ctx.Err()
	}

	if res.err != nil {
		return Reply{}, b.crash("no reply to "+req.Command(), res.err)
	}

	reply, err := DecodeReply(b.slot, req, res.line)
	if err != nil {
		if errors.Is(err, ErrCrashed) {
			b.kill()
		}
		return Reply{}, err
	}
	return reply, nil
}

// Stop asks the worker to close, then terminates it. Errors are swallowed.
func (b *Bridge) Stop() {
	if b.state == Running {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_, _ = b.Send(ctx, CloseRequest{})
		cancel()
	}
	if b.cmd != nil {
		terminate(b.cmd, b.exited, b.cfg.KillGrace)
	}
	b.release()
	if b.state != Unstarted {
		b.state = Dead
	}
}

func (b *Bridge) crash(reason string, err error) error {
	b.kill()
	return &CrashedError{Slot: b.slot, Reason: reason, Err: err}
}

// kill force-terminates the worker and marks the bridge Dead.
func (b *Bridge) kill() {
	if b.cmd != nil {
		terminate(b.cmd, b.exited, 0)
	}
	b.release()
	b.state = Dead
}

// release drops every handle tied to the current process.
func (b *Bridge) release() {
	if b.done != nil {
		close(b.done)
		b.done = nil
	}
	if b.stdin != nil {
		_ = b.stdin.Close()
		b.stdin = nil
	}
	if b.stdout != nil {
		_ = b.stdout.Close()
		b.stdout = nil
	}
	if b.logFile != nil {
		_ = b.logFile.Close()
		b.logFile = nil
	}
	b.cmd = nil
	b.writer = nil
	b.lines = nil
	b.exited = nil
}

// Preflight checks that the worker command can plausibly be launched:
// the executable resolves on PATH and a script argument, if any, exists.
func Preflight(cfg Config) error {
	if _, err := exec.LookPath(cfg.Executable); err != nil {
		return fmt.Errorf("simulation executable %q not found: %w", cfg.Executable, err)
	}
	if len(cfg.Args) > 0 && filepath.Ext(cfg.Args[0]) != "" {
		if _, err := os.Stat(cfg.Args[0]); err != nil {
			return fmt.Errorf("simulation script: %w", err)
		}
	}
	return nil
}
