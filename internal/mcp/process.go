package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultTerminateGrace is how long Terminate waits for the server to exit
// after SIGTERM before killing it.
const DefaultTerminateGrace = 2 * time.Second

// readBufferSize bounds a single response line.
const readBufferSize = 1 << 20 // 1 MiB buffer for large responses

// ServerSpec names the MCP server executable and its arguments.
type ServerSpec struct {
	// ExecutablePath is the program to run, resolved via PATH when it
	// contains no separator.
	ExecutablePath string

	// Arguments are passed to the executable in order.
	Arguments []string
}

// String renders the command line for logs.
func (s ServerSpec) String() string {
	out := s.ExecutablePath
	for _, a := range s.Arguments {
		out += " " + a
	}
	return out
}

// ProcessOptions tunes a Process.
type ProcessOptions struct {
	// TerminateGrace overrides DefaultTerminateGrace.
	TerminateGrace time.Duration

	// Logger receives lifecycle events and the server's stderr.
	Logger *slog.Logger
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// Process owns a running MCP server subprocess and its stdio pipes. It is
// the only thing in the package that touches the OS process.
type Process struct {
	grace  time.Duration
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	lines     chan readResult
	quit      chan struct{}
	exited    chan struct{}
	outClosed atomic.Bool

	mu         sync.Mutex
	terminated bool
}

// StartProcess launches the server. The child inherits the current
// environment with env overlaid on top of it. Launch failures wrap ErrSpawn
// and leave nothing running.
func StartProcess(spec ServerSpec, env map[string]string, opts ProcessOptions) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	if spec.ExecutablePath == "" {
		return nil, fmt.Errorf("%w: empty executable path", ErrSpawn)
	}

	logger.Info("starting MCP subprocess",
		"command", spec.ExecutablePath,
		"args", spec.Arguments,
	)

	// The subprocess lifecycle is independent of call contexts; it is only
	// ended by Terminate.
	cmd := exec.Command(spec.ExecutablePath, spec.Arguments...)
	cmd.Env = mergeEnv(os.Environ(), env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %w", ErrSpawn, err)
	}

	// stdout is a raw pipe rather than cmd.StdoutPipe so that Wait never
	// closes it under a pending read; lines written just before exit are
	// still delivered.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: create stdout pipe: %w", ErrSpawn, err)
	}
	cmd.Stdout = stdoutW

	// Capture stderr for logging; it is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: create stderr pipe: %w", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("%w: start %s: %w", ErrSpawn, spec.ExecutablePath, err)
	}
	// The child holds its own copy of the write end.
	stdoutW.Close()

	p := &Process{
		grace:  grace,
		logger: logger.With("pid", cmd.Process.Pid),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		lines:  make(chan readResult),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	go p.drainStderr(stderrPipe)
	go p.pump()
	go p.wait()

	p.logger.Info("MCP subprocess started")
	return p, nil
}

// mergeEnv overlays extra onto base. Keys are applied in sorted order so the
// resulting slice is deterministic; exec keeps the last value for a
// duplicated key.
func mergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// drainStderr reads stderr lines and logs them at debug level.
func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// pump is the only reader of stdout. It hands each line to ReadLine and
// exits on the first read error, closing p.lines behind it.
func (p *Process) pump() {
	defer close(p.lines)
	reader := bufio.NewReaderSize(p.stdout, readBufferSize)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case p.lines <- readResult{line: line}:
			case <-p.quit:
				return
			}
		}
		if err != nil {
			p.outClosed.Store(true)
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				select {
				case p.lines <- readResult{err: err}:
				case <-p.quit:
				}
			}
			return
		}
	}
}

// wait reaps the child and records its exit status.
func (p *Process) wait() {
	err := p.cmd.Wait()
	close(p.exited)
	p.logger.Debug("MCP subprocess exited", "error", err)
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit status, or -1 while the process is running or
// when it was ended by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// OutputClosed reports whether the server closed its stdout.
func (p *Process) OutputClosed() bool {
	return p.outClosed.Load()
}

// WriteLine writes line followed by a newline in a single write. It fails
// with ErrIO once the process is terminated or its stdin is closed.
func (p *Process) WriteLine(line []byte) error {
	p.mu.Lock()
	terminated := p.terminated
	p.mu.Unlock()
	if terminated {
		return fmt.Errorf("%w: write to terminated process", ErrIO)
	}
	if p.Exited() {
		return fmt.Errorf("%w: write after process exit", ErrIO)
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := p.stdin.Write(buf); err != nil {
		return fmt.Errorf("%w: write to subprocess stdin: %w", ErrIO, err)
	}
	return nil
}

// ReadLine returns the next line from stdout without its trailing newline.
// It returns io.EOF once the server has closed its output, an ErrTimeout
// wrapped error when nothing arrives within timeout, and ctx.Err() when
// ctx ends first. A non-positive timeout waits for ctx alone.
func (p *Process) ReadLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case res, ok := <-p.lines:
		if !ok {
			return nil, io.EOF
		}
		if res.err != nil {
			return nil, fmt.Errorf("%w: read from subprocess stdout: %w", ErrIO, res.err)
		}
		return trimNewline(res.line), nil
	case <-timeoutC:
		return nil, fmt.Errorf("%w: no output within %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

// Terminate closes stdin, sends SIGTERM, and waits up to the grace period
// before killing the process. It is safe to call repeatedly and from
// several goroutines; only the first call does any work. An already exited
// process is not an error.
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return nil
	}
	p.terminated = true

	p.logger.Info("stopping MCP subprocess")

	// Close stdin to signal the subprocess to exit.
	_ = p.stdin.Close()

	if !p.Exited() {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug("SIGTERM failed, killing", "error", err)
			_ = p.cmd.Process.Kill()
		}

		select {
		case <-p.exited:
		case <-time.After(p.grace):
			p.logger.Warn("MCP subprocess did not exit gracefully, killing",
				"grace", p.grace,
			)
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	}

	// Unblock the pump even if a grandchild still holds the write end.
	close(p.quit)
	_ = p.stdout.Close()
	return nil
}
