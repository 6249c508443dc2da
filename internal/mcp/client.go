package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/slo-agent/internal/buildinfo"
)

// tracerName identifies spans emitted by this package.
const tracerName = "github.com/nugget/slo-agent/internal/mcp"

// State is the lifecycle position of a Client.
type State int

const (
	StateUnstarted State = iota
	StateStarted
	StateHandshakeInFlight
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarted:
		return "started"
	case StateHandshakeInFlight:
		return "handshake_in_flight"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Client. It is resolved once by the caller; the
// client reads nothing from the environment itself.
type Config struct {
	// Name labels the server in logs and spans. Defaults to the base name
	// of the executable.
	Name string

	// Server is the executable and arguments to launch.
	Server ServerSpec

	// Env is overlaid on the inherited environment of the subprocess.
	Env map[string]string

	// ClientInfo is sent in the initialize request. Name defaults to
	// "slo-agent" and Version to the build version.
	ClientInfo ClientInfo

	// HandshakeTimeout bounds the wait for the initialize response.
	HandshakeTimeout time.Duration

	// CallTimeout bounds the wait for each tools/call response.
	CallTimeout time.Duration

	// TerminateGrace is how long teardown waits after SIGTERM.
	TerminateGrace time.Duration

	// Logger is the structured logger for client diagnostics.
	Logger *slog.Logger

	// TracerProvider overrides the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider
}

// Client is a single-connection MCP client over stdio. It spawns one
// server process, performs the handshake once, and then issues tool calls
// one at a time. A Client is not reusable: once closed, create a new one.
//
// The usual shape is
//
//	c := mcp.NewClient(cfg)
//	defer c.Close()
//	if err := c.Connect(ctx); err != nil { ... }
//	res, err := c.CallTool(ctx, "tool", args)
type Client struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	connID string

	// sem serializes exchanges on the pipe. It is a channel rather than a
	// mutex so that waiting for it respects context cancellation.
	sem chan struct{}

	mu     sync.Mutex
	state  State
	proc   *Process
	hs     *handshake
	inv    *invoker
	nextID int64
	server ServerInfo
}

// NewClient creates a client. No process is started until Connect.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Server.ExecutablePath)
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo.Name = "slo-agent"
	}
	if cfg.ClientInfo.Version == "" {
		cfg.ClientInfo.Version = buildinfo.ClientVersion()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	connID := uuid.NewString()
	return &Client{
		cfg:    cfg,
		logger: logger.With("mcp_server", cfg.Name, "conn_id", connID),
		tracer: tp.Tracer(tracerName),
		connID: connID,
		sem:    make(chan struct{}, 1),
	}
}

// Name returns the server name this client is configured for.
func (c *Client) Name() string {
	return c.cfg.Name
}

// ConnID returns the unique id of this connection, as it appears in logs
// and spans.
func (c *Client) ConnID() string {
	return c.connID
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns what the server reported during the handshake. It is
// zero until Connect succeeds.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Process returns the subprocess handle, or nil before Connect starts it.
func (c *Client) Process() *Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc
}

// Connect starts the server process and performs the handshake. On
// success the client is Ready. On any failure the process has been torn
// down and the client is Closed. Connect on a Ready client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "mcp.connect", trace.WithAttributes(
		attribute.String("mcp.server", c.cfg.Name),
		attribute.String("mcp.conn_id", c.connID),
		attribute.String("mcp.command", c.cfg.Server.String()),
	))
	defer span.End()

	if err := c.acquire(ctx); err != nil {
		return recordError(span, fmt.Errorf("connect %s: %w", c.cfg.Name, err))
	}
	defer c.release()

	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return recordError(span, fmt.Errorf("connect %s: %w", c.cfg.Name, ErrClosed))
	}

	proc, err := StartProcess(c.cfg.Server, c.cfg.Env, ProcessOptions{
		TerminateGrace: c.cfg.TerminateGrace,
		Logger:         c.logger,
	})
	if err != nil {
		c.state = StateClosed
		c.mu.Unlock()
		c.logger.Error("MCP server failed to start", "error", err)
		return recordError(span, fmt.Errorf("connect %s: %w", c.cfg.Name, err))
	}
	c.proc = proc
	c.state = StateStarted
	span.SetAttributes(attribute.Int("mcp.pid", proc.Pid()))

	ch := NewChannel(proc, c.logger)
	hs := newHandshake(ch, c.cfg.ClientInfo, c.cfg.HandshakeTimeout, c.logger)
	c.hs = hs
	id := c.takeID()
	c.state = StateHandshakeInFlight
	c.mu.Unlock()

	// The lock is not held across the handshake so Disconnect can tear
	// the process down underneath a blocked read.
	err = hs.run(ctx, id)

	c.mu.Lock()
	if err == nil && c.state == StateClosed {
		err = fmt.Errorf("%w: disconnected during handshake", ErrClosed)
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("MCP server initialization failed", "error", err)
		c.teardown()
		return recordError(span, fmt.Errorf("connect %s: %w", c.cfg.Name, err))
	}
	c.server = hs.server
	c.inv = newInvoker(ch, c.cfg.CallTimeout, c.logger)
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "pid", proc.Pid())
	return nil
}

// CallTool invokes a tool by name. It fails immediately with ErrNotReady,
// without touching the pipe, unless the client is Ready.
//
// Timeouts, pipe failures, cancellation and the server closing its output
// are fatal to the connection: the process is torn down and the client
// becomes Closed. Remote errors, not-found results and undecodable lines
// leave the connection usable.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	ctx, span := c.tracer.Start(ctx, "mcp.tools/call", trace.WithAttributes(
		attribute.String("mcp.server", c.cfg.Name),
		attribute.String("mcp.conn_id", c.connID),
		attribute.String("mcp.tool", name),
	))
	defer span.End()

	if err := c.checkReady(name); err != nil {
		return nil, recordError(span, err)
	}

	if err := c.acquire(ctx); err != nil {
		return nil, recordError(span, fmt.Errorf("tools/call %s: %w", name, err))
	}
	defer c.release()

	// Re-check under the semaphore; a failed call may have closed the
	// client while we waited.
	if err := c.checkReady(name); err != nil {
		return nil, recordError(span, err)
	}

	c.mu.Lock()
	id := c.takeID()
	inv := c.inv
	proc := c.proc
	c.mu.Unlock()

	start := time.Now()
	result, err := inv.call(ctx, id, name, args)
	elapsed := time.Since(start)

	if err != nil {
		kind := KindOf(err)
		span.SetAttributes(attribute.String("mcp.failure_kind", kind.String()))
		if fatalToConnection(err, proc) {
			c.logger.Warn("MCP tool call failed, tearing down connection",
				"tool", name,
				"kind", kind.String(),
				"error", err,
			)
			c.teardown()
		} else {
			c.logger.Info("MCP tool call failed",
				"tool", name,
				"kind", kind.String(),
				"error", err,
			)
		}
		return nil, recordError(span, err)
	}

	span.SetAttributes(attribute.Bool("mcp.result_json", result.IsJSON))
	c.logger.Debug("MCP tool call completed",
		"tool", name,
		"elapsed", elapsed,
		"json", result.IsJSON,
	)
	return result, nil
}

// Disconnect terminates the server process. It is idempotent and safe to
// call from any goroutine, including while a call is blocked on a read.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	already := c.state == StateClosed
	c.mu.Unlock()
	if !already {
		c.logger.Info("closing MCP client")
	}
	return c.teardown()
}

// Close implements io.Closer by calling Disconnect.
func (c *Client) Close() error {
	return c.Disconnect()
}

// teardown marks the client closed and terminates the process, if any.
func (c *Client) teardown() error {
	c.mu.Lock()
	c.state = StateClosed
	proc := c.proc
	c.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Terminate()
}

func (c *Client) checkReady(name string) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateReady:
		return nil
	case StateClosed:
		return fmt.Errorf("tools/call %s: %w: %w", name, ErrNotReady, ErrClosed)
	default:
		return fmt.Errorf("tools/call %s: %w (state %s)", name, ErrNotReady, state)
	}
}

// takeID returns the next request id. Caller must hold c.mu.
func (c *Client) takeID() int64 {
	id := c.nextID
	c.nextID++
	return id
}

// acquire takes the exchange slot, giving up when ctx ends.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; prefer reporting cancellation.
	if err := ctx.Err(); err != nil {
		<-c.sem
		return err
	}
	return nil
}

func (c *Client) release() {
	<-c.sem
}

// fatalToConnection reports whether err leaves the pipe in an unknown
// state. A timed out or cancelled read may still be answered later, and
// that late line would be taken as the reply to the next request.
func fatalToConnection(err error, proc *Process) bool {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrIO),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrNoResponse):
		return proc != nil && (proc.OutputClosed() || proc.Exited())
	default:
		return false
	}
}

func recordError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
