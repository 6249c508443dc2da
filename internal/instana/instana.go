// Package instana fetches Instana application configuration through the
// Instana MCP server and renders it for people.
//
// Every fetch runs its own short-lived MCP server process: it is started,
// asked one question and torn down again before the fetch returns. Callers
// that want parallelism run several fetches at once; nothing is shared
// between them.
package instana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/slo-agent/internal/mcp"
)

// ToolGetApplicationConfig is the MCP tool that returns an application's
// configuration.
const ToolGetApplicationConfig = "get_application_config"

// Source labels data that came from the Instana MCP server.
const Source = "mcp-instana"

// Failure reasons carried by FetchError.
const (
	ReasonNotConfigured = "Instana credentials not configured"
	ReasonConnectFailed = "MCP connection failed"
	ReasonNoResponse    = "No response from tool call"
	ReasonToolFailed    = "MCP tool call failed"
	ReasonNotFound      = "Application not found"
	ReasonFetchFailed   = "Failed to fetch application from Instana MCP"
)

// ErrMissingCredentials is returned by Config.Validate.
var ErrMissingCredentials = errors.New(ReasonNotConfigured)

// Config is everything a Fetcher needs. It is resolved by the caller.
type Config struct {
	// BaseURL and APIToken are handed to the server process as
	// INSTANA_BASE_URL and INSTANA_API_TOKEN.
	BaseURL  string
	APIToken string

	// Server is the MCP server to launch for each fetch.
	Server mcp.ServerSpec

	// Env is extra environment for the server process. The credentials
	// above always take precedence over entries here.
	Env map[string]string

	// ClientName is advertised during the handshake.
	ClientName string

	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	TerminateGrace   time.Duration

	// TracerProvider is passed to each MCP client. Nil uses the global
	// provider.
	TracerProvider trace.TracerProvider
}

// Validate checks that both credentials are set.
func (c Config) Validate() error {
	if c.BaseURL == "" || c.APIToken == "" {
		return fmt.Errorf("%w: set INSTANA_BASE_URL and INSTANA_API_TOKEN environment variables", ErrMissingCredentials)
	}
	return nil
}

// Application is a fetched application configuration.
type Application struct {
	ID string

	// Data is the decoded JSON document when the server answered with
	// JSON, and the raw text otherwise.
	Data any

	Source string
}

// FetchError describes why an application could not be fetched. Message
// is the human-readable detail shown to users.
type FetchError struct {
	ApplicationID string
	Reason        string
	Message       string

	// Kind classifies the underlying MCP failure, when there was one.
	Kind mcp.Kind

	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s for application %s: %s", e.Reason, e.ApplicationID, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher fetches applications through the Instana MCP server.
type Fetcher struct {
	cfg    Config
	logger *slog.Logger
}

// NewFetcher creates a fetcher. No process is started until a fetch.
func NewFetcher(cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{cfg: cfg, logger: logger}
}

// FetchApplicationByID runs get_application_config for id on a fresh MCP
// server process. Every failure is returned as a *FetchError.
func (f *Fetcher) FetchApplicationByID(ctx context.Context, id string) (*Application, error) {
	logger := f.logger.With("application_id", id)

	if err := f.cfg.Validate(); err != nil {
		return nil, &FetchError{
			ApplicationID: id,
			Reason:        ReasonNotConfigured,
			Message:       "Set INSTANA_BASE_URL and INSTANA_API_TOKEN environment variables",
			Err:           err,
		}
	}

	env := make(map[string]string, len(f.cfg.Env)+2)
	for k, v := range f.cfg.Env {
		env[k] = v
	}
	env["INSTANA_BASE_URL"] = f.cfg.BaseURL
	env["INSTANA_API_TOKEN"] = f.cfg.APIToken

	client := mcp.NewClient(mcp.Config{
		Server:           f.cfg.Server,
		Env:              env,
		ClientInfo:       mcp.ClientInfo{Name: f.cfg.ClientName},
		HandshakeTimeout: f.cfg.HandshakeTimeout,
		CallTimeout:      f.cfg.CallTimeout,
		TerminateGrace:   f.cfg.TerminateGrace,
		Logger:           logger,
		TracerProvider:   f.cfg.TracerProvider,
	})
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return nil, &FetchError{
			ApplicationID: id,
			Reason:        ReasonConnectFailed,
			Message:       connectMessage(err),
			Kind:          mcp.KindOf(err),
			Err:           err,
		}
	}

	res, err := client.CallTool(ctx, ToolGetApplicationConfig, map[string]any{"id": id})
	if err != nil {
		fe := callError(id, err)
		logger.Warn("Instana application fetch failed",
			"reason", fe.Reason,
			"kind", fe.Kind.String(),
			"error", err,
		)
		return nil, fe
	}
	if res.IsError {
		logger.Warn("Instana MCP server reported an error", "message", res.Text)
		return nil, &FetchError{
			ApplicationID: id,
			Reason:        ReasonToolFailed,
			Message:       res.Text,
			Kind:          mcp.KindRemoteTool,
		}
	}

	logger.Debug("Instana application fetched", "json", res.IsJSON)
	return &Application{ID: id, Data: res.Payload, Source: Source}, nil
}

// connectMessage picks the user-facing text for a failed connect.
func connectMessage(err error) string {
	switch {
	case errors.Is(err, mcp.ErrSpawn):
		return fmt.Sprintf("Failed to connect to MCP server: %v", err)
	case errors.Is(err, mcp.ErrNoResponse), errors.Is(err, mcp.ErrTimeout):
		return "No initialization response from MCP server"
	default:
		return err.Error()
	}
}

// callError maps a failed tools/call onto a FetchError.
func callError(id string, err error) *FetchError {
	fe := &FetchError{ApplicationID: id, Kind: mcp.KindOf(err), Err: err}

	switch fe.Kind {
	case mcp.KindNoResponse:
		fe.Reason = ReasonNoResponse
		fe.Message = "MCP server did not respond to tool call"
	case mcp.KindTimeout:
		fe.Reason = ReasonNoResponse
		fe.Message = "MCP server did not respond to tool call in time"
	case mcp.KindRemoteTool:
		fe.Reason = ReasonToolFailed
		fe.Message = err.Error()
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			fe.Message = rpcErr.Message
		}
	case mcp.KindNotFound:
		fe.Reason = ReasonNotFound
		fe.Message = fmt.Sprintf("Could not find application with ID %s", id)
	default:
		fe.Reason = ReasonFetchFailed
		fe.Message = err.Error()
	}
	return fe
}
