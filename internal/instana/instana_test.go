package instana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nugget/slo-agent/internal/mcp"
	"github.com/nugget/slo-agent/internal/mcp/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.Main()
	os.Exit(m.Run())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFetcher(srv mcptest.Server) *Fetcher {
	return NewFetcher(testConfig(srv), discardLogger())
}

func testConfig(srv mcptest.Server) Config {
	return Config{
		BaseURL:  "https://tenant.instana.io",
		APIToken: "test-token",
		Server: mcp.ServerSpec{
			ExecutablePath: srv.Path,
			Arguments:      srv.Args,
		},
		Env:              srv.Env,
		ClientName:       "slo-agent-test",
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      5 * time.Second,
		TerminateGrace:   time.Second,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "complete", cfg: Config{BaseURL: "https://x", APIToken: "t"}},
		{name: "no token", cfg: Config{BaseURL: "https://x"}, wantErr: true},
		{name: "no url", cfg: Config{APIToken: "t"}, wantErr: true},
		{name: "empty", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrMissingCredentials) {
				t.Errorf("Validate() = %v, want ErrMissingCredentials", err)
			}
		})
	}
}

func TestFetchApplicationByID_Success(t *testing.T) {
	f := testFetcher(mcptest.New(mcptest.ModeInstana))
	ctx := context.Background()

	app, err := f.FetchApplicationByID(ctx, "robot-shop")
	if err != nil {
		t.Fatalf("FetchApplicationByID(robot-shop): %v", err)
	}
	if app.ID != "robot-shop" || app.Source != "mcp-instana" {
		t.Errorf("app = %+v", app)
	}
	data, ok := app.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %T, want map", app.Data)
	}
	if data["boundaryScope"] != "INBOUND" {
		t.Errorf("boundaryScope = %v", data["boundaryScope"])
	}

	app, err = f.FetchApplicationByID(ctx, "plain-app")
	if err != nil {
		t.Fatalf("FetchApplicationByID(plain-app): %v", err)
	}
	if app.Data != "plain text answer" {
		t.Errorf("Data = %#v, want plain text", app.Data)
	}
}

func TestFetchApplicationByID_InjectsCredentials(t *testing.T) {
	t.Setenv("INSTANA_BASE_URL", "https://inherited.example")
	cfg := testConfig(mcptest.New(mcptest.ModeInstana))
	cfg.Env["INSTANA_API_TOKEN"] = "overlay-token-must-lose"

	app, err := NewFetcher(cfg, discardLogger()).FetchApplicationByID(context.Background(), mcptest.EnvFixture)
	if err != nil {
		t.Fatalf("FetchApplicationByID: %v", err)
	}
	want := map[string]any{
		"base_url":  "https://tenant.instana.io",
		"api_token": "test-token",
	}
	if !reflect.DeepEqual(app.Data, want) {
		t.Errorf("server saw %v, want %v", app.Data, want)
	}
}

func TestFetchApplicationByID_ServerNotifications(t *testing.T) {
	reply := `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{\"label\":\"noisy\"}"}]}}`
	f := testFetcher(mcptest.New(mcptest.ModeNoisy, mcptest.WithReply(reply)))

	app, err := f.FetchApplicationByID(context.Background(), "noisy-app")
	if err != nil {
		t.Fatalf("FetchApplicationByID: %v", err)
	}
	if want := map[string]any{"label": "noisy"}; !reflect.DeepEqual(app.Data, want) {
		t.Errorf("Data = %v, want %v", app.Data, want)
	}
}

func TestFetchApplicationByID_Failures(t *testing.T) {
	tests := []struct {
		name        string
		srv         mcptest.Server
		id          string
		callTimeout time.Duration
		wantReason  string
		wantKind    mcp.Kind
		wantMessage string
	}{
		{
			name:        "tool reports error",
			srv:         mcptest.New(mcptest.ModeInstana),
			id:          "ghost",
			wantReason:  ReasonToolFailed,
			wantKind:    mcp.KindRemoteTool,
			wantMessage: "application ghost not found",
		},
		{
			name:        "json-rpc error",
			srv:         mcptest.New(mcptest.ModeScripted, mcptest.WithReply(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"not authorized"}}`)),
			id:          "app-1",
			wantReason:  ReasonToolFailed,
			wantKind:    mcp.KindRemoteTool,
			wantMessage: "not authorized",
		},
		{
			name:        "empty content",
			srv:         mcptest.New(mcptest.ModeScripted, mcptest.WithReply(`{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`)),
			id:          "app-2",
			wantReason:  ReasonNotFound,
			wantKind:    mcp.KindNotFound,
			wantMessage: "Could not find application with ID app-2",
		},
		{
			name:        "garbage reply",
			srv:         mcptest.New(mcptest.ModeScripted, mcptest.WithReply(`Error: Cannot find module`)),
			id:          "app-3",
			wantReason:  ReasonNoResponse,
			wantKind:    mcp.KindNoResponse,
			wantMessage: "MCP server did not respond to tool call",
		},
		{
			name:        "silent server",
			srv:         mcptest.New(mcptest.ModeScripted, mcptest.WithReply(mcptest.NoReply)),
			id:          "app-4",
			callTimeout: 200 * time.Millisecond,
			wantReason:  ReasonNoResponse,
			wantKind:    mcp.KindTimeout,
			wantMessage: "did not respond",
		},
		{
			name:        "server dies during handshake",
			srv:         mcptest.New(mcptest.ModeCrash),
			id:          "app-5",
			wantReason:  ReasonConnectFailed,
			wantKind:    mcp.KindHandshake,
			wantMessage: "No initialization response from MCP server",
		},
		{
			name:        "executable missing",
			srv:         mcptest.Server{Path: "/nonexistent/mcp-server-instana"},
			id:          "app-6",
			wantReason:  ReasonConnectFailed,
			wantKind:    mcp.KindSpawn,
			wantMessage: "Failed to connect to MCP server",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.srv)
			if tt.callTimeout > 0 {
				cfg.CallTimeout = tt.callTimeout
			}

			app, err := NewFetcher(cfg, discardLogger()).FetchApplicationByID(context.Background(), tt.id)
			if err == nil {
				t.Fatalf("FetchApplicationByID = %+v, want error", app)
			}
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("error %T is not a *FetchError", err)
			}
			if fe.ApplicationID != tt.id {
				t.Errorf("ApplicationID = %q, want %q", fe.ApplicationID, tt.id)
			}
			if fe.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", fe.Reason, tt.wantReason)
			}
			if fe.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", fe.Kind, tt.wantKind)
			}
			if !strings.Contains(fe.Message, tt.wantMessage) {
				t.Errorf("Message = %q, want it to contain %q", fe.Message, tt.wantMessage)
			}
			if !strings.Contains(err.Error(), tt.id) {
				t.Errorf("Error() = %q does not name the application", err)
			}
		})
	}
}

func TestFetchApplicationByID_MissingCredentials(t *testing.T) {
	cfg := testConfig(mcptest.Server{Path: "/must/not/be/started"})
	cfg.APIToken = ""

	_, err := NewFetcher(cfg, discardLogger()).FetchApplicationByID(context.Background(), "app")
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("error = %v, want ErrMissingCredentials", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error %T is not a *FetchError", err)
	}
	if fe.Reason != ReasonNotConfigured {
		t.Errorf("Reason = %q, want %q", fe.Reason, ReasonNotConfigured)
	}
	if fe.Message != "Set INSTANA_BASE_URL and INSTANA_API_TOKEN environment variables" {
		t.Errorf("Message = %q", fe.Message)
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	fe := &FetchError{ApplicationID: "a", Reason: ReasonFetchFailed, Message: "m", Err: mcp.ErrIO}
	if !errors.Is(fe, mcp.ErrIO) {
		t.Error("errors.Is does not reach the wrapped MCP error")
	}
	if got, want := fe.Error(), "Failed to fetch application from Instana MCP for application a: m"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
