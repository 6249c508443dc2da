// Package mcptest runs fake MCP servers for tests.
//
// The servers live inside the test binary itself. A package's TestMain
// calls [Main] first; when the binary was launched as a fake server (the
// MCPTEST_MODE variable is set) Main serves on stdin/stdout and exits,
// otherwise it returns and the tests run normally:
//
//	func TestMain(m *testing.M) {
//		mcptest.Main()
//		os.Exit(m.Run())
//	}
//
// Tests then point a client at [Server.Path] and [Server.Args] with
// [Server.Env] overlaid on the environment.
package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Environment variables read by the fake server process.
const (
	envMode   = "MCPTEST_MODE"
	envInit   = "MCPTEST_INIT"
	envReply  = "MCPTEST_REPLY"
	envRecord = "MCPTEST_RECORD"
)

// Modes select the fake server's behaviour.
const (
	// ModeInstana is a well-behaved MCP server built on the official Go
	// SDK exposing get_application_config over Fixtures.
	ModeInstana = "instana"

	// ModeScripted answers initialize with InitReply (or a canned ack)
	// and every later request with Reply, byte for byte.
	ModeScripted = "scripted"

	// ModeNoisy is ModeScripted with server-initiated traffic: before
	// answering any request it sends a tools/list_changed notification
	// and a ping request of its own.
	ModeNoisy = "noisy"

	// ModeCrash reads one line and exits with status 3 without
	// answering it.
	ModeCrash = "crash"

	// ModeStubborn ignores SIGTERM and never writes, so only SIGKILL
	// ends it.
	ModeStubborn = "stubborn"
)

// NoReply as InitReply or Reply makes the scripted server stay silent.
const NoReply = "none"

// ToolName is the tool served in ModeInstana.
const ToolName = "get_application_config"

// Fixtures are the application configs served in ModeInstana, keyed by
// application id. Values are returned verbatim as the text content.
// The id EnvFixture is answered with the Instana credentials the server
// process was started with.
var Fixtures = map[string]string{
	"robot-shop": `{"label":"robot-shop","boundaryScope":"INBOUND","services":[{"name":"cart"},{"name":"catalogue"}],"tags":["prod","shop"]}`,
	"plain-app":  "plain text answer",
}

// EnvFixture is the application id that echoes the server's Instana
// credentials as {"base_url":..., "api_token":...}.
const EnvFixture = "echo-env"

// Server describes how to launch a fake server.
type Server struct {
	Path string
	Args []string
	Env  map[string]string
}

// Option customises a Server.
type Option func(*Server)

// WithInitReply sets the raw line(s) the scripted server sends in answer to
// initialize. Use NoReply for silence.
func WithInitReply(line string) Option {
	return func(s *Server) { s.Env[envInit] = line }
}

// WithReply sets the raw line(s) the scripted server sends in answer to
// every request after initialize. Use NoReply for silence.
func WithReply(line string) Option {
	return func(s *Server) { s.Env[envReply] = line }
}

// WithRecord makes the server append every line it receives to path.
func WithRecord(path string) Option {
	return func(s *Server) { s.Env[envRecord] = path }
}

// New describes a fake server in the given mode.
func New(mode string, opts ...Option) Server {
	s := Server{
		Path: os.Args[0],
		// Never reached: Main exits first. Kept so a misconfigured
		// TestMain runs no tests instead of recursing.
		Args: []string{"-test.run=^$"},
		Env:  map[string]string{envMode: mode},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Main serves and exits when the process was started as a fake server.
// It returns immediately otherwise.
func Main() {
	mode := os.Getenv(envMode)
	if mode == "" {
		return
	}
	os.Exit(serve(mode))
}

func serve(mode string) int {
	switch mode {
	case ModeInstana:
		return serveInstana()
	case ModeScripted:
		return serveScripted(false)
	case ModeNoisy:
		return serveScripted(true)
	case ModeCrash:
		bufio.NewReader(os.Stdin).ReadString('\n')
		fmt.Fprintln(os.Stderr, "mcptest: crashing on purpose")
		return 3
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "mcptest: unknown mode %q\n", mode)
		return 2
	}
}

// appConfigInput is the argument shape of get_application_config.
type appConfigInput struct {
	ID string `json:"id" jsonschema:"Instana application id"`
}

func serveInstana() int {
	server := mcp.NewServer(&mcp.Implementation{Name: "fake-instana", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolName,
		Description: "Returns the configuration of an Instana application.",
	}, getApplicationConfig)

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		fmt.Fprintf(os.Stderr, "mcptest: %v\n", err)
		return 1
	}
	return 0
}

func getApplicationConfig(_ context.Context, _ *mcp.CallToolRequest, in appConfigInput) (*mcp.CallToolResult, any, error) {
	if in.ID == EnvFixture {
		data, err := json.Marshal(map[string]string{
			"base_url":  os.Getenv("INSTANA_BASE_URL"),
			"api_token": os.Getenv("INSTANA_API_TOKEN"),
		})
		if err != nil {
			return nil, nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil, nil
	}

	body, ok := Fixtures[in.ID]
	if !ok {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("application %s not found", in.ID)},
			},
		}, nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: body},
		},
	}, nil, nil
}

// Unsolicited lines written by ModeNoisy ahead of every reply.
const (
	listChanged = `{"jsonrpc":"2.0","method":"notifications/tools/list_changed","params":{}}`
	serverPing  = `{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`
)

// serveScripted reads requests line by line and answers from the
// environment. It exits when stdin closes.
func serveScripted(noisy bool) int {
	var record *os.File
	if path := os.Getenv(envRecord); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mcptest: %v\n", err)
			return 1
		}
		defer f.Close()
		record = f
	}

	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	initialized := false
	for scanner.Scan() {
		line := scanner.Text()
		if record != nil {
			fmt.Fprintln(record, line)
		}

		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil || len(msg.ID) == 0 {
			// Notifications and junk get no answer.
			continue
		}

		if noisy {
			out.WriteString(listChanged + "\n" + serverPing + "\n")
			out.Flush()
		}

		var reply string
		if !initialized {
			initialized = true
			reply = os.Getenv(envInit)
			if reply == "" {
				reply = fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"scripted","version":"0.0.1"}}}`, msg.ID)
			}
		} else {
			reply = os.Getenv(envReply)
		}
		if reply == NoReply {
			continue
		}
		for _, l := range strings.Split(reply, "\n") {
			out.WriteString(l)
			out.WriteByte('\n')
		}
		out.Flush()
	}
	return 0
}
