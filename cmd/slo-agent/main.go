// Command slo-agent fetches Instana application configuration through the
// Instana MCP server and prints it for people or scripts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/slo-agent/internal/buildinfo"
	"github.com/nugget/slo-agent/internal/config"
	"github.com/nugget/slo-agent/internal/instana"
	"github.com/nugget/slo-agent/internal/mcp"
	"github.com/nugget/slo-agent/internal/telemetry"
	"github.com/nugget/slo-agent/internal/tools"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "slo-agent: %v\n", err)
		os.Exit(1)
	}
}

// run is the whole program minus process exit, so tests can drive it with
// buffers.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "fetch":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: slo-agent fetch <application-id>")
		}
		return withApp(ctx, stderr, configPath, func(a *app) error {
			return runFetch(ctx, stdout, a, outputFmt, cmdArgs[0])
		})
	case "summarize":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: slo-agent summarize <application-id>...")
		}
		return withApp(ctx, stderr, configPath, func(a *app) error {
			return runSummarize(ctx, stdout, a, outputFmt, cmdArgs)
		})
	case "tools":
		return withApp(ctx, stderr, configPath, func(a *app) error {
			return runTools(stdout, a, outputFmt, cmdArgs)
		})
	case "exec":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: slo-agent exec <tool> [json-arguments]")
		}
		return withApp(ctx, stderr, configPath, func(a *app) error {
			return runExec(ctx, stdout, a.registry, cmdArgs)
		})
	case "call":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: slo-agent call <mcp-tool> [json-arguments]")
		}
		return withApp(ctx, stderr, configPath, func(a *app) error {
			return runCall(ctx, stdout, a, cmdArgs)
		})
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "", "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// app is the wiring shared by every command that talks to Instana.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	fetcher  *instana.Fetcher
	registry *tools.Registry
}

// withApp loads configuration, builds the logger, tracing and tool
// registry, runs fn, and flushes tracing afterwards.
func withApp(ctx context.Context, stderr io.Writer, configPath string, fn func(*app) error) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := cfg.Logger(stderr)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Debug("configuration loaded",
		"config_file", cfgPath,
		"mcp_server", cfg.MCP.ServerPath,
		"concurrency", cfg.Concurrency,
	)

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		// The command context may already be cancelled by a signal.
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	fetcher := instana.NewFetcher(instanaConfig(cfg), logger)
	registry := tools.NewRegistry()
	instana.RegisterTools(registry, fetcher)

	return fn(&app{cfg: cfg, logger: logger, fetcher: fetcher, registry: registry})
}

// loadConfig finds and loads the config file. An explicit path must exist;
// without one, a missing file is fine and settings come from the
// environment and defaults alone. The returned path is empty in that case.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfgPath = ""
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, cfgPath, nil
}

func instanaConfig(cfg *config.Config) instana.Config {
	return instana.Config{
		BaseURL:  cfg.Instana.BaseURL,
		APIToken: cfg.Instana.APIToken,
		Server: mcp.ServerSpec{
			ExecutablePath: cfg.MCP.ServerPath,
			Arguments:      cfg.MCP.ServerArgs,
		},
		ClientName:       cfg.MCP.ClientName,
		HandshakeTimeout: cfg.MCP.HandshakeTimeout,
		CallTimeout:      cfg.MCP.CallTimeout,
		TerminateGrace:   cfg.MCP.TerminateGrace,
	}
}

// fetchOutput is the JSON shape of one fetch. Failed fetches carry error
// and message instead of data.
type fetchOutput struct {
	ID      string `json:"id"`
	Data    any    `json:"data,omitempty"`
	Source  string `json:"source,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Summary string `json:"summary,omitempty"`
}

func failedOutput(id string, err error) fetchOutput {
	out := fetchOutput{ID: id, Error: err.Error(), Message: err.Error()}
	var fe *instana.FetchError
	if errors.As(err, &fe) {
		out.Error = fe.Reason
		out.Message = fe.Message
	}
	return out
}

func runFetch(ctx context.Context, w io.Writer, a *app, outputFmt, id string) error {
	application, err := a.fetcher.FetchApplicationByID(ctx, id)

	if outputFmt == "json" {
		var out fetchOutput
		if err != nil {
			out = failedOutput(id, err)
		} else {
			out = fetchOutput{ID: application.ID, Data: application.Data, Source: application.Source}
		}
		if encErr := encodeJSON(w, out); encErr != nil {
			return encErr
		}
		return err
	}

	if err != nil {
		return err
	}
	fmt.Fprintln(w, instana.Summarize(application))
	return nil
}

// runSummarize fetches every id concurrently, one MCP server process per
// id, at most cfg.Concurrency at a time. Results print in argument order.
func runSummarize(ctx context.Context, w io.Writer, a *app, outputFmt string, ids []string) error {
	results := make([]fetchOutput, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			application, err := a.fetcher.FetchApplicationByID(ctx, id)
			if err != nil {
				results[i] = failedOutput(id, err)
				errs[i] = err
				return nil
			}
			results[i] = fetchOutput{ID: id, Source: application.Source, Summary: instana.Summarize(application)}
			return nil
		})
	}
	_ = g.Wait() // workers record failures in results instead

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}

	if outputFmt == "json" {
		if err := encodeJSON(w, results); err != nil {
			return err
		}
	} else {
		for i, r := range results {
			if i > 0 {
				fmt.Fprintln(w)
			}
			if errs[i] != nil {
				fmt.Fprintf(w, "Error: %s\n", errs[i])
				continue
			}
			fmt.Fprintln(w, r.Summary)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d applications could not be summarized", failed, len(ids))
	}
	return nil
}

// runTools lists the agent tools. Bare arguments name the tools to show;
// -x <name> (repeatable) hides a tool instead.
func runTools(w io.Writer, a *app, outputFmt string, args []string) error {
	var names, exclude []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-x" || args[i] == "--exclude":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a tool name", args[i])
			}
			exclude = append(exclude, args[i+1])
			i++
		case strings.HasPrefix(args[i], "-x="):
			exclude = append(exclude, strings.TrimPrefix(args[i], "-x="))
		case strings.HasPrefix(args[i], "--exclude="):
			exclude = append(exclude, strings.TrimPrefix(args[i], "--exclude="))
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown tools flag: %s", args[i])
		default:
			names = append(names, args[i])
		}
	}

	registry := a.registry
	if len(names) > 0 {
		registry = registry.FilteredCopy(names)
	}
	if len(exclude) > 0 {
		registry = registry.FilteredCopyExcluding(exclude)
	}

	if outputFmt == "json" {
		return encodeJSON(w, registry.List())
	}
	for _, name := range registry.AllToolNames() {
		fmt.Fprintf(w, "%-24s %s\n", name, registry.Get(name).Description)
	}
	return nil
}

// runExec runs a registered tool with JSON arguments.
func runExec(ctx context.Context, w io.Writer, registry *tools.Registry, args []string) error {
	argsJSON := ""
	if len(args) > 1 {
		argsJSON = args[1]
	}
	out, err := registry.Execute(ctx, args[0], argsJSON)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, strings.TrimRight(out, "\n"))
	return nil
}

// runCall connects to the configured MCP server once, bridges a single
// server tool into a scratch registry and runs it. It is the raw escape
// hatch for tools the Instana server offers beyond application config.
func runCall(ctx context.Context, w io.Writer, a *app, args []string) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	icfg := instanaConfig(a.cfg)

	client := mcp.NewClient(mcp.Config{
		Name:   "instana",
		Server: icfg.Server,
		Env: map[string]string{
			"INSTANA_BASE_URL":  icfg.BaseURL,
			"INSTANA_API_TOKEN": icfg.APIToken,
		},
		ClientInfo:       mcp.ClientInfo{Name: icfg.ClientName},
		HandshakeTimeout: icfg.HandshakeTimeout,
		CallTimeout:      icfg.CallTimeout,
		TerminateGrace:   icfg.TerminateGrace,
		Logger:           a.logger,
	})
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}

	registry := tools.NewRegistry()
	name := mcp.BridgeTool(registry, client, client.Name(), args[0], "", nil)
	return runExec(ctx, w, registry, append([]string{name}, args[1:]...))
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return encodeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "slo-agent - Instana application configuration over MCP")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: slo-agent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  fetch <id>              Fetch one application's configuration")
	fmt.Fprintln(w, "  summarize <id>...       Summarize applications, fetched concurrently")
	fmt.Fprintln(w, "  tools [-x name] [name...]")
	fmt.Fprintln(w, "                          List the agent tools, -x hides one")
	fmt.Fprintln(w, "  exec <tool> [json]      Run an agent tool with JSON arguments")
	fmt.Fprintln(w, "  call <mcp-tool> [json]  Call a tool on the Instana MCP server directly")
	fmt.Fprintln(w, "  init [dir]              Write a config.yaml template (default: .)")
	fmt.Fprintln(w, "  version                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/slo-agent/config.yaml, /etc/slo-agent/config.yaml")
	fmt.Fprintln(w, "Environment: INSTANA_BASE_URL, INSTANA_API_TOKEN, INSTANA_MCP_SERVER_PATH,")
	fmt.Fprintln(w, "  INSTANA_MCP_SERVER_ARGS, SLO_AGENT_LOG_LEVEL, SLO_AGENT_OTEL_ENDPOINT")
	return nil
}
