// Package config handles slo-agent configuration loading.
//
// Settings are resolved once, in order: an optional YAML file, then
// environment variable overrides, then defaults for anything still unset.
// The resulting struct is passed explicitly to the packages that need it;
// nothing below cmd/ reads the environment on its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultServerPath       = "npx"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultTerminateGrace   = 2 * time.Second
	DefaultConcurrency      = 4
	DefaultClientName       = "slo-agent"
)

// DefaultServerArgs launches the published Instana MCP server through npx.
var DefaultServerArgs = []string{"-y", "@instana/mcp-server-instana"}

// ErrMissingCredentials is returned by Validate when the Instana base URL
// or API token is unset.
var ErrMissingCredentials = errors.New("Instana credentials not configured. Set INSTANA_BASE_URL and INSTANA_API_TOKEN environment variables")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/slo-agent/config.yaml, /etc/slo-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "slo-agent", "config.yaml"))
	}

	paths = append(paths, "/etc/slo-agent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all slo-agent configuration.
type Config struct {
	Instana   InstanaConfig   `yaml:"instana"`
	MCP       MCPConfig       `yaml:"mcp"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"SLO_AGENT_LOG_LEVEL"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format" env:"SLO_AGENT_LOG_FORMAT"`

	// Concurrency bounds how many MCP server processes run at once when
	// several applications are summarized in one invocation.
	Concurrency int `yaml:"concurrency" env:"SLO_AGENT_CONCURRENCY"`
}

// InstanaConfig holds the credentials handed to the Instana MCP server.
// The values are passed through to the subprocess untouched.
type InstanaConfig struct {
	BaseURL  string `yaml:"base_url" env:"INSTANA_BASE_URL"`
	APIToken string `yaml:"api_token" env:"INSTANA_API_TOKEN"`
}

// MCPConfig describes how to launch and talk to the MCP server.
type MCPConfig struct {
	// ServerPath is the executable (default: npx).
	ServerPath string `yaml:"server_path" env:"INSTANA_MCP_SERVER_PATH"`

	// ServerArgs are the executable's arguments. From the environment
	// they are a single space-separated string.
	ServerArgs []string `yaml:"server_args" env:"INSTANA_MCP_SERVER_ARGS" envSeparator:" "`

	// ClientName is advertised in the initialize request.
	ClientName string `yaml:"client_name" env:"MCP_CLIENT_NAME"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"MCP_HANDSHAKE_TIMEOUT"`
	CallTimeout      time.Duration `yaml:"call_timeout" env:"MCP_CALL_TIMEOUT"`
	TerminateGrace   time.Duration `yaml:"terminate_grace" env:"MCP_TERMINATE_GRACE"`
}

// TelemetryConfig controls OpenTelemetry trace export. Tracing is off
// unless an endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"SLO_AGENT_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SLO_AGENT_OTEL_SERVICE_NAME"`
}

// Load reads configuration from a YAML file (skipped when path is empty),
// applies environment overrides from the process environment, and fills
// in defaults.
func Load(path string) (*Config, error) {
	return load(path, env.Options{})
}

// LoadWithEnv is Load with an explicit environment instead of the process
// environment. It exists for tests and embedding.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	return load(path, env.Options{Environment: environ})
}

func load(path string, opts env.Options) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := os.Expand(string(data), func(key string) string {
			if opts.Environment != nil {
				return opts.Environment[key]
			}
			return os.Getenv(key)
		})

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// credentials.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MCP.ServerPath == "" {
		c.MCP.ServerPath = DefaultServerPath
		if len(c.MCP.ServerArgs) == 0 {
			c.MCP.ServerArgs = append([]string(nil), DefaultServerArgs...)
		}
	}
	if c.MCP.ClientName == "" {
		c.MCP.ClientName = DefaultClientName
	}
	if c.MCP.HandshakeTimeout <= 0 {
		c.MCP.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MCP.CallTimeout <= 0 {
		c.MCP.CallTimeout = DefaultCallTimeout
	}
	if c.MCP.TerminateGrace <= 0 {
		c.MCP.TerminateGrace = DefaultTerminateGrace
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultClientName
	}
}

// Validate checks that the Instana credentials are present and the log
// level is recognised.
func (c *Config) Validate() error {
	if c.Instana.BaseURL == "" || c.Instana.APIToken == "" {
		return ErrMissingCredentials
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
