package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/slo-agent/internal/mcp/mcptest"
	"github.com/nugget/slo-agent/internal/tools"
)

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"mcp-server-instana", "get_application_config", "mcp_mcp_server_instana_get_application_config"},
		{"instana", "get-application-config", "mcp_instana_get_application_config"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			if got := ToolName(tt.server, tt.tool); got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"@instana/mcp-server-instana", "instana_mcp_server_instana"},
		{"_leading_", "leading"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitize(tt.input); got != tt.want {
				t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBridgeTool(t *testing.T) {
	c := connect(t, serverConfig(mcptest.New(mcptest.ModeInstana)))
	registry := tools.NewRegistry()

	name := BridgeTool(registry, c, "instana", mcptest.ToolName, "Application config", nil)
	if name != "mcp_instana_get_application_config" {
		t.Fatalf("BridgeTool name = %q", name)
	}
	tool := registry.Get(name)
	if tool == nil {
		t.Fatal("bridged tool not registered")
	}
	if tool.Parameters["type"] != "object" {
		t.Errorf("Parameters = %v, want object schema", tool.Parameters)
	}

	ctx := context.Background()

	got, err := registry.Execute(ctx, name, `{"id":"plain-app"}`)
	if err != nil {
		t.Fatalf("Execute(plain-app): %v", err)
	}
	if got != "plain text answer" {
		t.Errorf("Execute(plain-app) = %q", got)
	}

	_, err = registry.Execute(ctx, name, `{"id":"ghost"}`)
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("Execute(ghost) error = %v, want tool error mentioning the id", err)
	}

	c.Disconnect()
	if _, err := registry.Execute(ctx, name, `{"id":"plain-app"}`); !errors.Is(err, ErrNotReady) {
		t.Errorf("Execute after Disconnect = %v, want ErrNotReady", err)
	}
}
