package mcp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nugget/slo-agent/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgeTool registers a registry tool that forwards to toolName on a
// connected client and returns the registry name it was given. Names are
// namespaced as "mcp_{serverName}_{toolName}" so they cannot collide with
// native tools.
//
// The handler returns the text of the first content block. A result the
// server flagged with isError is returned as an error carrying that text.
func BridgeTool(registry *tools.Registry, client *Client, serverName, toolName, description string, params map[string]any) string {
	name := ToolName(serverName, toolName)
	if params == nil {
		params = map[string]any{"type": "object"}
	}

	registry.Register(&tools.Tool{
		Name:        name,
		Description: description,
		Parameters:  params,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res, err := client.CallTool(ctx, toolName, args)
			if err != nil {
				return "", err
			}
			if res.IsError {
				return "", fmt.Errorf("%s reported an error: %s", toolName, res.Text)
			}
			return res.Text, nil
		},
	})

	client.logger.Debug("bridged MCP tool",
		"mcp_name", toolName,
		"registry_name", name,
	)
	return name
}

// ToolName generates a namespaced registry tool name from an MCP server
// name and tool name. Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}
