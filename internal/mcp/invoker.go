package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DefaultCallTimeout bounds the wait for a tools/call response.
const DefaultCallTimeout = 30 * time.Second

// ToolResult is a successful tools/call outcome.
type ToolResult struct {
	// Text is the text of the first content block, verbatim.
	Text string

	// Payload is Text decoded as JSON when it parses, otherwise Text
	// itself. Callers should branch on IsJSON rather than on the shape of
	// Payload.
	Payload any

	// IsJSON reports whether Text parsed as JSON.
	IsJSON bool

	// IsError mirrors the MCP result.isError flag. The call itself still
	// succeeded at the protocol level.
	IsError bool
}

// contentBlock is a single content item in a tools/call response. Text is
// a pointer so a block without a text member can be told apart from an
// empty string.
type contentBlock struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
}

// callToolResult is the result payload of a tools/call response. Content
// stays raw so that a non-array value falls through to not-found instead of
// failing the whole decode.
type callToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError"`
}

// invoker sends tools/call requests over a ready channel.
type invoker struct {
	ch      *Channel
	timeout time.Duration
	logger  *slog.Logger
}

func newInvoker(ch *Channel, timeout time.Duration, logger *slog.Logger) *invoker {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &invoker{ch: ch, timeout: timeout, logger: logger}
}

// call issues one tools/call request and maps the response:
//   - no response: ErrNoResponse
//   - an error member: ErrRemoteTool wrapping the *RPCError
//   - result.content[0].text present: a ToolResult
//   - anything else: ErrNotFound
//
// Transport failures (timeout, pipe errors, cancellation) are returned
// as-is for the caller to act on.
func (inv *invoker) call(ctx context.Context, id int64, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	if err := inv.ch.Send(ctx, NewRequest(id, "tools/call", params)); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	resp, err := inv.ch.Receive(ctx, inv.timeout)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, ErrNoResponse)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/call %s: %w: %w", name, ErrRemoteTool, resp.Error)
	}

	text, isError, ok := firstText(resp.Result)
	if !ok {
		return nil, fmt.Errorf("tools/call %s: %w", name, ErrNotFound)
	}

	result := &ToolResult{Text: text, Payload: text, IsError: isError}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		result.Payload = decoded
		result.IsJSON = true
	}

	if isError {
		inv.logger.Warn("MCP tool reported an error result", "tool", name)
	}
	return result, nil
}

// firstText digs result.content[0].text out of a raw result. Every missing
// or mistyped member yields ok=false.
func firstText(raw json.RawMessage) (text string, isError bool, ok bool) {
	if len(raw) == 0 {
		return "", false, false
	}
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, false
	}
	var blocks []json.RawMessage
	if err := json.Unmarshal(result.Content, &blocks); err != nil || len(blocks) == 0 {
		return "", result.IsError, false
	}
	var first contentBlock
	if err := json.Unmarshal(blocks[0], &first); err != nil || first.Text == nil {
		return "", result.IsError, false
	}
	return *first.Text, result.IsError, true
}
