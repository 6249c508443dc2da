package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level frame logging.
const LevelTrace = slog.Level(-8)

// LineIO is the line-oriented pipe a Channel runs over. *Process
// implements it.
type LineIO interface {
	WriteLine(line []byte) error
	ReadLine(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Channel frames JSON-RPC messages as newline-delimited JSON over a
// LineIO. It holds no buffered state between exchanges: a line that cannot
// be decoded is dropped and the exchange it belonged to is lost.
type Channel struct {
	pipe   LineIO
	logger *slog.Logger
}

// NewChannel creates a channel over the given line pipe.
func NewChannel(rw LineIO, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{pipe: rw, logger: logger}
}

// Send encodes msg as compact JSON and writes it as one line. Marshal
// output never contains a raw newline, so the frame boundary is safe.
func (c *Channel) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "MCP frame sent", "json", string(data))

	return c.pipe.WriteLine(data)
}

// Receive reads the next reply and decodes it as a response. It returns
// (nil, nil) when there is nothing usable: an empty line, the end of the
// server's output, a line that is not a JSON object, or an object with no
// recognised members. Requests and notifications the server sends on its
// own are logged and skipped; the read continues within the same timeout
// budget. Timeouts, pipe failures and cancellation are returned as errors.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (*Response, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		wait := timeout
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, fmt.Errorf("%w: no reply within %s", ErrTimeout, timeout)
			}
		}

		resp, err := c.receiveOne(ctx, wait)
		if err != nil || resp == nil {
			return nil, err
		}
		if resp.Kind() == KindServerRequest {
			c.logger.Debug("skipping server-initiated MCP message", "method", resp.Method)
			continue
		}
		return resp, nil
	}
}

// receiveOne reads and decodes a single line.
func (c *Channel) receiveOne(ctx context.Context, timeout time.Duration) (*Response, error) {
	line, err := c.pipe.ReadLine(ctx, timeout)
	if errors.Is(err, io.EOF) {
		c.logger.Debug("MCP server closed its output")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.logger.Log(ctx, LevelTrace, "MCP frame received", "json", string(line))

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		c.logger.Debug("empty line from MCP server")
		return nil, nil
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.logger.Debug("discarding undecodable line from MCP server",
			"line", string(line),
			"error", err,
		)
		return nil, nil
	}
	if resp.Kind() == KindEmpty {
		c.logger.Debug("discarding empty message from MCP server", "line", string(line))
		return nil, nil
	}

	return &resp, nil
}
