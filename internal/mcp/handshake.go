package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// DefaultHandshakeTimeout bounds the wait for the initialize response.
const DefaultHandshakeTimeout = 30 * time.Second

// Phase is a step of the initialization handshake.
type Phase int

const (
	// PhaseIdle is before anything was sent.
	PhaseIdle Phase = iota
	// PhaseInitializeSent means the initialize request is on the wire.
	PhaseInitializeSent
	// PhaseInitializeAcked means the server answered initialize.
	PhaseInitializeAcked
	// PhaseInitializedNotified means notifications/initialized was sent
	// and the connection is usable.
	PhaseInitializedNotified
	// PhaseFailed is terminal; the handshake is never retried.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitializeSent:
		return "initialize_sent"
	case PhaseInitializeAcked:
		return "initialize_acked"
	case PhaseInitializedNotified:
		return "initialized_notified"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ClientInfo identifies this client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is what the server reported about itself in the initialize
// response.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// handshake runs the initialize / notifications/initialized exchange once.
// It never retries: a partially initialized server is not assumed to be
// resettable, so a failed handshake is terminal for the process.
type handshake struct {
	ch      *Channel
	info    ClientInfo
	timeout time.Duration
	logger  *slog.Logger

	phase  Phase
	server ServerInfo
}

func newHandshake(ch *Channel, info ClientInfo, timeout time.Duration, logger *slog.Logger) *handshake {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &handshake{
		ch:      ch,
		info:    info,
		timeout: timeout,
		logger:  logger,
	}
}

// run performs the handshake using id for the initialize request.
func (h *handshake) run(ctx context.Context, id int64) error {
	if h.phase != PhaseIdle {
		return fmt.Errorf("%w: handshake already attempted (phase %s)", ErrHandshake, h.phase)
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      h.info,
	}
	if err := h.ch.Send(ctx, NewRequest(id, "initialize", params)); err != nil {
		return h.fail(fmt.Errorf("send initialize: %w", err))
	}
	h.phase = PhaseInitializeSent

	resp, err := h.ch.Receive(ctx, h.timeout)
	if errors.Is(err, ErrTimeout) {
		return h.fail(fmt.Errorf("No initialization response from MCP server: %w", err))
	}
	if err != nil {
		return h.fail(fmt.Errorf("await initialize response: %w", err))
	}
	if resp == nil {
		return h.fail(fmt.Errorf("No initialization response from MCP server: %w", ErrNoResponse))
	}
	if resp.Error != nil {
		return h.fail(fmt.Errorf("initialize rejected by MCP server: %w", resp.Error))
	}
	if !resp.HasResult() {
		return h.fail(fmt.Errorf("No initialization response from MCP server: reply carried no result: %w", ErrNoResponse))
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return h.fail(fmt.Errorf("invalid initialize result: %w", err))
	}
	h.server = ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
	}
	h.phase = PhaseInitializeAcked

	h.logger.Info("MCP server initialized",
		"server_name", h.server.Name,
		"server_version", h.server.Version,
		"protocol_version", h.server.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake. No
	// acknowledgement is expected.
	if err := h.ch.Send(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return h.fail(fmt.Errorf("send initialized notification: %w", err))
	}
	h.phase = PhaseInitializedNotified
	return nil
}

func (h *handshake) fail(err error) error {
	h.phase = PhaseFailed
	return fmt.Errorf("%w: %w", ErrHandshake, err)
}
