package mcp

import (
	"context"
	"errors"
)

// Sentinel errors returned (wrapped) by the client. Use errors.Is to test
// for a class of failure, or KindOf to map an error onto a Kind.
var (
	// ErrSpawn means the server executable could not be launched.
	ErrSpawn = errors.New("mcp server could not be started")

	// ErrIO means a pipe to or from the server failed.
	ErrIO = errors.New("mcp pipe failure")

	// ErrTimeout means no response line arrived within the configured bound.
	ErrTimeout = errors.New("mcp server timed out")

	// ErrNotReady means a tool call was attempted before the handshake
	// completed.
	ErrNotReady = errors.New("mcp client not ready")

	// ErrHandshake means the initialize exchange did not complete.
	ErrHandshake = errors.New("mcp handshake failed")

	// ErrNoResponse means the server produced no usable response line:
	// the output closed, the line was empty or an empty object, or it was
	// not valid JSON.
	ErrNoResponse = errors.New("no response from mcp server")

	// ErrRemoteTool means the server answered with a JSON-RPC error object.
	ErrRemoteTool = errors.New("mcp tool call failed")

	// ErrNotFound means the response was well formed but carried no text
	// content, including a reply with a null or missing result.
	ErrNotFound = errors.New("mcp tool returned no content")

	// ErrClosed means the client was disconnected. A closed client cannot
	// be reconnected; create a new one.
	ErrClosed = errors.New("mcp client closed")
)

// Kind is a coarse classification of client failures.
type Kind int

const (
	// KindNone is the kind of a nil error.
	KindNone Kind = iota
	// KindSpawn wraps ErrSpawn.
	KindSpawn
	// KindIO wraps ErrIO.
	KindIO
	// KindTimeout covers ErrTimeout and context.DeadlineExceeded.
	KindTimeout
	// KindNotReady wraps ErrNotReady.
	KindNotReady
	// KindHandshake wraps ErrHandshake when no more specific kind applies.
	KindHandshake
	// KindNoResponse wraps ErrNoResponse.
	KindNoResponse
	// KindRemoteTool wraps ErrRemoteTool.
	KindRemoteTool
	// KindNotFound wraps ErrNotFound.
	KindNotFound
	// KindClosed wraps ErrClosed.
	KindClosed
	// KindCanceled is a context.Canceled error.
	KindCanceled
	// KindUnknown is an error from outside this package.
	KindUnknown
)

var kindNames = map[Kind]string{
	KindNone:       "none",
	KindSpawn:      "spawn_error",
	KindIO:         "io_error",
	KindTimeout:    "timeout",
	KindNotReady:   "not_ready",
	KindHandshake:  "handshake_failed",
	KindNoResponse: "no_response",
	KindRemoteTool: "remote_tool_error",
	KindNotFound:   "not_found",
	KindClosed:     "closed",
	KindCanceled:   "canceled",
	KindUnknown:    "unknown",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// kindOrder lists the sentinels in precedence order. A handshake failure
// caused by a timeout reports KindTimeout, so timeouts and spawn errors are
// checked before the broader handshake class.
var kindOrder = []struct {
	err  error
	kind Kind
}{
	{ErrSpawn, KindSpawn},
	{ErrTimeout, KindTimeout},
	{ErrNotReady, KindNotReady},
	{ErrHandshake, KindHandshake},
	{ErrRemoteTool, KindRemoteTool},
	{ErrNotFound, KindNotFound},
	{ErrNoResponse, KindNoResponse},
	{ErrIO, KindIO},
	{ErrClosed, KindClosed},
}

// KindOf classifies err. It returns KindNone for a nil error and
// KindUnknown for errors that did not originate in this package.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindUnknown
}
