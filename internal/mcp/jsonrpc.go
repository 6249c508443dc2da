package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message as read from the server.
// A well-formed response carries exactly one of Result or Error, but the
// decoder accepts anything that is a JSON object; callers classify the
// message with Kind.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MessageKind classifies a decoded inbound message.
type MessageKind int

const (
	// KindEmpty is a JSON object with none of the recognised members, or
	// only a null id.
	KindEmpty MessageKind = iota
	// KindResult is a response to one of our requests that is not an
	// error. Its result may still be missing or null.
	KindResult
	// KindError is a response carrying an error object.
	KindError
	// KindServerRequest is a request or notification sent by the server.
	KindServerRequest
)

// Kind reports what the message is. An error member wins over a result
// member so a malformed reply carrying both is still treated as a failure.
// A message with an id and nothing else is a result-less response, not an
// empty one.
func (r *Response) Kind() MessageKind {
	switch {
	case r.Error != nil:
		return KindError
	case r.HasResult():
		return KindResult
	case r.Method != "":
		return KindServerRequest
	case present(r.ID):
		return KindResult
	default:
		return KindEmpty
	}
}

// HasResult reports whether the result member is present and not null.
func (r *Response) HasResult() bool {
	return present(r.Result)
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// UnmarshalJSON accepts any JSON value for the error member. Servers that
// send a bare string or a malformed object still produce an RPCError whose
// Message holds the raw text.
func (e *RPCError) UnmarshalJSON(data []byte) error {
	type plain RPCError
	var p plain
	if err := json.Unmarshal(data, &p); err == nil {
		*e = RPCError(p)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	e.Message = string(bytes.TrimSpace(data))
	return nil
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
