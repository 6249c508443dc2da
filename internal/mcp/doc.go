// Package mcp implements the client side of the Model Context Protocol
// over stdio.
//
// A [Client] launches one MCP server as a subprocess, performs the
// initialize / notifications/initialized handshake and then issues
// tools/call requests one at a time. Messages are JSON-RPC 2.0, one JSON
// object per line. Every request blocks for exactly one response line;
// there is no pipelining and no routing of replies by id.
//
// The layers, bottom up:
//
//   - [Process] owns the subprocess and its pipes.
//   - [Channel] frames messages as newline-delimited JSON.
//   - the handshake runs initialize once per process.
//   - the invoker maps a tools/call reply onto a [ToolResult] or an error.
//   - [Client] sequences the above and guarantees teardown.
//
// Failures are reported as wrapped sentinel errors; [KindOf] maps any
// returned error onto a [Kind].
package mcp
