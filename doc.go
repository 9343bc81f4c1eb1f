// Package mcpsse implements the client side of the Model Context Protocol (MCP)
// over its Server-Sent Events (SSE) transport. A client discovers its
// per-connection session identifier through the "endpoint" event pushed on a
// long-lived SSE stream, then performs the initialize/initialized handshake and
// capability discovery over a separate HTTP POST channel correlated by that
// session identifier.
//
// The package guarantees exactly-once handshake side effects even when the
// service delivers the initialize result both in the direct POST response and
// as a replayed stream event. A reference SSEServer providing the server half
// of the wire contract is included for tests and loopback setups; it is a
// transport only, not an MCP server implementation.
package mcpsse
