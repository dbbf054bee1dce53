// Package mcp implements the server side of the Model Context Protocol over JSON-RPC 2.0.
//
// A Server accepts sessions from a ServerTransport. Two transports are provided: StdIO, a single
// session framed as one JSON message per line, and SSEServer, which streams server messages as
// server-sent events and receives client messages as HTTP POST requests.
//
// Every session goes through the initialize handshake before it may call tools. Tool calls are
// answered by a ToolServer. A call can be cancelled with notifications/cancelled, and reports
// progress when the request carries a progress token. Failures reach the client as JSON-RPC errors
// that carry the error kind.
//
// Session scoped state is keyed by the id returned from SessionIDFromContext, and a
// SessionReleaser is told when a session ends so that it can drop that state.
package mcp
