package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The caller stops
	// every Session it received before calling this method, and calls it only once.
	Shutdown(ctx context.Context) error
}

// Session represents one client connection.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Kind names the transport variant, TransportStdio or TransportSSE.
	Kind() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator over the messages received from the client. A message that
	// cannot be decoded is yielded as a non-nil error with a zero message; the iteration goes
	// on after it. The iteration ends at end of stream, on disconnect, or once Stop is called.
	Messages() iter.Seq2[JSONRPCMessage, error]

	// Stop stops the session. It may be called more than once.
	Stop()
}

// ToolServer lists and executes the tools offered to clients.
type ToolServer interface {
	// ListTools returns the registered tools with their input schemas.
	ListTools(context.Context, ListToolsParams) (ListToolsResult, error)

	// CallTool executes a tool. A failure is returned as an error classified with errkind; the
	// server turns it into an error response. The context carries the calling session's id,
	// see SessionIDFromContext, and is cancelled when the client cancels the call or the
	// session closes.
	CallTool(context.Context, CallToolParams, ProgressReporter) (CallToolResult, error)
}

// SessionReleaser is implemented by tool servers that keep per-session state. ReleaseSession is
// called once when a session closes, after all of its calls have returned.
type SessionReleaser interface {
	ReleaseSession(ctx context.Context, sessionID string)
}

// ProgressReporter emits a progress notification for the running call. The progress token is
// filled in by the server; the reporter does nothing when the client did not ask for progress.
type ProgressReporter func(progress ProgressParams)

// Transport kinds reported by Session.Kind.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

type sessionIDKey struct{}

// ContextWithSessionID returns a copy of ctx carrying the session id.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the id of the session a tool call came from, or "" outside one.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
