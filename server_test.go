package mcp_test

import (
	"context"
	"encoding/json"
	"iter"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/cppmcp"
)

func TestHandshake(t *testing.T) {
	h := newStdIOHarness(t)

	// Requests before initialize are rejected without leaving Handshaking.
	h.request(1, mcp.MethodToolsList, nil)
	msg, _ := h.next()
	expectID(t, msg, 1)
	expectErrorKind(t, msg, "InvalidRequest", mcp.CodeInvalidRequest)

	// Ping is answered in any state.
	h.request(2, "ping", nil)
	msg, _ = h.next()
	expectID(t, msg, 2)
	if msg.Error != nil {
		t.Fatalf("unexpected ping error: %v", msg.Error)
	}

	h.request(3, "initialize", map[string]any{
		"protocolVersion": "1999-01-01",
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
	})
	msg, _ = h.next()
	expectID(t, msg, 3)
	if msg.Error != nil {
		t.Fatalf("initialize failed: %v", msg.Error)
	}

	var res struct {
		ProtocolVersion string         `json:"protocolVersion"`
		ServerInfo      mcp.Info       `json:"serverInfo"`
		Capabilities    map[string]any `json:"capabilities"`
		Tools           []mcp.Tool     `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Errorf("expected unknown version to be answered with %s, got %s", mcp.LatestProtocolVersion, res.ProtocolVersion)
	}
	if res.ServerInfo.Name != "test-server" {
		t.Errorf("unexpected server info %+v", res.ServerInfo)
	}
	if _, ok := res.Capabilities["tools"]; !ok {
		t.Errorf("expected tools capability, got %v", res.Capabilities)
	}
	if len(res.Tools) != 5 {
		t.Errorf("expected the registered tools in the handshake, got %d", len(res.Tools))
	}

	h.request(4, "initialize", map[string]any{"protocolVersion": "2024-11-05"})
	msg, _ = h.next()
	expectID(t, msg, 4)
	expectErrorKind(t, msg, "InvalidRequest", mcp.CodeInvalidRequest)

	h.request(5, mcp.MethodToolsList, nil)
	msg, _ = h.next()
	expectID(t, msg, 5)
	var tools mcp.ListToolsResult
	if err := json.Unmarshal(msg.Result, &tools); err != nil {
		t.Fatalf("failed to unmarshal tools: %v", err)
	}
	if len(tools.Tools) != 5 {
		t.Errorf("expected 5 tools, got %d", len(tools.Tools))
	}
}

func TestHandshakeKnownVersionIsKept(t *testing.T) {
	h := newStdIOHarness(t)

	msg := h.initialize()
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	if res.ProtocolVersion != "2024-11-05" {
		t.Errorf("expected the requested version, got %s", res.ProtocolVersion)
	}
}

func TestMalformedHandshakeClosesSession(t *testing.T) {
	tests := []struct {
		name   string
		params any
	}{
		{name: "missing params", params: nil},
		{name: "empty version", params: map[string]any{"protocolVersion": ""}},
		{name: "wrong type", params: map[string]any{"protocolVersion": 42}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newStdIOHarness(t)

			h.request(1, "initialize", tc.params)
			msg, _ := h.next()
			expectID(t, msg, 1)
			expectErrorKind(t, msg, "InvalidArguments", mcp.CodeInvalidParams)

			h.waitServed()
			if closed := h.observer.closedSessions(); len(closed) != 1 {
				t.Errorf("expected one closed session, got %v", closed)
			}
		})
	}
}

func TestToolCallErrors(t *testing.T) {
	h := newStdIOHarness(t)
	h.initialize()

	h.callTool(1, "nope", map[string]any{})
	msg, _ := h.next()
	expectID(t, msg, 1)
	expectErrorKind(t, msg, "NotFound", mcp.CodeMethodNotFound)

	h.callTool(2, "fail", map[string]any{})
	msg, _ = h.next()
	expectID(t, msg, 2)
	expectErrorKind(t, msg, "QuerySyntaxError", mcp.CodeQuerySyntax)

	h.request(3, "resources/list", nil)
	msg, _ = h.next()
	expectID(t, msg, 3)
	expectErrorKind(t, msg, "NotFound", mcp.CodeMethodNotFound)

	h.request(4, mcp.MethodToolsCall, "not an object")
	msg, _ = h.next()
	expectID(t, msg, 4)
	expectErrorKind(t, msg, "InvalidArguments", mcp.CodeInvalidParams)

	// The session stays usable after failures.
	h.callTool(5, "echo", map[string]any{"x": 1})
	msg, _ = h.next()
	expectID(t, msg, 5)
	if text := resultText(t, msg); text != `{"x":1}` {
		t.Errorf("unexpected echo %s", text)
	}

	if failures := h.observer.toolFailures(); !slices.Equal(failures, []string{"nope", "fail"}) {
		t.Errorf("unexpected observed failures %v", failures)
	}
}

func TestCancelBeforeCheckpoint(t *testing.T) {
	h := newStdIOHarness(t)
	h.initialize()

	h.callTool(1, "wait", map[string]any{})
	h.waitStarted()

	// Request form: acknowledged right away while the call is still running.
	h.request(2, "notifications/cancelled", map[string]any{"requestId": 1, "reason": "test"})

	// The acknowledgement and the cancelled call race each other.
	replies := make(map[mcp.RequestID]mcp.JSONRPCMessage)
	for range 2 {
		msg, _ := h.next()
		replies[msg.ID] = msg
	}

	var ack struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.Unmarshal(replies[mcp.NewRequestID(2)].Result, &ack); err != nil {
		t.Fatalf("failed to unmarshal ack: %v", err)
	}
	if !ack.Cancelled {
		t.Errorf("expected the pending call to be cancelled")
	}

	expectErrorKind(t, replies[mcp.NewRequestID(1)], "CancellationError", mcp.CodeCancelled)
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	h := newStdIOHarness(t)
	h.initialize()

	h.callTool(1, "echo", map[string]any{})
	msg, _ := h.next()
	expectID(t, msg, 1)
	resultText(t, msg)

	h.request(2, "notifications/cancelled", map[string]any{"requestId": 1})
	msg, _ = h.next()
	expectID(t, msg, 2)
	if string(msg.Result) != `{"cancelled":false}` {
		t.Errorf("unexpected ack %s", msg.Result)
	}

	// Notification form never produces a response; the next reply is the ping's.
	h.send(mcp.JSONRPCMessage{Method: "notifications/cancelled", Params: json.RawMessage(`{"requestId":1}`)})
	h.request(3, "ping", nil)
	msg, _ = h.next()
	expectID(t, msg, 3)
}

func TestDuplicatePendingID(t *testing.T) {
	h := newStdIOHarness(t)
	h.initialize()

	h.callTool(7, "wait", map[string]any{})
	h.waitStarted()

	h.callTool(7, "echo", map[string]any{})
	msg, _ := h.next()
	expectID(t, msg, 7)
	expectErrorKind(t, msg, "InvalidRequest", mcp.CodeInvalidRequest)

	close(h.tools.release)
	msg, _ = h.next()
	expectID(t, msg, 7)
	if text := resultText(t, msg); text != "done" {
		t.Errorf("unexpected result %s", text)
	}
}

func TestStdIOCallsRunInArrivalOrder(t *testing.T) {
	h := newStdIOHarness(t)
	h.initialize()

	h.callTool(1, "wait", map[string]any{})
	h.waitStarted()
	h.callTool(2, "echo", map[string]any{"n": 2})

	// The read loop keeps going while calls wait for the worker.
	h.request(3, "ping", nil)
	msg, _ := h.next()
	expectID(t, msg, 3)

	close(h.tools.release)
	msg, _ = h.next()
	expectID(t, msg, 1)
	msg, _ = h.next()
	expectID(t, msg, 2)
}

func TestProgressNotifications(t *testing.T) {
	h := newStdIOHarness(t)
	h.initialize()

	h.request(1, mcp.MethodToolsCall, map[string]any{
		"name":      "progress",
		"arguments": map[string]any{},
		"_meta":     map[string]any{"progressToken": "tok"},
	})

	for i := 1; i <= 3; i++ {
		msg, raw := h.next()
		if msg.Method != "notifications/progress" {
			t.Fatalf("expected progress notification, got %s", raw)
		}
		var params mcp.ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			t.Fatalf("failed to unmarshal progress: %v", err)
		}
		if params.ProgressToken != mcp.NewRequestID("tok") || params.Progress != float64(i) || params.Total != 3 {
			t.Errorf("unexpected progress %+v", params)
		}
	}
	msg, _ := h.next()
	expectID(t, msg, 1)

	// Without a token the reporter stays silent.
	h.callTool(2, "progress", map[string]any{})
	msg, _ = h.next()
	expectID(t, msg, 2)
}

func TestEndOfStreamReleasesSession(t *testing.T) {
	h := newStdIOHarness(t)
	h.initialize()

	h.callTool(1, "wait", map[string]any{})
	sessionID := h.waitStarted()
	if sessionID == "" {
		t.Fatalf("expected the session id in the call context")
	}

	h.input.Close()
	h.waitServed()

	if released := h.tools.releasedSessions(); !slices.Equal(released, []string{sessionID}) {
		t.Errorf("expected session %s to be released, got %v", sessionID, released)
	}
	if closed := h.observer.closedSessions(); !slices.Equal(closed, []string{"stdio:" + sessionID}) {
		t.Errorf("unexpected closed sessions %v", closed)
	}

	// The transport was gone, so the cancelled call produced no output.
	select {
	case line, ok := <-h.lines:
		if ok {
			t.Errorf("unexpected output after end of stream: %s", line)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestShutdownResolvesPendingCalls(t *testing.T) {
	h := newStdIOHarness(t)
	h.initialize()

	h.callTool(1, "wait", map[string]any{})
	sessionID := h.waitStarted()

	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		errs <- h.server.Shutdown(ctx)
	}()

	msg, _ := h.next()
	expectID(t, msg, 1)
	expectErrorKind(t, msg, "CancellationError", mcp.CodeCancelled)

	if err := <-errs; err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	h.waitServed()

	if released := h.tools.releasedSessions(); !slices.Equal(released, []string{sessionID}) {
		t.Errorf("expected session %s to be released, got %v", sessionID, released)
	}
}

func TestResourceExhaustionClosesSession(t *testing.T) {
	h := newStdIOHarness(t)
	h.initialize()

	h.callTool(1, "exhaust", map[string]any{})
	msg, _ := h.next()
	expectID(t, msg, 1)
	expectErrorKind(t, msg, "TransportError", mcp.CodeTransport)

	h.waitServed()
	if closed := h.observer.closedSessions(); len(closed) != 1 {
		t.Errorf("expected the session to close, got %v", closed)
	}
}

type queuedTransport struct {
	sessions chan mcp.Session
}

func (q queuedTransport) Sessions() iter.Seq[mcp.Session] {
	return func(yield func(mcp.Session) bool) {
		for sess := range q.sessions {
			if !yield(sess) {
				return
			}
		}
	}
}

func (queuedTransport) Shutdown(context.Context) error { return nil }

type idleSession struct {
	stopped atomic.Bool
	stop    chan struct{}
}

func (s *idleSession) ID() string                                     { return "late" }
func (s *idleSession) Kind() string                                   { return mcp.TransportStdio }
func (s *idleSession) Send(context.Context, mcp.JSONRPCMessage) error { return nil }

func (s *idleSession) Messages() iter.Seq2[mcp.JSONRPCMessage, error] {
	return func(func(mcp.JSONRPCMessage, error) bool) { <-s.stop }
}

func (s *idleSession) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stop)
	}
}

func TestSessionAfterShutdownIsStopped(t *testing.T) {
	transport := queuedTransport{sessions: make(chan mcp.Session)}
	srv := mcp.NewServer(mcp.Info{Name: "test", Version: "1"}, transport,
		mcp.WithToolServer(newMockToolServer()))

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	late := &idleSession{stop: make(chan struct{})}
	transport.sessions <- late
	close(transport.sessions)

	select {
	case <-served:
	case <-time.After(testTimeout):
		t.Fatal("serve did not return after shutdown")
	}
	if !late.stopped.Load() {
		t.Error("expected a session arriving after shutdown to be stopped")
	}
}
