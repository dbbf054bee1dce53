package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/cppmcp"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
)

const testTimeout = 5 * time.Second

// mockToolServer offers a few tools with controllable timing:
//   - echo returns its arguments
//   - wait blocks until release is closed or the call is cancelled, then passes a checkpoint
//   - progress reports three steps
//   - fail returns a query syntax error
//   - exhaust returns a resource exhaustion error
type mockToolServer struct {
	release chan struct{}
	started chan string

	mu       sync.Mutex
	released []string
}

type recordingObserver struct {
	mu       sync.Mutex
	failures []string
	closed   []string
}

type stdIOHarness struct {
	t        *testing.T
	server   mcp.Server
	tools    *mockToolServer
	observer *recordingObserver

	input  *io.PipeWriter
	output *io.PipeReader
	lines  chan string
	served chan struct{}
}

func newMockToolServer() *mockToolServer {
	return &mockToolServer{
		release: make(chan struct{}),
		started: make(chan string, 10),
	}
}

func (m *mockToolServer) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	schema := json.RawMessage(`{"type":"object"}`)
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{Name: "echo", Description: "Returns its arguments", InputSchema: schema},
			{Name: "wait", Description: "Blocks until released", InputSchema: schema},
			{Name: "progress", Description: "Reports progress", InputSchema: schema},
			{Name: "fail", Description: "Always fails", InputSchema: schema},
			{Name: "exhaust", Description: "Exhausts resources", InputSchema: schema},
		},
	}, nil
}

func (m *mockToolServer) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	report mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	switch params.Name {
	case "echo":
		return textResult(string(params.Arguments)), nil
	case "wait":
		m.started <- mcp.SessionIDFromContext(ctx)
		select {
		case <-m.release:
		case <-ctx.Done():
		}
		if err := errkind.Checkpoint(ctx, "wait"); err != nil {
			return mcp.CallToolResult{}, err
		}
		return textResult("done"), nil
	case "progress":
		for i := 1; i <= 3; i++ {
			report(mcp.ProgressParams{Progress: float64(i), Total: 3})
		}
		return textResult("reported"), nil
	case "fail":
		return mcp.CallToolResult{}, errkind.New(errkind.QuerySyntax, "invalid query")
	case "exhaust":
		return mcp.CallToolResult{}, fmt.Errorf("open: %w", errkind.New(errkind.Transport, "buffer limit exceeded"))
	default:
		return mcp.CallToolResult{}, fmt.Errorf("%w: %s", mcp.ErrUnknownTool, params.Name)
	}
}

func (m *mockToolServer) ReleaseSession(_ context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, sessionID)
}

func (m *mockToolServer) releasedSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.released...)
}

func (o *recordingObserver) ParseFailed(string, string, error) {}

func (o *recordingObserver) ToolFailed(_, tool string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, tool)
}

func (o *recordingObserver) SessionClosed(sessionID, transport string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, transport+":"+sessionID)
}

func (o *recordingObserver) closedSessions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.closed...)
}

func (o *recordingObserver) toolFailures() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.failures...)
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}

func newStdIOHarness(t *testing.T, options ...mcp.ServerOption) *stdIOHarness {
	t.Helper()

	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	h := &stdIOHarness{
		t:        t,
		tools:    newMockToolServer(),
		observer: &recordingObserver{},
		input:    cliWriter,
		output:   cliReader,
		lines:    make(chan string, 100),
		served:   make(chan struct{}),
	}

	opts := append([]mcp.ServerOption{
		mcp.WithToolServer(h.tools),
		mcp.WithObserver(h.observer),
	}, options...)
	h.server = mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, mcp.NewStdIO(srvReader, srvWriter), opts...)

	go func() {
		h.server.Serve()
		close(h.served)
	}()

	go func() {
		defer close(h.lines)
		reader := bufio.NewReader(cliReader)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			h.lines <- strings.TrimSuffix(line, "\n")
		}
	}()

	t.Cleanup(func() {
		h.input.Close()
		select {
		case <-h.served:
		case <-time.After(testTimeout):
			t.Errorf("server did not stop after end of input")
		}
		h.output.Close()
	})

	return h
}

func (h *stdIOHarness) sendRaw(line string) {
	h.t.Helper()
	if _, err := io.WriteString(h.input, line+"\n"); err != nil {
		h.t.Fatalf("failed to write line: %v", err)
	}
}

func (h *stdIOHarness) send(msg mcp.JSONRPCMessage) {
	h.t.Helper()
	msg.JSONRPC = mcp.JSONRPCVersion
	bs, err := json.Marshal(msg)
	if err != nil {
		h.t.Fatalf("failed to marshal message: %v", err)
	}
	h.sendRaw(string(bs))
}

func (h *stdIOHarness) request(id int, method string, params any) {
	h.t.Helper()
	h.send(mcp.JSONRPCMessage{ID: mcp.NewRequestID(id), Method: method, Params: mustMarshal(h.t, params)})
}

func (h *stdIOHarness) callTool(id int, name string, args any) {
	h.t.Helper()
	h.request(id, mcp.MethodToolsCall, map[string]any{"name": name, "arguments": args})
}

// next returns the next line written by the server, decoded, together with its raw text.
func (h *stdIOHarness) next() (mcp.JSONRPCMessage, string) {
	h.t.Helper()
	select {
	case line, ok := <-h.lines:
		if !ok {
			h.t.Fatalf("server output closed")
		}
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			h.t.Fatalf("server wrote invalid json %q: %v", line, err)
		}
		return msg, line
	case <-time.After(testTimeout):
		h.t.Fatalf("timed out waiting for server output")
	}
	return mcp.JSONRPCMessage{}, ""
}

func (h *stdIOHarness) initialize() mcp.JSONRPCMessage {
	h.t.Helper()
	h.request(0, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	msg, _ := h.next()
	if msg.Error != nil {
		h.t.Fatalf("initialize failed: %v", msg.Error)
	}
	h.send(mcp.JSONRPCMessage{Method: "notifications/initialized"})
	return msg
}

func (h *stdIOHarness) waitStarted() string {
	h.t.Helper()
	select {
	case id := <-h.tools.started:
		return id
	case <-time.After(testTimeout):
		h.t.Fatalf("tool did not start")
	}
	return ""
}

func (h *stdIOHarness) waitServed() {
	h.t.Helper()
	select {
	case <-h.served:
	case <-time.After(testTimeout):
		h.t.Fatalf("server did not stop")
	}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	if v == nil {
		return nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal %v: %v", v, err)
	}
	return bs
}

func expectID(t *testing.T, msg mcp.JSONRPCMessage, id int) {
	t.Helper()
	if want := mcp.NewRequestID(id); msg.ID != want {
		t.Fatalf("expected response to id %s, got %q (%+v)", want, msg.ID, msg)
	}
}

func expectErrorKind(t *testing.T, msg mcp.JSONRPCMessage, kind string, code int) {
	t.Helper()
	if msg.Error == nil {
		t.Fatalf("expected %s error, got result %s", kind, msg.Result)
	}
	if msg.Error.Kind != kind {
		t.Errorf("expected error kind %s, got %s (%s)", kind, msg.Error.Kind, msg.Error.Message)
	}
	if msg.Error.Code != code {
		t.Errorf("expected error code %d, got %d", code, msg.Error.Code)
	}
}

func resultText(t *testing.T, msg mcp.JSONRPCMessage) string {
	t.Helper()
	if msg.Error != nil {
		t.Fatalf("unexpected error: %v", msg.Error)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("failed to unmarshal tool result: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	return res.Content[0].Text
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met: %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
