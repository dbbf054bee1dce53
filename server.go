package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MegaGrindStone/cppmcp/internal/errkind"
	"github.com/MegaGrindStone/cppmcp/internal/telemetry"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server. It accepts sessions from its
// transport, runs the protocol state machine of every session and forwards tool requests to the
// ToolServer.
type Server struct {
	info       Info
	transport  ServerTransport
	toolServer ToolServer
	releaser   SessionReleaser
	observer   Observer

	sendTimeout time.Duration

	logger *slog.Logger

	sessionsWaitGroup *sync.WaitGroup
	sessionsMu        *sync.Mutex // orders sessionsWaitGroup.Add against closing done
	shutdownOnce      *sync.Once
	done              chan struct{}
}

type sessionState int32

const (
	stateHandshaking sessionState = iota
	stateReady
	stateClosing
	stateClosed
)

type serverSession struct {
	session     Session
	logger      *slog.Logger
	serverInfo  Info
	toolServer  ToolServer
	releaser    SessionReleaser
	observer    Observer
	sendTimeout time.Duration

	mu              sync.Mutex
	state           sessionState
	pending         map[string]*pendingCall
	protocolVersion string

	// queue feeds the single worker of a stdio session; nil for sessions with concurrent calls.
	queue     chan func()
	calls     sync.WaitGroup
	closing   chan struct{}
	fatal     chan bool
	closeOnce sync.Once
}

type pendingCall struct {
	id      RequestID
	cancel  context.CancelFunc
	settled atomic.Bool
}

var defaultServerSendTimeout = 30 * time.Second

const serialQueueSize = 64

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
// When the ToolServer also implements SessionReleaser, it is used to release per-session state
// unless WithSessionReleaser overrides it.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default().With(slog.String("component", "server")),
		sessionsWaitGroup: &sync.WaitGroup{},
		sessionsMu:        &sync.Mutex{},
		shutdownOnce:      &sync.Once{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.observer == nil {
		s.observer = NewLogObserver(s.logger)
	}
	if s.releaser == nil {
		if r, ok := s.toolServer.(SessionReleaser); ok {
			s.releaser = r
		}
	}
	return s
}

// WithToolServer sets the ToolServer answering tools/list and tools/call.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithSessionReleaser sets the SessionReleaser called when a session closes.
func WithSessionReleaser(r SessionReleaser) ServerOption {
	return func(s *Server) {
		s.releaser = r
	}
}

// WithObserver sets the Observer receiving notable events. The default logs them.
func WithObserver(o Observer) ServerOption {
	return func(s *Server) {
		s.observer = o
	}
}

// WithServerSendTimeout sets the timeout of a single outgoing message.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// Serve accepts sessions from the transport and serves each of them on its own goroutine.
//
// Serve blocks until the transport stops producing sessions and every session has been torn
// down. For StdIO this happens at end of input.
func (s Server) Serve() {
	for sess := range s.transport.Sessions() {
		if !s.track() {
			sess.Stop()
			continue
		}

		ss := &serverSession{
			session: sess,
			logger: s.logger.With(
				slog.String("sessionID", sess.ID()),
				slog.String("transport", sess.Kind()),
			),
			serverInfo:  s.info,
			toolServer:  s.toolServer,
			releaser:    s.releaser,
			observer:    s.observer,
			sendTimeout: s.sendTimeout,
			pending:     make(map[string]*pendingCall),
			closing:     make(chan struct{}),
			fatal:       make(chan bool, 1),
		}

		go func() {
			defer s.sessionsWaitGroup.Done()
			ss.start(s.done)
		}()
	}
	s.sessionsWaitGroup.Wait()
}

// track registers a new session with the wait group, or reports false once shutdown has begun.
func (s Server) track() bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.sessionsWaitGroup.Add(1)
	return true
}

// Shutdown closes every session, resolving their pending calls with a CancellationError, and then
// shuts the transport down. It returns an error if ctx is done before that completes.
func (s Server) Shutdown(ctx context.Context) error {
	s.sessionsMu.Lock()
	s.shutdownOnce.Do(func() { close(s.done) })
	s.sessionsMu.Unlock()

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}

func (s *serverSession) start(done <-chan struct{}) {
	ctx := ContextWithSessionID(context.Background(), s.session.ID())
	kind := s.session.Kind()
	telemetry.SessionOpened(ctx, kind)
	s.logger.Debug("session opened")

	// Every call context derives from baseCtx, so leaving the loop cancels whatever still runs.
	baseCtx, baseCancel := context.WithCancel(ctx)

	if kind == TransportStdio {
		s.queue = make(chan func(), serialQueueSize)
		go func() {
			for job := range s.queue {
				job()
			}
		}()
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-done:
			s.close(true)
		case writable := <-s.fatal:
			s.close(writable)
		case <-watchDone:
			return
		}
		s.session.Stop()
	}()

	for msg, err := range s.session.Messages() {
		if err != nil {
			if s.currentState() >= stateClosing {
				break
			}
			s.logger.Info("received malformed message", slog.String("err", err.Error()))
			s.replyError("", err)
			continue
		}
		if !s.handleMessage(baseCtx, msg) {
			break
		}
	}
	close(watchDone)

	// End of stream or disconnect: the transport can no longer take the cancellations.
	s.close(false)
	s.session.Stop()
	if s.queue != nil {
		close(s.queue)
	}
	s.calls.Wait()
	baseCancel()

	if s.releaser != nil {
		s.releaser.ReleaseSession(ctx, s.session.ID())
	}
	s.setState(stateClosed)

	telemetry.SessionClosed(ctx, kind)
	s.observer.SessionClosed(s.session.ID(), kind)
}

// handleMessage processes one message. It returns false when the session must stop reading.
func (s *serverSession) handleMessage(ctx context.Context, msg JSONRPCMessage) bool {
	state := s.currentState()
	if state >= stateClosing {
		return false
	}

	if msg.JSONRPC != JSONRPCVersion {
		if msg.ID != "" {
			s.replyError(msg.ID, errkind.Errorf(errkind.InvalidRequest, "unsupported jsonrpc version %q", msg.JSONRPC))
		}
		return true
	}

	if msg.Method == "" {
		// The server never sends requests, so responses from the client have nothing to match.
		s.logger.Debug("ignoring client response", slog.String("id", string(msg.ID)))
		return true
	}

	switch msg.Method {
	case methodPing:
		if msg.ID != "" {
			s.reply(msg.ID, struct{}{})
		}
	case methodInitialize:
		if !msg.IsRequest() {
			return true
		}
		if state != stateHandshaking {
			s.replyError(msg.ID, errAlreadyInitialized)
			return true
		}
		res, err := s.handshake(ctx, msg)
		if err != nil {
			s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
			s.replyError(msg.ID, err)
			return false
		}
		s.setState(stateReady)
		s.reply(msg.ID, res)
	case methodNotificationsInitialized:
	case methodNotificationsCancelled:
		if state != stateReady {
			if msg.ID != "" {
				s.replyError(msg.ID, errNotInitialized)
			}
			return true
		}
		s.cancelCall(msg)
	case MethodToolsList, MethodToolsCall:
		if msg.ID == "" {
			s.replyError("", fmt.Errorf("%w: %s", errMissingID, msg.Method))
			return true
		}
		if state != stateReady {
			s.replyError(msg.ID, errNotInitialized)
			return true
		}
		s.dispatch(ctx, msg)
	default:
		if msg.ID == "" {
			return true
		}
		if state != stateReady {
			s.replyError(msg.ID, errNotInitialized)
			return true
		}
		s.replyError(msg.ID, fmt.Errorf("%w: %s", errMethodNotFound, msg.Method))
	}
	return true
}

func (s *serverSession) handshake(ctx context.Context, msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, errkind.Wrap(errkind.InvalidArgs, "failed to unmarshal initialize params", err)
	}
	if params.ProtocolVersion == "" {
		return initializeResult{}, errkind.New(errkind.InvalidArgs, "missing protocolVersion")
	}

	res := initializeResult{
		ProtocolVersion: negotiateVersion(params.ProtocolVersion),
		ServerInfo:      s.serverInfo,
		Tools:           []Tool{},
	}
	if s.toolServer != nil {
		tools, err := s.toolServer.ListTools(ctx, ListToolsParams{})
		if err != nil {
			return initializeResult{}, errkind.Wrap(errkind.ToolExecution, "failed to list tools", err)
		}
		res.Capabilities.Tools = &ToolsCapability{}
		res.Tools = tools.Tools
	}

	s.mu.Lock()
	s.protocolVersion = res.ProtocolVersion
	s.mu.Unlock()

	s.logger.Info("session initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("requestedVersion", params.ProtocolVersion),
		slog.String("protocolVersion", res.ProtocolVersion))
	return res, nil
}

func (s *serverSession) cancelCall(msg JSONRPCMessage) {
	var params notificationsCancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		if msg.ID != "" {
			s.replyError(msg.ID, errkind.Wrap(errkind.InvalidArgs, "failed to unmarshal cancellation params", err))
		}
		return
	}
	if params.RequestID == "" {
		if msg.ID != "" {
			s.replyError(msg.ID, errkind.New(errkind.InvalidArgs, "missing requestId"))
		}
		return
	}

	s.mu.Lock()
	call, ok := s.pending[params.RequestID.Key()]
	s.mu.Unlock()
	if ok {
		call.cancel()
		s.logger.Debug("cancellation requested",
			slog.String("requestID", string(params.RequestID)),
			slog.String("reason", params.Reason))
	}

	if msg.ID != "" {
		s.reply(msg.ID, cancelledResult{Cancelled: ok})
	}
}

func (s *serverSession) dispatch(ctx context.Context, msg JSONRPCMessage) {
	callCtx, cancel := context.WithCancel(ctx)
	call := &pendingCall{id: msg.ID, cancel: cancel}

	if err := s.register(call); err != nil {
		cancel()
		s.replyError(msg.ID, err)
		return
	}

	s.calls.Add(1)
	job := func() {
		defer s.calls.Done()
		defer cancel()
		s.execute(callCtx, call, msg)
	}

	if s.queue == nil {
		go job()
		return
	}
	select {
	case s.queue <- job:
	case <-s.closing:
		s.calls.Done()
		cancel()
	}
}

func (s *serverSession) register(call *pendingCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReady {
		return errSessionClosing
	}
	key := call.id.Key()
	if _, ok := s.pending[key]; ok {
		return fmt.Errorf("%w: %s", errDuplicateID, call.id)
	}
	s.pending[key] = call
	return nil
}

// settle removes call from the pending set. It returns false when the call was already resolved
// by the closing session.
func (s *serverSession) settle(call *pendingCall) bool {
	s.mu.Lock()
	if s.pending[call.id.Key()] == call {
		delete(s.pending, call.id.Key())
	}
	s.mu.Unlock()
	return call.settled.CompareAndSwap(false, true)
}

func (s *serverSession) execute(ctx context.Context, call *pendingCall, msg JSONRPCMessage) {
	var result any
	var err error

	switch msg.Method {
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	}

	if !s.settle(call) {
		return
	}
	if err != nil {
		s.replyError(msg.ID, err)
		if errkind.Is(err, errkind.Transport) {
			s.requestClose(true)
		}
		return
	}
	s.reply(msg.ID, result)
}

func (s *serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, fmt.Errorf("%w: tools not supported by server", errMethodNotFound)
	}

	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, errkind.Wrap(errkind.InvalidArgs, "failed to unmarshal params", err)
		}
	}

	return s.toolServer.ListTools(ctx, params)
}

func (s *serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, fmt.Errorf("%w: tools not supported by server", errMethodNotFound)
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, errkind.Wrap(errkind.InvalidArgs, "failed to unmarshal params", err)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "tools/call")
	defer span.End()
	span.SetAttributes(attribute.String("tool", params.Name), attribute.String("session", s.session.ID()))

	start := time.Now()
	result, err := s.toolServer.CallTool(ctx, params, s.progressReporter(params.Meta.ProgressToken))
	kind := errkind.KindOf(err)
	telemetry.RecordToolCall(ctx, params.Name, string(kind), time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		s.observer.ToolFailed(s.session.ID(), params.Name, err)
		return CallToolResult{}, err
	}
	return result, nil
}

func (s *serverSession) progressReporter(token RequestID) ProgressReporter {
	if token == "" {
		return func(ProgressParams) {}
	}
	return func(params ProgressParams) {
		params.ProgressToken = token
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", slog.String("err", err.Error()))
			return
		}
		s.send(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		})
	}
}

// close moves the session to Closing and resolves every pending call. The cancellations are only
// written when the transport is still writable.
func (s *serverSession) close(writable bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state < stateClosing {
			s.state = stateClosing
		}
		calls := s.pending
		s.pending = make(map[string]*pendingCall)
		s.mu.Unlock()

		close(s.closing)

		for _, call := range calls {
			call.cancel()
			if call.settled.CompareAndSwap(false, true) && writable {
				s.replyError(call.id, errSessionClosing)
			}
		}
		s.logger.Debug("session closing", slog.Int("pending", len(calls)), slog.Bool("writable", writable))
	})
}

func (s *serverSession) requestClose(writable bool) {
	select {
	case s.fatal <- writable:
	default:
	}
}

func (s *serverSession) reply(id RequestID, result any) {
	resultBs, err := json.Marshal(result)
	if err != nil {
		s.replyError(id, errkind.Wrap(errkind.ToolExecution, "failed to marshal result", err))
		return
	}
	s.send(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: resultBs})
}

func (s *serverSession) replyError(id RequestID, err error) {
	s.send(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Error: NewJSONRPCError(err)})
}

func (s *serverSession) send(msg JSONRPCMessage) {
	if s.currentState() == stateClosed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send message", slog.String("err", err.Error()))
		s.requestClose(false)
	}
}

func (s *serverSession) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *serverSession) setState(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
