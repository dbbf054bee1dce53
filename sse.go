package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"

	"github.com/MegaGrindStone/cppmcp/internal/errkind"
)

// SSEServer implements the event-stream transport. A GET on HandleSSE opens a session and an
// outbound event stream whose first event, "endpoint", carries the URL for posting requests.
// Every POST on HandleMessage carries one JSON-RPC message for that session:
//   - a request is answered in the POST body (200) and the same response is pushed as a "message"
//     event on the stream
//   - a notification is accepted with 202
//   - a malformed body is answered with 400 and a ParseError response, also pushed as an event
//
// Dropping the GET connection ends the session the same way end of input ends a StdIO session.
// The handlers can be mounted on any HTTP mux. Instances are created with NewSSEServer and shut
// down with Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	rateLimit rate.Limit
	rateBurst int

	mu          *sync.RWMutex
	sessions    map[string]*sseServerSession
	newSessions chan *sseServerSession

	doneOnce *sync.Once
	done     chan struct{}
	closed   chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient connects to an SSEServer: it reads the event stream and posts messages to the
// announced endpoint. Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int

	endpointMu sync.RWMutex
	messageURL string

	messages chan JSONRPCMessage
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id      string
	sess    *sse.Session
	logger  *slog.Logger
	limiter *rate.Limiter

	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan sseReceived

	waitersMu sync.Mutex
	waiters   map[string]chan JSONRPCMessage

	done       chan struct{}
	stopOnce   sync.Once
	gone       chan struct{}
	goneOnce   sync.Once
	sendClosed chan struct{}
}

type sseReceived struct {
	msg JSONRPCMessage
	err error
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

var errSSESessionGone = errkind.New(errkind.Transport, "sse session is closed")

// NewSSEServer creates an SSE server announcing messageURL as the endpoint for posted messages.
// The server is operational immediately; it must be shut down with Shutdown.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:  messageURL,
		logger:      slog.Default(),
		mu:          &sync.RWMutex{},
		sessions:    make(map[string]*sseServerSession),
		newSessions: make(chan *sseServerSession),
		doneOnce:    &sync.Once{},
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger of the server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// WithSSEServerRateLimit limits the messages every session may post. Messages over the limit are
// answered with 429. A non-positive limit disables limiting.
func WithSSEServerRateLimit(limit float64, burst int) SSEServerOption {
	return func(s *SSEServer) {
		if limit <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.rateLimit = rate.Limit(limit)
		s.rateBurst = burst
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. If httpClient is
// nil, http.DefaultClient is used. The client must call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		messages:   make(chan JSONRPCMessage, 16),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of an event the client accepts. A larger
// event ends the stream.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// Sessions yields a Session for every connection accepted by HandleSSE until Shutdown.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.newSessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops accepting sessions and waits for the Sessions loop to end.
func (s SSEServer) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for opening sessions over GET. The connection stays open
// until the client disconnects or the session is stopped.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg),
			receivedMsgs: make(chan sseReceived),
			waiters:      make(map[string]chan JSONRPCMessage),
			done:         make(chan struct{}),
			gone:         make(chan struct{}),
			sendClosed:   make(chan struct{}),
		}
		if s.rateLimit > 0 {
			srvSession.limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
		}

		// Registered before the endpoint is announced, so the first POST always finds it.
		s.mu.Lock()
		s.sessions[sessID] = srvSession
		s.mu.Unlock()

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID))
		err = sess.Send(&msg)
		if err == nil {
			err = sess.Flush()
		}
		if err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			s.mu.Lock()
			delete(s.sessions, sessID)
			s.mu.Unlock()
			return
		}

		go srvSession.processSendMessages()

		defer func() {
			s.mu.Lock()
			delete(s.sessions, sessID)
			s.mu.Unlock()

			srvSession.disconnect()
			<-srvSession.sendClosed
		}()

		select {
		case s.newSessions <- srvSession:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		// Block until the session ends, so the connection is left open.
		select {
		case <-r.Context().Done():
			srvSession.logger.Info("client disconnected")
		case <-srvSession.done:
		}
	})
}

// HandleMessage returns an http.Handler for messages posted by clients. The handler expects a
// sessionID query parameter naming an open session and a JSON-encoded message body.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		sess, ok := s.sessions[sessID]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		if sess.limiter != nil && !sess.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			pErr := errkind.Wrap(errkind.Parse, "invalid json", err)
			s.logger.Warn("failed to decode message", slog.String("err", pErr.Error()))
			// The session answers the error on the event stream; the poster gets it directly.
			if !sess.receive(r.Context(), sseReceived{err: pErr}) {
				http.Error(w, "session is closed", http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusBadRequest, JSONRPCMessage{JSONRPC: JSONRPCVersion, Error: NewJSONRPCError(pErr)})
			return
		}

		if !msg.IsRequest() {
			if !sess.receive(r.Context(), sseReceived{msg: msg}) {
				http.Error(w, "session is closed", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}

		reply, ok := sess.await(msg.ID)
		if !ok {
			// The same id is already waiting for its reply on another POST.
			resp := JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Error:   NewJSONRPCError(fmt.Errorf("%w: %s", errDuplicateID, msg.ID)),
			}
			if err := sess.Send(r.Context(), resp); err != nil {
				s.logger.Warn("failed to push duplicate id error", slog.String("err", err.Error()))
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		defer sess.forget(msg.ID)

		if !sess.receive(r.Context(), sseReceived{msg: msg}) {
			http.Error(w, "session is closed", http.StatusServiceUnavailable)
			return
		}

		select {
		case resp := <-reply:
			writeJSON(w, http.StatusOK, resp)
		case <-r.Context().Done():
		case <-sess.gone:
			http.Error(w, "session is closed", http.StatusServiceUnavailable)
		case <-sess.done:
			http.Error(w, "session is closed", http.StatusServiceUnavailable)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

// Send posts msg to the server. It returns the direct reply for a request, or nil when the server
// accepted a notification.
func (s *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) (*JSONRPCMessage, error) {
	s.endpointMu.RLock()
	messageURL := s.messageURL
	s.endpointMu.RUnlock()
	if messageURL == "" {
		return nil, errors.New("session endpoint is not known yet")
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil, nil
	case http.StatusOK, http.StatusBadRequest:
		var reply JSONRPCMessage
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return nil, fmt.Errorf("failed to decode reply (status %d): %w", resp.StatusCode, err)
		}
		return &reply, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
}

// PostRaw posts body unmodified and returns the status code and body of the answer.
func (s *SSEClient) PostRaw(ctx context.Context, body []byte) (int, []byte, error) {
	s.endpointMu.RLock()
	messageURL := s.messageURL
	s.endpointMu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, err
}

// StartSession establishes the SSE connection and begins reading events. It reports the outcome of
// the endpoint handshake through ready, and returns an iterator over the messages pushed by the
// server. The connection remains active until ctx is cancelled or the server ends the stream.
func (s *SSEClient) StartSession(ctx context.Context, ready chan<- error) (iter.Seq[JSONRPCMessage], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		close(ready)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		close(ready)
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		close(ready)
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	go s.listenSSEMessages(resp.Body, ready)

	return s.listenMessages(), nil
}

func (s *SSEClient) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			if !u.IsAbs() {
				base, err := url.Parse(s.connectURL)
				if err != nil {
					ready <- fmt.Errorf("parse connect URL: %w", err)
					return
				}
				u = base.ResolveReference(u)
			}
			s.endpointMu.Lock()
			s.messageURL = u.String()
			s.endpointMu.Unlock()
			close(ready)
		case "message":
			s.endpointMu.RLock()
			known := s.messageURL != ""
			s.endpointMu.RUnlock()
			if !known {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			s.messages <- msg
		default:
			s.logger.Error("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

func (s *SSEClient) listenMessages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Kind() string { return TransportSSE }

// Send pushes msg as a "message" event. A response is also handed to the POST waiting for it.
func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// go-sse sessions are not safe for concurrent writes, so every event goes through one goroutine.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return errkind.Wrap(errkind.Transport, "failed to queue event", ctx.Err())
	case <-s.gone:
		return errSSESessionGone
	case <-s.done:
		return errSSESessionGone
	}

	select {
	case err = <-errs:
	case <-ctx.Done():
		return errkind.Wrap(errkind.Transport, "failed to wait for event write", ctx.Err())
	case <-s.gone:
		return errSSESessionGone
	case <-s.done:
		return errSSESessionGone
	}

	if msg.Method == "" && msg.ID != "" {
		s.deliver(msg)
	}
	if err != nil {
		return errkind.Wrap(errkind.Transport, "failed to write event", err)
	}
	return nil
}

func (s *sseServerSession) Messages() iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		for {
			select {
			case rec := <-s.receivedMsgs:
				if !yield(rec.msg, rec.err) {
					return
				}
			case <-s.gone:
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.sendClosed
}

func (s *sseServerSession) disconnect() {
	s.goneOnce.Do(func() { close(s.gone) })
}

func (s *sseServerSession) receive(ctx context.Context, rec sseReceived) bool {
	select {
	case s.receivedMsgs <- rec:
		return true
	case <-ctx.Done():
	case <-s.gone:
	case <-s.done:
	}
	return false
}

// await registers a waiter for the reply to id. It returns false if id already has one.
func (s *sseServerSession) await(id RequestID) (<-chan JSONRPCMessage, bool) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	if _, ok := s.waiters[id.Key()]; ok {
		return nil, false
	}
	reply := make(chan JSONRPCMessage, 1)
	s.waiters[id.Key()] = reply
	return reply, true
}

func (s *sseServerSession) forget(id RequestID) {
	s.waitersMu.Lock()
	delete(s.waiters, id.Key())
	s.waitersMu.Unlock()
}

func (s *sseServerSession) deliver(msg JSONRPCMessage) {
	s.waitersMu.Lock()
	reply, ok := s.waiters[msg.ID.Key()]
	if ok {
		delete(s.waiters, msg.ID.Key())
	}
	s.waitersMu.Unlock()

	if ok {
		reply <- msg
	}
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			if err != nil {
				s.logger.Warn("failed to send event", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-s.gone:
			return
		case <-s.done:
			return
		}
	}
}
