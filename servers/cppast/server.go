// Package cppast serves C++ syntax analysis as MCP tools.
//
// A Server owns the process-wide analysis state: the document store, the compiled query set and
// the symbol index. Every tools/call runs on a bounded worker pool. Tools that visit several
// documents fan out per document and consult the call's context at the start of each document,
// which is where a cancelled call stops. Tools that change a document check the context
// once before they start and then run to completion, so a late cancellation never leaves a document
// half applied.
//
// Documents are shared by all sessions, but each is owned by the session that opened it. When a
// session ends, ReleaseSession closes the documents it still owns.
package cppast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	mcp "github.com/MegaGrindStone/cppmcp"
	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
	"github.com/MegaGrindStone/cppmcp/internal/query"
	"github.com/MegaGrindStone/cppmcp/internal/symbol"
)

// Server implements mcp.ToolServer and mcp.SessionReleaser for C++ analysis.
type Server struct {
	store    *document.Store
	engine   *query.Engine
	index    *symbol.Index
	resolver document.Resolver
	watcher  fileWatcher
	comments *query.CompiledQuery

	tools   registry
	workers int
	pool    *semaphore.Weighted

	mu       sync.Mutex
	owners   map[string]string              // document id -> session id
	sessions map[string]map[string]struct{} // session id -> document ids

	observer mcp.Observer
	logger   *slog.Logger
}

// fileWatcher keeps documents opened from disk in sync with their files.
type fileWatcher interface {
	Watch(id, path string) error
	Unwatch(id string)
	Watched(path string) []string
	Run(ctx context.Context)
	Close() error
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	workers  int
	queries  []string
	maxBytes int
	roots    []string
	watch    bool
	observer mcp.Observer
	logger   *slog.Logger
}

// DefaultWorkers bounds concurrently executing tool calls when no limit is configured.
const DefaultWorkers = 4

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithQueries selects the enabled predefined queries. Tools depending on a disabled query are not
// registered.
func WithQueries(names []string) ServerOption {
	return func(c *serverConfig) {
		c.queries = names
	}
}

// WithMaxDocumentBytes bounds the size of a single document.
func WithMaxDocumentBytes(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxBytes = n
	}
}

// WithAllowedRoots restricts the files that can be opened from disk.
func WithAllowedRoots(roots []string) ServerOption {
	return func(c *serverConfig) {
		c.roots = roots
	}
}

// WithWatch enables re-syncing documents opened from disk when their file changes.
func WithWatch(enabled bool) ServerOption {
	return func(c *serverConfig) {
		c.watch = enabled
	}
}

// WithObserver sets the observer notified of parse failures.
func WithObserver(observer mcp.Observer) ServerOption {
	return func(c *serverConfig) {
		c.observer = observer
	}
}

// WithLogger sets the logger of the server and of the analysis components it creates.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// NewServer compiles the query set and creates an empty analysis state. A predefined query that
// fails to compile is reported here.
func NewServer(options ...ServerOption) (*Server, error) {
	cfg := serverConfig{
		workers: DefaultWorkers,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.observer == nil {
		cfg.observer = mcp.NewLogObserver(cfg.logger)
	}

	engine, err := query.NewEngine(cfg.queries, query.WithEngineLogger(cfg.logger))
	if err != nil {
		return nil, err
	}
	comments, err := engine.Compile("comments", commentQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to compile comment query: %w", err)
	}
	index, err := symbol.New(engine, symbol.WithIndexLogger(cfg.logger))
	if err != nil {
		return nil, err
	}
	resolver, err := document.NewResolver(cfg.roots)
	if err != nil {
		index.Close()
		return nil, err
	}

	s := &Server{
		engine:   engine,
		index:    index,
		resolver: resolver,
		comments: comments,
		workers:  cfg.workers,
		pool:     semaphore.NewWeighted(int64(cfg.workers)),
		owners:   make(map[string]string),
		sessions: make(map[string]map[string]struct{}),
		observer: cfg.observer,
		logger:   cfg.logger.With(slog.String("component", "cppast")),
	}
	s.store = document.NewStore(
		document.WithMaxDocumentBytes(cfg.maxBytes),
		document.WithReparseHook(index.Build),
		document.WithCloseHook(s.documentClosed),
		document.WithParseFailureFunc(s.observer.ParseFailed),
		document.WithStoreLogger(cfg.logger),
	)

	if cfg.watch {
		w, err := document.NewWatcher(s.store, cfg.logger)
		if err != nil {
			index.Close()
			return nil, err
		}
		s.watcher = w
	}

	s.tools, err = newRegistry(s.toolset(), engine.Has)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Run processes file change events until ctx is done. It returns immediately when watching is
// disabled.
func (s *Server) Run(ctx context.Context) {
	if s.watcher == nil {
		return
	}
	s.watcher.Run(ctx)
}

// Close stops the watcher and releases the symbol index.
func (s *Server) Close() error {
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Warn("failed to close watcher", slog.String("err", err.Error()))
		}
	}
	return s.index.Close()
}

// ListTools implements mcp.ToolServer.
func (s *Server) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: s.tools.listed}, nil
}

// CallTool implements mcp.ToolServer. It validates the arguments against the tool's declared schema,
// waits for a worker and runs the handler. The result payload is returned both as JSON text content
// and as structured content.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	t, ok := s.tools.lookup(params.Name)
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %s", mcp.ErrUnknownTool, params.Name)
	}
	args, err := t.validate(params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	if err := errkind.Checkpoint(ctx, "acquire worker"); err != nil {
		return mcp.CallToolResult{}, err
	}
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return mcp.CallToolResult{}, errkind.Canceled("acquire worker", err)
	}
	defer s.pool.Release(1)

	if progress == nil {
		progress = func(mcp.ProgressParams) {}
	}
	payload, err := t.handler(ctx, call{
		session:  mcp.SessionIDFromContext(ctx),
		args:     args,
		progress: progress,
	})
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%s: %w", t.name, err)
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal %s result: %w", t.name, err)
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: string(text),
			},
		},
		StructuredContent: payload,
	}, nil
}

// ReleaseSession implements mcp.SessionReleaser by closing the documents the session still owns.
func (s *Server) ReleaseSession(ctx context.Context, sessionID string) {
	s.mu.Lock()
	owned := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	for id := range owned {
		if err := s.store.Close(ctx, id); err != nil && !errkind.Is(err, errkind.NotFound) {
			s.logger.Warn("failed to close released document",
				slog.String("session", sessionID),
				slog.String("document", id),
				slog.String("err", err.Error()))
		}
	}
	if len(owned) > 0 {
		s.logger.Debug("session released",
			slog.String("session", sessionID),
			slog.Int("documents", len(owned)))
	}
}

// Owner returns the session owning a document, or false for documents opened outside a session.
func (s *Server) Owner(documentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[documentID]
	return owner, ok
}

func (s *Server) own(sessionID, documentID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[documentID] = sessionID
	docs, ok := s.sessions[sessionID]
	if !ok {
		docs = make(map[string]struct{})
		s.sessions[sessionID] = docs
	}
	docs[documentID] = struct{}{}
}

// documentClosed runs inside the store's critical section of the closed document.
// The document is already gone from the store, so the purge runs even when ctx is cancelled.
func (s *Server) documentClosed(ctx context.Context, id string) {
	if err := s.index.Purge(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("failed to purge symbols", slog.String("document", id), slog.String("err", err.Error()))
	}
	if s.watcher != nil {
		s.watcher.Unwatch(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[id]
	if !ok {
		return
	}
	delete(s.owners, id)
	if docs := s.sessions[owner]; docs != nil {
		delete(docs, id)
	}
}
