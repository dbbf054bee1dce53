// Package document owns the source buffers of open documents and the syntax trees parsed from them.
//
// A Store hands out immutable Snapshots. Every edit produces a new snapshot with a bumped version
// and generation; node references carry the generation they were issued for, so references into a
// superseded tree are rejected instead of dereferenced. Mutations of one document are serialized by
// that document's lock, which also excludes readers for the duration of the mutation; different
// documents never contend.
package document

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/MegaGrindStone/cppmcp/internal/errkind"
	"github.com/MegaGrindStone/cppmcp/internal/telemetry"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// ReparseHook runs inside a document's critical section after a successful parse and before the new
// snapshot is published. Returning an error aborts the mutation.
type ReparseHook func(ctx context.Context, snap *Snapshot) error

// CloseHook runs inside a document's critical section when it is closed.
type CloseHook func(ctx context.Context, id string)

// ParseFailureFunc is notified of parse failures.
type ParseFailureFunc func(id, path string, err error)

// Store is the process-wide registry of open documents.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*entry

	language *sitter.Language
	parsers  sync.Pool
	maxBytes int

	onReparse      ReparseHook
	onClose        CloseHook
	onParseFailure ParseFailureFunc

	logger *slog.Logger
}

type entry struct {
	mu     sync.RWMutex
	snap   *Snapshot
	closed bool
}

// DefaultMaxDocumentBytes bounds a single document buffer when no limit is configured.
const DefaultMaxDocumentBytes = 8 << 20

// NewStore creates an empty store for the C++ grammar.
func NewStore(options ...StoreOption) *Store {
	lang, _ := Language(GrammarCPP)
	s := &Store{
		docs:     make(map[string]*entry),
		language: lang,
		maxBytes: DefaultMaxDocumentBytes,
		logger:   slog.Default(),
	}
	s.parsers.New = func() any {
		p := sitter.NewParser()
		p.SetLanguage(s.language)
		return p
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithMaxDocumentBytes bounds the size of a single document buffer.
func WithMaxDocumentBytes(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithReparseHook registers the hook run on every successful parse.
func WithReparseHook(hook ReparseHook) StoreOption {
	return func(s *Store) {
		s.onReparse = hook
	}
}

// WithCloseHook registers the hook run when a document is closed.
func WithCloseHook(hook CloseHook) StoreOption {
	return func(s *Store) {
		s.onClose = hook
	}
}

// WithParseFailureFunc registers the parse failure callback.
func WithParseFailureFunc(fn ParseFailureFunc) StoreOption {
	return func(s *Store) {
		s.onParseFailure = fn
	}
}

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger.With(slog.String("component", "document-store"))
	}
}

// Open parses content and registers it as a new document. Every call yields a fresh id, even for a
// path that is already open.
func (s *Store) Open(ctx context.Context, path string, content []byte) (*Snapshot, error) {
	if err := s.checkContent(content); err != nil {
		s.parseFailed("", path, err)
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	content = slices.Clone(content)

	tree, err := s.parse(ctx, nil, nil, content)
	if err != nil {
		s.parseFailed("", path, err)
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	snap := newSnapshot(uuid.New().String(), path, 1, 1, content, tree)
	e := &entry{snap: snap}

	// The entry is locked before it becomes visible so no reader observes a document whose symbols
	// are not built yet.
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	s.docs[snap.ID] = e
	s.mu.Unlock()

	if s.onReparse != nil {
		if err := s.onReparse(ctx, snap); err != nil {
			e.closed = true
			s.mu.Lock()
			delete(s.docs, snap.ID)
			s.mu.Unlock()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}

	s.logger.Debug("document opened",
		slog.String("id", snap.ID),
		slog.String("path", path),
		slog.Int("bytes", len(content)),
		slog.Bool("hasErrors", snap.HasErrors))

	return snap, nil
}

// Edit replaces the bytes in r with text and reparses incrementally. The range must satisfy
// Start <= End <= len(content).
func (s *Store) Edit(ctx context.Context, id string, r Range, text string) (*Snapshot, error) {
	return s.mutate(ctx, id, func(old *Snapshot) (*Snapshot, error) {
		return s.applyEdit(ctx, old, r, text)
	})
}

// Replace syncs a document to content, expressed as the single smallest edit covering the change.
// It returns the current snapshot unchanged when the content is identical.
func (s *Store) Replace(ctx context.Context, id string, content []byte) (*Snapshot, error) {
	return s.mutate(ctx, id, func(old *Snapshot) (*Snapshot, error) {
		if err := s.checkContent(content); err != nil {
			return nil, err
		}
		r, text, changed := diffEdit(old.Content, content)
		if !changed {
			return old, nil
		}
		return s.applyEdit(ctx, old, r, text)
	})
}

func (s *Store) applyEdit(ctx context.Context, old *Snapshot, r Range, text string) (*Snapshot, error) {
	size := uint32(len(old.Content))
	if r.Start > r.End || r.End > size {
		return nil, fmt.Errorf("%w: [%d,%d) in %d bytes", ErrInvalidRange, r.Start, r.End, size)
	}
	content := make([]byte, 0, len(old.Content)-int(r.Len())+len(text))
	content = append(content, old.Content[:r.Start]...)
	content = append(content, text...)
	content = append(content, old.Content[r.End:]...)
	if err := s.checkContent(content); err != nil {
		return nil, err
	}

	input := editInput(old, content, r, uint32(len(text)))
	tree, err := s.parse(ctx, old.tree, &input, content)
	if err != nil {
		return nil, err
	}
	return newSnapshot(old.ID, old.Path, old.Version+1, old.Generation+1, content, tree), nil
}

// Reparse discards the incremental state of a document and parses its content from scratch. The
// version is unchanged; the generation is bumped.
func (s *Store) Reparse(ctx context.Context, id string) (*Snapshot, error) {
	return s.mutate(ctx, id, func(old *Snapshot) (*Snapshot, error) {
		tree, err := s.parse(ctx, nil, nil, old.Content)
		if err != nil {
			return nil, err
		}
		return newSnapshot(old.ID, old.Path, old.Version, old.Generation+1, old.Content, tree), nil
	})
}

// Get returns the current snapshot of a document.
func (s *Store) Get(id string) (*Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.snap, nil
}

// View runs fn with the current snapshot while holding the document's read lock, so no mutation of
// the document can interleave with fn.
func (s *Store) View(id string, fn func(*Snapshot) error) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fn(e.snap)
}

// Resolve dereferences a node reference against the document's current generation.
func (s *Store) Resolve(ref NodeRef) (*Snapshot, Node, error) {
	snap, err := s.Get(ref.DocumentID)
	if err != nil {
		return nil, Node{}, err
	}
	n, err := snap.Node(ref)
	if err != nil {
		return nil, Node{}, err
	}
	return snap, n, nil
}

// Close removes a document. Its references become invalid and the close hook purges derived state.
func (s *Store) Close(ctx context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.closed = true

	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(ctx, id)
	}
	s.logger.Debug("document closed", slog.String("id", id))
	return nil
}

// List returns the current snapshots of all open documents ordered by path, then id.
func (s *Store) List() []*Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.docs))
	for _, e := range s.docs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	snaps := make([]*Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if !e.closed {
			snaps = append(snaps, e.snap)
		}
		e.mu.RUnlock()
	}
	slices.SortFunc(snaps, func(a, b *Snapshot) int {
		if a.Path != b.Path {
			if a.Path < b.Path {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return snaps
}

// IDs returns the ids of all open documents in List order.
func (s *Store) IDs() []string {
	snaps := s.List()
	ids := make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.ID
	}
	return ids
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// mutate runs fn under the document's write lock. fn returning its argument means no change.
func (s *Store) mutate(ctx context.Context, id string, fn func(*Snapshot) (*Snapshot, error)) (*Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next, err := fn(e.snap)
	if err != nil {
		if errkind.Is(err, errkind.Parse) {
			s.parseFailed(id, e.snap.Path, err)
		}
		return nil, fmt.Errorf("edit %s: %w", id, err)
	}
	if next == e.snap {
		return next, nil
	}
	if s.onReparse != nil {
		if err := s.onReparse(ctx, next); err != nil {
			return nil, fmt.Errorf("edit %s: %w", id, err)
		}
	}
	e.snap = next
	return next, nil
}

func (s *Store) checkContent(content []byte) error {
	if len(content) > s.maxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrResourceExhausted, len(content), s.maxBytes)
	}
	if !utf8.Valid(content) {
		return ErrInvalidContent
	}
	return nil
}

// parse runs the parser, reusing old when an edit description is given. A failed or inconsistent
// incremental parse falls back to a full parse of content.
func (s *Store) parse(ctx context.Context, old *sitter.Tree, edit *sitter.EditInput, content []byte) (*sitter.Tree, error) {
	start := time.Now()
	p, _ := s.parsers.Get().(*sitter.Parser)
	defer s.parsers.Put(p)

	incremental := old != nil && edit != nil
	var base *sitter.Tree
	if incremental {
		// Published snapshots share their tree with readers, so the edit is applied to a copy.
		base = old.Copy()
		base.Edit(*edit)
	}

	tree, err := p.ParseCtx(ctx, base, content)
	if incremental && (err != nil || tree == nil || tree.RootNode().EndByte() > uint32(len(content))) {
		if ctx.Err() == nil {
			s.logger.Debug("incremental parse inconsistent, reparsing from scratch")
			p.Reset()
			tree, err = p.ParseCtx(ctx, nil, content)
			incremental = false
		}
	}
	if err != nil || tree == nil {
		p.Reset()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errkind.Canceled("parse", ctxErr)
		}
		if err == nil {
			err = ErrParseFailed
		}
		return nil, errkind.Wrap(errkind.Parse, "parse", err)
	}

	telemetry.RecordParse(ctx, time.Since(start), len(content), incremental)
	return tree, nil
}

func (s *Store) parseFailed(id, path string, err error) {
	s.logger.Warn("parse failed", slog.String("id", id), slog.String("path", path), slog.String("err", err.Error()))
	if s.onParseFailure != nil {
		s.onParseFailure(id, path, err)
	}
}
