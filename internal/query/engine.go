// Package query compiles and executes tree-sitter structural queries against document snapshots.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
	"github.com/MegaGrindStone/cppmcp/internal/telemetry"
)

// CompiledQuery is an immutable compiled pattern. It may be executed concurrently.
type CompiledQuery struct {
	// Name is empty for ad-hoc queries.
	Name     string
	Source   string
	Captures []string

	q *sitter.Query
}

// Capture is one named node produced by executing a query.
type Capture struct {
	Name       string           `json:"name"`
	Ref        document.NodeRef `json:"node"`
	Kind       string           `json:"kind"`
	Text       string           `json:"text"`
	Range      document.Range   `json:"range"`
	StartPoint document.Point   `json:"start_point"`
	EndPoint   document.Point   `json:"end_point"`
	Pattern    int              `json:"pattern"`
	Match      int              `json:"match"`

	// Node is only valid while the snapshot it came from is reachable.
	Node *sitter.Node `json:"-"`
}

// Match groups the captures of one pattern match.
type Match struct {
	Pattern  int
	Captures []Capture
}

// Capture returns the first capture named name.
func (m Match) Capture(name string) (Capture, bool) {
	for _, c := range m.Captures {
		if c.Name == name {
			return c, true
		}
	}
	return Capture{}, false
}

// Engine owns the compiled predefined queries.
type Engine struct {
	language   *sitter.Language
	predefined map[string]*CompiledQuery
	enabled    []string
	logger     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger of the engine.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine compiles the enabled predefined queries. An empty enabled list enables all of them. A
// predefined query that fails to compile is a startup error.
func NewEngine(enabled []string, options ...EngineOption) (*Engine, error) {
	lang, ok := document.Language(document.GrammarCPP)
	if !ok {
		return nil, fmt.Errorf("grammar %s is not available", document.GrammarCPP)
	}
	e := &Engine{
		language:   lang,
		predefined: make(map[string]*CompiledQuery),
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "query-engine"))

	if len(enabled) == 0 {
		enabled = AllPredefined
	}
	for _, name := range enabled {
		src, ok := predefinedSources[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
		}
		if _, dup := e.predefined[name]; dup {
			continue
		}
		q, err := e.Compile(name, src)
		if err != nil {
			return nil, fmt.Errorf("failed to compile predefined query %s: %w", name, err)
		}
		e.predefined[name] = q
		e.enabled = append(e.enabled, name)
	}
	e.logger.Debug("predefined queries compiled", slog.Any("queries", e.enabled))
	return e, nil
}

// Enabled returns the names of the compiled predefined queries in compile order.
func (e *Engine) Enabled() []string { return slices.Clone(e.enabled) }

// Has reports whether the predefined query name is enabled.
func (e *Engine) Has(name string) bool {
	_, ok := e.predefined[name]
	return ok
}

// Predefined returns an enabled predefined query.
func (e *Engine) Predefined(name string) (*CompiledQuery, error) {
	q, ok := e.predefined[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
	return q, nil
}

// Compile compiles source. Malformed text fails with ErrSyntax and never yields a query.
func (e *Engine) Compile(name, source string) (*CompiledQuery, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptyQuery
	}
	q, err := sitter.NewQuery([]byte(source), e.language)
	if err != nil {
		var qe *sitter.QueryError
		if errors.As(err, &qe) {
			return nil, fmt.Errorf("%w: %s error at offset %d", ErrSyntax, errorType(qe.Type), qe.Offset)
		}
		return nil, fmt.Errorf("%w: %s", ErrSyntax, err.Error())
	}

	count := int(q.CaptureCount())
	captures := make([]string, count)
	for i := range count {
		captures[i] = q.CaptureNameForId(uint32(i))
	}
	return &CompiledQuery{Name: name, Source: source, Captures: captures, q: q}, nil
}

// Matches runs q against snap and returns its matches in document order, after predicates.
func (e *Engine) Matches(ctx context.Context, q *CompiledQuery, snap *document.Snapshot) ([]Match, error) {
	if err := errkind.Checkpoint(ctx, "execute query"); err != nil {
		return nil, err
	}
	start := time.Now()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(q.q, snap.Root())

	var (
		matches []Match
		total   int
	)
	for {
		m, ok := cursor.NextMatch()
		if !ok {
			break
		}
		m = cursor.FilterPredicates(m, snap.Content)
		if len(m.Captures) == 0 {
			continue
		}
		match := Match{Pattern: int(m.PatternIndex), Captures: make([]Capture, 0, len(m.Captures))}
		for _, c := range m.Captures {
			match.Captures = append(match.Captures, newCapture(snap, q.q.CaptureNameForId(c.Index), c.Node, match.Pattern, len(matches)))
		}
		total += len(match.Captures)
		matches = append(matches, match)
	}

	telemetry.RecordQuery(ctx, q.Name, time.Since(start), total)
	return matches, nil
}

// Execute runs q against snap and returns the captures ordered by match, then by capture order
// within the match.
func (e *Engine) Execute(ctx context.Context, q *CompiledQuery, snap *document.Snapshot) ([]Capture, error) {
	matches, err := e.Matches(ctx, q, snap)
	if err != nil {
		return nil, err
	}
	var captures []Capture
	for _, m := range matches {
		captures = append(captures, m.Captures...)
	}
	return captures, nil
}

func newCapture(snap *document.Snapshot, name string, n *sitter.Node, pattern, match int) Capture {
	ref, _ := snap.Ref(n)
	return Capture{
		Name:       name,
		Ref:        ref,
		Kind:       n.Type(),
		Text:       snap.NodeText(n),
		Range:      document.Range{Start: n.StartByte(), End: n.EndByte()},
		StartPoint: document.Point{Row: n.StartPoint().Row, Column: n.StartPoint().Column},
		EndPoint:   document.Point{Row: n.EndPoint().Row, Column: n.EndPoint().Column},
		Pattern:    pattern,
		Match:      match,
		Node:       n,
	}
}

func errorType(t sitter.QueryErrorType) string {
	switch t {
	case sitter.QueryErrorSyntax:
		return "syntax"
	case sitter.QueryErrorNodeType:
		return "node type"
	case sitter.QueryErrorField:
		return "field"
	case sitter.QueryErrorCapture:
		return "capture"
	case sitter.QueryErrorStructure:
		return "structure"
	case sitter.QueryErrorLanguage:
		return "language"
	default:
		return "query"
	}
}
