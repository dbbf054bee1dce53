package cppast

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
	"github.com/MegaGrindStone/cppmcp/internal/symbol"
)

// FindSymbolsArgs is an argument struct for the find_* tools.
type FindSymbolsArgs struct {
	DocumentID stringList `json:"document_id"`
	Name       string     `json:"name"`
}

// FindCallsArgs is an argument struct for the find_calls tool.
type FindCallsArgs struct {
	DocumentID stringList `json:"document_id"`
	Callee     string     `json:"callee"`
}

// LookupSymbolArgs is an argument struct for the lookup_symbol tool.
type LookupSymbolArgs struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// SymbolAtArgs is an argument struct for the symbol_at tool.
type SymbolAtArgs struct {
	DocumentID string `json:"document_id"`
	Offset     int64  `json:"offset"`
}

// FindReferencesArgs is an argument struct for the find_references tool.
type FindReferencesArgs struct {
	Name       string     `json:"name"`
	DocumentID stringList `json:"document_id"`
}

// SymbolContextArgs is an argument struct for the get_symbol_context tool.
type SymbolContextArgs struct {
	Name         string     `json:"name"`
	DocumentID   stringList `json:"document_id"`
	ContextLines *int64     `json:"context_lines"`
}

// SymbolsResult is the result of the symbol listing tools.
type SymbolsResult struct {
	Symbols []symbol.Symbol `json:"symbols"`
	Count   int             `json:"count"`
}

// CallsResult is the result of the find_calls tool.
type CallsResult struct {
	Calls []symbol.CallSite `json:"calls"`
	Count int               `json:"count"`
}

func flatten[T any](parts [][]T) []T {
	out := []T{}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// findSymbols returns a handler listing the symbols of the given kinds, one document at a time.
func (s *Server) findSymbols(kinds ...symbol.Kind) handlerFunc {
	return func(ctx context.Context, c call) (any, error) {
		var args FindSymbolsArgs
		if err := c.decode(&args); err != nil {
			return nil, err
		}
		ids, err := s.documents(args.DocumentID)
		if err != nil {
			return nil, err
		}
		parts, err := eachDocument(ctx, s, c, ids, func(ctx context.Context, snap *document.Snapshot) ([]symbol.Symbol, error) {
			return s.index.Symbols(ctx, symbol.Filter{
				DocumentIDs: []string{snap.ID},
				Kinds:       kinds,
				Name:        args.Name,
			})
		})
		if err != nil {
			return nil, err
		}
		syms := flatten(parts)
		return SymbolsResult{Symbols: syms, Count: len(syms)}, nil
	}
}

func (s *Server) findCalls(ctx context.Context, c call) (any, error) {
	var args FindCallsArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	ids, err := s.documents(args.DocumentID)
	if err != nil {
		return nil, err
	}
	parts, err := eachDocument(ctx, s, c, ids, func(ctx context.Context, snap *document.Snapshot) ([]symbol.CallSite, error) {
		return s.index.CallSites(ctx, symbol.CallFilter{
			DocumentIDs: []string{snap.ID},
			Callee:      args.Callee,
		})
	})
	if err != nil {
		return nil, err
	}
	calls := flatten(parts)
	return CallsResult{Calls: calls, Count: len(calls)}, nil
}

func (s *Server) lookupSymbol(ctx context.Context, c call) (any, error) {
	var args LookupSymbolArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	var kinds []symbol.Kind
	if args.Kind != "" {
		kinds = append(kinds, symbol.Kind(args.Kind))
	}
	syms, err := s.index.Lookup(ctx, args.Name, kinds...)
	if err != nil {
		return nil, err
	}
	if syms == nil {
		syms = []symbol.Symbol{}
	}
	return SymbolsResult{Symbols: syms, Count: len(syms)}, nil
}

// SymbolAtResult is the result of the symbol_at tool.
type SymbolAtResult struct {
	Symbol symbol.Symbol    `json:"symbol"`
	Node   document.NodeRef `json:"node"`
	Kind   string           `json:"node_kind"`
}

func (s *Server) symbolAt(ctx context.Context, c call) (any, error) {
	var args SymbolAtArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}

	var res SymbolAtResult
	err := s.store.View(args.DocumentID, func(snap *document.Snapshot) error {
		if args.Offset < 0 || args.Offset > int64(len(snap.Content)) {
			return fmt.Errorf("%w: offset %d outside [0, %d]", document.ErrInvalidRange, args.Offset, len(snap.Content))
		}
		offset := uint32(args.Offset)
		sym, err := s.index.LookupByRange(ctx, snap.ID, offset)
		if err != nil {
			return err
		}
		res.Symbol = sym
		p := snap.Position(offset)
		pt := sitter.Point{Row: p.Row, Column: p.Column}
		if n := snap.Root().NamedDescendantForPointRange(pt, pt); n != nil {
			res.Node, _ = snap.Ref(n)
			res.Kind = n.Type()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// referenceQuery matches every identifier-like node spelled name.
func referenceQuery(name string) string {
	var b strings.Builder
	for _, kind := range []string{"identifier", "field_identifier", "type_identifier", "namespace_identifier"} {
		fmt.Fprintf(&b, "((%s) @ref (#eq? @ref %q))\n", kind, name)
	}
	return b.String()
}

// Reference is one occurrence of a name.
type Reference struct {
	DocumentID string         `json:"document_id"`
	Path       string         `json:"path"`
	Kind       string         `json:"kind"`
	Context    string         `json:"context,omitempty"`
	Range      document.Range `json:"range"`
	Start      document.Point `json:"start"`
	Line       string         `json:"line"`
	Enclosing  string         `json:"enclosing,omitempty"`
}

// ReferencesResult is the result of the find_references tool.
type ReferencesResult struct {
	Name       string      `json:"name"`
	References []Reference `json:"references"`
	Count      int         `json:"count"`
}

func (s *Server) findReferences(ctx context.Context, c call) (any, error) {
	var args FindReferencesArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	name := args.Name
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	if !identifierPattern.MatchString(name) {
		return nil, errkind.Errorf(errkind.InvalidArgs, "%q is not an identifier", args.Name)
	}
	q, err := s.engine.Compile("references", referenceQuery(name))
	if err != nil {
		return nil, err
	}
	ids, err := s.documents(args.DocumentID)
	if err != nil {
		return nil, err
	}

	parts, err := eachDocument(ctx, s, c, ids, func(ctx context.Context, snap *document.Snapshot) ([]Reference, error) {
		captures, err := s.engine.Execute(ctx, q, snap)
		if err != nil {
			return nil, err
		}
		refs := make([]Reference, 0, len(captures))
		for _, capture := range captures {
			ref := Reference{
				DocumentID: snap.ID,
				Path:       snap.Path,
				Kind:       capture.Kind,
				Range:      capture.Range,
				Start:      capture.StartPoint,
				Line:       strings.TrimSpace(snap.Line(capture.StartPoint.Row)),
			}
			if parent := capture.Node.Parent(); parent != nil {
				ref.Context = parent.Type()
			}
			if sym, err := s.index.LookupByRange(ctx, snap.ID, capture.Range.Start); err == nil {
				ref.Enclosing = sym.QualifiedName
			}
			refs = append(refs, ref)
		}
		return refs, nil
	})
	if err != nil {
		return nil, err
	}
	refs := flatten(parts)
	return ReferencesResult{Name: args.Name, References: refs, Count: len(refs)}, nil
}

// DefaultContextLines is the number of lines shown around a symbol when none is requested.
const DefaultContextLines = 3

const maxContextLines = 100

// SymbolContext describes one definition of a symbol with its surroundings.
type SymbolContext struct {
	Symbol  symbol.Symbol     `json:"symbol"`
	Source  string            `json:"source"`
	Before  []string          `json:"before"`
	After   []string          `json:"after"`
	Members []symbol.Symbol   `json:"members"`
	Calls   []symbol.CallSite `json:"calls"`
	// Callees are the function definitions the calls resolve to by name.
	Callees []symbol.Edge     `json:"callees"`
	Callers []symbol.CallSite `json:"callers"`
}

// SymbolContextResult is the result of the get_symbol_context tool.
type SymbolContextResult struct {
	Name        string          `json:"name"`
	Definitions []SymbolContext `json:"definitions"`
}

func (s *Server) symbolContext(ctx context.Context, c call) (any, error) {
	var args SymbolContextArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	lines := int64(DefaultContextLines)
	if args.ContextLines != nil {
		lines = *args.ContextLines
	}
	if lines < 0 || lines > maxContextLines {
		return nil, errkind.Errorf(errkind.InvalidArgs, "context_lines must be between 0 and %d", maxContextLines)
	}
	ids, err := s.documents(args.DocumentID)
	if err != nil {
		return nil, err
	}

	syms, err := s.index.Symbols(ctx, symbol.Filter{
		DocumentIDs: ids,
		Name:        args.Name,
		Kinds:       []symbol.Kind{symbol.KindFunction, symbol.KindClass, symbol.KindStruct, symbol.KindVariable, symbol.KindMacro},
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 || len(syms) == 0 {
		return nil, fmt.Errorf("%w: %s", symbol.ErrNotFound, args.Name)
	}

	res := SymbolContextResult{Name: args.Name, Definitions: make([]SymbolContext, 0, len(syms))}
	for _, sym := range syms {
		sc := SymbolContext{Symbol: sym}
		err := s.store.View(sym.DocumentID, func(snap *document.Snapshot) error {
			sc.Source = snap.Text(sym.Range)
			sc.Before, sc.After = surroundingLines(snap, sym, int(lines))
			return nil
		})
		if err != nil {
			return nil, err
		}
		if sc.Members, err = s.index.Symbols(ctx, symbol.Filter{ParentID: sym.ID}); err != nil {
			return nil, err
		}
		if sc.Calls, err = s.index.CallSites(ctx, symbol.CallFilter{CallerID: sym.ID}); err != nil {
			return nil, err
		}
		if sym.Kind == symbol.KindFunction {
			if sc.Callers, err = s.index.CallSites(ctx, symbol.CallFilter{Callee: sym.Name}); err != nil {
				return nil, err
			}
			edges, err := s.index.CallGraph(ctx, []string{sym.DocumentID})
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if e.CallerID == sym.ID {
					sc.Callees = append(sc.Callees, e)
				}
			}
		}
		sc.Members = nonNil(sc.Members)
		sc.Calls = nonNil(sc.Calls)
		sc.Callees = nonNil(sc.Callees)
		sc.Callers = nonNil(sc.Callers)
		res.Definitions = append(res.Definitions, sc)
	}
	return res, nil
}

func surroundingLines(snap *document.Snapshot, sym symbol.Symbol, n int) ([]string, []string) {
	before := []string{}
	for row := max(int(sym.Start.Row)-n, 0); row < int(sym.Start.Row); row++ {
		before = append(before, snap.Line(uint32(row)))
	}
	after := []string{}
	last := min(int(sym.End.Row)+n, snap.LineCount()-1)
	for row := int(sym.End.Row) + 1; row <= last; row++ {
		after = append(after, snap.Line(uint32(row)))
	}
	return before, after
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return slices.Clip(s)
}
