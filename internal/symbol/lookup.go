package symbol

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const symbolSelect = `SELECT s.document_id, s.ordinal, s.path, s.name, s.qualified_name, s.kind, s.detail,
  s.start_byte, s.end_byte, s.start_line, s.start_col, s.end_line, s.end_col, s.parent_ordinal,
  COALESCE(p.name, '')
FROM symbols s
LEFT JOIN symbols p ON p.document_id = s.document_id AND p.ordinal = s.parent_ordinal`

type scanner interface {
	Scan(dest ...any) error
}

func scanSymbol(row scanner) (Symbol, error) {
	var (
		s      Symbol
		kind   string
		parent sql.NullInt64
	)
	err := row.Scan(&s.DocumentID, &s.ordinal, &s.Path, &s.Name, &s.QualifiedName, &kind, &s.Detail,
		&s.Range.Start, &s.Range.End, &s.Start.Row, &s.Start.Column, &s.End.Row, &s.End.Column,
		&parent, &s.Parent)
	if err != nil {
		return Symbol{}, err
	}
	s.Kind = Kind(kind)
	s.ID = symbolID(s.DocumentID, s.ordinal)
	s.parent = -1
	if parent.Valid {
		s.parent = int(parent.Int64)
		s.ParentID = symbolID(s.DocumentID, s.parent)
	}
	return s, nil
}

func (x *Index) querySymbols(ctx context.Context, q string, args ...any) ([]Symbol, error) {
	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()
	var syms []Symbol
	for rows.Next() {
		s, err := scanSymbol(rows)
		if err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		syms = append(syms, s)
	}
	return syms, rows.Err()
}

// Symbols returns the symbols matching f ordered by path, document and position.
func (x *Index) Symbols(ctx context.Context, f Filter) ([]Symbol, error) {
	var (
		where []string
		args  []any
	)
	if len(f.DocumentIDs) > 0 {
		where = append(where, inClause("s.document_id", len(f.DocumentIDs)))
		for _, id := range f.DocumentIDs {
			args = append(args, id)
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, inClause("s.kind", len(f.Kinds)))
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if f.Name != "" {
		where = append(where, "(s.name = ? OR s.qualified_name = ?)")
		args = append(args, f.Name, f.Name)
	}
	if f.ParentID != "" {
		doc, ordinal, ok := parseSymbolID(f.ParentID)
		if !ok {
			return nil, nil
		}
		where = append(where, "s.document_id = ? AND s.parent_ordinal = ?")
		args = append(args, doc, ordinal)
	}

	q := symbolSelect
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY s.path, s.document_id, s.ordinal"
	return x.querySymbols(ctx, q, args...)
}

// Lookup returns the symbols whose name or qualified name is exactly name, across documents.
func (x *Index) Lookup(ctx context.Context, name string, kinds ...Kind) ([]Symbol, error) {
	if name == "" {
		return nil, nil
	}
	return x.Symbols(ctx, Filter{Name: name, Kinds: kinds})
}

// Get returns a symbol by id.
func (x *Index) Get(ctx context.Context, id string) (Symbol, error) {
	doc, ordinal, ok := parseSymbolID(id)
	if !ok {
		return Symbol{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s, err := scanSymbol(x.db.QueryRowContext(ctx,
		symbolSelect+"\nWHERE s.document_id = ? AND s.ordinal = ?", doc, ordinal))
	if errors.Is(err, sql.ErrNoRows) {
		return Symbol{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Symbol{}, fmt.Errorf("get symbol: %w", err)
	}
	return s, nil
}

// LookupByRange returns the innermost symbol of a document whose range contains offset: among all
// containing symbols, the one with the smallest range.
func (x *Index) LookupByRange(ctx context.Context, documentID string, offset uint32) (Symbol, error) {
	s, err := scanSymbol(x.db.QueryRowContext(ctx, symbolSelect+`
WHERE s.document_id = ? AND s.start_byte <= ?
  AND (s.end_byte > ? OR (s.start_byte = s.end_byte AND s.start_byte = ?))
ORDER BY s.end_byte - s.start_byte, s.ordinal DESC
LIMIT 1`, documentID, offset, offset, offset))
	if errors.Is(err, sql.ErrNoRows) {
		return Symbol{}, fmt.Errorf("%w: no symbol at offset %d", ErrNotFound, offset)
	}
	if err != nil {
		return Symbol{}, fmt.Errorf("lookup by range: %w", err)
	}
	return s, nil
}

// Counts returns the number of symbols of a document per kind.
func (x *Index) Counts(ctx context.Context, documentID string) (map[Kind]int, error) {
	rows, err := x.db.QueryContext(ctx,
		"SELECT kind, COUNT(*) FROM symbols WHERE document_id = ? GROUP BY kind", documentID)
	if err != nil {
		return nil, fmt.Errorf("count symbols: %w", err)
	}
	defer rows.Close()
	counts := make(map[Kind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Kind(kind)] = n
	}
	return counts, rows.Err()
}

// Bases returns the base classes declared in the given documents, or in all documents when none
// are given.
func (x *Index) Bases(ctx context.Context, documentIDs []string) ([]Base, error) {
	q := `SELECT b.document_id, b.class_ordinal, s.qualified_name, s.path, b.name, b.access, b.is_virtual
FROM bases b
JOIN symbols s ON s.document_id = b.document_id AND s.ordinal = b.class_ordinal`
	var args []any
	if len(documentIDs) > 0 {
		q += "\nWHERE " + inClause("b.document_id", len(documentIDs))
		for _, id := range documentIDs {
			args = append(args, id)
		}
	}
	q += "\nORDER BY s.path, b.document_id, b.position"

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bases: %w", err)
	}
	defer rows.Close()
	var bases []Base
	for rows.Next() {
		var (
			b       Base
			ordinal int
		)
		if err := rows.Scan(&b.DocumentID, &ordinal, &b.Class, &b.Path, &b.Name, &b.Access, &b.Virtual); err != nil {
			return nil, fmt.Errorf("scan base: %w", err)
		}
		b.ClassID = symbolID(b.DocumentID, ordinal)
		bases = append(bases, b)
	}
	return bases, rows.Err()
}

// CallFilter selects call sites. Zero fields match everything.
type CallFilter struct {
	DocumentIDs []string
	Callee      string
	CallerID    string
}

// CallSites returns the call expressions matching f in document order.
func (x *Index) CallSites(ctx context.Context, f CallFilter) ([]CallSite, error) {
	q := `SELECT c.document_id, c.path, c.callee, c.text, c.caller_ordinal, COALESCE(p.qualified_name, ''),
  c.start_byte, c.end_byte, c.start_line, c.start_col
FROM calls c
LEFT JOIN symbols p ON p.document_id = c.document_id AND p.ordinal = c.caller_ordinal`
	var (
		where []string
		args  []any
	)
	if len(f.DocumentIDs) > 0 {
		where = append(where, inClause("c.document_id", len(f.DocumentIDs)))
		for _, id := range f.DocumentIDs {
			args = append(args, id)
		}
	}
	if f.Callee != "" {
		where = append(where, "c.callee = ?")
		args = append(args, f.Callee)
	}
	if f.CallerID != "" {
		doc, ordinal, ok := parseSymbolID(f.CallerID)
		if !ok {
			return nil, nil
		}
		where = append(where, "c.document_id = ? AND c.caller_ordinal = ?")
		args = append(args, doc, ordinal)
	}
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY c.path, c.document_id, c.position"

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()
	var calls []CallSite
	for rows.Next() {
		var (
			c      CallSite
			caller sql.NullInt64
		)
		if err := rows.Scan(&c.DocumentID, &c.Path, &c.Callee, &c.Text, &caller, &c.Caller,
			&c.Range.Start, &c.Range.End, &c.Start.Row, &c.Start.Column); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		c.callerOrdinal = -1
		if caller.Valid {
			c.callerOrdinal = int(caller.Int64)
			c.CallerID = symbolID(c.DocumentID, c.callerOrdinal)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CallGraph returns the edges from functions of the given documents (all documents when none are
// given) to every function symbol, in any open document, whose name equals the callee name. The
// match is textual: overloads and shadowed names produce edges that a type-aware resolver would
// not.
func (x *Index) CallGraph(ctx context.Context, documentIDs []string) ([]Edge, error) {
	q := `SELECT c.document_id, c.caller_ordinal, caller.qualified_name,
  callee.document_id, callee.ordinal, callee.qualified_name, c.start_line, c.start_col
FROM calls c
JOIN symbols caller ON caller.document_id = c.document_id AND caller.ordinal = c.caller_ordinal
JOIN symbols callee ON callee.kind = 'function' AND callee.name = c.callee`
	var args []any
	if len(documentIDs) > 0 {
		q += "\nWHERE " + inClause("c.document_id", len(documentIDs))
		for _, id := range documentIDs {
			args = append(args, id)
		}
	}
	q += "\nORDER BY c.path, c.document_id, c.position, callee.path, callee.document_id, callee.ordinal"

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query call graph: %w", err)
	}
	defer rows.Close()
	var edges []Edge
	for rows.Next() {
		var (
			e                    Edge
			callerOrd, calleeOrd int
			calleeDoc            string
		)
		if err := rows.Scan(&e.DocumentID, &callerOrd, &e.Caller, &calleeDoc, &calleeOrd, &e.Callee,
			&e.Start.Row, &e.Start.Column); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.CallerID = symbolID(e.DocumentID, callerOrd)
		e.CalleeID = symbolID(calleeDoc, calleeOrd)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func inClause(column string, n int) string {
	return column + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}
