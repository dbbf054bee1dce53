package symbol_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/query"
	"github.com/MegaGrindStone/cppmcp/internal/symbol"
)

type fixture struct {
	store *document.Store
	index *symbol.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := query.NewEngine(nil)
	require.NoError(t, err)
	index, err := symbol.New(engine)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	store := document.NewStore(
		document.WithReparseHook(index.Build),
		document.WithCloseHook(func(ctx context.Context, id string) {
			assert.NoError(t, index.Purge(ctx, id))
		}),
	)
	return &fixture{store: store, index: index}
}

func (f *fixture) open(t *testing.T, path, src string) *document.Snapshot {
	t.Helper()
	snap, err := f.store.Open(context.Background(), path, []byte(src))
	require.NoError(t, err)
	return snap
}

func names(syms []symbol.Symbol) []string {
	out := make([]string, 0, len(syms))
	for _, s := range syms {
		out = append(out, s.Name)
	}
	return out
}

func TestFunctionRangeStartsAtDeclarator(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, "a.cpp", "void f(){}")

	syms, err := f.index.Symbols(context.Background(), symbol.Filter{
		DocumentIDs: []string{snap.ID},
		Kinds:       []symbol.Kind{symbol.KindFunction},
	})
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "f", syms[0].Name)
	assert.Equal(t, symbol.KindFunction, syms[0].Kind)
	assert.Equal(t, "f(){}", snap.Text(syms[0].Range))
	assert.Equal(t, document.Point{Row: 0, Column: 5}, syms[0].Start)
	assert.Empty(t, syms[0].ParentID)
}

func TestMethodParentIsClass(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, "b.cpp", "class A{ void m(){} };")
	ctx := context.Background()

	classes, err := f.index.Symbols(ctx, symbol.Filter{Kinds: []symbol.Kind{symbol.KindClass, symbol.KindStruct}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, names(classes))

	fns, err := f.index.Symbols(ctx, symbol.Filter{DocumentIDs: []string{snap.ID}, Kinds: []symbol.Kind{symbol.KindFunction}})
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, "m", fns[0].Name)
	assert.Equal(t, "A", fns[0].Parent)
	assert.Equal(t, classes[0].ID, fns[0].ParentID)

	children, err := f.index.Symbols(ctx, symbol.Filter{ParentID: classes[0].ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, names(children))
}

func TestLookupByRangeReturnsInnermost(t *testing.T) {
	f := newFixture(t)
	src := "class A {\n  void m() { int local = 1; }\n};\nint g;\n"
	snap := f.open(t, "c.cpp", src)
	ctx := context.Background()

	offset := func(sub string) uint32 {
		for i := 0; i+len(sub) <= len(src); i++ {
			if src[i:i+len(sub)] == sub {
				return uint32(i)
			}
		}
		t.Fatalf("%q not in source", sub)
		return 0
	}

	tests := []struct {
		name   string
		offset uint32
		want   string
	}{
		{name: "method body", offset: offset("{ int"), want: "m"},
		{name: "local variable", offset: offset("local"), want: "local"},
		{name: "class body", offset: offset("{\n"), want: "A"},
		{name: "global", offset: offset("g;"), want: "g"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := f.index.LookupByRange(ctx, snap.ID, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name)
		})
	}

	_, err := f.index.LookupByRange(ctx, snap.ID, offset("};")+2)
	require.ErrorIs(t, err, symbol.ErrNotFound)
}

func TestBuildIsIdempotent(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, "d.cpp", `#include "x.h"
#define LIMIT 4
struct P { int x; };
namespace n { void run() { P p; call(LIMIT); } }
`)
	ctx := context.Background()

	first, err := f.index.Symbols(ctx, symbol.Filter{DocumentIDs: []string{snap.ID}})
	require.NoError(t, err)
	require.NotEmpty(t, first)

	require.NoError(t, f.index.Build(ctx, snap))
	second, err := f.index.Symbols(ctx, symbol.Filter{DocumentIDs: []string{snap.ID}})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = f.store.Reparse(ctx, snap.ID)
	require.NoError(t, err)
	third, err := f.index.Symbols(ctx, symbol.Filter{DocumentIDs: []string{snap.ID}})
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestSymbolKinds(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, "e.cpp", `#include <map>
#include "local.h"
#define LIMIT 4
#define TWICE(x) (2 * (x))
struct Point { int x; int y; };
class Shape : public Point, protected virtual Base {};
int counter = TWICE(LIMIT);
`)
	ctx := context.Background()

	counts, err := f.index.Counts(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, map[symbol.Kind]int{
		symbol.KindInclude:  2,
		symbol.KindMacro:    3,
		symbol.KindStruct:   1,
		symbol.KindClass:    1,
		symbol.KindVariable: 3,
	}, counts)

	includes, err := f.index.Symbols(ctx, symbol.Filter{Kinds: []symbol.Kind{symbol.KindInclude}})
	require.NoError(t, err)
	require.Len(t, includes, 2)
	assert.Equal(t, "map", includes[0].Name)
	assert.Equal(t, symbol.DetailSystem, includes[0].Detail)
	assert.Equal(t, "#include <map>", snap.Text(includes[0].Range))
	assert.Equal(t, "local.h", includes[1].Name)
	assert.Equal(t, symbol.DetailLocal, includes[1].Detail)

	macros, err := f.index.Lookup(ctx, "TWICE", symbol.KindMacro)
	require.NoError(t, err)
	require.Len(t, macros, 2)
	assert.Equal(t, symbol.DetailDefinition, macros[0].Detail)
	assert.Equal(t, symbol.DetailUse, macros[1].Detail)

	vars, err := f.index.Lookup(ctx, "counter")
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "int", vars[0].Detail)

	bases, err := f.index.Bases(ctx, []string{snap.ID})
	require.NoError(t, err)
	require.Len(t, bases, 2)
	assert.Equal(t, symbol.Base{
		ClassID: bases[0].ClassID, Class: "Shape", Name: "Point", Access: "public",
		DocumentID: snap.ID, Path: "e.cpp",
	}, bases[0])
	assert.Equal(t, "Base", bases[1].Name)
	assert.Equal(t, "protected", bases[1].Access)
	assert.True(t, bases[1].Virtual)
}

func TestQualifiedNames(t *testing.T) {
	f := newFixture(t)
	f.open(t, "q.cpp", "void ns::Widget::draw() {}\nint* make() { return 0; }\n")
	ctx := context.Background()

	byShort, err := f.index.Lookup(ctx, "draw")
	require.NoError(t, err)
	require.Len(t, byShort, 1)
	assert.Equal(t, "ns::Widget::draw", byShort[0].QualifiedName)

	byQualified, err := f.index.Lookup(ctx, "ns::Widget::draw")
	require.NoError(t, err)
	assert.Equal(t, byShort, byQualified)

	made, err := f.index.Lookup(ctx, "make", symbol.KindFunction)
	require.NoError(t, err)
	assert.Len(t, made, 1)
}

func TestCallsAndCallGraph(t *testing.T) {
	f := newFixture(t)
	lib := f.open(t, "lib.cpp", "int helper(int v) { return v; }\n")
	app := f.open(t, "app.cpp", `int helper(int v);
struct S { void go() { helper(1); this->stop(); } void stop() {} };
int main() { S s; s.go(); return helper(2); }
`)
	ctx := context.Background()

	calls, err := f.index.CallSites(ctx, symbol.CallFilter{DocumentIDs: []string{app.ID}})
	require.NoError(t, err)
	var callees, callers []string
	for _, c := range calls {
		callees = append(callees, c.Callee)
		callers = append(callers, c.Caller)
	}
	assert.Equal(t, []string{"helper", "stop", "go", "helper"}, callees)
	assert.Equal(t, []string{"go", "go", "main", "main"}, callers)

	edges, err := f.index.CallGraph(ctx, []string{app.ID})
	require.NoError(t, err)
	type pair struct{ from, to, doc string }
	var got []pair
	for _, e := range edges {
		got = append(got, pair{e.Caller, e.Callee, e.CalleeID[:len(lib.ID)]})
	}
	assert.Equal(t, []pair{
		{"go", "helper", lib.ID},
		{"go", "stop", app.ID},
		{"main", "go", app.ID},
		{"main", "helper", lib.ID},
	}, got)
}

func TestEditRebuildsAndClosePurges(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, "f.cpp", "void a() {}\n")
	ctx := context.Background()

	_, err := f.store.Edit(ctx, snap.ID, document.Range{Start: 5, End: 6}, "renamed")
	require.NoError(t, err)

	old, err := f.index.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, old)
	renamed, err := f.index.Lookup(ctx, "renamed")
	require.NoError(t, err)
	require.Len(t, renamed, 1)

	got, err := f.index.Get(ctx, renamed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, renamed[0], got)

	require.NoError(t, f.store.Close(ctx, snap.ID))
	gone, err := f.index.Symbols(ctx, symbol.Filter{DocumentIDs: []string{snap.ID}})
	require.NoError(t, err)
	assert.Empty(t, gone)
	_, err = f.index.Get(ctx, renamed[0].ID)
	require.ErrorIs(t, err, symbol.ErrNotFound)
}
