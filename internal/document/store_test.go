package document_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
)

const sampleSource = `#include <vector>

class Widget {
public:
  void draw() { paint(1); }
  int size;
};

int main() {
  Widget w;
  w.draw();
  return 0;
}
`

func TestOpenSamePathYieldsDistinctDocuments(t *testing.T) {
	store := document.NewStore()
	ctx := context.Background()

	a, err := store.Open(ctx, "a.cpp", []byte("void f(){}"))
	require.NoError(t, err)
	b, err := store.Open(ctx, "a.cpp", []byte("void f(){}"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, uint64(1), a.Version)
	assert.Equal(t, uint64(1), a.Generation)
	assert.Equal(t, document.GrammarCPP, a.Grammar)
	assert.Len(t, store.List(), 2)
}

func TestEditMatchesFreshParse(t *testing.T) {
	end := len(sampleSource)
	tests := []struct {
		name string
		// find locates the edited range; an empty find with at >= 0 inserts at that offset.
		find string
		at   int
		text string
	}{
		{name: "insert at start", at: 0, text: "// header\n"},
		{name: "rename class", find: "Widget", at: -1, text: "Gadget"},
		{name: "delete member", find: "  int size;\n", at: -1, text: ""},
		{name: "append function", at: end, text: "void extra() {}\n"},
		{name: "break syntax", find: "w.draw()", at: -1, text: "w.draw("},
		{name: "multi line insert", find: "public:", at: -1, text: "public:\n  void g();\n  void h();"},
		{name: "replace all", find: sampleSource, at: -1, text: "struct S {};"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := document.NewStore()

			start, stop := tt.at, tt.at
			if tt.at < 0 {
				start = strings.Index(sampleSource, tt.find)
				require.GreaterOrEqual(t, start, 0)
				stop = start + len(tt.find)
			}

			snap, err := store.Open(ctx, "sample.cpp", []byte(sampleSource))
			require.NoError(t, err)

			edited, err := store.Edit(ctx, snap.ID, document.Range{Start: uint32(start), End: uint32(stop)}, tt.text)
			require.NoError(t, err)

			want := sampleSource[:start] + tt.text + sampleSource[stop:]
			assert.Equal(t, want, string(edited.Content))
			assert.Equal(t, snap.Version+1, edited.Version)
			assert.Equal(t, snap.Generation+1, edited.Generation)

			fresh, err := store.Open(ctx, "fresh.cpp", []byte(want))
			require.NoError(t, err)
			assert.Equal(t, fresh.Root().String(), edited.Root().String())
			assert.Equal(t, fresh.NodeCount(), edited.NodeCount())

			// The previous snapshot is untouched by the edit.
			assert.Equal(t, sampleSource, string(snap.Content))
		})
	}
}

func TestEditRejectsInvalidRange(t *testing.T) {
	ctx := context.Background()
	store := document.NewStore()
	snap, err := store.Open(ctx, "a.cpp", []byte("int x;"))
	require.NoError(t, err)

	for _, r := range []document.Range{{Start: 3, End: 2}, {Start: 0, End: 7}, {Start: 10, End: 10}} {
		_, err := store.Edit(ctx, snap.ID, r, "y")
		require.ErrorIs(t, err, document.ErrInvalidRange, "range %v", r)
		assert.Equal(t, errkind.InvalidArgs, errkind.KindOf(err))
	}

	current, err := store.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), current.Version)
}

func TestStaleReferencesAreRejected(t *testing.T) {
	ctx := context.Background()
	store := document.NewStore()
	snap, err := store.Open(ctx, "a.cpp", []byte("void f(){}"))
	require.NoError(t, err)

	ref, ok := snap.Ref(snap.Root())
	require.True(t, ok)
	_, node, err := store.Resolve(ref)
	require.NoError(t, err)
	assert.Equal(t, "translation_unit", node.Kind)
	assert.Equal(t, document.NoNode, node.Parent)

	_, err = store.Edit(ctx, snap.ID, document.Range{Start: 5, End: 6}, "g")
	require.NoError(t, err)

	_, _, err = store.Resolve(ref)
	require.ErrorIs(t, err, document.ErrStaleReference)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))

	_, err = store.Reparse(ctx, snap.ID)
	require.NoError(t, err)
	current, err := store.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Version)
	assert.Equal(t, uint64(3), current.Generation)
}

func TestArenaLinksParentsAndChildren(t *testing.T) {
	store := document.NewStore()
	snap, err := store.Open(context.Background(), "a.cpp", []byte("void f(){}"))
	require.NoError(t, err)

	fn := snap.Root().NamedChild(0)
	require.NotNil(t, fn)
	ref, ok := snap.Ref(fn)
	require.True(t, ok)

	node, err := snap.Node(ref)
	require.NoError(t, err)
	assert.Equal(t, "function_definition", node.Kind)
	assert.Equal(t, document.NodeID(0), node.Parent)
	assert.NotEmpty(t, node.Children)

	for _, child := range node.Children {
		c, err := snap.Node(document.NodeRef{DocumentID: snap.ID, Generation: snap.Generation, NodeID: child})
		require.NoError(t, err)
		assert.Equal(t, ref.NodeID, c.Parent)
		assert.True(t, node.Range.Start <= c.Range.Start && c.Range.End <= node.Range.End)
	}
}

func TestReplaceSyncsContent(t *testing.T) {
	ctx := context.Background()
	store := document.NewStore()
	snap, err := store.Open(ctx, "a.cpp", []byte("int alpha = 1;\nint beta = 2;\n"))
	require.NoError(t, err)

	same, err := store.Replace(ctx, snap.ID, []byte("int alpha = 1;\nint beta = 2;\n"))
	require.NoError(t, err)
	assert.Equal(t, snap.Version, same.Version)

	next, err := store.Replace(ctx, snap.ID, []byte("int alpha = 1;\nint gamma = 3;\n"))
	require.NoError(t, err)
	assert.Equal(t, "int alpha = 1;\nint gamma = 3;\n", string(next.Content))
	assert.Equal(t, snap.Version+1, next.Version)
}

func TestCloseRunsHookAndForgetsDocument(t *testing.T) {
	ctx := context.Background()
	var closed []string
	store := document.NewStore(document.WithCloseHook(func(_ context.Context, id string) {
		closed = append(closed, id)
	}))
	snap, err := store.Open(ctx, "a.cpp", []byte("int x;"))
	require.NoError(t, err)

	require.NoError(t, store.Close(ctx, snap.ID))
	assert.Equal(t, []string{snap.ID}, closed)

	_, err = store.Get(snap.ID)
	require.ErrorIs(t, err, document.ErrNotFound)
	err = store.Close(ctx, snap.ID)
	require.ErrorIs(t, err, document.ErrNotFound)
	_, err = store.Edit(ctx, snap.ID, document.Range{}, "x")
	require.ErrorIs(t, err, document.ErrNotFound)
}

func TestReparseHookFailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	fail := false
	store := document.NewStore(document.WithReparseHook(func(context.Context, *document.Snapshot) error {
		if fail {
			return errors.New("index unavailable")
		}
		return nil
	}))
	snap, err := store.Open(ctx, "a.cpp", []byte("int x;"))
	require.NoError(t, err)

	fail = true
	_, err = store.Edit(ctx, snap.ID, document.Range{Start: 4, End: 5}, "y")
	require.Error(t, err)

	current, err := store.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "int x;", string(current.Content))
}

func TestContentLimits(t *testing.T) {
	ctx := context.Background()
	var failures []error
	store := document.NewStore(
		document.WithMaxDocumentBytes(16),
		document.WithParseFailureFunc(func(_, _ string, err error) { failures = append(failures, err) }),
	)

	_, err := store.Open(ctx, "big.cpp", []byte("int a_very_long_name_here;"))
	require.ErrorIs(t, err, document.ErrResourceExhausted)
	assert.Equal(t, errkind.Transport, errkind.KindOf(err))

	_, err = store.Open(ctx, "bad.cpp", []byte{0xff, 0xfe})
	require.ErrorIs(t, err, document.ErrInvalidContent)
	assert.Equal(t, errkind.Parse, errkind.KindOf(err))

	assert.Len(t, failures, 2)
}

func TestCanceledParse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := document.NewStore().Open(ctx, "a.cpp", []byte("int x;"))
	if err != nil {
		assert.Equal(t, errkind.Cancellation, errkind.KindOf(err))
	}
}

func TestConcurrentEditsOnDistinctDocuments(t *testing.T) {
	ctx := context.Background()
	store := document.NewStore()

	ids := make([]string, 8)
	for i := range ids {
		snap, err := store.Open(ctx, fmt.Sprintf("f%d.cpp", i), []byte("int x;\n"))
		require.NoError(t, err)
		ids[i] = snap.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				snap, err := store.Get(id)
				if !assert.NoError(t, err) {
					return
				}
				end := uint32(len(snap.Content))
				_, err = store.Edit(ctx, id, document.Range{Start: end, End: end}, "int y;\n")
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		snap, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(21), snap.Version)
		assert.False(t, snap.HasErrors)
	}
}

func TestPositionAndLines(t *testing.T) {
	store := document.NewStore()
	snap, err := store.Open(context.Background(), "a.cpp", []byte("int a;\nint b;\r\nint c;"))
	require.NoError(t, err)

	assert.Equal(t, document.Point{Row: 0, Column: 4}, snap.Position(4))
	assert.Equal(t, document.Point{Row: 1, Column: 0}, snap.Position(7))
	assert.Equal(t, document.Point{Row: 2, Column: 2}, snap.Position(17))
	assert.Equal(t, 3, snap.LineCount())
	assert.Equal(t, "int b;", snap.Line(1))
	assert.Equal(t, "", snap.Line(9))
}
