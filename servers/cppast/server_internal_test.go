package cppast

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/cppmcp"
	"github.com/MegaGrindStone/cppmcp/internal/document"
)

type failingWatcher struct {
	unwatched []string
}

func (w *failingWatcher) Watch(string, string) error { return errors.New("too many watches") }
func (w *failingWatcher) Unwatch(id string)          { w.unwatched = append(w.unwatched, id) }
func (w *failingWatcher) Watched(string) []string    { return nil }
func (w *failingWatcher) Run(context.Context)        {}
func (w *failingWatcher) Close() error               { return nil }

func TestFailedWatchClosesDocument(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(root, "a.cpp")
	require.NoError(t, os.WriteFile(path, []byte("void a(){}"), 0o600))

	s, err := NewServer(WithAllowedRoots([]string{root}))
	require.NoError(t, err)
	w := &failingWatcher{}
	s.watcher = w
	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	ctx := mcp.ContextWithSessionID(context.Background(), "watcher")
	raw, err := json.Marshal(map[string]any{"path": path, "watch": true})
	require.NoError(t, err)
	_, err = s.CallTool(ctx, mcp.CallToolParams{Name: "open_document", Arguments: raw}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many watches")

	assert.Empty(t, s.store.List())
	s.mu.Lock()
	assert.Empty(t, s.owners)
	assert.Empty(t, s.sessions["watcher"])
	s.mu.Unlock()
	require.Len(t, w.unwatched, 1)

	syms, err := s.index.Lookup(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, syms)
}

func TestEachDocumentBorrowsIdleWorkers(t *testing.T) {
	ctx := context.Background()
	s, err := NewServer(WithWorkers(4))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	var ids []string
	for _, name := range []string{"a.cpp", "b.cpp", "c.cpp", "d.cpp"} {
		snap, err := s.store.Open(ctx, name, []byte("int x;"))
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}
	c := call{progress: func(mcp.ProgressParams) {}}

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	visit := func(context.Context, *document.Snapshot) (string, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "", nil
	}

	// The call's own slot plus three slots held by other calls.
	require.NoError(t, s.pool.Acquire(ctx, 4))
	_, err = eachDocument(ctx, s, c, ids, visit)
	require.NoError(t, err)
	assert.Equal(t, 1, peak)
	s.pool.Release(3)

	peak = 0
	_, err = eachDocument(ctx, s, c, ids, visit)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, 4)

	// Borrowed slots are returned.
	assert.True(t, s.pool.TryAcquire(3))
	s.pool.Release(4)
}
