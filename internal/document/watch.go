package document

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps documents opened from disk in sync with their files. Directories are watched rather
// than files so that editors replacing a file through a rename are still observed.
type Watcher struct {
	store  *Store
	fs     *fsnotify.Watcher
	logger *slog.Logger

	mu     sync.Mutex
	byPath map[string]map[string]struct{} // file path -> document ids
	dirs   map[string]int                 // watched directory -> number of watched files in it

	running atomic.Bool
	done    chan struct{}
	closed  chan struct{}
}

// NewWatcher creates a watcher that re-syncs documents of store. Run must be called to process
// events.
func NewWatcher(store *Store, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		store:  store,
		fs:     fw,
		logger: logger.With(slog.String("component", "document-watcher")),
		byPath: make(map[string]map[string]struct{}),
		dirs:   make(map[string]int),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}, nil
}

// Watch re-syncs document id whenever path changes on disk.
func (w *Watcher) Watch(id, path string) error {
	path = filepath.Clean(path)
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, ok := w.byPath[path]
	if !ok {
		dir := filepath.Dir(path)
		if w.dirs[dir] == 0 {
			if err := w.fs.Add(dir); err != nil {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
		}
		w.dirs[dir]++
		ids = make(map[string]struct{})
		w.byPath[path] = ids
	}
	ids[id] = struct{}{}
	return nil
}

// Unwatch stops syncing document id. It is a no-op for documents that are not watched.
func (w *Watcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, ids := range w.byPath {
		if _, ok := ids[id]; !ok {
			continue
		}
		delete(ids, id)
		if len(ids) > 0 {
			continue
		}
		delete(w.byPath, path)
		dir := filepath.Dir(path)
		w.dirs[dir]--
		if w.dirs[dir] <= 0 {
			delete(w.dirs, dir)
			if err := w.fs.Remove(dir); err != nil {
				w.logger.Debug("failed to remove watch", slog.String("dir", dir), slog.String("err", err.Error()))
			}
		}
	}
}

// Watched returns the ids of documents watched for path.
func (w *Watcher) Watched(path string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.byPath[filepath.Clean(path)]))
	for id := range w.byPath[filepath.Clean(path)] {
		ids = append(ids, id)
	}
	return ids
}

// Run processes file events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	w.running.Store(true)
	defer close(w.closed)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.sync(ctx, filepath.Clean(ev.Name))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) sync(ctx context.Context, path string) {
	ids := w.Watched(path)
	if len(ids) == 0 {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Debug("failed to read changed file", slog.String("path", path), slog.String("err", err.Error()))
		return
	}
	for _, id := range ids {
		snap, err := w.store.Replace(ctx, id, content)
		if err != nil {
			w.logger.Warn("failed to sync document",
				slog.String("id", id),
				slog.String("path", path),
				slog.String("err", err.Error()))
			continue
		}
		w.logger.Debug("document synced from disk",
			slog.String("id", id),
			slog.Uint64("version", snap.Version))
	}
}

// Close stops the watcher and waits for Run to return.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	if w.running.Load() {
		<-w.closed
	}
	return err
}
