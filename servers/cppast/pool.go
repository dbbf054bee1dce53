package cppast

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	mcp "github.com/MegaGrindStone/cppmcp"
	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
)

// documents returns the ids a multi-document tool visits: the requested ones, which must all be
// open, or every open document when none are requested.
func (s *Server) documents(requested stringList) ([]string, error) {
	if len(requested) == 0 {
		return s.store.IDs(), nil
	}
	ids := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		if _, dup := seen[id]; dup {
			continue
		}
		if _, err := s.store.Get(id); err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// eachDocument runs fn for every document in ids and returns the results in ids order. The call
// already holds one worker slot; every further document in flight takes another free slot from the
// pool, so a call never runs more documents at once than there are idle workers. The context is
// checked at the start of every document; the first failure cancels the documents not yet started.
// Progress is reported once per finished document.
func eachDocument[T any](
	ctx context.Context,
	s *Server,
	c call,
	ids []string,
	fn func(ctx context.Context, snap *document.Snapshot) (T, error),
) ([]T, error) {
	results := make([]T, len(ids))
	if len(ids) == 0 {
		return results, errkind.Checkpoint(ctx, "start")
	}

	var (
		mu   sync.Mutex
		done int
	)
	limit := 1
	for limit < min(s.workers, len(ids)) && s.pool.TryAcquire(1) {
		limit++
	}
	defer s.pool.Release(int64(limit - 1))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			if err := errkind.Checkpoint(gctx, "document "+id); err != nil {
				return err
			}
			err := s.store.View(id, func(snap *document.Snapshot) error {
				res, err := fn(gctx, snap)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			c.progress(mcp.ProgressParams{
				Progress: float64(done),
				Total:    float64(len(ids)),
				Message:  fmt.Sprintf("visited %d of %d documents", done, len(ids)),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A sibling's failure cancels gctx; report the caller's cancellation only when it was
		// the caller that cancelled.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errkind.Canceled("document", ctxErr)
		}
		return nil, err
	}
	return results, nil
}
