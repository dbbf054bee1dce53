package cppast

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"

	"golang.org/x/sync/errgroup"

	mcp "github.com/MegaGrindStone/cppmcp"
	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/errkind"
)

// OpenDocumentArgs is an argument struct for the open_document tool.
type OpenDocumentArgs struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
	Watch   bool    `json:"watch"`
}

// OpenPathArgs is an argument struct for the open_path tool.
type OpenPathArgs struct {
	Paths        stringList `json:"paths"`
	Recursive    bool       `json:"recursive"`
	FilePatterns []string   `json:"file_patterns"`
	Watch        bool       `json:"watch"`
}

// EditDocumentArgs is an argument struct for the edit_document tool.
type EditDocumentArgs struct {
	DocumentID string `json:"document_id"`
	StartByte  int64  `json:"start_byte"`
	EndByte    int64  `json:"end_byte"`
	Text       string `json:"text"`
}

// UpdateDocumentArgs is an argument struct for the update_document tool.
type UpdateDocumentArgs struct {
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
}

// DocumentArgs is an argument struct for tools addressing a single document.
type DocumentArgs struct {
	DocumentID string `json:"document_id"`
}

// GetNodeArgs is an argument struct for the get_node tool.
type GetNodeArgs struct {
	DocumentID string `json:"document_id"`
	Generation int64  `json:"generation"`
	NodeID     int64  `json:"node_id"`
}

// DocumentInfo describes the current snapshot of an open document.
type DocumentInfo struct {
	ID         string `json:"document_id"`
	Path       string `json:"path"`
	Version    uint64 `json:"version"`
	Generation uint64 `json:"generation"`
	Bytes      int    `json:"bytes"`
	Lines      int    `json:"lines"`
	Nodes      int    `json:"nodes"`
	HasErrors  bool   `json:"has_errors"`
	Owner      string `json:"owner,omitempty"`
	Watched    bool   `json:"watched,omitempty"`
}

// OpenFailure is a file open_path could not open.
type OpenFailure struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (s *Server) info(snap *document.Snapshot) DocumentInfo {
	info := DocumentInfo{
		ID:         snap.ID,
		Path:       snap.Path,
		Version:    snap.Version,
		Generation: snap.Generation,
		Bytes:      len(snap.Content),
		Lines:      snap.LineCount(),
		Nodes:      snap.NodeCount(),
		HasErrors:  snap.HasErrors,
	}
	info.Owner, _ = s.Owner(snap.ID)
	if s.watcher != nil {
		for _, id := range s.watcher.Watched(snap.Path) {
			if id == snap.ID {
				info.Watched = true
				break
			}
		}
	}
	return info
}

func (s *Server) openDocument(ctx context.Context, c call) (any, error) {
	var args OpenDocumentArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}

	if args.Content != nil {
		if args.Watch {
			return nil, errkind.New(errkind.InvalidArgs, "watch requires the document to be read from disk")
		}
		snap, err := s.store.Open(context.WithoutCancel(ctx), args.Path, []byte(*args.Content))
		if err != nil {
			return nil, err
		}
		s.own(c.session, snap.ID)
		return s.info(snap), nil
	}

	path, err := s.resolver.Validate(args.Path)
	if err != nil {
		return nil, err
	}
	snap, err := s.openFile(ctx, c.session, path, args.Watch)
	if err != nil {
		return nil, err
	}
	return s.info(snap), nil
}

func (s *Server) openFile(ctx context.Context, session, path string, watch bool) (*document.Snapshot, error) {
	if _, ok := document.GrammarForPath(path); !ok {
		return nil, errkind.Errorf(errkind.InvalidArgs, "unsupported file type: %s", path)
	}
	if watch && s.watcher == nil {
		return nil, errkind.New(errkind.InvalidArgs, "watching is disabled")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", document.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	snap, err := s.store.Open(context.WithoutCancel(ctx), path, content)
	if err != nil {
		return nil, err
	}
	if watch {
		if err := s.watcher.Watch(snap.ID, path); err != nil {
			if cerr := s.store.Close(context.WithoutCancel(ctx), snap.ID); cerr != nil {
				s.logger.Warn("failed to close unwatched document",
					slog.String("document", snap.ID),
					slog.String("err", cerr.Error()))
			}
			return nil, err
		}
	}
	s.own(session, snap.ID)
	return snap, nil
}

// OpenPathResult is the result of the open_path tool.
type OpenPathResult struct {
	Documents []DocumentInfo `json:"documents"`
	Failed    []OpenFailure  `json:"failed,omitempty"`
}

func (s *Server) openPath(ctx context.Context, c call) (any, error) {
	var args OpenPathArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	files, err := s.resolver.Resolve(document.ResolveRequest{
		Paths:     args.Paths,
		Recursive: args.Recursive,
		Patterns:  args.FilePatterns,
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files match %v", document.ErrNotFound, []string(args.Paths))
	}

	type outcome struct {
		snap *document.Snapshot
		err  error
	}
	outcomes := make([]outcome, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, path := range files {
		g.Go(func() error {
			if err := errkind.Checkpoint(gctx, "file "+path); err != nil {
				return err
			}
			snap, err := s.openFile(gctx, c.session, path, args.Watch)
			// Files that cannot be parsed are reported; anything else aborts the call.
			if err != nil && !errkind.Is(err, errkind.Parse) {
				return err
			}
			outcomes[i] = outcome{snap: snap, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errkind.Canceled("file", ctxErr)
		}
		return nil, err
	}

	res := OpenPathResult{Documents: []DocumentInfo{}}
	for i, o := range outcomes {
		if o.err != nil {
			res.Failed = append(res.Failed, OpenFailure{
				Path:  files[i],
				Kind:  string(errkind.KindOf(o.err)),
				Error: o.err.Error(),
			})
			continue
		}
		res.Documents = append(res.Documents, s.info(o.snap))
	}
	c.progress(mcp.ProgressParams{
		Progress: float64(len(files)),
		Total:    float64(len(files)),
		Message:  fmt.Sprintf("opened %d of %d files", len(res.Documents), len(files)),
	})
	return res, nil
}

func (s *Server) editDocument(ctx context.Context, c call) (any, error) {
	var args EditDocumentArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	if !fitsOffset(args.StartByte) || !fitsOffset(args.EndByte) {
		return nil, fmt.Errorf("%w: [%d, %d)", document.ErrInvalidRange, args.StartByte, args.EndByte)
	}
	snap, err := s.store.Edit(context.WithoutCancel(ctx), args.DocumentID, document.Range{
		Start: uint32(args.StartByte),
		End:   uint32(args.EndByte),
	}, args.Text)
	if err != nil {
		return nil, err
	}
	return s.info(snap), nil
}

func fitsOffset(n int64) bool {
	return n >= 0 && n <= math.MaxUint32
}

func (s *Server) updateDocument(ctx context.Context, c call) (any, error) {
	var args UpdateDocumentArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	snap, err := s.store.Replace(context.WithoutCancel(ctx), args.DocumentID, []byte(args.Content))
	if err != nil {
		return nil, err
	}
	return s.info(snap), nil
}

// CloseDocumentResult is the result of the close_document tool.
type CloseDocumentResult struct {
	ID     string `json:"document_id"`
	Closed bool   `json:"closed"`
}

func (s *Server) closeDocument(ctx context.Context, c call) (any, error) {
	var args DocumentArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	if err := s.store.Close(context.WithoutCancel(ctx), args.DocumentID); err != nil {
		return nil, err
	}
	return CloseDocumentResult{ID: args.DocumentID, Closed: true}, nil
}

// ListDocumentsResult is the result of the list_documents tool.
type ListDocumentsResult struct {
	Documents []DocumentInfo `json:"documents"`
}

func (s *Server) listDocuments(context.Context, call) (any, error) {
	snaps := s.store.List()
	res := ListDocumentsResult{Documents: make([]DocumentInfo, 0, len(snaps))}
	for _, snap := range snaps {
		res.Documents = append(res.Documents, s.info(snap))
	}
	return res, nil
}

// NodeResult is the result of the get_node tool.
type NodeResult struct {
	Ref        document.NodeRef `json:"ref"`
	Node       document.Node    `json:"node"`
	ParentKind string           `json:"parent_kind,omitempty"`
	Text       string           `json:"text"`
}

func (s *Server) getNode(_ context.Context, c call) (any, error) {
	var args GetNodeArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	if args.Generation < 0 || args.NodeID < 0 || args.NodeID > math.MaxInt32 {
		return nil, fmt.Errorf("%w: generation %d, node %d", document.ErrStaleReference, args.Generation, args.NodeID)
	}
	ref := document.NodeRef{
		DocumentID: args.DocumentID,
		Generation: uint64(args.Generation),
		NodeID:     document.NodeID(args.NodeID),
	}
	snap, node, err := s.store.Resolve(ref)
	if err != nil {
		return nil, err
	}
	res := NodeResult{Ref: ref, Node: node, Text: snap.Text(node.Range)}
	if node.Parent != document.NoNode {
		parentRef := ref
		parentRef.NodeID = node.Parent
		if parent, err := snap.Node(parentRef); err == nil {
			res.ParentKind = parent.Kind
		}
	}
	return res, nil
}
