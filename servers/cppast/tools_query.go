package cppast

import (
	"cmp"
	"context"
	"regexp"
	"strings"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/query"
	"github.com/MegaGrindStone/cppmcp/internal/symbol"
)

const commentQuery = `(comment) @comment`

// ExecuteQueryArgs is an argument struct for the execute_query tool.
type ExecuteQueryArgs struct {
	Query      string     `json:"query"`
	DocumentID stringList `json:"document_id"`
}

// DocumentCaptures holds the captures of one document.
type DocumentCaptures struct {
	DocumentID string          `json:"document_id"`
	Path       string          `json:"path"`
	Generation uint64          `json:"generation"`
	Captures   []query.Capture `json:"captures"`
}

// ExecuteQueryResult is the result of the execute_query tool.
type ExecuteQueryResult struct {
	CaptureNames []string           `json:"capture_names"`
	Documents    []DocumentCaptures `json:"documents"`
	Total        int                `json:"total"`
}

func (s *Server) executeQuery(ctx context.Context, c call) (any, error) {
	var args ExecuteQueryArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	q, err := s.engine.Compile("", args.Query)
	if err != nil {
		return nil, err
	}
	ids, err := s.documents(args.DocumentID)
	if err != nil {
		return nil, err
	}

	docs, err := eachDocument(ctx, s, c, ids, func(ctx context.Context, snap *document.Snapshot) (DocumentCaptures, error) {
		captures, err := s.engine.Execute(ctx, q, snap)
		if err != nil {
			return DocumentCaptures{}, err
		}
		return DocumentCaptures{
			DocumentID: snap.ID,
			Path:       snap.Path,
			Generation: snap.Generation,
			Captures:   nonNil(captures),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	res := ExecuteQueryResult{CaptureNames: nonNil(q.Captures), Documents: docs}
	for _, d := range docs {
		res.Total += len(d.Captures)
	}
	return res, nil
}

// Marker is a TODO-style note found in a comment.
type Marker struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
	Line uint32 `json:"line"`
}

// SummaryEntry is a condensed symbol of a file summary.
type SummaryEntry struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
	Parent string `json:"parent,omitempty"`
	Line   uint32 `json:"line"`
}

// FileSummary is the result of the get_file_summary tool.
type FileSummary struct {
	DocumentInfo
	Counts    map[symbol.Kind]int `json:"counts"`
	Includes  []SummaryEntry      `json:"includes"`
	Classes   []SummaryEntry      `json:"classes"`
	Functions []SummaryEntry      `json:"functions"`
	Macros    []SummaryEntry      `json:"macros"`
	Comments  int                 `json:"comments"`
	Markers   []Marker            `json:"markers"`
}

var markerPattern = regexp.MustCompile(`\b(TODO|FIXME|HACK|XXX|BUG|NOTE)\b[:\s]*(.*)`)

func (s *Server) fileSummary(ctx context.Context, c call) (any, error) {
	var args DocumentArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}

	var res FileSummary
	err := s.store.View(args.DocumentID, func(snap *document.Snapshot) error {
		res.DocumentInfo = s.info(snap)

		comments, err := s.engine.Execute(ctx, s.comments, snap)
		if err != nil {
			return err
		}
		res.Comments = len(comments)
		res.Markers = []Marker{}
		for _, comment := range comments {
			for i, line := range strings.Split(comment.Text, "\n") {
				m := markerPattern.FindStringSubmatch(line)
				if m == nil {
					continue
				}
				res.Markers = append(res.Markers, Marker{
					Tag:  m[1],
					Text: strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[2]), "*/")),
					Line: comment.StartPoint.Row + uint32(i) + 1,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Counts, err = s.index.Counts(ctx, args.DocumentID); err != nil {
		return nil, err
	}
	syms, err := s.index.Symbols(ctx, symbol.Filter{DocumentIDs: []string{args.DocumentID}})
	if err != nil {
		return nil, err
	}
	res.Includes, res.Classes, res.Functions, res.Macros = []SummaryEntry{}, []SummaryEntry{}, []SummaryEntry{}, []SummaryEntry{}
	for _, sym := range syms {
		entry := SummaryEntry{Name: cmp.Or(sym.QualifiedName, sym.Name), Detail: sym.Detail, Parent: sym.Parent, Line: sym.Start.Row + 1}
		switch sym.Kind {
		case symbol.KindInclude:
			res.Includes = append(res.Includes, entry)
		case symbol.KindClass, symbol.KindStruct:
			entry.Detail = string(sym.Kind)
			res.Classes = append(res.Classes, entry)
		case symbol.KindFunction:
			res.Functions = append(res.Functions, entry)
		case symbol.KindMacro:
			if sym.Detail == symbol.DetailDefinition {
				res.Macros = append(res.Macros, entry)
			}
		}
	}
	return res, nil
}
