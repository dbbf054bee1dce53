package cppast

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/symbol"
)

// Interface formats.
const (
	FormatHeader   = "header"
	FormatMarkdown = "markdown"
)

// ExtractInterfaceArgs is an argument struct for the extract_interface tool.
type ExtractInterfaceArgs struct {
	DocumentID      stringList `json:"document_id"`
	IncludePrivate  bool       `json:"include_private"`
	IncludeComments *bool      `json:"include_comments"`
	Format          string     `json:"format"`
}

// InterfaceClass is the public face of one class or struct.
type InterfaceClass struct {
	Name          string          `json:"name"`
	QualifiedName string          `json:"qualified_name"`
	Kind          symbol.Kind     `json:"kind"`
	Line          uint32          `json:"line"`
	Bases         []string        `json:"bases,omitempty"`
	Comment       string          `json:"comment,omitempty"`
	Members       []symbol.Member `json:"members"`
}

// DocumentInterface lists the declarations of one document without their bodies.
type DocumentInterface struct {
	DocumentID string           `json:"document_id"`
	Path       string           `json:"path"`
	Functions  []symbol.Member  `json:"functions"`
	Classes    []InterfaceClass `json:"classes"`
	Content    string           `json:"content,omitempty"`
}

// ExtractInterfaceResult is the result of the extract_interface tool.
type ExtractInterfaceResult struct {
	Format    string              `json:"format"`
	Documents []DocumentInterface `json:"documents"`
}

func (s *Server) extractInterface(ctx context.Context, c call) (any, error) {
	var args ExtractInterfaceArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	format := cmp.Or(args.Format, FormatJSON)
	comments := args.IncludeComments == nil || *args.IncludeComments
	ids, err := s.documents(args.DocumentID)
	if err != nil {
		return nil, err
	}

	docs, err := eachDocument(ctx, s, c, ids, func(ctx context.Context, snap *document.Snapshot) (DocumentInterface, error) {
		doc := DocumentInterface{
			DocumentID: snap.ID,
			Path:       snap.Path,
			Functions:  []symbol.Member{},
			Classes:    []InterfaceClass{},
		}
		fns, err := s.index.Symbols(ctx, symbol.Filter{
			DocumentIDs: []string{snap.ID},
			Kinds:       []symbol.Kind{symbol.KindFunction},
		})
		if err != nil {
			return doc, err
		}
		for _, fn := range fns {
			// Methods are reported with their class.
			if fn.ParentID != "" {
				continue
			}
			sig, err := symbol.Signature(snap, fn)
			if err != nil {
				return doc, err
			}
			if !comments {
				sig.Comment = ""
			}
			doc.Functions = append(doc.Functions, sig)
		}

		classes, err := s.index.Symbols(ctx, symbol.Filter{
			DocumentIDs: []string{snap.ID},
			Kinds:       []symbol.Kind{symbol.KindClass, symbol.KindStruct},
		})
		if err != nil {
			return doc, err
		}
		bases, err := s.index.Bases(ctx, []string{snap.ID})
		if err != nil {
			return doc, err
		}
		for _, cls := range classes {
			members, err := symbol.Members(snap, cls)
			if err != nil {
				return doc, err
			}
			ic := InterfaceClass{
				Name:          cls.Name,
				QualifiedName: cmp.Or(cls.QualifiedName, cls.Name),
				Kind:          cls.Kind,
				Line:          cls.Start.Row + 1,
				Members:       []symbol.Member{},
			}
			if comments {
				ic.Comment = symbol.Comment(snap, cls)
			}
			for _, b := range bases {
				if b.ClassID == cls.ID {
					ic.Bases = append(ic.Bases, baseClause(b))
				}
			}
			for _, m := range members {
				if m.Access == "private" && !args.IncludePrivate {
					continue
				}
				if !comments {
					m.Comment = ""
				}
				ic.Members = append(ic.Members, m)
			}
			doc.Classes = append(doc.Classes, ic)
		}

		switch format {
		case FormatHeader:
			doc.Content = header(doc)
		case FormatMarkdown:
			doc.Content = markdown(doc)
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return ExtractInterfaceResult{Format: format, Documents: docs}, nil
}

func baseClause(b symbol.Base) string {
	clause := b.Name
	if b.Access != "" {
		clause = b.Access + " " + clause
	}
	if b.Virtual {
		clause = "virtual " + clause
	}
	return clause
}

func header(doc DocumentInterface) string {
	var b strings.Builder
	fmt.Fprintf(&b, "// Interface of %s\n", doc.Path)
	for _, fn := range doc.Functions {
		b.WriteString("\n")
		writeComment(&b, fn.Comment, "")
		b.WriteString(fn.Signature + "\n")
	}
	for _, cls := range doc.Classes {
		b.WriteString("\n")
		writeComment(&b, cls.Comment, "")
		fmt.Fprintf(&b, "%s %s", cls.Kind, cls.QualifiedName)
		if len(cls.Bases) > 0 {
			b.WriteString(" : " + strings.Join(cls.Bases, ", "))
		}
		b.WriteString(" {\n")
		access := ""
		for _, m := range cls.Members {
			if m.Access != access {
				access = m.Access
				b.WriteString(access + ":\n")
			}
			writeComment(&b, m.Comment, "    ")
			b.WriteString("    " + m.Signature + "\n")
		}
		b.WriteString("};\n")
	}
	return b.String()
}

func writeComment(b *strings.Builder, comment, indent string) {
	if comment == "" {
		return
	}
	for _, line := range strings.Split(comment, "\n") {
		b.WriteString(indent + strings.TrimSpace(line) + "\n")
	}
}

func markdown(doc DocumentInterface) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", doc.Path)
	if len(doc.Functions) > 0 {
		b.WriteString("\n## Functions\n")
		for _, fn := range doc.Functions {
			fmt.Fprintf(&b, "\n```cpp\n%s\n```\n", fn.Signature)
			if fn.Comment != "" {
				fmt.Fprintf(&b, "\n%s\n", fn.Comment)
			}
		}
	}
	for _, cls := range doc.Classes {
		fmt.Fprintf(&b, "\n## %s %s\n", cls.Kind, cls.QualifiedName)
		if len(cls.Bases) > 0 {
			fmt.Fprintf(&b, "\nInherits: %s\n", strings.Join(cls.Bases, ", "))
		}
		if cls.Comment != "" {
			fmt.Fprintf(&b, "\n%s\n", cls.Comment)
		}
		if len(cls.Members) == 0 {
			continue
		}
		b.WriteString("\n| Access | Member | Line |\n|---|---|---|\n")
		for _, m := range cls.Members {
			fmt.Fprintf(&b, "| %s | `%s` | %d |\n", m.Access, m.Signature, m.Line)
		}
	}
	return b.String()
}
