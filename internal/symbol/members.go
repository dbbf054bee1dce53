package symbol

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/MegaGrindStone/cppmcp/internal/document"
)

// MemberKind classifies a class member.
type MemberKind string

// Member kinds.
const (
	MemberMethod MemberKind = "method"
	MemberField  MemberKind = "field"
)

// Member is one declaration in the body of a class or struct, or a free function declaration.
type Member struct {
	Name        string         `json:"name"`
	Kind        MemberKind     `json:"kind"`
	Signature   string         `json:"signature"`
	Access      string         `json:"access,omitempty"`
	Virtual     bool           `json:"virtual,omitempty"`
	PureVirtual bool           `json:"pure_virtual,omitempty"`
	Override    bool           `json:"override,omitempty"`
	Final       bool           `json:"final,omitempty"`
	Static      bool           `json:"static,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	Line        uint32         `json:"line"`
	Range       document.Range `json:"range"`
}

// Members reads the members declared in the body of a class or struct symbol. Nested types,
// friends and using declarations are not members. A class without body has no members.
func Members(snap *document.Snapshot, class Symbol) ([]Member, error) {
	n := symbolNode(snap, class, "class_specifier", "struct_specifier")
	if n == nil {
		return nil, fmt.Errorf("%w: class %s in %s", ErrNotFound, class.QualifiedName, snap.Path)
	}
	body := n.ChildByFieldName("body")
	if body == nil {
		return []Member{}, nil
	}

	access := "private"
	if n.Type() == "struct_specifier" {
		access = "public"
	}
	var (
		out      = []Member{}
		comments []*sitter.Node
		lastRow  = -1
	)
	for i := 0; i < int(body.NamedChildCount()); i++ {
		c := body.NamedChild(i)
		if c == nil {
			continue
		}
		switch c.Type() {
		case "comment":
			// A comment trailing the previous member on its line belongs to that member.
			if int(c.StartPoint().Row) != lastRow {
				comments = append(comments, c)
			}
			continue
		case "access_specifier":
			access = strings.TrimSpace(strings.TrimSuffix(snap.NodeText(c), ":"))
		case "field_declaration", "declaration", "function_definition", "template_declaration":
			if m, ok := member(snap, c); ok {
				m.Access = access
				m.Comment = commentText(snap, comments, c)
				out = append(out, m)
			}
		}
		comments = nil
		lastRow = int(c.EndPoint().Row)
	}
	return out, nil
}

// Signature returns the declaration of a function symbol without its body, with the comment
// block directly above it.
func Signature(snap *document.Snapshot, fn Symbol) (Member, error) {
	n := symbolNode(snap, fn, "function_definition")
	if n == nil {
		return Member{}, fmt.Errorf("%w: function %s in %s", ErrNotFound, fn.QualifiedName, snap.Path)
	}
	anchor := outermost(n)
	if anchor.Type() == "template_declaration" {
		n = anchor
	}
	m, ok := member(snap, n)
	if !ok {
		return Member{}, fmt.Errorf("%w: function %s in %s", ErrNotFound, fn.QualifiedName, snap.Path)
	}
	m.Name = fn.Name
	m.Comment = Comment(snap, fn)
	return m, nil
}

// Comment returns the comment block directly above a function, class or struct symbol.
func Comment(snap *document.Snapshot, sym Symbol) string {
	n := symbolNode(snap, sym, "function_definition", "class_specifier", "struct_specifier")
	if n == nil {
		return ""
	}
	anchor := outermost(n)
	var comments []*sitter.Node
	row := anchor.StartPoint().Row
	for p := anchor.PrevNamedSibling(); p != nil && p.Type() == "comment"; p = p.PrevNamedSibling() {
		if p.EndPoint().Row+1 < row {
			break
		}
		comments = append(comments, p)
		row = p.StartPoint().Row
	}
	slices.Reverse(comments)
	return commentText(snap, comments, anchor)
}

// member reads one member declaration. Declarations that declare no name are skipped.
func member(snap *document.Snapshot, n *sitter.Node) (Member, bool) {
	decl := n
	if n.Type() == "template_declaration" {
		decl = nil
		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			c := n.NamedChild(i)
			if c == nil {
				continue
			}
			switch c.Type() {
			case "function_definition", "declaration", "field_declaration":
				decl = c
			}
			if decl != nil {
				break
			}
		}
		if decl == nil {
			return Member{}, false
		}
	}

	declarator := decl.ChildByFieldName("declarator")
	if declarator == nil {
		return Member{}, false
	}
	m := Member{
		Kind:  MemberField,
		Line:  n.StartPoint().Row + 1,
		Range: document.Range{Start: n.StartByte(), End: n.EndByte()},
	}
	if fd := functionDeclarator(declarator); fd != nil {
		m.Kind = MemberMethod
		if name := fd.ChildByFieldName("declarator"); name != nil {
			m.Name = lastSegment(compact(snap.NodeText(name)))
		}
	} else {
		m.Name = compact(snap.NodeText(innermost(declarator)))
	}
	if m.Name == "" {
		return Member{}, false
	}

	end := n.EndByte()
	if body := decl.ChildByFieldName("body"); body != nil {
		end = body.StartByte()
		for i := 0; i < int(decl.NamedChildCount()); i++ {
			if c := decl.NamedChild(i); c != nil && c.Type() == "field_initializer_list" {
				end = c.StartByte()
				break
			}
		}
	}
	sig := compact(snap.Text(document.Range{Start: n.StartByte(), End: end}))
	m.Signature = strings.TrimSpace(strings.TrimSuffix(sig, ";")) + ";"

	words := strings.FieldsFunc(m.Signature, func(r rune) bool {
		return r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	m.Static = slices.Contains(words, "static")
	if m.Kind == MemberMethod {
		m.Override = slices.Contains(words, "override")
		m.Final = slices.Contains(words, "final")
		m.PureVirtual = hasChild(decl, "pure_virtual_clause") ||
			strings.HasSuffix(strings.ReplaceAll(m.Signature, " ", ""), "=0;")
		m.Virtual = slices.Contains(words, "virtual") || m.Override || m.Final || m.PureVirtual
	}
	return m, true
}

// functionDeclarator finds the function declarator under pointer and reference declarators.
func functionDeclarator(n *sitter.Node) *sitter.Node {
	for n != nil {
		switch n.Type() {
		case "function_declarator":
			return n
		case "pointer_declarator", "reference_declarator", "parenthesized_declarator":
			n = inner(n)
		default:
			return nil
		}
	}
	return nil
}

// innermost returns the declared name of a declarator.
func innermost(n *sitter.Node) *sitter.Node {
	for {
		next := inner(n)
		if next == nil {
			return n
		}
		n = next
	}
}

// inner returns the declarator nested in n. Reference and parenthesized declarators carry it
// without a field name.
func inner(n *sitter.Node) *sitter.Node {
	if next := n.ChildByFieldName("declarator"); next != nil {
		return next
	}
	switch n.Type() {
	case "reference_declarator", "parenthesized_declarator":
		if n.NamedChildCount() > 0 {
			return n.NamedChild(0)
		}
	}
	return nil
}

func hasChild(n *sitter.Node, typ string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		if c := n.Child(i); c != nil && c.Type() == typ {
			return true
		}
	}
	return false
}

// symbolNode finds the syntax node a symbol was extracted from. Function symbols start at their
// declarator, so the node may start before the symbol.
func symbolNode(snap *document.Snapshot, sym Symbol, types ...string) *sitter.Node {
	if sym.DocumentID != "" && sym.DocumentID != snap.ID {
		return nil
	}
	start, end := snap.Position(sym.Range.Start), snap.Position(sym.Range.End)
	n := snap.Root().NamedDescendantForPointRange(
		sitter.Point{Row: start.Row, Column: start.Column},
		sitter.Point{Row: end.Row, Column: end.Column},
	)
	for ; n != nil; n = n.Parent() {
		if n.EndByte() != sym.Range.End || n.StartByte() > sym.Range.Start {
			if n.EndByte() > sym.Range.End {
				return nil
			}
			continue
		}
		if slices.Contains(types, n.Type()) {
			return n
		}
	}
	return nil
}

// outermost climbs to the template or declaration a definition is written in.
func outermost(n *sitter.Node) *sitter.Node {
	for p := n.Parent(); p != nil; p = n.Parent() {
		switch p.Type() {
		case "template_declaration":
		case "declaration":
			if p.StartByte() != n.StartByte() {
				return n
			}
		default:
			return n
		}
		n = p
	}
	return n
}

// commentText joins the comments directly above n, dropping those separated from it by a blank
// line.
func commentText(snap *document.Snapshot, comments []*sitter.Node, n *sitter.Node) string {
	row := n.StartPoint().Row
	keep := len(comments)
	for i := len(comments) - 1; i >= 0; i-- {
		if comments[i].EndPoint().Row+1 < row {
			break
		}
		keep = i
		row = comments[i].StartPoint().Row
	}
	parts := make([]string, 0, len(comments)-keep)
	for _, c := range comments[keep:] {
		parts = append(parts, strings.TrimSpace(snap.NodeText(c)))
	}
	return strings.Join(parts, "\n")
}
