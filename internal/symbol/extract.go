package symbol

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/query"
)

type extraction struct {
	symbols []Symbol
	bases   []baseRow
	calls   []CallSite
}

type baseRow struct {
	classOrdinal int
	name         string
	access       string
	virtual      bool
}

// pendingBase ties bases to a class before ordinals are assigned.
type pendingBase struct {
	class document.Range
	kind  Kind
	bases []baseRow
}

// extract runs the enabled predefined queries against snap and normalizes their matches.
func (x *Index) extract(ctx context.Context, snap *document.Snapshot) (extraction, error) {
	var (
		syms    []Symbol
		pending []pendingBase
	)
	add := func(s Symbol) {
		s.DocumentID = snap.ID
		s.Path = snap.Path
		s.Start = snap.Position(s.Range.Start)
		s.End = snap.Position(s.Range.End)
		syms = append(syms, s)
	}

	err := x.each(ctx, snap, query.Functions, func(m query.Match) {
		name, ok1 := m.Capture(query.CaptureName)
		decl, ok2 := m.Capture(query.CaptureDeclarator)
		def, ok3 := m.Capture(query.CaptureDefinition)
		if !ok1 || !ok2 || !ok3 {
			return
		}
		qualified := compact(name.Text)
		add(Symbol{
			Name:          lastSegment(qualified),
			QualifiedName: qualified,
			Kind:          KindFunction,
			Detail:        compact(decl.Text),
			Range:         document.Range{Start: decl.Range.Start, End: def.Range.End},
		})
	})
	if err != nil {
		return extraction{}, err
	}

	err = x.each(ctx, snap, query.Classes, func(m query.Match) {
		name, ok1 := m.Capture(query.CaptureName)
		def, ok2 := m.Capture(query.CaptureDefinition)
		if !ok1 || !ok2 {
			return
		}
		kind := KindClass
		if def.Kind == "struct_specifier" {
			kind = KindStruct
		}
		qualified := compact(name.Text)
		add(Symbol{
			Name:          lastSegment(qualified),
			QualifiedName: qualified,
			Kind:          kind,
			Range:         def.Range,
		})
		if bases := baseClasses(snap, def.Node, kind); len(bases) > 0 {
			pending = append(pending, pendingBase{class: def.Range, kind: kind, bases: bases})
		}
	})
	if err != nil {
		return extraction{}, err
	}

	err = x.each(ctx, snap, query.Includes, func(m query.Match) {
		path, ok1 := m.Capture(query.CapturePath)
		inc, ok2 := m.Capture(query.CaptureInclude)
		if !ok1 || !ok2 {
			return
		}
		detail := DetailLocal
		if strings.HasPrefix(path.Text, "<") {
			detail = DetailSystem
		}
		add(Symbol{
			Name:          strings.Trim(path.Text, `"<>`),
			QualifiedName: path.Text,
			Kind:          KindInclude,
			Detail:        detail,
			Range:         trimRange(snap, inc.Range),
		})
	})
	if err != nil {
		return extraction{}, err
	}

	err = x.each(ctx, snap, query.Macros, func(m query.Match) {
		name, ok := m.Capture(query.CaptureName)
		if !ok {
			return
		}
		detail, node := DetailDefinition, query.Capture{}
		if def, ok := m.Capture(query.CaptureDefinition); ok {
			node = def
		} else if use, ok := m.Capture(query.CaptureUse); ok {
			detail, node = DetailUse, use
		} else {
			return
		}
		add(Symbol{
			Name:          name.Text,
			QualifiedName: name.Text,
			Kind:          KindMacro,
			Detail:        detail,
			Range:         trimRange(snap, node.Range),
		})
	})
	if err != nil {
		return extraction{}, err
	}

	err = x.each(ctx, snap, query.Variables, func(m query.Match) {
		name, ok1 := m.Capture(query.CaptureName)
		def, ok2 := m.Capture(query.CaptureDefinition)
		if !ok1 || !ok2 {
			return
		}
		var typ string
		if t := def.Node.ChildByFieldName("type"); t != nil {
			typ = compact(snap.NodeText(t))
		}
		add(Symbol{
			Name:          name.Text,
			QualifiedName: name.Text,
			Kind:          KindVariable,
			Detail:        typ,
			Range:         def.Range,
		})
	})
	if err != nil {
		return extraction{}, err
	}

	resolveParents(syms)

	var bases []baseRow
	for _, p := range pending {
		i := slices.IndexFunc(syms, func(s Symbol) bool { return s.Kind == p.kind && s.Range == p.class })
		if i < 0 {
			continue
		}
		for _, b := range p.bases {
			b.classOrdinal = syms[i].ordinal
			bases = append(bases, b)
		}
	}

	var calls []CallSite
	err = x.each(ctx, snap, query.Calls, func(m query.Match) {
		callee, ok1 := m.Capture(query.CaptureCallee)
		call, ok2 := m.Capture(query.CaptureCall)
		if !ok1 || !ok2 {
			return
		}
		calls = append(calls, CallSite{
			Callee:        callee.Text,
			Text:          compact(call.Text),
			DocumentID:    snap.ID,
			Path:          snap.Path,
			Range:         call.Range,
			Start:         call.StartPoint,
			callerOrdinal: enclosingFunction(syms, call.Range),
		})
	})
	if err != nil {
		return extraction{}, err
	}

	return extraction{symbols: syms, bases: bases, calls: calls}, nil
}

func (x *Index) each(ctx context.Context, snap *document.Snapshot, name string, fn func(query.Match)) error {
	if !x.engine.Has(name) {
		return nil
	}
	q, err := x.engine.Predefined(name)
	if err != nil {
		return err
	}
	matches, err := x.engine.Matches(ctx, q, snap)
	if err != nil {
		return fmt.Errorf("run %s query: %w", name, err)
	}
	for _, m := range matches {
		fn(m)
	}
	return nil
}

// resolveParents orders syms by position, assigns ordinals and sets the parent of every symbol to
// the smallest function, class or struct strictly enclosing it. Syntax ranges nest, so a stack of
// open containers is enough.
func resolveParents(syms []Symbol) {
	slices.SortStableFunc(syms, func(a, b Symbol) int {
		return cmp.Or(
			cmp.Compare(a.Range.Start, b.Range.Start),
			cmp.Compare(b.Range.End, a.Range.End),
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.QualifiedName, b.QualifiedName),
		)
	})

	var open []int
	for i := range syms {
		s := &syms[i]
		s.ordinal = i
		s.parent = -1
		for len(open) > 0 && !contains(syms[open[len(open)-1]].Range, s.Range) {
			open = open[:len(open)-1]
		}
		for j := len(open) - 1; j >= 0; j-- {
			if syms[open[j]].Range != s.Range {
				s.parent = open[j]
				break
			}
		}
		switch s.Kind {
		case KindFunction, KindClass, KindStruct:
			open = append(open, i)
		}
	}
}

func enclosingFunction(syms []Symbol, r document.Range) int {
	best := -1
	for i, s := range syms {
		if s.Kind != KindFunction || !contains(s.Range, r) {
			continue
		}
		if best < 0 || s.Range.Len() < syms[best].Range.Len() {
			best = i
		}
	}
	if best < 0 {
		return -1
	}
	return syms[best].ordinal
}

func contains(outer, inner document.Range) bool {
	return outer.Start <= inner.Start && inner.End <= outer.End
}

// baseClasses reads the base_class_clause of a class or struct definition.
func baseClasses(snap *document.Snapshot, def *sitter.Node, kind Kind) []baseRow {
	if def == nil {
		return nil
	}
	var clause *sitter.Node
	for i := 0; i < int(def.NamedChildCount()); i++ {
		if c := def.NamedChild(i); c != nil && c.Type() == "base_class_clause" {
			clause = c
			break
		}
	}
	if clause == nil {
		return nil
	}

	// Default inheritance is private for classes and public for structs.
	defaultAccess := "private"
	if kind == KindStruct {
		defaultAccess = "public"
	}
	var (
		bases   []baseRow
		access  string
		virtual bool
	)
	for i := 0; i < int(clause.ChildCount()); i++ {
		c := clause.Child(i)
		if c == nil {
			continue
		}
		switch c.Type() {
		case "access_specifier", "public", "protected", "private":
			access = snap.NodeText(c)
		case "virtual":
			virtual = true
		case "type_identifier", "qualified_identifier", "template_type":
			a := access
			if a == "" {
				a = defaultAccess
			}
			bases = append(bases, baseRow{name: compact(snap.NodeText(c)), access: a, virtual: virtual})
			access, virtual = "", false
		case ",":
			access, virtual = "", false
		}
	}
	return bases
}

// lastSegment returns the unqualified name of a possibly qualified name, without template
// arguments.
func lastSegment(name string) string {
	depth, start := 0, 0
	for i := 0; i < len(name); i++ {
		switch {
		case name[i] == '<':
			depth++
		case name[i] == '>' && depth > 0:
			depth--
		case depth == 0 && strings.HasPrefix(name[i:], "::"):
			start = i + 2
			i++
		}
	}
	seg := name[start:]
	if strings.HasPrefix(seg, "operator") {
		return seg
	}
	if i := strings.IndexByte(seg, '<'); i > 0 {
		seg = seg[:i]
	}
	return seg
}

// compact collapses runs of whitespace into single spaces.
func compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// trimRange drops trailing whitespace from r, which preprocessor nodes include.
func trimRange(snap *document.Snapshot, r document.Range) document.Range {
	end := min(r.End, uint32(len(snap.Content)))
	for end > r.Start {
		switch snap.Content[end-1] {
		case ' ', '\t', '\r', '\n':
			end--
			continue
		}
		break
	}
	return document.Range{Start: r.Start, End: end}
}
