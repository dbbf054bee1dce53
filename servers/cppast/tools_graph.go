package cppast

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MegaGrindStone/cppmcp/internal/document"
	"github.com/MegaGrindStone/cppmcp/internal/symbol"
)

// ClassHierarchyArgs is an argument struct for the get_class_hierarchy tool.
type ClassHierarchyArgs struct {
	DocumentID      stringList `json:"document_id"`
	ClassName       string     `json:"class_name"`
	ShowMethods     *bool      `json:"show_methods"`
	ShowVirtualOnly bool       `json:"show_virtual_only"`
	MaxDepth        *int       `json:"max_depth"`
}

// DependencyGraphArgs is an argument struct for the get_dependency_graph tool.
type DependencyGraphArgs struct {
	DocumentID stringList `json:"document_id"`
	Format     string     `json:"format"`
	ShowSystem bool       `json:"show_system"`
}

// ClassNode is one class of a hierarchy.
type ClassNode struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	QualifiedName string        `json:"qualified_name"`
	Kind          symbol.Kind   `json:"kind"`
	DocumentID    string        `json:"document_id"`
	Path          string        `json:"path"`
	Line          uint32        `json:"line"`
	Bases         []symbol.Base `json:"bases"`
	Derived       []string      `json:"derived"`
	// IsAbstract reports a pure virtual method declared by the class itself.
	IsAbstract bool            `json:"is_abstract"`
	Methods    []symbol.Member `json:"methods,omitempty"`
}

// ClassHierarchyResult is the result of the get_class_hierarchy tool.
type ClassHierarchyResult struct {
	Classes []ClassNode `json:"classes"`
	// Roots are the classes without a base among the known classes.
	Roots []string `json:"roots"`
}

type documentClasses struct {
	classes []symbol.Symbol
	bases   []symbol.Base
	methods map[string][]symbol.Member
}

func (s *Server) classHierarchy(ctx context.Context, c call) (any, error) {
	var args ClassHierarchyArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	ids, err := s.documents(args.DocumentID)
	if err != nil {
		return nil, err
	}

	parts, err := eachDocument(ctx, s, c, ids, func(ctx context.Context, snap *document.Snapshot) (documentClasses, error) {
		classes, err := s.index.Symbols(ctx, symbol.Filter{
			DocumentIDs: []string{snap.ID},
			Kinds:       []symbol.Kind{symbol.KindClass, symbol.KindStruct},
		})
		if err != nil {
			return documentClasses{}, err
		}
		bases, err := s.index.Bases(ctx, []string{snap.ID})
		if err != nil {
			return documentClasses{}, err
		}
		methods := make(map[string][]symbol.Member, len(classes))
		for _, cls := range classes {
			members, err := symbol.Members(snap, cls)
			if err != nil {
				return documentClasses{}, err
			}
			for _, m := range members {
				if m.Kind == symbol.MemberMethod {
					methods[cls.ID] = append(methods[cls.ID], m)
				}
			}
		}
		return documentClasses{classes: classes, bases: bases, methods: methods}, nil
	})
	if err != nil {
		return nil, err
	}

	showMethods := args.ShowMethods == nil || *args.ShowMethods
	maxDepth := -1
	if args.MaxDepth != nil {
		maxDepth = *args.MaxDepth
	}

	var (
		nodes  []*ClassNode
		byID   = make(map[string]*ClassNode)
		byName = make(map[string][]*ClassNode)
	)
	for _, part := range parts {
		for _, sym := range part.classes {
			n := &ClassNode{
				ID:            sym.ID,
				Name:          sym.Name,
				QualifiedName: cmp.Or(sym.QualifiedName, sym.Name),
				Kind:          sym.Kind,
				DocumentID:    sym.DocumentID,
				Path:          sym.Path,
				Line:          sym.Start.Row + 1,
				Bases:         []symbol.Base{},
				Derived:       []string{},
			}
			for _, m := range part.methods[sym.ID] {
				n.IsAbstract = n.IsAbstract || m.PureVirtual
				if showMethods && (m.Virtual || !args.ShowVirtualOnly) {
					n.Methods = append(n.Methods, m)
				}
			}
			nodes = append(nodes, n)
			byID[n.ID] = n
			byName[n.Name] = append(byName[n.Name], n)
			if n.QualifiedName != n.Name {
				byName[n.QualifiedName] = append(byName[n.QualifiedName], n)
			}
		}
	}

	// parents maps a class to the known classes it derives from.
	parents := make(map[string][]*ClassNode)
	for _, part := range parts {
		for _, b := range part.bases {
			child, ok := byID[b.ClassID]
			if !ok {
				continue
			}
			child.Bases = append(child.Bases, b)
			for _, parent := range baseCandidates(byName, b.Name) {
				if parent == child || slices.Contains(parents[child.ID], parent) {
					continue
				}
				parents[child.ID] = append(parents[child.ID], parent)
				parent.Derived = append(parent.Derived, child.QualifiedName)
			}
		}
	}

	selected := nodes
	if args.ClassName != "" {
		start := byName[args.ClassName]
		if len(start) == 0 {
			return nil, fmt.Errorf("%w: class %s", symbol.ErrNotFound, args.ClassName)
		}
		selected = related(start, parents, byName, maxDepth)
	}

	res := ClassHierarchyResult{Classes: make([]ClassNode, 0, len(selected)), Roots: []string{}}
	for _, n := range selected {
		res.Classes = append(res.Classes, *n)
		if len(parents[n.ID]) == 0 {
			res.Roots = append(res.Roots, n.QualifiedName)
		}
	}
	return res, nil
}

// baseCandidates resolves a base clause by name: first exactly, then by its last segment. Template
// arguments are ignored.
func baseCandidates(byName map[string][]*ClassNode, name string) []*ClassNode {
	if i := strings.IndexByte(name, '<'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if found := byName[name]; len(found) > 0 {
		return found
	}
	if i := strings.LastIndex(name, "::"); i >= 0 {
		return byName[name[i+2:]]
	}
	return nil
}

// related returns the start classes with their ancestors and descendants, in the order of
// discovery. A negative maxDepth follows the inheritance in both directions without limit;
// otherwise classes more than maxDepth levels away are left out.
func related(
	start []*ClassNode,
	parents map[string][]*ClassNode,
	byName map[string][]*ClassNode,
	maxDepth int,
) []*ClassNode {
	seen := make(map[string]bool)
	var out []*ClassNode
	visit := func(n *ClassNode) bool {
		if seen[n.ID] {
			return false
		}
		seen[n.ID] = true
		out = append(out, n)
		return true
	}
	type step struct {
		node  *ClassNode
		depth int
	}
	walk := func(next func(*ClassNode) []*ClassNode) {
		queue := make([]step, 0, len(start))
		for _, n := range start {
			queue = append(queue, step{node: n})
		}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if maxDepth >= 0 && cur.depth >= maxDepth {
				continue
			}
			for _, n := range next(cur.node) {
				if visit(n) {
					queue = append(queue, step{node: n, depth: cur.depth + 1})
				}
			}
		}
	}

	for _, n := range start {
		visit(n)
	}
	walk(func(n *ClassNode) []*ClassNode { return parents[n.ID] })
	walk(func(n *ClassNode) []*ClassNode {
		var derived []*ClassNode
		for _, name := range n.Derived {
			derived = append(derived, byName[name]...)
		}
		return derived
	})
	return out
}

// Dependency graph formats.
const (
	FormatJSON    = "json"
	FormatMermaid = "mermaid"
	FormatDOT     = "dot"
)

// GraphNode is a file of the include graph. External nodes are includes that match no open
// document.
type GraphNode struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	External bool   `json:"external,omitempty"`
	System   bool   `json:"system,omitempty"`
}

// GraphEdge is one include directive.
type GraphEdge struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Include string `json:"include"`
	Line    uint32 `json:"line"`
	Cycle   bool   `json:"cycle,omitempty"`
}

// DependencyGraphResult is the result of the get_dependency_graph tool.
type DependencyGraphResult struct {
	Format  string      `json:"format"`
	Nodes   []GraphNode `json:"nodes"`
	Edges   []GraphEdge `json:"edges"`
	Cycles  [][]string  `json:"cycles"`
	Content string      `json:"content,omitempty"`
}

type includeRow struct {
	from    string
	include symbol.Symbol
}

func (s *Server) dependencyGraph(ctx context.Context, c call) (any, error) {
	var args DependencyGraphArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	format := cmp.Or(args.Format, FormatJSON)
	ids, err := s.documents(args.DocumentID)
	if err != nil {
		return nil, err
	}

	parts, err := eachDocument(ctx, s, c, ids, func(ctx context.Context, snap *document.Snapshot) ([]includeRow, error) {
		includes, err := s.index.Symbols(ctx, symbol.Filter{
			DocumentIDs: []string{snap.ID},
			Kinds:       []symbol.Kind{symbol.KindInclude},
		})
		if err != nil {
			return nil, err
		}
		rows := make([]includeRow, len(includes))
		for i, inc := range includes {
			rows[i] = includeRow{from: snap.Path, include: inc}
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}

	// Every open document is a node, so that includes resolve against files the call did not visit.
	known := make(map[string]struct{})
	for _, snap := range s.store.List() {
		known[filepath.Clean(snap.Path)] = struct{}{}
	}
	paths := make([]string, 0, len(known))
	for p := range known {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	g := newGraph()
	for _, id := range ids {
		if snap, err := s.store.Get(id); err == nil {
			g.node(GraphNode{ID: filepath.Clean(snap.Path), Name: filepath.Base(snap.Path)})
		}
	}
	for _, row := range flatten(parts) {
		inc := row.include
		from := filepath.Clean(row.from)
		if inc.Detail == symbol.DetailSystem {
			if !args.ShowSystem {
				continue
			}
			to := "<" + inc.Name + ">"
			g.node(GraphNode{ID: to, Name: to, External: true, System: true})
			g.edge(GraphEdge{From: from, To: to, Include: inc.Name, Line: inc.Start.Row + 1})
			continue
		}
		to, ok := resolveInclude(from, inc.Name, known, paths)
		if ok {
			g.node(GraphNode{ID: to, Name: filepath.Base(to)})
		} else {
			to = inc.Name
			g.node(GraphNode{ID: to, Name: to, External: true})
		}
		g.edge(GraphEdge{From: from, To: to, Include: inc.Name, Line: inc.Start.Row + 1})
	}

	res := DependencyGraphResult{Format: format, Nodes: g.nodes, Edges: g.edges, Cycles: g.cycles()}
	inCycle := make(map[string]int)
	for i, cycle := range res.Cycles {
		for _, id := range cycle {
			inCycle[id] = i + 1
		}
	}
	for i, e := range res.Edges {
		if n := inCycle[e.From]; n > 0 && n == inCycle[e.To] {
			res.Edges[i].Cycle = true
		}
	}
	if res.Nodes == nil {
		res.Nodes = []GraphNode{}
	}
	if res.Edges == nil {
		res.Edges = []GraphEdge{}
	}

	switch format {
	case FormatMermaid:
		res.Content = mermaid(res)
	case FormatDOT:
		res.Content = dot(res)
	}
	return res, nil
}

// resolveInclude maps a quoted include to an open document: relative to the including file first,
// then by path suffix.
func resolveInclude(from, include string, known map[string]struct{}, sorted []string) (string, bool) {
	candidate := filepath.Clean(filepath.Join(filepath.Dir(from), filepath.FromSlash(include)))
	if _, ok := known[candidate]; ok {
		return candidate, true
	}
	suffix := string(filepath.Separator) + filepath.Clean(filepath.FromSlash(include))
	for _, p := range sorted {
		if p == filepath.Clean(include) || strings.HasSuffix(p, suffix) {
			return p, true
		}
	}
	return "", false
}

type graph struct {
	nodes []GraphNode
	edges []GraphEdge
	index map[string]int
	adj   map[string][]string
}

func newGraph() *graph {
	return &graph{index: make(map[string]int), adj: make(map[string][]string)}
}

func (g *graph) node(n GraphNode) {
	if _, ok := g.index[n.ID]; ok {
		return
	}
	g.index[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, n)
}

func (g *graph) edge(e GraphEdge) {
	g.edges = append(g.edges, e)
	if !slices.Contains(g.adj[e.From], e.To) {
		g.adj[e.From] = append(g.adj[e.From], e.To)
	}
}

// cycles returns the strongly connected components that form a cycle: components with more than
// one node, or a single node including itself. Each cycle is sorted and the list is ordered by its
// first member.
func (g *graph) cycles() [][]string {
	var (
		counter int
		stack   []string
		onStack = make(map[string]bool)
		order   = make(map[string]int)
		low     = make(map[string]int)
		out     = [][]string{}
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		order[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.adj[v] {
			if _, seen := order[w]; !seen {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], order[w])
			}
		}

		if low[v] != order[v] {
			return
		}
		var component []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) > 1 || slices.Contains(g.adj[v], v) {
			slices.Sort(component)
			out = append(out, component)
		}
	}

	for _, n := range g.nodes {
		if _, seen := order[n.ID]; !seen {
			strongConnect(n.ID)
		}
	}
	slices.SortFunc(out, func(a, b []string) int { return cmp.Compare(a[0], b[0]) })
	return out
}

func graphIDs(nodes []GraphNode) map[string]string {
	ids := make(map[string]string, len(nodes))
	for i, n := range nodes {
		ids[n.ID] = fmt.Sprintf("N%d", i)
	}
	return ids
}

func mermaid(res DependencyGraphResult) string {
	ids := graphIDs(res.Nodes)
	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, n := range res.Nodes {
		fmt.Fprintf(&b, "    %s[%q]\n", ids[n.ID], n.Name)
	}
	for _, e := range res.Edges {
		if e.Cycle {
			fmt.Fprintf(&b, "    %s -.->|cycle| %s\n", ids[e.From], ids[e.To])
			continue
		}
		fmt.Fprintf(&b, "    %s --> %s\n", ids[e.From], ids[e.To])
	}
	if len(res.Cycles) > 0 {
		b.WriteString("\n    classDef cycleNode fill:#f96\n")
		for _, cycle := range res.Cycles {
			for _, id := range cycle {
				fmt.Fprintf(&b, "    class %s cycleNode\n", ids[id])
			}
		}
	}
	return b.String()
}

func dot(res DependencyGraphResult) string {
	ids := graphIDs(res.Nodes)
	var b strings.Builder
	b.WriteString("digraph dependencies {\n    rankdir=LR;\n    node [shape=box];\n\n")
	for _, n := range res.Nodes {
		style := ""
		if n.External {
			style = ", style=dashed"
		}
		fmt.Fprintf(&b, "    %s [label=%q%s];\n", ids[n.ID], n.Name, style)
	}
	b.WriteString("\n")
	for _, e := range res.Edges {
		fmt.Fprintf(&b, "    %s -> %s", ids[e.From], ids[e.To])
		if e.Cycle {
			b.WriteString(` [color=red, penwidth=2.0, label="cycle"]`)
		}
		b.WriteString(";\n")
	}
	b.WriteString("}\n")
	return b.String()
}
