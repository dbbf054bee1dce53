package document

import (
	"bytes"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// NodeID indexes a node in a snapshot's arena. The root is always 0.
type NodeID int32

// NoNode is the parent of the root node.
const NoNode NodeID = -1

// Point is a zero-based row and byte column.
type Point struct {
	Row    uint32 `json:"row"`
	Column uint32 `json:"column"`
}

// Range is a half-open byte range [Start, End).
type Range struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Contains reports whether offset lies in r. An empty range contains its start offset.
func (r Range) Contains(offset uint32) bool {
	if r.Start == r.End {
		return offset == r.Start
	}
	return offset >= r.Start && offset < r.End
}

// Len returns the number of bytes covered by r.
func (r Range) Len() uint32 { return r.End - r.Start }

// NodeRef addresses a node of one tree generation of a document.
type NodeRef struct {
	DocumentID string `json:"document_id"`
	Generation uint64 `json:"generation"`
	NodeID     NodeID `json:"node_id"`
}

// Node is an arena entry describing one syntax node.
type Node struct {
	ID         NodeID   `json:"node_id"`
	Kind       string   `json:"kind"`
	Named      bool     `json:"named"`
	Missing    bool     `json:"missing,omitempty"`
	IsError    bool     `json:"is_error,omitempty"`
	Range      Range    `json:"range"`
	StartPoint Point    `json:"start_point"`
	EndPoint   Point    `json:"end_point"`
	Parent     NodeID   `json:"parent"`
	Children   []NodeID `json:"children,omitempty"`
}

type nodeKey struct {
	start, end uint32
	symbol     sitter.Symbol
}

// Snapshot is one immutable version of a document: its content, the tree parsed from exactly that
// content and the node arena of the tree. Edits never modify a snapshot, they produce a new one.
type Snapshot struct {
	ID         string
	Path       string
	Grammar    string
	Version    uint64
	Generation uint64
	Content    []byte
	HasErrors  bool

	tree  *sitter.Tree
	nodes []Node
	index map[nodeKey]NodeID
	lines []uint32
}

func newSnapshot(id, path string, version, generation uint64, content []byte, tree *sitter.Tree) *Snapshot {
	s := &Snapshot{
		ID:         id,
		Path:       path,
		Grammar:    GrammarCPP,
		Version:    version,
		Generation: generation,
		Content:    content,
		tree:       tree,
		lines:      lineStarts(content),
	}
	s.buildArena()
	return s
}

// buildArena flattens the tree in pre-order so that parents always precede their children.
func (s *Snapshot) buildArena() {
	root := s.tree.RootNode()
	s.HasErrors = root.HasError()
	s.index = make(map[nodeKey]NodeID)

	type frame struct {
		node   *sitter.Node
		parent NodeID
	}
	stack := []frame{{node: root, parent: NoNode}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		id := NodeID(len(s.nodes))
		n := f.node
		s.nodes = append(s.nodes, Node{
			ID:         id,
			Kind:       n.Type(),
			Named:      n.IsNamed(),
			Missing:    n.IsMissing(),
			IsError:    n.Type() == "ERROR",
			Range:      Range{Start: n.StartByte(), End: n.EndByte()},
			StartPoint: Point{Row: n.StartPoint().Row, Column: n.StartPoint().Column},
			EndPoint:   Point{Row: n.EndPoint().Row, Column: n.EndPoint().Column},
			Parent:     f.parent,
		})
		if f.parent != NoNode {
			s.nodes[f.parent].Children = append(s.nodes[f.parent].Children, id)
		}
		key := nodeKey{start: n.StartByte(), end: n.EndByte(), symbol: n.Symbol()}
		if _, ok := s.index[key]; !ok {
			s.index[key] = id
		}

		count := int(n.ChildCount())
		for i := count - 1; i >= 0; i-- {
			if child := n.Child(i); child != nil {
				stack = append(stack, frame{node: child, parent: id})
			}
		}
	}
}

// Tree returns the syntax tree of the snapshot. Callers must treat it as read-only.
func (s *Snapshot) Tree() *sitter.Tree { return s.tree }

// Root returns the root node of the tree.
func (s *Snapshot) Root() *sitter.Node { return s.tree.RootNode() }

// NodeCount returns the number of nodes in the arena.
func (s *Snapshot) NodeCount() int { return len(s.nodes) }

// Ref returns the reference of a node belonging to this snapshot's tree.
func (s *Snapshot) Ref(n *sitter.Node) (NodeRef, bool) {
	if n == nil {
		return NodeRef{}, false
	}
	id, ok := s.index[nodeKey{start: n.StartByte(), end: n.EndByte(), symbol: n.Symbol()}]
	if !ok {
		return NodeRef{}, false
	}
	return NodeRef{DocumentID: s.ID, Generation: s.Generation, NodeID: id}, true
}

// Node dereferences ref against this snapshot. References to another document or another
// generation are rejected.
func (s *Snapshot) Node(ref NodeRef) (Node, error) {
	if ref.DocumentID != s.ID {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, ref.DocumentID)
	}
	if ref.Generation != s.Generation {
		return Node{}, fmt.Errorf("%w: generation %d, current %d", ErrStaleReference, ref.Generation, s.Generation)
	}
	if ref.NodeID < 0 || int(ref.NodeID) >= len(s.nodes) {
		return Node{}, fmt.Errorf("%w: node %d", ErrStaleReference, ref.NodeID)
	}
	return s.nodes[ref.NodeID], nil
}

// Text returns the source text covered by r, clamped to the content.
func (s *Snapshot) Text(r Range) string {
	size := uint32(len(s.Content))
	start, end := min(r.Start, size), min(r.End, size)
	if start > end {
		return ""
	}
	return string(s.Content[start:end])
}

// NodeText returns the source text of a node.
func (s *Snapshot) NodeText(n *sitter.Node) string {
	return s.Text(Range{Start: n.StartByte(), End: n.EndByte()})
}

// Position converts a byte offset to a zero-based row and byte column.
func (s *Snapshot) Position(offset uint32) Point {
	return pointIn(s.lines, offset)
}

// Line returns the content of a zero-based row without its line terminator.
func (s *Snapshot) Line(row uint32) string {
	if int(row) >= len(s.lines) {
		return ""
	}
	start := s.lines[row]
	end := uint32(len(s.Content))
	if int(row)+1 < len(s.lines) {
		end = s.lines[row+1]
	}
	return string(bytes.TrimRight(s.Content[start:end], "\r\n"))
}

// LineCount returns the number of lines in the content.
func (s *Snapshot) LineCount() int { return len(s.lines) }

func lineStarts(content []byte) []uint32 {
	starts := []uint32{0}
	for i, b := range content {
		if b == '\n' {
			starts = append(starts, uint32(i+1))
		}
	}
	return starts
}

func pointIn(lines []uint32, offset uint32) Point {
	lo, hi := 0, len(lines)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if lines[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return Point{Row: uint32(lo), Column: offset - lines[lo]}
}
