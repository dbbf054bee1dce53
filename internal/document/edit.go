package document

import (
	"github.com/sergi/go-diff/diffmatchpatch"
	sitter "github.com/smacker/go-tree-sitter"
)

// editInput describes an edit of old into content to the parser. Rows and columns of the old end
// come from the old line table, those of the new end from the new content.
func editInput(old *Snapshot, content []byte, r Range, inserted uint32) sitter.EditInput {
	newEnd := r.Start + inserted
	start := old.Position(r.Start)
	oldEnd := old.Position(r.End)
	return sitter.EditInput{
		StartIndex:  r.Start,
		OldEndIndex: r.End,
		NewEndIndex: newEnd,
		StartPoint:  sitter.Point{Row: start.Row, Column: start.Column},
		OldEndPoint: sitter.Point{Row: oldEnd.Row, Column: oldEnd.Column},
		NewEndPoint: toSitterPoint(pointIn(lineStarts(content[:newEnd]), newEnd)),
	}
}

func toSitterPoint(p Point) sitter.Point {
	return sitter.Point{Row: p.Row, Column: p.Column}
}

// diffEdit returns the single edit turning before into after: the range of before that differs and
// its replacement text. diffmatchpatch counts runes, so the range never splits a UTF-8 sequence.
func diffEdit(before, after []byte) (Range, string, bool) {
	a, b := string(before), string(after)
	if a == b {
		return Range{}, "", false
	}

	dmp := diffmatchpatch.New()
	ra, rb := []rune(a), []rune(b)
	prefix := dmp.DiffCommonPrefix(a, b)
	// The suffix is searched after the prefix so the two never overlap.
	suffix := dmp.DiffCommonSuffix(string(ra[prefix:]), string(rb[prefix:]))

	start := len(string(ra[:prefix]))
	endA := len(a) - len(string(ra[len(ra)-suffix:]))
	endB := len(b) - len(string(rb[len(rb)-suffix:]))

	return Range{Start: uint32(start), End: uint32(endA)}, b[start:endB], true
}
