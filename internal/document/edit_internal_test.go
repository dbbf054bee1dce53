package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffEdit(t *testing.T) {
	tests := []struct {
		name        string
		before      string
		after       string
		wantRange   Range
		wantText    string
		wantChanged bool
	}{
		{name: "identical", before: "int x;", after: "int x;"},
		{name: "middle", before: "int alpha;", after: "int beta;", wantRange: Range{Start: 4, End: 8}, wantText: "bet", wantChanged: true},
		{name: "append", before: "int x;", after: "int x;\nint y;", wantRange: Range{Start: 6, End: 6}, wantText: "\nint y;", wantChanged: true},
		{name: "delete prefix", before: "// c\nint x;", after: "int x;", wantRange: Range{Start: 0, End: 5}, wantText: "", wantChanged: true},
		{name: "repeated text", before: "aaaa", after: "aaaaaa", wantRange: Range{Start: 4, End: 4}, wantText: "aa", wantChanged: true},
		{name: "multibyte", before: `auto s = "héllo";`, after: `auto s = "hèllo";`, wantRange: Range{Start: 11, End: 13}, wantText: "è", wantChanged: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, text, changed := diffEdit([]byte(tt.before), []byte(tt.after))
			assert.Equal(t, tt.wantChanged, changed)
			if !changed {
				return
			}
			assert.Equal(t, tt.wantRange, r)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.after, tt.before[:r.Start]+text+tt.before[r.End:])
		})
	}
}

func TestPointIn(t *testing.T) {
	lines := lineStarts([]byte("ab\ncd\n\nef"))
	assert.Equal(t, []uint32{0, 3, 6, 7}, lines)
	assert.Equal(t, Point{Row: 0, Column: 2}, pointIn(lines, 2))
	assert.Equal(t, Point{Row: 1, Column: 0}, pointIn(lines, 3))
	assert.Equal(t, Point{Row: 2, Column: 0}, pointIn(lines, 6))
	assert.Equal(t, Point{Row: 3, Column: 2}, pointIn(lines, 9))
}
