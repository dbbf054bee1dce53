package symbol_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/cppmcp/internal/symbol"
)

const shapes = `// Shape is drawable.
class Shape {
public:
    // area in square units
    virtual double area() const = 0;
    virtual ~Shape() {}
    static int count;
    void name() const { return; } // trailing
protected:
    int id_;
private:
    int secret() { return 1; }
};

struct Square : public Shape {
    double area() const override { return side * side; }
    Square(double s) : side(s) {}
    double side;
};

/* free */
int add(int a, int b) { return a + b; }
`

func TestMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snap := f.open(t, "shapes.h", shapes)

	classes, err := f.index.Symbols(ctx, symbol.Filter{
		DocumentIDs: []string{snap.ID},
		Kinds:       []symbol.Kind{symbol.KindClass, symbol.KindStruct},
	})
	require.NoError(t, err)
	require.Len(t, classes, 2)

	members, err := symbol.Members(snap, classes[0])
	require.NoError(t, err)
	byName := make(map[string]symbol.Member)
	for _, m := range members {
		byName[m.Name] = m
	}
	assert.Equal(t, []string{"area", "~Shape", "count", "name", "id_", "secret"}, memberNames(members))

	area := byName["area"]
	assert.Equal(t, symbol.MemberMethod, area.Kind)
	assert.True(t, area.Virtual)
	assert.True(t, area.PureVirtual)
	assert.Equal(t, "public", area.Access)
	assert.Equal(t, "virtual double area() const = 0;", area.Signature)
	assert.Equal(t, "// area in square units", area.Comment)
	assert.Equal(t, uint32(5), area.Line)

	assert.True(t, byName["~Shape"].Virtual)
	assert.False(t, byName["~Shape"].PureVirtual)
	assert.Equal(t, "virtual ~Shape();", byName["~Shape"].Signature)
	assert.True(t, byName["count"].Static)
	assert.Equal(t, symbol.MemberField, byName["count"].Kind)
	assert.Equal(t, "void name() const;", byName["name"].Signature)
	assert.False(t, byName["name"].Virtual)
	assert.Empty(t, byName["id_"].Comment)
	assert.Equal(t, "protected", byName["id_"].Access)
	assert.Equal(t, "private", byName["secret"].Access)

	square, err := symbol.Members(snap, classes[1])
	require.NoError(t, err)
	require.Len(t, square, 3)
	assert.True(t, square[0].Override)
	assert.True(t, square[0].Virtual)
	assert.False(t, square[0].PureVirtual)
	assert.Equal(t, "public", square[0].Access)
	assert.Equal(t, "Square(double s);", square[1].Signature)
	assert.Equal(t, "side", square[2].Name)

	assert.Equal(t, "// Shape is drawable.", symbol.Comment(snap, classes[0]))
	assert.Empty(t, symbol.Comment(snap, classes[1]))
}

func TestSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snap := f.open(t, "shapes.h", shapes)

	fns, err := f.index.Lookup(ctx, "add", symbol.KindFunction)
	require.NoError(t, err)
	require.Len(t, fns, 1)

	sig, err := symbol.Signature(snap, fns[0])
	require.NoError(t, err)
	assert.Equal(t, "add", sig.Name)
	assert.Equal(t, "int add(int a, int b);", sig.Signature)
	assert.Equal(t, "/* free */", sig.Comment)
	assert.Equal(t, uint32(22), sig.Line)

	other := f.open(t, "other.h", "int add(int a, int b) { return a + b; }")
	_, err = symbol.Members(other, fns[0])
	assert.ErrorIs(t, err, symbol.ErrNotFound)
}

func memberNames(members []symbol.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Name)
	}
	return out
}
