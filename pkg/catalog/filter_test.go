package catalog

import (
	"bytes"
	"testing"

	"mview/pkg/mutation"

	"github.com/stretchr/testify/assert"
)

func TestFilterEval(t *testing.T) {
	f := NewFilter(IsNotNull("c1"))
	assert.False(t, f.Eval(mutation.RowState{}))
	assert.False(t, f.Eval(mutation.RowState{"c1": mutation.Null()}))
	assert.True(t, f.Eval(mutation.RowState{"c1": mutation.Text("x")}))
	// Empty string passes IS NOT NULL.
	assert.True(t, f.Eval(mutation.RowState{"c1": mutation.Text("")}))
}

func TestFilterEvalEquality(t *testing.T) {
	f := NewFilter(Equals("v", mutation.Int64(44)))
	assert.True(t, f.Eval(mutation.RowState{"v": mutation.Int64(44)}))
	assert.False(t, f.Eval(mutation.RowState{"v": mutation.Int64(43)}))
	// Equality never passes on null or absent.
	assert.False(t, f.Eval(mutation.RowState{"v": mutation.Null()}))
	assert.False(t, f.Eval(mutation.RowState{}))
}

func TestFilterConjunction(t *testing.T) {
	f := NewFilter(IsNotNull("p"), Equals("v", mutation.Int64(44)))
	assert.True(t, f.Eval(mutation.RowState{"p": mutation.Text(""), "v": mutation.Int64(44)}))
	assert.False(t, f.Eval(mutation.RowState{"p": mutation.Null(), "v": mutation.Int64(44)}))
	assert.False(t, f.Eval(mutation.RowState{"p": mutation.Text("x")}))

	assert.True(t, f.CoversPresence("p"))
	assert.True(t, f.CoversPresence("v"))
	assert.False(t, f.CoversPresence("w"))
}

func TestFilterMarshal(t *testing.T) {
	f := NewFilter(IsNotNull("p"), Equals(`the "quick" fox`, mutation.Text("")))
	var buf bytes.Buffer
	wn, err := f.WriteTo(&buf)
	assert.Nil(t, err)

	got := new(Filter)
	rn, err := got.ReadFrom(&buf)
	assert.Nil(t, err)
	assert.Equal(t, wn, rn)
	assert.Equal(t, 2, len(got.Clauses))
	assert.Equal(t, OpIsNotNull, got.Clauses[0].Op)
	assert.Equal(t, `the "quick" fox`, got.Clauses[1].Column)
	assert.True(t, got.Clauses[1].Literal.Equals(mutation.Text("")))
}

func TestFilterString(t *testing.T) {
	f := NewFilter(IsNotNull("to"), Equals("v", mutation.Int64(44)))
	assert.Equal(t, `"to" IS NOT NULL AND v = <set:"\x00\x00\x00\x00\x00\x00\x00,">`, f.String())
}
