package view

import (
	"testing"

	"mview/pkg/catalog"
	"mview/pkg/mutation"

	"github.com/stretchr/testify/assert"
)

// mockQuotedDef builds a view whose identifiers collide under case folding
// and keyword stripping. Every one of them must survive the statement
// round trip verbatim.
func mockQuotedDef(t *testing.T, dir string) (*catalog.Catalog, *catalog.ViewEntry) {
	c := catalog.MockCatalog(dir)
	schema := catalog.NewSchema(`base "tbl"`)
	schema.AppendCol("dog", catalog.ColText)
	schema.AppendCol("Dog", catalog.ColText)
	schema.AppendCol("DOG", catalog.ColText)
	schema.AppendCol("to", catalog.ColInt)
	schema.AppendCol("int", catalog.ColText)
	assert.Nil(t, schema.PrimaryKey([]string{"dog"}, []string{"Dog"}))
	assert.Nil(t, c.CreateTable(schema))

	e, err := c.CreateView(&catalog.ViewRequest{
		Name:         `mv "of" Idents`,
		Base:         schema,
		KeyCols:      []string{"to", "dog", "Dog"},
		PartKeyCount: 1,
		Filter: catalog.NewFilter(
			catalog.IsNotNull("to"), catalog.IsNotNull("dog"), catalog.IsNotNull("Dog")),
	})
	assert.Nil(t, err)
	return c, e
}

func TestRewriteInsertRoundTrip(t *testing.T) {
	c, e := mockQuotedDef(t, initTestPath(t))
	defer c.Close()

	m := &mutation.ViewMutation{
		Table:      e.Name,
		Partition:  []mutation.Value{mutation.Int64(7)},
		Clustering: []mutation.Value{mutation.Text("d1"), mutation.Text("d2")},
		Cells: map[string]mutation.Value{
			"DOG": mutation.Text("upper"),
			"int": mutation.Text("keyword"),
		},
		Ts: 11,
	}
	stmt := RewriteMutation(e, m)
	assert.Equal(t,
		`INSERT INTO "mv ""of"" Idents" ("to", dog, "Dog", "DOG", "int") VALUES (?, ?, ?, ?, ?)`,
		stmt.Text)

	got, err := stmt.ToMutation(e)
	assert.Nil(t, err)
	assert.False(t, got.Delete)
	assert.Equal(t, uint64(11), got.Ts)
	assert.True(t, got.Partition[0].Equals(mutation.Int64(7)))
	assert.True(t, got.Clustering[0].Equals(mutation.Text("d1")))
	assert.True(t, got.Clustering[1].Equals(mutation.Text("d2")))
	assert.True(t, got.Cells["DOG"].Equals(mutation.Text("upper")))
	assert.True(t, got.Cells["int"].Equals(mutation.Text("keyword")))
	// Case-folded siblings must not bleed into each other.
	_, bled := got.Cells["dog"]
	assert.False(t, bled)
}

func TestRewriteDeleteRoundTrip(t *testing.T) {
	c, e := mockQuotedDef(t, initTestPath(t))
	defer c.Close()

	m := &mutation.ViewMutation{
		Table:      e.Name,
		Partition:  []mutation.Value{mutation.Int64(7)},
		Clustering: []mutation.Value{mutation.Text(""), mutation.Text("d2")},
		Ts:         12,
		Delete:     true,
	}
	stmt := RewriteMutation(e, m)
	assert.Equal(t,
		`DELETE FROM "mv ""of"" Idents" WHERE "to" = ? AND dog = ? AND "Dog" = ?`,
		stmt.Text)

	got, err := stmt.ToMutation(e)
	assert.Nil(t, err)
	assert.True(t, got.Delete)
	assert.True(t, got.Clustering[0].Equals(mutation.Text("")))
}

func TestRewriteDetectsLostQuotes(t *testing.T) {
	c, e := mockQuotedDef(t, initTestPath(t))
	defer c.Close()

	// A statement whose quotes were stripped must fail to parse, never
	// silently write to the case-folded column.
	stmt := &Stmt{
		Text: `INSERT INTO "mv ""of"" Idents" ("to", dog, Dog) VALUES (?, ?, ?)`,
		Args: []mutation.Value{mutation.Int64(7), mutation.Text("a"), mutation.Text("b")},
		Ts:   13,
	}
	_, err := stmt.ToMutation(e)
	assert.NotNil(t, err)
}

func TestRewriteWrongTarget(t *testing.T) {
	c, e := mockQuotedDef(t, initTestPath(t))
	defer c.Close()

	stmt := &Stmt{
		Text: `DELETE FROM other_view WHERE "to" = ?`,
		Args: []mutation.Value{mutation.Int64(7)},
		Ts:   14,
	}
	_, err := stmt.ToMutation(e)
	assert.NotNil(t, err)
}

func TestRewriteUnknownColumn(t *testing.T) {
	c, e := mockQuotedDef(t, initTestPath(t))
	defer c.Close()

	stmt := &Stmt{
		Text: `INSERT INTO "mv ""of"" Idents" ("to", dog, "Dog", ghost) VALUES (?, ?, ?, ?)`,
		Args: []mutation.Value{
			mutation.Int64(7), mutation.Text("a"), mutation.Text("b"), mutation.Text("c")},
		Ts: 15,
	}
	_, err := stmt.ToMutation(e)
	assert.NotNil(t, err)
}

func TestRewriteMissingKeyColumn(t *testing.T) {
	c, e := mockQuotedDef(t, initTestPath(t))
	defer c.Close()

	stmt := &Stmt{
		Text: `DELETE FROM "mv ""of"" Idents" WHERE "to" = ? AND dog = ?`,
		Args: []mutation.Value{mutation.Int64(7), mutation.Text("a")},
		Ts:   16,
	}
	_, err := stmt.ToMutation(e)
	assert.NotNil(t, err)
}
