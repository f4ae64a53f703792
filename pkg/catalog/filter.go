package catalog

import (
	"bytes"
	"fmt"
	"io"

	"mview/pkg/common"
	"mview/pkg/mutation"
)

type ClauseOp int8

const (
	OpIsNotNull ClauseOp = iota
	OpEquals
)

// Clause is one conjunct of a view filter. Marker flags an unbound bind
// placeholder; a definition carrying one is rejected before it is stored.
type Clause struct {
	Column  string
	Op      ClauseOp
	Literal mutation.Value
	Marker  bool
}

func IsNotNull(col string) Clause {
	return Clause{Column: col, Op: OpIsNotNull}
}

func Equals(col string, literal mutation.Value) Clause {
	return Clause{Column: col, Op: OpEquals, Literal: literal}
}

func EqualsMarker(col string) Clause {
	return Clause{Column: col, Op: OpEquals, Marker: true}
}

func (c Clause) String() string {
	switch c.Op {
	case OpIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", QuoteIdent(c.Column))
	case OpEquals:
		if c.Marker {
			return fmt.Sprintf("%s = ?", QuoteIdent(c.Column))
		}
		return fmt.Sprintf("%s = %s", QuoteIdent(c.Column), c.Literal.String())
	}
	return "?"
}

// Filter is a conjunction of IS NOT NULL and literal-equality clauses. It
// intentionally supports nothing else.
type Filter struct {
	Clauses []Clause
}

func NewFilter(clauses ...Clause) *Filter {
	return &Filter{Clauses: clauses}
}

// Eval decides whether a row belongs in the view. Absent and explicit null
// are the same thing here; an empty string is a set value and passes
// IS NOT NULL. A literal comparison can only pass on a set value, so an
// equality clause subsumes the presence check for its column.
func (f *Filter) Eval(row mutation.RowState) bool {
	for _, c := range f.Clauses {
		v := row.Get(c.Column)
		switch c.Op {
		case OpIsNotNull:
			if !v.IsSet() {
				return false
			}
		case OpEquals:
			if !v.IsSet() || !v.Equals(c.Literal) {
				return false
			}
		}
	}
	return true
}

// CoversPresence reports whether the filter guarantees col is non-null on
// every row it passes.
func (f *Filter) CoversPresence(col string) bool {
	for _, c := range f.Clauses {
		if c.Column == col {
			return true
		}
	}
	return false
}

// References reports whether any clause reads col.
func (f *Filter) References(col string) bool {
	return f.CoversPresence(col)
}

// Columns lists every column the filter reads.
func (f *Filter) Columns() []string {
	cols := make([]string, 0, len(f.Clauses))
	for _, c := range f.Clauses {
		cols = append(cols, c.Column)
	}
	return cols
}

func (f *Filter) String() string {
	var buf bytes.Buffer
	for i, c := range f.Clauses {
		if i > 0 {
			buf.WriteString(" AND ")
		}
		buf.WriteString(c.String())
	}
	return buf.String()
}

func (f *Filter) WriteTo(w io.Writer) (n int64, err error) {
	sn, err := common.WriteUint32(uint32(len(f.Clauses)), w)
	n += sn
	if err != nil {
		return
	}
	for _, c := range f.Clauses {
		if sn, err = common.WriteString(c.Column, w); err != nil {
			return
		}
		n += sn
		if _, err = w.Write([]byte{byte(c.Op)}); err != nil {
			return
		}
		n++
		if sn, err = c.Literal.WriteTo(w); err != nil {
			return
		}
		n += sn
	}
	return
}

func (f *Filter) ReadFrom(r io.Reader) (n int64, err error) {
	cnt, sn, err := common.ReadUint32(r)
	n += sn
	if err != nil {
		return
	}
	f.Clauses = make([]Clause, 0, cnt)
	one := make([]byte, 1)
	for i := uint32(0); i < cnt; i++ {
		var c Clause
		if c.Column, sn, err = common.ReadString(r); err != nil {
			return
		}
		n += sn
		if _, err = io.ReadFull(r, one); err != nil {
			return
		}
		n++
		c.Op = ClauseOp(one[0])
		if c.Literal, sn, err = mutation.ReadValue(r); err != nil {
			return
		}
		n += sn
		f.Clauses = append(f.Clauses, c)
	}
	return
}
