package mutation

import (
	"bytes"
	"fmt"

	"mview/pkg/common"
)

// RowState maps column name to its current value. Key columns are included
// under their exact identifiers. A column missing from the map is absent.
type RowState map[string]Value

func (rs RowState) Get(col string) Value {
	if rs == nil {
		return Absent()
	}
	v, ok := rs[col]
	if !ok {
		return Absent()
	}
	return v
}

func (rs RowState) Clone() RowState {
	if rs == nil {
		return nil
	}
	cloned := make(RowState, len(rs))
	for k, v := range rs {
		cloned[k] = v
	}
	return cloned
}

// ColumnDelta is the before/after pair of one regular column in a base
// write. Old is Absent when the column was unset before the write; New is
// Null for an explicit unset or a column delete.
type ColumnDelta struct {
	Old Value
	New Value
}

// BaseRowDelta describes one base-table write. It lives only long enough to
// generate the corresponding view mutations.
type BaseRowDelta struct {
	Partition  []Value
	Clustering []Value
	Updated    map[string]ColumnDelta
	Ts         uint64
	Deleted    bool
}

// Mutation is one full-or-nothing write against a table or a view: derived
// keys, projected cells, the triggering write's timestamp and a delete flag.
type Mutation struct {
	Table      string
	Partition  []Value
	Clustering []Value
	Cells      map[string]Value
	Ts         uint64
	Delete     bool
}

// ViewMutation is a Mutation whose keys are the view's derived keys.
type ViewMutation = Mutation

func (m *Mutation) String() string {
	op := "upsert"
	if m.Delete {
		op = "delete"
	}
	return fmt.Sprintf("[%s][%s]pk=%s ck=%s ts=%d cells=%d",
		op, m.Table, KeyString(m.Partition), KeyString(m.Clustering), m.Ts, len(m.Cells))
}

// EncodeKey frames each component with a length prefix so that empty
// strings survive the round trip and no two distinct keys collide.
// Every component must be a set value; null key components never reach
// storage.
func EncodeKey(vals []Value) []byte {
	var buf bytes.Buffer
	for _, v := range vals {
		if !v.IsSet() {
			panic("null or absent key component")
		}
		common.WriteBytes(v.Data(), &buf)
	}
	return buf.Bytes()
}

func DecodeKey(buf []byte) (vals []Value, err error) {
	r := bytes.NewReader(buf)
	for r.Len() > 0 {
		var component []byte
		if component, _, err = common.ReadBytes(r); err != nil {
			return
		}
		vals = append(vals, Bytes(component))
	}
	return
}

func KeyString(vals []Value) string {
	var buf bytes.Buffer
	buf.WriteByte('(')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(v.String())
	}
	buf.WriteByte(')')
	return buf.String()
}
