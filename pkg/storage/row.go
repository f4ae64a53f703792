package storage

import (
	"io"

	"mview/pkg/common"
	"mview/pkg/fragment"
	"mview/pkg/mutation"

	"github.com/google/btree"
)

// cell is one stored column value with its write timestamp. Oversized
// payloads live in the fragment store; frag is their handle and val is
// empty.
type cell struct {
	val  mutation.Value
	frag *fragment.FragmentedValue
	ts   uint64
}

func (c cell) liveAfter(tombstoneTs uint64) bool {
	return c.ts > tombstoneTs
}

// row is the stored form of one (partition, clustering) pair. liveTs is
// the newest upsert covering the row itself, the row-marker analogue;
// tombstoneTs is the newest whole-row delete. Delete wins a timestamp tie.
type row struct {
	part        []mutation.Value
	clust       []mutation.Value
	cells       map[string]cell
	liveTs      uint64
	tombstoneTs uint64
}

func newRow(part, clust []mutation.Value) *row {
	return &row{
		part:  append([]mutation.Value{}, part...),
		clust: append([]mutation.Value{}, clust...),
		cells: make(map[string]cell),
	}
}

func (r *row) visible() bool {
	if r.liveTs > r.tombstoneTs {
		return true
	}
	for _, c := range r.cells {
		if c.liveAfter(r.tombstoneTs) {
			return true
		}
	}
	return false
}

func (r *row) maxTs() uint64 {
	ts := r.liveTs
	if r.tombstoneTs > ts {
		ts = r.tombstoneTs
	}
	for _, c := range r.cells {
		if c.ts > ts {
			ts = c.ts
		}
	}
	return ts
}

// merge folds o into r cell-by-cell, newest timestamp winning, matching
// ordinary write semantics so replay order never changes the outcome.
func (r *row) merge(o *row) {
	if o.liveTs > r.liveTs {
		r.liveTs = o.liveTs
	}
	if o.tombstoneTs > r.tombstoneTs {
		r.tombstoneTs = o.tombstoneTs
	}
	for name, oc := range o.cells {
		if cur, ok := r.cells[name]; !ok || oc.ts > cur.ts {
			r.cells[name] = oc
		}
	}
}

func (r *row) clone() *row {
	cloned := newRow(r.part, r.clust)
	cloned.liveTs = r.liveTs
	cloned.tombstoneTs = r.tombstoneTs
	for name, c := range r.cells {
		cloned.cells[name] = c
	}
	return cloned
}

// rowItem orders rows by encoded partition key, then encoded clustering
// key. Length-prefixed encoding keeps empty-string components distinct
// and collision-free.
type rowItem struct {
	pkey string
	ckey string
	row  *row
}

func newRowItem(r *row) *rowItem {
	return &rowItem{
		pkey: string(mutation.EncodeKey(r.part)),
		ckey: string(mutation.EncodeKey(r.clust)),
		row:  r,
	}
}

func (item *rowItem) Less(o btree.Item) bool {
	other := o.(*rowItem)
	if item.pkey != other.pkey {
		return item.pkey < other.pkey
	}
	return item.ckey < other.ckey
}

func (r *row) writeTo(w io.Writer) (n int64, err error) {
	sn, err := writeValueList(r.part, w)
	n += sn
	if err != nil {
		return
	}
	if sn, err = writeValueList(r.clust, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteUint64(r.liveTs, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteUint64(r.tombstoneTs, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteUint32(uint32(len(r.cells)), w); err != nil {
		return
	}
	n += sn
	for name, c := range r.cells {
		if sn, err = common.WriteString(name, w); err != nil {
			return
		}
		n += sn
		if sn, err = common.WriteUint64(c.ts, w); err != nil {
			return
		}
		n += sn
		fragged := c.frag != nil
		if sn, err = common.WriteBool(fragged, w); err != nil {
			return
		}
		n += sn
		if fragged {
			if sn, err = common.WriteUint64(c.frag.BlobID, w); err != nil {
				return
			}
			n += sn
			if sn, err = common.WriteUint64(c.frag.TotalLen, w); err != nil {
				return
			}
			n += sn
			if sn, err = common.WriteUint32(c.frag.Count, w); err != nil {
				return
			}
			n += sn
		} else {
			if sn, err = c.val.WriteTo(w); err != nil {
				return
			}
			n += sn
		}
	}
	return
}

func readRow(r io.Reader) (stored *row, n int64, err error) {
	var part, clust []mutation.Value
	sn := int64(0)
	if part, sn, err = readValueList(r); err != nil {
		return
	}
	n += sn
	if clust, sn, err = readValueList(r); err != nil {
		return
	}
	n += sn
	stored = newRow(part, clust)
	if stored.liveTs, sn, err = common.ReadUint64(r); err != nil {
		return
	}
	n += sn
	if stored.tombstoneTs, sn, err = common.ReadUint64(r); err != nil {
		return
	}
	n += sn
	cnt, sn, err := common.ReadUint32(r)
	n += sn
	if err != nil {
		return
	}
	for i := uint32(0); i < cnt; i++ {
		var name string
		if name, sn, err = common.ReadString(r); err != nil {
			return
		}
		n += sn
		var c cell
		if c.ts, sn, err = common.ReadUint64(r); err != nil {
			return
		}
		n += sn
		var fragged bool
		if fragged, sn, err = common.ReadBool(r); err != nil {
			return
		}
		n += sn
		if fragged {
			fv := new(fragment.FragmentedValue)
			if fv.BlobID, sn, err = common.ReadUint64(r); err != nil {
				return
			}
			n += sn
			if fv.TotalLen, sn, err = common.ReadUint64(r); err != nil {
				return
			}
			n += sn
			if fv.Count, sn, err = common.ReadUint32(r); err != nil {
				return
			}
			n += sn
			c.frag = fv
		} else {
			if c.val, sn, err = mutation.ReadValue(r); err != nil {
				return
			}
			n += sn
		}
		stored.cells[name] = c
	}
	return
}

func writeValueList(vals []mutation.Value, w io.Writer) (n int64, err error) {
	sn, err := common.WriteUint32(uint32(len(vals)), w)
	n += sn
	if err != nil {
		return
	}
	for _, v := range vals {
		if sn, err = v.WriteTo(w); err != nil {
			return
		}
		n += sn
	}
	return
}

func readValueList(r io.Reader) (vals []mutation.Value, n int64, err error) {
	cnt, sn, err := common.ReadUint32(r)
	n += sn
	if err != nil {
		return
	}
	for i := uint32(0); i < cnt; i++ {
		var v mutation.Value
		if v, sn, err = mutation.ReadValue(r); err != nil {
			return
		}
		n += sn
		vals = append(vals, v)
	}
	return
}
