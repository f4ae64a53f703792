package storage

import (
	"mview/pkg/mutation"
)

// rangeIterator walks a point-in-time snapshot of one token range. The
// snapshot was taken under the store lock; iteration needs none.
type rangeIterator struct {
	store *Store
	td    *tableData
	items []*rowItem
	pos   int
}

func (it *rangeIterator) Valid() bool { return it.pos < len(it.items) }
func (it *rangeIterator) Next()       { it.pos++ }
func (it *rangeIterator) Close() error {
	it.items = nil
	return nil
}

func (it *rangeIterator) Partition() []mutation.Value {
	return it.items[it.pos].row.part
}

func (it *rangeIterator) Clustering() []mutation.Value {
	return it.items[it.pos].row.clust
}

func (it *rangeIterator) State() (mutation.RowState, error) {
	return it.store.rowState(it.td, it.items[it.pos].row)
}

func (it *rangeIterator) Ts() uint64 {
	return it.items[it.pos].row.maxTs()
}

func (it *rangeIterator) CheckpointKey() []byte {
	return []byte(it.items[it.pos].pkey)
}
