package storage

import (
	"mview/pkg/catalog"
	"mview/pkg/mutation"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/btree"
)

// tableData holds one table's in-memory writes and its flushed snapshot.
// flushedTokens summarizes which partition tokens made it to disk so a
// miss can skip the flushed tree entirely.
type tableData struct {
	schema    *catalog.Schema
	partCols  []string
	clustCols []string

	mem           *btree.BTree
	flushed       *btree.BTree
	flushedTokens *roaring64.Bitmap
}

func newTableData(schema *catalog.Schema) *tableData {
	return &tableData{
		schema:        schema,
		partCols:      schema.PartitionCols(),
		clustCols:     schema.ClusteringCols(),
		mem:           btree.New(8),
		flushed:       btree.New(8),
		flushedTokens: roaring64.New(),
	}
}

func (td *tableData) memRow(part, clust []mutation.Value) *row {
	probe := newRowItem(newRow(part, clust))
	if item := td.mem.Get(probe); item != nil {
		return item.(*rowItem).row
	}
	r := newRow(part, clust)
	td.mem.ReplaceOrInsert(newRowItem(r))
	return r
}

// mergedRow folds the flushed and in-memory versions of one row, newest
// cell winning. Nil when neither tree has it.
func (td *tableData) mergedRow(part, clust []mutation.Value) *row {
	probe := newRowItem(newRow(part, clust))
	var merged *row
	if td.flushedTokens.Contains(Token([]byte(probe.pkey))) {
		if item := td.flushed.Get(probe); item != nil {
			merged = item.(*rowItem).row.clone()
		}
	}
	if item := td.mem.Get(probe); item != nil {
		if merged == nil {
			merged = item.(*rowItem).row.clone()
		} else {
			merged.merge(item.(*rowItem).row)
		}
	}
	return merged
}

// mergedRows walks both trees in (pkey, ckey) order and yields merged
// clones; the result is a point-in-time snapshot safe to iterate without
// the table lock.
func (td *tableData) mergedRows() []*rowItem {
	type rowKey struct {
		pkey, ckey string
	}
	index := make(map[rowKey]*rowItem)
	collect := func(item btree.Item) bool {
		ri := item.(*rowItem)
		k := rowKey{ri.pkey, ri.ckey}
		if exist, ok := index[k]; ok {
			exist.row.merge(ri.row)
			return true
		}
		index[k] = &rowItem{pkey: ri.pkey, ckey: ri.ckey, row: ri.row.clone()}
		return true
	}
	td.flushed.Ascend(collect)
	td.mem.Ascend(collect)

	sorted := btree.New(8)
	for _, item := range index {
		sorted.ReplaceOrInsert(item)
	}
	items := make([]*rowItem, 0, sorted.Len())
	sorted.Ascend(func(item btree.Item) bool {
		items = append(items, item.(*rowItem))
		return true
	})
	return items
}
