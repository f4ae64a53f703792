package catalog

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// nameNode indexes one live view name. Nodes live in a btree ordered by
// name so listings come back deterministic regardless of creation order.
type nameNode struct {
	name string
	id   uint64
	host *Catalog
}

func newNameNode(host *Catalog, name string, id uint64) *nameNode {
	return &nameNode{host: host, name: name, id: id}
}

func (n *nameNode) Less(item btree.Item) bool {
	return n.name < item.(*nameNode).name
}

func (n *nameNode) GetEntry() *ViewEntry {
	if n == nil {
		return nil
	}
	return n.host.entries[n.id]
}

func (n *nameNode) String() string {
	return fmt.Sprintf("NameNode[%q->%d]", n.name, n.id)
}

type nameIndex struct {
	rwlocker *sync.RWMutex
	tree     *btree.BTree
}

func newNameIndex(rwlocker *sync.RWMutex) *nameIndex {
	return &nameIndex{
		rwlocker: rwlocker,
		tree:     btree.New(4),
	}
}

func (idx *nameIndex) InsertLocked(n *nameNode) (replaced bool) {
	return idx.tree.ReplaceOrInsert(n) != nil
}

func (idx *nameIndex) DeleteLocked(name string) (deleted *nameNode) {
	item := idx.tree.Delete(&nameNode{name: name})
	if item == nil {
		return nil
	}
	return item.(*nameNode)
}

func (idx *nameIndex) GetLocked(name string) *nameNode {
	item := idx.tree.Get(&nameNode{name: name})
	if item == nil {
		return nil
	}
	return item.(*nameNode)
}

func (idx *nameIndex) ForEach(fn func(*nameNode) bool) {
	idx.rwlocker.RLock()
	defer idx.rwlocker.RUnlock()
	idx.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(*nameNode))
	})
}

func (idx *nameIndex) Length() int {
	idx.rwlocker.RLock()
	defer idx.rwlocker.RUnlock()
	return idx.tree.Len()
}
