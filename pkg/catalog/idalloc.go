package catalog

import (
	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/common"
)

type IDAlloctor struct {
	viewAlloc *common.IdAlloctor
	tsAlloc   *common.IdAlloctor
}

func NewIDAllocator() *IDAlloctor {
	return &IDAlloctor{
		viewAlloc: common.NewIdAlloctor(1),
		tsAlloc:   common.NewIdAlloctor(1),
	}
}

func (a *IDAlloctor) NextView() uint64 { return a.viewAlloc.Alloc() }
func (a *IDAlloctor) NextTS() uint64   { return a.tsAlloc.Alloc() }

func (a *IDAlloctor) Init(prevView, prevTS uint64) {
	a.viewAlloc.SetStart(prevView)
	a.tsAlloc.SetStart(prevTS)
}
