package iface

import (
	"io"

	"mview/pkg/mutation"
)

// RowIterator walks rows of one token range in stable key order. A
// checkpoint taken from CheckpointKey of the last consumed row restarts
// the scan exactly past that partition.
type RowIterator interface {
	io.Closer
	Valid() bool
	Next()
	Partition() []mutation.Value
	Clustering() []mutation.Value
	State() (mutation.RowState, error)
	Ts() uint64
	CheckpointKey() []byte
}

// BaseStore is the narrow surface view maintenance consumes from table
// storage. Views are stored through the very same interface; the view
// write path gets no special limits the base path lacks.
type BaseStore interface {
	ReadRow(table string, partition, clustering []mutation.Value) (mutation.RowState, bool, error)
	ScanRange(table string, rng uint32, checkpoint []byte) (RowIterator, error)
	ApplyMutation(m *mutation.Mutation) error
	Flush(table string) error
	RangeCount() uint32
}
