package builder

import (
	"sync"
	"sync/atomic"
	"time"

	"mview/pkg/catalog"
	"mview/pkg/iface"
	"mview/pkg/mutation"
	"mview/pkg/view"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWorkers   = 4
	DefaultBatchRows = 128

	retryInterval = 10 * time.Millisecond
)

// Applier durably applies generated view mutations; the engine wires it
// to the same apply path live updates take.
type Applier func(def *catalog.ViewEntry, muts []mutation.ViewMutation) error

// Builder backfills pre-existing base rows into freshly created views.
// Each (view, range) walks Pending -> InProgress -> Done, the cursor
// checkpointed through the catalog so a restart resumes instead of
// rebuilding. There is no error channel to the DDL caller: every failure
// is retried or abandoned silently, and the only external signal of
// progress is the view's own content.
type Builder struct {
	catalog   *catalog.Catalog
	store     iface.BaseStore
	apply     Applier
	pool      *ants.Pool
	wg        sync.WaitGroup
	closed    int32
	batchRows int
}

func NewBuilder(c *catalog.Catalog, store iface.BaseStore, apply Applier, workers int) *Builder {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		panic(err)
	}
	return &Builder{
		catalog:   c,
		store:     store,
		apply:     apply,
		pool:      pool,
		batchRows: DefaultBatchRows,
	}
}

func (b *Builder) Stop() {
	atomic.StoreInt32(&b.closed, 1)
	b.wg.Wait()
	b.pool.Release()
}

func (b *Builder) stopped() bool {
	return atomic.LoadInt32(&b.closed) == 1
}

// LaunchView schedules one worker per unfinished range. Ranges build in
// parallel with each other; a single range is never worked twice because
// only the launch path hands ranges out and Done ranges are skipped.
func (b *Builder) LaunchView(e *catalog.ViewEntry) {
	for rng := uint32(0); rng < b.store.RangeCount(); rng++ {
		p := e.GetProgress(rng)
		if p.State == catalog.RangeDone {
			continue
		}
		b.wg.Add(1)
		rng := rng
		if err := b.pool.Submit(func() {
			defer b.wg.Done()
			b.buildRange(e, rng)
		}); err != nil {
			b.wg.Done()
			logrus.Warnf("[Builder]%s | range-%d not scheduled: %v", e.String(), rng, err)
		}
	}
}

func (b *Builder) buildRange(e *catalog.ViewEntry, rng uint32) {
	p := e.GetProgress(rng)
	ckpt := p.Checkpoint
	if p.State == catalog.RangePending {
		if !b.saveProgress(e, catalog.RangeProgress{Range: rng, State: catalog.RangeInProgress}) {
			return
		}
	}
	for {
		if b.stopped() || e.HasDropped() {
			return
		}
		lastKey, done, err := b.buildBatch(e, rng, ckpt)
		if err != nil {
			logrus.Warnf("[Builder]%s | range-%d batch retried: %v", e.String(), rng, err)
			time.Sleep(retryInterval)
			continue
		}
		if lastKey == nil && !done {
			// bailed out mid-batch on stop or drop; keep the old cursor
			return
		}
		if done {
			b.saveProgress(e, catalog.RangeProgress{Range: rng, State: catalog.RangeDone, Checkpoint: lastKey})
			logrus.Infof("[Builder]%s | range-%d done", e.String(), rng)
			return
		}
		if !b.saveProgress(e, catalog.RangeProgress{Range: rng, State: catalog.RangeInProgress, Checkpoint: lastKey}) {
			return
		}
		ckpt = lastKey
	}
}

// buildBatch feeds whole partitions through the shared update generator,
// at least batchRows rows per call, and reports the last fully processed
// partition key. A batch either moves the cursor or returns an error; a
// retry replays it and converges because timestamps come from the source
// rows.
func (b *Builder) buildBatch(e *catalog.ViewEntry, rng uint32, ckpt []byte) (lastKey []byte, done bool, err error) {
	it, err := b.store.ScanRange(e.Base.Name, rng, ckpt)
	if err != nil {
		return nil, false, err
	}
	defer it.Close()

	rows := 0
	for it.Valid() {
		if b.stopped() || e.HasDropped() {
			return nil, false, nil
		}
		key := it.CheckpointKey()
		if rows >= b.batchRows && string(key) != string(lastKey) {
			// partition boundary reached, checkpoint here
			return lastKey, false, nil
		}
		state, err := it.State()
		if err != nil {
			return nil, false, err
		}
		delta := synthesizeDelta(e.Base, it.Partition(), it.Clustering(), state, it.Ts())
		muts, err := view.Generate(e, delta, nil)
		if err != nil {
			return nil, false, err
		}
		if len(muts) > 0 {
			if err := b.apply(e, muts); err != nil {
				return nil, false, err
			}
		}
		lastKey = append([]byte{}, key...)
		rows++
		it.Next()
	}
	return lastKey, true, nil
}

func (b *Builder) saveProgress(e *catalog.ViewEntry, p catalog.RangeProgress) bool {
	for {
		err := b.catalog.SaveProgress(e, p)
		if err == nil {
			return true
		}
		if err == catalog.ErrNotFound || b.stopped() {
			// dropped underneath us; abandon without rollback
			return false
		}
		logrus.Warnf("[Builder]%s | %s checkpoint retried: %v", e.String(), p.String(), err)
		time.Sleep(retryInterval)
	}
}

// synthesizeDelta turns an existing base row into the write that would
// have produced it, so backfill and live maintenance share one code path.
func synthesizeDelta(base *catalog.Schema, part, clust []mutation.Value, state mutation.RowState, ts uint64) *mutation.BaseRowDelta {
	delta := &mutation.BaseRowDelta{
		Partition:  part,
		Clustering: clust,
		Updated:    make(map[string]mutation.ColumnDelta),
		Ts:         ts,
	}
	for _, col := range base.RegularCols() {
		if v := state.Get(col); v.IsSet() {
			delta.Updated[col] = mutation.ColumnDelta{Old: mutation.Absent(), New: v}
		}
	}
	return delta
}
