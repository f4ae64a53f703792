package mv

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"mview/pkg/builder"
	"mview/pkg/catalog"
	"mview/pkg/mutation"
	"mview/pkg/storage"
	"mview/pkg/view"

	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/logstore/sm"
	"github.com/sirupsen/logrus"
)

const (
	applyRetries       = 3
	applyRetryInterval = 10 * time.Millisecond
)

type Options struct {
	Workers int
	Storage *storage.Options
}

func (o *Options) fill() *Options {
	if o == nil {
		o = new(Options)
	}
	if o.Workers <= 0 {
		o.Workers = builder.DefaultWorkers
	}
	return o
}

type viewBatch struct {
	def  *catalog.ViewEntry
	muts []mutation.ViewMutation
}

// writeOp carries one base write through the pipeline. The embedded
// WaitGroup acks the writer once the base row is durable and the view
// side has been attempted; op.err only ever reflects the base write.
type writeOp struct {
	sync.WaitGroup
	table   string
	delta   *mutation.BaseRowDelta
	err     error
	pending []viewBatch
}

func (op *writeOp) Repr() string {
	return fmt.Sprintf("[Write][%s]pk=%s", op.table, mutation.KeyString(op.delta.Partition))
}

// DB is the engine facade: catalog, row store and backfill builder behind
// a two-stage pipeline. The receive queue serializes base writes so prior
// state is read consistently; the checkpoint queue applies the generated
// view mutations, where failures are retried and then dropped without
// ever reaching the writer.
type DB struct {
	sm.ClosedState
	sm.StateMachine
	Dir     string
	Catalog *catalog.Catalog
	Store   *storage.Store
	Builder *builder.Builder

	opts *Options
}

func Open(dir string, opts *Options) (*DB, error) {
	opts = opts.fill()
	c, err := catalog.OpenCatalog(filepath.Join(dir, "meta"), nil)
	if err != nil {
		return nil, err
	}
	var sopts *storage.Options
	if opts.Storage != nil {
		o := *opts.Storage
		sopts = &o
	}
	s, err := storage.Open(filepath.Join(dir, "data"), sopts)
	if err != nil {
		c.Close()
		return nil, err
	}
	db := &DB{
		Dir:     dir,
		Catalog: c,
		Store:   s,
		opts:    opts,
	}
	db.Builder = builder.NewBuilder(c, s, db.applyViewBatch, opts.Workers)
	pqueue := sm.NewSafeQueue(10000, 200, db.onPreparing)
	cqueue := sm.NewSafeQueue(10000, 200, db.onApplying)
	db.StateMachine = sm.NewStateMachine(new(sync.WaitGroup), db, pqueue, cqueue)
	db.Start()
	if err := db.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// recover re-registers every recovered table and live view with the row
// store, then reschedules the backfill of any view whose ranges are not
// all done.
func (db *DB) recover() error {
	for _, schema := range db.Catalog.Tables() {
		if err := db.Store.CreateTable(schema); err != nil {
			return err
		}
	}
	for _, e := range db.Catalog.ListViews() {
		if e.HasDropped() {
			continue
		}
		if err := db.Store.CreateTable(e.ViewSchema()); err != nil {
			return err
		}
		if !e.BuildDone(db.Store.RangeCount()) {
			logrus.Infof("[DB] resume build %s", e.String())
			db.Builder.LaunchView(e)
		}
	}
	return nil
}

func (db *DB) Close() error {
	db.Builder.Stop()
	db.Stop()
	db.Store.Close()
	return db.Catalog.Close()
}

func (db *DB) CreateTable(schema *catalog.Schema) error {
	if err := db.Catalog.CreateTable(schema); err != nil {
		return err
	}
	return db.Store.CreateTable(schema)
}

// CreateView registers the definition, creates the backing view table and
// kicks off the backfill. It returns as soon as the definition is durable;
// build completion is observable only through the view's contents and the
// recorded range progress.
func (db *DB) CreateView(req *catalog.ViewRequest) (*catalog.ViewEntry, error) {
	e, err := db.Catalog.CreateView(req)
	if err != nil {
		return nil, err
	}
	if err = db.Store.CreateTable(e.ViewSchema()); err != nil {
		return nil, err
	}
	db.Builder.LaunchView(e)
	return e, nil
}

func (db *DB) DropView(name string) error {
	e, err := db.Catalog.DropView(name)
	if err != nil {
		return err
	}
	db.Store.DropTable(e.Name)
	return nil
}

// Write applies one base write and blocks until the base row is durable
// and the resulting view updates have been attempted. The returned error
// reflects only the base write; view maintenance never fails a writer.
func (db *DB) Write(table string, delta *mutation.BaseRowDelta) error {
	if _, err := db.Catalog.GetTable(table); err != nil {
		return err
	}
	if delta.Ts == 0 {
		delta.Ts = db.Catalog.NextTS()
	}
	op := &writeOp{table: table, delta: delta}
	op.Add(1)
	if _, err := db.EnqueueRecevied(op); err != nil {
		op.Done()
		return catalog.ErrStopped
	}
	op.Wait()
	return op.err
}

func (db *DB) onPreparing(items ...interface{}) {
	for _, item := range items {
		op := item.(*writeOp)
		op.err = db.prepareOne(op)
		if _, err := db.EnqueueCheckpoint(op); err != nil {
			op.Done()
		}
	}
}

// prepareOne reads prior state where a view needs it, applies the base
// mutation, and stages the generated view mutations. Running on the
// single receive queue keeps read-modify-write of a base row atomic with
// respect to concurrent writers.
func (db *DB) prepareOne(op *writeOp) error {
	views := db.Catalog.ViewsOn(op.table)

	var prior mutation.RowState
	for _, e := range views {
		if !view.NeedsPriorState(e, op.delta) {
			continue
		}
		state, found, err := db.Store.ReadRow(op.table, op.delta.Partition, op.delta.Clustering)
		if err != nil {
			return err
		}
		if found {
			prior = state
		}
		break
	}

	if err := db.Store.ApplyMutation(baseMutation(op.table, op.delta)); err != nil {
		return err
	}

	for _, e := range views {
		muts, err := view.Generate(e, op.delta, prior)
		if err != nil {
			logrus.Errorf("[DB]%s | %s generate failed: %v", op.Repr(), e.String(), err)
			continue
		}
		if len(muts) > 0 {
			op.pending = append(op.pending, viewBatch{def: e, muts: muts})
		}
	}
	return nil
}

func (db *DB) onApplying(items ...interface{}) {
	for _, item := range items {
		op := item.(*writeOp)
		if op.err == nil {
			for _, batch := range op.pending {
				if err := db.applyViewBatch(batch.def, batch.muts); err != nil {
					logrus.Errorf("[DB]%s | %s divergent: %v", op.Repr(), batch.def.String(), err)
				}
			}
		}
		op.Done()
	}
}

// applyViewBatch routes every view mutation through the statement
// round-trip before applying it, so a key or column mangled by quoting
// is caught here instead of corrupting the view table. Transient store
// errors are retried a few times; what still fails is logged and dropped.
func (db *DB) applyViewBatch(def *catalog.ViewEntry, muts []mutation.ViewMutation) error {
	for i := range muts {
		stmt := view.RewriteMutation(def, &muts[i])
		m, err := stmt.ToMutation(def)
		if err != nil {
			return err
		}
		if err = db.applyWithRetry(m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) applyWithRetry(m *mutation.ViewMutation) (err error) {
	for i := 0; i < applyRetries; i++ {
		if err = db.Store.ApplyMutation(m); err == nil {
			return nil
		}
		time.Sleep(applyRetryInterval)
	}
	return err
}

// GetViewRow is a point read against a view under its derived key. Empty
// string components are valid key values.
func (db *DB) GetViewRow(name string, partition, clustering []mutation.Value) (mutation.RowState, bool, error) {
	if _, err := db.Catalog.GetView(name); err != nil {
		return nil, false, err
	}
	return db.Store.ReadRow(name, partition, clustering)
}

func (db *DB) ScanView(name string) ([]mutation.RowState, error) {
	if _, err := db.Catalog.GetView(name); err != nil {
		return nil, err
	}
	return db.Store.ScanTable(name)
}

func (db *DB) ScanTable(name string) ([]mutation.RowState, error) {
	if _, err := db.Catalog.GetTable(name); err != nil {
		return nil, err
	}
	return db.Store.ScanTable(name)
}

func (db *DB) Flush(table string) error {
	return db.Store.Flush(table)
}

func baseMutation(table string, delta *mutation.BaseRowDelta) *mutation.Mutation {
	m := &mutation.Mutation{
		Table:      table,
		Partition:  delta.Partition,
		Clustering: delta.Clustering,
		Cells:      make(map[string]mutation.Value, len(delta.Updated)),
		Ts:         delta.Ts,
		Delete:     delta.Deleted,
	}
	for col, d := range delta.Updated {
		m.Cells[col] = d.New
	}
	return m
}
