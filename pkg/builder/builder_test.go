package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"mview/pkg/catalog"
	"mview/pkg/mutation"
	"mview/pkg/storage"

	"github.com/stretchr/testify/assert"
)

func initTestPath(t *testing.T) string {
	dir := filepath.Join("/tmp", t.Name())
	os.RemoveAll(dir)
	return dir
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

type testEnv struct {
	catalog *catalog.Catalog
	store   *storage.Store
	entry   *catalog.ViewEntry
}

func mockEnv(t *testing.T, dir string, rows int) *testEnv {
	c := catalog.MockCatalog(filepath.Join(dir, "meta"))
	s, err := storage.Open(filepath.Join(dir, "data"), &storage.Options{RangeCount: 4})
	assert.Nil(t, err)

	schema := catalog.NewSchema("t1")
	schema.AppendCol("p", catalog.ColText)
	schema.AppendCol("c", catalog.ColText)
	schema.AppendCol("v", catalog.ColInt)
	schema.AppendCol("payload", catalog.ColText)
	assert.Nil(t, schema.PrimaryKey([]string{"p"}, []string{"c"}))
	assert.Nil(t, c.CreateTable(schema))
	assert.Nil(t, s.CreateTable(schema))

	for i := 0; i < rows; i++ {
		assert.Nil(t, s.ApplyMutation(&mutation.Mutation{
			Table:      "t1",
			Partition:  []mutation.Value{mutation.Text(fmt.Sprintf("p%03d", i))},
			Clustering: []mutation.Value{mutation.Text("c1")},
			Cells: map[string]mutation.Value{
				"v":       mutation.Int64(int64(i)),
				"payload": mutation.Text("x"),
			},
			Ts: uint64(i + 1),
		}))
	}

	e, err := c.CreateView(&catalog.ViewRequest{
		Name:         "t1_by_v",
		Base:         schema,
		KeyCols:      []string{"v", "p", "c"},
		PartKeyCount: 1,
		Filter: catalog.NewFilter(
			catalog.IsNotNull("v"), catalog.IsNotNull("p"), catalog.IsNotNull("c")),
	})
	assert.Nil(t, err)
	assert.Nil(t, s.CreateTable(e.ViewSchema()))
	return &testEnv{catalog: c, store: s, entry: e}
}

func (env *testEnv) close() {
	env.store.Close()
	env.catalog.Close()
}

func storeApplier(s *storage.Store) Applier {
	return func(def *catalog.ViewEntry, muts []mutation.ViewMutation) error {
		for i := range muts {
			if err := s.ApplyMutation(&muts[i]); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestBackfill(t *testing.T) {
	env := mockEnv(t, initTestPath(t), 50)
	defer env.close()

	b := NewBuilder(env.catalog, env.store, storeApplier(env.store), 2)
	b.LaunchView(env.entry)
	waitFor(t, func() bool { return env.entry.BuildDone(env.store.RangeCount()) })
	b.Stop()

	states, err := env.store.ScanTable("t1_by_v")
	assert.Nil(t, err)
	assert.Equal(t, 50, len(states))
	for _, state := range states {
		assert.True(t, state.Get("v").IsSet())
		assert.True(t, state.Get("payload").Equals(mutation.Text("x")))
	}
}

func TestBackfillSkipsInvisibleRows(t *testing.T) {
	env := mockEnv(t, initTestPath(t), 20)
	defer env.close()

	// Unset v on half the rows before the build starts.
	for i := 0; i < 20; i += 2 {
		assert.Nil(t, env.store.ApplyMutation(&mutation.Mutation{
			Table:      "t1",
			Partition:  []mutation.Value{mutation.Text(fmt.Sprintf("p%03d", i))},
			Clustering: []mutation.Value{mutation.Text("c1")},
			Cells:      map[string]mutation.Value{"v": mutation.Null()},
			Ts:         100,
		}))
	}

	b := NewBuilder(env.catalog, env.store, storeApplier(env.store), 2)
	b.LaunchView(env.entry)
	waitFor(t, func() bool { return env.entry.BuildDone(env.store.RangeCount()) })
	b.Stop()

	states, err := env.store.ScanTable("t1_by_v")
	assert.Nil(t, err)
	assert.Equal(t, 10, len(states))
}

func TestBackfillRetriesTransient(t *testing.T) {
	env := mockEnv(t, initTestPath(t), 30)
	defer env.close()

	// Fail the first few view writes; the build must converge anyway.
	var failures int32 = 4
	env.store.InjectErrors(func(op, table string) error {
		if op == "apply" && table == "t1_by_v" && atomic.AddInt32(&failures, -1) >= 0 {
			return storage.ErrTransient
		}
		return nil
	})

	b := NewBuilder(env.catalog, env.store, storeApplier(env.store), 2)
	b.LaunchView(env.entry)
	waitFor(t, func() bool { return env.entry.BuildDone(env.store.RangeCount()) })
	b.Stop()

	states, err := env.store.ScanTable("t1_by_v")
	assert.Nil(t, err)
	assert.Equal(t, 30, len(states))
	// A retried batch converges instead of doubling rows.
	seen := make(map[string]bool)
	for _, state := range states {
		key := state.Get("v").AsText() + "/" + state.Get("p").AsText()
		assert.False(t, seen[key])
		seen[key] = true
	}
}

func TestDropAbandonsBuild(t *testing.T) {
	env := mockEnv(t, initTestPath(t), 40)
	defer env.close()

	// Stall every view write until the drop lands.
	var dropped int32
	env.store.InjectErrors(func(op, table string) error {
		if op == "apply" && table == "t1_by_v" && atomic.LoadInt32(&dropped) == 0 {
			return storage.ErrTransient
		}
		return nil
	})

	b := NewBuilder(env.catalog, env.store, storeApplier(env.store), 2)
	b.LaunchView(env.entry)
	time.Sleep(50 * time.Millisecond)
	_, err := env.catalog.DropView("t1_by_v")
	assert.Nil(t, err)
	atomic.StoreInt32(&dropped, 1)
	b.Stop()

	assert.True(t, env.entry.HasDropped())
	assert.False(t, env.entry.BuildDone(env.store.RangeCount()))
}

func TestLaunchSkipsDoneRanges(t *testing.T) {
	env := mockEnv(t, initTestPath(t), 25)
	defer env.close()

	for rng := uint32(0); rng < env.store.RangeCount(); rng++ {
		assert.Nil(t, env.catalog.SaveProgress(env.entry,
			catalog.RangeProgress{Range: rng, State: catalog.RangeDone}))
	}

	b := NewBuilder(env.catalog, env.store, storeApplier(env.store), 2)
	b.LaunchView(env.entry)
	b.Stop()

	// Nothing left to do: the view stays empty.
	states, err := env.store.ScanTable("t1_by_v")
	assert.Nil(t, err)
	assert.Equal(t, 0, len(states))
}

func TestResumeFromCheckpoint(t *testing.T) {
	env := mockEnv(t, initTestPath(t), 40)
	defer env.close()

	// First pass with a tiny batch so checkpoints land mid-range, stopped
	// partway through.
	b := NewBuilder(env.catalog, env.store, storeApplier(env.store), 1)
	b.batchRows = 2
	var applied int32
	slow := func(def *catalog.ViewEntry, muts []mutation.ViewMutation) error {
		atomic.AddInt32(&applied, int32(len(muts)))
		time.Sleep(time.Millisecond)
		return storeApplier(env.store)(def, muts)
	}
	b.apply = slow
	b.LaunchView(env.entry)
	waitFor(t, func() bool { return atomic.LoadInt32(&applied) >= 5 })
	b.Stop()
	assert.False(t, env.entry.BuildDone(env.store.RangeCount()))

	// The second pass finishes, and replays converge rather than duplicate.
	b2 := NewBuilder(env.catalog, env.store, storeApplier(env.store), 2)
	b2.LaunchView(env.entry)
	waitFor(t, func() bool { return env.entry.BuildDone(env.store.RangeCount()) })
	b2.Stop()

	states, err := env.store.ScanTable("t1_by_v")
	assert.Nil(t, err)
	assert.Equal(t, 40, len(states))
}
