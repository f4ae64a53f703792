package storage

import (
	"os"
	"path/filepath"
	"testing"

	"mview/pkg/catalog"
	"mview/pkg/mutation"

	"github.com/stretchr/testify/assert"
)

func initTestPath(t *testing.T) string {
	dir := filepath.Join("/tmp", t.Name())
	os.RemoveAll(dir)
	return dir
}

func mockStore(t *testing.T, opts *Options) *Store {
	s, err := Open(initTestPath(t), opts)
	assert.Nil(t, err)
	schema := catalog.NewSchema("t1")
	schema.AppendCol("p", catalog.ColText)
	schema.AppendCol("c", catalog.ColText)
	schema.AppendCol("v", catalog.ColInt)
	schema.AppendCol("payload", catalog.ColBlob)
	assert.Nil(t, schema.PrimaryKey([]string{"p"}, []string{"c"}))
	assert.Nil(t, s.CreateTable(schema))
	return s
}

func write(t *testing.T, s *Store, p, c string, ts uint64, cells map[string]mutation.Value) {
	assert.Nil(t, s.ApplyMutation(&mutation.Mutation{
		Table:      "t1",
		Partition:  []mutation.Value{mutation.Text(p)},
		Clustering: []mutation.Value{mutation.Text(c)},
		Cells:      cells,
		Ts:         ts,
	}))
}

func TestReadYourWrite(t *testing.T) {
	s := mockStore(t, nil)
	defer s.Close()

	write(t, s, "p1", "c1", 1, map[string]mutation.Value{"v": mutation.Int64(7)})
	state, found, err := s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.True(t, found)
	// Key columns surface under their exact identifiers.
	assert.True(t, state.Get("p").Equals(mutation.Text("p1")))
	assert.True(t, state.Get("c").Equals(mutation.Text("c1")))
	assert.True(t, state.Get("v").Equals(mutation.Int64(7)))
	assert.True(t, state.Get("payload").IsAbsent())

	_, found, err = s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c2")})
	assert.Nil(t, err)
	assert.False(t, found)

	_, _, err = s.ReadRow("nope", nil, nil)
	assert.Equal(t, ErrTableNotFound, err)
}

func TestLastWriteWins(t *testing.T) {
	s := mockStore(t, nil)
	defer s.Close()

	write(t, s, "p1", "c1", 5, map[string]mutation.Value{"v": mutation.Int64(5)})
	// An older write loses cell by cell.
	write(t, s, "p1", "c1", 3, map[string]mutation.Value{
		"v": mutation.Int64(3), "payload": mutation.Bytes([]byte("old"))})

	state, found, err := s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.True(t, found)
	assert.True(t, state.Get("v").Equals(mutation.Int64(5)))
	assert.True(t, state.Get("payload").Equals(mutation.Bytes([]byte("old"))))
}

func TestDeleteWinsTies(t *testing.T) {
	s := mockStore(t, nil)
	defer s.Close()

	write(t, s, "p1", "c1", 4, map[string]mutation.Value{"v": mutation.Int64(1)})
	assert.Nil(t, s.ApplyMutation(&mutation.Mutation{
		Table:      "t1",
		Partition:  []mutation.Value{mutation.Text("p1")},
		Clustering: []mutation.Value{mutation.Text("c1")},
		Ts:         4,
		Delete:     true,
	}))
	_, found, err := s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.False(t, found)

	// A strictly newer write resurrects the row.
	write(t, s, "p1", "c1", 5, map[string]mutation.Value{"v": mutation.Int64(2)})
	state, found, err := s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.True(t, found)
	assert.True(t, state.Get("v").Equals(mutation.Int64(2)))
}

func TestNullCellHidden(t *testing.T) {
	s := mockStore(t, nil)
	defer s.Close()

	write(t, s, "p1", "c1", 1, map[string]mutation.Value{"v": mutation.Int64(1)})
	write(t, s, "p1", "c1", 2, map[string]mutation.Value{"v": mutation.Null()})
	state, found, err := s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.True(t, found)
	assert.False(t, state.Get("v").IsSet())
}

func TestFlushRoundTrip(t *testing.T) {
	s := mockStore(t, nil)
	defer s.Close()

	// The empty-string partition key must survive the flush round trip
	// and stay point-addressable.
	write(t, s, "", "c1", 1, map[string]mutation.Value{"v": mutation.Int64(1)})
	write(t, s, "p1", "c1", 2, map[string]mutation.Value{"v": mutation.Int64(2)})
	assert.Nil(t, s.Flush("t1"))

	state, found, err := s.ReadRow("t1",
		[]mutation.Value{mutation.Text("")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.True(t, found)
	assert.True(t, state.Get("p").Equals(mutation.Text("")))
	assert.True(t, state.Get("v").Equals(mutation.Int64(1)))

	// Post-flush writes still merge against the flushed generation.
	write(t, s, "p1", "c1", 3, map[string]mutation.Value{"v": mutation.Int64(3)})
	state, found, err = s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.True(t, found)
	assert.True(t, state.Get("v").Equals(mutation.Int64(3)))

	states, err := s.ScanTable("t1")
	assert.Nil(t, err)
	assert.Equal(t, 2, len(states))
}

func TestSnapshotRecovery(t *testing.T) {
	dir := initTestPath(t)
	s, err := Open(dir, nil)
	assert.Nil(t, err)
	schema := catalog.NewSchema("t1")
	schema.AppendCol("p", catalog.ColText)
	schema.AppendCol("v", catalog.ColInt)
	assert.Nil(t, schema.PrimaryKey([]string{"p"}, nil))
	assert.Nil(t, s.CreateTable(schema))
	assert.Nil(t, s.ApplyMutation(&mutation.Mutation{
		Table:     "t1",
		Partition: []mutation.Value{mutation.Text("p1")},
		Cells:     map[string]mutation.Value{"v": mutation.Int64(9)},
		Ts:        1,
	}))
	assert.Nil(t, s.Flush("t1"))
	assert.Nil(t, s.Close())

	s2, err := Open(dir, nil)
	assert.Nil(t, err)
	defer s2.Close()
	assert.Nil(t, s2.CreateTable(schema))
	state, found, err := s2.ReadRow("t1", []mutation.Value{mutation.Text("p1")}, nil)
	assert.Nil(t, err)
	assert.True(t, found)
	assert.True(t, state.Get("v").Equals(mutation.Int64(9)))
}

func TestScanRangeCheckpoint(t *testing.T) {
	s := mockStore(t, &Options{RangeCount: 1})
	defer s.Close()

	keys := []string{"a", "b", "c", "d"}
	for i, p := range keys {
		write(t, s, p, "c1", uint64(i+1), map[string]mutation.Value{"v": mutation.Int64(int64(i))})
	}

	it, err := s.ScanRange("t1", 0, nil)
	assert.Nil(t, err)
	var seen []string
	var ckpt []byte
	for it.Valid() {
		state, err := it.State()
		assert.Nil(t, err)
		seen = append(seen, state.Get("p").AsText())
		if len(seen) == 2 {
			ckpt = append([]byte{}, it.CheckpointKey()...)
		}
		it.Next()
	}
	assert.Nil(t, it.Close())
	assert.Equal(t, keys, seen)

	// Resume strictly past the checkpoint.
	it, err = s.ScanRange("t1", 0, ckpt)
	assert.Nil(t, err)
	seen = seen[:0]
	for it.Valid() {
		seen = append(seen, it.Partition()[0].AsText())
		it.Next()
	}
	assert.Nil(t, it.Close())
	assert.Equal(t, []string{"c", "d"}, seen)
}

func TestRangePartition(t *testing.T) {
	s := mockStore(t, &Options{RangeCount: 4})
	defer s.Close()

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i, p := range keys {
		write(t, s, p, "c1", uint64(i+1), map[string]mutation.Value{"v": mutation.Int64(int64(i))})
	}

	// Every row lands in exactly one range.
	total := 0
	for rng := uint32(0); rng < 4; rng++ {
		it, err := s.ScanRange("t1", rng, nil)
		assert.Nil(t, err)
		for it.Valid() {
			total++
			it.Next()
		}
		assert.Nil(t, it.Close())
	}
	assert.Equal(t, len(keys), total)
}

func TestFragmentedCellRoundTrip(t *testing.T) {
	s := mockStore(t, &Options{FragmentThreshold: 64})
	defer s.Close()

	big := make([]byte, 10*1024)
	for i := range big {
		big[i] = byte(i)
	}
	write(t, s, "p1", "c1", 1, map[string]mutation.Value{"payload": mutation.Bytes(big)})

	state, found, err := s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, big, state.Get("payload").Data())

	// Fragment handles survive the flush round trip too.
	assert.Nil(t, s.Flush("t1"))
	state, found, err = s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, big, state.Get("payload").Data())
}

func TestInjectedFaults(t *testing.T) {
	s := mockStore(t, nil)
	defer s.Close()

	s.InjectErrors(func(op, table string) error {
		if op == "apply" && table == "t1" {
			return ErrTransient
		}
		return nil
	})
	err := s.ApplyMutation(&mutation.Mutation{
		Table:     "t1",
		Partition: []mutation.Value{mutation.Text("p1")},
		Cells:     map[string]mutation.Value{"v": mutation.Int64(1)},
		Ts:        1,
	})
	assert.Equal(t, ErrTransient, err)

	// Nothing from the failed write is visible.
	s.InjectErrors(nil)
	_, found, err := s.ReadRow("t1",
		[]mutation.Value{mutation.Text("p1")}, []mutation.Value{mutation.Text("c1")})
	assert.Nil(t, err)
	assert.False(t, found)
}

func TestReplayUnflushedWrites(t *testing.T) {
	dir := initTestPath(t)
	s, err := Open(dir, nil)
	assert.Nil(t, err)
	schema := catalog.NewSchema("t1")
	schema.AppendCol("p", catalog.ColText)
	schema.AppendCol("v", catalog.ColInt)
	assert.Nil(t, schema.PrimaryKey([]string{"p"}, nil))
	assert.Nil(t, s.CreateTable(schema))

	upsert := func(s *Store, p string, ts uint64, v int64) {
		assert.Nil(t, s.ApplyMutation(&mutation.Mutation{
			Table:     "t1",
			Partition: []mutation.Value{mutation.Text(p)},
			Cells:     map[string]mutation.Value{"v": mutation.Int64(v)},
			Ts:        ts,
		}))
	}
	upsert(s, "p1", 1, 1)
	assert.Nil(t, s.Flush("t1"))
	// Everything after the flush lives only in the commit log.
	upsert(s, "p1", 2, 2)
	upsert(s, "p2", 3, 3)
	assert.Nil(t, s.Close())

	s2, err := Open(dir, nil)
	assert.Nil(t, err)
	defer s2.Close()
	assert.Nil(t, s2.CreateTable(schema))
	state, found, err := s2.ReadRow("t1", []mutation.Value{mutation.Text("p1")}, nil)
	assert.Nil(t, err)
	assert.True(t, found)
	assert.True(t, state.Get("v").Equals(mutation.Int64(2)))
	state, found, err = s2.ReadRow("t1", []mutation.Value{mutation.Text("p2")}, nil)
	assert.Nil(t, err)
	assert.True(t, found)
	assert.True(t, state.Get("v").Equals(mutation.Int64(3)))

	// Continued writes after recovery behave normally.
	upsert(s2, "p2", 4, 4)
	state, _, err = s2.ReadRow("t1", []mutation.Value{mutation.Text("p2")}, nil)
	assert.Nil(t, err)
	assert.True(t, state.Get("v").Equals(mutation.Int64(4)))
}

func fragFileCount(t *testing.T, dir string) int {
	files, err := os.ReadDir(filepath.Join(dir, "frags"))
	assert.Nil(t, err)
	count := 0
	for _, f := range files {
		if filepath.Ext(f.Name()) == ".frag" {
			count++
		}
	}
	return count
}

func TestFragmentOverwriteReclaimsBlobs(t *testing.T) {
	dir := initTestPath(t)
	s, err := Open(dir, &Options{FragmentThreshold: 64})
	assert.Nil(t, err)
	defer s.Close()
	schema := catalog.NewSchema("t1")
	schema.AppendCol("p", catalog.ColText)
	schema.AppendCol("payload", catalog.ColBlob)
	assert.Nil(t, schema.PrimaryKey([]string{"p"}, nil))
	assert.Nil(t, s.CreateTable(schema))

	big := func(seed byte) []byte {
		buf := make([]byte, 8*1024)
		for i := range buf {
			buf[i] = seed + byte(i)
		}
		return buf
	}
	put := func(ts uint64, payload []byte) {
		assert.Nil(t, s.ApplyMutation(&mutation.Mutation{
			Table:     "t1",
			Partition: []mutation.Value{mutation.Text("p1")},
			Cells:     map[string]mutation.Value{"payload": mutation.Bytes(payload)},
			Ts:        ts,
		}))
	}
	put(1, big(1))
	first := fragFileCount(t, dir)
	assert.True(t, first > 0)

	// A newer cell frees the superseded blob; the count does not grow.
	put(2, big(2))
	assert.Equal(t, first, fragFileCount(t, dir))
	state, found, err := s.ReadRow("t1", []mutation.Value{mutation.Text("p1")}, nil)
	assert.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, big(2), state.Get("payload").Data())

	// A stale write frees its own blob instead.
	put(1, big(3))
	assert.Equal(t, first, fragFileCount(t, dir))
	state, _, err = s.ReadRow("t1", []mutation.Value{mutation.Text("p1")}, nil)
	assert.Nil(t, err)
	assert.Equal(t, big(2), state.Get("payload").Data())

	// Dropping the table drops its blobs.
	s.DropTable("t1")
	assert.Equal(t, 0, fragFileCount(t, dir))
}
