package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mview/pkg/catalog"
	"mview/pkg/common"
	"mview/pkg/fragment"
	"mview/pkg/iface"
	"mview/pkg/mutation"

	"github.com/google/btree"
	"github.com/jiangxinmeng1/logstore/pkg/entry"
	"github.com/jiangxinmeng1/logstore/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	ErrTableNotFound = errors.New("mview: table not found")

	// ErrTransient marks a retryable read/write failure. A mutation that
	// hits one is applied in full or not at all.
	ErrTransient = errors.New("mview: transient storage error")
)

type Options struct {
	RangeCount        uint32
	FragmentThreshold int
	StoreCfg          *store.StoreCfg
}

func (o *Options) fill() *Options {
	if o == nil {
		o = new(Options)
	}
	if o.RangeCount == 0 {
		o.RangeCount = DefaultRangeCount
	}
	return o
}

// Store keeps every table and view: memtable plus flushed snapshot per
// table, a shared commit log, and a shared fragment store so base and
// view writes fragment by exactly the same rule.
type Store struct {
	mu     sync.RWMutex
	dir    string
	opts   *Options
	driver CommitDriver
	frags  *fragment.Store
	tables map[string]*tableData

	// replayed holds commit-log mutations that survived a restart, per
	// table, drained into the memtable when the table registers. The
	// snapshot alone is not enough: it is written only on Flush, while
	// the commit log has every applied mutation.
	replayed map[string][]*mutation.Mutation

	// injectErr lets tests fault specific operations with transient
	// errors; nil in production.
	injectErr func(op, table string) error
}

func Open(dir string, opts *Options) (*Store, error) {
	opts = opts.fill()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	driver, err := NewCommitDriver(dir, "commit", opts.StoreCfg)
	if err != nil {
		return nil, err
	}
	frags, err := fragment.NewStore(filepath.Join(dir, "frags"), opts.FragmentThreshold)
	if err != nil {
		driver.Close()
		return nil, err
	}
	replayed := make(map[string][]*mutation.Mutation)
	err = driver.Replay(func(typ LogEntryType, payload []byte) error {
		switch typ {
		case ETMutation:
			m := new(mutation.Mutation)
			if _, err := m.ReadFrom(bytes.NewReader(payload)); err != nil {
				return err
			}
			replayed[m.Table] = append(replayed[m.Table], m)
		case ETFlush:
			// everything logged so far is in the snapshot
			delete(replayed, string(payload))
		}
		return nil
	})
	if err != nil {
		driver.Close()
		return nil, err
	}
	return &Store{
		dir:      dir,
		opts:     opts,
		driver:   driver,
		frags:    frags,
		tables:   make(map[string]*tableData),
		replayed: replayed,
	}, nil
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) RangeCount() uint32 { return s.opts.RangeCount }

func (s *Store) InjectErrors(fn func(op, table string) error) {
	s.mu.Lock()
	s.injectErr = fn
	s.mu.Unlock()
}

func (s *Store) faultOn(op, table string) error {
	s.mu.RLock()
	fn := s.injectErr
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, table)
}

// CreateTable registers a table or view, recovers its flushed snapshot if
// one survives on disk, and folds in the commit-log mutations replayed at
// Open.
func (s *Store) CreateTable(schema *catalog.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[schema.Name]; ok {
		return fmt.Errorf("mview: table %s already stored", catalog.QuoteIdent(schema.Name))
	}
	td := newTableData(schema)
	if err := s.loadSnapshot(td); err != nil {
		return err
	}
	for _, m := range s.replayed[schema.Name] {
		staged, err := s.stageCells(m)
		if err != nil {
			return err
		}
		s.mergeLocked(td, m, staged)
	}
	delete(s.replayed, schema.Name)
	s.tables[schema.Name] = td
	return nil
}

func (s *Store) DropTable(name string) {
	s.mu.Lock()
	td, ok := s.tables[name]
	delete(s.tables, name)
	delete(s.replayed, name)
	s.mu.Unlock()
	if ok {
		for _, item := range td.mergedRows() {
			for _, c := range item.row.cells {
				if c.frag != nil {
					s.frags.Remove(*c.frag)
				}
			}
		}
	}
	os.Remove(s.snapPath(name))
}

func (s *Store) table(name string) (*tableData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tables[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return td, nil
}

// ApplyMutation applies one full-or-nothing write: commit-log append,
// fragmentation of oversized cells, then a cell-level last-write-wins
// merge into the memtable. Views go through here like any table.
func (s *Store) ApplyMutation(m *mutation.Mutation) error {
	if err := s.faultOn("apply", m.Table); err != nil {
		return err
	}
	td, err := s.table(m.Table)
	if err != nil {
		return err
	}

	var payload bytes.Buffer
	if _, err := m.WriteTo(&payload); err != nil {
		return err
	}
	e := entry.GetBase()
	e.SetType(ETMutation)
	if err := e.Unmarshal(payload.Bytes()); err != nil {
		return err
	}
	if _, err := s.driver.AppendEntry(e); err != nil {
		return err
	}

	// Fragment before taking the lock; the swap below is all-or-nothing.
	staged, err := s.stageCells(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.mergeLocked(td, m, staged)
	s.mu.Unlock()
	return nil
}

func (s *Store) stageCells(m *mutation.Mutation) (map[string]cell, error) {
	staged := make(map[string]cell, len(m.Cells))
	for name, v := range m.Cells {
		c := cell{ts: m.Ts}
		if v.IsSet() && s.frags.ShouldFragment(len(v.Data())) {
			fv, err := s.frags.Put(v.Data())
			if err != nil {
				return nil, err
			}
			c.frag = &fv
		} else {
			c.val = v
		}
		staged[name] = c
	}
	return staged, nil
}

// mergeLocked folds staged cells into the memtable row, newest cell
// winning. A superseded memtable fragment is unreferenced once replaced,
// so its blob is reclaimed here; flushed fragments stay until the
// snapshot stops naming them.
func (s *Store) mergeLocked(td *tableData, m *mutation.Mutation, staged map[string]cell) {
	r := td.memRow(m.Partition, m.Clustering)
	if m.Delete {
		if m.Ts > r.tombstoneTs {
			r.tombstoneTs = m.Ts
		}
		return
	}
	if m.Ts > r.liveTs {
		r.liveTs = m.Ts
	}
	for name, c := range staged {
		cur, ok := r.cells[name]
		if ok && c.ts <= cur.ts {
			if c.frag != nil {
				s.frags.Remove(*c.frag)
			}
			continue
		}
		if ok && cur.frag != nil {
			s.frags.Remove(*cur.frag)
		}
		r.cells[name] = c
	}
}

// ReadRow returns the merged visible state of one row, key columns
// included under their exact identifiers, fragments reassembled.
func (s *Store) ReadRow(table string, partition, clustering []mutation.Value) (mutation.RowState, bool, error) {
	if err := s.faultOn("read", table); err != nil {
		return nil, false, err
	}
	td, err := s.table(table)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	r := td.mergedRow(partition, clustering)
	s.mu.RUnlock()
	if r == nil || !r.visible() {
		return nil, false, nil
	}
	state, err := s.rowState(td, r)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// ScanRange snapshots the visible rows of one token range, in stable key
// order, resuming strictly past checkpoint.
func (s *Store) ScanRange(table string, rng uint32, checkpoint []byte) (iface.RowIterator, error) {
	if err := s.faultOn("scan", table); err != nil {
		return nil, err
	}
	td, err := s.table(table)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	items := td.mergedRows()
	s.mu.RUnlock()

	it := &rangeIterator{store: s, td: td}
	ckpt := string(checkpoint)
	for _, item := range items {
		if RangeOf(Token([]byte(item.pkey)), s.opts.RangeCount) != rng {
			continue
		}
		if ckpt != "" && item.pkey <= ckpt {
			continue
		}
		if !item.row.visible() {
			continue
		}
		it.items = append(it.items, item)
	}
	return it, nil
}

// ScanTable lists every visible row of a table in key order.
func (s *Store) ScanTable(table string) ([]mutation.RowState, error) {
	td, err := s.table(table)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	items := td.mergedRows()
	s.mu.RUnlock()
	var states []mutation.RowState
	for _, item := range items {
		if !item.row.visible() {
			continue
		}
		state, err := s.rowState(td, item.row)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// Flush folds the memtable into the on-disk snapshot and reloads it from
// disk, so everything read afterward has actually round-tripped through
// persistent storage.
func (s *Store) Flush(table string) error {
	if err := s.faultOn("flush", table); err != nil {
		return err
	}
	td, err := s.table(table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	items := td.mergedRows()
	var buf bytes.Buffer
	if _, err := common.WriteUint32(uint32(len(items)), &buf); err != nil {
		return err
	}
	for _, item := range items {
		if _, err := item.row.writeTo(&buf); err != nil {
			return err
		}
	}
	tmp := s.snapPath(table) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapPath(table)); err != nil {
		return err
	}

	e := entry.GetBase()
	e.SetType(ETFlush)
	if err := e.Unmarshal([]byte(table)); err != nil {
		return err
	}
	if _, err := s.driver.AppendEntry(e); err != nil {
		return err
	}

	td.mem.Clear(false)
	td.flushed = btree.New(8)
	td.flushedTokens.Clear()
	if err := s.loadSnapshot(td); err != nil {
		return err
	}
	logrus.Infof("[Flush][%s] %d rows", catalog.QuoteIdent(table), len(items))
	return nil
}

func (s *Store) loadSnapshot(td *tableData) error {
	buf, err := os.ReadFile(s.snapPath(td.schema.Name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	r := bytes.NewReader(buf)
	cnt, _, err := common.ReadUint32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < cnt; i++ {
		stored, _, err := readRow(r)
		if err != nil {
			return err
		}
		item := newRowItem(stored)
		td.flushed.ReplaceOrInsert(item)
		td.flushedTokens.Add(Token([]byte(item.pkey)))
	}
	return nil
}

func (s *Store) snapPath(table string) string {
	return filepath.Join(s.dir, fmt.Sprintf("tbl_%x.snap", table))
}

func (s *Store) rowState(td *tableData, r *row) (mutation.RowState, error) {
	state := make(mutation.RowState)
	for i, col := range td.partCols {
		if i < len(r.part) {
			state[col] = r.part[i]
		}
	}
	for i, col := range td.clustCols {
		if i < len(r.clust) {
			state[col] = r.clust[i]
		}
	}
	for name, c := range r.cells {
		if !c.liveAfter(r.tombstoneTs) {
			continue
		}
		if c.frag != nil {
			data, err := s.frags.Get(*c.frag)
			if err != nil {
				return nil, err
			}
			state[name] = mutation.Bytes(data)
			continue
		}
		if c.val.IsSet() {
			state[name] = c.val
		}
	}
	return state, nil
}
