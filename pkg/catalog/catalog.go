package catalog

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"mview/pkg/common"

	"github.com/jiangxinmeng1/logstore/pkg/entry"
	"github.com/jiangxinmeng1/logstore/pkg/store"
	"github.com/sirupsen/logrus"
)

const snapshotName = "catalog.ckp"

// ViewRequest is a raw view-creation request before validation. A nil or
// ["*"] projection is a wildcard over the base table's non-static columns.
type ViewRequest struct {
	Name         string
	Base         *Schema
	Projection   []string
	KeyCols      []string
	PartKeyCount int
	Filter       *Filter
}

// Catalog is the arena-style registry owning base schemas, view
// definitions and build progress, indexed by view identifier. Everything
// here must be recovered before any generator or builder work resumes.
type Catalog struct {
	*IDAlloctor
	*sync.RWMutex
	dir   string
	store store.Store

	tables  map[string]*Schema
	entries map[uint64]*ViewEntry
	names   *nameIndex
}

func OpenCatalog(dir string, cfg *store.StoreCfg) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	driver, err := store.NewBaseStore(dir, "catalog", cfg)
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		RWMutex:    new(sync.RWMutex),
		IDAlloctor: NewIDAllocator(),
		dir:        dir,
		store:      driver,
		tables:     make(map[string]*Schema),
		entries:    make(map[uint64]*ViewEntry),
	}
	c.names = newNameIndex(c.RWMutex)
	if err := c.recover(); err != nil {
		driver.Close()
		return nil, err
	}
	return c, nil
}

func MockCatalog(dir string) *Catalog {
	c, err := OpenCatalog(dir, nil)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Close() error {
	return c.store.Close()
}

func (c *Catalog) CreateTable(schema *Schema) error {
	c.Lock()
	if _, ok := c.tables[schema.Name]; ok {
		c.Unlock()
		return ErrDuplicate
	}
	c.tables[schema.Name] = schema
	c.Unlock()

	var payload bytes.Buffer
	if _, err := schema.WriteTo(&payload); err != nil {
		return err
	}
	if err := c.appendLogEntry(ETCreateTable, payload.Bytes()); err != nil {
		return err
	}
	return c.checkpoint()
}

func (c *Catalog) Tables() []*Schema {
	c.RLock()
	defer c.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	schemas := make([]*Schema, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, c.tables[name])
	}
	return schemas
}

func (c *Catalog) GetTable(name string) (*Schema, error) {
	c.RLock()
	defer c.RUnlock()
	schema, ok := c.tables[name]
	if !ok {
		return nil, ErrNotFound
	}
	return schema, nil
}

// CreateView validates, stamps and durably stores a definition. The DDL
// caller gets any validation error synchronously; once this returns nil the
// definition survives restart even though building has not begun.
func (c *Catalog) CreateView(req *ViewRequest) (*ViewEntry, error) {
	entry, err := c.buildEntry(req)
	if err != nil {
		return nil, err
	}

	c.Lock()
	if c.names.GetLocked(req.Name) != nil {
		c.Unlock()
		return nil, ErrDuplicate
	}
	entry.CreateAt = c.NextTS()
	c.entries[entry.ID] = entry
	c.names.InsertLocked(newNameNode(c, entry.Name, entry.ID))
	c.Unlock()

	var payload bytes.Buffer
	if _, err := entry.WriteTo(&payload); err != nil {
		return nil, err
	}
	if err := c.appendLogEntry(ETCreateView, payload.Bytes()); err != nil {
		return nil, err
	}
	if err := c.checkpoint(); err != nil {
		return nil, err
	}
	logrus.Infof("%s | Created", entry.String())
	return entry, nil
}

// DropView discards the definition and every build-progress cursor in one
// step. Any builder worker holding the entry observes the drop before its
// next step and abandons the build; nothing rolls partial progress back.
func (c *Catalog) DropView(name string) (*ViewEntry, error) {
	c.Lock()
	node := c.names.GetLocked(name)
	if node == nil {
		c.Unlock()
		return nil, ErrNotFound
	}
	dropped := node.GetEntry()
	dropped.Lock()
	dropped.DeleteAt = c.NextTS()
	dropped.progress = make(map[uint32]*RangeProgress)
	dropped.Unlock()
	c.names.DeleteLocked(name)
	delete(c.entries, dropped.ID)
	c.Unlock()

	var payload bytes.Buffer
	if _, err := common.WriteUint64(dropped.ID, &payload); err != nil {
		return nil, err
	}
	if err := c.appendLogEntry(ETDropView, payload.Bytes()); err != nil {
		return nil, err
	}
	if err := c.checkpoint(); err != nil {
		return nil, err
	}
	logrus.Infof("%s | Dropped", dropped.String())
	return dropped, nil
}

func (c *Catalog) GetView(name string) (*ViewEntry, error) {
	c.RLock()
	defer c.RUnlock()
	node := c.names.GetLocked(name)
	if node == nil {
		return nil, ErrNotFound
	}
	return node.GetEntry(), nil
}

// ViewsOn returns the live views derived from one base table, name order.
func (c *Catalog) ViewsOn(baseName string) []*ViewEntry {
	var views []*ViewEntry
	c.names.ForEach(func(n *nameNode) bool {
		e := n.GetEntry()
		if e != nil && e.Base.Name == baseName {
			views = append(views, e)
		}
		return true
	})
	return views
}

func (c *Catalog) ListViews() []*ViewEntry {
	var views []*ViewEntry
	c.names.ForEach(func(n *nameNode) bool {
		if e := n.GetEntry(); e != nil {
			views = append(views, e)
		}
		return true
	})
	return views
}

// SaveProgress durably records a builder checkpoint. A drop observed here
// wins: progress for a dropped view is refused so no cursor can outlive
// its definition.
func (c *Catalog) SaveProgress(e *ViewEntry, p RangeProgress) error {
	c.RLock()
	_, live := c.entries[e.ID]
	c.RUnlock()
	if !live || e.HasDropped() {
		return ErrNotFound
	}
	e.Lock()
	e.setProgressLocked(p)
	e.Unlock()

	var payload bytes.Buffer
	if _, err := common.WriteUint64(e.ID, &payload); err != nil {
		return err
	}
	if _, err := p.WriteTo(&payload); err != nil {
		return err
	}
	if err := c.appendLogEntry(ETBuildProgress, payload.Bytes()); err != nil {
		return err
	}
	return c.checkpoint()
}

func (c *Catalog) buildEntry(req *ViewRequest) (*ViewEntry, error) {
	base := req.Base
	if base == nil {
		return nil, InvalidDefinitionErr("no base table")
	}
	if req.Filter == nil || len(req.Filter.Clauses) == 0 {
		return nil, InvalidDefinitionErr("missing filter on view %s", QuoteIdent(req.Name))
	}
	for _, clause := range req.Filter.Clauses {
		if clause.Marker {
			return nil, InvalidDefinitionErr("unbound value in clause [%s]", clause.String())
		}
		def, ok := base.GetCol(clause.Column)
		if !ok {
			return nil, InvalidDefinitionErr("unknown column %s in clause [%s]",
				QuoteIdent(clause.Column), clause.String())
		}
		if def.Static {
			return nil, InvalidDefinitionErr("static column %s in clause [%s]",
				QuoteIdent(clause.Column), clause.String())
		}
	}
	if len(req.KeyCols) == 0 {
		return nil, InvalidDefinitionErr("view %s has no key columns", QuoteIdent(req.Name))
	}
	if req.PartKeyCount < 1 || req.PartKeyCount > len(req.KeyCols) {
		return nil, InvalidDefinitionErr("view %s has %d partition key columns of %d key columns",
			QuoteIdent(req.Name), req.PartKeyCount, len(req.KeyCols))
	}
	for _, col := range req.KeyCols {
		def, ok := base.GetCol(col)
		if !ok {
			return nil, InvalidDefinitionErr("unknown key column %s", QuoteIdent(col))
		}
		if def.Static {
			return nil, InvalidDefinitionErr("static column %s cannot be a view key column", QuoteIdent(col))
		}
		// An equality clause also guarantees presence: a literal
		// comparison cannot pass on a null.
		if !req.Filter.CoversPresence(col) {
			return nil, InvalidDefinitionErr("key column %s lacks an IS NOT NULL clause", QuoteIdent(col))
		}
	}

	projection := req.Projection
	if len(projection) == 0 || (len(projection) == 1 && projection[0] == "*") {
		projection = base.NonStaticCols()
	} else {
		for _, col := range projection {
			def, ok := base.GetCol(col)
			if !ok {
				return nil, InvalidDefinitionErr("unknown projected column %s", QuoteIdent(col))
			}
			if def.Static {
				return nil, InvalidDefinitionErr("static column %s cannot be projected", QuoteIdent(col))
			}
		}
	}

	e := newViewEntry(c.NextView(), req.Name, base)
	e.Projection = projection
	e.KeyCols = req.KeyCols
	e.PartKeyCount = req.PartKeyCount
	e.Filter = req.Filter
	return e, nil
}

func (c *Catalog) appendLogEntry(typ LogEntryType, payload []byte) error {
	e := entry.GetBase()
	e.SetType(typ)
	if err := e.Unmarshal(payload); err != nil {
		return err
	}
	if _, err := c.store.AppendEntry(GroupCatalog, e); err != nil {
		return err
	}
	if err := e.WaitDone(); err != nil {
		return err
	}
	e.Free()
	return nil
}

// checkpoint rewrites the snapshot the registry recovers from. The WAL has
// already made the operation durable; the snapshot keeps recovery cheap
// and deterministic.
func (c *Catalog) checkpoint() error {
	c.RLock()
	var buf bytes.Buffer
	if _, err := common.WriteUint32(uint32(len(c.tables)), &buf); err != nil {
		c.RUnlock()
		return err
	}
	// name order for determinism
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := c.tables[name].WriteTo(&buf); err != nil {
			c.RUnlock()
			return err
		}
	}
	if _, err := common.WriteUint32(uint32(len(c.entries)), &buf); err != nil {
		c.RUnlock()
		return err
	}
	for _, e := range c.entries {
		if _, err := e.WriteTo(&buf); err != nil {
			c.RUnlock()
			return err
		}
	}
	c.RUnlock()

	tmp := filepath.Join(c.dir, snapshotName+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(c.dir, snapshotName))
}

func (c *Catalog) recover() error {
	buf, err := os.ReadFile(filepath.Join(c.dir, snapshotName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	r := bytes.NewReader(buf)
	tblCnt, _, err := common.ReadUint32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < tblCnt; i++ {
		schema := NewSchema("")
		if _, err := schema.ReadFrom(r); err != nil {
			return err
		}
		c.tables[schema.Name] = schema
	}
	viewCnt, _, err := common.ReadUint32(r)
	if err != nil && err != io.EOF {
		return err
	}
	maxID, maxTS := uint64(0), uint64(0)
	for i := uint32(0); i < viewCnt; i++ {
		e, _, err := readViewEntry(r, c.tables)
		if err != nil {
			return err
		}
		c.entries[e.ID] = e
		c.names.InsertLocked(newNameNode(c, e.Name, e.ID))
		if e.ID > maxID {
			maxID = e.ID
		}
		if e.CreateAt > maxTS {
			maxTS = e.CreateAt
		}
		logrus.Infof("%s | Recovered", e.String())
	}
	c.IDAlloctor.Init(maxID, maxTS)
	return nil
}
