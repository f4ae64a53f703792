package catalog

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"mview/pkg/common"
)

// ViewEntry is a validated, fully resolved view definition plus its build
// progress. The only post-create mutation is progress movement; a drop
// marks the entry dead and discards progress with it.
type ViewEntry struct {
	*sync.RWMutex
	ID   uint64
	Name string
	Base *Schema

	// Projection is the concrete column list; wildcards were expanded and
	// static columns excluded at create time.
	Projection []string
	// KeyCols is the derived primary key: partition components first, then
	// clustering components.
	KeyCols      []string
	PartKeyCount int
	Filter       *Filter

	CreateAt uint64
	DeleteAt uint64

	progress map[uint32]*RangeProgress

	viewSchema *Schema
}

func newViewEntry(id uint64, name string, base *Schema) *ViewEntry {
	return &ViewEntry{
		RWMutex:  new(sync.RWMutex),
		ID:       id,
		Name:     name,
		Base:     base,
		progress: make(map[uint32]*RangeProgress),
	}
}

func (e *ViewEntry) HasDropped() bool {
	e.RLock()
	defer e.RUnlock()
	return e.DeleteAt != 0
}

// PartitionKeyCols are the view's derived partition key columns.
func (e *ViewEntry) PartitionKeyCols() []string {
	return e.KeyCols[:e.PartKeyCount]
}

// ClusteringKeyCols are the view's derived clustering key columns.
func (e *ViewEntry) ClusteringKeyCols() []string {
	return e.KeyCols[e.PartKeyCount:]
}

func (e *ViewEntry) IsViewKeyCol(name string) bool {
	for _, col := range e.KeyCols {
		if col == name {
			return true
		}
	}
	return false
}

// NonKeyProjection lists projected columns that are not view key columns;
// these become the view's regular columns.
func (e *ViewEntry) NonKeyProjection() []string {
	var cols []string
	for _, col := range e.Projection {
		if !e.IsViewKeyCol(col) {
			cols = append(cols, col)
		}
	}
	return cols
}

// ViewSchema derives the storage schema of the view itself: key columns in
// derived order, then the remaining projected columns.
func (e *ViewEntry) ViewSchema() *Schema {
	if e.viewSchema != nil {
		return e.viewSchema
	}
	s := NewSchema(e.Name)
	for _, col := range e.KeyCols {
		def, _ := e.Base.GetCol(col)
		s.AppendCol(def.Name, def.Type)
	}
	for _, col := range e.NonKeyProjection() {
		def, _ := e.Base.GetCol(col)
		s.AppendCol(def.Name, def.Type)
	}
	var clustering []string
	if len(e.KeyCols) > e.PartKeyCount {
		clustering = e.KeyCols[e.PartKeyCount:]
	}
	if err := s.PrimaryKey(e.KeyCols[:e.PartKeyCount], clustering); err != nil {
		panic(err)
	}
	e.viewSchema = s
	return s
}

func (e *ViewEntry) GetProgress(rng uint32) RangeProgress {
	e.RLock()
	defer e.RUnlock()
	p, ok := e.progress[rng]
	if !ok {
		return RangeProgress{Range: rng, State: RangePending}
	}
	return *p
}

func (e *ViewEntry) setProgressLocked(p RangeProgress) {
	cp := p
	e.progress[p.Range] = &cp
}

// BuildDone reports whether every one of rangeCnt ranges reached Done.
func (e *ViewEntry) BuildDone(rangeCnt uint32) bool {
	e.RLock()
	defer e.RUnlock()
	for rng := uint32(0); rng < rangeCnt; rng++ {
		p, ok := e.progress[rng]
		if !ok || p.State != RangeDone {
			return false
		}
	}
	return true
}

func (e *ViewEntry) String() string {
	e.RLock()
	defer e.RUnlock()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "VIEW[%d][%s]ON[%s]KEY(", e.ID, QuoteIdent(e.Name), QuoteIdent(e.Base.Name))
	for i, col := range e.KeyCols {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(QuoteIdent(col))
	}
	fmt.Fprintf(&buf, ")WHERE[%s]", e.Filter.String())
	if e.DeleteAt != 0 {
		fmt.Fprintf(&buf, "[DROPPED@%d]", e.DeleteAt)
	}
	return buf.String()
}

func (e *ViewEntry) WriteTo(w io.Writer) (n int64, err error) {
	e.RLock()
	defer e.RUnlock()
	sn, err := common.WriteUint64(e.ID, w)
	n += sn
	if err != nil {
		return
	}
	if sn, err = common.WriteString(e.Name, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteString(e.Base.Name, w); err != nil {
		return
	}
	n += sn
	if sn, err = writeStrList(e.Projection, w); err != nil {
		return
	}
	n += sn
	if sn, err = writeStrList(e.KeyCols, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteUint32(uint32(e.PartKeyCount), w); err != nil {
		return
	}
	n += sn
	if sn, err = e.Filter.WriteTo(w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteUint64(e.CreateAt, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteUint32(uint32(len(e.progress)), w); err != nil {
		return
	}
	n += sn
	for _, p := range e.progress {
		if sn, err = p.WriteTo(w); err != nil {
			return
		}
		n += sn
	}
	return
}

// readViewEntry recovers an entry; the base schema is resolved by name
// against the already recovered tables.
func readViewEntry(r io.Reader, tables map[string]*Schema) (e *ViewEntry, n int64, err error) {
	e = &ViewEntry{
		RWMutex:  new(sync.RWMutex),
		progress: make(map[uint32]*RangeProgress),
		Filter:   new(Filter),
	}
	sn := int64(0)
	if e.ID, sn, err = common.ReadUint64(r); err != nil {
		return
	}
	n += sn
	if e.Name, sn, err = common.ReadString(r); err != nil {
		return
	}
	n += sn
	var baseName string
	if baseName, sn, err = common.ReadString(r); err != nil {
		return
	}
	n += sn
	base, ok := tables[baseName]
	if !ok {
		err = fmt.Errorf("%w: base table %s of view %s", ErrNotFound, QuoteIdent(baseName), QuoteIdent(e.Name))
		return
	}
	e.Base = base
	if e.Projection, sn, err = readStrList(r); err != nil {
		return
	}
	n += sn
	if e.KeyCols, sn, err = readStrList(r); err != nil {
		return
	}
	n += sn
	var cnt uint32
	if cnt, sn, err = common.ReadUint32(r); err != nil {
		return
	}
	n += sn
	e.PartKeyCount = int(cnt)
	if sn, err = e.Filter.ReadFrom(r); err != nil {
		return
	}
	n += sn
	if e.CreateAt, sn, err = common.ReadUint64(r); err != nil {
		return
	}
	n += sn
	if cnt, sn, err = common.ReadUint32(r); err != nil {
		return
	}
	n += sn
	for i := uint32(0); i < cnt; i++ {
		p := new(RangeProgress)
		if sn, err = p.ReadFrom(r); err != nil {
			return
		}
		n += sn
		e.progress[p.Range] = p
	}
	return
}

func writeStrList(strs []string, w io.Writer) (n int64, err error) {
	sn, err := common.WriteUint32(uint32(len(strs)), w)
	n += sn
	if err != nil {
		return
	}
	for _, s := range strs {
		if sn, err = common.WriteString(s, w); err != nil {
			return
		}
		n += sn
	}
	return
}

func readStrList(r io.Reader) (strs []string, n int64, err error) {
	cnt, sn, err := common.ReadUint32(r)
	n += sn
	if err != nil {
		return
	}
	for i := uint32(0); i < cnt; i++ {
		var s string
		if s, sn, err = common.ReadString(r); err != nil {
			return
		}
		n += sn
		strs = append(strs, s)
	}
	return
}
