package catalog

import (
	"bytes"
	"fmt"
	"io"

	"mview/pkg/common"
)

type ColType int8

const (
	ColInt ColType = iota
	ColText
	ColBlob
)

// ColDef holds the exact column identifier as the user wrote it. Casing is
// never normalized here or anywhere downstream: "Dog", "dog" and "DOG" are
// three different columns.
type ColDef struct {
	Name   string
	Type   ColType
	Static bool
}

type Schema struct {
	Name        string
	ColDefs     []ColDef
	PartitionBy []int
	ClusterBy   []int

	nameIndex map[string]int
}

func NewSchema(name string) *Schema {
	return &Schema{
		Name:      name,
		nameIndex: make(map[string]int),
	}
}

func (s *Schema) AppendCol(name string, typ ColType) *Schema {
	return s.appendCol(name, typ, false)
}

func (s *Schema) AppendStaticCol(name string, typ ColType) *Schema {
	return s.appendCol(name, typ, true)
}

func (s *Schema) appendCol(name string, typ ColType, static bool) *Schema {
	s.nameIndex[name] = len(s.ColDefs)
	s.ColDefs = append(s.ColDefs, ColDef{Name: name, Type: typ, Static: static})
	return s
}

func (s *Schema) PrimaryKey(partition []string, clustering []string) error {
	s.PartitionBy = s.PartitionBy[:0]
	s.ClusterBy = s.ClusterBy[:0]
	for _, name := range partition {
		idx, ok := s.nameIndex[name]
		if !ok {
			return fmt.Errorf("%w: no column %s", ErrNotFound, QuoteIdent(name))
		}
		s.PartitionBy = append(s.PartitionBy, idx)
	}
	for _, name := range clustering {
		idx, ok := s.nameIndex[name]
		if !ok {
			return fmt.Errorf("%w: no column %s", ErrNotFound, QuoteIdent(name))
		}
		s.ClusterBy = append(s.ClusterBy, idx)
	}
	return nil
}

func (s *Schema) GetColIdx(name string) int {
	idx, ok := s.nameIndex[name]
	if !ok {
		return -1
	}
	return idx
}

func (s *Schema) GetCol(name string) (ColDef, bool) {
	idx := s.GetColIdx(name)
	if idx < 0 {
		return ColDef{}, false
	}
	return s.ColDefs[idx], true
}

func (s *Schema) IsKeyCol(name string) bool {
	idx := s.GetColIdx(name)
	if idx < 0 {
		return false
	}
	for _, i := range s.PartitionBy {
		if i == idx {
			return true
		}
	}
	for _, i := range s.ClusterBy {
		if i == idx {
			return true
		}
	}
	return false
}

func (s *Schema) PartitionCols() []string {
	names := make([]string, 0, len(s.PartitionBy))
	for _, i := range s.PartitionBy {
		names = append(names, s.ColDefs[i].Name)
	}
	return names
}

func (s *Schema) ClusteringCols() []string {
	names := make([]string, 0, len(s.ClusterBy))
	for _, i := range s.ClusterBy {
		names = append(names, s.ColDefs[i].Name)
	}
	return names
}

// RegularCols lists non-key, non-static columns.
func (s *Schema) RegularCols() []string {
	var names []string
	for _, def := range s.ColDefs {
		if def.Static || s.IsKeyCol(def.Name) {
			continue
		}
		names = append(names, def.Name)
	}
	return names
}

// NonStaticCols lists every column a wildcard projection expands to.
// Static columns never participate in a view, even under `*`.
func (s *Schema) NonStaticCols() []string {
	var names []string
	for _, def := range s.ColDefs {
		if def.Static {
			continue
		}
		names = append(names, def.Name)
	}
	return names
}

func (s *Schema) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "SCHEMA[%s](", QuoteIdent(s.Name))
	for i, def := range s.ColDefs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(QuoteIdent(def.Name))
		if def.Static {
			buf.WriteString(" static")
		}
	}
	buf.WriteByte(')')
	return buf.String()
}

func (s *Schema) WriteTo(w io.Writer) (n int64, err error) {
	sn, err := common.WriteString(s.Name, w)
	n += sn
	if err != nil {
		return
	}
	if sn, err = common.WriteUint32(uint32(len(s.ColDefs)), w); err != nil {
		return
	}
	n += sn
	for _, def := range s.ColDefs {
		if sn, err = common.WriteString(def.Name, w); err != nil {
			return
		}
		n += sn
		if _, err = w.Write([]byte{byte(def.Type)}); err != nil {
			return
		}
		n++
		if sn, err = common.WriteBool(def.Static, w); err != nil {
			return
		}
		n += sn
	}
	if sn, err = writeIdxList(s.PartitionBy, w); err != nil {
		return
	}
	n += sn
	if sn, err = writeIdxList(s.ClusterBy, w); err != nil {
		return
	}
	n += sn
	return
}

func (s *Schema) ReadFrom(r io.Reader) (n int64, err error) {
	sn := int64(0)
	if s.Name, sn, err = common.ReadString(r); err != nil {
		return
	}
	n += sn
	cnt, sn, err := common.ReadUint32(r)
	n += sn
	if err != nil {
		return
	}
	s.ColDefs = make([]ColDef, 0, cnt)
	s.nameIndex = make(map[string]int, cnt)
	one := make([]byte, 1)
	for i := uint32(0); i < cnt; i++ {
		var def ColDef
		if def.Name, sn, err = common.ReadString(r); err != nil {
			return
		}
		n += sn
		if _, err = io.ReadFull(r, one); err != nil {
			return
		}
		n++
		def.Type = ColType(one[0])
		if def.Static, sn, err = common.ReadBool(r); err != nil {
			return
		}
		n += sn
		s.nameIndex[def.Name] = len(s.ColDefs)
		s.ColDefs = append(s.ColDefs, def)
	}
	if s.PartitionBy, sn, err = readIdxList(r); err != nil {
		return
	}
	n += sn
	if s.ClusterBy, sn, err = readIdxList(r); err != nil {
		return
	}
	n += sn
	return
}

func writeIdxList(idxs []int, w io.Writer) (n int64, err error) {
	sn, err := common.WriteUint32(uint32(len(idxs)), w)
	n += sn
	if err != nil {
		return
	}
	for _, idx := range idxs {
		if sn, err = common.WriteUint32(uint32(idx), w); err != nil {
			return
		}
		n += sn
	}
	return
}

func readIdxList(r io.Reader) (idxs []int, n int64, err error) {
	cnt, sn, err := common.ReadUint32(r)
	n += sn
	if err != nil {
		return
	}
	for i := uint32(0); i < cnt; i++ {
		var idx uint32
		if idx, sn, err = common.ReadUint32(r); err != nil {
			return
		}
		n += sn
		idxs = append(idxs, int(idx))
	}
	return
}
