package mutation

import (
	"io"

	"mview/pkg/common"
)

func (v Value) WriteTo(w io.Writer) (n int64, err error) {
	sn, err := common.WriteBool(v.kind == vkSet, w)
	n += sn
	if err != nil || v.kind != vkSet {
		return
	}
	sn, err = common.WriteBytes(v.data, w)
	n += sn
	return
}

func ReadValue(r io.Reader) (v Value, n int64, err error) {
	set, sn, err := common.ReadBool(r)
	n += sn
	if err != nil {
		return
	}
	if !set {
		return Null(), n, nil
	}
	buf, sn, err := common.ReadBytes(r)
	n += sn
	if err != nil {
		return
	}
	return Bytes(buf), n, nil
}

func writeValues(vals []Value, w io.Writer) (n int64, err error) {
	sn, err := common.WriteUint32(uint32(len(vals)), w)
	n += sn
	if err != nil {
		return
	}
	for _, v := range vals {
		if sn, err = v.WriteTo(w); err != nil {
			return
		}
		n += sn
	}
	return
}

func readValues(r io.Reader) (vals []Value, n int64, err error) {
	cnt, sn, err := common.ReadUint32(r)
	n += sn
	if err != nil {
		return
	}
	vals = make([]Value, 0, cnt)
	for i := uint32(0); i < cnt; i++ {
		var v Value
		if v, sn, err = ReadValue(r); err != nil {
			return
		}
		n += sn
		vals = append(vals, v)
	}
	return
}

func (m *Mutation) WriteTo(w io.Writer) (n int64, err error) {
	sn, err := common.WriteString(m.Table, w)
	n += sn
	if err != nil {
		return
	}
	if sn, err = writeValues(m.Partition, w); err != nil {
		return
	}
	n += sn
	if sn, err = writeValues(m.Clustering, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteUint64(m.Ts, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteBool(m.Delete, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteUint32(uint32(len(m.Cells)), w); err != nil {
		return
	}
	n += sn
	for name, v := range m.Cells {
		if sn, err = common.WriteString(name, w); err != nil {
			return
		}
		n += sn
		if sn, err = v.WriteTo(w); err != nil {
			return
		}
		n += sn
	}
	return
}

func (m *Mutation) ReadFrom(r io.Reader) (n int64, err error) {
	sn := int64(0)
	if m.Table, sn, err = common.ReadString(r); err != nil {
		return
	}
	n += sn
	if m.Partition, sn, err = readValues(r); err != nil {
		return
	}
	n += sn
	if m.Clustering, sn, err = readValues(r); err != nil {
		return
	}
	n += sn
	if m.Ts, sn, err = common.ReadUint64(r); err != nil {
		return
	}
	n += sn
	if m.Delete, sn, err = common.ReadBool(r); err != nil {
		return
	}
	n += sn
	cnt, sn, err := common.ReadUint32(r)
	n += sn
	if err != nil {
		return
	}
	m.Cells = make(map[string]Value, cnt)
	for i := uint32(0); i < cnt; i++ {
		var name string
		var v Value
		if name, sn, err = common.ReadString(r); err != nil {
			return
		}
		n += sn
		if v, sn, err = ReadValue(r); err != nil {
			return
		}
		n += sn
		m.Cells[name] = v
	}
	return
}
