package mutation

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type valueKind int8

const (
	vkAbsent valueKind = iota
	vkNull
	vkSet
)

// Value is one column cell payload. Three states matter for view
// maintenance and must never be conflated: absent (the write did not touch
// the column), null (the write explicitly unset it) and set. An empty
// string is a set value, not a null.
type Value struct {
	kind valueKind
	data []byte
}

func Absent() Value { return Value{kind: vkAbsent} }
func Null() Value   { return Value{kind: vkNull} }

func Bytes(buf []byte) Value {
	if buf == nil {
		buf = []byte{}
	}
	return Value{kind: vkSet, data: buf}
}

func Text(s string) Value { return Value{kind: vkSet, data: []byte(s)} }

func Int64(v int64) Value {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return Value{kind: vkSet, data: buf}
}

func (v Value) IsAbsent() bool { return v.kind == vkAbsent }
func (v Value) IsNull() bool   { return v.kind == vkNull }

// IsSet reports whether the value passes an IS NOT NULL predicate.
// Absent and null both fail; a zero-length set value passes.
func (v Value) IsSet() bool { return v.kind == vkSet }

func (v Value) Data() []byte {
	if v.kind != vkSet {
		return nil
	}
	return v.data
}

func (v Value) AsText() string { return string(v.Data()) }

func (v Value) AsInt64() int64 {
	if len(v.data) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v.data))
}

func (v Value) Equals(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind != vkSet {
		return true
	}
	return bytes.Equal(v.data, o.data)
}

func (v Value) String() string {
	switch v.kind {
	case vkAbsent:
		return "<absent>"
	case vkNull:
		return "<null>"
	}
	if len(v.data) > 32 {
		return fmt.Sprintf("<set:%d bytes>", len(v.data))
	}
	return fmt.Sprintf("<set:%q>", v.data)
}
