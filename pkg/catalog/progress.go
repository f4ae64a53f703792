package catalog

import (
	"fmt"
	"io"

	"mview/pkg/common"
)

type RangeState int8

const (
	RangePending RangeState = iota
	RangeInProgress
	RangeDone
)

func (s RangeState) String() string {
	switch s {
	case RangePending:
		return "Pending"
	case RangeInProgress:
		return "InProgress"
	case RangeDone:
		return "Done"
	}
	return "?"
}

// RangeProgress is the builder's durable cursor for one (view, token-range).
// Checkpoint is the encoded partition key of the last base partition fully
// fed through the update generator. It only moves forward; an explicit
// rebuild replaces the whole entry.
type RangeProgress struct {
	Range      uint32
	State      RangeState
	Checkpoint []byte
}

func (p *RangeProgress) String() string {
	return fmt.Sprintf("RANGE[%d][%s](ckp=%d bytes)", p.Range, p.State, len(p.Checkpoint))
}

func (p *RangeProgress) WriteTo(w io.Writer) (n int64, err error) {
	sn, err := common.WriteUint32(p.Range, w)
	n += sn
	if err != nil {
		return
	}
	if _, err = w.Write([]byte{byte(p.State)}); err != nil {
		return
	}
	n++
	if sn, err = common.WriteBytes(p.Checkpoint, w); err != nil {
		return
	}
	n += sn
	return
}

func (p *RangeProgress) ReadFrom(r io.Reader) (n int64, err error) {
	sn := int64(0)
	if p.Range, sn, err = common.ReadUint32(r); err != nil {
		return
	}
	n += sn
	one := make([]byte, 1)
	if _, err = io.ReadFull(r, one); err != nil {
		return
	}
	n++
	p.State = RangeState(one[0])
	if p.Checkpoint, sn, err = common.ReadBytes(r); err != nil {
		return
	}
	n += sn
	return
}
