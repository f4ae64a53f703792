package common

import (
	"encoding/binary"
	"io"
)

func WriteString(str string, w io.Writer) (n int64, err error) {
	return WriteBytes([]byte(str), w)
}

func ReadString(r io.Reader) (str string, n int64, err error) {
	buf, n, err := ReadBytes(r)
	if err != nil {
		return
	}
	str = string(buf)
	return
}

// WriteBytes frames buf with a uvarint length prefix. The prefix must not
// cap the payload: column values routinely exceed 64KB.
func WriteBytes(buf []byte, w io.Writer) (n int64, err error) {
	var lbuf [binary.MaxVarintLen64]byte
	ln := binary.PutUvarint(lbuf[:], uint64(len(buf)))
	wn, err := w.Write(lbuf[:ln])
	n += int64(wn)
	if err != nil {
		return
	}
	wn, err = w.Write(buf)
	n += int64(wn)
	return
}

func ReadBytes(r io.Reader) (buf []byte, n int64, err error) {
	br := &countingByteReader{r: r}
	sz, err := binary.ReadUvarint(br)
	n += br.n
	if err != nil {
		return
	}
	buf = make([]byte, sz)
	rn, err := io.ReadFull(r, buf)
	n += int64(rn)
	return
}

func WriteUint64(v uint64, w io.Writer) (n int64, err error) {
	if err = binary.Write(w, binary.BigEndian, v); err != nil {
		return
	}
	return 8, nil
}

func ReadUint64(r io.Reader) (v uint64, n int64, err error) {
	if err = binary.Read(r, binary.BigEndian, &v); err != nil {
		return
	}
	return v, 8, nil
}

func WriteUint32(v uint32, w io.Writer) (n int64, err error) {
	if err = binary.Write(w, binary.BigEndian, v); err != nil {
		return
	}
	return 4, nil
}

func ReadUint32(r io.Reader) (v uint32, n int64, err error) {
	if err = binary.Read(r, binary.BigEndian, &v); err != nil {
		return
	}
	return v, 4, nil
}

func WriteBool(v bool, w io.Writer) (n int64, err error) {
	b := uint8(0)
	if v {
		b = 1
	}
	if err = binary.Write(w, binary.BigEndian, b); err != nil {
		return
	}
	return 1, nil
}

func ReadBool(r io.Reader) (v bool, n int64, err error) {
	var b uint8
	if err = binary.Read(r, binary.BigEndian, &b); err != nil {
		return
	}
	return b != 0, 1, nil
}

type countingByteReader struct {
	r io.Reader
	n int64
}

func (br *countingByteReader) ReadByte() (byte, error) {
	var one [1]byte
	rn, err := br.r.Read(one[:])
	br.n += int64(rn)
	if err != nil {
		return 0, err
	}
	return one[0], nil
}
