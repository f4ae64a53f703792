package fragment

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"mview/pkg/common"

	aoe "github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/common"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
)

// DefaultThreshold is the atomic-write size limit. Any cell above it is
// split into fragments; the limit applies identically to base tables and
// views.
const DefaultThreshold = 10 * 1024 * 1024

const (
	methodRaw byte = iota
	methodLZ4
)

// FragmentedValue is the handle a storage cell keeps in place of an
// oversized payload. Readers reassemble through Store.Get.
type FragmentedValue struct {
	BlobID   uint64
	TotalLen uint64
	Count    uint32
}

func (fv FragmentedValue) String() string {
	return fmt.Sprintf("FRAG[%d](%d bytes/%d parts)", fv.BlobID, fv.TotalLen, fv.Count)
}

type Store struct {
	mu        sync.Mutex
	dir       string
	threshold int
	idAlloc   *aoe.IdAlloctor
}

func NewStore(dir string, threshold int) (*Store, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		dir:       dir,
		threshold: threshold,
		idAlloc:   aoe.NewIdAlloctor(1),
	}
	if err := s.recoverSeq(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Threshold() int { return s.threshold }

// ShouldFragment reports whether a payload exceeds the atomic-write limit.
func (s *Store) ShouldFragment(n int) bool { return n > s.threshold }

// Put splits value into threshold-sized fragments, one file each, every
// fragment carrying its index and the blob's total length so torn blobs
// are detectable on read.
func (s *Store) Put(value []byte) (FragmentedValue, error) {
	s.mu.Lock()
	blobID := s.idAlloc.Alloc()
	s.mu.Unlock()

	count := uint32(0)
	for off := 0; off < len(value); off += s.threshold {
		end := off + s.threshold
		if end > len(value) {
			end = len(value)
		}
		if err := s.writeFragment(blobID, count, uint64(len(value)), value[off:end]); err != nil {
			return FragmentedValue{}, err
		}
		count++
	}
	fv := FragmentedValue{BlobID: blobID, TotalLen: uint64(len(value)), Count: count}
	logrus.Debugf("%s | Put", fv.String())
	return fv, nil
}

// Get reassembles a fragmented payload, verifying order and total length.
func (s *Store) Get(fv FragmentedValue) ([]byte, error) {
	out := make([]byte, 0, fv.TotalLen)
	for idx := uint32(0); idx < fv.Count; idx++ {
		part, err := s.readFragment(fv, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	if uint64(len(out)) != fv.TotalLen {
		return nil, fmt.Errorf("%s: reassembled %d bytes", fv.String(), len(out))
	}
	return out, nil
}

// Remove deletes all fragments of a blob. Failure here leaks files, never
// corrupts data, so it is best effort.
func (s *Store) Remove(fv FragmentedValue) {
	for idx := uint32(0); idx < fv.Count; idx++ {
		os.Remove(s.fragPath(fv.BlobID, idx))
	}
}

func (s *Store) fragPath(blobID uint64, idx uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("blob_%d_%d.frag", blobID, idx))
}

func (s *Store) writeFragment(blobID uint64, idx uint32, totalLen uint64, raw []byte) error {
	method := methodLZ4
	comp := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, comp, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(raw) {
		// incompressible, store as-is
		method = methodRaw
		comp = raw
	} else {
		comp = comp[:n]
	}

	var buf bytes.Buffer
	if _, err := common.WriteUint32(idx, &buf); err != nil {
		return err
	}
	if _, err := common.WriteUint64(totalLen, &buf); err != nil {
		return err
	}
	buf.WriteByte(method)
	if _, err := common.WriteUint32(uint32(len(raw)), &buf); err != nil {
		return err
	}
	if _, err := common.WriteBytes(comp, &buf); err != nil {
		return err
	}
	tmp := s.fragPath(blobID, idx) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.fragPath(blobID, idx))
}

func (s *Store) readFragment(fv FragmentedValue, idx uint32) ([]byte, error) {
	buf, err := os.ReadFile(s.fragPath(fv.BlobID, idx))
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(buf)
	gotIdx, _, err := common.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if gotIdx != idx {
		return nil, fmt.Errorf("%s: fragment %d carries index %d", fv.String(), idx, gotIdx)
	}
	totalLen, _, err := common.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if totalLen != fv.TotalLen {
		return nil, fmt.Errorf("%s: fragment %d carries total %d", fv.String(), idx, totalLen)
	}
	method, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	rawLen, _, err := common.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	payload, _, err := common.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	if method == methodRaw {
		return payload, nil
	}
	raw := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(payload, raw)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if uint32(n) != rawLen {
		return nil, fmt.Errorf("lz4 decompress: expected %d bytes, got %d", rawLen, n)
	}
	return raw, nil
}

func (s *Store) recoverSeq() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	max := uint64(0)
	for _, f := range files {
		name := f.Name()
		if !strings.HasPrefix(name, "blob_") || !strings.HasSuffix(name, ".frag") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, "blob_"), ".frag"), "_")
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		if id > max {
			max = id
		}
	}
	if max > 0 {
		s.idAlloc.SetStart(max)
	}
	return nil
}
