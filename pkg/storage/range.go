package storage

import (
	"hash/fnv"
)

// DefaultRangeCount splits the token space for builder parallelism. Must
// be a power of two.
const DefaultRangeCount uint32 = 8

// Token hashes an encoded partition key onto the 64-bit token ring.
func Token(encodedPartition []byte) uint64 {
	h := fnv.New64a()
	h.Write(encodedPartition)
	return h.Sum64()
}

// RangeOf maps a token to its range by the high bits, so ranges partition
// the ring into equal contiguous spans.
func RangeOf(token uint64, rangeCount uint32) uint32 {
	shift := uint(64)
	for c := rangeCount; c > 1; c >>= 1 {
		shift--
	}
	return uint32(token >> shift)
}
