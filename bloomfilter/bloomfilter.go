// Package bloomfilter implements the probabilistic set used to skip sorted
// runs that certainly lack a key. Sizing follows the standard
// false-positive-rate formula; the bit array and its double-hashed
// Add/Test are delegated to github.com/bits-and-blooms/bloom/v3 (already
// the teacher's choice for this concern), which mixes two MurmurHash3
// digests as h_i = h1 + i*h2 — exactly the scheme spec.md §4.2 calls for.
package bloomfilter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/flashkv/lsmtree/internal/errs"
)

const wireVersion = uint8(1)

// Filter is a sized, serializable bloom filter over byte-string keys.
type Filter struct {
	f *bloom.BloomFilter
}

// New sizes a filter for n expected entries at a target false-positive
// rate fp, per spec.md §4.2: m = ceil(-n*ln(p)/(ln2)^2), k = max(1,
// round(m/n * ln2)).
func New(n uint, fp float64) *Filter {
	if n == 0 {
		n = 1
	}
	if fp <= 0 || fp >= 1 {
		fp = 0.01
	}

	ln2 := math.Ln2
	m := uint(math.Ceil(-float64(n) * math.Log(fp) / (ln2 * ln2)))
	if m == 0 {
		m = 1
	}
	k := uint(math.Round(float64(m) / float64(n) * ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{f: bloom.New(m, k)}
}

// Add records key as present in the filter.
func (filt *Filter) Add(key []byte) {
	filt.f.Add(key)
}

// MightContain reports false only if key is certainly absent; a true
// result is probabilistic and may be a false positive.
func (filt *Filter) MightContain(key []byte) bool {
	return filt.f.Test(key)
}

// BitSize returns m, the number of bits in the filter.
func (filt *Filter) BitSize() uint {
	return filt.f.Cap()
}

// K returns the number of hash functions used per key.
func (filt *Filter) K() uint {
	return filt.f.K()
}

// Serialize writes the wire format:
// [version=1][bitSize:u32][k:u32][byteLen:u32][bytes].
func (filt *Filter) Serialize() []byte {
	words := filt.f.BitSet().Bytes()
	raw := make([]byte, len(words)*8)
	for i, w := range words {
		binary.BigEndian.PutUint64(raw[i*8:], w)
	}

	buf := make([]byte, 0, 1+4+4+4+len(raw))
	buf = append(buf, wireVersion)
	buf = appendU32(buf, uint32(filt.BitSize()))
	buf = appendU32(buf, uint32(filt.K()))
	buf = appendU32(buf, uint32(len(raw)))
	buf = append(buf, raw...)
	return buf
}

// Deserialize parses a filter previously written by Serialize.
func Deserialize(b []byte) (*Filter, error) {
	if len(b) < 1+4+4+4 {
		return nil, fmt.Errorf("%w: bloom filter header too short", errs.ErrCorruptFormat)
	}
	if b[0] != wireVersion {
		return nil, fmt.Errorf("%w: unsupported bloom filter version %d", errs.ErrCorruptFormat, b[0])
	}

	bitSize := binary.BigEndian.Uint32(b[1:5])
	k := binary.BigEndian.Uint32(b[5:9])
	byteLen := binary.BigEndian.Uint32(b[9:13])

	rest := b[13:]
	if uint32(len(rest)) != byteLen || byteLen%8 != 0 {
		return nil, fmt.Errorf("%w: bloom filter byte length mismatch", errs.ErrCorruptFormat)
	}

	words := make([]uint64, byteLen/8)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(rest[i*8:])
	}

	if bitSize == 0 || uint64(len(words))*64 < uint64(bitSize) {
		return nil, fmt.Errorf("%w: bloom filter bit size mismatch", errs.ErrCorruptFormat)
	}
	f := bloom.FromWithM(words, uint(bitSize), uint(k))

	return &Filter{f: f}, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
