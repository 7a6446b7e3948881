// Package block implements the self-checksummed, sorted unit of storage
// within a sorted run, and the builder that packs memtable or merge output
// into a sequence of size-bounded blocks.
package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"

	"github.com/flashkv/lsmtree/internal/errs"
	"github.com/flashkv/lsmtree/internal/xbytes"
)

var crc64Table = crc64.MakeTable(crc64.ISO)

// Entry is a single key-value pair stored in a block, in the order the
// block was built. A tombstone entry carries no value and shadows any
// older value for the same key in a lower level or older run.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Block is an immutable, ordered, checksummed fragment of a sorted run.
type Block struct {
	entries  []Entry
	minKey   []byte
	maxKey   []byte
	checksum uint64
}

// MinKey returns the smallest key stored in the block.
func (b *Block) MinKey() []byte { return b.minKey }

// MaxKey returns the largest key stored in the block.
func (b *Block) MaxKey() []byte { return b.maxKey }

// EntryCount returns the number of entries in the block.
func (b *Block) EntryCount() int { return len(b.entries) }

// ContainsKey reports whether key could be present, short-circuiting on
// the block's key range before doing a sorted-map lookup.
func (b *Block) ContainsKey(key []byte) bool {
	if len(b.entries) == 0 || !xbytes.InRange(key, b.minKey, b.maxKey) {
		return false
	}
	_, ok := b.find(key)
	return ok
}

// Get performs a point lookup inside the block, returning (nil, false)
// for both an absent key and a tombstoned one; callers that must tell
// the two apart should use Lookup instead.
func (b *Block) Get(key []byte) ([]byte, bool) {
	v, tomb, found := b.Lookup(key)
	if !found || tomb {
		return nil, false
	}
	return v, true
}

// Lookup performs a point lookup inside the block, distinguishing a
// live value from a tombstone from absence.
func (b *Block) Lookup(key []byte) (value []byte, tombstone bool, found bool) {
	if len(b.entries) == 0 || !xbytes.InRange(key, b.minKey, b.maxKey) {
		return nil, false, false
	}
	idx, ok := b.find(key)
	if !ok {
		return nil, false, false
	}
	e := b.entries[idx]
	return e.Value, e.Tombstone, true
}

// find does a binary search since entries are sorted by key.
func (b *Block) find(key []byte) (int, bool) {
	lo, hi := 0, len(b.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case xbytes.Less(b.entries[mid].Key, key):
			lo = mid + 1
		case xbytes.Less(key, b.entries[mid].Key):
			hi = mid
		default:
			return mid, true
		}
	}
	return 0, false
}

// Entries returns the block's entries in key order. Callers must not
// mutate the returned slice or its contents.
func (b *Block) Entries() []Entry {
	return b.entries
}

// Encode writes the block layout:
// [entryCount:u32][checksum:u64]([marker:u8][keyLen:u32][key][valLen:u32][value])×count
// marker is 1 for a tombstone (valLen is always 0) and 0 for a live value.
func (b *Block) Encode() []byte {
	size := 4 + 8
	for _, e := range b.entries {
		size += 1 + 4 + len(e.Key) + 4 + len(e.Value)
	}

	buf := make([]byte, 0, size)
	buf = appendU32(buf, uint32(len(b.entries)))
	buf = appendU64(buf, b.checksum)
	for _, e := range b.entries {
		marker := uint8(0)
		if e.Tombstone {
			marker = 1
		}
		buf = append(buf, marker)
		buf = appendU32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = appendU32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

// Decode parses a block previously written by Encode, validating the CRC64
// over every entry's (marker‖key‖value) bytes in order.
func Decode(b []byte) (*Block, error) {
	if len(b) < 4+8 {
		return nil, fmt.Errorf("%w: block header too short", errs.ErrCorruptFormat)
	}

	count := binary.BigEndian.Uint32(b[0:4])
	storedCRC := binary.BigEndian.Uint64(b[4:12])

	pos := 12
	entries := make([]Entry, 0, count)
	h := crc64.New(crc64Table)

	for i := uint32(0); i < count; i++ {
		if pos+1 > len(b) {
			return nil, fmt.Errorf("%w: truncated entry marker", errs.ErrCorruptFormat)
		}
		marker := b[pos]
		if marker != 0 && marker != 1 {
			return nil, fmt.Errorf("%w: unknown entry marker %d", errs.ErrCorruptFormat, marker)
		}
		pos++

		keyLen, err := readU32(b, pos)
		if err != nil {
			return nil, err
		}
		pos += 4
		if pos+int(keyLen) > len(b) {
			return nil, fmt.Errorf("%w: key length %d out of range", errs.ErrCorruptFormat, keyLen)
		}
		key := append([]byte(nil), b[pos:pos+int(keyLen)]...)
		pos += int(keyLen)

		valLen, err := readU32(b, pos)
		if err != nil {
			return nil, err
		}
		pos += 4
		if pos+int(valLen) > len(b) {
			return nil, fmt.Errorf("%w: value length %d out of range", errs.ErrCorruptFormat, valLen)
		}
		value := append([]byte(nil), b[pos:pos+int(valLen)]...)
		pos += int(valLen)

		h.Write([]byte{marker})
		_, _ = h.Write(key)
		_, _ = h.Write(value)

		entries = append(entries, Entry{Key: key, Value: value, Tombstone: marker == 1})
	}

	if pos != len(b) {
		return nil, fmt.Errorf("%w: trailing bytes after block", errs.ErrCorruptFormat)
	}

	if h.Sum64() != storedCRC {
		return nil, fmt.Errorf("%w: block checksum mismatch", errs.ErrCorruptFormat)
	}

	blk := &Block{entries: entries, checksum: storedCRC}
	if len(entries) > 0 {
		blk.minKey = entries[0].Key
		blk.maxKey = entries[len(entries)-1].Key
	}
	return blk, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func readU32(b []byte, pos int) (uint32, error) {
	if pos+4 > len(b) {
		return 0, fmt.Errorf("%w: truncated length field", errs.ErrCorruptFormat)
	}
	return binary.BigEndian.Uint32(b[pos : pos+4]), nil
}

// Builder accumulates sorted entries into size-bounded Blocks. Entries
// must be added in strictly ascending key order; the builder does not
// re-sort.
type Builder struct {
	blockSize int
	current   []Entry
	currSize  int
	blocks    []*Block
}

// NewBuilder returns a Builder that seals a block once adding the next
// entry would exceed blockSize (and the current block is non-empty).
func NewBuilder(blockSize int) *Builder {
	if blockSize <= 0 {
		blockSize = 4096
	}
	return &Builder{blockSize: blockSize}
}

func entryCost(key, value []byte) int {
	return 1 + 4 + len(key) + 4 + len(value)
}

// Add appends a live entry, sealing the current block first if it
// would otherwise exceed the configured block size.
func (bb *Builder) Add(key, value []byte) {
	bb.add(Entry{Key: key, Value: value})
}

// AddTombstone appends a tombstone entry for key, carried through
// flush and compaction so it can shadow an older value until it is
// safe to drop (see compactor.mergeRuns).
func (bb *Builder) AddTombstone(key []byte) {
	bb.add(Entry{Key: key, Tombstone: true})
}

func (bb *Builder) add(e Entry) {
	cost := entryCost(e.Key, e.Value)
	if len(bb.current) > 0 && bb.currSize+cost > bb.blockSize {
		bb.seal()
	}

	bb.current = append(bb.current, e)
	bb.currSize += cost
}

func (bb *Builder) seal() {
	if len(bb.current) == 0 {
		return
	}

	h := crc64.New(crc64Table)
	for _, e := range bb.current {
		marker := uint8(0)
		if e.Tombstone {
			marker = 1
		}
		h.Write([]byte{marker})
		_, _ = h.Write(e.Key)
		_, _ = h.Write(e.Value)
	}

	blk := &Block{
		entries:  bb.current,
		minKey:   bb.current[0].Key,
		maxKey:   bb.current[len(bb.current)-1].Key,
		checksum: h.Sum64(),
	}
	bb.blocks = append(bb.blocks, blk)
	bb.current = nil
	bb.currSize = 0
}

// Build seals the tail block (if any) and returns all blocks built so far,
// in order, with each block's max key less than the next block's min key.
func (bb *Builder) Build() []*Block {
	bb.seal()
	return bb.blocks
}
