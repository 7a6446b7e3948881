// Package sstable implements the sorted run: an immutable on-disk sequence
// of blocks plus a bloom filter and footer. A sorted run is produced once,
// either by a memtable flush or by compaction, and is never mutated after
// that; superseded runs are deleted by the level manager.
//
// File layout: [block1][block2]…[blockN][bloomFilterBytes][footer], where
// each block on disk is preceded by its [u32 blockLen], and the footer is a
// fixed 8 bytes: [blockCount:u32][bloomLen:u32].
package sstable

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/flashkv/lsmtree/block"
	"github.com/flashkv/lsmtree/bloomfilter"
	"github.com/flashkv/lsmtree/internal/errs"
	"github.com/flashkv/lsmtree/internal/xbytes"
)

const footerSize = 8

// Run is an opened, immutable sorted run.
type Run struct {
	path   string
	level  int
	size   int64
	blocks []*block.Block
	bloom  *bloomfilter.Filter
	minKey []byte
	maxKey []byte
}

// Path returns the run's file path.
func (r *Run) Path() string { return r.path }

// Level returns the level the run currently belongs to.
func (r *Run) Level() int { return r.level }

// Size returns the run's on-disk size in bytes.
func (r *Run) Size() int64 { return r.size }

// MinKey returns the smallest key in the run.
func (r *Run) MinKey() []byte { return r.minKey }

// MaxKey returns the largest key in the run.
func (r *Run) MaxKey() []byte { return r.maxKey }

// BlockCount returns the number of data blocks in the run.
func (r *Run) BlockCount() int { return len(r.blocks) }

// KeyInRange reports whether key falls within the run's [minKey, maxKey]
// by ordered unsigned-byte comparison (not, per spec.md's corrected Open
// Question, by hashCode()).
func (r *Run) KeyInRange(key []byte) bool {
	if len(r.blocks) == 0 {
		return false
	}
	return xbytes.InRange(key, r.minKey, r.maxKey)
}

// Get performs a point lookup, treating a tombstone the same as
// absence. Callers that must distinguish the two (any multi-level
// lookup, since a tombstone here must stop the search) should use
// Lookup instead.
func (r *Run) Get(key []byte) ([]byte, bool) {
	v, tomb, found := r.Lookup(key)
	if !found || tomb {
		return nil, false
	}
	return v, true
}

// Lookup performs a point lookup: bloom filter check, binary search
// for the candidate block by key range, then an in-block lookup,
// distinguishing a live value from a tombstone from absence.
func (r *Run) Lookup(key []byte) (value []byte, tombstone bool, found bool) {
	if r.bloom != nil && !r.bloom.MightContain(key) {
		return nil, false, false
	}
	if !r.KeyInRange(key) {
		return nil, false, false
	}

	idx := sort.Search(len(r.blocks), func(i int) bool {
		return xbytes.Compare(r.blocks[i].MaxKey(), key) >= 0
	})
	if idx == len(r.blocks) {
		return nil, false, false
	}
	candidate := r.blocks[idx]
	if !xbytes.InRange(key, candidate.MinKey(), candidate.MaxKey()) {
		return nil, false, false
	}
	return candidate.Lookup(key)
}

// Blocks exposes the run's blocks in order, for use by the compaction
// merge iterator. Callers must not mutate the returned slice.
func (r *Run) Blocks() []*block.Block {
	return r.blocks
}

// Write constructs a new sorted run at path, at the given level, from
// ordered blocks and a bloom filter covering every key in the blocks
// (tombstones included, so Lookup can report them), and publishes
// it atomically (a crash mid-write never leaves a half-written file
// visible at its final path).
func Write(path string, level int, blocks []*block.Block, bloom *bloomfilter.Filter) (*Run, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "sstable-build-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp sstable: %v", errs.ErrIoFailure, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	var size int64
	for _, b := range blocks {
		enc := b.Encode()
		if err := writeU32(tmp, uint32(len(enc))); err != nil {
			return nil, err
		}
		if _, err := tmp.Write(enc); err != nil {
			return nil, fmt.Errorf("%w: write block: %v", errs.ErrIoFailure, err)
		}
		size += 4 + int64(len(enc))
	}

	bloomBytes := bloom.Serialize()
	if _, err := tmp.Write(bloomBytes); err != nil {
		return nil, fmt.Errorf("%w: write bloom filter: %v", errs.ErrIoFailure, err)
	}
	size += int64(len(bloomBytes))

	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint32(footer[0:4], uint32(len(blocks)))
	binary.BigEndian.PutUint32(footer[4:8], uint32(len(bloomBytes)))
	if _, err := tmp.Write(footer); err != nil {
		return nil, fmt.Errorf("%w: write footer: %v", errs.ErrIoFailure, err)
	}
	size += footerSize

	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("%w: sync sstable: %v", errs.ErrIoFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: close sstable: %v", errs.ErrIoFailure, err)
	}

	if err := atomic.ReplaceFile(tmpPath, path); err != nil {
		return nil, fmt.Errorf("%w: publish sstable: %v", errs.ErrIoFailure, err)
	}

	run := &Run{path: path, level: level, size: size, blocks: blocks, bloom: bloom}
	if len(blocks) > 0 {
		run.minKey = blocks[0].MinKey()
		run.maxKey = blocks[len(blocks)-1].MaxKey()
	}
	return run, nil
}

// Open reads an existing sorted run file from disk at the given level.
func Open(path string, level int) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read sstable: %v", errs.ErrIoFailure, err)
	}

	if len(data) < footerSize {
		return nil, fmt.Errorf("%w: sstable too short for footer", errs.ErrCorruptFormat)
	}

	footer := data[len(data)-footerSize:]
	blockCount := binary.BigEndian.Uint32(footer[0:4])
	bloomLen := binary.BigEndian.Uint32(footer[4:8])

	body := data[:len(data)-footerSize]
	if uint32(len(body)) < bloomLen {
		return nil, fmt.Errorf("%w: sstable shorter than bloom filter section", errs.ErrCorruptFormat)
	}

	bloomStart := len(body) - int(bloomLen)
	bloomBytes := body[bloomStart:]
	blockSection := body[:bloomStart]

	bloom, err := bloomfilter.Deserialize(bloomBytes)
	if err != nil {
		return nil, err
	}

	blocks := make([]*block.Block, 0, blockCount)
	pos := 0
	for i := uint32(0); i < blockCount; i++ {
		if pos+4 > len(blockSection) {
			return nil, fmt.Errorf("%w: truncated block length", errs.ErrCorruptFormat)
		}
		blen := binary.BigEndian.Uint32(blockSection[pos : pos+4])
		pos += 4
		if pos+int(blen) > len(blockSection) {
			return nil, fmt.Errorf("%w: truncated block body", errs.ErrCorruptFormat)
		}
		blk, err := block.Decode(blockSection[pos : pos+int(blen)])
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, blk)
		pos += int(blen)
	}

	run := &Run{path: path, level: level, size: int64(len(data)), blocks: blocks, bloom: bloom}
	if len(blocks) > 0 {
		run.minKey = blocks[0].MinKey()
		run.maxKey = blocks[len(blocks)-1].MaxKey()
	}
	return run, nil
}

// Remove deletes the run's backing file.
func (r *Run) Remove() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove sstable: %v", errs.ErrIoFailure, err)
	}
	return nil
}

func writeU32(f *os.File, v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	if _, err := f.Write(tmp[:]); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIoFailure, err)
	}
	return nil
}
