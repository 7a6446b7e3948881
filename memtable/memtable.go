// Package memtable implements the mutable, ordered, in-memory buffer that
// absorbs writes before a flush to a sorted run. It is a generalization of
// the teacher's generic skip list (memtable.SkipList[K ordered, V any] in
// PriyanshuSharma23-FlashLog/memtable/skip_list.go) to []byte keys in
// unsigned-byte order, carrying a three-valued lookup result (live value /
// tombstone / absent) instead of a bare value, plus byte-size accounting
// and a monotonic per-table sequence counter.
package memtable

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/flashkv/lsmtree/block"
	"github.com/flashkv/lsmtree/bloomfilter"
	"github.com/flashkv/lsmtree/internal/errs"
	"github.com/flashkv/lsmtree/internal/xbytes"
	"github.com/flashkv/lsmtree/sstable"
)

const maxLevel = 32

// LookupResult distinguishes a live value from a tombstone from absence,
// so callers never mistake "deleted here" for "not here at all".
type LookupResult struct {
	Value     []byte
	Tombstone bool
	Found     bool
}

type node struct {
	key     []byte
	value   []byte
	tomb    bool
	forward []*node
}

// Memtable is the active, ordered, tombstone-aware in-memory buffer.
type Memtable struct {
	mu          sync.RWMutex
	head        *node
	levels      int
	size        int64
	entries     int
	maxSequence uint64
	seq         *uint64
	rnd         *rand.Rand
}

// New returns an empty memtable. seq is a process-wide monotonic sequence
// counter shared across memtable generations, so sequence numbers never
// reset across a flush.
func New(seq *uint64) *Memtable {
	return &Memtable{
		head:   &node{forward: make([]*node, 1)},
		levels: 0,
		seq:    seq,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Memtable) randomLevel() int {
	level := 0
	for m.rnd.Int31()&1 == 0 && level < maxLevel {
		level++
	}
	return level
}

func (m *Memtable) adjustLevels(level int) {
	forward := make([]*node, level+1)
	copy(forward, m.head.forward)
	m.head = &node{forward: forward}
	m.levels = level
}

// Put inserts or replaces key's value, adjusting size accounting and
// advancing the shared sequence counter.
func (m *Memtable) Put(key, value []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.nextSequence()
	m.insert(key, value, false)
	return seq
}

// Delete stores a tombstone for key, shadowing any older on-disk value.
func (m *Memtable) Delete(key []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.nextSequence()
	m.insert(key, nil, true)
	return seq
}

// ReserveSequence advances and returns the shared sequence counter
// without inserting anything. Used by callers that must durably log a
// sequence number (to the WAL) before the corresponding memtable
// mutation is applied, so a WAL failure never leaves a write visible
// in memory without having been logged.
func (m *Memtable) ReserveSequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSequence()
}

// PutAt inserts key/value under a sequence number obtained earlier
// from ReserveSequence, without advancing the counter again.
func (m *Memtable) PutAt(key, value []byte, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.maxSequence {
		m.maxSequence = seq
	}
	m.insert(key, value, false)
}

// DeleteAt stores a tombstone for key under a sequence number obtained
// earlier from ReserveSequence, without advancing the counter again.
func (m *Memtable) DeleteAt(key []byte, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.maxSequence {
		m.maxSequence = seq
	}
	m.insert(key, nil, true)
}

func (m *Memtable) nextSequence() uint64 {
	s := *m.seq + 1
	*m.seq = s
	if s > m.maxSequence {
		m.maxSequence = s
	}
	return s
}

func (m *Memtable) insert(key, value []byte, tomb bool) {
	newLevel := m.randomLevel()
	if newLevel > m.levels {
		m.adjustLevels(newLevel)
	}

	updates := make([]*node, m.levels+1)
	x := m.head
	for level := m.levels; level >= 0; level-- {
		for x.forward[level] != nil && xbytes.Less(x.forward[level].key, key) {
			x = x.forward[level]
		}
		updates[level] = x
	}

	if x.forward[0] != nil && xbytes.Compare(x.forward[0].key, key) == 0 {
		existing := x.forward[0]
		oldSize := valueSize(existing.value, existing.tomb)
		existing.value = nil
		if !tomb {
			existing.value = append([]byte(nil), value...)
		}
		existing.tomb = tomb
		m.size += valueSize(existing.value, tomb) - oldSize
		return
	}

	n := &node{key: append([]byte(nil), key...), tomb: tomb, forward: make([]*node, newLevel+1)}
	if !tomb {
		n.value = append([]byte(nil), value...)
	}

	for level := 0; level <= newLevel; level++ {
		n.forward[level] = updates[level].forward[level]
		updates[level].forward[level] = n
	}

	m.entries++
	m.size += int64(len(key)) + valueSize(n.value, tomb)
}

func valueSize(value []byte, tomb bool) int64 {
	if tomb {
		return 0
	}
	return int64(len(value))
}

// Get returns the three-valued lookup result for key.
func (m *Memtable) Get(key []byte) LookupResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	x := m.head
	for level := m.levels; level >= 0; level-- {
		for x.forward[level] != nil && xbytes.Less(x.forward[level].key, key) {
			x = x.forward[level]
		}
	}

	if x.forward[0] == nil || xbytes.Compare(x.forward[0].key, key) != 0 {
		return LookupResult{Found: false}
	}

	hit := x.forward[0]
	if hit.tomb {
		return LookupResult{Tombstone: true, Found: true}
	}
	return LookupResult{Value: hit.value, Found: true}
}

// Size returns the memtable's accounted byte size (sum of entry sizes,
// tombstones contributing zero).
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// EntryCount returns the number of distinct keys held (live and tombstone).
func (m *Memtable) EntryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries
}

// MaxSequence returns the highest sequence number assigned to any write
// against this memtable generation.
func (m *Memtable) MaxSequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSequence
}

// ShouldFlush reports whether the memtable has reached the configured
// flush threshold.
func (m *Memtable) ShouldFlush(maxSize int64) bool {
	return m.Size() >= maxSize
}

// iterate calls fn for every entry in ascending key order, live and
// tombstone alike.
func (m *Memtable) iterate(fn func(key, value []byte, tomb bool)) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for x := m.head.forward[0]; x != nil; x = x.forward[0] {
		fn(x.key, x.value, x.tomb)
	}
}

// FlushToSSTable builds a sorted run from every entry in the memtable,
// live values and tombstones alike, at
// dataDirectory/sstable_<wallMillis>_<maxSeq>.dat, targeting blockSize
// bytes per block and bloomFPP false-positive rate. Tombstones must
// survive the flush: a delete issued after an older value for the same
// key has already reached a lower level has nothing else to shadow it
// with, and dropping it here would resurrect the old value. Only
// bottom-level compaction may discard a tombstone (see
// compactor.mergeRuns). Flushing an empty memtable is a no-op and
// returns a nil run.
func (m *Memtable) FlushToSSTable(dataDirectory string, level int, blockSize int, bloomFPP float64) (*sstable.Run, error) {
	if m.EntryCount() == 0 {
		return nil, nil
	}

	bb := block.NewBuilder(blockSize)
	bf := bloomfilter.New(uint(m.EntryCount()), bloomFPP)

	m.iterate(func(key, value []byte, tomb bool) {
		if tomb {
			bb.AddTombstone(key)
		} else {
			bb.Add(key, value)
		}
		bf.Add(key)
	})

	path := fmt.Sprintf("%s/sstable_%d_%d.dat", dataDirectory, time.Now().UnixMilli(), m.MaxSequence())
	run, err := sstable.Write(path, level, bb.Build(), bf)
	if err != nil {
		return nil, fmt.Errorf("%w: flush memtable: %v", errs.ErrIoFailure, err)
	}
	return run, nil
}
