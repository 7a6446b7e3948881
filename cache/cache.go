// Package cache implements the sharded LRU cache: a best-effort shadow
// of storage that the engine consults before the active memtable and
// the level manager, and updates after every mutation.
//
// Sharding follows the shard-selection idea in the ecache2 cache
// (other_examples: simplygulshan4u-ecache2/ecache2.go) — a power-of-two
// shard count selected by a hash of the key, each shard independently
// locked to reduce contention — but each shard's LRU ordering is kept
// with container/list rather than ecache2's hand-rolled intrusive
// doubly linked array, matching the container/list idiom the rest of
// the pack reaches for, and the plain (key, value) / O(1) shape
// HundDB's ReadPathCache (other_examples:
// mrsladoje-HundDB__lsm-lsm.go, lsm.cache.Get/Put/Invalidate) uses at
// its call sites.
package cache

import (
	"container/list"
	"sync"

	"github.com/flashkv/lsmtree/internal/xbytes"
)

type entry struct {
	key   string
	value []byte
}

// shard is one LRU partition: a doubly linked list ordered
// most-recently-used first, backed by a hash index for O(1) lookup.
type shard struct {
	mu    sync.RWMutex
	cap   int
	ll    *list.List
	index map[string]*list.Element
}

// Cache is a fixed-capacity sharded LRU cache over point-lookup
// results. Get, Put and Invalidate take their shard's exclusive lock
// (a Get hit promotes the entry, which reorders the shard's list); only
// Len takes shard locks in shared mode. No lock is ever held across
// shards.
type Cache struct {
	shards []*shard
	mask   uint32
}

// New returns a cache with shardCount shards (rounded up to the next
// power of two) of capPerShard entries each.
func New(shardCount, capPerShard int) *Cache {
	n := nextPowerOfTwo(shardCount)
	c := &Cache{
		shards: make([]*shard, n),
		mask:   uint32(n - 1),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			cap:   capPerShard,
			ll:    list.New(),
			index: make(map[string]*list.Element, capPerShard),
		}
	}
	return c
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (c *Cache) shardFor(key string) *shard {
	h := xbytes.FNV1a([]byte(key))
	return c.shards[h&c.mask]
}

// Get returns the cached value for key, promoting it to
// most-recently-used on a hit.
func (c *Cache) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[key]
	if !ok {
		return nil, false
	}
	s.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Put inserts or updates the cached value for key, evicting the
// shard's least-recently-used entry if it is at capacity.
func (c *Cache) Put(key string, value []byte) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[key]; ok {
		el.Value.(*entry).value = value
		s.ll.MoveToFront(el)
		return
	}

	if s.cap > 0 && s.ll.Len() >= s.cap {
		back := s.ll.Back()
		if back != nil {
			s.ll.Remove(back)
			delete(s.index, back.Value.(*entry).key)
		}
	}

	el := s.ll.PushFront(&entry{key: key, value: value})
	s.index[key] = el
}

// Invalidate removes key from the cache, used on delete and on a
// value's supersession so stale results are never served.
func (c *Cache) Invalidate(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[key]; ok {
		s.ll.Remove(el)
		delete(s.index, key)
	}
}

// Clear empties every shard, used after WAL recovery since the
// recovered state did not flow through the normal put/delete path that
// keeps the cache in sync.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.ll.Init()
		s.index = make(map[string]*list.Element, s.cap)
		s.mu.Unlock()
	}
}

// Len returns the total number of entries cached across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += s.ll.Len()
		s.mu.RUnlock()
	}
	return total
}
