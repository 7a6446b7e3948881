// Package compactor runs the background compaction worker: a single
// goroutine that periodically merges overflowing levels into the next
// level down, using a k-way merge over each level's constituent
// blocks.
//
// The worker's goroutine-plus-channel shape is adapted from HundDB's
// FlushPool (other_examples: mrsladoje-HundDB/lsm/flush_worker.go),
// trimmed from a multi-worker flush pool to the single dedicated
// compaction goroutine spec.md calls for, driven by a ticker instead
// of a job channel, and triggered either on its own schedule or
// on-demand via TriggerCompaction.
package compactor

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flashkv/lsmtree/block"
	"github.com/flashkv/lsmtree/bloomfilter"
	"github.com/flashkv/lsmtree/internal/xbytes"
	"github.com/flashkv/lsmtree/level"
	"github.com/flashkv/lsmtree/sstable"
)

// Config bundles the compactor's scheduling and output knobs.
//
// EngineLock, when set, is the engine facade's global write lock.
// spec.md §5 requires structural level-manager mutations to hold it in
// addition to the level manager's own fine-grained lock, so the
// compactor's background goroutine and foreground put/get/delete never
// observe a level manager half-updated by the other. Nil is accepted
// for tests that exercise the level manager without a surrounding
// engine.
type Config struct {
	DataDir      string
	InitialDelay time.Duration
	Period       time.Duration
	ShutdownSoft time.Duration
	ShutdownHard time.Duration
	BlockSize    int
	BloomFPP     float64
	EngineLock   sync.Locker
}

// Compactor owns the background compaction goroutine.
type Compactor struct {
	cfg     Config
	levels  *level.Manager
	log     *zap.Logger
	trigger chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New returns a compactor bound to levels, not yet started.
func New(cfg Config, levels *level.Manager, log *zap.Logger) *Compactor {
	return &Compactor{
		cfg:     cfg,
		levels:  levels,
		log:     log,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the background worker goroutine.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go c.loop()
}

// TriggerCompaction requests an out-of-band compaction pass without
// waiting for the next scheduled tick. Non-blocking: a pending request
// is coalesced if one is already queued.
func (c *Compactor) TriggerCompaction() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Stop requests the worker to exit, waiting up to ShutdownSoft for the
// current pass to finish cleanly before ShutdownHard forces return.
func (c *Compactor) Stop() {
	close(c.done)

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return
	case <-time.After(c.cfg.ShutdownSoft):
	}

	select {
	case <-finished:
	case <-time.After(c.cfg.ShutdownHard):
		if c.log != nil {
			c.log.Warn("compactor did not stop within hard shutdown deadline")
		}
	}
}

func (c *Compactor) loop() {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.trigger:
			c.runOnePass()
		case <-timer.C:
			c.runOnePass()
			timer.Reset(c.cfg.Period)
		}
	}
}

// runOnePass compacts at most one level per invocation, the lowest
// level currently over its budget, so a single pass never blocks for
// the duration of a full cascade.
func (c *Compactor) runOnePass() {
	for lvl := 0; lvl < c.levels.LevelCount()-1; lvl++ {
		if c.levels.NeedsCompaction(lvl) {
			if err := c.compactLevel(lvl); err != nil && c.log != nil {
				c.log.Error("compaction pass failed", zap.Int("level", lvl), zap.Error(err))
			}
			return
		}
	}
}

func (c *Compactor) compactLevel(lvl int) error {
	target := lvl + 1
	c.levels.LockLevel(lvl)
	if target != lvl {
		c.levels.LockLevel(target)
	}
	defer func() {
		if target != lvl {
			c.levels.UnlockLevel(target)
		}
		c.levels.UnlockLevel(lvl)
	}()

	source, overlapping := c.levels.SelectCompactionCandidates(lvl)
	if len(source) == 0 {
		return nil
	}

	bottommost := target == c.levels.LevelCount()-1
	merged, err := mergeRuns(source, overlapping, bottommost)
	if err != nil {
		return fmt.Errorf("merge level %d: %w", lvl, err)
	}

	var replacement *sstable.Run
	if len(merged) > 0 {
		bb := block.NewBuilder(c.cfg.BlockSize)
		bf := bloomfilter.New(uint(len(merged)), c.cfg.BloomFPP)
		for _, e := range merged {
			if e.tombstone {
				bb.AddTombstone(e.key)
			} else {
				bb.Add(e.key, e.value)
			}
			bf.Add(e.key)
		}

		dir := filepath.Join(c.cfg.DataDir, fmt.Sprintf("level_%d", target))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create level %d directory: %w", target, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("sstable_%d_compacted.dat", time.Now().UnixNano()))
		replacement, err = sstable.Write(path, target, bb.Build(), bf)
		if err != nil {
			return fmt.Errorf("write compacted run for level %d: %w", target, err)
		}
	}

	if c.cfg.EngineLock != nil {
		c.cfg.EngineLock.Lock()
	}
	err = c.levels.ReplaceRuns(lvl, target, source, overlapping, replacement)
	if c.cfg.EngineLock != nil {
		c.cfg.EngineLock.Unlock()
	}
	if err != nil {
		return fmt.Errorf("install compacted run for level %d: %w", target, err)
	}
	if c.log != nil {
		c.log.Info("compacted level",
			zap.Int("from", lvl), zap.Int("to", target),
			zap.Int("sourceRuns", len(source)), zap.Int("overlapping", len(overlapping)),
			zap.Int("mergedEntries", len(merged)))
	}
	return nil
}

type mergedEntry struct {
	key       []byte
	value     []byte
	tombstone bool
}

// heapItem is one candidate entry in the k-way merge, tagged with the
// age of the run it came from (higher runAge wins on key ties, since
// it was written more recently and its value/tombstone must win).
type heapItem struct {
	key      []byte
	value    []byte
	tomb     bool
	runAge   int
	blockIdx int
	entryIdx int
	source   *runCursor
}

type runCursor struct {
	blocks []*block.Block
	age    int
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := xbytes.Compare(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	return h[i].runAge > h[j].runAge
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeRuns performs a k-way merge of every run's live entries in key
// order, newest run winning on duplicate keys, dropping tombstones
// only when bottommost is true (per spec.md §9: a tombstone can only
// be safely dropped once it has reached the last level, since no
// older value can resurface beneath it after that).
//
// overlapping runs always belong to the deeper target level and are
// therefore strictly older than every run in source, regardless of
// how the two slices get concatenated; ages are assigned in two
// disjoint bands (overlapping below, source above) so a tie always
// resolves in source's favor, with relative order preserved within
// each band.
func mergeRuns(source, overlapping []*sstable.Run, bottommost bool) ([]mergedEntry, error) {
	cursors := make([]*runCursor, 0, len(source)+len(overlapping))
	for i, r := range overlapping {
		cursors = append(cursors, &runCursor{blocks: r.Blocks(), age: i})
	}
	base := len(overlapping)
	for i, r := range source {
		cursors = append(cursors, &runCursor{blocks: r.Blocks(), age: base + i})
	}

	h := &mergeHeap{}
	heap.Init(h)

	for _, c := range cursors {
		pushNext(h, c, 0, 0)
	}

	var out []mergedEntry
	var lastKey []byte
	haveLast := false

	for h.Len() > 0 {
		item := heap.Pop(h).(*heapItem)
		pushNext(h, item.source, item.blockIdx, item.entryIdx+1)

		if haveLast && xbytes.Compare(item.key, lastKey) == 0 {
			continue // superseded by a newer run's value for the same key, already emitted
		}
		haveLast = true
		lastKey = item.key

		if item.tomb {
			// Dropping a tombstone is only safe once it has reached the
			// bottom level: below that there is nothing left it could
			// still need to shadow.
			if bottommost {
				continue
			}
			out = append(out, mergedEntry{key: item.key, tombstone: true})
			continue
		}
		out = append(out, mergedEntry{key: item.key, value: item.value})
	}

	return out, nil
}

func pushNext(h *mergeHeap, c *runCursor, blockIdx, entryIdx int) {
	for blockIdx < len(c.blocks) {
		entries := c.blocks[blockIdx].Entries()
		if entryIdx < len(entries) {
			e := entries[entryIdx]
			heap.Push(h, &heapItem{
				key: e.Key, value: e.Value, tomb: e.Tombstone,
				runAge: c.age, blockIdx: blockIdx, entryIdx: entryIdx, source: c,
			})
			return
		}
		blockIdx++
		entryIdx = 0
	}
}
