// Package level implements the level manager: the bookkeeping layer
// that tracks every sorted run by level, finds candidate runs for a
// point lookup, and decides when a level has outgrown its budget.
//
// Per-level bookkeeping and per-level compaction locking are modeled
// on HundDB's LSM struct (other_examples:
// mrsladoje-HundDB/lsm/lsm.go), whose `levels [][]uint64` plus
// `levelLocks []sync.Mutex` is the same shape used here, generalized
// from SSTable indexes to opened *sstable.Run handles and from
// size-tiered grouping to a leveled size-cap trigger.
package level

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/flashkv/lsmtree/internal/xbytes"
	"github.com/flashkv/lsmtree/sstable"
)

var sstableFileRe = regexp.MustCompile(`^sstable_(\d+)_(.+)\.dat$`)

// Manager owns every sorted run in the engine, grouped by level.
type Manager struct {
	mu sync.RWMutex

	dataDir         string
	level1MaxSize   int64
	levelMultiplier float64
	maxLevel0Runs   int

	runs [][]*sstable.Run // runs[0] is level 0, newest appended last

	// compactionLocks[i] serializes compactions that touch level i,
	// mirroring HundDB's per-level levelLocks.
	compactionLocks []sync.Mutex

	log *zap.Logger
}

// Config bundles the level manager's sizing knobs.
type Config struct {
	DataDir         string
	MaxLevels       int
	Level1MaxSize   int64
	LevelMultiplier float64
	MaxLevel0Runs   int
}

// New returns an empty level manager sized per cfg.
func New(cfg Config, log *zap.Logger) *Manager {
	return &Manager{
		dataDir:         cfg.DataDir,
		level1MaxSize:   cfg.Level1MaxSize,
		levelMultiplier: cfg.LevelMultiplier,
		maxLevel0Runs:   cfg.MaxLevel0Runs,
		runs:            make([][]*sstable.Run, cfg.MaxLevels),
		compactionLocks: make([]sync.Mutex, cfg.MaxLevels),
		log:             log,
	}
}

// Cap returns the size budget for level i in bytes. Level 0 is
// unbounded by size (it is bounded by run count instead); level i>=1
// is level1MaxSize * levelMultiplier^(i-1).
func (m *Manager) Cap(i int) int64 {
	if i == 0 {
		return -1
	}
	cap := float64(m.level1MaxSize)
	for j := 1; j < i; j++ {
		cap *= m.levelMultiplier
	}
	return int64(cap)
}

// AddRun registers a newly written run under its level, appended as
// the newest run of that level.
func (m *Manager) AddRun(run *sstable.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.Level()] = append(m.runs[run.Level()], run)
}

// Get performs a point lookup, treating a tombstone the same as
// absence.
func (m *Manager) Get(key []byte) ([]byte, bool) {
	v, tomb, found := m.Lookup(key)
	if !found || tomb {
		return nil, false
	}
	return v, true
}

// Lookup performs a point lookup across every level, checking level 0
// in reverse insertion order (newest run first, since level-0 runs can
// overlap in key range) and level>=1 by binary search over each
// level's disjoint, sorted run list. A tombstone stops the search
// immediately, distinguishing "deleted here" from "absent everywhere".
func (m *Manager) Lookup(key []byte) (value []byte, tombstone bool, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.runs) > 0 {
		level0 := m.runs[0]
		for i := len(level0) - 1; i >= 0; i-- {
			if v, tomb, found := level0[i].Lookup(key); found {
				return v, tomb, true
			}
		}
	}

	for lvl := 1; lvl < len(m.runs); lvl++ {
		runs := m.runs[lvl]
		idx := sort.Search(len(runs), func(i int) bool {
			return xbytes.Compare(runs[i].MaxKey(), key) >= 0
		})
		if idx == len(runs) {
			continue
		}
		if runs[idx].KeyInRange(key) {
			if v, tomb, found := runs[idx].Lookup(key); found {
				return v, tomb, true
			}
		}
	}

	return nil, false, false
}

// DataDir returns the directory new sorted runs are published under.
func (m *Manager) DataDir() string { return m.dataDir }

// LevelSize returns the total on-disk size, in bytes, of every run
// currently assigned to level i.
func (m *Manager) LevelSize(i int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, r := range m.runs[i] {
		total += r.Size()
	}
	return total
}

// RunCount returns the number of runs currently assigned to level i.
func (m *Manager) RunCount(i int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs[i])
}

// NeedsCompaction reports whether level i has exceeded its budget:
// run count for level 0, accumulated size for level>=1.
func (m *Manager) NeedsCompaction(i int) bool {
	if i == 0 {
		return m.RunCount(0) >= m.maxLevel0Runs
	}
	cap := m.Cap(i)
	return cap >= 0 && m.LevelSize(i) > cap
}

// SelectCompactionCandidates returns the runs from level i that should
// be compacted into level i+1: all of level 0's runs if i is 0 (since
// they may all overlap), or the single largest run at level i plus
// every run in level i+1 whose key range overlaps it. Folding in the
// overlapping target-level runs (rather than dropping the largest
// source run straight into level i+1 and letting ranges overlap) is
// what keeps "level ≥1 runs are key-disjoint" an invariant the
// level-N binary search in Lookup can rely on.
func (m *Manager) SelectCompactionCandidates(i int) (source []*sstable.Run, overlapping []*sstable.Run) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i == 0 {
		source = append([]*sstable.Run(nil), m.runs[0]...)
	} else if len(m.runs[i]) > 0 {
		largest := m.runs[i][0]
		for _, r := range m.runs[i][1:] {
			if r.Size() > largest.Size() {
				largest = r
			}
		}
		source = []*sstable.Run{largest}
	}

	if len(source) == 0 || i+1 >= len(m.runs) {
		return source, nil
	}

	minKey, maxKey := rangeOf(source)
	for _, r := range m.runs[i+1] {
		if rangesOverlap(minKey, maxKey, r.MinKey(), r.MaxKey()) {
			overlapping = append(overlapping, r)
		}
	}
	return source, overlapping
}

func rangeOf(runs []*sstable.Run) (min, max []byte) {
	for _, r := range runs {
		if min == nil || xbytes.Less(r.MinKey(), min) {
			min = r.MinKey()
		}
		if max == nil || xbytes.Less(max, r.MaxKey()) {
			max = r.MaxKey()
		}
	}
	return min, max
}

func rangesOverlap(aMin, aMax, bMin, bMax []byte) bool {
	return !(xbytes.Less(aMax, bMin) || xbytes.Less(bMax, aMin))
}

// ReplaceRuns atomically removes the given source/overlapping runs
// from their levels and installs replacement as the sole new run at
// targetLevel, then deletes the superseded runs' backing files.
func (m *Manager) ReplaceRuns(sourceLevel, targetLevel int, source, overlapping []*sstable.Run, replacement *sstable.Run) error {
	m.mu.Lock()
	m.runs[sourceLevel] = removeAll(m.runs[sourceLevel], source)
	if overlapping != nil {
		m.runs[targetLevel] = removeAll(m.runs[targetLevel], overlapping)
	}
	if replacement != nil {
		m.runs[targetLevel] = append(m.runs[targetLevel], replacement)
		sortByMinKey(m.runs[targetLevel])
	}
	m.mu.Unlock()

	for _, r := range source {
		if err := r.Remove(); err != nil {
			return err
		}
	}
	for _, r := range overlapping {
		if err := r.Remove(); err != nil {
			return err
		}
	}
	return nil
}

func removeAll(runs []*sstable.Run, remove []*sstable.Run) []*sstable.Run {
	if len(remove) == 0 {
		return runs
	}
	doomed := make(map[*sstable.Run]bool, len(remove))
	for _, r := range remove {
		doomed[r] = true
	}
	kept := runs[:0:0]
	for _, r := range runs {
		if !doomed[r] {
			kept = append(kept, r)
		}
	}
	return kept
}

func sortByMinKey(runs []*sstable.Run) {
	sort.Slice(runs, func(i, j int) bool {
		return xbytes.Less(runs[i].MinKey(), runs[j].MinKey())
	})
}

// LockLevel acquires the per-level compaction lock for level i, so
// only one compaction ever touches a given level at a time.
func (m *Manager) LockLevel(i int)   { m.compactionLocks[i].Lock() }
func (m *Manager) UnlockLevel(i int) { m.compactionLocks[i].Unlock() }

// LevelCount returns the number of levels the manager was configured for.
func (m *Manager) LevelCount() int {
	return len(m.runs)
}

// LoadExisting scans dataDir for level_<i>/sstable_*.dat files left
// from a previous run and opens each into its level, newest-looking
// (by embedded wall-clock millis) last within level 0.
func (m *Manager) LoadExisting() error {
	for lvl := range m.runs {
		dir := filepath.Join(m.dataDir, fmt.Sprintf("level_%d", lvl))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		type found struct {
			path   string
			millis int64
		}
		var matches []found
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			m := sstableFileRe.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			millis, _ := strconv.ParseInt(m[1], 10, 64)
			matches = append(matches, found{path: filepath.Join(dir, e.Name()), millis: millis})
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].millis < matches[j].millis })

		for _, f := range matches {
			run, err := sstable.Open(f.path, lvl)
			if err != nil {
				if m.log != nil {
					m.log.Warn("skipping unreadable sstable on load", zap.String("path", f.path), zap.Error(err))
				}
				continue
			}
			m.runs[lvl] = append(m.runs[lvl], run)
		}
		if lvl > 0 {
			sortByMinKey(m.runs[lvl])
		}
	}
	return nil
}
