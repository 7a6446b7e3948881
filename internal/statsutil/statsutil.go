// Package statsutil formats the engine's runtime state into the plain
// text report returned by DB.Stats, keeping the formatting concern out
// of the root package's read/write path.
package statsutil

import (
	"fmt"
	"strings"
)

// LevelStats summarizes one level's run count and accumulated size.
type LevelStats struct {
	Level    int
	RunCount int
	Bytes    int64
}

// Report bundles every field Stats renders.
type Report struct {
	MemTableBytes   int64
	MemTableEntries int
	Levels          []LevelStats
	CacheEntries    int
	ActiveTxns      int
}

// Format renders r as a multi-line human-readable summary.
func Format(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "memtable: %d entries, %d bytes\n", r.MemTableEntries, r.MemTableBytes)
	for _, lvl := range r.Levels {
		fmt.Fprintf(&b, "level %d: %d runs, %d bytes\n", lvl.Level, lvl.RunCount, lvl.Bytes)
	}
	fmt.Fprintf(&b, "cache: %d entries\n", r.CacheEntries)
	fmt.Fprintf(&b, "active transactions: %d\n", r.ActiveTxns)
	return b.String()
}
