package lsmtree

import "github.com/flashkv/lsmtree/internal/statsutil"

// formatStats gathers the engine's current state into a statsutil.Report
// and renders it. Called with db.mu already held; Stats, its only
// caller, takes the read lock.
func formatStats(db *DB) string {
	report := statsutil.Report{
		MemTableBytes:   db.mem.Size(),
		MemTableEntries: db.mem.EntryCount(),
		CacheEntries:    db.cache.Len(),
		ActiveTxns:      db.txns.ActiveCount(),
	}

	for i := 0; i < db.levels.LevelCount(); i++ {
		report.Levels = append(report.Levels, statsutil.LevelStats{
			Level:    i,
			RunCount: db.levels.RunCount(i),
			Bytes:    db.levels.LevelSize(i),
		})
	}

	return statsutil.Format(report)
}
