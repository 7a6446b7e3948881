// Package lsmtree implements an embedded ordered key-value storage
// engine built as a log-structured merge-tree: a write-ahead log feeds
// an in-memory table, which flushes to leveled sorted runs compacted
// in the background, read through a sharded cache.
//
// The root type DB is a library facade, not a command-line tool: the
// teacher's choice to fold its DB interface into package main
// (main.go) is not carried forward here. A thin demo driver lives in
// cmd/lsmkv instead.
package lsmtree

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flashkv/lsmtree/cache"
	"github.com/flashkv/lsmtree/compactor"
	"github.com/flashkv/lsmtree/config"
	"github.com/flashkv/lsmtree/internal/codec"
	"github.com/flashkv/lsmtree/internal/errs"
	"github.com/flashkv/lsmtree/internal/xbytes"
	"github.com/flashkv/lsmtree/level"
	"github.com/flashkv/lsmtree/memtable"
	"github.com/flashkv/lsmtree/txn"
	"github.com/flashkv/lsmtree/wal"
)

// DB is the engine facade: put/get/delete, compaction control,
// transactions, and lifecycle, all behind a single reader-writer lock
// that separates mutators (and flush) from concurrent readers.
type DB struct {
	mu  sync.RWMutex
	cfg config.Config
	log *zap.Logger

	seq uint64 // shared monotonic sequence counter, carried across memtable generations

	mem       *memtable.Memtable
	walWriter *wal.Writer
	levels    *level.Manager
	cache     *cache.Cache
	compactor *compactor.Compactor
	txns      *txn.Manager

	closed bool
}

// Open prepares the data and WAL directories, recovers any WAL left
// from an unclean shutdown, loads existing sorted runs, and starts the
// background compactor.
func Open(cfg config.Config, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.DataDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", errs.ErrIoFailure, err)
	}
	level0Dir := filepath.Join(cfg.DataDirectory, "level_0")
	if err := os.MkdirAll(level0Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create level 0 directory: %v", errs.ErrIoFailure, err)
	}

	levels := level.New(level.Config{
		DataDir:         cfg.DataDirectory,
		MaxLevels:       cfg.MaxLevel,
		Level1MaxSize:   cfg.Level1MaxSize,
		LevelMultiplier: cfg.LevelMultiplier,
		MaxLevel0Runs:   cfg.Level0FileThreshold,
	}, log)
	if err := levels.LoadExisting(); err != nil {
		return nil, fmt.Errorf("%w: load existing sorted runs: %v", errs.ErrIoFailure, err)
	}

	db := &DB{
		cfg:    cfg,
		log:    log,
		levels: levels,
		cache:  cache.New(cfg.CacheShardCount, cfg.CacheShardSize),
	}
	db.mem = memtable.New(&db.seq)

	report, err := wal.Recover(cfg.WALDirectory, func(rec wal.Record) {
		switch rec.Op {
		case wal.OperationPut:
			db.mem.Put(rec.Key, rec.Value)
		case wal.OperationDelete:
			db.mem.Delete(rec.Key)
		}
	}, log)
	if err != nil {
		return nil, err
	}
	if report.Corrupted > 0 {
		log.Warn("wal recovery skipped corrupted frames",
			zap.Int("recovered", report.Recovered), zap.Int("corrupted", report.Corrupted))
	}

	walWriter, err := wal.NewWriter(cfg.WALDirectory, cfg.WALBuffer, cfg.WALSyncImmediate, log)
	if err != nil {
		return nil, err
	}
	db.walWriter = walWriter

	db.txns = txn.NewManager(db)

	db.compactor = compactor.New(compactor.Config{
		DataDir:      cfg.DataDirectory,
		InitialDelay: cfg.CompactionInitialDelay,
		Period:       cfg.CompactionPeriod,
		ShutdownSoft: cfg.CompactionShutdownSoft,
		ShutdownHard: cfg.CompactionShutdownHard,
		BlockSize:    cfg.BlockSize,
		BloomFPP:     cfg.BloomFilterFPP,
		EngineLock:   &db.mu,
	}, levels, log)
	db.compactor.Start()

	return db, nil
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: key must not be empty", errs.ErrInvalidArgument)
	}
	if len(key) > codec.MaxKeySize {
		return fmt.Errorf("%w: key length %d exceeds %d", errs.ErrInvalidArgument, len(key), codec.MaxKeySize)
	}
	if !xbytes.ValidUTF8(key) {
		return fmt.Errorf("%w: key is not valid utf-8", errs.ErrInvalidArgument)
	}
	return nil
}

func validateValue(value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: value must not be empty", errs.ErrInvalidArgument)
	}
	if len(value) > codec.MaxValueSize {
		return fmt.Errorf("%w: value length %d exceeds %d", errs.ErrInvalidArgument, len(value), codec.MaxValueSize)
	}
	return nil
}

// Put appends key/value to the WAL (fsync'd before returning only when
// WALSyncImmediate is set), then applies it to the
// active memtable and the cache, flushing to a new level-0 sorted run
// if the memtable has reached its size threshold.
func (db *DB) Put(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errs.ErrEngineClosed
	}

	seq := db.mem.ReserveSequence()
	rec := wal.Record{Op: wal.OperationPut, Key: key, Value: value, Timestamp: uint64(time.Now().UnixNano()), Sequence: seq}
	if err := db.walWriter.Append(rec); err != nil {
		return err
	}

	db.mem.PutAt(key, value, seq)
	db.cache.Put(string(key), value)

	if db.mem.ShouldFlush(db.cfg.MemTableSize) {
		if err := db.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Delete logs a tombstone for key to the WAL (fsync'd before returning
// only when WALSyncImmediate is set), applies it to the active memtable,
// and removes key from the cache.
func (db *DB) Delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errs.ErrEngineClosed
	}

	seq := db.mem.ReserveSequence()
	rec := wal.Record{Op: wal.OperationDelete, Key: key, Timestamp: uint64(time.Now().UnixNano()), Sequence: seq}
	if err := db.walWriter.Append(rec); err != nil {
		return err
	}

	db.mem.DeleteAt(key, seq)
	db.cache.Invalidate(string(key))

	if db.mem.ShouldFlush(db.cfg.MemTableSize) {
		if err := db.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Get resolves key against the cache, then the active memtable, then
// the level manager, populating the cache on a hit from the memtable
// or disk. Both a tombstone and a true miss are reported as (nil,
// false): the public surface collapses the three-valued internal
// lookup result to a plain option, as spec'd.
func (db *DB) Get(key []byte) ([]byte, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, false
	}

	if v, ok := db.cache.Get(string(key)); ok {
		return v, true
	}

	result := db.mem.Get(key)
	if result.Found {
		if result.Tombstone {
			return nil, false
		}
		db.cache.Put(string(key), result.Value)
		return result.Value, true
	}

	value, tombstone, found := db.levels.Lookup(key)
	if !found || tombstone {
		return nil, false
	}
	db.cache.Put(string(key), value)
	return value, true
}

// flushLocked implements the flush procedure of §4.10, called with the
// write lock already held: snapshot the active memtable, build a new
// level-0 sorted run from it, register the run, and truncate the WAL
// once its contents are all reflected on disk.
func (db *DB) flushLocked() error {
	snapshot := db.mem
	db.mem = memtable.New(&db.seq)

	level0Dir := filepath.Join(db.cfg.DataDirectory, "level_0")
	run, err := snapshot.FlushToSSTable(level0Dir, 0, db.cfg.BlockSize, db.cfg.BloomFilterFPP)
	if err != nil {
		return err
	}
	if run != nil {
		db.levels.AddRun(run)
	}

	if db.cfg.WALTruncateEnabled {
		if err := db.walWriter.Truncate(); err != nil {
			return err
		}
	}
	return nil
}

// Compact requests an out-of-band compaction pass without waiting for
// the compactor's next scheduled tick.
func (db *DB) Compact() {
	db.compactor.TriggerCompaction()
}

// BeginTransaction starts a new transaction coordinated by the
// engine's transaction manager.
func (db *DB) BeginTransaction() *txn.Tx {
	return db.txns.Begin()
}

// Stats returns a human-readable summary of the engine's current
// state: per-level run counts and sizes, memtable size, and active
// transaction count.
func (db *DB) Stats() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return formatStats(db)
}

// Close stops the compactor, flushes a non-empty memtable, and closes
// the WAL. Idempotent: a second call does nothing.
//
// db.mu is released before stopping the compactor: the compactor's
// install step takes the same lock (cfg.EngineLock) to call
// ReplaceRuns, so a compaction pass in flight when Close is called
// must be able to acquire it in order to finish and let Stop return
// promptly, rather than blocking the worker goroutine on a lock Close
// itself is still holding.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.compactor.Stop()

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.mem.EntryCount() > 0 {
		if err := db.flushLocked(); err != nil {
			return err
		}
	}
	return db.walWriter.Close()
}
