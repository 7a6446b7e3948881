// Package config holds the engine's tunables, built with the same
// functional-options idiom as the teacher's segment manager
// (PriyanshuSharma23-FlashLog/segmentmanager/disk.go:
// WithMaxSegmentSize, NewDiskSegmentManager(dir, options...)),
// generalized from a single disk-segment knob to the full set of
// storage-engine tunables.
package config

import "time"

// Config bundles every tunable the engine reads at Open time.
type Config struct {
	DataDirectory string
	WALDirectory  string

	MemTableSize    int64
	BlockSize       int
	BloomFilterFPP  float64
	CacheShardCount int
	CacheShardSize  int

	WALSyncImmediate  bool
	WALTruncateEnabled bool
	WALBuffer         int

	MaxLevel           int
	LevelMultiplier    float64
	Level0FileThreshold int
	Level1MaxSize      int64

	CompactionInitialDelay time.Duration
	CompactionPeriod       time.Duration
	CompactionShutdownSoft time.Duration
	CompactionShutdownHard time.Duration
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithMemTableSize overrides the flush threshold, in bytes.
func WithMemTableSize(n int64) Option { return func(c *Config) { c.MemTableSize = n } }

// WithBlockSize overrides the target block size, in bytes.
func WithBlockSize(n int) Option { return func(c *Config) { c.BlockSize = n } }

// WithBloomFilterFPP overrides the target bloom filter false-positive rate.
func WithBloomFilterFPP(p float64) Option { return func(c *Config) { c.BloomFilterFPP = p } }

// WithCacheShardCount overrides the point-lookup cache's shard count
// (rounded up to the next power of two by cache.New).
func WithCacheShardCount(n int) Option { return func(c *Config) { c.CacheShardCount = n } }

// WithCacheShardSize overrides the per-shard point-lookup cache capacity.
func WithCacheShardSize(n int) Option { return func(c *Config) { c.CacheShardSize = n } }

// WithWALSyncImmediate forces an fsync on every WAL append.
func WithWALSyncImmediate(sync bool) Option { return func(c *Config) { c.WALSyncImmediate = sync } }

// WithWALTruncateEnabled controls whether the WAL is truncated after
// a successful memtable flush.
func WithWALTruncateEnabled(enabled bool) Option {
	return func(c *Config) { c.WALTruncateEnabled = enabled }
}

// WithWALBuffer overrides the WAL writer's request channel buffer size.
func WithWALBuffer(n int) Option { return func(c *Config) { c.WALBuffer = n } }

// WithMaxLevel overrides the number of levels the level manager tracks.
func WithMaxLevel(n int) Option { return func(c *Config) { c.MaxLevel = n } }

// WithLevelMultiplier overrides the per-level size ratio.
func WithLevelMultiplier(m float64) Option { return func(c *Config) { c.LevelMultiplier = m } }

// WithLevel0FileThreshold overrides the level-0 run-count compaction trigger.
func WithLevel0FileThreshold(n int) Option { return func(c *Config) { c.Level0FileThreshold = n } }

// WithLevel1MaxSize overrides the base level-1 byte cap.
func WithLevel1MaxSize(n int64) Option { return func(c *Config) { c.Level1MaxSize = n } }

// WithCompactionSchedule overrides the compactor's initial delay and period.
func WithCompactionSchedule(initialDelay, period time.Duration) Option {
	return func(c *Config) {
		c.CompactionInitialDelay = initialDelay
		c.CompactionPeriod = period
	}
}

// WithCompactionShutdown overrides the compactor's soft/hard shutdown deadlines.
func WithCompactionShutdown(soft, hard time.Duration) Option {
	return func(c *Config) {
		c.CompactionShutdownSoft = soft
		c.CompactionShutdownHard = hard
	}
}

// New returns a Config for the given data and WAL directories, with
// spec-mandated defaults, then applies opts in order.
func New(dataDirectory, walDirectory string, opts ...Option) Config {
	c := Config{
		DataDirectory: dataDirectory,
		WALDirectory:  walDirectory,

		MemTableSize:    64 * 1024 * 1024,
		BlockSize:       4096,
		BloomFilterFPP:  0.01,
		CacheShardCount: 16,
		CacheShardSize:  256,

		WALSyncImmediate:   false,
		WALTruncateEnabled: true,
		WALBuffer:          64,

		MaxLevel:            7,
		LevelMultiplier:     10,
		Level0FileThreshold: 4,
		Level1MaxSize:       10 * 1024 * 1024,

		CompactionInitialDelay: 10 * time.Second,
		CompactionPeriod:       30 * time.Second,
		CompactionShutdownSoft: 60 * time.Second,
		CompactionShutdownHard: 60 * time.Second,
	}

	for _, opt := range opts {
		opt(&c)
	}
	return c
}
