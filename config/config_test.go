package config

import "testing"

func TestNewAppliesSpecDefaults(t *testing.T) {
	c := New("/tmp/lsm-data", "/tmp/lsm-wal")

	if c.MemTableSize != 64*1024*1024 {
		t.Fatalf("unexpected memtable size default: %d", c.MemTableSize)
	}
	if c.BlockSize != 4096 {
		t.Fatalf("unexpected block size default: %d", c.BlockSize)
	}
	if c.BloomFilterFPP != 0.01 {
		t.Fatalf("unexpected bloom fpp default: %v", c.BloomFilterFPP)
	}
	if c.CacheShardCount != 16 {
		t.Fatalf("unexpected cache shard count default: %d", c.CacheShardCount)
	}
	if c.WALSyncImmediate {
		t.Fatal("expected walSyncImmediate default false")
	}
	if !c.WALTruncateEnabled {
		t.Fatal("expected walTruncateEnabled default true")
	}
	if c.MaxLevel != 7 {
		t.Fatalf("unexpected max level default: %d", c.MaxLevel)
	}
	if c.LevelMultiplier != 10 {
		t.Fatalf("unexpected level multiplier default: %v", c.LevelMultiplier)
	}
	if c.Level0FileThreshold != 4 {
		t.Fatalf("unexpected level0 file threshold default: %d", c.Level0FileThreshold)
	}
	if c.Level1MaxSize != 10*1024*1024 {
		t.Fatalf("unexpected level1 max size default: %d", c.Level1MaxSize)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := New("/tmp/data", "/tmp/wal",
		WithMemTableSize(4096),
		WithBlockSize(1024),
		WithBloomFilterFPP(0.001),
		WithWALSyncImmediate(true),
		WithLevel0FileThreshold(2),
	)

	if c.MemTableSize != 4096 {
		t.Fatalf("expected overridden memtable size, got %d", c.MemTableSize)
	}
	if c.BlockSize != 1024 {
		t.Fatalf("expected overridden block size, got %d", c.BlockSize)
	}
	if c.BloomFilterFPP != 0.001 {
		t.Fatalf("expected overridden bloom fpp, got %v", c.BloomFilterFPP)
	}
	if !c.WALSyncImmediate {
		t.Fatal("expected walSyncImmediate overridden to true")
	}
	if c.Level0FileThreshold != 2 {
		t.Fatalf("expected overridden level0 threshold, got %d", c.Level0FileThreshold)
	}
}
