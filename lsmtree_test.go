package lsmtree

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flashkv/lsmtree/config"
)

func openTest(t *testing.T, opts ...config.Option) *DB {
	t.Helper()
	cfg := config.New(t.TempDir(), t.TempDir(), opts...)
	db, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestWriteReadUpdateDelete(t *testing.T) {
	db := openTest(t)

	require.NoError(t, db.Put([]byte("user:1001"), []byte("alice")))
	v, ok := db.Get([]byte("user:1001"))
	require.True(t, ok)
	require.Equal(t, "alice", string(v))

	require.NoError(t, db.Put([]byte("user:1001"), []byte("alice2")))
	v, ok = db.Get([]byte("user:1001"))
	require.True(t, ok)
	require.Equal(t, "alice2", string(v))

	require.NoError(t, db.Delete([]byte("user:1001")))
	_, ok = db.Get([]byte("user:1001"))
	require.False(t, ok)
}

func TestEmptyValueRejected(t *testing.T) {
	db := openTest(t)
	err := db.Put([]byte("k"), []byte{})
	require.Error(t, err)
}

func TestFlushOnMemtableFull(t *testing.T) {
	dataDir, walDir := t.TempDir(), t.TempDir()
	cfg := config.New(dataDir, walDir, config.WithMemTableSize(4*1024))
	db, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)

	value := make([]byte, 128)
	for i := range value {
		value[i] = byte(i)
	}
	for i := 0; i < 64; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key%03d", i)), value))
	}
	require.Greater(t, db.levels.RunCount(0), 0, "expected at least one level-0 run after exceeding memtable size")
	require.NoError(t, db.Close())

	db2, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer db2.Close()

	for i := 0; i < 64; i++ {
		v, ok := db2.Get([]byte(fmt.Sprintf("key%03d", i)))
		require.True(t, ok, "key%03d missing after reopen", i)
		require.Equal(t, value, v)
	}
}

func TestCrashRecoveryReplaysWAL(t *testing.T) {
	dataDir, walDir := t.TempDir(), t.TempDir()
	cfg := config.New(dataDir, walDir)
	db, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("k%04d", i)), []byte(fmt.Sprintf("v%04d", i))))
	}
	// Simulate a crash: no Close, WAL never truncated, memtable never flushed.

	db2, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer db2.Close()

	for i := 0; i < 200; i++ {
		v, ok := db2.Get([]byte(fmt.Sprintf("k%04d", i)))
		require.True(t, ok, "k%04d missing after recovery", i)
		require.Equal(t, fmt.Sprintf("v%04d", i), string(v))
	}
}

func TestBloomFilterNegativeLookupMisses(t *testing.T) {
	db := openTest(t, config.WithMemTableSize(1))

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key%03d", i)), []byte("v")))
	}

	_, ok := db.Get([]byte("zzz-absent"))
	require.False(t, ok)
}

func TestCompactionShrinksLevel0(t *testing.T) {
	db := openTest(t, config.WithMemTableSize(256), config.WithLevel0FileThreshold(4))

	// Each put is small enough to not force a flush by itself, but the
	// small memtable threshold means every few puts produces a new
	// level-0 run once flushed explicitly via enough volume.
	for batch := 0; batch < 5; batch++ {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("b%d-k%02d", batch, i)
			require.NoError(t, db.Put([]byte(key), []byte("value-value-value")))
		}
	}

	require.GreaterOrEqual(t, db.levels.RunCount(0), 1)

	db.Compact()
	deadline := time.Now().Add(3 * time.Second)
	for db.levels.RunCount(0) >= 4 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.Less(t, db.levels.RunCount(0), 4, "expected compaction to shrink level 0")

	for batch := 0; batch < 5; batch++ {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("b%d-k%02d", batch, i)
			v, ok := db.Get([]byte(key))
			require.True(t, ok, "missing key %s after compaction", key)
			require.Equal(t, "value-value-value", string(v))
		}
	}
}

func TestTransactionConflict(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.Put([]byte("k"), []byte("initial")))

	t1 := db.BeginTransaction()
	_, _, err := t1.Get([]byte("k"))
	require.NoError(t, err)

	t2 := db.BeginTransaction()
	require.NoError(t, t2.Put([]byte("k"), []byte("from-t2")))
	require.NoError(t, t2.Commit())

	require.NoError(t, t1.Put([]byte("k"), []byte("from-t1")))
	err = t1.Commit()
	require.Error(t, err)

	v, ok := db.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "from-t2", string(v))
}

func TestCloseIsIdempotent(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestStatsReportsMemtableAndLevels(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	s := db.Stats()
	require.Contains(t, s, "memtable:")
	require.Contains(t, s, "level 0:")
}
