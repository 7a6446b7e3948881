package txn

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashkv/lsmtree/internal/errs"
)

// fakeEngine is a trivial in-memory stand-in for lsmtree.DB, just enough
// to exercise Manager/Tx without pulling in the whole engine.
type fakeEngine struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{data: make(map[string][]byte)}
}

func (f *fakeEngine) Get(key []byte) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[string(key)]
	return v, ok
}

func (f *fakeEngine) Put(key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeEngine) Delete(key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, string(key))
	return nil
}

func TestTxPutGetWithinTransactionIsVisibleBeforeCommit(t *testing.T) {
	eng := newFakeEngine()
	mgr := NewManager(eng)

	tx := mgr.Begin()
	require.NoError(t, tx.Put([]byte("k"), []byte("v1")))

	v, found, err := tx.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(v))

	// Not visible outside the transaction until commit.
	_, found = eng.Get([]byte("k"))
	require.False(t, found)

	require.NoError(t, tx.Commit())
	v, found = eng.Get([]byte("k"))
	require.True(t, found)
	require.Equal(t, "v1", string(v))
}

func TestTxDeleteThenGetReturnsAbsentWithinTransaction(t *testing.T) {
	eng := newFakeEngine()
	require.NoError(t, eng.Put([]byte("k"), []byte("v")))
	mgr := NewManager(eng)

	tx := mgr.Begin()
	require.NoError(t, tx.Delete([]byte("k")))

	_, found, err := tx.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, tx.Commit())
	_, found = eng.Get([]byte("k"))
	require.False(t, found)
}

func TestCommitDetectsReadSetConflict(t *testing.T) {
	eng := newFakeEngine()
	mgr := NewManager(eng)

	t1 := mgr.Begin()
	_, _, err := t1.Get([]byte("k")) // records absent in t1's read set
	require.NoError(t, err)

	t2 := mgr.Begin()
	require.NoError(t, t2.Put([]byte("k"), []byte("from-t2")))
	require.NoError(t, t2.Commit())

	require.NoError(t, t1.Put([]byte("k"), []byte("from-t1")))
	err = t1.Commit()
	require.True(t, errors.Is(err, errs.ErrConflict))

	v, found := eng.Get([]byte("k"))
	require.True(t, found)
	require.Equal(t, "from-t2", string(v), "engine value must be the committed t2 write, not t1's")
}

func TestRollbackDiscardsWritesAndReleasesLocks(t *testing.T) {
	eng := newFakeEngine()
	mgr := NewManager(eng)

	tx := mgr.Begin()
	require.NoError(t, tx.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Rollback())

	_, found := eng.Get([]byte("k"))
	require.False(t, found)
	require.Equal(t, 0, mgr.ActiveCount())

	// A lock acquired by the rolled-back tx must not still be held.
	tx2 := mgr.Begin()
	require.NoError(t, tx2.Put([]byte("k"), []byte("v2")))
	require.NoError(t, tx2.Commit())
}

func TestRollbackIsIdempotent(t *testing.T) {
	eng := newFakeEngine()
	mgr := NewManager(eng)
	tx := mgr.Begin()
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())
}

func TestOperationsOnFinishedTransactionFail(t *testing.T) {
	eng := newFakeEngine()
	mgr := NewManager(eng)
	tx := mgr.Begin()
	require.NoError(t, tx.Commit())

	require.ErrorIs(t, tx.Commit(), errs.ErrIllegalState)
	require.ErrorIs(t, tx.Put([]byte("k"), []byte("v")), errs.ErrIllegalState)
	require.ErrorIs(t, tx.Delete([]byte("k")), errs.ErrIllegalState)
	_, _, err := tx.Get([]byte("k"))
	require.ErrorIs(t, err, errs.ErrIllegalState)
}

func TestActiveCountTracksOutstandingTransactions(t *testing.T) {
	eng := newFakeEngine()
	mgr := NewManager(eng)
	tx1 := mgr.Begin()
	tx2 := mgr.Begin()
	require.Equal(t, 2, mgr.ActiveCount())

	require.NoError(t, tx1.Commit())
	require.Equal(t, 1, mgr.ActiveCount())

	require.NoError(t, tx2.Rollback())
	require.Equal(t, 0, mgr.ActiveCount())
}
