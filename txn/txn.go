// Package txn implements the transaction manager: monotonic transaction
// ids, a process-wide active-transaction map, a per-key writer-lock
// registry, and read-set validate / write-set apply commit semantics.
//
// Structurally grounded on bobboyms-storage-engine's WriteTransaction
// (other_examples:
// bobboyms-storage-engine__pkg-storage-transaction_write.go): a
// mutex-guarded buffer of pending operations with a commit step that
// applies them and an abort-is-permanent rollback. That object buffers
// writes over a table store with no conflict detection; this package
// adapts the same buffering shape to an optimistic-read /
// pessimistic-write snapshot-isolation model, adding the read-set
// validation bobboyms-storage-engine's Commit doesn't do.
package txn

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/flashkv/lsmtree/internal/errs"
)

// engine is the slice of the root DB that a transaction needs. Kept as
// an interface (rather than a concrete *lsmtree.DB field) to satisfy the
// spec's cyclic-ownership note: the transaction manager references the
// engine, the engine owns the manager, and Go has no weak-pointer
// primitive, so the break in the cycle is an interface value set once
// at construction rather than an import of the lsmtree package.
type engine interface {
	Get(key []byte) ([]byte, bool)
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Manager issues transaction ids, tracks active transactions, and owns
// the per-key writer-lock registry shared by every transaction it hands
// out.
type Manager struct {
	engine engine

	nextID uint64

	mu     sync.Mutex
	active map[uint64]*Tx

	locks sync.Map // key string -> *sync.RWMutex
}

// NewManager returns a transaction manager bound to engine. engine is a
// non-owning back-reference: Manager never closes or owns its lifetime.
func NewManager(engine engine) *Manager {
	return &Manager{
		engine: engine,
		active: make(map[uint64]*Tx),
	}
}

func (m *Manager) lockFor(key string) *sync.RWMutex {
	if l, ok := m.locks.Load(key); ok {
		return l.(*sync.RWMutex)
	}
	l, _ := m.locks.LoadOrStore(key, &sync.RWMutex{})
	return l.(*sync.RWMutex)
}

// Begin starts a new transaction and registers it in the active map.
func (m *Manager) Begin() *Tx {
	id := atomic.AddUint64(&m.nextID, 1)
	tx := &Tx{
		id:      id,
		mgr:     m,
		active:  true,
		readSet: make(map[string]readEntry),
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()
	return tx
}

// ActiveCount returns the number of transactions currently begun but
// not yet committed or rolled back.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) forget(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

type readEntry struct {
	value []byte
	found bool
}

// Tx is a single transaction's buffered reads, writes, and deletes.
// None of its mutations are visible to other readers until Commit
// applies them to the engine.
type Tx struct {
	id  uint64
	mgr *Manager

	mu      sync.Mutex
	active  bool
	done    bool
	readSet map[string]readEntry
	writes  map[string][]byte
	deletes map[string]struct{}

	lockedKeys []string
}

// ID returns the transaction's monotonically increasing id.
func (tx *Tx) ID() uint64 { return tx.id }

// Get resolves key against the transaction's own write/delete set
// first, falling back to the engine and recording the observed value in
// the read set for later commit-time validation.
func (tx *Tx) Get(key []byte) ([]byte, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if !tx.active {
		return nil, false, errs.ErrIllegalState
	}

	k := string(key)
	if v, ok := tx.writes[k]; ok {
		return v, true, nil
	}
	if _, ok := tx.deletes[k]; ok {
		return nil, false, nil
	}

	v, found := tx.mgr.engine.Get(key)
	if _, seen := tx.readSet[k]; !seen {
		tx.readSet[k] = readEntry{value: v, found: found}
	}
	return v, found, nil
}

// Put stages a write, acquiring the key's writer lock on first touch.
func (tx *Tx) Put(key, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.active {
		return errs.ErrIllegalState
	}
	k := string(key)
	tx.lockKey(k)
	tx.writes[k] = append([]byte(nil), value...)
	delete(tx.deletes, k)
	return nil
}

// Delete stages a delete, acquiring the key's writer lock on first touch.
func (tx *Tx) Delete(key []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.active {
		return errs.ErrIllegalState
	}
	k := string(key)
	tx.lockKey(k)
	tx.deletes[k] = struct{}{}
	delete(tx.writes, k)
	return nil
}

// lockKey acquires the process-wide writer lock for k if this
// transaction does not already hold it. Locks are held until commit or
// rollback, never released early: this is what makes the scheme
// pessimistic for writes.
func (tx *Tx) lockKey(k string) {
	for _, held := range tx.lockedKeys {
		if held == k {
			return
		}
	}
	tx.mgr.lockFor(k).Lock()
	tx.lockedKeys = append(tx.lockedKeys, k)
}

func (tx *Tx) unlockAll() {
	for _, k := range tx.lockedKeys {
		tx.mgr.lockFor(k).Unlock()
	}
	tx.lockedKeys = nil
}

// Commit validates the read set against the engine's current state,
// then applies the write and delete sets in key order. Any read-set
// entry whose observed value no longer matches the engine's current
// value aborts the whole commit with ErrConflict, leaving the engine
// untouched.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return errs.ErrIllegalState
	}

	for k, want := range tx.readSet {
		gotValue, gotFound := tx.mgr.engine.Get([]byte(k))
		if gotFound != want.found || !bytes.Equal(gotValue, want.value) {
			tx.finish()
			return errs.ErrConflict
		}
	}

	keys := make([]string, 0, len(tx.writes)+len(tx.deletes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	for k := range tx.deletes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if v, ok := tx.writes[k]; ok {
			if err := tx.mgr.engine.Put([]byte(k), v); err != nil {
				tx.finish()
				return err
			}
			continue
		}
		if err := tx.mgr.engine.Delete([]byte(k)); err != nil {
			tx.finish()
			return err
		}
	}

	tx.finish()
	return nil
}

// Rollback discards the write and delete sets without touching the
// engine. Idempotent: rolling back a finished transaction is a no-op.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

// finish releases locks, deregisters the transaction, and marks it
// inactive. Caller must hold tx.mu.
func (tx *Tx) finish() {
	tx.unlockAll()
	tx.active = false
	tx.done = true
	tx.mgr.forget(tx.id)
}
