package memtable

import (
	"bytes"
	"fmt"
	"testing"
)

func newSeq() *uint64 {
	var s uint64
	return &s
}

func TestPutAndGet(t *testing.T) {
	m := New(newSeq())
	m.Put([]byte("user:1001"), []byte("alice"))

	r := m.Get([]byte("user:1001"))
	if !r.Found || r.Tombstone || !bytes.Equal(r.Value, []byte("alice")) {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestUpdateReplacesValueAndSize(t *testing.T) {
	m := New(newSeq())
	m.Put([]byte("k"), []byte("short"))
	sizeAfterFirst := m.Size()

	m.Put([]byte("k"), []byte("a much longer value"))
	if m.Size() <= sizeAfterFirst {
		t.Fatalf("expected size to grow, got %d -> %d", sizeAfterFirst, m.Size())
	}
	if m.EntryCount() != 1 {
		t.Fatalf("expected a single entry after update, got %d", m.EntryCount())
	}

	r := m.Get([]byte("k"))
	if !bytes.Equal(r.Value, []byte("a much longer value")) {
		t.Fatalf("unexpected value %q", r.Value)
	}
}

func TestDeleteShadowsWithTombstone(t *testing.T) {
	m := New(newSeq())
	m.Put([]byte("k"), []byte("v"))
	m.Delete([]byte("k"))

	r := m.Get([]byte("k"))
	if !r.Found || !r.Tombstone {
		t.Fatalf("expected tombstone, got %+v", r)
	}
}

func TestAbsentKeyIsNotFound(t *testing.T) {
	m := New(newSeq())
	r := m.Get([]byte("missing"))
	if r.Found {
		t.Fatal("expected absent key to report not found")
	}
}

func TestShouldFlush(t *testing.T) {
	m := New(newSeq())
	if m.ShouldFlush(1) {
		t.Fatal("empty memtable should not need flush at threshold 1")
	}
	m.Put([]byte("k"), bytes.Repeat([]byte("v"), 100))
	if !m.ShouldFlush(10) {
		t.Fatal("expected memtable over threshold to need flush")
	}
}

func TestFlushEmptyMemtableIsNoop(t *testing.T) {
	m := New(newSeq())
	run, err := m.FlushToSSTable(t.TempDir(), 0, 4096, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if run != nil {
		t.Fatal("expected nil run for empty memtable flush")
	}
}

func TestFlushCarriesTombstonesForward(t *testing.T) {
	m := New(newSeq())
	for i := 0; i < 10; i++ {
		m.Put([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%02d", i)))
	}
	m.Delete([]byte("k05"))

	run, err := m.FlushToSSTable(t.TempDir(), 0, 4096, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if run == nil {
		t.Fatal("expected a run")
	}

	if _, ok := run.Get([]byte("k05")); ok {
		t.Fatal("expected tombstoned key to read as absent via Get")
	}
	_, tomb, found := run.Lookup([]byte("k05"))
	if !found || !tomb {
		t.Fatal("expected tombstone to survive flush so it can shadow older levels")
	}
	if _, ok := run.Get([]byte("k04")); !ok {
		t.Fatal("expected live key to survive flush")
	}
}

func TestReserveSequenceThenPutAtUsesReservedNumber(t *testing.T) {
	m := New(newSeq())
	seq := m.ReserveSequence()
	m.PutAt([]byte("k"), []byte("v"), seq)

	if m.MaxSequence() != seq {
		t.Fatalf("expected max sequence %d, got %d", seq, m.MaxSequence())
	}
	r := m.Get([]byte("k"))
	if !r.Found || string(r.Value) != "v" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestDeleteAtStoresTombstoneUnderReservedSequence(t *testing.T) {
	m := New(newSeq())
	m.Put([]byte("k"), []byte("v"))

	seq := m.ReserveSequence()
	m.DeleteAt([]byte("k"), seq)

	r := m.Get([]byte("k"))
	if !r.Found || !r.Tombstone {
		t.Fatalf("expected tombstone, got %+v", r)
	}
}

func TestSequentialInsertAndGet(t *testing.T) {
	m := New(newSeq())
	for i := 0; i < 1000; i++ {
		m.Put([]byte(fmt.Sprintf("key%04d", i)), []byte(fmt.Sprintf("%d", i*i)))
	}
	for i := 0; i < 1000; i++ {
		r := m.Get([]byte(fmt.Sprintf("key%04d", i)))
		if !r.Found || string(r.Value) != fmt.Sprintf("%d", i*i) {
			t.Fatalf("mismatch at %d: %+v", i, r)
		}
	}
}
