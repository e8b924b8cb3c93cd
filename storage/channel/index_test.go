package channel

import "testing"

func TestIndexPutGetDelete(t *testing.T) {
	idx := NewEntityIndex()
	e := IndexEntry{OID: 1, TID: 1, FileNumber: 1, Position: 0, Length: 10}
	idx.Put(e)

	got, ok := idx.Get(1)
	if !ok || got != e {
		t.Fatalf("got %+v, ok=%v, want %+v", got, ok, e)
	}

	idx.Delete(1)
	if _, ok := idx.Get(1); ok {
		t.Fatalf("expected entry to be gone after Delete")
	}
}

func TestIndexLenAndRange(t *testing.T) {
	idx := NewEntityIndex()
	idx.Put(IndexEntry{OID: 1, FileNumber: 1})
	idx.Put(IndexEntry{OID: 2, FileNumber: 1})
	if idx.Len() != 2 {
		t.Fatalf("expected Len 2, got %d", idx.Len())
	}

	seen := map[uint64]bool{}
	idx.Range(func(e IndexEntry) bool {
		seen[uint64(e.OID)] = true
		return true
	})
	if !seen[1] || !seen[2] {
		t.Fatalf("Range did not visit every entry: %v", seen)
	}
}

func TestIndexRangeEarlyStop(t *testing.T) {
	idx := NewEntityIndex()
	idx.Put(IndexEntry{OID: 1})
	idx.Put(IndexEntry{OID: 2})
	idx.Put(IndexEntry{OID: 3})

	count := 0
	idx.Range(func(e IndexEntry) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("expected Range to stop after first false return, visited %d", count)
	}
}

func TestIndexRebuildReplacesContents(t *testing.T) {
	idx := NewEntityIndex()
	idx.Put(IndexEntry{OID: 1})
	idx.Rebuild([]IndexEntry{{OID: 2}, {OID: 3}})
	if idx.Len() != 2 {
		t.Fatalf("expected 2 entries after rebuild, got %d", idx.Len())
	}
	if _, ok := idx.Get(1); ok {
		t.Fatalf("expected stale entry to be gone after Rebuild")
	}
}

func TestIndexSnapshotIsCopy(t *testing.T) {
	idx := NewEntityIndex()
	idx.Put(IndexEntry{OID: 1, Length: 5})
	snap := idx.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected snapshot of length 1, got %d", len(snap))
	}
	snap[0].Length = 999
	got, _ := idx.Get(1)
	if got.Length != 5 {
		t.Fatalf("mutating a snapshot entry must not affect the index, got Length %d", got.Length)
	}
}
