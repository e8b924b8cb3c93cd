package channel

import (
	"sync"

	"github.com/hadv/NebulaStore-sub007/models"
)

// IndexEntry locates one live oid's record on disk.
type IndexEntry struct {
	OID        models.OID
	TID        models.TID
	Channel    models.ChannelID
	FileNumber uint32
	Position   int64
	Length     uint32
}

// EntityIndex maps oid to IndexEntry for a single channel shard.
//
// Invariant A (uniqueness): callers outside this channel never insert —
// only the owning channel worker mutates the map, so at most one live
// entry per oid ever exists here.
// Invariant B (monotone file-number): an entry's FileNumber never
// decreases when it is replaced. Put does not check this; the channel
// worker's doAppendBatch upholds it by always appending to the current
// (highest-numbered) file.
// Invariant C (pointer consistency) is a property of how entries are
// produced, not of this type: an IndexEntry's (position, length) comes
// from the offsets DataFile.Append reports or from a scanFile pass.
type EntityIndex struct {
	mu      sync.RWMutex
	entries map[models.OID]IndexEntry
}

// NewEntityIndex returns an empty index shard.
func NewEntityIndex() *EntityIndex {
	return &EntityIndex{entries: make(map[models.OID]IndexEntry)}
}

// Get performs a point lookup.
func (idx *EntityIndex) Get(oid models.OID) (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[oid]
	return e, ok
}

// Put installs or replaces the entry for oid. The caller (the owning
// channel worker) is responsible for upholding invariant B.
func (idx *EntityIndex) Put(e IndexEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[e.OID] = e
}

// Delete removes oid's entry, used when a gravestone is swept.
func (idx *EntityIndex) Delete(oid models.OID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, oid)
}

// Len reports the number of live entries.
func (idx *EntityIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Range iterates a consistent snapshot of entries. fn must not mutate
// the index; iteration order is unspecified.
func (idx *EntityIndex) Range(fn func(IndexEntry) bool) {
	idx.mu.RLock()
	snapshot := make([]IndexEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		snapshot = append(snapshot, e)
	}
	idx.mu.RUnlock()
	for _, e := range snapshot {
		if !fn(e) {
			return
		}
	}
}

// Rebuild replaces the index contents wholesale, used after a full file
// scan on startup (validateOnStartup) or to install a loaded snapshot.
// Loading a snapshot does not scan data files written after it.
func (idx *EntityIndex) Rebuild(entries []IndexEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[models.OID]IndexEntry, len(entries))
	for _, e := range entries {
		idx.entries[e.OID] = e
	}
}

// Snapshot copies out every live entry, used to persist an index
// snapshot so a later open can skip rescanning old files.
func (idx *EntityIndex) Snapshot() []IndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]IndexEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	return out
}
