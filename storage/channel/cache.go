package channel

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hadv/NebulaStore-sub007/models"
)

// softRatio is the fraction of threshold a sweep evicts down to once it
// starts reclaiming space: sweeping to exactly threshold would trigger
// another sweep on the very next admission.
const softRatio = 0.8

// cacheEntry is one admitted byte slice plus its access bookkeeping.
type cacheEntry struct {
	oid        models.OID
	bytes      []byte
	lastAccess int64
	lastWrite  int64
	elem       *list.Element
}

// EntityCache is a per-channel bounded cache over record bytes keyed by
// oid. Eviction never touches the entity index: an evicted oid simply
// becomes a cache miss, reloaded from the data file on next read. This
// mirrors the teacher's BoundedEntityCache LRU discipline, generalized
// from an entity-pointer cache to a raw-bytes cache sized by content
// length rather than a fixed per-entry estimate.
type EntityCache struct {
	mu          sync.Mutex
	entries     map[models.OID]*cacheEntry
	lru         *list.List
	currentSize int64

	threshold int64
	timeout   time.Duration

	totalAllocations int64
	totalEvictions   int64
	lastSweepStart   int64
	lastSweepEnd     int64
}

// NewEntityCache returns an empty cache with the given byte threshold
// and eviction timeout.
func NewEntityCache(threshold int64, timeout time.Duration) *EntityCache {
	return &EntityCache{
		entries:   make(map[models.OID]*cacheEntry),
		lru:       list.New(),
		threshold: threshold,
		timeout:   timeout,
	}
}

// Get returns the cached bytes for oid, if present, and bumps its
// lastAccess time and LRU position.
func (c *EntityCache) Get(oid models.OID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[oid]
	if !ok {
		return nil, false
	}
	now := models.Now()
	e.lastAccess = now
	c.lru.MoveToFront(e.elem)
	return e.bytes, true
}

// Admit populates the cache with bytes for oid following a successful
// read or write. Admission is unconditional; eviction is reactive and
// runs inline here when currentSize has crossed threshold.
func (c *EntityCache) Admit(oid models.OID, bytes []byte, isWrite bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := models.Now()
	if e, ok := c.entries[oid]; ok {
		c.currentSize += int64(len(bytes)) - int64(len(e.bytes))
		e.bytes = bytes
		e.lastAccess = now
		if isWrite {
			e.lastWrite = now
		}
		c.lru.MoveToFront(e.elem)
	} else {
		e := &cacheEntry{oid: oid, bytes: bytes, lastAccess: now}
		if isWrite {
			e.lastWrite = now
		}
		e.elem = c.lru.PushFront(oid)
		c.entries[oid] = e
		c.currentSize += int64(len(bytes))
	}
	atomic.AddInt64(&c.totalAllocations, 1)
	if c.currentSize > c.threshold {
		c.evictLocked(now)
	}
}

// Sweep evicts entries whose lastAccess predates the timeout, then, if
// still over threshold, continues evicting least-recently-used entries
// regardless of age until currentSize <= threshold*softRatio. Safe to
// call on a periodic housekeeping tick; never removes an index entry.
func (c *EntityCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := models.Now()
	atomic.StoreInt64(&c.lastSweepStart, now)
	c.evictExpiredLocked(now)
	if c.currentSize > c.threshold {
		c.evictLocked(now)
	}
	atomic.StoreInt64(&c.lastSweepEnd, models.Now())
}

func (c *EntityCache) evictExpiredLocked(now int64) {
	cutoff := now - c.timeout.Nanoseconds()
	for elem := c.lru.Back(); elem != nil; {
		oid := elem.Value.(models.OID)
		e := c.entries[oid]
		prev := elem.Prev()
		if e.lastAccess < cutoff {
			c.removeLocked(oid, e, elem)
		}
		elem = prev
	}
}

// evictLocked removes least-recently-used entries until currentSize has
// fallen to threshold*softRatio, regardless of age.
func (c *EntityCache) evictLocked(now int64) {
	target := int64(float64(c.threshold) * softRatio)
	for c.currentSize > target {
		elem := c.lru.Back()
		if elem == nil {
			break
		}
		oid := elem.Value.(models.OID)
		e := c.entries[oid]
		c.removeLocked(oid, e, elem)
	}
}

func (c *EntityCache) removeLocked(oid models.OID, e *cacheEntry, elem *list.Element) {
	delete(c.entries, oid)
	c.lru.Remove(elem)
	c.currentSize -= int64(len(e.bytes))
	atomic.AddInt64(&c.totalEvictions, 1)
}

// Invalidate drops oid from the cache without counting it as an
// eviction; used when a gravestone retires the oid entirely.
func (c *EntityCache) Invalidate(oid models.OID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[oid]; ok {
		delete(c.entries, oid)
		c.lru.Remove(e.elem)
		c.currentSize -= int64(len(e.bytes))
	}
}

// Stats is the observable counter set spec.md requires of the cache.
type Stats struct {
	EntryCount       int
	CurrentSize      int64
	TotalAllocations int64
	TotalEvictions   int64
	LastSweepStart   int64
	LastSweepEnd     int64
	HitRatio         float64
}

// Stats snapshots the cache's observable counters.
func (c *EntityCache) Stats() Stats {
	c.mu.Lock()
	entryCount := len(c.entries)
	currentSize := c.currentSize
	c.mu.Unlock()

	allocations := atomic.LoadInt64(&c.totalAllocations)
	evictions := atomic.LoadInt64(&c.totalEvictions)
	hitRatio := 1.0
	if allocations > 0 {
		hitRatio = 1.0 - float64(evictions)/float64(allocations)
	}
	return Stats{
		EntryCount:       entryCount,
		CurrentSize:      currentSize,
		TotalAllocations: allocations,
		TotalEvictions:   evictions,
		LastSweepStart:   atomic.LoadInt64(&c.lastSweepStart),
		LastSweepEnd:     atomic.LoadInt64(&c.lastSweepEnd),
		HitRatio:         hitRatio,
	}
}
