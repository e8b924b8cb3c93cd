package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hadv/NebulaStore-sub007/logger"
	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/blobfs"
)

// opKind distinguishes the requests a channel worker accepts on its
// queue. Mirrors the teacher's WriteOpType enum, generalized to the
// oid/tid record model and extended with a read op since this engine's
// single-writer discipline also serializes reads through the owning
// channel (spec.md §4.7).
type opKind int

const (
	opAppend opKind = iota
	opAppendBatch
	opRead
	opUndoBatch
	opHousekeepingTick
)

func (k opKind) String() string {
	switch k {
	case opAppend:
		return "APPEND"
	case opAppendBatch:
		return "APPEND_BATCH"
	case opRead:
		return "READ"
	case opUndoBatch:
		return "UNDO_BATCH"
	case opHousekeepingTick:
		return "HOUSEKEEPING_TICK"
	default:
		return "UNKNOWN"
	}
}

// request is one unit of work submitted to a channel's queue.
type request struct {
	kind    opKind
	ctx     context.Context
	oid     models.OID
	record  *models.Record   // for opAppend
	records []*models.Record // for opAppendBatch, opUndoBatch
	prior   []*IndexEntry    // for opUndoBatch: entry each record displaced, nil if none existed
	preSize int64            // for opUndoBatch: file length to truncate back to
	preFile uint32           // for opUndoBatch: file number current before the batch being undone
	done    chan response
}

type response struct {
	entry   IndexEntry
	entries []IndexEntry
	prior   []*IndexEntry
	bytes   []byte
	err     error
}

// Channel is the single-writer shard spec.md §4.7 describes: one
// current data file, one entity-index shard, one entity cache, and a
// dedicated worker goroutine draining a bounded request queue in
// arrival order. Grounded on the teacher's SingleWriterQueue — same
// bounded-channel-plus-dedicated-goroutine shape, generalized from one
// shared repository writer to one writer per hash-partitioned shard.
type Channel struct {
	ID models.ChannelID
	fs blobfs.BlobFileSystem

	Index *EntityIndex
	Cache *EntityCache

	filesMu sync.RWMutex
	files   map[uint32]*DataFile
	current uint32

	maxFileSize int64

	queue   chan *request
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running int32
	queued  int64
}

// Config bundles the per-channel tunables sourced from the store config.
type Config struct {
	MaxFileSize      int64
	CacheThreshold   int64
	CacheTimeout     time.Duration
	QueueSize        int
}

// New constructs a channel shard. Records passed to Append already carry
// their commit timestamp, stamped by the storer from the store's shared
// monotonic counter before dispatch, so the channel itself never reads
// or advances that counter.
func New(id models.ChannelID, fs blobfs.BlobFileSystem, cfg Config) *Channel {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	return &Channel{
		ID:          id,
		fs:          fs,
		Index:       NewEntityIndex(),
		Cache:       NewEntityCache(cfg.CacheThreshold, cfg.CacheTimeout),
		files:       make(map[uint32]*DataFile),
		maxFileSize: cfg.MaxFileSize,
		queue:       make(chan *request, cfg.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker goroutine. Safe to call once per Channel.
func (c *Channel) Start() error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return models.NewError(models.KindState, "channel.start", "already running", nil)
	}
	if len(c.files) == 0 {
		c.files[1] = &DataFile{Channel: c.ID, Number: 1}
		c.current = 1
	}
	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop drains the queue and halts the worker, blocking until it exits.
func (c *Channel) Stop() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Channel) run() {
	defer c.wg.Done()
	logger.Debug("channel worker started", logger.Uint32("channel", uint32(c.ID)))
	for {
		select {
		case req := <-c.queue:
			atomic.AddInt64(&c.queued, -1)
			c.handle(req)
		case <-c.stopCh:
			for {
				select {
				case req := <-c.queue:
					req.done <- response{err: models.ErrStoreStopped}
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) handle(req *request) {
	switch req.kind {
	case opAppend:
		entry, err := c.doAppend(req.ctx, req.record)
		req.done <- response{entry: entry, err: err}
	case opAppendBatch:
		entries, prior, err := c.doAppendBatch(req.ctx, req.records)
		req.done <- response{entries: entries, prior: prior, err: err}
	case opRead:
		bytes, err := c.doRead(req.ctx, req.oid)
		req.done <- response{bytes: bytes, err: err}
	case opUndoBatch:
		err := c.doUndoBatch(req.ctx, req.records, req.prior, req.preSize, req.preFile)
		req.done <- response{err: err}
	case opHousekeepingTick:
		req.done <- response{}
	}
}

// submit enqueues req and blocks for its response, respecting ctx
// cancellation and the queue's bounded capacity (spec.md §5:
// "a store call blocks once the target channel's queue is full").
func (c *Channel) submit(ctx context.Context, req *request) response {
	req.done = make(chan response, 1)
	select {
	case c.queue <- req:
		atomic.AddInt64(&c.queued, 1)
	case <-ctx.Done():
		return response{err: models.NewError(models.KindConcurrency, "channel.submit", "cancelled before enqueue", ctx.Err())}
	}
	select {
	case resp := <-req.done:
		return resp
	case <-ctx.Done():
		return response{err: models.NewError(models.KindConcurrency, "channel.submit", "cancelled awaiting result", ctx.Err())}
	}
}

// Append appends rec to the channel's current file and publishes the
// resulting index entry and cache bytes. Called by the storer during
// commit; runs on the channel worker to serialize with any concurrent
// read/append/housekeeping activity.
func (c *Channel) Append(ctx context.Context, rec *models.Record) (IndexEntry, error) {
	resp := c.submit(ctx, &request{kind: opAppend, ctx: ctx, record: rec})
	return resp.entry, resp.err
}

// AppendBatch appends every record in recs to the channel's current
// file as a single BFS write, publishing one index entry and cache
// admission per non-gravestone record. Used by the storer's commit
// path so one storer's writes to this channel land atomically from a
// reader's perspective (spec.md §4.6). The returned prior slice holds,
// for each record, the IndexEntry it displaced (nil if the oid was
// new) — the storer keeps it to undo this exact batch if a sibling
// channel's append later fails.
func (c *Channel) AppendBatch(ctx context.Context, recs []*models.Record) (entries []IndexEntry, prior []*IndexEntry, err error) {
	resp := c.submit(ctx, &request{kind: opAppendBatch, ctx: ctx, records: recs})
	return resp.entries, resp.prior, resp.err
}

// CurrentFileSize returns the logical size of the channel's current
// append target, used by the storer to remember a pre-commit watermark
// for rollback-by-truncation.
func (c *Channel) CurrentFileSize() int64 {
	c.filesMu.RLock()
	defer c.filesMu.RUnlock()
	return c.files[c.current].LogicalSize
}

// UndoBatch reverses a prior successful AppendBatch call: each
// displaced IndexEntry is restored (or the oid's entry is deleted if
// none existed before), every record's bytes are evicted from the
// cache, and the file is restored to its pre-batch state. preFile is
// the file number that was current immediately before the batch being
// undone; if the batch triggered a file rollover (the channel's current
// file is no longer preFile), the new file is discarded wholesale and
// the channel reverts to preFile instead of truncating the wrong file.
// Otherwise the current file is truncated back to preSize. Used
// exclusively by the storer's commit rollback path (spec.md §4.6:
// "Rollback of a write must restore the previous entry bit-identically").
func (c *Channel) UndoBatch(ctx context.Context, recs []*models.Record, prior []*IndexEntry, preSize int64, preFile uint32) error {
	resp := c.submit(ctx, &request{kind: opUndoBatch, ctx: ctx, records: recs, prior: prior, preSize: preSize, preFile: preFile})
	return resp.err
}

// Read returns the raw record body for oid, consulting the cache first
// and falling back to the data file on miss.
func (c *Channel) Read(ctx context.Context, oid models.OID) ([]byte, error) {
	if bytes, ok := c.Cache.Get(oid); ok {
		return bytes, nil
	}
	resp := c.submit(ctx, &request{kind: opRead, ctx: ctx, oid: oid})
	return resp.bytes, resp.err
}

func (c *Channel) doAppend(ctx context.Context, rec *models.Record) (IndexEntry, error) {
	entries, _, err := c.doAppendBatch(ctx, []*models.Record{rec})
	if err != nil {
		return IndexEntry{}, err
	}
	if len(entries) == 0 {
		return IndexEntry{}, nil // rec was a gravestone
	}
	return entries[0], nil
}

// doAppendBatch writes every record in recs to the channel's current
// file in one BFS call, rolling over to a new file first if the whole
// batch would not fit (a batch is never split across files: spec.md
// §4.6 requires one channel append per commit to stay atomic from a
// reader's perspective). The returned prior slice holds, index-aligned
// with recs, the IndexEntry each record displaced (nil for a brand-new
// oid, or for a gravestone whose retired oid had no prior entry) so a
// failed sibling-channel append elsewhere in the same commit can undo
// exactly this batch via doUndoBatch.
func (c *Channel) doAppendBatch(ctx context.Context, recs []*models.Record) ([]IndexEntry, []*IndexEntry, error) {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()

	var batchLen int64
	encoded := make([][]byte, len(recs))
	for i, rec := range recs {
		encoded[i] = rec.Marshal()
		batchLen += int64(len(encoded[i]))
	}

	df := c.files[c.current]
	if df.LogicalSize > 0 && df.LogicalSize+batchLen > c.maxFileSize {
		c.current++
		df = &DataFile{Channel: c.ID, Number: c.current}
		c.files[c.current] = df
	}

	offsets, err := df.Append(ctx, c.fs, encoded)
	if err != nil {
		return nil, nil, models.NewError(models.KindBackendFatal, "channel.append", "data file append failed", err)
	}

	entries := make([]IndexEntry, 0, len(recs))
	prior := make([]*IndexEntry, len(recs))
	for i, rec := range recs {
		if rec.IsGravestone() {
			retired, rerr := rec.RetiredOID()
			if rerr == nil {
				if old, ok := c.Index.Get(retired); ok {
					oldCopy := old
					prior[i] = &oldCopy
				}
				c.Index.Delete(retired)
				c.Cache.Invalidate(retired)
			}
			continue
		}
		if old, ok := c.Index.Get(rec.OID); ok {
			oldCopy := old
			prior[i] = &oldCopy
		}
		entry := IndexEntry{
			OID:        rec.OID,
			TID:        rec.TID,
			Channel:    c.ID,
			FileNumber: df.Number,
			Position:   offsets[i],
			Length:     rec.Length(),
		}
		c.Index.Put(entry)
		df.LiveBytes += int64(entry.Length)
		c.Cache.Admit(rec.OID, rec.Body, true)
		entries = append(entries, entry)
	}
	return entries, prior, nil
}

// doUndoBatch reverses the index/cache publication doAppendBatch made
// for recs, then restores the file state to what it was before the
// batch. doAppendBatch never splits a batch across files, but it can
// roll the channel over to a brand-new file to fit the whole batch
// (c.current changes): in that case the new file holds only this
// commit's bytes and is discarded wholesale, and the channel reverts
// to preFile. Otherwise the batch landed in the same file that was
// already current, so that file is truncated back to preSize.
func (c *Channel) doUndoBatch(ctx context.Context, recs []*models.Record, prior []*IndexEntry, preSize int64, preFile uint32) error {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()

	for i, rec := range recs {
		oid := rec.OID
		if rec.IsGravestone() {
			if retired, rerr := rec.RetiredOID(); rerr == nil {
				oid = retired
			} else {
				continue
			}
		}
		if prior[i] != nil {
			c.Index.Put(*prior[i])
		} else {
			c.Index.Delete(oid)
		}
		c.Cache.Invalidate(oid)
	}

	if c.current != preFile {
		rolledInto := c.files[c.current]
		if rolledInto != nil {
			if err := c.fs.Delete(ctx, rolledInto.Path()); err != nil {
				return models.NewError(models.KindBackendFatal, "channel.undoBatch", "rollback delete of rolled-over file failed", err)
			}
			delete(c.files, c.current)
		}
		c.current = preFile
		return nil
	}

	df := c.files[c.current]
	if err := c.fs.Truncate(ctx, df.Path(), preSize); err != nil {
		return models.NewError(models.KindBackendFatal, "channel.undoBatch", "rollback truncate failed", err)
	}
	var liveBytes int64
	for _, rec := range recs {
		if !rec.IsGravestone() {
			liveBytes += int64(rec.Length())
		}
	}
	df.LogicalSize = preSize
	df.LiveBytes -= liveBytes
	return nil
}

func (c *Channel) doRead(ctx context.Context, oid models.OID) ([]byte, error) {
	entry, ok := c.Index.Get(oid)
	if !ok {
		return nil, models.NewError(models.KindNotFound, "channel.read", oid.String(), models.ErrNotFound)
	}
	c.filesMu.RLock()
	df, ok := c.files[entry.FileNumber]
	c.filesMu.RUnlock()
	if !ok {
		return nil, models.NewError(models.KindCorruption, "channel.read", "index points at unknown file", nil)
	}
	raw, err := df.ReadAt(ctx, c.fs, entry.Position, entry.Length)
	if err != nil {
		return nil, models.NewError(models.KindBackendFatal, "channel.read", "data file read failed", err)
	}
	rec, _, err := models.DecodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if rec.OID != entry.OID || rec.TID != entry.TID {
		return nil, models.NewError(models.KindCorruption, "channel.read",
			"record header does not match index entry (invariant C violated)", nil)
	}
	c.Cache.Admit(oid, rec.Body, false)
	return rec.Body, nil
}

// CurrentFile returns the file number currently accepting appends.
func (c *Channel) CurrentFile() uint32 {
	c.filesMu.RLock()
	defer c.filesMu.RUnlock()
	return c.current
}

// Files returns a snapshot of every known data file, for housekeeping
// scans and recovery.
func (c *Channel) Files() []*DataFile {
	c.filesMu.RLock()
	defer c.filesMu.RUnlock()
	out := make([]*DataFile, 0, len(c.files))
	for _, df := range c.files {
		out = append(out, df)
	}
	return out
}

// RegisterFile records a file discovered during recovery's directory
// scan, before the worker starts.
func (c *Channel) RegisterFile(df *DataFile) {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	c.files[df.Number] = df
	if df.Number > c.current {
		c.current = df.Number
	}
}

// QueueDepth reports the number of requests currently queued, for
// backpressure observability.
func (c *Channel) QueueDepth() int64 {
	return atomic.LoadInt64(&c.queued)
}

// RemoveFile deletes number's backing blob and drops it from this
// channel's known file set. Used by housekeeping once every surviving
// record in that file has been copied forward into the current file.
func (c *Channel) RemoveFile(ctx context.Context, number uint32) error {
	c.filesMu.Lock()
	df, ok := c.files[number]
	if !ok {
		c.filesMu.Unlock()
		return nil
	}
	delete(c.files, number)
	c.filesMu.Unlock()
	return c.fs.Delete(ctx, df.Path())
}

// ScanFile reads every record from df's backing file in append order,
// invoking fn with each record's byte offset. Exposed so housekeeping's
// consolidation pass can read a retirement candidate without going
// through the channel's single-writer queue: a consolidation scan only
// reads, and df is never the current (mutable) file by the time this is
// called.
func (c *Channel) ScanFile(ctx context.Context, df *DataFile, fn func(offset int64, rec *models.Record) error) error {
	return scanFile(ctx, c.fs, df.Path(), fn)
}
