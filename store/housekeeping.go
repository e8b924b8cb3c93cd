package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hadv/NebulaStore-sub007/logger"
	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/channel"
)

// phaseResult is what a single housekeeping phase tick reports, matching
// the engine's observable outcome set for a time-budgeted cooperative
// pass: it either finished its work, ran out of budget and will resume
// next tick, or failed outright.
type phaseResult int

const (
	phaseCompleted phaseResult = iota
	phaseBudgetExceeded
	phaseFailed
)

func (r phaseResult) String() string {
	switch r {
	case phaseCompleted:
		return "completed"
	case phaseBudgetExceeded:
		return "budget_exceeded"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// gcState tracks the store-wide resumable mark-sweep cursor (kept
// under channel key 0 in Housekeeping.gc): GC marks
// reachable oids from the root in bounded steps across ticks, then
// sweeps unmarked live entries into gravestones once a full mark pass
// completes.
type gcState struct {
	marked  map[models.OID]bool
	toVisit []models.OID
}

// Housekeeping runs the engine's background maintenance loop: cache
// sweeps, file consolidation, and mark-sweep garbage collection, each
// phase bounded by a time budget so the loop never blocks the store for
// long. Grounded on the teacher's UpdateCircuitBreaker: a phase that
// keeps failing backs off exponentially instead of retrying every tick,
// generalized from per-entity update throttling to per-phase failure
// tracking.
type Housekeeping struct {
	store *Store

	interval        time.Duration
	budget          time.Duration
	retireThreshold float64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running int32

	mu       sync.Mutex
	gc       map[models.ChannelID]*gcState
	nextRun  map[string]time.Time // phase name -> earliest time to retry after a failure
	failures map[string]int
}

// NewHousekeeping builds the housekeeping loop for s, reading its tuning
// from s.cfg.
func NewHousekeeping(s *Store) *Housekeeping {
	return &Housekeeping{
		store:           s,
		interval:        time.Duration(s.cfg.HousekeepingIntervalMs) * time.Millisecond,
		budget:          time.Duration(s.cfg.HousekeepingTimeBudgetNs),
		retireThreshold: s.cfg.RetirementThreshold,
		stopCh:          make(chan struct{}),
		gc:              make(map[models.ChannelID]*gcState),
		nextRun:         make(map[string]time.Time),
		failures:        make(map[string]int),
	}
}

// Start launches the periodic tick loop. Safe to call once.
func (h *Housekeeping) Start() {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return
	}
	h.wg.Add(1)
	go h.loop()
}

// Stop halts the tick loop, blocking until the in-flight tick finishes.
func (h *Housekeeping) Stop() {
	if !atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		return
	}
	close(h.stopCh)
	h.wg.Wait()
}

func (h *Housekeeping) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.tick(context.Background(), h.budget)
		case <-h.stopCh:
			return
		}
	}
}

// tick runs every phase once, each bounded by budget: cache sweep, file
// consolidation, then mark-sweep GC. A phase backed off after repeated
// failures is skipped until its retry deadline passes.
func (h *Housekeeping) tick(ctx context.Context, budget time.Duration) {
	h.runPhase(ctx, "cache_sweep", budget, h.sweepCaches)
	h.runPhase(ctx, "file_check", budget, h.consolidateFiles)
	h.runPhase(ctx, "gc", budget, h.runGC)
}

// runPhase executes fn with a deadline derived from budget (zero budget
// means unbounded; the RunFull* entry points call the phases directly
// instead of going through runPhase), records
// the result to metrics, and applies exponential backoff on failure.
// Grounded on update_circuit_breaker.go's failure-count-plus-timeout
// pattern: maxFailures-style escalation is replaced with a doubling
// backoff window, since housekeeping phases are system-wide rather than
// per-entity and a single open circuit would stall all maintenance.
func (h *Housekeeping) runPhase(ctx context.Context, name string, budget time.Duration, fn func(context.Context, time.Time) phaseResult) {
	h.mu.Lock()
	if until, ok := h.nextRun[name]; ok && time.Now().Before(until) {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	start := time.Now()
	var deadline time.Time
	if budget > 0 {
		deadline = start.Add(budget)
	}
	result := fn(ctx, deadline)
	elapsed := time.Since(start)

	if h.store.metrics != nil {
		h.store.metrics.ObserveHousekeepingPhase(name, result.String(), elapsed.Seconds())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if result == phaseFailed {
		h.failures[name]++
		backoff := time.Duration(1<<uint(min(h.failures[name], 6))) * time.Second
		h.nextRun[name] = time.Now().Add(backoff)
		logger.Warn("housekeeping phase failed, backing off", logger.Str("phase", name), logger.Int64("backoff_seconds", int64(backoff.Seconds())))
		return
	}
	h.failures[name] = 0
	delete(h.nextRun, name)
}

// sweepCaches runs a sweep on every channel's entity cache. Cache
// sweeps are cheap and never budget-exceed in practice, but the
// deadline is still honored so a pathological number of channels can't
// starve the other phases.
func (h *Housekeeping) sweepCaches(ctx context.Context, deadline time.Time) phaseResult {
	for _, ch := range h.store.channels {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return phaseBudgetExceeded
		}
		ch.Cache.Sweep()
		if h.store.metrics != nil {
			stats := ch.Cache.Stats()
			h.store.metrics.SetCacheGauges(chanLabel(ch.ID), stats.EntryCount, stats.CurrentSize)
		}
	}
	return phaseCompleted
}

// consolidateFiles picks at most one retirement-eligible, non-current
// file per channel per tick and rewrites its surviving records into the
// channel's current file, then deletes the old file. A file is eligible
// once NeedsRetirement reports its live-byte ratio has fallen below the
// configured threshold; consolidation never touches a channel's current
// file (spec.md §4.8).
func (h *Housekeeping) consolidateFiles(ctx context.Context, deadline time.Time) phaseResult {
	for _, ch := range h.store.channels {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return phaseBudgetExceeded
		}
		target := pickRetirementTarget(ch, h.retireThreshold)
		if target == nil {
			continue
		}
		if err := retireFile(ctx, ch, target); err != nil {
			logger.Warn("file retirement failed", logger.Str("path", target.Path()), logger.ErrField(err))
			return phaseFailed
		}
		if h.store.metrics != nil {
			h.store.metrics.ObserveFileRetirement()
		}
	}
	return phaseCompleted
}

func pickRetirementTarget(ch *channel.Channel, threshold float64) *channel.DataFile {
	current := ch.CurrentFile()
	files := ch.Files()
	sort.Slice(files, func(i, j int) bool { return files[i].Number < files[j].Number })
	for _, df := range files {
		if df.NeedsRetirement(threshold, df.Number == current) {
			return df
		}
	}
	return nil
}

// retireFile copies df's surviving (indexed) records into ch's current
// file via a single AppendBatch, which publishes fresh index entries
// pointing at the new location, then deletes df's backing blob. Any
// record in df no longer present in the index (already superseded or
// retired) is simply dropped, which is the whole point of consolidation.
func retireFile(ctx context.Context, ch *channel.Channel, df *channel.DataFile) error {
	var live []*models.Record
	err := channelScanForRetirement(ctx, ch, df, func(rec *models.Record) {
		if entry, ok := ch.Index.Get(rec.OID); ok && entry.FileNumber == df.Number {
			live = append(live, rec)
		}
	})
	if err != nil {
		return err
	}
	if len(live) > 0 {
		if _, _, err := ch.AppendBatch(ctx, live); err != nil {
			return err
		}
	}
	return ch.RemoveFile(ctx, df.Number)
}

// runGC walks the live object graph from the store's root, marking
// reachable oids across channels, then sweeps any channel whose mark
// pass has completed, writing a gravestone for every live entry the
// walk never reached. The walk and the per-channel sweep are each
// resumable: a budget-exceeded mark pass picks up its toVisit queue on
// the next tick instead of restarting.
func (h *Housekeeping) runGC(ctx context.Context, deadline time.Time) phaseResult {
	root := h.store.Root()
	if !root.Valid() {
		return phaseCompleted
	}

	h.mu.Lock()
	state, ok := h.gc[0]
	if !ok {
		state = &gcState{marked: map[models.OID]bool{root: true}, toVisit: []models.OID{root}}
		h.gc[0] = state
	}
	h.mu.Unlock()

	if h.store.handlers == nil {
		return phaseCompleted
	}

	for len(state.toVisit) > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return phaseBudgetExceeded
		}
		oid := state.toVisit[0]
		state.toVisit = state.toVisit[1:]

		body, err := h.store.Read(ctx, oid)
		if err != nil {
			if models.IsKind(err, models.KindNotFound) {
				continue
			}
			return phaseFailed
		}
		ch := h.store.channelFor(oid)
		entry, ok := ch.Index.Get(oid)
		if !ok {
			continue
		}
		handler, ok := h.store.handlers.HandlerForTID(entry.TID)
		if !ok {
			continue
		}
		// ReadBody itself calls resolve(oid) for every embedded OID
		// placeholder it decodes; intercepting that call is the only
		// backend-agnostic way to learn which oids a body references,
		// since the placeholder encoding is each handler's own concern.
		_, err = handler.ReadBody(body, func(ref models.OID) (interface{}, error) {
			if ref.Valid() && !state.marked[ref] {
				state.marked[ref] = true
				state.toVisit = append(state.toVisit, ref)
			}
			return nil, nil
		})
		if err != nil {
			continue
		}
	}

	// Mark pass complete: sweep every channel, gravestoning any live
	// oid the walk never reached.
	for _, ch := range h.store.channels {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return phaseBudgetExceeded
		}
		var unreached []models.OID
		ch.Index.Range(func(e channel.IndexEntry) bool {
			if !state.marked[e.OID] {
				unreached = append(unreached, e.OID)
			}
			return true
		})
		for _, oid := range unreached {
			ts := h.store.commitTS.Add(1)
			grave := models.NewGravestone(oid, ts)
			if _, _, err := ch.AppendBatch(ctx, []*models.Record{grave}); err != nil {
				return phaseFailed
			}
		}
	}

	h.mu.Lock()
	delete(h.gc, 0)
	h.mu.Unlock()

	if h.store.metrics != nil {
		h.store.metrics.ObserveGCSweep()
	}
	return phaseCompleted
}

// RunFullGC runs the GC phase to completion with an unbounded budget,
// blocking the caller until every channel has been swept. Exposed for
// operators who want a synchronous collection outside the tick cadence.
func (h *Housekeeping) RunFullGC(ctx context.Context) error {
	for {
		result := h.runGC(ctx, time.Time{})
		switch result {
		case phaseCompleted:
			return nil
		case phaseFailed:
			return models.NewError(models.KindBackendFatal, "housekeeping.runFullGC", "gc phase failed", nil)
		}
	}
}

// RunFullFileCheck runs the file-consolidation phase to completion with
// an unbounded budget.
func (h *Housekeeping) RunFullFileCheck(ctx context.Context) error {
	for {
		result := h.consolidateFiles(ctx, time.Time{})
		switch result {
		case phaseCompleted:
			return nil
		case phaseFailed:
			return models.NewError(models.KindBackendFatal, "housekeeping.runFullFileCheck", "file check phase failed", nil)
		}
	}
}

// RunFullTick runs cache sweep, file check, and GC once each, with an
// unbounded budget, used for the HousekeepingOnStartup option.
func (h *Housekeeping) RunFullTick(ctx context.Context) {
	h.sweepCaches(ctx, time.Time{})
	if err := h.RunFullFileCheck(ctx); err != nil {
		logger.Warn("startup file check failed", logger.ErrField(err))
	}
	if err := h.RunFullGC(ctx); err != nil {
		logger.Warn("startup gc failed", logger.ErrField(err))
	}
}

func chanLabel(id models.ChannelID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// channelScanForRetirement reads every record from df's backing file and
// invokes fn for each, reusing the channel's internal scan helper
// through the public file-path/read surface so retirement logic stays
// entirely outside the channel package's single-writer goroutine.
func channelScanForRetirement(ctx context.Context, ch *channel.Channel, df *channel.DataFile, fn func(*models.Record)) error {
	return ch.ScanFile(ctx, df, func(_ int64, rec *models.Record) error {
		fn(rec)
		return nil
	})
}
