package store

import (
	"context"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/channel"
)

// pendingObject is one object discovered by a Storer, awaiting commit.
type pendingObject struct {
	oid    models.OID
	tid    models.TID
	obj    interface{}
	isNew  bool
	handle models.TypeHandler
}

// Storer represents a pending batch of writes atomic to a single
// commit (spec.md §4.6). store(obj) discovers obj's reference graph
// depth-first and assigns a fresh oid to every object it discovers;
// an object already persisted by an earlier Storer is not recognized
// and is stored again under a new oid. commit() serializes and dispatches
// every pending object to its channel in one shot per channel.
type Storer struct {
	store    *Store
	identity map[interface{}]*pendingObject
	order    []*pendingObject
}

func newStorer(s *Store) *Storer {
	return &Storer{store: s, identity: make(map[interface{}]*pendingObject)}
}

// identityKey returns the discovery-map key for obj: the object's own
// pointer identity via reflection for a non-nil pointer, otherwise obj
// itself. models.IdentityFunc is not consulted.
func identityKey(obj interface{}) interface{} {
	v := reflect.ValueOf(obj)
	if v.Kind() == reflect.Ptr && !v.IsNil() {
		return v.Pointer()
	}
	return obj
}

// Store discovers obj and everything reachable from it, returning obj's
// oid. Already-seen objects (by identity) return their existing
// provisional oid without re-walking references.
func (s *Storer) Store(obj interface{}) (models.OID, error) {
	if obj == nil {
		return models.NilOID, nil
	}
	key := identityKey(obj)
	if p, ok := s.identity[key]; ok {
		return p.oid, nil
	}

	handler, ok := s.store.handlers.HandlerForObject(obj)
	if !ok {
		return models.NilOID, models.NewError(models.KindConfig, "storer.store", "no type handler registered for object", nil)
	}

	oid := s.store.allocateOID()
	p := &pendingObject{oid: oid, tid: handler.TID(), obj: obj, isNew: true, handle: handler}
	s.identity[key] = p
	s.order = append(s.order, p)

	refs, err := handler.EnumerateReferences(obj)
	if err != nil {
		return models.NilOID, err
	}
	for _, ref := range refs {
		if _, err := s.Store(ref); err != nil {
			return models.NilOID, err
		}
	}
	return oid, nil
}

// StoreAll discovers each of objs in turn, returning their oids in
// the same order.
func (s *Storer) StoreAll(objs ...interface{}) ([]models.OID, error) {
	oids := make([]models.OID, len(objs))
	for i, obj := range objs {
		oid, err := s.Store(obj)
		if err != nil {
			return nil, err
		}
		oids[i] = oid
	}
	return oids, nil
}

// dispatchPlan groups pending records by their destination channel and
// remembers each channel's pre-commit file length, so a failed commit
// can truncate exactly the bytes this commit appended. prior is filled
// in as each channel's AppendBatch succeeds, holding the IndexEntry
// each of that channel's records displaced.
type dispatchPlan struct {
	byChannel map[*channel.Channel][]*models.Record
	preSizes  map[*channel.Channel]int64
	preFiles  map[*channel.Channel]uint32
	prior     map[*channel.Channel][]*channel.IndexEntry
}

// buildPlan serializes every pending object to its record form, stamped
// with ts, and returns the records grouped per destination channel.
func (s *Storer) buildPlan(ts int64) (*dispatchPlan, error) {
	plan := &dispatchPlan{
		byChannel: make(map[*channel.Channel][]*models.Record),
		preSizes:  make(map[*channel.Channel]int64),
		preFiles:  make(map[*channel.Channel]uint32),
		prior:     make(map[*channel.Channel][]*channel.IndexEntry),
	}
	for _, p := range s.order {
		body, err := p.handle.WriteBody(p.obj)
		if err != nil {
			return nil, models.NewError(models.KindConfig, "storer.commit", "WriteBody failed", err)
		}
		rec := &models.Record{OID: p.oid, TID: p.tid, Timestamp: ts, Body: body}
		ch := s.store.channelFor(p.oid)
		plan.byChannel[ch] = append(plan.byChannel[ch], rec)
		if _, ok := plan.preSizes[ch]; !ok {
			plan.preSizes[ch] = ch.CurrentFileSize()
			plan.preFiles[ch] = ch.CurrentFile()
		}
	}
	return plan, nil
}

// Commit serializes every pending object, dispatches records to their
// target channels by hash(oid) mod channelCount, and appends each
// channel's batch in one write. Channels are independent single-writer
// queues, so every touched channel's AppendBatch is dispatched
// concurrently via errgroup rather than one at a time; ordering within
// a channel is still whatever that channel's own worker enforces.
// commitTimestamp advances once, before dispatch, and that value is
// stamped into every record; a rolled-back commit still consumes it.
// On any channel failure the whole commit rolls back every channel
// that already succeeded, restoring each displaced index entry
// bit-identically and truncating back to the pre-commit file length,
// so no index or cache entry from this commit is left visible.
func (s *Storer) Commit(ctx context.Context) (int, error) {
	if len(s.order) == 0 {
		return 0, nil
	}
	ts := s.store.commitTS.Add(1)

	plan, err := s.buildPlan(ts)
	if err != nil {
		return 0, err
	}

	channels := make([]*channel.Channel, 0, len(plan.byChannel))
	for ch := range plan.byChannel {
		channels = append(channels, ch)
	}

	// Each channel's append is dispatched on ctx itself, not a context
	// errgroup derives and cancels on a sibling's first error: that
	// derived cancellation races with a channel worker that has already
	// applied the batch, so submit's ctx.Done() case can fire and report
	// failure for an append that in fact succeeded and published. Every
	// channel must run its own append to completion and report truthfully
	// regardless of what its siblings do; only the already-published
	// results get rolled back afterward.
	var g errgroup.Group
	succeeded := make([]*channel.Channel, len(channels))
	priorByIndex := make([][]*channel.IndexEntry, len(channels))
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			_, prior, err := ch.AppendBatch(ctx, plan.byChannel[ch])
			if err != nil {
				return err
			}
			priorByIndex[i] = prior
			succeeded[i] = ch
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		touched := make([]*channel.Channel, 0, len(succeeded))
		for i, ch := range succeeded {
			if ch != nil {
				plan.prior[ch] = priorByIndex[i]
				touched = append(touched, ch)
			}
		}
		s.rollback(ctx, touched, plan)
		if s.store.metrics != nil {
			s.store.metrics.ObserveCommit(true)
		}
		return 0, models.NewError(models.KindBackendFatal, "storer.commit", "channel append failed, commit rolled back", err)
	}

	if s.store.metrics != nil {
		s.store.metrics.ObserveCommit(false)
	}
	return len(s.order), nil
}

// rollback undoes every channel that already appended successfully:
// each displaced IndexEntry is restored (or deleted if the oid was
// new), affected oids are evicted from the cache, and the channel's
// current file is truncated back to its pre-commit length. Per
// spec.md §4.6: "no index entry is updated, no cache entry is
// published" on failure.
func (s *Storer) rollback(ctx context.Context, touched []*channel.Channel, plan *dispatchPlan) {
	for _, ch := range touched {
		records := plan.byChannel[ch]
		prior := plan.prior[ch]
		preSize := plan.preSizes[ch]
		preFile := plan.preFiles[ch]
		if err := ch.UndoBatch(ctx, records, prior, preSize, preFile); err != nil {
			// best-effort: a failed rollback truncate leaves orphaned
			// bytes past the logical file length, which the next
			// housekeeping file-check pass will detect and trim.
			_ = err
		}
	}
}
