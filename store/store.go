// Package store assembles the channel shards, type dictionary, root
// manager, and housekeeping engine behind the public Store handle:
// spec.md §2's "public session accepts store(root)/query<T>()".
package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hadv/NebulaStore-sub007/config"
	"github.com/hadv/NebulaStore-sub007/logger"
	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/blobfs"
	"github.com/hadv/NebulaStore-sub007/storage/channel"
	"github.com/hadv/NebulaStore-sub007/storage/metrics"
	"github.com/hadv/NebulaStore-sub007/storage/typedict"
)

// Store is the engine's public handle: one per open storage directory,
// owning every channel, the type dictionary, the root pointer, and the
// housekeeping loop.
type Store struct {
	cfg     *config.Config
	fs      blobfs.BlobFileSystem
	state   stateHolder
	metrics *metrics.Registry

	channels []*channel.Channel
	dict     *typedict.Dictionary
	handlers models.TypeHandlerRegistry

	rootOID  atomic.Uint64
	nextOID  atomic.Uint64
	commitTS atomic.Int64

	housekeeping *Housekeeping

	closeOnce sync.Once
}

// Open builds a BFS backend from cfg, loads or creates the on-disk
// layout, recovers every channel's index, and transitions the handle
// from Created through Starting to Running. handlers resolves tids to
// TypeHandlers for the storer/query path; it may be nil if the caller
// only needs raw byte access.
func Open(ctx context.Context, cfg *config.Config, handlers models.TypeHandlerRegistry) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, models.NewError(models.KindConfig, "store.open", "invalid configuration", err)
	}
	fs, err := buildBFS(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, fs: fs, handlers: handlers}
	s.state.set(StateCreated)
	if !s.state.transition(StateStarting) {
		return nil, models.NewError(models.KindState, "store.open", "unexpected initial state", nil)
	}

	if cfg.MetricsEnabled {
		s.metrics = metrics.New()
	}

	if err := s.start(ctx); err != nil {
		s.state.transition(StateFailed)
		return nil, err
	}

	if !s.state.transition(StateRunning) {
		s.state.transition(StateFailed)
		return nil, models.NewError(models.KindState, "store.open", "failed to reach Running", nil)
	}
	logger.Info("store opened", logger.Str("dir", cfg.StorageDirectory), logger.Int64("channels", int64(cfg.ChannelCount)))
	return s, nil
}

func buildBFS(ctx context.Context, cfg *config.Config) (blobfs.BlobFileSystem, error) {
	backendType := "localfs"
	connection := cfg.StorageDirectory
	if cfg.UseBlobFS {
		backendType = cfg.BlobFSType
		connection = cfg.BlobFSConnection
	}
	switch backendType {
	case "localfs":
		return blobfs.NewLocalFS(connection)
	case "kvblob":
		return blobfs.NewKVFS(connection)
	case "logblob":
		return blobfs.NewLogFS(connection)
	case "s3blob":
		bucket, region := splitS3Connection(connection)
		return blobfs.NewS3FS(ctx, bucket, "", region)
	default:
		return nil, models.NewError(models.KindConfig, "store.open", fmt.Sprintf("unknown blobFsType %q", backendType), nil)
	}
}

// splitS3Connection parses a "bucket@region" connection string; a bare
// bucket name defaults to us-east-1.
func splitS3Connection(conn string) (bucket, region string) {
	for i := 0; i < len(conn); i++ {
		if conn[i] == '@' {
			return conn[:i], conn[i+1:]
		}
	}
	return conn, "us-east-1"
}

func (s *Store) start(ctx context.Context) error {
	s.channels = make([]*channel.Channel, s.cfg.ChannelCount)
	for i := 0; i < s.cfg.ChannelCount; i++ {
		ch := channel.New(models.ChannelID(i), s.fs, channel.Config{
			MaxFileSize:    s.cfg.DataFileMaximumSize,
			CacheThreshold: s.cfg.EntityCacheThreshold,
			CacheTimeout:   time.Duration(s.cfg.EntityCacheTimeoutMs) * time.Millisecond,
			QueueSize:      1000,
		})
		s.channels[i] = ch
	}

	dict, err := typedict.Open(ctx, s.fs)
	if err != nil {
		return err
	}
	s.dict = dict

	rootOID, found, err := readRoot(ctx, s.fs)
	if err != nil {
		return err
	}
	if found {
		s.rootOID.Store(uint64(rootOID))
	}

	var maxSeen models.OID
	for _, ch := range s.channels {
		if s.cfg.ValidateOnStartup {
			if err := ch.RebuildIndex(ctx); err != nil {
				return err
			}
		} else {
			if err := ch.Discover(ctx); err != nil {
				return err
			}
			found, err := ch.LoadSnapshot(ctx)
			if err != nil {
				return err
			}
			if !found {
				// No snapshot yet (first open of a fresh store, or one
				// that was never cleanly closed): fall back to a full
				// rescan rather than starting with an empty index.
				if err := ch.RebuildIndex(ctx); err != nil {
					return err
				}
			}
		}
		ch.Index.Range(func(e channel.IndexEntry) bool {
			if e.OID > maxSeen {
				maxSeen = e.OID
			}
			return true
		})
		if err := ch.Start(); err != nil {
			return err
		}
	}
	s.nextOID.Store(uint64(maxSeen) + 1)

	s.housekeeping = NewHousekeeping(s)
	if s.cfg.HousekeepingOnStartup {
		s.housekeeping.RunFullTick(ctx)
	}
	s.housekeeping.Start()
	return nil
}

// Close transitions the store through Stopping to Stopped: new storers
// are rejected, in-flight commits are allowed to finish, the
// housekeeping loop is halted, every channel worker drains its queue,
// and the root is rewritten if it changed.
func (s *Store) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		if !s.state.transition(StateStopping) {
			closeErr = models.NewError(models.KindState, "store.close", "cannot stop from "+s.state.get().String(), nil)
			return
		}
		s.housekeeping.Stop()
		for _, ch := range s.channels {
			ch.Stop()
			if err := ch.SaveSnapshot(ctx); err != nil {
				closeErr = err
				s.state.transition(StateFailed)
				return
			}
		}
		if err := writeRoot(ctx, s.fs, models.OID(s.rootOID.Load())); err != nil {
			closeErr = err
			s.state.transition(StateFailed)
			return
		}
		s.state.transition(StateStopped)
	})
	return closeErr
}

// State reports the handle's current lifecycle state.
func (s *Store) State() State { return s.state.get() }

// Root returns the current root oid, or models.NilOID for a fresh store.
func (s *Store) Root() models.OID { return models.OID(s.rootOID.Load()) }

// SetRoot updates the in-memory root pointer; it is durably written on
// the next Close (housekeeping does not write the root).
func (s *Store) SetRoot(oid models.OID) { s.rootOID.Store(uint64(oid)) }

// channelFor selects the owning channel for oid (spec.md §3 invariant
// A): channel = hash(oid) mod channelCount.
func (s *Store) channelFor(oid models.OID) *channel.Channel {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(oid >> (8 * i))
	}
	h.Write(buf[:])
	return s.channels[h.Sum64()%uint64(len(s.channels))]
}

// allocateOID assigns the next fresh, never-reused oid.
func (s *Store) allocateOID() models.OID {
	return models.OID(s.nextOID.Add(1) - 1)
}

// NewStorer begins a new commit batch. Rejected once the store has left
// Running.
func (s *Store) NewStorer() (*Storer, error) {
	if s.State() != StateRunning {
		return nil, models.NewError(models.KindState, "store.newStorer", "store is not Running", models.ErrStoreStopped)
	}
	return newStorer(s), nil
}

// Read returns the raw record body for oid, going through the owning
// channel's cache/data-file path.
func (s *Store) Read(ctx context.Context, oid models.OID) ([]byte, error) {
	if !oid.Valid() {
		return nil, models.NewError(models.KindNotFound, "store.read", "nil oid", models.ErrNotFound)
	}
	ch := s.channelFor(oid)
	bytes, err := ch.Read(ctx, oid)
	if err == nil && s.metrics != nil {
		s.metrics.ObserveRead(fmt.Sprint(ch.ID), "hit")
	} else if s.metrics != nil {
		s.metrics.ObserveRead(fmt.Sprint(ch.ID), "miss")
	}
	return bytes, err
}

// Handlers exposes the registry used to serialize/deserialize bodies.
func (s *Store) Handlers() models.TypeHandlerRegistry { return s.handlers }

// IssueFullGarbageCollection runs the GC phase to completion with an
// unbounded budget, per spec.md §4.8's public API surface.
func (s *Store) IssueFullGarbageCollection(ctx context.Context) error {
	return s.housekeeping.RunFullGC(ctx)
}

// IssueFullFileCheck runs the file-consolidation phase to completion
// with an unbounded budget.
func (s *Store) IssueFullFileCheck(ctx context.Context) error {
	return s.housekeeping.RunFullFileCheck(ctx)
}

// Metrics exposes the store's metrics registry (nil if disabled).
func (s *Store) Metrics() *metrics.Registry { return s.metrics }

// Channels exposes the channel shards for diagnostics and tests.
func (s *Store) Channels() []*channel.Channel { return s.channels }

// Config returns the configuration this store was opened with.
func (s *Store) Config() *config.Config { return s.cfg }
