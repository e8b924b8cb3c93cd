// Package metrics publishes the engine's observable counters through
// Prometheus, grounded on the retrieved pack's pkg/metrics/prometheus
// layout: a registry built once at store open, promauto-registered
// CounterVec/GaugeVec instruments, and a nil-safe Registry so callers
// that never enabled metrics pay no overhead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every instrument the storage engine publishes. A nil
// *Registry is valid everywhere its methods are called: all methods are
// nil-receiver safe no-ops, so metricsEnabled=false costs nothing beyond
// the nil check.
type Registry struct {
	reg *prometheus.Registry

	cacheAllocations *prometheus.CounterVec
	cacheEvictions   *prometheus.CounterVec
	cacheEntryCount  *prometheus.GaugeVec
	cacheCurrentSize *prometheus.GaugeVec
	cacheSweepSecs   *prometheus.HistogramVec

	channelAppends  *prometheus.CounterVec
	channelReads    *prometheus.CounterVec
	channelQueueLen *prometheus.GaugeVec

	housekeepingPhaseRuns   *prometheus.CounterVec
	housekeepingPhaseSecs   *prometheus.HistogramVec
	housekeepingRetirements prometheus.Counter
	housekeepingGCSweeps    prometheus.Counter

	commits        prometheus.Counter
	commitRollback prometheus.Counter

	bfsOperations *prometheus.CounterVec
	bfsErrors     *prometheus.CounterVec
}

// New builds a fresh Registry backed by its own prometheus.Registry so
// multiple store instances in one process never collide on metric
// names.
func New() *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{
		reg: reg,
		cacheAllocations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nebulastore_cache_allocations_total",
			Help: "Total entity cache admissions, by channel.",
		}, []string{"channel"}),
		cacheEvictions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nebulastore_cache_evictions_total",
			Help: "Total entity cache evictions, by channel.",
		}, []string{"channel"}),
		cacheEntryCount: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "nebulastore_cache_entry_count",
			Help: "Current entity cache entry count, by channel.",
		}, []string{"channel"}),
		cacheCurrentSize: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "nebulastore_cache_current_size_bytes",
			Help: "Current entity cache byte size, by channel.",
		}, []string{"channel"}),
		cacheSweepSecs: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nebulastore_cache_sweep_duration_seconds",
			Help:    "Duration of entity cache sweep passes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		channelAppends: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nebulastore_channel_appends_total",
			Help: "Total records appended, by channel.",
		}, []string{"channel"}),
		channelReads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nebulastore_channel_reads_total",
			Help: "Total record reads, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		channelQueueLen: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "nebulastore_channel_queue_depth",
			Help: "Current channel work queue depth, by channel.",
		}, []string{"channel"}),
		housekeepingPhaseRuns: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nebulastore_housekeeping_phase_runs_total",
			Help: "Housekeeping phase completions, by phase and result.",
		}, []string{"phase", "result"}),
		housekeepingPhaseSecs: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nebulastore_housekeeping_phase_duration_seconds",
			Help:    "Duration of housekeeping phase ticks.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		housekeepingRetirements: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nebulastore_housekeeping_file_retirements_total",
			Help: "Total data files retired by consolidation.",
		}),
		housekeepingGCSweeps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nebulastore_housekeeping_gc_sweeps_total",
			Help: "Total mark-sweep GC sweep phases completed.",
		}),
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nebulastore_commits_total",
			Help: "Total successful storer commits.",
		}),
		commitRollback: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nebulastore_commit_rollbacks_total",
			Help: "Total storer commits that rolled back.",
		}),
		bfsOperations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nebulastore_bfs_operations_total",
			Help: "Total blob filesystem operations, by backend and operation.",
		}, []string{"backend", "op"}),
		bfsErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nebulastore_bfs_errors_total",
			Help: "Total blob filesystem operation failures, by backend and error kind.",
		}, []string{"backend", "kind"}),
	}
}

// Gatherer exposes the underlying prometheus.Registry for an HTTP
// /metrics handler to serve; nil if metrics were never initialized.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Registry) ObserveCacheAllocation(channel string) {
	if r == nil {
		return
	}
	r.cacheAllocations.WithLabelValues(channel).Inc()
}

func (r *Registry) ObserveCacheEviction(channel string, count int) {
	if r == nil {
		return
	}
	r.cacheEvictions.WithLabelValues(channel).Add(float64(count))
}

func (r *Registry) SetCacheGauges(channel string, entryCount int, currentSize int64) {
	if r == nil {
		return
	}
	r.cacheEntryCount.WithLabelValues(channel).Set(float64(entryCount))
	r.cacheCurrentSize.WithLabelValues(channel).Set(float64(currentSize))
}

func (r *Registry) ObserveCacheSweep(channel string, seconds float64) {
	if r == nil {
		return
	}
	r.cacheSweepSecs.WithLabelValues(channel).Observe(seconds)
}

func (r *Registry) ObserveAppend(channel string) {
	if r == nil {
		return
	}
	r.channelAppends.WithLabelValues(channel).Inc()
}

func (r *Registry) ObserveRead(channel, outcome string) {
	if r == nil {
		return
	}
	r.channelReads.WithLabelValues(channel, outcome).Inc()
}

func (r *Registry) SetQueueDepth(channel string, depth int64) {
	if r == nil {
		return
	}
	r.channelQueueLen.WithLabelValues(channel).Set(float64(depth))
}

func (r *Registry) ObserveHousekeepingPhase(phase, result string, seconds float64) {
	if r == nil {
		return
	}
	r.housekeepingPhaseRuns.WithLabelValues(phase, result).Inc()
	r.housekeepingPhaseSecs.WithLabelValues(phase).Observe(seconds)
}

func (r *Registry) ObserveFileRetirement() {
	if r == nil {
		return
	}
	r.housekeepingRetirements.Inc()
}

func (r *Registry) ObserveGCSweep() {
	if r == nil {
		return
	}
	r.housekeepingGCSweeps.Inc()
}

func (r *Registry) ObserveCommit(rolledBack bool) {
	if r == nil {
		return
	}
	if rolledBack {
		r.commitRollback.Inc()
		return
	}
	r.commits.Inc()
}

func (r *Registry) ObserveBFSOperation(backend, op string) {
	if r == nil {
		return
	}
	r.bfsOperations.WithLabelValues(backend, op).Inc()
}

func (r *Registry) ObserveBFSError(backend, kind string) {
	if r == nil {
		return
	}
	r.bfsErrors.WithLabelValues(backend, kind).Inc()
}
