package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gatherOne(t *testing.T, r *Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestObserveCommitIncrementsCounter(t *testing.T) {
	r := New()
	r.ObserveCommit(false)
	r.ObserveCommit(false)
	r.ObserveCommit(true)

	commits := gatherOne(t, r, "nebulastore_commits_total")
	if got := commits.Metric[0].Counter.GetValue(); got != 2 {
		t.Fatalf("expected 2 successful commits, got %v", got)
	}
	rollbacks := gatherOne(t, r, "nebulastore_commit_rollbacks_total")
	if got := rollbacks.Metric[0].Counter.GetValue(); got != 1 {
		t.Fatalf("expected 1 rollback, got %v", got)
	}
}

func TestObserveCacheAllocationLabelsByChannel(t *testing.T) {
	r := New()
	r.ObserveCacheAllocation("0")
	r.ObserveCacheAllocation("0")
	r.ObserveCacheAllocation("1")

	family := gatherOne(t, r, "nebulastore_cache_allocations_total")
	var chan0, chan1 float64
	for _, m := range family.Metric {
		for _, l := range m.Label {
			if l.GetName() == "channel" {
				switch l.GetValue() {
				case "0":
					chan0 = m.Counter.GetValue()
				case "1":
					chan1 = m.Counter.GetValue()
				}
			}
		}
	}
	if chan0 != 2 || chan1 != 1 {
		t.Fatalf("expected channel 0 = 2 and channel 1 = 1, got %v and %v", chan0, chan1)
	}
}

func TestNilRegistryMethodsAreNoOps(t *testing.T) {
	var r *Registry
	// None of these should panic: a disabled metrics registry must cost
	// nothing beyond the nil check.
	r.ObserveCommit(false)
	r.ObserveCacheAllocation("0")
	r.ObserveCacheEviction("0", 3)
	r.SetCacheGauges("0", 1, 2)
	r.ObserveCacheSweep("0", 0.1)
	r.ObserveAppend("0")
	r.ObserveRead("0", "hit")
	r.SetQueueDepth("0", 5)
	r.ObserveHousekeepingPhase("gc", "Completed", 0.2)
	r.ObserveFileRetirement()
	r.ObserveGCSweep()
	r.ObserveBFSOperation("localfs", "write")
	r.ObserveBFSError("localfs", "Transient")
	if r.Gatherer() != nil {
		t.Fatalf("expected a nil Registry's Gatherer to be nil")
	}
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	r1 := New()
	r2 := New()
	r1.ObserveCommit(false)
	r2.ObserveCommit(false)
	r2.ObserveCommit(false)

	c1 := gatherOne(t, r1, "nebulastore_commits_total")
	c2 := gatherOne(t, r2, "nebulastore_commits_total")
	if c1.Metric[0].Counter.GetValue() != 1 {
		t.Fatalf("expected registry 1 to have 1 commit, got %v", c1.Metric[0].Counter.GetValue())
	}
	if c2.Metric[0].Counter.GetValue() != 2 {
		t.Fatalf("expected registry 2 to have 2 commits, got %v", c2.Metric[0].Counter.GetValue())
	}
}
