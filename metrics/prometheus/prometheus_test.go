package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/unkn0wn-root/progcache"
)

func TestCacheMetricsTrackResidentBytes(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OnEntryAdded(progcache.TierVolatile, "a", 100)
	m.OnEntryAdded(progcache.TierVolatile, "b", 50)
	m.OnEntryAdded(progcache.TierReserved, "v", 1000)
	m.OnEntryRemoved(progcache.TierVolatile, "a")

	if got := testutil.ToFloat64(m.ResidentBytes.WithLabelValues("volatile")); got != 50 {
		t.Fatalf("volatile bytes=%v want=50", got)
	}
	if got := testutil.ToFloat64(m.ResidentBytes.WithLabelValues("reserved")); got != 1000 {
		t.Fatalf("reserved bytes=%v want=1000", got)
	}
	if got := testutil.ToFloat64(m.EntriesRemoved.WithLabelValues("volatile")); got != 1 {
		t.Fatalf("removed=%v want=1", got)
	}
}

func TestRetrievalAndPoolMetrics(t *testing.T) {
	m := New(nil)
	m.OnAssetImproved("a", progcache.Value{}, progcache.QualityLossy)
	m.OnAssetImproved("a", progcache.Value{}, progcache.QualityFull)
	m.OnAssetFailed("b", true, errors.New("gone"))
	m.OnStageCompleted("final", 2, 1, 30*time.Millisecond)
	m.RecordQueue(progcache.ClassPrefetch, 3, 1)
	m.ObserveWait(progcache.ClassPrefetch, time.Millisecond)

	if got := testutil.ToFloat64(m.Improvements.WithLabelValues("full")); got != 1 {
		t.Fatalf("full improvements=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.Failures.WithLabelValues("true")); got != 1 {
		t.Fatalf("permanent failures=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.StageErrors.WithLabelValues("final")); got != 1 {
		t.Fatalf("stage failures=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.Queued.WithLabelValues("prefetch")); got != 3 {
		t.Fatalf("queued=%v want=3", got)
	}
	if got := testutil.CollectAndCount(m.WaitSeconds); got != 1 {
		t.Fatalf("wait series=%d want=1", got)
	}
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)
	second.OnAssetImproved("a", progcache.Value{}, progcache.QualityFull)
	if got := testutil.ToFloat64(first.Improvements.WithLabelValues("full")); got != 1 {
		t.Fatalf("second New should share collectors, got=%v", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.OnEntryAdded(progcache.TierVolatile, "a", 1)
	m.RecordQueue(progcache.ClassCompute, 1, 1)
}
