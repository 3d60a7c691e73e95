// Package prometheus exports cache, retrieval and scheduler metrics through
// prometheus/client_golang. Metrics implements both progcache.Observer and
// progcache.PoolMetrics.
package prometheus

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/progcache"
)

const namespace = "progcache"

// Metrics is nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	EntriesAdded   *prometheus.CounterVec // tier
	EntriesRemoved *prometheus.CounterVec // tier
	ResidentBytes  *prometheus.GaugeVec   // tier

	Improvements *prometheus.CounterVec // quality
	Failures     *prometheus.CounterVec // permanent
	StageSeconds *prometheus.HistogramVec
	StageErrors  *prometheus.CounterVec // stage

	Queued      *prometheus.GaugeVec // class
	Executing   *prometheus.GaugeVec // class
	WaitSeconds *prometheus.HistogramVec

	mu    sync.Mutex
	sizes map[progcache.Tier]map[string]int64
}

var (
	_ progcache.Observer    = (*Metrics)(nil)
	_ progcache.PoolMetrics = (*Metrics)(nil)
)

// New creates the collectors and registers them with reg. If reg is nil the
// metrics are created but not registered (useful for testing). Collectors
// already registered by an earlier New are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries_added_total",
			Help: "Entries whose bytes were admitted to the cache.",
		}, []string{"tier"}),
		EntriesRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries_removed_total",
			Help: "Entries removed or evicted from the cache.",
		}, []string{"tier"}),
		ResidentBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "resident_bytes",
			Help: "Bytes currently charged to each cache tier.",
		}, []string{"tier"}),
		Improvements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieve", Name: "improvements_total",
			Help: "Asset quality improvements delivered, by reached quality.",
		}, []string{"quality"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieve", Name: "failures_total",
			Help: "Asset load failures reported to observers.",
		}, []string{"permanent"}),
		StageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "retrieve", Name: "stage_duration_seconds",
			Help:    "Time from the start of a retrieval until a stage completed.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
		}, []string{"stage"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieve", Name: "stage_failures_total",
			Help: "Failed nodes per stage.",
		}, []string{"stage"}),
		Queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "queued",
			Help: "Requests waiting for a slot.",
		}, []string{"class"}),
		Executing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "executing",
			Help: "Requests holding a slot.",
		}, []string{"class"}),
		WaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pool", Name: "wait_seconds",
			Help:    "Time requests spent queued.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"class"}),
		sizes: map[progcache.Tier]map[string]int64{
			progcache.TierVolatile: {},
			progcache.TierReserved: {},
		},
	}

	if reg != nil {
		m.EntriesAdded = registerOrReuse(reg, m.EntriesAdded).(*prometheus.CounterVec)
		m.EntriesRemoved = registerOrReuse(reg, m.EntriesRemoved).(*prometheus.CounterVec)
		m.ResidentBytes = registerOrReuse(reg, m.ResidentBytes).(*prometheus.GaugeVec)
		m.Improvements = registerOrReuse(reg, m.Improvements).(*prometheus.CounterVec)
		m.Failures = registerOrReuse(reg, m.Failures).(*prometheus.CounterVec)
		m.StageSeconds = registerOrReuse(reg, m.StageSeconds).(*prometheus.HistogramVec)
		m.StageErrors = registerOrReuse(reg, m.StageErrors).(*prometheus.CounterVec)
		m.Queued = registerOrReuse(reg, m.Queued).(*prometheus.GaugeVec)
		m.Executing = registerOrReuse(reg, m.Executing).(*prometheus.GaugeVec)
		m.WaitSeconds = registerOrReuse(reg, m.WaitSeconds).(*prometheus.HistogramVec)
	}
	return m
}

// registerOrReuse registers c, or returns the collector already registered
// under the same descriptor. Panics on any other registration failure.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) OnEntryAdded(t progcache.Tier, id string, n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	prev := m.sizes[t][id]
	m.sizes[t][id] = n
	m.mu.Unlock()
	m.EntriesAdded.WithLabelValues(t.String()).Inc()
	m.ResidentBytes.WithLabelValues(t.String()).Add(float64(n - prev))
}

func (m *Metrics) OnEntryRemoved(t progcache.Tier, id string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	n := m.sizes[t][id]
	delete(m.sizes[t], id)
	m.mu.Unlock()
	m.EntriesRemoved.WithLabelValues(t.String()).Inc()
	m.ResidentBytes.WithLabelValues(t.String()).Sub(float64(n))
}

func (m *Metrics) OnAssetImproved(_ string, _ progcache.Value, q progcache.Quality) {
	if m == nil {
		return
	}
	m.Improvements.WithLabelValues(q.String()).Inc()
}

func (m *Metrics) OnAssetFailed(_ string, permanent bool, _ error) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(strconv.FormatBool(permanent)).Inc()
}

func (m *Metrics) OnStageCompleted(stage string, _, failures int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
	if failures > 0 {
		m.StageErrors.WithLabelValues(stage).Add(float64(failures))
	}
}

func (m *Metrics) RecordQueue(c progcache.Class, queued, executing int) {
	if m == nil {
		return
	}
	m.Queued.WithLabelValues(c.String()).Set(float64(queued))
	m.Executing.WithLabelValues(c.String()).Set(float64(executing))
}

func (m *Metrics) ObserveWait(c progcache.Class, wait time.Duration) {
	if m == nil {
		return
	}
	m.WaitSeconds.WithLabelValues(c.String()).Observe(wait.Seconds())
}
