// Package metrics aggregates per-call execution metrics and exposes them as
// Prometheus exposition text from a private registry.
package metrics

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/pulseboard/backend/internal/sandbox/types"
)

// PoolStatsFunc supplies live pool gauges at scrape time.
type PoolStatsFunc func() (active, available, suspended int, totalMemory uint64)

// CacheStatsFunc supplies the compiler cache's lookup counters. The
// collector derives the hit rate from these rather than double-booking
// per-step CacheHit flags, which would count every resume step as a hit.
type CacheStatsFunc func() (hits, misses uint64)

// Snapshot is the aggregate view served by the stats API.
type Snapshot struct {
	TotalExecutions   uint64                    `json:"total_executions"`
	Successes         uint64                    `json:"successes"`
	Failures          uint64                    `json:"failures"`
	Suspensions       uint64                    `json:"suspensions"`
	AvgDurationUS     uint64                    `json:"avg_duration_us"`
	CacheHitRate      float64                   `json:"cache_hit_rate"`
	PeakMemoryBytes   uint64                    `json:"peak_memory_bytes"`
	ErrorsByCode      map[types.ErrorCode]uint64 `json:"errors_by_code"`
}

// Collector accumulates execution outcomes. All counters are atomics; the
// per-code error map takes a short lock.
type Collector struct {
	total       atomic.Uint64
	steps       atomic.Uint64
	successes   atomic.Uint64
	failures    atomic.Uint64
	suspensions atomic.Uint64

	durationUS atomic.Uint64
	peakMemory atomic.Uint64

	cacheStats CacheStatsFunc

	errMu  sync.Mutex
	errors map[types.ErrorCode]uint64

	registry      *prometheus.Registry
	executions    *prometheus.CounterVec
	duration      prometheus.Histogram
	errorsVec     *prometheus.CounterVec
	suspensionCtr prometheus.Counter
}

// New builds a collector with its own registry. poolStats and cacheStats
// may be nil; the corresponding gauges then read zero.
func New(poolStats PoolStatsFunc, cacheStats CacheStatsFunc) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		errors:     make(map[types.ErrorCode]uint64),
		registry:   registry,
		cacheStats: cacheStats,
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseboard_handler_executions_total",
			Help: "Handler executions by terminal status",
		}, []string{"status"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulseboard_handler_duration_seconds",
			Help:    "Handler execution duration",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		errorsVec: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseboard_handler_errors_total",
			Help: "Handler errors by code",
		}, []string{"code"}),
		suspensionCtr: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulseboard_handler_suspensions_total",
			Help: "Executions paused for extension I/O",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pulseboard_cache_hit_rate",
		Help: "Compiler cache hit rate",
	}, c.cacheHitRate)

	if poolStats != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pulseboard_pool_active_instances",
			Help: "Instances executing handlers",
		}, func() float64 { a, _, _, _ := poolStats(); return float64(a) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pulseboard_pool_available_instances",
			Help: "Idle instances ready for reuse",
		}, func() float64 { _, a, _, _ := poolStats(); return float64(a) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pulseboard_pool_suspended_instances",
			Help: "Instances pinned awaiting extension results",
		}, func() float64 { _, _, s, _ := poolStats(); return float64(s) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pulseboard_pool_memory_bytes",
			Help: "Estimated memory held by pooled instances",
		}, func() float64 { _, _, _, m := poolStats(); return float64(m) })
	}

	return c
}

// Record folds one terminal or suspended result into the aggregates.
func (c *Collector) Record(r *types.Result) {
	m := r.Metrics

	c.steps.Add(1)
	c.durationUS.Add(m.DurationUS)
	c.duration.Observe(float64(m.DurationUS) / 1e6)

	for {
		peak := c.peakMemory.Load()
		if m.MemoryPeakBytes <= peak || c.peakMemory.CompareAndSwap(peak, m.MemoryPeakBytes) {
			break
		}
	}

	switch r.Status {
	case types.StatusSuspended:
		c.suspensions.Add(1)
		c.suspensionCtr.Inc()
		c.executions.WithLabelValues("suspended").Inc()
		return
	case types.StatusSuccess:
		c.successes.Add(1)
		c.executions.WithLabelValues("success").Inc()
	case types.StatusError:
		c.failures.Add(1)
		c.executions.WithLabelValues("error").Inc()
		if r.Error != nil {
			c.errMu.Lock()
			c.errors[r.Error.Code]++
			c.errMu.Unlock()
			c.errorsVec.WithLabelValues(string(r.Error.Code)).Inc()
		}
	}
	c.total.Add(1)
}

func (c *Collector) cacheHitRate() float64 {
	if c.cacheStats == nil {
		return 0
	}
	hits, misses := c.cacheStats()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Snapshot returns the aggregate view. The duration average is per step:
// suspended steps spend real wall-clock time, so they count in the
// denominator alongside terminal ones.
func (c *Collector) Snapshot() Snapshot {
	var avg uint64
	if steps := c.steps.Load(); steps > 0 {
		avg = c.durationUS.Load() / steps
	}

	c.errMu.Lock()
	errs := make(map[types.ErrorCode]uint64, len(c.errors))
	for k, v := range c.errors {
		errs[k] = v
	}
	c.errMu.Unlock()

	return Snapshot{
		TotalExecutions: c.total.Load(),
		Successes:       c.successes.Load(),
		Failures:        c.failures.Load(),
		Suspensions:     c.suspensions.Load(),
		AvgDurationUS:   avg,
		CacheHitRate:    c.cacheHitRate(),
		PeakMemoryBytes: c.peakMemory.Load(),
		ErrorsByCode:    errs,
	}
}

// PrometheusText renders the registry as standard exposition text.
func (c *Collector) PrometheusText() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, f := range families {
		if err := enc.Encode(f); err != nil {
			return "", fmt.Errorf("encode metric family %q: %w", f.GetName(), err)
		}
	}
	return buf.String(), nil
}
