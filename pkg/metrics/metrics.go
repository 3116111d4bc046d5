// Package metrics exports Prometheus metrics for the ledger.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parkaudit"

var (
	enabled         bool
	enabledMutex    sync.RWMutex
	defaultRegistry *Registry
)

// Init enables metrics and creates the default registry.
func Init() {
	enabledMutex.Lock()
	defer enabledMutex.Unlock()
	enabled = true
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
}

// Enabled returns true if metrics are enabled.
func Enabled() bool {
	enabledMutex.RLock()
	defer enabledMutex.RUnlock()
	return enabled
}

// Default returns the default metrics registry.
func Default() *Registry {
	enabledMutex.RLock()
	r := defaultRegistry
	enabledMutex.RUnlock()
	if r == nil {
		Init()
		return Default()
	}
	return r
}

// Registry holds all ledger metrics on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	appends        *prometheus.CounterVec
	appendDuration prometheus.Histogram
	conflicts      prometheus.Counter
	violations     prometheus.Counter
	enrichments    prometheus.Counter

	verifications      *prometheus.CounterVec
	verifyDuration     prometheus.Histogram
	anomalies          *prometheus.CounterVec
	gaps               prometheus.Counter
	lastVerifyUnixTime prometheus.Gauge
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Ledger append attempts by action and outcome.",
		}, []string{"action", "result"}),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "append_duration_seconds",
			Help:      "Time to record one entry, lock wait included.",
			Buckets:   prometheus.DefBuckets,
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "chain_conflicts_total",
			Help:      "Conditional appends rejected because the tail moved.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "capacity_violations_total",
			Help:      "Entries recorded above lot capacity.",
		}),
		enrichments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "enrichments_total",
			Help:      "Exit entries enriched with fee and duration.",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "lots_total",
			Help:      "Lot verifications by result (valid, tampered, error).",
		}, []string{"result"}),
		verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "duration_seconds",
			Help:      "Time to verify one lot chain.",
			Buckets:   prometheus.DefBuckets,
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "anomalies_total",
			Help:      "Timestamp anomalies found by type.",
		}, []string{"type"}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "gaps_total",
			Help:      "Broken previous-hash links found.",
		}),
		lastVerifyUnixTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed verification.",
		}),
	}

	r.reg.MustRegister(
		r.appends, r.appendDuration, r.conflicts, r.violations, r.enrichments,
		r.verifications, r.verifyDuration, r.anomalies, r.gaps, r.lastVerifyUnixTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordAppend records one Record call.
func (r *Registry) RecordAppend(action string, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.appends.WithLabelValues(action, result).Inc()
	r.appendDuration.Observe(duration.Seconds())
}

// RecordConflict counts a compare-and-append rejection.
func (r *Registry) RecordConflict() {
	r.conflicts.Inc()
}

// RecordViolation counts an over-capacity entry.
func (r *Registry) RecordViolation() {
	r.violations.Inc()
}

// RecordEnrichment counts an enrichment.
func (r *Registry) RecordEnrichment() {
	r.enrichments.Inc()
}

// RecordVerification records the outcome of verifying one lot. result is
// "valid", "tampered" or "error".
func (r *Registry) RecordVerification(result string, duration time.Duration, gaps int, anomalies map[string]int) {
	r.verifications.WithLabelValues(result).Inc()
	r.verifyDuration.Observe(duration.Seconds())
	r.gaps.Add(float64(gaps))
	for typ, n := range anomalies {
		r.anomalies.WithLabelValues(typ).Add(float64(n))
	}
	r.lastVerifyUnixTime.SetToCurrentTime()
}
