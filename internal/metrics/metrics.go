// Package metrics provides Prometheus metrics for monitoring trafficwarden.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DecisionsTotal counts intercept decisions by kind, reason and category.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficwarden_decisions_total",
			Help: "Total number of intercept decisions applied",
		},
		[]string{"kind", "reason", "category"},
	)

	// BytesTotal counts bytes by ledger counter (allowed, blocked_estimate, substituted).
	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficwarden_bytes_total",
			Help: "Total bytes recorded by ledger counter",
		},
		[]string{"counter"},
	)

	// SessionsTotal counts finished sessions by result.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficwarden_sessions_total",
			Help: "Total number of sessions by result",
		},
		[]string{"result"},
	)

	// SessionDuration tracks session duration.
	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trafficwarden_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
	)

	// ProtocolViolations counts driver contract violations.
	ProtocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficwarden_protocol_violations_total",
			Help: "Total driver protocol violations detected",
		},
	)

	// RuleReloads counts rule file reloads.
	RuleReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficwarden_rule_reloads_total",
			Help: "Total successful rule file reloads",
		},
	)

	// RuleEntries shows the number of entries in the active rule set.
	RuleEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficwarden_rule_entries",
			Help: "Entries in the active rule set",
		},
	)

	// BrowserPoolSize shows the configured pool size.
	BrowserPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficwarden_browser_pool_size",
			Help: "Configured browser pool size",
		},
	)

	// BrowserPoolAvailable shows available browsers in the pool.
	BrowserPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficwarden_browser_pool_available",
			Help: "Available browsers in pool",
		},
	)

	// BrowserPoolAcquired counts total browser acquisitions.
	BrowserPoolAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficwarden_browser_pool_acquired_total",
			Help: "Total browser acquisitions from pool",
		},
	)

	// ActiveSessions shows current active sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficwarden_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficwarden_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficwarden_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafficwarden_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal,
		BytesTotal,
		SessionsTotal,
		SessionDuration,
		ProtocolViolations,
		RuleReloads,
		RuleEntries,
		BrowserPoolSize,
		BrowserPoolAvailable,
		BrowserPoolAcquired,
		ActiveSessions,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector periodically updates memory metrics until stopCh closes.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordDecision records one applied decision.
func RecordDecision(kind, reason, category string) {
	DecisionsTotal.WithLabelValues(kind, reason, category).Inc()
}

// RecordBytes adds n bytes to a ledger counter. Non-positive values are ignored.
func RecordBytes(counter string, n int64) {
	if n <= 0 {
		return
	}
	BytesTotal.WithLabelValues(counter).Add(float64(n))
}

// RecordSession records a finished session.
func RecordSession(result string, duration time.Duration) {
	SessionsTotal.WithLabelValues(result).Inc()
	SessionDuration.Observe(duration.Seconds())
}

// RecordProtocolViolation records a driver contract violation.
func RecordProtocolViolation() {
	ProtocolViolations.Inc()
}

// RecordRuleReload records a successful rule reload and the new rule count.
func RecordRuleReload(entries int) {
	RuleReloads.Inc()
	RuleEntries.Set(float64(entries))
}

// UpdatePoolMetrics updates browser pool gauges.
func UpdatePoolMetrics(size, available int) {
	BrowserPoolSize.Set(float64(size))
	BrowserPoolAvailable.Set(float64(available))
}

// UpdateSessionMetrics updates session count metric.
func UpdateSessionMetrics(count int) {
	ActiveSessions.Set(float64(count))
}
