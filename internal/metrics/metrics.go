// Package metrics provides Prometheus metrics for a dtnbundle node.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

// Metrics holds every collector of one node. Each node owns its own
// registry so several nodes can live in one test binary. All methods
// are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Bundle flow
	BundlesCreated  prometheus.Counter
	BundlesAccepted prometheus.Counter
	BundlesRejected *prometheus.CounterVec
	BundlesExpired  prometheus.Counter
	BundlesEvicted  *prometheus.CounterVec
	BundlesPulled   prometheus.Counter

	// Store state
	QueueBundles *prometheus.GaugeVec
	StoreBytes   prometheus.Gauge
	BudgetBytes  prometheus.Gauge

	// Background work
	SweepDuration *prometheus.HistogramVec
	SyncSessions  *prometheus.CounterVec

	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates metrics registered on a fresh registry
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BundlesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_created_total",
			Help:      "Bundles authored by this node",
		}),
		BundlesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_accepted_total",
			Help:      "Pushed bundles admitted into the store",
		}),
		BundlesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_rejected_total",
			Help:      "Pushed bundles refused, by reason",
		}, []string{"reason"}),
		BundlesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_expired_total",
			Help:      "Bundles moved to the expired queue by the TTL sweep",
		}),
		BundlesEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_evicted_total",
			Help:      "Bundles evicted to stay within the storage budget, by tier",
		}, []string{"tier"}),
		BundlesPulled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_pulled_total",
			Help:      "Bundles served to peers through pull",
		}),

		QueueBundles: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_bundles",
			Help:      "Bundles currently held, by queue",
		}, []string{"queue"}),
		StoreBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_bytes",
			Help:      "Bytes accounted to stored bundles",
		}),
		BudgetBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_bytes",
			Help:      "Configured storage budget",
		}),

		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of background sweeps",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"service"}),
		SyncSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_sessions_total",
			Help:      "Peer sync sessions, by outcome",
		}, []string{"outcome"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class",
		}, []string{"route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the node's registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCreated() {
	if m == nil {
		return
	}
	m.BundlesCreated.Inc()
}

func (m *Metrics) RecordAccepted() {
	if m == nil {
		return
	}
	m.BundlesAccepted.Inc()
}

func (m *Metrics) RecordRejected(reason dtn.RejectReason) {
	if m == nil {
		return
	}
	m.BundlesRejected.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BundlesExpired.Add(float64(n))
}

func (m *Metrics) RecordEvicted(tier string) {
	if m == nil {
		return
	}
	m.BundlesEvicted.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordPulled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BundlesPulled.Add(float64(n))
}

// RecordSweep observes one background sweep
func (m *Metrics) RecordSweep(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (m *Metrics) RecordSync(outcome string) {
	if m == nil {
		return
	}
	m.SyncSessions.WithLabelValues(outcome).Inc()
}

// RecordHTTP observes one HTTP request
func (m *Metrics) RecordHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SetStoreState updates the store gauges from a snapshot
func (m *Metrics) SetStoreState(counts map[dtn.Queue]int, totalBytes, budgetBytes int64) {
	if m == nil {
		return
	}
	for q, n := range counts {
		m.QueueBundles.WithLabelValues(q.String()).Set(float64(n))
	}
	m.StoreBytes.Set(float64(totalBytes))
	m.BudgetBytes.Set(float64(budgetBytes))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
