// Package metrics provides Prometheus metrics for the dispatch engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "harbormail_dispatch"
)

// Metrics contains all Prometheus metrics for the engine.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	FaultsTotal     *prometheus.CounterVec
	BatchSubTotal   prometheus.Counter
	BatchSizes      prometheus.Histogram
	AuthFailures    prometheus.Counter

	// Proxy metrics
	ProxiedTotal   *prometheus.CounterVec
	ProxyLatency   prometheus.Histogram
	ProxyHopCounts prometheus.Histogram

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsExpired    prometheus.Counter
	NotificationsQueued prometheus.Counter
	QueueOverflows     prometheus.Counter

	// Blocking wait metrics
	WaitsActive  prometheus.Gauge
	WaitOutcomes *prometheus.CounterVec
	WaitLatency  prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered on the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with all metrics
// registered on the given registerer.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests dispatched, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Handler execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		FaultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Faults returned, by fault code.",
		}, []string{"code"}),
		BatchSubTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_subrequests_total",
			Help:      "Sub-requests executed inside batch envelopes.",
		}),
		BatchSizes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Sub-request count per batch envelope.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Credentials that failed verification; feeds rate-limiting of repeat offenders.",
		}),

		ProxiedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxied_total",
			Help:      "Requests forwarded to another node, by target node and outcome.",
		}, []string{"node", "outcome"}),
		ProxyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_duration_seconds",
			Help:      "Round-trip latency of forwarded requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		ProxyHopCounts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_hop_count",
			Help:      "Hop count observed on inbound proxied requests.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live sessions on this node.",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Sessions collected by idle sweep.",
		}),
		NotificationsQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_queued_total",
			Help:      "Change notification blocks enqueued on sessions.",
		}),
		QueueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_queue_overflows_total",
			Help:      "Sessions whose unacknowledged history overflowed and forced a refresh.",
		}),

		WaitsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waits_active",
			Help:      "Long-poll waits currently parked.",
		}),
		WaitOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_outcomes_total",
			Help:      "Blocking wait resolutions, by outcome.",
		}, []string{"outcome"}),
		WaitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_duration_seconds",
			Help:      "Time spent parked in blocking waits.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}
