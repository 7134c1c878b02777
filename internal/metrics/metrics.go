// Package metrics exposes pubsubd's Prometheus instrumentation and the
// sampled process/system statistics behind the /debug/status endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Connection metrics
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	connectionsClosed prometheus.Counter

	// Publish metrics
	publishesTotal    prometheus.Counter
	recipientsTotal   prometheus.Counter
	publishRecipients prometheus.Histogram
	publishDuration   prometheus.Histogram

	// Subscription metrics
	subscribesTotal   prometheus.Counter
	unsubscribesTotal prometheus.Counter

	// Error metrics
	errorsByType *prometheus.CounterVec

	startTime time.Time
}

func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pubsubd_connections_active",
			Help: "Number of currently open client connections",
		}),
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsubd_connections_total",
			Help: "Total number of connections accepted",
		}),
		connectionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsubd_connections_closed_total",
			Help: "Total number of connections closed",
		}),

		publishesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsubd_publishes_total",
			Help: "Total number of publish commands dispatched",
		}),
		recipientsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsubd_recipients_total",
			Help: "Total number of successful subscriber deliveries",
		}),
		publishRecipients: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pubsubd_publish_recipients",
			Help:    "Recipients reached per publish",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		publishDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pubsubd_publish_duration_seconds",
			Help:    "End-to-end publish latency including the dispatcher rendezvous",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		subscribesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsubd_subscribes_total",
			Help: "Total number of channel/pattern subscriptions added",
		}),
		unsubscribesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsubd_unsubscribes_total",
			Help: "Total number of channel/pattern subscriptions removed",
		}),

		errorsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pubsubd_errors_total",
			Help: "Total errors by type",
		}, []string{"type"}),
	}
}

func (m *Metrics) ConnectionAccepted() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsClosed.Inc()
	m.connectionsActive.Dec()
}

func (m *Metrics) PublishCompleted(recipients int, elapsed time.Duration) {
	m.publishesTotal.Inc()
	m.recipientsTotal.Add(float64(recipients))
	m.publishRecipients.Observe(float64(recipients))
	m.publishDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SubscriptionsAdded(n int)   { m.subscribesTotal.Add(float64(n)) }
func (m *Metrics) SubscriptionsRemoved(n int) { m.unsubscribesTotal.Add(float64(n)) }

// RecordError increments the error counter for the given type.
// Types in use: "read", "accept".
func (m *Metrics) RecordError(errorType string) {
	m.errorsByType.WithLabelValues(errorType).Inc()
}

// Uptime returns time elapsed since the metrics were created (process start).
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
