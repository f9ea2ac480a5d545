package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OxiaMetrics holds metrics for the Oxia-backed discovery store.
type OxiaMetrics struct {
	// LatencyHistogram tracks store operation latencies.
	// Labels: operation (get, put_ephemeral, delete, list), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks store operations by type and status.
	RequestsTotal *prometheus.CounterVec

	// NotificationsTotal counts notifications received, by kind.
	// Labels: kind (put, delete, resync)
	NotificationsTotal *prometheus.CounterVec
}

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Oxia operation label values.
const (
	OpGet          = "get"
	OpPutEphemeral = "put_ephemeral"
	OpDelete       = "delete"
	OpList         = "list"
)

// Notification kind label values.
const (
	NotificationPut    = "put"
	NotificationDelete = "delete"
	NotificationResync = "resync"
)

// DefaultOxiaLatencyBuckets are latency buckets for Oxia operations, which
// are typically sub-millisecond to tens of milliseconds.
var DefaultOxiaLatencyBuckets = []float64{
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
}

// NewOxiaMetrics creates Oxia metrics registered with the default registry.
func NewOxiaMetrics() *OxiaMetrics {
	return NewOxiaMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewOxiaMetricsWithRegistry creates Oxia metrics registered with reg.
func NewOxiaMetricsWithRegistry(reg prometheus.Registerer) *OxiaMetrics {
	factory := promauto.With(reg)
	return &OxiaMetrics{
		LatencyHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prouter",
			Subsystem: "oxia",
			Name:      "operation_latency_seconds",
			Help:      "Discovery store operation latency in seconds, by operation and status.",
			Buckets:   DefaultOxiaLatencyBuckets,
		}, []string{"operation", "status"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prouter",
			Subsystem: "oxia",
			Name:      "operations_total",
			Help:      "Discovery store operations, by operation and status.",
		}, []string{"operation", "status"}),
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prouter",
			Subsystem: "oxia",
			Name:      "notifications_total",
			Help:      "Discovery store notifications received, by kind.",
		}, []string{"kind"}),
	}
}

// RecordOperation records the latency and outcome of one store operation.
func (m *OxiaMetrics) RecordOperation(operation string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(d.Seconds())
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordNotification counts one received notification.
func (m *OxiaMetrics) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}
