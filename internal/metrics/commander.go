package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attempt outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
)

// CommanderMetrics tracks remote command attempts and the schedule table.
type CommanderMetrics struct {
	// Attempts counts RPC attempts by action (create/delete), kind
	// (session/route) and outcome.
	Attempts *prometheus.CounterVec

	// AttemptDuration is the RPC round-trip time per attempt.
	AttemptDuration *prometheus.HistogramVec

	// Pending is the number of keys with a scheduled command not yet acknowledged.
	Pending prometheus.Gauge

	// Superseded counts scheduled commands canceled by a newer command for the same key.
	Superseded prometheus.Counter

	// BuildErrors counts lifecycle events that could not be turned into a command.
	BuildErrors prometheus.Counter
}

// NewCommanderMetrics creates commander metrics registered with the default registry.
func NewCommanderMetrics() *CommanderMetrics {
	return NewCommanderMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewCommanderMetricsWithRegistry creates commander metrics registered with reg.
func NewCommanderMetricsWithRegistry(reg prometheus.Registerer) *CommanderMetrics {
	factory := promauto.With(reg)
	return &CommanderMetrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prouter",
			Subsystem: "commander",
			Name:      "attempts_total",
			Help:      "Remote command attempts by action, resource kind and outcome.",
		}, []string{"action", "kind", "outcome"}),
		AttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prouter",
			Subsystem: "commander",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of remote command attempts.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"action", "kind"}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "prouter",
			Subsystem: "commander",
			Name:      "pending",
			Help:      "Keys with a scheduled command awaiting success.",
		}),
		Superseded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prouter",
			Subsystem: "commander",
			Name:      "superseded_total",
			Help:      "Scheduled commands canceled in favor of a newer command for the same key.",
		}),
		BuildErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prouter",
			Subsystem: "commander",
			Name:      "build_errors_total",
			Help:      "Lifecycle events that could not be turned into a command.",
		}),
	}
}

// RecordAttempt records one attempt's outcome and latency.
func (m *CommanderMetrics) RecordAttempt(action, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(action, kind, outcome).Inc()
	m.AttemptDuration.WithLabelValues(action, kind).Observe(d.Seconds())
}

// SetPending updates the pending gauge.
func (m *CommanderMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

// RecordSuperseded counts one canceled command.
func (m *CommanderMetrics) RecordSuperseded() {
	if m == nil {
		return
	}
	m.Superseded.Inc()
}

// RecordBuildError counts one command build failure.
func (m *CommanderMetrics) RecordBuildError() {
	if m == nil {
		return
	}
	m.BuildErrors.Inc()
}
