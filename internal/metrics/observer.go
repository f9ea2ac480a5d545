package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observer event labels.
const (
	EventCreateSession    = "create_session"
	EventDeleteSession    = "delete_session"
	EventCreateTopicRoute = "create_topic_route"
	EventDeleteTopicRoute = "delete_topic_route"
)

// Reasons a discovery record or partition was left out of routing.
const (
	IgnoredParticipant = "participant"
	IgnoredPartition   = "partition"
)

// ObserverMetrics tracks the observer's session/route mapping.
type ObserverMetrics struct {
	// Sessions is the number of sessions currently mapped.
	Sessions prometheus.Gauge

	// Routes is the number of topic routes currently mapped, across sessions.
	Routes prometheus.Gauge

	// Events counts lifecycle events emitted, by event type.
	Events *prometheus.CounterVec

	// Ignored counts records and partitions dropped by the filter chain.
	Ignored *prometheus.CounterVec
}

// NewObserverMetrics creates observer metrics registered with the default registry.
func NewObserverMetrics() *ObserverMetrics {
	return NewObserverMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewObserverMetricsWithRegistry creates observer metrics registered with reg.
// Useful for testing to avoid conflicts with the default registry.
func NewObserverMetricsWithRegistry(reg prometheus.Registerer) *ObserverMetrics {
	factory := promauto.With(reg)
	return &ObserverMetrics{
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "prouter",
			Subsystem: "observer",
			Name:      "sessions",
			Help:      "Number of (topic, partition) sessions currently in use.",
		}),
		Routes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "prouter",
			Subsystem: "observer",
			Name:      "routes",
			Help:      "Number of directional topic routes currently in use.",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prouter",
			Subsystem: "observer",
			Name:      "events_total",
			Help:      "Session and topic route lifecycle events emitted.",
		}, []string{"event"}),
		Ignored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prouter",
			Subsystem: "observer",
			Name:      "ignored_total",
			Help:      "Discovery records or partitions excluded by filters.",
		}, []string{"reason"}),
	}
}

// RecordEvent counts one lifecycle event and adjusts the gauges.
func (m *ObserverMetrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event).Inc()
	switch event {
	case EventCreateSession:
		m.Sessions.Inc()
	case EventDeleteSession:
		m.Sessions.Dec()
	case EventCreateTopicRoute:
		m.Routes.Inc()
	case EventDeleteTopicRoute:
		m.Routes.Dec()
	}
}

// Reset zeroes the gauges. The counters are cumulative and keep their values.
func (m *ObserverMetrics) Reset() {
	if m == nil {
		return
	}
	m.Sessions.Set(0)
	m.Routes.Set(0)
}

// RecordIgnored counts a filtered record or partition.
func (m *ObserverMetrics) RecordIgnored(reason string) {
	if m == nil {
		return
	}
	m.Ignored.WithLabelValues(reason).Inc()
}
