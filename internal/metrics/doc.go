// Package metrics provides Prometheus metrics for the partition router.
//
// Exposed metrics:
//   - prouter_observer_sessions / prouter_observer_routes: current mapping size
//   - prouter_observer_events_total{event}: lifecycle events emitted
//   - prouter_observer_ignored_total{reason}: records and partitions filtered out
//   - prouter_commander_attempts_total{action,kind,outcome}: remote command attempts
//   - prouter_commander_attempt_duration_seconds{action,kind}: attempt latency
//   - prouter_commander_pending: keys still waiting for a successful command
//   - prouter_commander_superseded_total: commands canceled by a newer one
//
// Usage:
//
//	observerMetrics := metrics.NewObserverMetrics()
//	commanderMetrics := metrics.NewCommanderMetrics()
//
//	obs := observer.New(observer.WithMetrics(observerMetrics))
//	cmdr, err := commander.New(client, builder, cfg, commander.WithMetrics(commanderMetrics))
//
//	srv := metrics.NewServer(":9090", logger)
//	srv.Start()
//
// Tests should use the NewXWithRegistry constructors with a private registry.
package metrics
