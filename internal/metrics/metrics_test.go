package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var m *dto.Metric = family.GetMetric()[0]
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestObserverMetrics_RecordEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObserverMetricsWithRegistry(reg)

	m.RecordEvent(EventCreateSession)
	m.RecordEvent(EventCreateTopicRoute)
	m.RecordEvent(EventCreateTopicRoute)
	m.RecordEvent(EventDeleteTopicRoute)

	if v := gaugeValue(t, reg, "prouter_observer_sessions"); v != 1 {
		t.Errorf("sessions = %v, want 1", v)
	}
	if v := gaugeValue(t, reg, "prouter_observer_routes"); v != 1 {
		t.Errorf("routes = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.Events.WithLabelValues(EventCreateTopicRoute)); v != 2 {
		t.Errorf("create_topic_route events = %v, want 2", v)
	}

	m.RecordIgnored(IgnoredPartition)
	if v := testutil.ToFloat64(m.Ignored.WithLabelValues(IgnoredPartition)); v != 1 {
		t.Errorf("ignored partitions = %v, want 1", v)
	}

	m.Reset()
	if v := gaugeValue(t, reg, "prouter_observer_sessions"); v != 0 {
		t.Errorf("sessions after reset = %v, want 0", v)
	}
	if v := gaugeValue(t, reg, "prouter_observer_routes"); v != 0 {
		t.Errorf("routes after reset = %v, want 0", v)
	}
	if v := testutil.ToFloat64(m.Events.WithLabelValues(EventCreateTopicRoute)); v != 2 {
		t.Errorf("create_topic_route events after reset = %v, want 2", v)
	}
}

func TestCommanderMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCommanderMetricsWithRegistry(reg)

	m.RecordAttempt("create", "session", OutcomeTimeout, 10*time.Millisecond)
	m.RecordAttempt("create", "session", OutcomeSuccess, time.Millisecond)
	m.SetPending(3)
	m.RecordSuperseded()
	m.RecordBuildError()

	if v := testutil.ToFloat64(m.Attempts.WithLabelValues("create", "session", OutcomeTimeout)); v != 1 {
		t.Errorf("timeout attempts = %v, want 1", v)
	}
	if v := gaugeValue(t, reg, "prouter_commander_pending"); v != 3 {
		t.Errorf("pending = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.Superseded); v != 1 {
		t.Errorf("superseded = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(m.AttemptDuration); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var om *ObserverMetrics
	om.RecordEvent(EventCreateSession)
	om.RecordIgnored(IgnoredParticipant)
	om.Reset()

	var cm *CommanderMetrics
	cm.RecordAttempt("delete", "route", OutcomeError, 0)
	cm.SetPending(1)
	cm.RecordSuperseded()
	cm.RecordBuildError()
}

func TestServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewObserverMetricsWithRegistry(reg).RecordEvent(EventCreateSession)

	srv := NewServerWithRegistry(":0", reg, nil)
	ready := errors.New("discovery not started")
	srv.AddReadinessCheck("discovery", func(context.Context) error { return ready })

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "prouter_observer_sessions 1") {
		t.Errorf("metrics body missing sessions gauge:\n%s", body)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz failed: %v", err)
	}
	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", resp.StatusCode)
	}
	if status.Checks["discovery"] != ready.Error() {
		t.Errorf("checks = %v", status.Checks)
	}

	ready = nil
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d after check passes, want 200", resp.StatusCode)
	}
}

func TestServerStartClose(t *testing.T) {
	srv := NewServerWithRegistry("127.0.0.1:0", prometheus.NewRegistry(), nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
