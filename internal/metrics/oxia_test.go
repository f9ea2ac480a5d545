package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewOxiaMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOxiaMetricsWithRegistry(reg)

	// Vectors only appear in Gather once they have a series.
	m.RecordOperation(OpGet, time.Millisecond, true)
	m.RecordNotification(NotificationPut)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expectedNames := map[string]bool{
		"prouter_oxia_operation_latency_seconds": false,
		"prouter_oxia_operations_total":          false,
		"prouter_oxia_notifications_total":       false,
	}
	for _, mf := range mfs {
		if _, ok := expectedNames[mf.GetName()]; ok {
			expectedNames[mf.GetName()] = true
		}
	}
	for name, found := range expectedNames {
		if !found {
			t.Errorf("expected metric %s to be registered", name)
		}
	}
}

func TestOxiaMetrics_RecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOxiaMetricsWithRegistry(reg)

	tests := []struct {
		operation string
		duration  time.Duration
		success   bool
	}{
		{OpGet, time.Millisecond, true},
		{OpPutEphemeral, 2 * time.Millisecond, true},
		{OpDelete, 5 * time.Millisecond, false},
		{OpList, 10 * time.Millisecond, true},
		{OpList, 20 * time.Millisecond, true},
	}
	for _, tt := range tests {
		m.RecordOperation(tt.operation, tt.duration, tt.success)
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OpList, StatusSuccess)); got != 2 {
		t.Errorf("list successes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OpDelete, StatusFailure)); got != 1 {
		t.Errorf("delete failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OpGet, StatusFailure)); got != 0 {
		t.Errorf("get failures = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(m.LatencyHistogram); n != 4 {
		t.Errorf("histogram series = %d, want 4", n)
	}
}

func TestOxiaMetrics_RecordNotification(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOxiaMetricsWithRegistry(reg)

	m.RecordNotification(NotificationPut)
	m.RecordNotification(NotificationPut)
	m.RecordNotification(NotificationResync)

	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues(NotificationPut)); got != 2 {
		t.Errorf("put notifications = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues(NotificationResync)); got != 1 {
		t.Errorf("resync notifications = %v, want 1", got)
	}

	var nilMetrics *OxiaMetrics
	nilMetrics.RecordOperation(OpGet, time.Millisecond, true)
	nilMetrics.RecordNotification(NotificationDelete)
}
