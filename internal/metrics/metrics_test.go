package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersInstruments(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	// Vector families only appear in Gather once a label is observed.
	m.IncrementError("persist")
	m.SetConnectionState("ApOnly")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	names := map[string]struct{}{}
	for _, family := range families {
		names[family.GetName()] = struct{}{}
	}

	for _, expected := range []string{
		"natgate_connection_state",
		"natgate_uplink_connected",
		"natgate_portmap_rules",
		"natgate_ap_clients",
		"natgate_reconnects_total",
		"natgate_errors_total",
	} {
		if _, ok := names[expected]; !ok {
			t.Fatalf("expected metric %q to be registered", expected)
		}
	}
}

func TestSetConnectionStateKeepsOneActive(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.SetConnectionState("StaConnecting")
	m.SetConnectionState("StaConnected")
	m.SetConnectionState("StaConnected")

	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("StaConnected")); got != 1 {
		t.Fatalf("expected StaConnected to be 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("StaConnecting")); got != 0 {
		t.Fatalf("expected StaConnecting to be reset to 0, got %v", got)
	}
}

func TestGaugesAndCounters(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.SetUplinkConnected(true)
	if got := testutil.ToFloat64(m.uplinkConnected); got != 1 {
		t.Fatalf("expected uplink gauge 1, got %v", got)
	}
	m.SetUplinkConnected(false)
	if got := testutil.ToFloat64(m.uplinkConnected); got != 0 {
		t.Fatalf("expected uplink gauge 0, got %v", got)
	}

	m.SetRuleCount(7)
	if got := testutil.ToFloat64(m.portmapRules); got != 7 {
		t.Fatalf("expected 7 rules, got %v", got)
	}

	m.SetAPClients(3)
	if got := testutil.ToFloat64(m.apClients); got != 3 {
		t.Fatalf("expected 3 ap clients, got %v", got)
	}

	m.IncrementReconnect()
	m.IncrementReconnect()
	if got := testutil.ToFloat64(m.reconnectsTotal); got != 2 {
		t.Fatalf("expected 2 reconnects, got %v", got)
	}
}

func TestMetricsIncrementError(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.IncrementError("persist")
	m.IncrementError("persist")
	m.IncrementError("nat_engine")

	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("persist")); got != 2 {
		t.Fatalf("expected persist counter to be 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("nat_engine")); got != 1 {
		t.Fatalf("expected nat_engine counter to be 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("load")); got != 0 {
		t.Fatalf("expected load counter to be 0, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.SetConnectionState("StaConnected")
	m.SetUplinkConnected(true)
	m.SetRuleCount(5)
	m.IncrementError("persist")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, snippet := range []string{
		"# TYPE natgate_connection_state gauge",
		"natgate_connection_state{state=\"StaConnected\"} 1",
		"natgate_uplink_connected 1",
		"natgate_portmap_rules 5",
		"natgate_errors_total{type=\"persist\"} 1",
		"natgate_reconnects_total 0",
	} {
		if !strings.Contains(body, snippet) {
			t.Fatalf("expected metrics output to contain %q, got %q", snippet, body)
		}
	}
}
