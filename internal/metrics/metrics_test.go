package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveDecision(t *testing.T) {
	m := New()
	m.ObserveDecision("deny", "name", 3*time.Millisecond)
	m.ObserveDecision("deny", "name", time.Millisecond)
	m.ObserveDecision("allow", "ip", time.Millisecond)

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("deny", "name")); got != 2 {
		t.Fatalf("deny/name = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("allow", "ip")); got != 1 {
		t.Fatalf("allow/ip = %v, want 1", got)
	}
}

func TestObserveMutation(t *testing.T) {
	m := New()
	m.ObserveMutation("ban", "ip", nil)
	m.ObserveMutation("ban", "ip", errors.New("down"))

	if got := testutil.ToFloat64(m.mutations.WithLabelValues("ban", "ip", "ok")); got != 1 {
		t.Fatalf("ok mutations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.mutations.WithLabelValues("ban", "ip", "error")); got != 1 {
		t.Fatalf("error mutations = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("allow", "none", time.Second)
	m.ObserveFailOpen("timeout")
	m.ObserveMutation("unban", "name", nil)
	m.TrackQueue(func() int { return 1 })
}

func TestHandlerExposesQueueDepth(t *testing.T) {
	m := New()
	m.TrackQueue(func() int { return 5 })
	m.ObserveFailOpen("timeout")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "bangate_gateway_queue_depth 5") {
		t.Fatalf("metrics output missing queue depth:\n%s", body)
	}
	if !strings.Contains(body, `bangate_gate_failopen_total{cause="timeout"} 1`) {
		t.Fatalf("metrics output missing fail-open counter:\n%s", body)
	}
}
