package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncDecision(true, 7)
	r.IncDecision(true, 7)
	r.IncDecision(false, 0)
	r.SetGauge("queue_depth", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Decisions["permit"] != 2 {
		t.Fatalf("expected permit=2 got=%d", snap.Decisions["permit"])
	}
	if snap.Decisions["deny"] != 1 {
		t.Fatalf("expected deny=1 got=%d", snap.Decisions["deny"])
	}
	if snap.MatchedPolicy["7"] != 2 {
		t.Fatalf("expected matched policy 7=2 got=%d", snap.MatchedPolicy["7"])
	}
	if snap.Gauges["queue_depth"] != 3 {
		t.Fatalf("expected gauge queue_depth=3 got=%v", snap.Gauges["queue_depth"])
	}
}

func TestIncCounter(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("registry_writes_total")
	r.IncCounter("registry_writes_total")
	r.IncCounter("")

	snap := r.Snapshot()
	if snap.Gauges["registry_writes_total"] != 2 {
		t.Fatalf("expected counter=2 got=%v", snap.Gauges["registry_writes_total"])
	}
	if _, ok := snap.Gauges[""]; ok {
		t.Fatal("empty counter name must be ignored")
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/access/check", 200, 12*time.Millisecond)
	r.Observe("POST /v1/access/check", 500, 20*time.Millisecond)
	r.IncDecision(true, 3)
	r.SetGauge("queue_depth", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "abacgate_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, `abacgate_decision_total{outcome="permit"} 1`) {
		t.Fatalf("missing decision metric: %s", body)
	}
	if !strings.Contains(body, `abacgate_matched_policy_total{policy_id="3"} 1`) {
		t.Fatalf("missing matched policy metric: %s", body)
	}
	if !strings.Contains(body, `abacgate_gauge{name="queue_depth"} 7.000`) {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\": 5") {
		t.Fatalf("did not expect an empty-key gauge in body: %s", body)
	}
}
