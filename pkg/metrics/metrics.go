package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry accumulates in-process counters and latency histograms for the
// gateway. It has no external dependency; PrometheusHandler hand-rolls the
// text exposition format rather than pulling in client_golang.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	decisions     map[string]int64 // keyed by "permit"/"deny"
	matchedPolicy map[string]int64 // keyed by stringified matched policy id
	gauges        map[string]float64
	verifyLatency VerifyLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// VerifyLatencyStat tracks environment verifier call latency.
type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Decisions       map[string]int64        `json:"decisions"`
	MatchedPolicy   map[string]int64        `json:"matched_policy"`
	Gauges          map[string]float64      `json:"gauges"`
	VerifyLatencyMS VerifyLatencyStat       `json:"verify_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		decisions:     map[string]int64{},
		matchedPolicy: map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision records a permit or deny outcome and, when matched is nonzero,
// the id of the rule that produced it.
func (r *Registry) IncDecision(permit bool, matched uint64) {
	key := "deny"
	if permit {
		key = "permit"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[key]++
	if matched != 0 {
		r.matchedPolicy[fmt.Sprintf("%d", matched)]++
	}
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// IncCounter increments a free-form named counter, backed by the same
// gauges map SetGauge uses, so callers with a simple tally (e.g. registry
// mirror writes) don't need a dedicated field on Registry.
func (r *Registry) IncCounter(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:       make(map[string]int64, len(r.decisions)),
		MatchedPolicy:   make(map[string]int64, len(r.matchedPolicy)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		VerifyLatencyMS: r.verifyLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decisions {
		out.Decisions[k] = v
	}
	for k, v := range r.matchedPolicy {
		out.MatchedPolicy[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP abacgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE abacgate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abacgate_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP abacgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE abacgate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abacgate_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP abacgate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE abacgate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abacgate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP abacgate_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE abacgate_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abacgate_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP abacgate_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE abacgate_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abacgate_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP abacgate_decision_total total decisions by outcome\n")
		b.WriteString("# TYPE abacgate_decision_total counter\n")
		for _, outcome := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "abacgate_decision_total{outcome=%q} %d\n", outcome, snap.Decisions[outcome])
		}
		b.WriteString("# HELP abacgate_matched_policy_total permits by matched policy id\n")
		b.WriteString("# TYPE abacgate_matched_policy_total counter\n")
		for _, policyID := range SortedKeys(snap.MatchedPolicy) {
			fmt.Fprintf(b, "abacgate_matched_policy_total{policy_id=%q} %d\n", policyID, snap.MatchedPolicy[policyID])
		}
		b.WriteString("# HELP abacgate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE abacgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "abacgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP abacgate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE abacgate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "abacgate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "abacgate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "abacgate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "abacgate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "abacgate_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "abacgate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "abacgate_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP abacgate_verify_latency_ms environment verifier call latency in ms\n")
		b.WriteString("# TYPE abacgate_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "abacgate_verify_latency_ms{stat=%q} %d\n", "last", snap.VerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "abacgate_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.VerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "abacgate_verify_latency_ms{stat=%q} %d\n", "max", snap.VerifyLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
