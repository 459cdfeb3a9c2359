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

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	verdict       map[string]int64
	reason        map[string]int64
	canary        map[string]int64
	gauges        map[string]float64
	auditFailures int64
	breakerTrips  int64
	idemDupes     int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	Verdicts            map[string]int64        `json:"verdicts"`
	Reasons             map[string]int64        `json:"reasons"`
	CanaryDecisions     map[string]int64        `json:"canary_decisions"`
	Gauges              map[string]float64      `json:"gauges"`
	AuditFailuresTotal  int64                   `json:"audit_failures_total"`
	BreakerTripsTotal   int64                   `json:"breaker_trips_total"`
	IdempotentHitsTotal int64                   `json:"idempotent_hits_total"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		verdict:  map[string]int64{},
		reason:   map[string]int64{},
		canary:   map[string]int64{},
		gauges:   map[string]float64{},
	}
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

// IncVerdict counts accepted/denied outcomes of plan and apply calls.
func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncCanaryDecision(decision string) {
	decision = strings.TrimSpace(strings.ToUpper(decision))
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.canary[decision]++
	r.mu.Unlock()
}

func (r *Registry) IncAuditFailure() {
	r.mu.Lock()
	r.auditFailures++
	r.mu.Unlock()
}

func (r *Registry) IncBreakerTrip() {
	r.mu.Lock()
	r.breakerTrips++
	r.mu.Unlock()
}

func (r *Registry) IncIdempotentHit() {
	r.mu.Lock()
	r.idemDupes++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339),
		Endpoints:           make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:            make(map[string]int64, len(r.verdict)),
		Reasons:             make(map[string]int64, len(r.reason)),
		CanaryDecisions:     make(map[string]int64, len(r.canary)),
		Gauges:              make(map[string]float64, len(r.gauges)),
		AuditFailuresTotal:  r.auditFailures,
		BreakerTripsTotal:   r.breakerTrips,
		IdempotentHitsTotal: r.idemDupes,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.canary {
		out.CanaryDecisions[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
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
		b.WriteString("# HELP sparkgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE sparkgate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sparkgate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP sparkgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE sparkgate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sparkgate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP sparkgate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE sparkgate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sparkgate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP sparkgate_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE sparkgate_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sparkgate_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP sparkgate_verdict_total gate outcomes by verdict\n")
		b.WriteString("# TYPE sparkgate_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "sparkgate_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP sparkgate_reason_total gate outcomes by reason code\n")
		b.WriteString("# TYPE sparkgate_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "sparkgate_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP sparkgate_canary_decision_total canary decisions by color\n")
		b.WriteString("# TYPE sparkgate_canary_decision_total counter\n")
		for _, d := range SortedKeys(snap.CanaryDecisions) {
			fmt.Fprintf(b, "sparkgate_canary_decision_total{decision=%q} %d\n", d, snap.CanaryDecisions[d])
		}
		b.WriteString("# HELP sparkgate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE sparkgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "sparkgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP sparkgate_audit_failures_total audit appends lost\n")
		b.WriteString("# TYPE sparkgate_audit_failures_total counter\n")
		fmt.Fprintf(b, "sparkgate_audit_failures_total %d\n", snap.AuditFailuresTotal)
		b.WriteString("# HELP sparkgate_breaker_trips_total circuit breaker rejections\n")
		b.WriteString("# TYPE sparkgate_breaker_trips_total counter\n")
		fmt.Fprintf(b, "sparkgate_breaker_trips_total %d\n", snap.BreakerTripsTotal)
		b.WriteString("# HELP sparkgate_idempotent_hits_total duplicate requests short-circuited\n")
		b.WriteString("# TYPE sparkgate_idempotent_hits_total counter\n")
		fmt.Fprintf(b, "sparkgate_idempotent_hits_total %d\n", snap.IdempotentHitsTotal)
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
