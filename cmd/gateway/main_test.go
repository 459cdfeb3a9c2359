package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sparkgate/pkg/audit"
	"sparkgate/pkg/canary"
	"sparkgate/pkg/circuit"
	"sparkgate/pkg/guardrails"
	"sparkgate/pkg/idempotency"
	"sparkgate/pkg/metrics"
	"sparkgate/pkg/models"
	"sparkgate/pkg/pending"
	"sparkgate/pkg/policy"
	"sparkgate/pkg/store"
	"sparkgate/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/redis/go-redis/v9"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	pol, err := policy.Open(dir, false)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	pend, err := pending.Open(dir, 2*time.Minute)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	aud, err := audit.Open(filepath.Join(dir, "audit.ndjson"))
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(func() { _ = aud.Close() })
	cache := store.NewMemoryCache()
	return &Server{
		Policy:              pol,
		Pending:             pend,
		Idempotency:         idempotency.New(cache, 10*time.Minute),
		Breaker:             circuit.NewMemory(time.Minute, 2),
		Guardrails:          guardrails.NewRegistry(models.RiskThresholds{}),
		Audit:               aud,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Cache:               cache,
		ConfirmToken:        "secret",
		AdminRole:           "admin",
		AuthMode:            "header",
		CanaryGate:          true,
		CanaryThresholds:    canary.DefaultThresholds(),
		ApprovalScore:       5,
		PendingTTL:          2 * time.Minute,
		SweepInterval:       15 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
	}
}

func adminHeaders() map[string]string {
	return map[string]string{
		"X-Confirm-Token": "secret",
		"X-User":          "ops",
		"X-User-Role":     "admin",
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
}

func planBody(notional float64) map[string]interface{} {
	return map[string]interface{}{
		"action": "live_trade",
		"params": map[string]interface{}{"symbol": "BTCUSDT", "qty": 0.5, "side": "buy"},
		"context": map[string]interface{}{
			"portfolioNotional": notional,
		},
	}
}

func planNonce(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/canary/live/plan", planBody(0), adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("plan status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp models.PlanResponse
	decodeInto(t, rec, &resp)
	if resp.Nonce == "" {
		t.Fatal("plan returned empty nonce")
	}
	return resp.Nonce
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t).routes("")
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPlanRequiresConfirmToken(t *testing.T) {
	h := newTestServer(t).routes("")
	headers := adminHeaders()
	headers["X-Confirm-Token"] = "wrong"
	rec := doJSON(t, h, http.MethodPost, "/canary/live/plan", planBody(0), headers)
	if rec.Code != 403 {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp models.PlanResponse
	decodeInto(t, rec, &resp)
	if resp.Accepted || resp.Reason != "confirm_required" || resp.TokenVerified {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Nonce != "" {
		t.Fatal("denied plan must not mint a nonce")
	}
}

func TestPlanRBACDenied(t *testing.T) {
	h := newTestServer(t).routes("")
	headers := adminHeaders()
	headers["X-User-Role"] = "trader"
	rec := doJSON(t, h, http.MethodPost, "/canary/live/plan", planBody(0), headers)
	if rec.Code != 403 {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp models.PlanResponse
	decodeInto(t, rec, &resp)
	if resp.Reason != "rbac_denied" || !resp.TokenVerified || resp.RBACOk {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestPlanApplyHappyPath(t *testing.T) {
	h := newTestServer(t).routes("")
	nonce := planNonce(t, h)

	rec := doJSON(t, h, http.MethodPost, "/canary/live/apply",
		map[string]interface{}{"nonce": nonce}, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("apply status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp models.ApplyResponse
	decodeInto(t, rec, &resp)
	if !resp.Accepted || resp.Reason != "ok" {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Order == nil || resp.Order.Provider != "paper" || resp.Order.Symbol != "BTCUSDT" {
		t.Fatalf("order=%+v", resp.Order)
	}
	if resp.Breaker.CountInWindow != 1 || resp.Breaker.Tripped {
		t.Fatalf("breaker=%+v", resp.Breaker)
	}
}

func TestApplyUnknownNonce(t *testing.T) {
	h := newTestServer(t).routes("")
	rec := doJSON(t, h, http.MethodPost, "/canary/live/apply",
		map[string]interface{}{"nonce": "nope"}, adminHeaders())
	if rec.Code != 403 {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp models.ApplyResponse
	decodeInto(t, rec, &resp)
	if resp.Reason != "confirm_required" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestApplyNonceSingleUse(t *testing.T) {
	h := newTestServer(t).routes("")
	nonce := planNonce(t, h)
	body := map[string]interface{}{"nonce": nonce}

	if rec := doJSON(t, h, http.MethodPost, "/canary/live/apply", body, adminHeaders()); rec.Code != 200 {
		t.Fatalf("first apply status=%d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodPost, "/canary/live/apply", body, adminHeaders())
	if rec.Code != 403 {
		t.Fatalf("replayed nonce status=%d", rec.Code)
	}
	var resp models.ApplyResponse
	decodeInto(t, rec, &resp)
	if resp.Reason != "confirm_required" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestApplyIdempotentReplay(t *testing.T) {
	h := newTestServer(t).routes("")

	nonce := planNonce(t, h)
	rec := doJSON(t, h, http.MethodPost, "/canary/live/apply",
		map[string]interface{}{"nonce": nonce, "idempotencyKey": "k1"}, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("first apply status=%d", rec.Code)
	}
	var first models.ApplyResponse
	decodeInto(t, rec, &first)
	if first.Idempotency.Key != "k1" || first.Idempotency.WasDuplicate {
		t.Fatalf("first idem=%+v", first.Idempotency)
	}

	nonce2 := planNonce(t, h)
	rec = doJSON(t, h, http.MethodPost, "/canary/live/apply",
		map[string]interface{}{"nonce": nonce2, "idempotencyKey": "k1"}, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("duplicate apply status=%d", rec.Code)
	}
	var second models.ApplyResponse
	decodeInto(t, rec, &second)
	if !second.Idempotency.WasDuplicate {
		t.Fatalf("second idem=%+v", second.Idempotency)
	}
	if second.Order == nil || second.Order.ID != first.Order.ID {
		t.Fatalf("duplicate must replay the original order: first=%+v second=%+v", first.Order, second.Order)
	}
	// The replay short-circuits before the nonce is consumed.
	rec = doJSON(t, h, http.MethodPost, "/canary/live/apply",
		map[string]interface{}{"nonce": nonce2}, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("unconsumed nonce rejected: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestBreakerTripsOnThirdApply(t *testing.T) {
	h := newTestServer(t).routes("")
	for i := 0; i < 2; i++ {
		nonce := planNonce(t, h)
		rec := doJSON(t, h, http.MethodPost, "/canary/live/apply",
			map[string]interface{}{"nonce": nonce}, adminHeaders())
		if rec.Code != 200 {
			t.Fatalf("apply %d status=%d", i, rec.Code)
		}
	}
	nonce := planNonce(t, h)
	rec := doJSON(t, h, http.MethodPost, "/canary/live/apply",
		map[string]interface{}{"nonce": nonce}, adminHeaders())
	if rec.Code != 429 {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp models.ApplyResponse
	decodeInto(t, rec, &resp)
	if resp.Reason != "circuit_tripped" || !resp.Breaker.Tripped || resp.Order != nil {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestTrippedApplyKeepsNonce(t *testing.T) {
	s := newTestServer(t)
	h := s.routes("")
	for i := 0; i < 2; i++ {
		nonce := planNonce(t, h)
		rec := doJSON(t, h, http.MethodPost, "/canary/live/apply",
			map[string]interface{}{"nonce": nonce}, adminHeaders())
		if rec.Code != 200 {
			t.Fatalf("apply %d status=%d", i, rec.Code)
		}
	}
	nonce := planNonce(t, h)
	rec := doJSON(t, h, http.MethodPost, "/canary/live/apply",
		map[string]interface{}{"nonce": nonce}, adminHeaders())
	if rec.Code != 429 {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	// Same nonce once the window clears: the rate-limited attempt must not
	// have consumed the confirmation.
	s.Breaker = circuit.NewMemory(time.Minute, 10)
	rec = doJSON(t, h, http.MethodPost, "/canary/live/apply",
		map[string]interface{}{"nonce": nonce}, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("retry status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp models.ApplyResponse
	decodeInto(t, rec, &resp)
	if !resp.Accepted || resp.Order == nil {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestKillSwitchBlocksPlan(t *testing.T) {
	h := newTestServer(t).routes("")
	rec := doJSON(t, h, http.MethodPost, "/canary/policy/kill-switch.apply",
		map[string]interface{}{"killSwitch": true}, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("kill-switch status=%d body=%s", rec.Code, rec.Body.String())
	}
	var eff models.EffectivePolicy
	decodeInto(t, rec, &eff)
	if !eff.KillSwitch || eff.Source != models.PolicySourceOverride {
		t.Fatalf("policy=%+v", eff)
	}

	rec = doJSON(t, h, http.MethodPost, "/canary/live/plan", planBody(0), adminHeaders())
	if rec.Code != 403 {
		t.Fatalf("plan status=%d", rec.Code)
	}
	var resp models.PlanResponse
	decodeInto(t, rec, &resp)
	if resp.Reason != "kill_switch" || !resp.KillSwitch {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestKillSwitchApplyRequiresAdmin(t *testing.T) {
	h := newTestServer(t).routes("")
	headers := adminHeaders()
	headers["X-User-Role"] = "viewer"
	rec := doJSON(t, h, http.MethodPost, "/canary/policy/kill-switch.apply",
		map[string]interface{}{"killSwitch": true}, headers)
	if rec.Code != 403 {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestGuardrailsBlockPlan(t *testing.T) {
	h := newTestServer(t).routes("")
	rec := doJSON(t, h, http.MethodPost, "/guardrails",
		map[string]interface{}{"maxNotional": 100.0}, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("set thresholds status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/canary/live/plan", planBody(250), adminHeaders())
	if rec.Code != 403 {
		t.Fatalf("plan status=%d", rec.Code)
	}
	var resp models.PlanResponse
	decodeInto(t, rec, &resp)
	if resp.Reason != "max_notional" || resp.NotionalOk {
		t.Fatalf("resp=%+v", resp)
	}

	rec = doJSON(t, h, http.MethodGet, "/guardrails/read", nil, adminHeaders())
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "max_notional") {
		t.Fatalf("read status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGuardrailsRejectNegativeThreshold(t *testing.T) {
	h := newTestServer(t).routes("")
	rec := doJSON(t, h, http.MethodPost, "/guardrails",
		map[string]interface{}{"maxNotional": -5.0}, adminHeaders())
	if rec.Code != 400 {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGuardrailsDiffScoring(t *testing.T) {
	h := newTestServer(t).routes("")
	rec := doJSON(t, h, http.MethodPost, "/guardrails/diff", map[string]interface{}{
		"old": map[string]interface{}{"risk": map[string]interface{}{"leverage": 2.0, "stopPct": 1.0}},
		"new": map[string]interface{}{"risk": map[string]interface{}{"leverage": 5.0, "stopPct": 1.0}},
	}, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp struct {
		ChangedPaths     []string `json:"changedPaths"`
		RiskScore        int      `json:"riskScore"`
		RequiresApproval bool     `json:"requiresApproval"`
	}
	decodeInto(t, rec, &resp)
	if len(resp.ChangedPaths) != 1 || resp.ChangedPaths[0] != "risk.leverage" {
		t.Fatalf("paths=%v", resp.ChangedPaths)
	}
	if resp.RiskScore != 5 || !resp.RequiresApproval {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestCanaryRedHoldsPlan(t *testing.T) {
	h := newTestServer(t).routes("")
	rec := doJSON(t, h, http.MethodPost, "/canary/metrics", map[string]interface{}{
		"run_id":  "run-7",
		"metrics": map[string]interface{}{"seq_gap_total": 3.0},
	}, adminHeaders())
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), canary.Red) {
		t.Fatalf("metrics status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/canary/live/plan", planBody(0), adminHeaders())
	if rec.Code != 403 {
		t.Fatalf("plan status=%d", rec.Code)
	}
	var resp models.PlanResponse
	decodeInto(t, rec, &resp)
	if resp.Reason != "canary_hold" || !resp.GatesOk {
		t.Fatalf("resp=%+v", resp)
	}

	rec = doJSON(t, h, http.MethodGet, "/canary/decision", nil, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("decision status=%d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, canary.Red) || !strings.Contains(body, "run-7") {
		t.Fatalf("body=%s", body)
	}
}

func TestCanaryDecisionDefaultsGreen(t *testing.T) {
	h := newTestServer(t).routes("")
	rec := doJSON(t, h, http.MethodGet, "/canary/decision", nil, adminHeaders())
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), canary.Green) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAllowWriteToggle(t *testing.T) {
	h := newTestServer(t).routes("")
	rec := doJSON(t, h, http.MethodGet, "/ai/allow-write", nil, adminHeaders())
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "false") {
		t.Fatalf("default: status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodPost, "/ai/allow-write",
		map[string]interface{}{"enabled": true}, adminHeaders())
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "true") {
		t.Fatalf("enable: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAuditRecentRecordsDecisions(t *testing.T) {
	h := newTestServer(t).routes("")
	headers := adminHeaders()
	headers["X-Confirm-Token"] = "wrong"
	_ = doJSON(t, h, http.MethodPost, "/canary/live/plan", planBody(0), headers)

	rec := doJSON(t, h, http.MethodGet, "/audit/recent?limit=10", nil, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp struct {
		Entries []models.AuditEntry `json:"entries"`
	}
	decodeInto(t, rec, &resp)
	if len(resp.Entries) != 1 {
		t.Fatalf("entries=%+v", resp.Entries)
	}
	e := resp.Entries[0]
	if e.Action != models.AuditActionDeny || e.Actor != "ops" || e.Message != "confirm_required" {
		t.Fatalf("entry=%+v", e)
	}
}

func TestMetricsEndpointCountsTraffic(t *testing.T) {
	h := newTestServer(t).routes("")
	_ = doJSON(t, h, http.MethodGet, "/healthz", nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil, adminHeaders())
	if rec.Code != 200 {
		t.Fatalf("status=%d", rec.Code)
	}
	var snap metrics.Snapshot
	decodeInto(t, rec, &snap)
	if snap.Endpoints["GET /healthz"].Count != 1 {
		t.Fatalf("endpoints=%v", snap.Endpoints)
	}

	rec = doJSON(t, h, http.MethodGet, "/metrics/prometheus", nil, adminHeaders())
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "sparkgate_endpoint_count") {
		t.Fatalf("prometheus status=%d", rec.Code)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes(""))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != "ready" {
		t.Fatalf("first event=%+v", ready)
	}

	s.Events.Publish(stream.NewEvent(stream.EventPolicy, map[string]bool{"killSwitch": true}))
	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != stream.EventPolicy {
		t.Fatalf("event=%+v", evt)
	}
}

func TestRunGatewayWiresServer(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("AUDIT_LOG_PATH", filepath.Join(dir, "audit.ndjson"))
	t.Setenv("ADDR", ":0")
	t.Setenv("ENVIRONMENT", "dev")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("AUDIT_PG_SINK", "false")

	var captured *http.Server
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (*redis.Client, error) {
			return nil, errors.New("redis offline")
		},
		func(server *http.Server) error {
			captured = server
			return nil
		},
		func(s *Server) {},
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if captured == nil || captured.Addr != ":0" || captured.Handler == nil {
		t.Fatalf("server=%+v", captured)
	}
	if captured.ReadHeaderTimeout != 5*time.Second || captured.WriteTimeout != 30*time.Second {
		t.Fatalf("timeouts=%v/%v", captured.ReadHeaderTimeout, captured.WriteTimeout)
	}
}
