package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"sparkgate/pkg/audit"
	"sparkgate/pkg/auth"
	"sparkgate/pkg/canary"
	"sparkgate/pkg/circuit"
	"sparkgate/pkg/gate"
	"sparkgate/pkg/guardrails"
	"sparkgate/pkg/hardening"
	"sparkgate/pkg/httpx"
	"sparkgate/pkg/idempotency"
	"sparkgate/pkg/metrics"
	"sparkgate/pkg/models"
	"sparkgate/pkg/pending"
	"sparkgate/pkg/policy"
	"sparkgate/pkg/statebus"
	"sparkgate/pkg/store"
	"sparkgate/pkg/stream"
	"sparkgate/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const breakerKeyLiveOrder = "live-order"

type Server struct {
	Policy              *policy.Store
	Pending             *pending.Manager
	Idempotency         *idempotency.Store
	Breaker             circuit.Breaker
	Guardrails          *guardrails.Registry
	Audit               *audit.Logger
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Bus                 *statebus.Publisher
	Cache               store.Cache
	Redis               *redis.Client
	ConfirmToken        string
	AdminRole           string
	AuthMode            string
	AuthSecret          string
	CanaryGate          bool
	CanaryThresholds    canary.Thresholds
	ApprovalScore       int
	PendingTTL          time.Duration
	SweepInterval       time.Duration
	MaxRequestBodyBytes int64

	mu           sync.RWMutex
	lastSnapshot *canary.Snapshot
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.Pending.Run(context.Background(), s.SweepInterval)
		go s.idempotencyGCLoop(context.Background())
		go s.metricsLoop(context.Background())
		if url := strings.TrimSpace(os.Getenv("CANARY_PROBE_URL")); url != "" {
			go s.canaryProbeLoop(context.Background(), url, envDurationSec("CANARY_PROBE_INTERVAL_SEC", 30))
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory stores: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	dataDir := env("DATA_DIR", "./data")
	policyStore, err := policy.Open(dataDir, policy.EnvBool(env("KILL_SWITCH", "")))
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	pendingTTL := time.Millisecond * time.Duration(envInt("PENDING_TTL_MS", 120000))
	pendingMgr, err := pending.Open(dataDir, pendingTTL)
	if err != nil {
		return fmt.Errorf("pending: %w", err)
	}
	auditLog, err := audit.Open(env("AUDIT_LOG_PATH", dataDir+"/audit.ndjson"))
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer auditLog.Close()

	breakerWindow := envDurationSec("BREAKER_WINDOW_SEC", 60)
	breakerMax := envInt("BREAKER_MAX_PER_WINDOW", 2)
	var breaker circuit.Breaker
	if redisClient != nil {
		breaker = circuit.NewRedisBreaker(redisClient, breakerWindow, breakerMax)
	} else {
		breaker = circuit.NewMemory(breakerWindow, breakerMax)
	}

	s := &Server{
		Policy:              policyStore,
		Pending:             pendingMgr,
		Idempotency:         idempotency.New(cache, time.Minute*time.Duration(envInt("IDEMPOTENCY_TTL_MIN", 10))),
		Breaker:             breaker,
		Guardrails:          guardrails.NewRegistry(thresholdsFromEnv()),
		Audit:               auditLog,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Cache:               cache,
		Redis:               redisClient,
		ConfirmToken:        env("CONFIRM_TOKEN", ""),
		AdminRole:           env("ADMIN_ROLE", "admin"),
		AuthMode:            env("AUTH_MODE", "header"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		CanaryGate:          env("CANARY_GATE_ENABLED", "true") == "true",
		CanaryThresholds:    canaryThresholdsFromEnv(),
		ApprovalScore:       envInt("GUARDRAIL_APPROVAL_SCORE", 5),
		PendingTTL:          pendingTTL,
		SweepInterval:       envDurationSec("SWEEP_INTERVAL_SEC", 15),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	auditLog.OnFailure(s.Metrics.IncAuditFailure)

	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		bus, err := statebus.NewPublisher(statebus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "sparkgate.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer bus.Close()
		s.Bus = bus
	}

	if env("AUDIT_PG_SINK", "false") == "true" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		sink := audit.NewPostgresSink(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			return err
		}
		auditLog.AddSink(sink)
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		ConfirmToken:          s.ConfirmToken,
		DatabaseURL:           env("DATABASE_URL", ""),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	r := s.routes(env("CORS_ALLOWED_ORIGINS", ""))

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes(corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Get("/canary/policy", s.handleGetPolicy)
	authRouter.Post("/canary/policy/kill-switch.apply", s.handleKillSwitchApply)
	authRouter.Get("/ai/allow-write", s.handleGetAllowWrite)
	authRouter.Post("/ai/allow-write", s.handleSetAllowWrite)
	authRouter.Get("/guardrails/read", s.handleGuardrailsRead)
	authRouter.Post("/guardrails", s.handleGuardrailsWrite)
	authRouter.Post("/guardrails/diff", s.handleGuardrailsDiff)
	authRouter.Post("/canary/metrics", s.handleCanaryMetrics)
	authRouter.Get("/canary/decision", s.handleCanaryDecision)
	authRouter.Post("/canary/live/plan", s.handleLivePlan)
	authRouter.Post("/canary/live/apply", s.handleLiveApply)
	authRouter.Get("/audit/recent", s.handleAuditRecent)
	authRouter.Get("/stream", s.streamEvents)
	r.Mount("/", authRouter)
	return r
}

// --- policy handlers ---

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	var breakerStatus interface{}
	if st, err := s.Breaker.Peek(r.Context(), breakerKeyLiveOrder); err == nil {
		breakerStatus = st
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"policy":           s.Policy.Effective(),
		"canaryThresholds": s.CanaryThresholds,
		"breaker":          breakerStatus,
	})
}

func (s *Server) handleKillSwitchApply(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if !s.requireAdminConfirm(w, r, principal, "kill-switch") {
		return
	}
	var patch models.PolicyPatch
	if err := httpx.DecodeJSON(r, &patch, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, 400, "invalid request body")
		return
	}
	if patch.KillSwitch == nil {
		httpx.Error(w, 400, "killSwitch field required")
		return
	}
	ov, err := s.Policy.WriteOverride(patch)
	if err != nil {
		log.Printf("policy: persist override: %v", err)
	}
	s.appendAudit(r.Context(), principal, models.AuditActionApprove, "kill-switch", models.AuditStatusSuccess,
		fmt.Sprintf("killSwitch=%v", ov.KillSwitch))
	s.publish(stream.EventPolicy, s.Policy.Effective())
	httpx.WriteJSON(w, 200, s.Policy.Effective())
}

func (s *Server) handleGetAllowWrite(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]bool{"enabled": s.Policy.AllowWrite()})
}

func (s *Server) handleSetAllowWrite(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if !s.requireAdminConfirm(w, r, principal, "allow-write") {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := httpx.DecodeJSON(r, &body, s.MaxRequestBodyBytes); err != nil || body.Enabled == nil {
		httpx.Error(w, 400, "enabled field required")
		return
	}
	if err := s.Policy.SetAllowWrite(*body.Enabled); err != nil {
		log.Printf("policy: persist allow-write: %v", err)
	}
	s.appendAudit(r.Context(), principal, models.AuditActionApprove, "allow-write", models.AuditStatusSuccess,
		fmt.Sprintf("enabled=%v", *body.Enabled))
	httpx.WriteJSON(w, 200, map[string]bool{"enabled": s.Policy.AllowWrite()})
}

// --- guardrail handlers ---

func (s *Server) handleGuardrailsRead(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"thresholds": s.Guardrails.Thresholds(),
		"weights":    s.Guardrails.Weights(),
		"lastBreach": s.Guardrails.LastBreach(),
	})
}

func (s *Server) handleGuardrailsWrite(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if !s.requireAdminConfirm(w, r, principal, "guardrails") {
		return
	}
	var th models.RiskThresholds
	if err := httpx.DecodeJSON(r, &th, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, 400, "invalid request body")
		return
	}
	if err := s.Guardrails.SetThresholds(th); err != nil {
		s.appendAudit(r.Context(), principal, models.AuditActionDeny, "guardrails", models.AuditStatusFailed, err.Error())
		httpx.Error(w, 400, err.Error())
		return
	}
	s.appendAudit(r.Context(), principal, models.AuditActionApprove, "guardrails", models.AuditStatusSuccess, "")
	s.publish(stream.EventGuardrails, s.Guardrails.Thresholds())
	httpx.WriteJSON(w, 200, map[string]interface{}{"thresholds": s.Guardrails.Thresholds()})
}

func (s *Server) handleGuardrailsDiff(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Old map[string]interface{} `json:"old"`
		New map[string]interface{} `json:"new"`
	}
	if err := httpx.DecodeJSON(r, &body, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, 400, "invalid request body")
		return
	}
	diffs := guardrails.DiffParams(body.Old, body.New)
	score := guardrails.RiskScore(diffs, s.Guardrails.Weights())
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"changes":          diffs,
		"changedPaths":     guardrails.SortedPaths(diffs),
		"riskScore":        score,
		"requiresApproval": score >= s.ApprovalScore,
	})
}

// --- canary handlers ---

func (s *Server) handleCanaryMetrics(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunID   string            `json:"run_id"`
		Metrics canary.RawMetrics `json:"metrics"`
	}
	if err := httpx.DecodeJSON(r, &body, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, 400, "invalid request body")
		return
	}
	res := s.recordSnapshot(body.RunID, body.Metrics)
	httpx.WriteJSON(w, 200, map[string]interface{}{"run_id": body.RunID, "decision": res.Decision, "blockedReasons": res.BlockedReasons})
}

func (s *Server) handleCanaryDecision(w http.ResponseWriter, r *http.Request) {
	snap, res := s.canaryState()
	out := map[string]interface{}{
		"decision":       res.Decision,
		"blockedReasons": res.BlockedReasons,
		"thresholds":     s.CanaryThresholds,
	}
	if snap != nil {
		out["run_id"] = snap.RunID
		out["metrics"] = snap.Metrics
	}
	httpx.WriteJSON(w, 200, out)
}

// recordSnapshot normalizes and stores the latest probe metrics, then decides
// and fans out the result.
func (s *Server) recordSnapshot(runID string, raw canary.RawMetrics) canary.Result {
	snap := canary.Snapshot{RunID: runID, Metrics: canary.Normalize(raw)}
	s.mu.Lock()
	s.lastSnapshot = &snap
	s.mu.Unlock()
	res := canary.Decide(snap.Metrics, s.CanaryThresholds)
	s.Metrics.IncCanaryDecision(res.Decision)
	s.publish(stream.EventCanary, map[string]interface{}{"run_id": snap.RunID, "decision": res})
	return res
}

// canaryProbeLoop pulls snapshots from an external probe when one is
// configured, as an alternative to the probe pushing to /canary/metrics.
func (s *Server) canaryProbeLoop(ctx context.Context, url string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	client := telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var payload struct {
				RunID   string            `json:"run_id"`
				Metrics canary.RawMetrics `json:"metrics"`
			}
			if err := httpx.FetchJSON(ctx, client, url, &payload, 3); err != nil {
				log.Printf("canary: probe fetch: %v", err)
				continue
			}
			s.recordSnapshot(payload.RunID, payload.Metrics)
		}
	}
}

func (s *Server) canaryState() (*canary.Snapshot, canary.Result) {
	s.mu.RLock()
	snap := s.lastSnapshot
	s.mu.RUnlock()
	if snap == nil {
		return nil, canary.Decide(canary.Normalize(canary.RawMetrics{}), s.CanaryThresholds)
	}
	return snap, canary.Decide(snap.Metrics, s.CanaryThresholds)
}

// --- two-phase live action handlers ---

type planRequest struct {
	Action  string              `json:"action"`
	Params  json.RawMessage     `json:"params"`
	Context models.CheckContext `json:"context"`
}

func (s *Server) handleLivePlan(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	var req planRequest
	if err := httpx.DecodeJSON(r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, 400, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		req.Action = "live_trade"
	}
	verdict := s.evaluateGate(r, principal, req.Context)
	resp := models.PlanResponse{
		Accepted:      verdict.Accepted,
		Reason:        verdict.Reason,
		TokenVerified: verdict.TokenVerified,
		RBACOk:        verdict.RBACOk,
		KillSwitch:    verdict.KillSwitch,
		GatesOk:       verdict.GatesOk,
		NotionalOk:    verdict.Reason != guardrails.ReasonMaxNotional,
	}
	status := 403
	auditAction := models.AuditActionDeny
	if verdict.Accepted {
		a := s.Pending.Put(req.Action, models.RawParams(req.Params))
		resp.Nonce = a.Nonce
		resp.ExpiresAt = a.ExpiresAt.UTC().Format(time.RFC3339)
		status = 200
		auditAction = models.AuditActionApprove
	}
	s.recordDecision(r.Context(), principal, auditAction, resp.Nonce, verdict.Reason)
	s.publish(stream.EventPlan, resp)
	httpx.WriteJSON(w, status, resp)
}

type applyRequest struct {
	Nonce          string              `json:"nonce"`
	IdempotencyKey string              `json:"idempotencyKey"`
	Context        models.CheckContext `json:"context"`
}

func (s *Server) handleLiveApply(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	var req applyRequest
	if err := httpx.DecodeJSON(r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, 400, "invalid request body")
		return
	}
	verdict := s.evaluateGate(r, principal, req.Context)
	resp := models.ApplyResponse{
		Nonce:         req.Nonce,
		Reason:        verdict.Reason,
		TokenVerified: verdict.TokenVerified,
		RBACOk:        verdict.RBACOk,
		KillSwitch:    verdict.KillSwitch,
		GatesOk:       verdict.GatesOk,
		NotionalOk:    verdict.Reason != guardrails.ReasonMaxNotional,
	}
	if !verdict.Accepted {
		s.recordDecision(r.Context(), principal, models.AuditActionDeny, req.Nonce, verdict.Reason)
		httpx.WriteJSON(w, 403, resp)
		return
	}

	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey == "" {
		idemKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	ttlMin := int(s.Idempotency.TTL() / time.Minute)
	if idemKey != "" {
		res, err := s.Idempotency.CheckOrReserve(r.Context(), idemKey)
		if err != nil {
			log.Printf("idempotency: %v", err)
			httpx.Error(w, 500, "idempotency store unavailable")
			return
		}
		if !res.IsNew {
			s.Metrics.IncIdempotentHit()
			if res.HasResult {
				var prior models.ApplyResponse
				if err := json.Unmarshal([]byte(res.PriorResult), &prior); err == nil {
					prior.Idempotency.WasDuplicate = true
					httpx.WriteJSON(w, 200, prior)
					return
				}
			}
			resp.Accepted = true
			resp.Reason = gate.ReasonOK
			resp.Idempotency = models.IdempotencyInfo{Key: idemKey, WasDuplicate: true, TTLMin: ttlMin}
			httpx.WriteJSON(w, 200, resp)
			return
		}
		resp.Idempotency = models.IdempotencyInfo{Key: idemKey, TTLMin: ttlMin}
	}

	action, ok := s.Pending.Take(req.Nonce)
	if !ok {
		// The nonce is the confirmation credential; absent or expired means
		// the caller must re-propose.
		resp.Reason = gate.ReasonConfirmToken
		if idemKey != "" {
			_ = s.Idempotency.Release(r.Context(), idemKey)
		}
		s.recordDecision(r.Context(), principal, models.AuditActionDeny, req.Nonce, resp.Reason)
		httpx.WriteJSON(w, 403, resp)
		return
	}

	st, err := s.Breaker.Hit(r.Context(), breakerKeyLiveOrder)
	if err != nil {
		log.Printf("breaker: %v", err)
	}
	resp.Breaker = models.BreakerInfo{
		WindowSec:     st.WindowSec,
		MaxPerWindow:  st.MaxPerWindow,
		CountInWindow: st.CountInWindow,
		Tripped:       st.Tripped,
	}
	if st.Tripped {
		// The trip rejects this attempt, not the confirmation itself; the
		// nonce stays valid so a retry after the window clears can apply.
		s.Pending.Restore(action)
		s.Metrics.IncBreakerTrip()
		resp.Reason = gate.ReasonCircuitTripped
		if idemKey != "" {
			_ = s.Idempotency.Release(r.Context(), idemKey)
		}
		s.recordDecision(r.Context(), principal, models.AuditActionDeny, req.Nonce, resp.Reason)
		httpx.WriteJSON(w, 429, resp)
		return
	}

	resp.Accepted = true
	resp.Reason = gate.ReasonOK
	resp.Order = executeOrder(action)

	if idemKey != "" {
		if raw, err := json.Marshal(resp); err == nil {
			if err := s.Idempotency.RecordResult(r.Context(), idemKey, string(raw)); err != nil {
				log.Printf("idempotency: %v", err)
			}
		}
	}
	s.recordDecision(r.Context(), principal, models.AuditActionApprove, req.Nonce, resp.Reason)
	s.publish(stream.EventApply, resp)
	if s.Bus != nil {
		if err := s.Bus.Publish(r.Context(), breakerKeyLiveOrder, resp); err != nil {
			log.Printf("statebus: publish apply: %v", err)
		}
	}
	httpx.WriteJSON(w, 200, resp)
}

// executeOrder is the paper execution backend: it acknowledges the confirmed
// action without routing it anywhere.
func executeOrder(a models.PendingAction) *models.OrderRef {
	ref := &models.OrderRef{
		Provider: "paper",
		ID:       uuid.NewString(),
		Status:   "accepted",
		TS:       time.Now().UTC().Format(time.RFC3339),
	}
	if sym, ok := a.Params["symbol"].(string); ok {
		ref.Symbol = sym
	}
	if side, ok := a.Params["side"].(string); ok {
		ref.Side = side
	}
	if qty, ok := a.Params["qty"].(float64); ok {
		ref.Qty = qty
	}
	return ref
}

// --- audit handlers ---

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.Audit.Recent(limit)
	if err != nil {
		httpx.Error(w, 500, "audit log unavailable")
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"entries": entries})
}

// --- shared plumbing ---

func (s *Server) principal(r *http.Request) auth.Principal {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{Subject: "anonymous"}
	}
	return p
}

func (s *Server) evaluateGate(r *http.Request, principal auth.Principal, checkCtx models.CheckContext) gate.Verdict {
	_, canaryRes := s.canaryState()
	verdict := gate.Decide(gate.Config{
		ConfirmToken: s.ConfirmToken,
		AdminRole:    s.AdminRole,
		CanaryGate:   s.CanaryGate,
	}, gate.Inputs{
		Token:          r.Header.Get("X-Confirm-Token"),
		Role:           principal.Role(),
		KillSwitch:     s.Policy.Effective().KillSwitch,
		Guardrail:      s.Guardrails.Evaluate(checkCtx),
		CanaryDecision: canaryRes.Decision,
	})
	return verdict
}

// requireAdminConfirm guards the mutating operator endpoints: confirm token
// first, then role.
func (s *Server) requireAdminConfirm(w http.ResponseWriter, r *http.Request, principal auth.Principal, ref string) bool {
	if !gate.TokenMatches(s.ConfirmToken, r.Header.Get("X-Confirm-Token")) {
		s.Metrics.IncReason(gate.ReasonConfirmToken)
		s.appendAudit(r.Context(), principal, models.AuditActionDeny, ref, models.AuditStatusFailed, gate.ReasonConfirmToken)
		httpx.Error(w, 403, gate.ReasonConfirmToken)
		return false
	}
	if !gate.RoleAllowed(s.AdminRole, principal.Role()) {
		s.Metrics.IncReason(gate.ReasonRBACDenied)
		s.appendAudit(r.Context(), principal, models.AuditActionDeny, ref, models.AuditStatusFailed, gate.ReasonRBACDenied)
		httpx.Error(w, 403, gate.ReasonRBACDenied)
		return false
	}
	return true
}

func (s *Server) recordDecision(ctx context.Context, principal auth.Principal, action, ref, reason string) {
	if action == models.AuditActionApprove {
		s.Metrics.IncVerdict("accepted")
	} else {
		s.Metrics.IncVerdict("denied")
	}
	s.Metrics.IncReason(reason)
	status := models.AuditStatusSuccess
	if action == models.AuditActionDeny {
		status = models.AuditStatusFailed
	}
	s.appendAudit(ctx, principal, action, ref, status, reason)
}

func (s *Server) appendAudit(ctx context.Context, principal auth.Principal, action, ref, status, message string) {
	s.Audit.Append(ctx, models.AuditEntry{
		Actor:   principal.Subject,
		Role:    principal.Role(),
		Action:  action,
		ID:      ref,
		Status:  status,
		Message: message,
	})
}

func (s *Server) publish(eventType string, data interface{}) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(eventType, data))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// --- background loops ---

func (s *Server) idempotencyGCLoop(ctx context.Context) {
	mem, ok := s.Cache.(*store.MemoryCache)
	if !ok {
		// Redis expires keys itself.
		return
	}
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			live := mem.Sweep(time.Now())
			s.Metrics.SetGauge("idempotency_keys", float64(live))
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("pending_actions", float64(s.Pending.Len()))
			s.Metrics.SetGauge("audit_failures", float64(s.Audit.Failures()))
			if ks := s.Policy.Effective().KillSwitch; ks {
				s.Metrics.SetGauge("kill_switch", 1)
			} else {
				s.Metrics.SetGauge("kill_switch", 0)
			}
		}
	}
}

// --- env helpers ---

func thresholdsFromEnv() models.RiskThresholds {
	var th models.RiskThresholds
	if v, ok := envFloat("MAX_NOTIONAL"); ok {
		th.MaxNotional = &v
	}
	if v, ok := envFloat("MAX_DRAWDOWN_PCT"); ok {
		th.MaxDrawdownPct = &v
	}
	if v, ok := envFloat("PNL_DAY_LIMIT"); ok {
		th.PnlDayLimit = &v
	}
	return th
}

func canaryThresholdsFromEnv() canary.Thresholds {
	th := canary.DefaultThresholds()
	if v, ok := envFloat("CANARY_ACK_P95_MS"); ok {
		th.AckP95Ms = v
	}
	if v, ok := envFloat("CANARY_EVENT_TO_DB_P95_MS"); ok {
		th.EventToDBP95Ms = v
	}
	if v, ok := envFloat("CANARY_INGEST_LAG_P95_S"); ok {
		th.IngestLagP95S = v
	}
	if v, ok := envFloat("CANARY_SEQ_GAP_TOTAL"); ok {
		th.SeqGapTotal = v
	}
	if v, ok := envFloat("CANARY_SLIPPAGE_P95_BPS"); ok {
		th.SlippageP95Bps = v
	}
	if v, ok := envFloat("CANARY_CLOCK_DRIFT_MS_P95"); ok {
		th.ClockDriftP95Ms = v
	}
	return th
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloat(k string) (float64, bool) {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
