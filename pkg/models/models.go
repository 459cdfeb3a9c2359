package models

import (
	"encoding/json"
	"time"
)

// PolicyOverride is the single persisted safety override. It is only ever
// replaced wholesale, never deleted.
type PolicyOverride struct {
	KillSwitch bool      `json:"killSwitch"`
	UpdatedAt  time.Time `json:"ts"`
}

// PolicyPatch carries the fields of an override write. Nil fields keep the
// existing value.
type PolicyPatch struct {
	KillSwitch *bool `json:"killSwitch,omitempty"`
}

const (
	PolicySourceOverride = "override"
	PolicySourceEnv      = "env"
)

// EffectivePolicy is derived on every read: override wins over the
// environment default when present.
type EffectivePolicy struct {
	KillSwitch bool            `json:"killSwitch"`
	Source     string          `json:"source"`
	Override   *PolicyOverride `json:"override"`
}

// PendingAction is one proposed two-phase action awaiting confirmation.
type PendingAction struct {
	Nonce     string                 `json:"nonce"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

func (p PendingAction) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

const (
	AuditActionApprove = "approve"
	AuditActionDeny    = "deny"
	AuditActionView    = "view"

	AuditStatusSuccess = "success"
	AuditStatusFailed  = "failed"
)

// AuditEntry is one line of the append-only decision trail.
type AuditEntry struct {
	TS       time.Time `json:"ts"`
	Actor    string    `json:"actor"`
	Role     string    `json:"role"`
	Action   string    `json:"action"`
	ID       string    `json:"id,omitempty"`
	DiffHash string    `json:"diffHash,omitempty"`
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
}

// CheckContext is the risk context a proposed action is evaluated against.
type CheckContext struct {
	PortfolioNotional float64 `json:"portfolioNotional"`
	DrawdownPct       float64 `json:"drawdownPct"`
	PnlDay            float64 `json:"pnlDay"`
}

// RiskThresholds are opt-in per rule: a nil field disables that check.
type RiskThresholds struct {
	MaxNotional    *float64 `json:"maxNotional,omitempty"`
	MaxDrawdownPct *float64 `json:"maxDrawdownPct,omitempty"`
	PnlDayLimit    *float64 `json:"pnlDayLimit,omitempty"`
}

// Decision is the structured outcome of a guardrail or gate check.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// ParamChange records one leaf-level difference between two parameter sets.
type ParamChange struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}

// IdempotencyInfo mirrors the apply response sub-object of the executor wire
// format.
type IdempotencyInfo struct {
	Key          string `json:"key"`
	WasDuplicate bool   `json:"wasDuplicate"`
	TTLMin       int    `json:"ttlMin"`
}

// BreakerInfo mirrors the circuit status sub-object of the apply response.
type BreakerInfo struct {
	WindowSec     int  `json:"windowSec"`
	MaxPerWindow  int  `json:"maxPerWindow"`
	CountInWindow int  `json:"countInWindow"`
	Tripped       bool `json:"tripped"`
}

// OrderRef describes where a confirmed live action landed.
type OrderRef struct {
	Provider string  `json:"provider"`
	ID       string  `json:"id,omitempty"`
	Symbol   string  `json:"symbol,omitempty"`
	Qty      float64 `json:"qty,omitempty"`
	Side     string  `json:"side,omitempty"`
	Status   string  `json:"status,omitempty"`
	TS       string  `json:"ts,omitempty"`
}

// PlanResponse is returned by the propose half of a two-phase live action.
type PlanResponse struct {
	Nonce         string `json:"nonce"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason"`
	TokenVerified bool   `json:"tokenVerified"`
	RBACOk        bool   `json:"rbacOk"`
	KillSwitch    bool   `json:"killSwitch"`
	GatesOk       bool   `json:"gatesOk"`
	NotionalOk    bool   `json:"notionalOk"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
}

// ApplyResponse is returned by the confirm half of a two-phase live action.
type ApplyResponse struct {
	Nonce         string          `json:"nonce"`
	Accepted      bool            `json:"accepted"`
	Reason        string          `json:"reason"`
	TokenVerified bool            `json:"tokenVerified"`
	RBACOk        bool            `json:"rbacOk"`
	KillSwitch    bool            `json:"killSwitch"`
	GatesOk       bool            `json:"gatesOk"`
	NotionalOk    bool            `json:"notionalOk"`
	Idempotency   IdempotencyInfo `json:"idempotency"`
	Breaker       BreakerInfo     `json:"breaker"`
	Order         *OrderRef       `json:"order,omitempty"`
}

// RawParams round-trips arbitrary JSON parameter objects.
func RawParams(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
