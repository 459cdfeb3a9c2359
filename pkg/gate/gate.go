package gate

import (
	"crypto/subtle"
	"strings"

	"sparkgate/pkg/canary"
	"sparkgate/pkg/models"
)

const (
	ReasonOK             = "ok"
	ReasonConfirmToken   = "confirm_required"
	ReasonRBACDenied     = "rbac_denied"
	ReasonKillSwitch     = "kill_switch"
	ReasonCanaryHold     = "canary_hold"
	ReasonCircuitTripped = "circuit_tripped"
)

// Config is the static half of a gate evaluation.
type Config struct {
	ConfirmToken string
	AdminRole    string
	CanaryGate   bool
}

// Inputs is the per-request half: caller credentials plus the current state
// of every upstream guard.
type Inputs struct {
	Token          string
	Role           string
	KillSwitch     bool
	Guardrail      models.Decision
	CanaryDecision string
}

// Verdict reports the outcome and which individual gates passed, so callers
// can surface the full checklist even on early denial.
type Verdict struct {
	Accepted      bool
	Reason        string
	TokenVerified bool
	RBACOk        bool
	KillSwitch    bool
	GatesOk       bool
}

// Decide runs the guard chain in a fixed order and stops at the first
// failure: confirm token, role, kill switch, guardrails, canary. The breaker
// is checked separately at apply time because it consumes window capacity.
func Decide(cfg Config, in Inputs) Verdict {
	v := Verdict{KillSwitch: in.KillSwitch}
	v.TokenVerified = TokenMatches(cfg.ConfirmToken, in.Token)
	if !v.TokenVerified {
		v.Reason = ReasonConfirmToken
		return v
	}
	v.RBACOk = RoleAllowed(cfg.AdminRole, in.Role)
	if !v.RBACOk {
		v.Reason = ReasonRBACDenied
		return v
	}
	if in.KillSwitch {
		v.Reason = ReasonKillSwitch
		return v
	}
	if !in.Guardrail.Allow {
		v.Reason = in.Guardrail.Reason
		return v
	}
	v.GatesOk = true
	if cfg.CanaryGate && in.CanaryDecision == canary.Red {
		v.Reason = ReasonCanaryHold
		return v
	}
	v.Accepted = true
	v.Reason = ReasonOK
	return v
}

// TokenMatches compares in constant time. An empty configured token means
// confirmation is unenforced.
func TokenMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// RoleAllowed checks the caller's role against the configured admin role,
// case-insensitively.
func RoleAllowed(adminRole, role string) bool {
	if adminRole == "" {
		adminRole = "admin"
	}
	return strings.EqualFold(strings.TrimSpace(role), adminRole)
}
