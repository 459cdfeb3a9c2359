package guardrails

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"sparkgate/pkg/models"
)

const (
	ReasonMaxNotional = "max_notional"
	ReasonMaxDrawdown = "max_drawdown"
	ReasonPnlDay      = "pnl_day"
)

// Check evaluates risk rules in a fixed order and returns on the first
// violation. Absent thresholds are skipped. Pure function, safe to call
// concurrently.
func Check(ctx models.CheckContext, th models.RiskThresholds) models.Decision {
	if th.MaxNotional != nil && ctx.PortfolioNotional > *th.MaxNotional {
		return models.Decision{Allow: false, Reason: ReasonMaxNotional}
	}
	if th.MaxDrawdownPct != nil && ctx.DrawdownPct > *th.MaxDrawdownPct {
		return models.Decision{Allow: false, Reason: ReasonMaxDrawdown}
	}
	if th.PnlDayLimit != nil && ctx.PnlDay < -math.Abs(*th.PnlDayLimit) {
		return models.Decision{Allow: false, Reason: ReasonPnlDay}
	}
	return models.Decision{Allow: true}
}

// DiffParams computes a leaf-level structural diff keyed by dotted path.
// Nested maps recurse; everything else compares by deep equality.
func DiffParams(oldParams, newParams map[string]interface{}) map[string]models.ParamChange {
	out := map[string]models.ParamChange{}
	diffInto(out, "", oldParams, newParams)
	return out
}

func diffInto(out map[string]models.ParamChange, prefix string, oldM, newM map[string]interface{}) {
	keys := map[string]struct{}{}
	for k := range oldM {
		keys[k] = struct{}{}
	}
	for k := range newM {
		keys[k] = struct{}{}
	}
	for k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		oldV, oldOk := oldM[k]
		newV, newOk := newM[k]
		oldChild, oldIsMap := oldV.(map[string]interface{})
		newChild, newIsMap := newV.(map[string]interface{})
		if oldOk && newOk && oldIsMap && newIsMap {
			diffInto(out, path, oldChild, newChild)
			continue
		}
		if oldOk && newOk && reflect.DeepEqual(oldV, newV) {
			continue
		}
		out[path] = models.ParamChange{From: oldV, To: newV}
	}
}

// RiskWeights are the heuristic path-keyword weights for scoring a parameter
// change. Tunable configuration, not invariants.
type RiskWeights struct {
	Leverage int
	Sizing   int
	Stop     int
	Cap      int
}

func DefaultRiskWeights() RiskWeights {
	return RiskWeights{Leverage: 5, Sizing: 3, Stop: 2, Cap: 10}
}

// RiskScore flags how dangerous a parameter change looks. Each changed path
// contributes by keyword: leverage keys weigh the most, then position-sizing
// keys, then stop-distance keys. The total is capped.
func RiskScore(diffs map[string]models.ParamChange, w RiskWeights) int {
	score := 0
	for path := range diffs {
		p := strings.ToLower(path)
		switch {
		case strings.Contains(p, "leverage"):
			score += w.Leverage
		case strings.Contains(p, "size") || strings.Contains(p, "notional"):
			score += w.Sizing
		case strings.Contains(p, "stop"):
			score += w.Stop
		}
	}
	if w.Cap > 0 && score > w.Cap {
		score = w.Cap
	}
	return score
}

// SortedPaths returns diff paths in deterministic order for display.
func SortedPaths(diffs map[string]models.ParamChange) []string {
	paths := make([]string, 0, len(diffs))
	for p := range diffs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Breach records the most recent denied check for operator visibility.
type Breach struct {
	TS      time.Time           `json:"ts"`
	Reason  string              `json:"reason"`
	Context models.CheckContext `json:"context"`
}

// Registry holds the active thresholds and score weights behind a lock so
// operators can retune them at runtime.
type Registry struct {
	mu         sync.RWMutex
	thresholds models.RiskThresholds
	weights    RiskWeights
	lastBreach *Breach
}

func NewRegistry(th models.RiskThresholds) *Registry {
	return &Registry{thresholds: th, weights: DefaultRiskWeights()}
}

func (r *Registry) Thresholds() models.RiskThresholds {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.thresholds
}

// SetThresholds replaces the active thresholds. Negative values are rejected;
// nil fields disable the corresponding rule.
func (r *Registry) SetThresholds(th models.RiskThresholds) error {
	for name, v := range map[string]*float64{
		"maxNotional":    th.MaxNotional,
		"maxDrawdownPct": th.MaxDrawdownPct,
		"pnlDayLimit":    th.PnlDayLimit,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("guardrails: %s must be >= 0, got %v", name, *v)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds = th
	return nil
}

func (r *Registry) Weights() RiskWeights {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weights
}

// Evaluate runs Check against the active thresholds and records a breach on
// deny.
func (r *Registry) Evaluate(ctx models.CheckContext) models.Decision {
	d := Check(ctx, r.Thresholds())
	if !d.Allow {
		r.mu.Lock()
		r.lastBreach = &Breach{TS: time.Now().UTC(), Reason: d.Reason, Context: ctx}
		r.mu.Unlock()
	}
	return d
}

func (r *Registry) LastBreach() *Breach {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastBreach == nil {
		return nil
	}
	b := *r.lastBreach
	return &b
}
