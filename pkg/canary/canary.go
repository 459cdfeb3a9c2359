package canary

// Decision engine for canary runs: an external probe posts a metrics
// snapshot, the engine compares it against injectable thresholds and answers
// GREEN, YELLOW, or RED.

const (
	Green  = "GREEN"
	Yellow = "YELLOW"
	Red    = "RED"
)

// Metrics is one normalized probe snapshot.
type Metrics struct {
	AckP95Ms        float64  `json:"ack_p95_ms"`
	EventToDBP95Ms  float64  `json:"event_to_db_p95_ms"`
	IngestLagP95S   float64  `json:"ingest_lag_p95_s"`
	SeqGapTotal     float64  `json:"seq_gap_total"`
	SlippageP95Bps  float64  `json:"slippage_p95_bps"`
	ClockDriftP95Ms float64  `json:"clock_drift_ms_p95"`
	Samples         float64  `json:"samples"`
	StartedAt       string   `json:"started_at,omitempty"`
	FinishedAt      string   `json:"finished_at,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// Snapshot pairs metrics with the probe run that produced them.
type Snapshot struct {
	RunID   string  `json:"run_id"`
	Metrics Metrics `json:"metrics"`
}

// RawMetrics is the wire form before normalization: absent fields stay nil.
type RawMetrics struct {
	AckP95Ms        *float64 `json:"ack_p95_ms"`
	EventToDBP95Ms  *float64 `json:"event_to_db_p95_ms"`
	IngestLagP95S   *float64 `json:"ingest_lag_p95_s"`
	SeqGapTotal     *float64 `json:"seq_gap_total"`
	SlippageP95Bps  *float64 `json:"slippage_p95_bps"`
	ClockDriftP95Ms *float64 `json:"clock_drift_ms_p95"`
	Samples         *float64 `json:"samples"`
	StartedAt       string   `json:"started_at,omitempty"`
	FinishedAt      string   `json:"finished_at,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// Normalize fills absent metrics with conservative defaults so a sparse
// probe payload still produces a decidable snapshot.
func Normalize(raw RawMetrics) Metrics {
	pick := func(v *float64, def float64) float64 {
		if v == nil {
			return def
		}
		return *v
	}
	return Metrics{
		AckP95Ms:        pick(raw.AckP95Ms, 1000),
		EventToDBP95Ms:  pick(raw.EventToDBP95Ms, 300),
		IngestLagP95S:   pick(raw.IngestLagP95S, 2),
		SeqGapTotal:     pick(raw.SeqGapTotal, 0),
		SlippageP95Bps:  pick(raw.SlippageP95Bps, 20),
		ClockDriftP95Ms: pick(raw.ClockDriftP95Ms, 0),
		Samples:         pick(raw.Samples, 0),
		StartedAt:       raw.StartedAt,
		FinishedAt:      raw.FinishedAt,
		Errors:          raw.Errors,
	}
}

// Thresholds are the per-metric limits. Zero-valued SeqGapTotal means any
// gap at all is a hard breach.
type Thresholds struct {
	AckP95Ms        float64 `json:"ack_p95_ms"`
	EventToDBP95Ms  float64 `json:"event_to_db_p95_ms"`
	IngestLagP95S   float64 `json:"ingest_lag_p95_s"`
	SeqGapTotal     float64 `json:"seq_gap_total"`
	SlippageP95Bps  float64 `json:"slippage_p95_bps"`
	ClockDriftP95Ms float64 `json:"clock_drift_ms_p95"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AckP95Ms:        1000,
		EventToDBP95Ms:  300,
		IngestLagP95S:   2,
		SeqGapTotal:     0,
		SlippageP95Bps:  25,
		ClockDriftP95Ms: 500,
	}
}

// Result is the decision plus the per-metric breach counts that caused it.
type Result struct {
	Decision       string         `json:"decision"`
	BlockedReasons map[string]int `json:"blockedReasons"`
}

type gate struct {
	name      string
	value     func(Metrics) float64
	threshold func(Thresholds) float64
}

// Counter gates breach hard on any excess over the threshold; p95 gates
// breach soft between 1x and 2x and hard beyond 2x.
var counterGates = []gate{
	{"seq_gap_total", func(m Metrics) float64 { return m.SeqGapTotal }, func(t Thresholds) float64 { return t.SeqGapTotal }},
}

var p95Gates = []gate{
	{"ack_p95_ms", func(m Metrics) float64 { return m.AckP95Ms }, func(t Thresholds) float64 { return t.AckP95Ms }},
	{"event_to_db_p95_ms", func(m Metrics) float64 { return m.EventToDBP95Ms }, func(t Thresholds) float64 { return t.EventToDBP95Ms }},
	{"ingest_lag_p95_s", func(m Metrics) float64 { return m.IngestLagP95S }, func(t Thresholds) float64 { return t.IngestLagP95S }},
	{"slippage_p95_bps", func(m Metrics) float64 { return m.SlippageP95Bps }, func(t Thresholds) float64 { return t.SlippageP95Bps }},
	{"clock_drift_ms_p95", func(m Metrics) float64 { return m.ClockDriftP95Ms }, func(t Thresholds) float64 { return t.ClockDriftP95Ms }},
}

// Decide compares a snapshot to thresholds. RED when any counter gate
// breaches or any p95 exceeds twice its threshold; YELLOW when a p95 sits
// between 1x and 2x; GREEN otherwise.
func Decide(m Metrics, th Thresholds) Result {
	res := Result{Decision: Green, BlockedReasons: map[string]int{}}
	for _, g := range counterGates {
		if v := g.value(m); v > g.threshold(th) {
			res.BlockedReasons[g.name] = int(v - g.threshold(th))
			res.Decision = Red
		}
	}
	for _, g := range p95Gates {
		limit := g.threshold(th)
		if limit <= 0 {
			continue
		}
		v := g.value(m)
		if v <= limit {
			continue
		}
		res.BlockedReasons[g.name]++
		if v >= 2*limit {
			res.Decision = Red
		} else if res.Decision == Green {
			res.Decision = Yellow
		}
	}
	return res
}
