// Package prediction implements the deterministic rule-based scorer from
// spec.md §4.7: feature extraction, the fixed weight formula, anomaly
// damping, and circuit-breaker fallback to last-good.
package prediction

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/adred-codev/matchstream/internal/events"
	"github.com/adred-codev/matchstream/internal/metrics"
	"github.com/adred-codev/matchstream/internal/state"
)

// ModelVersion identifies the scoring formula's contract version.
const ModelVersion = "rule-based-v1"

// Prediction is the per-shard output (spec.md §3).
type Prediction struct {
	PTeamAWin        float64   `json:"p_team_a_win"`
	PTeamBWin        float64   `json:"p_team_b_win"`
	Confidence       float64   `json:"confidence"`
	ModelVersion     string    `json:"model_version"`
	TriggerEventID   string    `json:"trigger_event_id"`
	TriggerEventType string    `json:"trigger_event_type"`
	TsCalc           time.Time `json:"ts_calc"`
	StateVersion     uint64    `json:"state_version"`
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sign(v float64) float64 {
	if v > 0 {
		return 1
	}
	if v < 0 {
		return -1
	}
	return 0
}

// features are the extracted, clamped inputs to the scoring function.
type features struct {
	aliveDiff    int
	equipDiff    float64
	econDiff     float64
	bombPlanted  bool
	teamASide    state.Side
	winStreakA   int
	winStreakB   int
	strengthDiff float64
}

func extract(s *state.MatchState) features {
	aliveDiff := clampInt(s.TeamA.AliveCount-s.TeamB.AliveCount, -5, 5)
	equipDiff := clamp(float64(s.TeamA.EquipmentValue-s.TeamB.EquipmentValue)/10000, -1, 1)
	econDiff := clamp(float64(s.TeamA.Money-s.TeamB.Money)/10000, -1, 1)

	// No external rating feed is wired (ratings are out of scope for this
	// pipeline); strength_diff defaults to 0, a neutral contribution.
	strengthDiff := 0.0

	return features{
		aliveDiff:    aliveDiff,
		equipDiff:    equipDiff,
		econDiff:     econDiff,
		bombPlanted:  s.Round.BombPlanted,
		teamASide:    s.TeamA.Side,
		winStreakA:   s.TeamB.ConsecutiveRoundLosses,
		winStreakB:   s.TeamA.ConsecutiveRoundLosses,
		strengthDiff: strengthDiff,
	}
}

// rawScore applies the fixed weight formula, returning team A's raw win
// probability before swing damping and clamping.
func rawScore(f features) float64 {
	p := 0.5 +
		0.1*f.strengthDiff +
		0.15*float64(f.aliveDiff) +
		0.05*f.equipDiff +
		0.02*float64(f.winStreakA-f.winStreakB)

	if f.bombPlanted {
		if f.teamASide == state.SideT {
			p += 0.25
		} else if f.teamASide == state.SideCT {
			p -= 0.25
		}
	}
	return clamp(p, 0.05, 0.95)
}

// Engine is the rule-based scorer with per-shard anomaly damping and a
// circuit-breaker fallback to the last-good prediction.
type Engine struct {
	mu   sync.Mutex
	prev map[string]Prediction // shard -> last prediction
}

// NewEngine constructs a prediction Engine.
func NewEngine() *Engine {
	return &Engine{prev: make(map[string]Prediction)}
}

// Compute derives a Prediction for the given match state, triggered by ev.
// On scorer failure (panic during feature extraction/scoring), it falls
// back to the last-good prediction for the shard with confidence 0.1, or
// propagates the failure if no prior prediction exists.
func (e *Engine) Compute(shard string, s *state.MatchState, ev *events.Event) (pred Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			last, ok := e.prev[shard]
			e.mu.Unlock()
			if !ok {
				err = fmt.Errorf("prediction scorer failed and no prior prediction exists: %v", r)
				return
			}
			metrics.PredictionFallbackTotal.Inc()
			last.Confidence = 0.1
			last.TsCalc = time.Now().UTC()
			last.TriggerEventID = ev.EventID
			last.TriggerEventType = string(ev.Type)
			if s != nil {
				last.StateVersion = s.StateVersion
			}
			pred = last
			err = nil
		}
	}()

	f := extract(s)
	p := rawScore(f)

	confidence := clamp(1-float64(s.TeamA.AliveCount+s.TeamB.AliveCount)/10+boolToFloat(f.bombPlanted)*0.2, 0.1, 0.95)

	now := time.Now().UTC()

	e.mu.Lock()
	prevPred, hasPrev := e.prev[shard]
	e.mu.Unlock()

	if hasPrev {
		dt := now.Sub(prevPred.TsCalc).Seconds()
		if dt < 0 {
			dt = 0
		}
		maxMove := 0.20 + dt*0.05
		if math.Abs(p-prevPred.PTeamAWin) > maxMove {
			p = prevPred.PTeamAWin + sign(p-prevPred.PTeamAWin)*maxMove
			metrics.PredictionSwingClampedTotal.Inc()
		}
	}
	p = clamp(p, 0.05, 0.95)

	// Round to 4dp and derive the complement so they sum to exactly 1
	// after rounding (P4).
	pA := math.Round(p*10000) / 10000
	pB := math.Round((1-pA)*10000) / 10000

	pred = Prediction{
		PTeamAWin:        pA,
		PTeamBWin:        pB,
		Confidence:       confidence,
		ModelVersion:     ModelVersion,
		TriggerEventID:   ev.EventID,
		TriggerEventType: string(ev.Type),
		TsCalc:           now,
		StateVersion:     s.StateVersion,
	}

	e.mu.Lock()
	e.prev[shard] = pred
	e.mu.Unlock()

	return pred, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
