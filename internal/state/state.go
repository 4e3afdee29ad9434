// Package state implements the pure event-to-state reducer (spec.md §4.6).
// Apply is deterministic and side-effect free; the owning matchstore
// package is responsible for persistence and pub/sub, keeping with the
// "no cyclic ownership" rule in spec.md §9.
package state

import (
	"time"

	"github.com/adred-codev/matchstream/internal/events"
)

// Side is a team's side of the map.
type Side string

const (
	SideCT Side = "CT"
	SideT  Side = "T"
)

// Phase is the round's current phase.
type Phase string

const (
	PhaseWarmup      Phase = "warmup"
	PhaseFreeze      Phase = "freeze"
	PhaseLive        Phase = "live"
	PhaseBombPlanted Phase = "bomb_planted"
	PhaseEnded       Phase = "ended"
)

// Team holds one team's aggregate counters.
type Team struct {
	Score                  int     `json:"score"`
	MapsWon                int     `json:"maps_won"`
	AliveCount             int     `json:"alive_count"`
	ConsecutiveRoundLosses int     `json:"consecutive_round_losses"`
	Side                   Side    `json:"side"`
	Money                  int     `json:"money"`
	EquipmentValue         int     `json:"equipment_value"`
	KillsRound             int     `json:"kills_round"`
	KillsTotal             int     `json:"kills_total"`
}

// RoundResult is one entry in the round history.
type RoundResult struct {
	RoundNo     int    `json:"round_no"`
	Winner      string `json:"winner"`
	WinReason   string `json:"win_reason"`
	TeamAKills  int    `json:"team_a_kills"`
	TeamBKills  int    `json:"team_b_kills"`
}

// Round holds the current round's transient fields.
type Round struct {
	RoundNo          int    `json:"round_no"`
	Phase            Phase  `json:"phase"`
	BombPlanted      bool   `json:"bomb_planted"`
	BombSite         string `json:"bomb_site,omitempty"` // "A", "B", or ""
	SecondsRemaining int    `json:"seconds_remaining"`
}

// MatchState is the full per-match aggregate (spec.md §3).
type MatchState struct {
	MatchID string `json:"match_id"`

	TeamA Team  `json:"team_a"`
	TeamB Team  `json:"team_b"`
	Round Round `json:"round"`

	LastEventID string    `json:"last_event_id"`
	LastEventAt time.Time `json:"last_event_at"`
	StateVersion uint64   `json:"state_version"`

	RoundHistory []RoundResult `json:"round_history"`
}

// New creates a zero-value match state with both teams starting at 5
// players alive, as a new match has not yet seen a round_start.
func New(matchID string) *MatchState {
	return &MatchState{
		MatchID: matchID,
		TeamA:   Team{AliveCount: 5},
		TeamB:   Team{AliveCount: 5},
	}
}

// clone performs a shallow value copy sufficient for our mutation style:
// every Apply call returns a new *MatchState so callers can diff/publish
// without worrying about aliasing the caller's copy.
func clone(s *MatchState) *MatchState {
	cp := *s
	cp.RoundHistory = append([]RoundResult(nil), s.RoundHistory...)
	return &cp
}

func teamf(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func intf(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Apply is the deterministic reducer: apply(state, event) -> state'. It
// never mutates its input and always bumps StateVersion, even for
// unrecognized event types (spec.md §4.6 "Other types: no-op on state,
// still bump state_version").
func Apply(s *MatchState, ev *events.Event) *MatchState {
	next := clone(s)

	switch ev.Type {
	case events.TypeMatchStart:
		next.TeamA.MapsWon = 0
		next.TeamB.MapsWon = 0

	case events.TypeMapStart:
		next.TeamA.Score = 0
		next.TeamB.Score = 0
		next.Round.RoundNo = 1
		next.Round.Phase = PhaseWarmup

	case events.TypeRoundStart:
		next.Round.Phase = PhaseFreeze
		next.TeamA.AliveCount = 5
		next.TeamB.AliveCount = 5
		next.TeamA.KillsRound = 0
		next.TeamB.KillsRound = 0
		next.Round.BombPlanted = false
		next.Round.BombSite = ""
		if v, ok := intf(ev.Payload, "team_a_score"); ok {
			next.TeamA.Score = v
		}
		if v, ok := intf(ev.Payload, "team_b_score"); ok {
			next.TeamB.Score = v
		}
		if side := teamf(ev.Payload, "team_a_side"); side != "" {
			next.TeamA.Side = Side(side)
		}
		if side := teamf(ev.Payload, "team_b_side"); side != "" {
			next.TeamB.Side = Side(side)
		}
		next.Round.RoundNo = ev.RoundNo

	case events.TypeFreezeTimeEnded:
		next.Round.Phase = PhaseLive

	case events.TypeKill:
		victimTeam := teamf(ev.Payload, "victim_team")
		killerTeam := teamf(ev.Payload, "killer_team")
		if victimTeam == "A" && next.TeamA.AliveCount > 0 {
			next.TeamA.AliveCount--
		} else if victimTeam == "B" && next.TeamB.AliveCount > 0 {
			next.TeamB.AliveCount--
		}
		if killerTeam == "A" {
			next.TeamA.KillsRound++
			next.TeamA.KillsTotal++
		} else if killerTeam == "B" {
			next.TeamB.KillsRound++
			next.TeamB.KillsTotal++
		}

	case events.TypeBombPlanted:
		next.Round.Phase = PhaseBombPlanted
		next.Round.BombPlanted = true
		next.Round.BombSite = teamf(ev.Payload, "site")
		next.Round.SecondsRemaining = 40

	case events.TypeBombDefused, events.TypeBombExploded:
		next.Round.Phase = PhaseEnded
		next.Round.BombPlanted = false

	case events.TypeRoundEnd:
		next.Round.Phase = PhaseEnded
		winner := teamf(ev.Payload, "winner_team")

		aScore, aHasScore := intf(ev.Payload, "team_a_score")
		bScore, bHasScore := intf(ev.Payload, "team_b_score")
		if aHasScore {
			next.TeamA.Score = aScore
		}
		if bHasScore {
			next.TeamB.Score = bScore
		}
		if !aHasScore && !bHasScore {
			if winner == "A" {
				next.TeamA.Score++
			} else if winner == "B" {
				next.TeamB.Score++
			}
		}

		if winner == "A" {
			next.TeamA.ConsecutiveRoundLosses = 0
			next.TeamB.ConsecutiveRoundLosses++
		} else if winner == "B" {
			next.TeamB.ConsecutiveRoundLosses = 0
			next.TeamA.ConsecutiveRoundLosses++
		}

		next.RoundHistory = append(next.RoundHistory, RoundResult{
			RoundNo:    ev.RoundNo,
			Winner:     winner,
			WinReason:  teamf(ev.Payload, "win_reason"),
			TeamAKills: next.TeamA.KillsRound,
			TeamBKills: next.TeamB.KillsRound,
		})

	case events.TypeMapEnd:
		// Map winner is whichever team holds more rounds at map end; the
		// payload may also specify it explicitly via winner_team.
		winner := teamf(ev.Payload, "winner_team")
		if winner == "" {
			if next.TeamA.Score > next.TeamB.Score {
				winner = "A"
			} else if next.TeamB.Score > next.TeamA.Score {
				winner = "B"
			}
		}
		if winner == "A" {
			next.TeamA.MapsWon++
		} else if winner == "B" {
			next.TeamB.MapsWon++
		}

	case events.TypeEconomyUpdate:
		if v, ok := intf(ev.Payload, "team_a_econ"); ok {
			next.TeamA.Money = v
		}
		if v, ok := intf(ev.Payload, "team_b_econ"); ok {
			next.TeamB.Money = v
		}
		if v, ok := intf(ev.Payload, "equipment_value"); ok {
			// A single equipment_value field is ambiguous about which
			// team it belongs to in the closed schema; apply it to both
			// only when team-specific keys aren't present.
			if _, hasA := ev.Payload["team_a_equipment_value"]; !hasA {
				next.TeamA.EquipmentValue = v
			}
			if _, hasB := ev.Payload["team_b_equipment_value"]; !hasB {
				next.TeamB.EquipmentValue = v
			}
		}
		if v, ok := intf(ev.Payload, "team_a_equipment_value"); ok {
			next.TeamA.EquipmentValue = v
		}
		if v, ok := intf(ev.Payload, "team_b_equipment_value"); ok {
			next.TeamB.EquipmentValue = v
		}

	default:
		// Unknown/unhandled types (match_end, death, assist, player_hurt,
		// timeout_start/end): no state change beyond bookkeeping below.
	}

	next.LastEventID = ev.EventID
	next.LastEventAt = time.Now().UTC()
	next.StateVersion = s.StateVersion + 1

	return next
}
