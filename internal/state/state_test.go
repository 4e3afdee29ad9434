package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/matchstream/internal/events"
)

func ev(typ events.Type, payload map[string]any) *events.Event {
	return &events.Event{
		EventID: "e1",
		MatchID: "m1",
		MapID:   "map1",
		Type:    typ,
		Payload: payload,
	}
}

func TestApply_BumpsVersionAndBookkeeping(t *testing.T) {
	s := New("m1")
	next := Apply(s, ev(events.TypeFreezeTimeEnded, nil))

	assert.Equal(t, uint64(1), next.StateVersion)
	assert.Equal(t, "e1", next.LastEventID)
	assert.False(t, next.LastEventAt.IsZero())
	assert.Equal(t, uint64(0), s.StateVersion, "input state must not be mutated")
}

func TestApply_UnknownTypeIsNoOpButBumpsVersion(t *testing.T) {
	s := New("m1")
	next := Apply(s, ev(events.TypeDeath, nil))

	assert.Equal(t, uint64(1), next.StateVersion)
	assert.Equal(t, s.TeamA, next.TeamA)
	assert.Equal(t, s.TeamB, next.TeamB)
}

func TestApply_MatchStartResetsMapsWon(t *testing.T) {
	s := New("m1")
	s.TeamA.MapsWon = 2
	s.TeamB.MapsWon = 1

	next := Apply(s, ev(events.TypeMatchStart, nil))
	assert.Equal(t, 0, next.TeamA.MapsWon)
	assert.Equal(t, 0, next.TeamB.MapsWon)
}

func TestApply_MapStartResetsScoresAndRound(t *testing.T) {
	s := New("m1")
	s.TeamA.Score = 10
	s.TeamB.Score = 8

	next := Apply(s, ev(events.TypeMapStart, nil))
	assert.Equal(t, 0, next.TeamA.Score)
	assert.Equal(t, 0, next.TeamB.Score)
	assert.Equal(t, 1, next.Round.RoundNo)
	assert.Equal(t, PhaseWarmup, next.Round.Phase)
}

func TestApply_RoundStartResetsRoundLocalCounters(t *testing.T) {
	s := New("m1")
	s.TeamA.AliveCount = 1
	s.TeamB.AliveCount = 2
	s.TeamA.KillsRound = 3
	s.Round.BombPlanted = true
	s.Round.BombSite = "A"

	e := ev(events.TypeRoundStart, map[string]any{
		"team_a_score": float64(4), "team_b_score": float64(3),
		"team_a_side": "CT", "team_b_side": "T",
	})
	e.RoundNo = 8

	next := Apply(s, e)
	assert.Equal(t, PhaseFreeze, next.Round.Phase)
	assert.Equal(t, 5, next.TeamA.AliveCount)
	assert.Equal(t, 5, next.TeamB.AliveCount)
	assert.Equal(t, 0, next.TeamA.KillsRound)
	assert.False(t, next.Round.BombPlanted)
	assert.Empty(t, next.Round.BombSite)
	assert.Equal(t, 4, next.TeamA.Score)
	assert.Equal(t, 3, next.TeamB.Score)
	assert.Equal(t, SideCT, next.TeamA.Side)
	assert.Equal(t, SideT, next.TeamB.Side)
	assert.Equal(t, 8, next.Round.RoundNo)
}

func TestApply_FreezeTimeEndedGoesLive(t *testing.T) {
	s := New("m1")
	next := Apply(s, ev(events.TypeFreezeTimeEnded, nil))
	assert.Equal(t, PhaseLive, next.Round.Phase)
}

func TestApply_Kill(t *testing.T) {
	cases := []struct {
		name           string
		victimTeam     string
		killerTeam     string
		wantAliveA     int
		wantAliveB     int
		wantKillsA     int
		wantKillsB     int
	}{
		{"A kills B", "B", "A", 5, 4, 1, 0},
		{"B kills A", "A", "B", 4, 5, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New("m1")
			next := Apply(s, ev(events.TypeKill, map[string]any{
				"victim_team": tc.victimTeam,
				"killer_team": tc.killerTeam,
			}))
			assert.Equal(t, tc.wantAliveA, next.TeamA.AliveCount)
			assert.Equal(t, tc.wantAliveB, next.TeamB.AliveCount)
			assert.Equal(t, tc.wantKillsA, next.TeamA.KillsRound)
			assert.Equal(t, tc.wantKillsB, next.TeamB.KillsRound)
			assert.Equal(t, tc.wantKillsA, next.TeamA.KillsTotal)
			assert.Equal(t, tc.wantKillsB, next.TeamB.KillsTotal)
		})
	}
}

func TestApply_KillDoesNotUnderflowAliveCount(t *testing.T) {
	s := New("m1")
	s.TeamA.AliveCount = 0

	next := Apply(s, ev(events.TypeKill, map[string]any{"victim_team": "A", "killer_team": "B"}))
	assert.Equal(t, 0, next.TeamA.AliveCount)
}

func TestApply_BombPlanted(t *testing.T) {
	s := New("m1")
	next := Apply(s, ev(events.TypeBombPlanted, map[string]any{"site": "B", "player_team": "A"}))
	assert.Equal(t, PhaseBombPlanted, next.Round.Phase)
	assert.True(t, next.Round.BombPlanted)
	assert.Equal(t, "B", next.Round.BombSite)
	assert.Equal(t, 40, next.Round.SecondsRemaining)
}

func TestApply_BombDefusedAndExplodedEndRound(t *testing.T) {
	for _, typ := range []events.Type{events.TypeBombDefused, events.TypeBombExploded} {
		t.Run(string(typ), func(t *testing.T) {
			s := New("m1")
			s.Round.BombPlanted = true
			next := Apply(s, ev(typ, map[string]any{"site": "A", "player_team": "A"}))
			assert.Equal(t, PhaseEnded, next.Round.Phase)
			assert.False(t, next.Round.BombPlanted)
		})
	}
}

func TestApply_RoundEndAppliesExplicitScoresAndStreaks(t *testing.T) {
	s := New("m1")
	e := ev(events.TypeRoundEnd, map[string]any{
		"winner_team":   "A",
		"win_reason":    "elimination",
		"team_a_score":  float64(6),
		"team_b_score":  float64(5),
	})
	e.RoundNo = 11

	next := Apply(s, e)
	assert.Equal(t, PhaseEnded, next.Round.Phase)
	assert.Equal(t, 6, next.TeamA.Score)
	assert.Equal(t, 5, next.TeamB.Score)
	assert.Equal(t, 0, next.TeamA.ConsecutiveRoundLosses)
	assert.Equal(t, 1, next.TeamB.ConsecutiveRoundLosses)
	require.Len(t, next.RoundHistory, 1)
	assert.Equal(t, 11, next.RoundHistory[0].RoundNo)
	assert.Equal(t, "A", next.RoundHistory[0].Winner)
	assert.Equal(t, "elimination", next.RoundHistory[0].WinReason)
}

func TestApply_RoundEndIncrementsScoreWhenNotExplicit(t *testing.T) {
	s := New("m1")
	s.TeamB.Score = 3

	next := Apply(s, ev(events.TypeRoundEnd, map[string]any{"winner_team": "B", "win_reason": "time_expired"}))
	assert.Equal(t, 4, next.TeamB.Score)
	assert.Equal(t, 0, next.TeamA.Score)
}

func TestApply_RoundEndAccumulatesConsecutiveLosses(t *testing.T) {
	s := New("m1")
	s.TeamA.ConsecutiveRoundLosses = 2

	next := Apply(s, ev(events.TypeRoundEnd, map[string]any{"winner_team": "B", "win_reason": "elimination"}))
	assert.Equal(t, 3, next.TeamA.ConsecutiveRoundLosses)
	assert.Equal(t, 0, next.TeamB.ConsecutiveRoundLosses)
}

func TestApply_MapEndUsesExplicitWinnerOverScore(t *testing.T) {
	s := New("m1")
	s.TeamA.Score = 10
	s.TeamB.Score = 16

	next := Apply(s, ev(events.TypeMapEnd, map[string]any{"winner_team": "A"}))
	assert.Equal(t, 1, next.TeamA.MapsWon)
	assert.Equal(t, 0, next.TeamB.MapsWon)
}

func TestApply_MapEndFallsBackToScoreWhenWinnerOmitted(t *testing.T) {
	s := New("m1")
	s.TeamA.Score = 10
	s.TeamB.Score = 16

	next := Apply(s, ev(events.TypeMapEnd, nil))
	assert.Equal(t, 0, next.TeamA.MapsWon)
	assert.Equal(t, 1, next.TeamB.MapsWon)
}

func TestApply_EconomyUpdateAppliesSharedEquipmentValueToBoth(t *testing.T) {
	s := New("m1")
	next := Apply(s, ev(events.TypeEconomyUpdate, map[string]any{
		"team_a_econ":      float64(8500),
		"team_b_econ":      float64(3200),
		"equipment_value":  float64(4000),
	}))
	assert.Equal(t, 8500, next.TeamA.Money)
	assert.Equal(t, 3200, next.TeamB.Money)
	assert.Equal(t, 4000, next.TeamA.EquipmentValue)
	assert.Equal(t, 4000, next.TeamB.EquipmentValue)
}

func TestApply_EconomyUpdatePerTeamEquipmentValueOverridesShared(t *testing.T) {
	s := New("m1")
	next := Apply(s, ev(events.TypeEconomyUpdate, map[string]any{
		"team_a_equipment_value": float64(1000),
		"team_b_equipment_value": float64(2000),
		"equipment_value":        float64(9999),
	}))
	assert.Equal(t, 1000, next.TeamA.EquipmentValue)
	assert.Equal(t, 2000, next.TeamB.EquipmentValue)
}

func TestApply_CloneDoesNotAliasRoundHistory(t *testing.T) {
	s := New("m1")
	first := Apply(s, ev(events.TypeRoundEnd, map[string]any{"winner_team": "A", "win_reason": "elimination"}))
	second := Apply(first, ev(events.TypeRoundEnd, map[string]any{"winner_team": "B", "win_reason": "elimination"}))

	require.Len(t, first.RoundHistory, 1)
	require.Len(t, second.RoundHistory, 2)
}
