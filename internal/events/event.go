// Package events defines the canonical wire event and its closed set of types.
package events

import "time"

// Type is the closed set of event-type tags carried on Event.Type.
type Type string

const (
	TypeMatchStart       Type = "match_start"
	TypeMatchEnd         Type = "match_end"
	TypeMapStart         Type = "map_start"
	TypeMapEnd           Type = "map_end"
	TypeRoundStart       Type = "round_start"
	TypeRoundEnd         Type = "round_end"
	TypeKill             Type = "kill"
	TypeDeath            Type = "death"
	TypeAssist           Type = "assist"
	TypeBombPlanted      Type = "bomb_planted"
	TypeBombDefused      Type = "bomb_defused"
	TypeBombExploded     Type = "bomb_exploded"
	TypePlayerHurt       Type = "player_hurt"
	TypeFreezeTimeEnded  Type = "freeze_time_ended"
	TypeTimeoutStart     Type = "timeout_start"
	TypeTimeoutEnd       Type = "timeout_end"
	TypeEconomyUpdate    Type = "economy_update"
)

// validTypes is the closed set; the schema layer rejects anything else
// (it has no passthrough mode for unknown types).
var validTypes = map[Type]bool{
	TypeMatchStart:      true,
	TypeMatchEnd:        true,
	TypeMapStart:        true,
	TypeMapEnd:          true,
	TypeRoundStart:      true,
	TypeRoundEnd:        true,
	TypeKill:            true,
	TypeDeath:           true,
	TypeAssist:          true,
	TypeBombPlanted:     true,
	TypeBombDefused:     true,
	TypeBombExploded:    true,
	TypePlayerHurt:      true,
	TypeFreezeTimeEnded: true,
	TypeTimeoutStart:    true,
	TypeTimeoutEnd:      true,
	TypeEconomyUpdate:   true,
}

// IsKnown reports whether t is a member of the closed type set.
func IsKnown(t Type) bool {
	return validTypes[t]
}

// PredictionTriggers is the distinguished subset of types that triggers
// the Prediction Engine (spec §4.7).
var PredictionTriggers = map[Type]bool{
	TypeRoundStart:   true,
	TypeRoundEnd:     true,
	TypeKill:         true,
	TypeBombPlanted:  true,
	TypeBombDefused:  true,
	TypeBombExploded: true,
}

// IsPredictionTrigger reports whether t should trigger the prediction engine.
func IsPredictionTrigger(t Type) bool {
	return PredictionTriggers[t]
}

// DefaultSchemaVersion is the single supported schema version.
const DefaultSchemaVersion = 1

// MaxEventBytes is the serialized size cap on a whole event (I3).
const MaxEventBytes = 64 * 1024

// Event is the canonical wire object described in spec.md §3.
type Event struct {
	EventID       string          `json:"event_id"`
	MatchID       string          `json:"match_id"`
	MapID         string          `json:"map_id"`
	RoundNo       int             `json:"round_no"`
	TsEvent       time.Time       `json:"ts_event"`
	TsIngest      time.Time       `json:"ts_ingest"`
	Type          Type            `json:"type"`
	Source        string          `json:"source"`
	SeqNo         uint64          `json:"seq_no"`
	Payload       map[string]any  `json:"payload"`
	TraceID       string          `json:"trace_id,omitempty"`
	SchemaVersion int             `json:"schema_version"`

	// Unknown holds top-level fields not part of the canonical shape, so
	// forward-compatible producers don't lose data on the way through.
	Unknown map[string]any `json:"-"`
}

// Shard returns the ordering domain this event belongs to.
func (e *Event) Shard() string {
	return e.MatchID + ":" + e.MapID
}
