// Package schema validates raw admission bodies into canonical events.
//
// Grounded on the teacher's layered-rejection order in
// internal/shared/limits/resource_guard.go (cheapest check first: size,
// then shape, then semantic payload checks).
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/matchstream/internal/events"
)

// ErrorKind enumerates the validation failure kinds from spec.md §4.1.
type ErrorKind string

const (
	ErrNone               ErrorKind = ""
	ErrSizeExceeded       ErrorKind = "size_exceeded"
	ErrMissingRequired    ErrorKind = "missing_required"
	ErrBadEnum            ErrorKind = "bad_enum"
	ErrBadUUID            ErrorKind = "bad_uuid"
	ErrBadTimestamp       ErrorKind = "bad_timestamp"
)

// ValidationError carries the error kind plus a human-readable detail.
type ValidationError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func fail(kind ErrorKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// wireEvent mirrors events.Event but keeps Payload/extra fields raw so we
// can dispatch payload validation by type before fully committing to the
// canonical shape.
type wireEvent struct {
	EventID       string         `json:"event_id"`
	MatchID       string         `json:"match_id"`
	MapID         string         `json:"map_id"`
	RoundNo       int            `json:"round_no"`
	TsEvent       string         `json:"ts_event"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	SeqNo         uint64         `json:"seq_no"`
	Payload       map[string]any `json:"payload"`
	TraceID       string         `json:"trace_id"`
	SchemaVersion int            `json:"schema_version"`
}

// Validate parses and validates a raw admission body, strictly rejecting
// any event type outside the closed set described in spec.md §3 (the
// strict=true path; strict=false passthrough for unknown types is not
// wired to any admission route per spec.md §9's resolution of the
// ambiguity in favor of the strict closed set).
func Validate(raw []byte) (*events.Event, *ValidationError) {
	if len(raw) > events.MaxEventBytes {
		return nil, fail(ErrSizeExceeded, "event is %d bytes, max is %d", len(raw), events.MaxEventBytes)
	}

	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil, fail(ErrMissingRequired, "invalid JSON: %v", err)
	}

	if we.EventID == "" {
		return nil, fail(ErrMissingRequired, "event_id is required")
	}
	if _, err := uuid.Parse(we.EventID); err != nil {
		return nil, fail(ErrBadUUID, "event_id is not a valid UUID")
	}
	if we.MatchID == "" || we.MapID == "" {
		return nil, fail(ErrMissingRequired, "match_id and map_id are required")
	}
	if we.Source == "" || len(we.Source) > 100 {
		return nil, fail(ErrMissingRequired, "source must be 1-100 chars")
	}
	if we.RoundNo < 0 || we.RoundNo > 100 {
		return nil, fail(ErrBadEnum, "round_no must be in [0, 100], got %d", we.RoundNo)
	}
	if !events.IsKnown(events.Type(we.Type)) {
		return nil, fail(ErrBadEnum, "unknown event type %q", we.Type)
	}

	tsEvent, err := time.Parse(time.RFC3339, we.TsEvent)
	if err != nil {
		return nil, fail(ErrBadTimestamp, "ts_event is not a valid ISO-8601 timestamp")
	}

	traceID := we.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	} else if _, err := uuid.Parse(traceID); err != nil {
		return nil, fail(ErrBadUUID, "trace_id is not a valid UUID")
	}

	schemaVersion := we.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = events.DefaultSchemaVersion
	}

	if verr := validatePayload(events.Type(we.Type), we.Payload); verr != nil {
		return nil, verr
	}

	ev := &events.Event{
		EventID:       we.EventID,
		MatchID:       we.MatchID,
		MapID:         we.MapID,
		RoundNo:       we.RoundNo,
		TsEvent:       tsEvent,
		TsIngest:      time.Now().UTC(),
		Type:          events.Type(we.Type),
		Source:        we.Source,
		SeqNo:         we.SeqNo,
		Payload:       we.Payload,
		TraceID:       traceID,
		SchemaVersion: schemaVersion,
	}
	return ev, nil
}

// requiredFields declares the required payload keys per event type, per
// spec.md §6 "Payload schemas (required fields only)".
var requiredFields = map[events.Type][]string{
	events.TypeKill:          {"killer_player_id", "killer_team", "victim_player_id", "victim_team", "weapon", "is_headshot"},
	events.TypeRoundStart:    {"team_a_score", "team_b_score", "team_a_side", "team_b_side", "team_a_id", "team_b_id"},
	events.TypeRoundEnd:      {"winner_team", "win_reason", "team_a_score", "team_b_score"},
	events.TypeBombPlanted:   {"player_id", "player_team", "site"},
	events.TypeBombDefused:   {"player_id", "player_team", "site"},
	events.TypeBombExploded:  {"player_id", "player_team", "site"},
	events.TypeEconomyUpdate: {"team_a_econ", "team_b_econ"},
}

var teamEnum = map[string]bool{"A": true, "B": true}
var sideEnum = map[string]bool{"CT": true, "T": true}
var siteEnum = map[string]bool{"A": true, "B": true}
var winReasonEnum = map[string]bool{"elimination": true, "bomb_exploded": true, "bomb_defused": true, "time_expired": true}

func validatePayload(t events.Type, payload map[string]any) *ValidationError {
	fields, ok := requiredFields[t]
	if !ok {
		// Types without a declared payload schema (phase/lifecycle events)
		// pass through unchecked.
		return nil
	}
	if payload == nil {
		return fail(ErrMissingRequired, "payload is required for type %q", t)
	}
	for _, f := range fields {
		if _, present := payload[f]; !present {
			return fail(ErrMissingRequired, "payload.%s is required for type %q", f, t)
		}
	}

	switch t {
	case events.TypeKill:
		if !teamStr(payload, "killer_team", teamEnum) || !teamStr(payload, "victim_team", teamEnum) {
			return fail(ErrBadEnum, "killer_team/victim_team must be A or B")
		}
	case events.TypeRoundStart:
		if !teamStr(payload, "team_a_side", sideEnum) || !teamStr(payload, "team_b_side", sideEnum) {
			return fail(ErrBadEnum, "team_a_side/team_b_side must be CT or T")
		}
	case events.TypeRoundEnd:
		if !teamStr(payload, "winner_team", teamEnum) {
			return fail(ErrBadEnum, "winner_team must be A or B")
		}
		if !teamStr(payload, "win_reason", winReasonEnum) {
			return fail(ErrBadEnum, "win_reason invalid")
		}
	case events.TypeBombPlanted, events.TypeBombDefused, events.TypeBombExploded:
		if !teamStr(payload, "player_team", teamEnum) {
			return fail(ErrBadEnum, "player_team must be A or B")
		}
		if !teamStr(payload, "site", siteEnum) {
			return fail(ErrBadEnum, "site must be A or B")
		}
	}
	return nil
}

func teamStr(payload map[string]any, key string, enum map[string]bool) bool {
	v, ok := payload[key].(string)
	if !ok {
		return false
	}
	return enum[v]
}

// ErrUnknownType is returned by callers that want to distinguish the
// "unknown type with strict=false" passthrough path from a hard reject;
// it is currently unused because no admission route enables that mode
// (see Validate's doc comment), but kept as a typed sentinel for callers
// that may want it later.
var ErrUnknownType = errors.New("unknown event type")
