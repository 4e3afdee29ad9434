package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/matchstream/internal/events"
)

func validKillJSON() []byte {
	return []byte(`{
		"event_id": "8f14e45f-ceea-467e-9d1c-3b8f8e8f8e8f",
		"match_id": "m1",
		"map_id": "map1",
		"round_no": 3,
		"ts_event": "2026-07-31T12:00:00Z",
		"type": "kill",
		"source": "server-a",
		"seq_no": 42,
		"payload": {
			"killer_player_id": "p1",
			"killer_team": "A",
			"victim_player_id": "p2",
			"victim_team": "B",
			"weapon": "ak47",
			"is_headshot": true
		}
	}`)
}

func TestValidate_Accepts(t *testing.T) {
	ev, verr := Validate(validKillJSON())
	require.Nil(t, verr)
	require.NotNil(t, ev)
	assert.Equal(t, events.TypeKill, ev.Type)
	assert.Equal(t, "m1", ev.MatchID)
	assert.Equal(t, uint64(42), ev.SeqNo)
	assert.Equal(t, events.DefaultSchemaVersion, ev.SchemaVersion)
}

func TestValidate_RejectsOversized(t *testing.T) {
	huge := make([]byte, events.MaxEventBytes+1)
	_, verr := Validate(huge)
	require.NotNil(t, verr)
	assert.Equal(t, ErrSizeExceeded, verr.Kind)
}

func TestValidate_RejectsBadUUID(t *testing.T) {
	raw := []byte(`{
		"event_id": "not-a-uuid",
		"match_id": "m1",
		"map_id": "map1",
		"type": "kill",
		"source": "server-a",
		"ts_event": "2026-07-31T12:00:00Z",
		"seq_no": 1,
		"payload": {"killer_team": "A", "victim_team": "B"}
	}`)
	_, verr := Validate(raw)
	require.NotNil(t, verr)
	assert.Equal(t, ErrBadUUID, verr.Kind)
}

func TestValidate_RejectsUnknownType(t *testing.T) {
	raw := []byte(`{
		"event_id": "8f14e45f-ceea-467e-9d1c-3b8f8e8f8e8f",
		"match_id": "m1",
		"map_id": "map1",
		"type": "grenade_thrown",
		"source": "server-a",
		"ts_event": "2026-07-31T12:00:00Z",
		"seq_no": 1,
		"payload": {}
	}`)
	_, verr := Validate(raw)
	require.NotNil(t, verr)
	assert.Equal(t, ErrBadEnum, verr.Kind)
}

func TestValidate_RejectsMissingRequiredPayloadField(t *testing.T) {
	raw := []byte(`{
		"event_id": "8f14e45f-ceea-467e-9d1c-3b8f8e8f8e8f",
		"match_id": "m1",
		"map_id": "map1",
		"type": "kill",
		"source": "server-a",
		"ts_event": "2026-07-31T12:00:00Z",
		"seq_no": 1,
		"payload": {"killer_team": "A"}
	}`)
	_, verr := Validate(raw)
	require.NotNil(t, verr)
	assert.Equal(t, ErrMissingRequired, verr.Kind)
}

func TestValidate_MissingTraceIDIsDefaulted(t *testing.T) {
	ev, verr := Validate(validKillJSON())
	require.Nil(t, verr)
	assert.NotEmpty(t, ev.TraceID)
}

func TestValidate_RejectsBadTimestamp(t *testing.T) {
	raw := []byte(`{
		"event_id": "8f14e45f-ceea-467e-9d1c-3b8f8e8f8e8f",
		"match_id": "m1",
		"map_id": "map1",
		"type": "kill",
		"source": "server-a",
		"ts_event": "not-a-timestamp",
		"seq_no": 1,
		"payload": {"killer_team": "A", "victim_team": "B"}
	}`)
	_, verr := Validate(raw)
	require.NotNil(t, verr)
	assert.Equal(t, ErrBadTimestamp, verr.Kind)
}
