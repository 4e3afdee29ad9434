package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/matchstream/internal/events"
)

func seqEvent(matchID string, seqNo uint64, ts time.Time) *events.Event {
	return &events.Event{
		EventID: "e-" + matchID,
		MatchID: matchID,
		MapID:   "map1",
		SeqNo:   seqNo,
		TsEvent: ts,
	}
}

func TestValidate_FirstEventAlwaysProcesses(t *testing.T) {
	v := New(nil, 0, 0)
	now := time.Now().UTC()

	res, err := v.Validate(context.Background(), seqEvent("m1", 0, now), now)
	require.NoError(t, err)
	assert.Equal(t, ActionProcess, res.Action)
}

func TestValidate_NextConsecutiveProcesses(t *testing.T) {
	v := New(nil, 0, 0)
	now := time.Now().UTC()

	_, err := v.Validate(context.Background(), seqEvent("m1", 0, now), now)
	require.NoError(t, err)

	res, err := v.Validate(context.Background(), seqEvent("m1", 1, now), now)
	require.NoError(t, err)
	assert.Equal(t, ActionProcess, res.Action)
}

func TestValidate_SmallGapBuffersThenDrainsOnArrival(t *testing.T) {
	v := New(nil, 5, 0)
	now := time.Now().UTC()

	_, err := v.Validate(context.Background(), seqEvent("m1", 0, now), now)
	require.NoError(t, err)

	// seq 2 arrives before seq 1: a gap of 1, within threshold, so it buffers.
	res, err := v.Validate(context.Background(), seqEvent("m1", 2, now), now)
	require.NoError(t, err)
	assert.Equal(t, ActionBuffer, res.Action)
	assert.Empty(t, res.BufferedReady)

	// seq 1 arrives, closing the gap; seq 2 should drain out as buffered-ready.
	res, err = v.Validate(context.Background(), seqEvent("m1", 1, now), now)
	require.NoError(t, err)
	assert.Equal(t, ActionProcess, res.Action)
	require.Len(t, res.BufferedReady, 1)
	assert.Equal(t, uint64(2), res.BufferedReady[0].SeqNo)
}

func TestValidate_GapBeyondThresholdProcessesAnywayAndAdvancesWatermark(t *testing.T) {
	v := New(nil, 2, 0)
	now := time.Now().UTC()

	_, err := v.Validate(context.Background(), seqEvent("m1", 0, now), now)
	require.NoError(t, err)

	// gap of 10 far exceeds threshold of 2: treated as lost, processed directly.
	res, err := v.Validate(context.Background(), seqEvent("m1", 11, now), now)
	require.NoError(t, err)
	assert.Equal(t, ActionProcess, res.Action)

	// the watermark is now 11, so 12 is the next consecutive event.
	res, err = v.Validate(context.Background(), seqEvent("m1", 12, now), now)
	require.NoError(t, err)
	assert.Equal(t, ActionProcess, res.Action)
}

func TestValidate_LateWithinLatenessWindowReprocesses(t *testing.T) {
	v := New(nil, 5, 2*time.Second)
	now := time.Now().UTC()

	_, err := v.Validate(context.Background(), seqEvent("m1", 5, now), now)
	require.NoError(t, err)

	late := seqEvent("m1", 3, now.Add(-1*time.Second))
	res, err := v.Validate(context.Background(), late, now)
	require.NoError(t, err)
	assert.Equal(t, ActionReprocess, res.Action)
}

func TestValidate_LateBeyondLatenessWindowDrops(t *testing.T) {
	v := New(nil, 5, 2*time.Second)
	now := time.Now().UTC()

	_, err := v.Validate(context.Background(), seqEvent("m1", 5, now), now)
	require.NoError(t, err)

	stale := seqEvent("m1", 3, now.Add(-10*time.Second))
	res, err := v.Validate(context.Background(), stale, now)
	require.NoError(t, err)
	assert.Equal(t, ActionDrop, res.Action)
}

func TestValidate_DuplicateSeqIsTreatedAsLate(t *testing.T) {
	v := New(nil, 5, 2*time.Second)
	now := time.Now().UTC()

	_, err := v.Validate(context.Background(), seqEvent("m1", 5, now), now)
	require.NoError(t, err)

	dup := seqEvent("m1", 5, now)
	res, err := v.Validate(context.Background(), dup, now)
	require.NoError(t, err)
	assert.Equal(t, ActionReprocess, res.Action)
}

func TestValidate_ShardsAreIndependent(t *testing.T) {
	v := New(nil, 5, 0)
	now := time.Now().UTC()

	res1, err := v.Validate(context.Background(), seqEvent("m1", 0, now), now)
	require.NoError(t, err)
	assert.Equal(t, ActionProcess, res1.Action)

	res2, err := v.Validate(context.Background(), seqEvent("m2", 0, now), now)
	require.NoError(t, err)
	assert.Equal(t, ActionProcess, res2.Action)
}

func TestValidate_BufferedEntryWithinLatenessWindowDrains(t *testing.T) {
	v := New(nil, 5, 1*time.Second)
	early := time.Now().UTC()

	_, err := v.Validate(context.Background(), seqEvent("m1", 0, early), early)
	require.NoError(t, err)

	// seq 2 buffers at "early".
	_, err = v.Validate(context.Background(), seqEvent("m1", 2, early), early)
	require.NoError(t, err)

	// seq 1 arrives within the lateness window: seq 2 is still fresh enough
	// to drain normally.
	later := early.Add(500 * time.Millisecond)
	res, err := v.Validate(context.Background(), seqEvent("m1", 1, later), later)
	require.NoError(t, err)
	assert.Equal(t, ActionProcess, res.Action)
	require.Len(t, res.BufferedReady, 1)
}
