package dlq

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("MATCHSTREAM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MATCHSTREAM_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

// fakeRequeuer lets the requeue tests exercise dlq without importing eventlog.
type fakeRequeuer struct {
	appended []map[string]interface{}
}

func (f *fakeRequeuer) Append(ctx context.Context, shard string, fields map[string]interface{}) (string, error) {
	f.appended = append(f.appended, fields)
	return "fake-id", nil
}

func TestManager_RecordFailureBelowThresholdDoesNotPark(t *testing.T) {
	// Below maxRetries, RecordFailure only updates in-memory counters and
	// never touches Redis, so this runs without a live dependency.
	m := New(nil, 3)
	ctx := context.Background()

	parked, err := m.RecordFailure(ctx, "ev1", "shard1", "entry1", nil, errors.New("boom"))
	require.NoError(t, err)
	require.False(t, parked)
	require.Equal(t, 1, m.RetryCount("ev1"))

	parked, err = m.RecordFailure(ctx, "ev1", "shard1", "entry1", nil, errors.New("boom"))
	require.NoError(t, err)
	require.False(t, parked)
	require.Equal(t, 2, m.RetryCount("ev1"))
}

func TestManager_RecordFailureParksAtThreshold(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := New(rdb, 2)
	shard := "dlq-test-park"
	defer rdb.Del(ctx, dlqKey(shard))

	parked, err := m.RecordFailure(ctx, "ev1", shard, "entry1", map[string]string{"k": "v"}, errors.New("boom"))
	require.NoError(t, err)
	require.False(t, parked)

	parked, err = m.RecordFailure(ctx, "ev1", shard, "entry1", map[string]string{"k": "v"}, errors.New("boom again"))
	require.NoError(t, err)
	require.True(t, parked)
	require.Equal(t, 0, m.RetryCount("ev1"), "retry counter resets once parked")

	entries, err := m.GetDLQEntries(ctx, shard, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ev1", entries[0].EventID)
	require.Equal(t, 2, entries[0].RetryCount)
}

func TestManager_GetDLQShards(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := New(rdb, 1)
	shard := "dlq-test-shards"
	defer rdb.Del(ctx, dlqKey(shard))

	_, err := m.RecordFailure(ctx, "ev1", shard, "entry1", nil, errors.New("boom"))
	require.NoError(t, err)

	shards, err := m.GetDLQShards(ctx)
	require.NoError(t, err)
	require.Contains(t, shards, shard)
}

func TestManager_RequeueAllRepublishesAndClears(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := New(rdb, 1)
	shard := "dlq-test-requeue"
	defer rdb.Del(ctx, dlqKey(shard))

	_, err := m.RecordFailure(ctx, "ev1", shard, "entry1", map[string]string{"payload": "{}"}, errors.New("boom"))
	require.NoError(t, err)

	fr := &fakeRequeuer{}
	n, err := m.RequeueAll(ctx, fr, shard)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, fr.appended, 1)

	entries, err := m.GetDLQEntries(ctx, shard, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestManager_RequeueOneRequeuesOnlyTheMatchingEntry(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := New(rdb, 1)
	shard := "dlq-test-requeue-one"
	defer rdb.Del(ctx, dlqKey(shard))

	_, err := m.RecordFailure(ctx, "ev1", shard, "entry1", map[string]string{"payload": "{}"}, errors.New("boom"))
	require.NoError(t, err)
	_, err = m.RecordFailure(ctx, "ev2", shard, "entry2", map[string]string{"payload": "{}"}, errors.New("boom"))
	require.NoError(t, err)

	fr := &fakeRequeuer{}
	found, err := m.RequeueOne(ctx, fr, shard, "entry2")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, fr.appended, 1)

	entries, err := m.GetDLQEntries(ctx, shard, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ev1", entries[0].EventID)
}

func TestManager_RequeueOneReportsNotFound(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := New(rdb, 1)
	shard := "dlq-test-requeue-missing"
	defer rdb.Del(ctx, dlqKey(shard))

	fr := &fakeRequeuer{}
	found, err := m.RequeueOne(ctx, fr, shard, "does-not-exist")
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, fr.appended)
}
