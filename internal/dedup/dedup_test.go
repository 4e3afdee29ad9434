package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// testRedis returns a client against MATCHSTREAM_TEST_REDIS_URL, skipping
// the test if it isn't set. These are integration tests: dedup's
// correctness lives entirely in Redis set/TTL semantics.
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

func TestService_MarkSeenThenIsDuplicate(t *testing.T) {
	rdb := testRedis(t)
	svc := New(rdb, time.Hour)
	ctx := context.Background()
	matchID := "match-dedup-1"
	defer rdb.Del(ctx, matchKey(matchID))

	dup, err := svc.IsDuplicate(ctx, "ev1", matchID)
	require.NoError(t, err)
	require.False(t, dup)

	require.NoError(t, svc.MarkSeen(ctx, "ev1", matchID))

	dup, err = svc.IsDuplicate(ctx, "ev1", matchID)
	require.NoError(t, err)
	require.True(t, dup)

	dup, err = svc.IsDuplicate(ctx, "ev2", matchID)
	require.NoError(t, err)
	require.False(t, dup)
}

func TestService_MarkSeenInstallsTTLOnce(t *testing.T) {
	rdb := testRedis(t)
	svc := New(rdb, time.Hour)
	ctx := context.Background()
	matchID := "match-dedup-ttl"
	defer rdb.Del(ctx, matchKey(matchID))

	require.NoError(t, svc.MarkSeen(ctx, "ev1", matchID))
	ttl1, err := rdb.TTL(ctx, matchKey(matchID)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl1, time.Duration(0))

	require.NoError(t, svc.MarkSeen(ctx, "ev2", matchID))
	ttl2, err := rdb.TTL(ctx, matchKey(matchID)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl2, time.Duration(0))
}

func TestPerEventKeyDeduper_MarkIfNew(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	d := NewPerEventKeyDeduper(rdb, time.Minute)
	key := "dedup:event:ev-per-key-1"
	defer rdb.Del(ctx, key)

	isNew, err := d.MarkIfNew(ctx, "ev-per-key-1")
	require.NoError(t, err)
	require.True(t, isNew)

	isNew, err = d.MarkIfNew(ctx, "ev-per-key-1")
	require.NoError(t, err)
	require.False(t, isNew)
}
