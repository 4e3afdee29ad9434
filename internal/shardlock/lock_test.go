package shardlock

import (
	"context"
	"os"
	"testing"
	"time"

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

func TestKeyAndBucket(t *testing.T) {
	require.Equal(t, "m1:map1", Key("m1", "map1"))
	require.Equal(t, uint32(0), Bucket("m1:map1", 0))
	require.Less(t, Bucket("m1:map1", 16), uint32(16))
}

func TestManager_AcquireIsExclusive(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := New(rdb)
	shard := "lock-test-exclusive"
	defer rdb.Del(ctx, lockKey(shard))

	ok, err := m.Acquire(ctx, shard, "owner-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, shard, "owner-b", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "a second owner must not acquire a held lease")
}

func TestManager_ExtendOnlyByOwner(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := New(rdb)
	shard := "lock-test-extend"
	defer rdb.Del(ctx, lockKey(shard))

	_, err := m.Acquire(ctx, shard, "owner-a", 2*time.Second)
	require.NoError(t, err)

	ok, err := m.Extend(ctx, shard, "owner-b", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.Extend(ctx, shard, "owner-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestManager_ReleaseOnlyByOwner(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := New(rdb)
	shard := "lock-test-release"
	defer rdb.Del(ctx, lockKey(shard))

	_, err := m.Acquire(ctx, shard, "owner-a", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, shard, "owner-b"))
	owner, err := m.Owner(ctx, shard)
	require.NoError(t, err)
	require.Equal(t, "owner-a", owner, "release by a non-owner must be a no-op")

	require.NoError(t, m.Release(ctx, shard, "owner-a"))
	owner, err = m.Owner(ctx, shard)
	require.NoError(t, err)
	require.Empty(t, owner)
}

func TestManager_OwnerEmptyWhenUnheld(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := New(rdb)

	owner, err := m.Owner(ctx, "lock-test-never-held")
	require.NoError(t, err)
	require.Empty(t, owner)
}
