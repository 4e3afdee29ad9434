// Package eventlog is the Durable Log client: a per-shard append-only
// Redis Stream with consumer-group semantics (spec.md §4.4). It replaces
// the teacher's franz-go/Kafka client (ws/internal/shared/kafka/consumer.go)
// one-for-one at the same seam — same batching knobs; the poll loop itself
// lives in internal/consumer — because spec.md §2 names the Durable Log as "a
// Redis-compatible store supporting streams, consumer groups, atomic
// SET-NX, pub/sub, sorted sets, LIST", not Kafka.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// TrimApprox is the approximate MAXLEN trim target (spec.md §3 lifecycles).
	TrimApprox = 50_000
	// idleClaimThreshold is how long an entry may sit pending before it
	// becomes claimable by another consumer (spec.md §4.4).
	idleClaimThreshold = 60 * time.Second
)

// Entry is a single log record as read back from a consumer group.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Log wraps a Redis client with the stream operations the rest of the
// pipeline needs.
type Log struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New constructs a Log client.
func New(rdb *redis.Client, logger zerolog.Logger) *Log {
	return &Log{rdb: rdb, logger: logger}
}

func streamKey(shard string) string {
	return fmt.Sprintf("events:%s", shard)
}

// Append adds a record to the shard's stream and trims it to
// approximately TrimApprox entries. Returns the new entry ID, which is
// strictly increasing per spec.md §4.4.
func (l *Log) Append(ctx context.Context, shard string, fields map[string]interface{}) (string, error) {
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(shard),
		MaxLen: TrimApprox,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to shard %s: %w", shard, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group for shard if it doesn't exist yet.
func (l *Log) EnsureGroup(ctx context.Context, shard, group string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, streamKey(shard), group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists; that's fine.
		if isBusyGroup(err) {
			return nil
		}
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// ReadBatch pulls up to count pending-or-new entries for consumer within
// group, blocking up to blockMs if nothing is immediately available.
func (l *Log) ReadBatch(ctx context.Context, shard, group, consumer string, count int, blockMs int) ([]Entry, error) {
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey(shard), ">"},
		Count:    int64(count),
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(res[0].Messages))
	for _, msg := range res[0].Messages {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		entries = append(entries, Entry{ID: msg.ID, Fields: fields})
	}
	return entries, nil
}

// Ack acknowledges entryID within group, removing it from the pending list.
func (l *Log) Ack(ctx context.Context, shard, group, entryID string) error {
	return l.rdb.XAck(ctx, streamKey(shard), group, entryID).Err()
}

// ClaimStale claims entries idle for longer than idleClaimThreshold,
// allowing a new consumer to pick up work abandoned by a crashed owner.
func (l *Log) ClaimStale(ctx context.Context, shard, group, consumer string, count int) ([]Entry, error) {
	msgs, _, err := l.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(shard),
		Group:    group,
		Consumer: consumer,
		MinIdle:  idleClaimThreshold,
		Start:    "0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		entries = append(entries, Entry{ID: msg.ID, Fields: fields})
	}
	return entries, nil
}

// Publish publishes a JSON-encoded message on a pub/sub channel
// (updates:match:{match_id} / updates:prediction:{match_id}).
func (l *Log) Publish(ctx context.Context, channel string, payload []byte) error {
	return l.rdb.Publish(ctx, channel, payload).Err()
}

// Ping verifies the Log is reachable, for the /readyz probe.
func (l *Log) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
