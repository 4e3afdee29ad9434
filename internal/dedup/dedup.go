// Package dedup implements the Deduplication Service (spec.md §4.2): a
// per-match bounded set of seen event IDs with TTL, plus a per-event-key
// fallback mode for clients that omit match_id.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCap = 50_000

// Service checks and records seen event IDs against Redis.
type Service struct {
	rdb *redis.Client
	ttl time.Duration
	cap int
}

// New constructs a Service with the given per-match set TTL and the default
// cardinality cap (defaultCap).
func New(rdb *redis.Client, ttl time.Duration) *Service {
	return &Service{rdb: rdb, ttl: ttl, cap: defaultCap}
}

func matchKey(matchID string) string {
	return fmt.Sprintf("match:events:%s", matchID)
}

// IsDuplicate reports whether eventID has already been seen for matchID.
func (s *Service) IsDuplicate(ctx context.Context, eventID, matchID string) (bool, error) {
	n, err := s.rdb.SIsMember(ctx, matchKey(matchID), eventID).Result()
	if err != nil {
		return false, err
	}
	return n, nil
}

// MarkSeen records eventID as seen for matchID, installs the TTL on first
// insert, and prunes the set down to the cardinality cap if it has grown
// past it (a bounded-memory tradeoff accepted in spec.md §4.2: a slightly
// higher false-miss rate at end-of-match is fine since only duplicates
// within the match's duration matter).
func (s *Service) MarkSeen(ctx context.Context, eventID, matchID string) error {
	key := matchKey(matchID)

	added, err := s.rdb.SAdd(ctx, key, eventID).Result()
	if err != nil {
		return err
	}
	if added > 0 {
		// Only (re)install the TTL if this key had none yet, so repeated
		// marks don't keep bumping the expiry past the 2h contract.
		ttl, err := s.rdb.TTL(ctx, key).Result()
		if err == nil && ttl < 0 {
			s.rdb.Expire(ctx, key, s.ttl)
		}
	}

	card, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if int(card) > s.cap {
		return s.prune(ctx, key, int(card)-s.cap)
	}
	return nil
}

func (s *Service) prune(ctx context.Context, key string, n int) error {
	members, err := s.rdb.SRandMemberN(ctx, key, int64(n)).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SRem(ctx, key, args...).Err()
}

// PerEventKeyDeduper is the alternate, per-event-key-with-TTL mode for
// clients that don't send match_id (spec.md §9's "equivalent fallback").
type PerEventKeyDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPerEventKeyDeduper constructs the alternate dedup mode.
func NewPerEventKeyDeduper(rdb *redis.Client, ttl time.Duration) *PerEventKeyDeduper {
	return &PerEventKeyDeduper{rdb: rdb, ttl: ttl}
}

// MarkIfNew atomically checks-and-sets a single key per event ID, and
// reports whether this call was the one that created it (i.e. the event
// was new, not a duplicate).
func (d *PerEventKeyDeduper) MarkIfNew(ctx context.Context, eventID string) (isNew bool, err error) {
	key := fmt.Sprintf("dedup:event:%s", eventID)
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}
