// Package matchstore owns MatchState persistence and publication. The
// reducer in internal/state stays pure; this package is the one thing
// that reads/writes Redis and publishes deltas, per spec.md §4.6/§9
// ("the consumer owns the state store; no back-reference from state to
// events").
package matchstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/matchstream/internal/events"
	"github.com/adred-codev/matchstream/internal/state"
)

const matchTTL = 24 * time.Hour

// Store persists and publishes match state.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func matchKey(matchID string) string {
	return fmt.Sprintf("match:%s", matchID)
}

func appliedKey(matchID string) string {
	return fmt.Sprintf("match:applied:%s", matchID)
}

func updatesChannel(matchID string) string {
	return fmt.Sprintf("updates:match:%s", matchID)
}

// Load fetches the current state for matchID, or a fresh zero state if none exists.
func (s *Store) Load(ctx context.Context, matchID string) (*state.MatchState, error) {
	raw, err := s.rdb.Get(ctx, matchKey(matchID)).Bytes()
	if err == redis.Nil {
		return state.New(matchID), nil
	}
	if err != nil {
		return nil, err
	}
	var ms state.MatchState
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

// ApplyAndPublish loads current state, applies ev through the pure
// reducer, persists the result with a sliding 24h TTL, and publishes the
// delta on the match's pub/sub channel.
//
// It guards against double-apply on redelivery: a shard consumer can
// crash after ApplyAndPublish commits but before the log entry is acked,
// so the entry comes back via ClaimStale/XAUTOCLAIM and the sequence
// validator returns ActionReprocess for it (spec.md §4.5/§7's "dedup
// prevents double-apply of already-processed event ids"). ev.EventID is
// checked against a per-match applied-set before the reducer runs; if
// it's already there, the persisted state is returned unchanged and
// applied is false so the caller skips writer/prediction side effects.
func (s *Store) ApplyAndPublish(ctx context.Context, ev *events.Event) (next *state.MatchState, applied bool, err error) {
	current, err := s.Load(ctx, ev.MatchID)
	if err != nil {
		return nil, false, err
	}

	seen, err := s.rdb.SIsMember(ctx, appliedKey(ev.MatchID), ev.EventID).Result()
	if err != nil {
		return nil, false, err
	}
	if seen {
		return current, false, nil
	}

	next = state.Apply(current, ev)

	payload, err := json.Marshal(next)
	if err != nil {
		return nil, false, err
	}
	if err := s.rdb.Set(ctx, matchKey(ev.MatchID), payload, matchTTL).Err(); err != nil {
		return nil, false, err
	}
	if err := s.rdb.Publish(ctx, updatesChannel(ev.MatchID), payload).Err(); err != nil {
		return nil, false, err
	}
	if err := s.rdb.SAdd(ctx, appliedKey(ev.MatchID), ev.EventID).Err(); err != nil {
		return nil, false, err
	}
	s.rdb.Expire(ctx, appliedKey(ev.MatchID), matchTTL)

	return next, true, nil
}
