// Package dlq implements the DLQ Manager (spec.md §4.10): per-shard
// retry counting, parking failed events, and admin requeue primitives.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/matchstream/internal/metrics"
)

// Entry is a parked dead-lettered event.
type Entry struct {
	EventID      string    `json:"event_id"`
	Shard        string    `json:"shard"`
	EntryID      string    `json:"entry_id"`
	Fields       map[string]string `json:"fields"`
	Error        string    `json:"error"`
	RetryCount   int       `json:"retry_count"`
	FirstFailed  time.Time `json:"first_failed_at"`
	LastFailed   time.Time `json:"last_failed_at"`
}

// Manager tracks per-event retry counts and the per-shard dead-letter lists.
type Manager struct {
	rdb        *redis.Client
	maxRetries int

	mu      sync.Mutex
	retries map[string]int // event_id -> retry count
	first   map[string]time.Time
}

// New constructs a DLQ Manager.
func New(rdb *redis.Client, maxRetries int) *Manager {
	return &Manager{
		rdb:        rdb,
		maxRetries: maxRetries,
		retries:    make(map[string]int),
		first:      make(map[string]time.Time),
	}
}

func dlqKey(shard string) string {
	return fmt.Sprintf("dlq:%s", shard)
}

// RecordFailure increments the retry count for the event. If the count
// reaches maxRetries, the event is parked in the shard's dead-letter
// queue and RecordFailure returns true (the caller should ack the source
// entry to stop the redelivery loop). Otherwise it returns false (the
// caller should leave the entry un-acked so the log redelivers it).
func (m *Manager) RecordFailure(ctx context.Context, eventID, shard, entryID string, fields map[string]string, failure error) (parked bool, err error) {
	m.mu.Lock()
	m.retries[eventID]++
	count := m.retries[eventID]
	if _, ok := m.first[eventID]; !ok {
		m.first[eventID] = time.Now().UTC()
	}
	firstFailed := m.first[eventID]
	m.mu.Unlock()

	if count < m.maxRetries {
		return false, nil
	}

	entry := Entry{
		EventID:     eventID,
		Shard:       shard,
		EntryID:     entryID,
		Fields:      fields,
		Error:       failure.Error(),
		RetryCount:  count,
		FirstFailed: firstFailed,
		LastFailed:  time.Now().UTC(),
	}
	payload, merr := json.Marshal(entry)
	if merr != nil {
		return false, merr
	}
	if err := m.rdb.RPush(ctx, dlqKey(shard), payload).Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	delete(m.retries, eventID)
	delete(m.first, eventID)
	m.mu.Unlock()

	metrics.DLQEntriesTotal.WithLabelValues(shard).Inc()
	return true, nil
}

// RetryCount returns the current retry count for eventID (0 if none recorded).
func (m *Manager) RetryCount(eventID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries[eventID]
}

// GetDLQShards returns the shard keys that currently have dead-letter entries.
func (m *Manager) GetDLQShards(ctx context.Context) ([]string, error) {
	keys, err := m.rdb.Keys(ctx, "dlq:*").Result()
	if err != nil {
		return nil, err
	}
	shards := make([]string, 0, len(keys))
	for _, k := range keys {
		shards = append(shards, k[len("dlq:"):])
	}
	return shards, nil
}

// GetDLQEntries returns up to limit parked entries for shard.
func (m *Manager) GetDLQEntries(ctx context.Context, shard string, limit int64) ([]Entry, error) {
	raw, err := m.rdb.LRange(ctx, dlqKey(shard), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Requeuer republishes a DLQ entry back onto the primary log. It is an
// interface so dlq doesn't import eventlog directly (avoids a cycle and
// keeps the DLQ manager's dependency surface to Redis only).
type Requeuer interface {
	Append(ctx context.Context, shard string, fields map[string]interface{}) (string, error)
}

// RequeueEntry re-publishes a specific dead-lettered entry into the
// primary stream for its shard and removes it from the DLQ list, resetting
// its retry count.
func (m *Manager) RequeueEntry(ctx context.Context, log Requeuer, shard string, entry Entry) error {
	fields := make(map[string]interface{}, len(entry.Fields))
	for k, v := range entry.Fields {
		fields[k] = v
	}
	if _, err := log.Append(ctx, shard, fields); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.rdb.LRem(ctx, dlqKey(shard), 1, payload).Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.retries, entry.EventID)
	delete(m.first, entry.EventID)
	m.mu.Unlock()
	return nil
}

// RequeueOne finds the dead-lettered entry for shard whose EntryID matches
// entryID, requeues just that one, and reports whether it was found.
func (m *Manager) RequeueOne(ctx context.Context, log Requeuer, shard, entryID string) (found bool, err error) {
	entries, err := m.GetDLQEntries(ctx, shard, 1<<30)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.EntryID != entryID {
			continue
		}
		if err := m.RequeueEntry(ctx, log, shard, e); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RequeueAll re-publishes every dead-lettered entry for shard.
func (m *Manager) RequeueAll(ctx context.Context, log Requeuer, shard string) (int, error) {
	entries, err := m.GetDLQEntries(ctx, shard, 1<<30)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if err := m.RequeueEntry(ctx, log, shard, e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// GetStats returns a retry-count snapshot for debugging/admin surfaces.
func (m *Manager) GetStats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.retries))
	for k, v := range m.retries {
		out[k] = v
	}
	return out
}
