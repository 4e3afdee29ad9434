// Package sequence implements the per-shard Sequence Validator (spec.md
// §4.5): monotonic seq-no enforcement with a small reorder buffer and a
// lateness cap. The halt-on-gap discipline seen in the pack's
// single-threaded sequencer (other_examples' chycee-cryptoGo engine,
// which panics on any gap) is generalized here to the spec's tolerant
// policy, since a multi-shard service cannot halt on every gap.
package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/matchstream/internal/events"
	"github.com/adred-codev/matchstream/internal/metrics"
)

// Action is the validator's disposition for an incoming event.
type Action int

const (
	ActionProcess Action = iota
	ActionBuffer
	ActionDrop
	ActionReprocess
)

func (a Action) String() string {
	switch a {
	case ActionProcess:
		return "process"
	case ActionBuffer:
		return "buffer"
	case ActionDrop:
		return "drop"
	case ActionReprocess:
		return "reprocess"
	default:
		return "unknown"
	}
}

// Result is the outcome of validating one event.
type Result struct {
	Action        Action
	BufferedReady []*events.Event // drained, now-consecutive events to also process, in order
}

const (
	defaultGapThreshold  = 10
	defaultMaxLatenessMs = 2000
	bufferCap            = 100
	seqTTL               = 2 * time.Hour
)

// buffered is a reorder-buffer slot.
type buffered struct {
	event    *events.Event
	insertedAt time.Time
}

// shardState is the in-memory reorder buffer plus cached last_seq for one shard.
type shardState struct {
	mu      sync.Mutex
	lastSeq int64 // -1 means "no event processed yet"
	buf     map[uint64]buffered
}

// Validator enforces per-shard ordering with a bounded reorder buffer.
type Validator struct {
	rdb           *redis.Client
	gapThreshold  uint64
	maxLateness   time.Duration

	mu     sync.Mutex
	shards map[string]*shardState
}

// New constructs a Validator with the given gap threshold and lateness cap.
func New(rdb *redis.Client, gapThreshold uint64, maxLateness time.Duration) *Validator {
	if gapThreshold == 0 {
		gapThreshold = defaultGapThreshold
	}
	if maxLateness == 0 {
		maxLateness = defaultMaxLatenessMs * time.Millisecond
	}
	return &Validator{
		rdb:          rdb,
		gapThreshold: gapThreshold,
		maxLateness:  maxLateness,
		shards:       make(map[string]*shardState),
	}
}

func seqKey(shard string) string {
	return fmt.Sprintf("seq:last:%s", shard)
}

func (v *Validator) stateFor(ctx context.Context, shard string) (*shardState, error) {
	v.mu.Lock()
	s, ok := v.shards[shard]
	v.mu.Unlock()
	if ok {
		return s, nil
	}

	last := int64(-1)
	if v.rdb != nil {
		if val, err := v.rdb.Get(ctx, seqKey(shard)).Int64(); err == nil {
			last = val
		} else if err != redis.Nil {
			return nil, err
		}
	}

	s = &shardState{lastSeq: last, buf: make(map[uint64]buffered)}
	v.mu.Lock()
	v.shards[shard] = s
	v.mu.Unlock()
	return s, nil
}

func (v *Validator) persistLastSeq(ctx context.Context, shard string, seq int64) {
	if v.rdb == nil {
		return
	}
	v.rdb.Set(ctx, seqKey(shard), seq, seqTTL)
}

// Validate applies the state machine from spec.md §4.5 to one event.
func (v *Validator) Validate(ctx context.Context, ev *events.Event, now time.Time) (Result, error) {
	shard := ev.Shard()
	s, err := v.stateFor(ctx, shard)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(ev.SeqNo)

	switch {
	case s.lastSeq == -1 || seq == s.lastSeq+1:
		s.lastSeq = seq
		v.persistLastSeq(ctx, shard, seq)
		drained := v.drain(s, now)
		return Result{Action: ActionProcess, BufferedReady: drained}, nil

	case seq > s.lastSeq+1:
		gap := uint64(seq - s.lastSeq - 1)
		metrics.SequenceGapsDetectedTotal.Inc()
		if gap <= v.gapThreshold && len(s.buf) < bufferCap {
			s.buf[ev.SeqNo] = buffered{event: ev, insertedAt: now}
			return Result{Action: ActionBuffer}, nil
		}
		// Gap too large (or buffer full): treat missing events as lost,
		// advance the watermark, and process this one anyway.
		s.lastSeq = seq
		v.persistLastSeq(ctx, shard, seq)
		drained := v.drain(s, now)
		return Result{Action: ActionProcess, BufferedReady: drained}, nil

	default: // seq <= lastSeq: late or duplicate
		if now.Sub(ev.TsEvent) <= v.maxLateness {
			metrics.SequenceLateProcessedTotal.Inc()
			metrics.SequenceOutOfOrderTotal.Inc()
			return Result{Action: ActionReprocess}, nil
		}
		metrics.SequenceLateDroppedTotal.Inc()
		return Result{Action: ActionDrop}, nil
	}
}

// drain pulls any buffered entries that are now consecutive with
// s.lastSeq, in order, also dropping any buffered entry that has aged
// past the lateness window.
func (v *Validator) drain(s *shardState, now time.Time) []*events.Event {
	var drained []*events.Event
	for {
		next := uint64(s.lastSeq + 1)
		b, ok := s.buf[next]
		if !ok {
			break
		}
		delete(s.buf, next)
		s.lastSeq = int64(next)
		drained = append(drained, b.event)
	}

	for seq, b := range s.buf {
		if now.Sub(b.insertedAt) > v.maxLateness {
			delete(s.buf, seq)
		}
	}

	return drained
}
