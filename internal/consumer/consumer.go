// Package consumer implements the State Consumer Loop orchestrator
// (spec.md §4.9): shard discovery, lock acquisition, the per-event
// pipeline (sequence validate -> state apply/publish -> writer submit
// -> prediction -> ack), and DLQ routing on failure.
package consumer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/matchstream/internal/dlq"
	"github.com/adred-codev/matchstream/internal/events"
	"github.com/adred-codev/matchstream/internal/eventlog"
	"github.com/adred-codev/matchstream/internal/logging"
	"github.com/adred-codev/matchstream/internal/matchstore"
	"github.com/adred-codev/matchstream/internal/metrics"
	"github.com/adred-codev/matchstream/internal/prediction"
	"github.com/adred-codev/matchstream/internal/sequence"
	"github.com/adred-codev/matchstream/internal/shardlock"
	"github.com/adred-codev/matchstream/internal/writer"
)

const groupName = "matchstream-consumers"

// Config tunes the orchestrator's polling and locking cadence.
type Config struct {
	DiscoveryInterval time.Duration
	BatchSize         int
	BlockMs           int
	LockLease         time.Duration
}

func (c *Config) setDefaults() {
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BlockMs <= 0 {
		c.BlockMs = 2000
	}
	if c.LockLease <= 0 {
		c.LockLease = 10 * time.Second
	}
}

// Loop is the top-level orchestrator: one per process, fanning out one
// goroutine per owned shard.
type Loop struct {
	cfg Config
	id  string

	rdb       *redis.Client
	log       *eventlog.Log
	locks     *shardlock.Manager
	seq       *sequence.Validator
	store     *matchstore.Store
	predictor *prediction.Engine
	dlqMgr    *dlq.Manager
	wr        *writer.Writer
	logger    zerolog.Logger

	ctx context.Context // set on Run; derives every owned shard's context
	wg  sync.WaitGroup

	mu    sync.Mutex
	owned map[string]context.CancelFunc
}

// Deps bundles the Loop's collaborators so New stays a short call.
type Deps struct {
	Redis      *redis.Client
	Log        *eventlog.Log
	Locks      *shardlock.Manager
	Sequence   *sequence.Validator
	Store      *matchstore.Store
	Prediction *prediction.Engine
	DLQ        *dlq.Manager
	Writer     *writer.Writer
	Logger     zerolog.Logger
}

// New builds a Loop with a freshly minted consumer_id of the form "{pid}-{random}".
func New(cfg Config, d Deps) *Loop {
	cfg.setDefaults()
	return &Loop{
		cfg:       cfg,
		id:        consumerID(),
		rdb:       d.Redis,
		log:       d.Log,
		locks:     d.Locks,
		seq:       d.Sequence,
		store:     d.Store,
		predictor: d.Prediction,
		dlqMgr:    d.DLQ,
		wr:        d.Writer,
		logger:    d.Logger,
		owned:     make(map[string]context.CancelFunc),
	}
}

func consumerID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", os.Getpid(), hex.EncodeToString(buf))
}

// Run starts the discovery loop and blocks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info().Str("consumer_id", l.id).Msg("state consumer starting")
	l.ctx = ctx

	ticker := time.NewTicker(l.cfg.DiscoveryInterval)
	defer ticker.Stop()

	l.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-ticker.C:
			l.discover(ctx)
		}
	}
}

// shard keys live as Redis stream keys "events:{shard}"; discovery scans
// for them so a newly-seen match/map pair is picked up automatically.
func (l *Loop) discover(ctx context.Context) {
	keys, err := l.rdb.Keys(ctx, "events:*").Result()
	if err != nil {
		l.logger.Error().Err(err).Msg("shard discovery failed")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		shard := strings.TrimPrefix(k, "events:")
		seen[shard] = struct{}{}
		if _, already := l.owned[shard]; already {
			continue
		}
		l.tryClaimLocked(ctx, shard)
	}

	for shard, cancel := range l.owned {
		if _, ok := seen[shard]; !ok {
			cancel()
			delete(l.owned, shard)
		}
	}
}

func (l *Loop) tryClaimLocked(ctx context.Context, shard string) {
	ok, err := l.locks.Acquire(ctx, shard, l.id, l.cfg.LockLease)
	if err != nil {
		l.logger.Error().Err(err).Str("shard", shard).Msg("lock acquire failed")
		return
	}
	if !ok {
		return // another consumer owns this shard
	}

	shardCtx, cancel := context.WithCancel(l.ctx)
	l.owned[shard] = cancel
	metrics.ShardsHeldGauge.Inc()

	l.wg.Add(1)
	go l.runShard(shardCtx, shard)
}

// runShard owns one shard: it extends the lease periodically, pulls
// batches, and processes each event until shardCtx is canceled or the
// lease is lost.
func (l *Loop) runShard(ctx context.Context, shard string) {
	defer logging.RecoverPanic(l.logger, "consumer.runShard", map[string]any{"shard": shard})
	defer l.wg.Done()
	defer func() {
		metrics.ShardsHeldGauge.Dec()
		_ = l.locks.Release(context.Background(), shard, l.id)
	}()

	if err := l.log.EnsureGroup(ctx, shard, groupName); err != nil {
		l.logger.Error().Err(err).Str("shard", shard).Msg("failed to ensure consumer group")
		return
	}

	// spec.md §4.3: refresh at <= 1/3 the lease interval so two missed
	// ticks still leave margin before the lease expires out from under us.
	heartbeat := time.NewTicker(l.cfg.LockLease / 3)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			extended, err := l.locks.Extend(ctx, shard, l.id, l.cfg.LockLease)
			if err != nil || !extended {
				l.logger.Warn().Str("shard", shard).Msg("lost shard lease, stepping down")
				return
			}
		default:
		}

		entries, err := l.log.ReadBatch(ctx, shard, groupName, l.id, l.cfg.BatchSize, l.cfg.BlockMs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error().Err(err).Str("shard", shard).Msg("read batch failed")
			continue
		}

		reclaimed, err := l.log.ClaimStale(ctx, shard, groupName, l.id, l.cfg.BatchSize)
		if err != nil {
			l.logger.Error().Err(err).Str("shard", shard).Msg("claim stale failed")
		} else if len(reclaimed) > 0 {
			entries = append(entries, reclaimed...)
		}

		for _, entry := range entries {
			l.process(ctx, shard, entry)
		}
	}
}

// process runs one log entry through the full pipeline per spec.md §4.9
// step 2: deserialize, validate sequence, apply state, submit to the
// writer, compute a prediction when applicable, then ack or DLQ.
func (l *Loop) process(ctx context.Context, shard string, entry eventlog.Entry) {
	ev, err := decodeEvent(entry)
	if err != nil {
		l.fail(ctx, shard, entry, "", err)
		return
	}

	now := time.Now().UTC()
	result, err := l.seq.Validate(ctx, ev, now)
	if err != nil {
		l.fail(ctx, shard, entry, ev.EventID, err)
		return
	}

	switch result.Action {
	case sequence.ActionBuffer, sequence.ActionDrop:
		// The buffer path does not ack: the buffered entry redelivers via
		// ClaimStale once drained by a later sequence number. The drop path
		// does ack, so dropped (too-late) entries stop being redelivered
		// forever.
		if result.Action == sequence.ActionDrop {
			_ = l.log.Ack(ctx, shard, groupName, entry.ID)
		}
		return
	case sequence.ActionProcess, sequence.ActionReprocess:
		if err := l.applyAndEmit(ctx, shard, ev); err != nil {
			l.fail(ctx, shard, entry, ev.EventID, err)
			return
		}
		for _, buffered := range result.BufferedReady {
			if err := l.applyAndEmit(ctx, shard, buffered); err != nil {
				l.logger.Error().Err(err).Str("event_id", buffered.EventID).Msg("failed to apply drained buffered event")
			}
		}
	}

	if err := l.log.Ack(ctx, shard, groupName, entry.ID); err != nil {
		l.logger.Error().Err(err).Str("shard", shard).Str("entry_id", entry.ID).Msg("ack failed")
	}
	metrics.StateConsumerEventsProcessedTotal.Inc()
	metrics.E2ELatencySeconds.Observe(time.Since(ev.TsIngest).Seconds())
}

func (l *Loop) applyAndEmit(ctx context.Context, shard string, ev *events.Event) error {
	next, applied, err := l.store.ApplyAndPublish(ctx, ev)
	if err != nil {
		return fmt.Errorf("apply state: %w", err)
	}
	if !applied {
		// Already applied before (redelivered via ClaimStale after a
		// crash between commit and ack, or a late/duplicate seq_no
		// reprocessed by the sequence validator): skip the writer and
		// prediction side effects so they don't double-fire either.
		l.logger.Debug().Str("shard", shard).Str("event_id", ev.EventID).Msg("skipping redelivered event, already applied")
		return nil
	}

	l.wr.Write(ev)

	if events.IsPredictionTrigger(ev.Type) {
		pred, err := l.predictor.Compute(shard, next, ev)
		if err != nil {
			l.logger.Error().Err(err).Str("shard", shard).Msg("prediction failed with no fallback available")
		} else {
			l.publishPrediction(ctx, ev.MatchID, pred)
		}
	}
	return nil
}

func (l *Loop) publishPrediction(ctx context.Context, matchID string, pred prediction.Prediction) {
	payload, err := marshalPrediction(pred)
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to marshal prediction")
		return
	}
	channel := fmt.Sprintf("updates:prediction:%s", matchID)
	if err := l.log.Publish(ctx, channel, payload); err != nil {
		l.logger.Error().Err(err).Str("match_id", matchID).Msg("failed to publish prediction")
	}
	cacheKey := fmt.Sprintf("prediction:%s", matchID)
	if err := l.rdb.Set(ctx, cacheKey, payload, 24*time.Hour).Err(); err != nil {
		l.logger.Error().Err(err).Str("match_id", matchID).Msg("failed to cache prediction snapshot")
	}
}

func (l *Loop) fail(ctx context.Context, shard string, entry eventlog.Entry, eventID string, cause error) {
	if eventID == "" {
		eventID = entry.ID
	}
	parked, err := l.dlqMgr.RecordFailure(ctx, eventID, shard, entry.ID, entry.Fields, cause)
	if err != nil {
		l.logger.Error().Err(err).Str("shard", shard).Msg("failed to record DLQ failure")
		return
	}
	if parked {
		_ = l.log.Ack(ctx, shard, groupName, entry.ID)
		l.logger.Warn().Str("shard", shard).Str("event_id", eventID).Err(cause).Msg("event parked in DLQ after exhausting retries")
		return
	}
	l.logger.Warn().Str("shard", shard).Str("event_id", eventID).Err(cause).Msg("event processing failed, will redeliver")
}

func (l *Loop) shutdown() {
	l.logger.Info().Msg("state consumer shutting down, draining shards")
	l.mu.Lock()
	for _, cancel := range l.owned {
		cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// decodeEvent reconstructs an events.Event from the raw stream fields
// appended by the ingestion layer, which writes the full validated JSON
// document into a single "payload" stream field.
func decodeEvent(entry eventlog.Entry) (*events.Event, error) {
	raw, ok := entry.Fields["payload"]
	if !ok {
		return nil, fmt.Errorf("entry %s missing payload field", entry.ID)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event from entry %s: %w", entry.ID, err)
	}
	return &ev, nil
}

func marshalPrediction(pred prediction.Prediction) ([]byte, error) {
	return json.Marshal(pred)
}
