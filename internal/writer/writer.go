// Package writer implements the Durable Writer (spec.md §4.8): a
// non-blocking write path to the analytics store, batching in memory and
// flushing to ClickHouse, with a closed/open/half-open circuit breaker
// and a local-disk spool for outage survival.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/adred-codev/matchstream/internal/events"
	"github.com/adred-codev/matchstream/internal/logging"
	"github.com/adred-codev/matchstream/internal/metrics"
)

// breakerState is the circuit breaker's current mode.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// batchAppender is the minimal surface the writer needs from a prepared
// ClickHouse batch (driver.Batch satisfies it). Narrowing it down to just
// Append/Send lets tests fake the insert path without implementing
// ClickHouse's full driver.Batch interface.
type batchAppender interface {
	Append(v ...interface{}) error
	Send() error
}

// Config tunes the writer's batching, breaker, and spool behavior.
type Config struct {
	FlushCount       int
	FlushInterval    time.Duration
	FailureThreshold int // K in spec.md §4.8; trip once consecutive failures exceed this
	BaseBackoff      time.Duration
	SpoolThreshold   int
	MaxBufferSize    int
	SpoolDir         string
}

func (c *Config) setDefaults() {
	if c.FlushCount <= 0 {
		c.FlushCount = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 10 * time.Second
	}
	if c.SpoolThreshold <= 0 {
		c.SpoolThreshold = 2000
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 50_000
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "./spool"
	}
}

// Writer batches events and flushes them to ClickHouse, degrading to a
// disk spool and finally to a counted data-loss path under sustained
// outage, per spec.md §4.8.
type Writer struct {
	cfg          Config
	prepareBatch func(ctx context.Context, query string) (batchAppender, error)
	logger       zerolog.Logger

	mu              sync.Mutex
	buf             []*events.Event
	state           breakerState
	consecutiveFail int
	backoffPolicy   *backoff.ExponentialBackOff
	reopenAt        time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Writer against an already-connected ClickHouse driver.Conn.
func New(ch driver.Conn, cfg Config, logger zerolog.Logger) *Writer {
	return newWithPrepare(cfg, logger, func(ctx context.Context, query string) (batchAppender, error) {
		return ch.PrepareBatch(ctx, query)
	})
}

// newWithPrepare builds a Writer around an injectable prepareBatch func,
// letting tests exercise the breaker/spool logic against a fake batch
// instead of a live ClickHouse connection.
func newWithPrepare(cfg Config, logger zerolog.Logger, prepareBatch func(ctx context.Context, query string) (batchAppender, error)) *Writer {
	cfg.setDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseBackoff
	bo.MaxInterval = cfg.BaseBackoff * 16
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0 // the breaker owns the retry horizon, not the policy

	return &Writer{
		cfg:           cfg,
		prepareBatch:  prepareBatch,
		logger:        logger,
		state:         stateClosed,
		backoffPolicy: bo,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the periodic flush loop. It blocks until Stop is called
// or ctx is canceled, flushing once more before it returns.
func (w *Writer) Start(ctx context.Context) {
	defer logging.RecoverPanic(w.logger, "writer.flushLoop", nil)
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-w.stopCh:
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// Stop signals the flush loop to drain and exit, and waits for it to finish.
func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Write appends ev to the in-memory buffer. It never blocks on I/O; if the
// buffer is full (MAX_BUFFER_SIZE reached) and nothing can be spooled, the
// event is dropped and counted as data loss.
func (w *Writer) Write(ev *events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) >= w.cfg.MaxBufferSize {
		if !w.trySpoolLocked() {
			metrics.WriterDataLossTotal.Inc()
			w.logger.Error().
				Str("event_id", ev.EventID).
				Msg("writer buffer at capacity, spool unavailable, dropping event")
			return
		}
	}

	w.buf = append(w.buf, ev)
	if len(w.buf) >= w.cfg.FlushCount {
		go w.flushRecovered(context.Background())
	}
}

// flushRecovered runs flush with panic recovery; used where flush is
// launched as its own goroutine outside the main Start loop.
func (w *Writer) flushRecovered(ctx context.Context) {
	defer logging.RecoverPanic(w.logger, "writer.flush", nil)
	w.flush(ctx)
}

// flush inserts the current buffer, or spools/drops it per the breaker state.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}

	if w.state == stateOpen {
		if time.Now().Before(w.reopenAt) {
			if len(w.buf) > w.cfg.SpoolThreshold {
				w.trySpoolLocked()
			}
			w.mu.Unlock()
			return
		}
		w.state = stateHalfOpen
		metrics.WriterCircuitState.Set(2)
	}

	batch := w.buf
	w.buf = nil
	attemptingHalfOpen := w.state == stateHalfOpen
	w.mu.Unlock()

	if err := w.insert(ctx, batch); err != nil {
		w.onFailure(batch, err, attemptingHalfOpen)
		return
	}
	w.onSuccess(attemptingHalfOpen)
}

func (w *Writer) onSuccess(wasHalfOpen bool) {
	w.mu.Lock()
	w.consecutiveFail = 0
	w.state = stateClosed
	w.backoffPolicy.Reset()
	w.mu.Unlock()

	metrics.WriterCircuitState.Set(0)

	if wasHalfOpen {
		go w.recoverSpoolRecovered(context.Background())
	}
}

// recoverSpoolRecovered runs recoverSpool with panic recovery; it's
// launched as a detached goroutine from onSuccess.
func (w *Writer) recoverSpoolRecovered(ctx context.Context) {
	defer logging.RecoverPanic(w.logger, "writer.recoverSpool", nil)
	w.recoverSpool(ctx)
}

func (w *Writer) onFailure(batch []*events.Event, err error, wasHalfOpen bool) {
	w.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("clickhouse insert failed")

	w.mu.Lock()
	w.consecutiveFail++
	trip := w.consecutiveFail > w.cfg.FailureThreshold || wasHalfOpen

	if trip {
		next := w.backoffPolicy.NextBackOff()
		if next == backoff.Stop {
			next = w.cfg.BaseBackoff
		}
		w.state = stateOpen
		w.reopenAt = time.Now().Add(next)
		metrics.WriterCircuitState.Set(1)
	}

	// Put the failed batch back so it's retried or spooled on the next
	// flush attempt, subject to the absolute buffer cap.
	room := w.cfg.MaxBufferSize - len(w.buf)
	if room > 0 {
		if room > len(batch) {
			room = len(batch)
		}
		w.buf = append(append([]*events.Event(nil), batch[:room]...), w.buf...)
	}
	spooledOrDropped := batch
	if room > 0 {
		spooledOrDropped = batch[room:]
	}

	if len(spooledOrDropped) > 0 {
		if !w.spoolLocked(spooledOrDropped) {
			metrics.WriterDataLossTotal.Add(float64(len(spooledOrDropped)))
		}
	}
	w.mu.Unlock()
}

// insert performs the ClickHouse batch insert for the analytics event table.
func (w *Writer) insert(ctx context.Context, batch []*events.Event) error {
	start := time.Now()
	defer func() {
		metrics.IngestLatencySeconds.Observe(time.Since(start).Seconds())
	}()

	chBatch, err := w.prepareBatch(ctx, `
		INSERT INTO matchstream.events (
			event_id, match_id, map_id, round_no, ts_event, ts_ingest,
			type, source, seq_no, trace_id, schema_version, payload_json
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, ev := range batch {
		payload, merr := json.Marshal(ev.Payload)
		if merr != nil {
			return fmt.Errorf("marshal payload for %s: %w", ev.EventID, merr)
		}
		if err := chBatch.Append(
			ev.EventID,
			ev.MatchID,
			ev.MapID,
			ev.RoundNo,
			ev.TsEvent,
			ev.TsIngest,
			string(ev.Type),
			ev.Source,
			ev.SeqNo,
			ev.TraceID,
			ev.SchemaVersion,
			string(payload),
		); err != nil {
			return fmt.Errorf("append %s: %w", ev.EventID, err)
		}
	}

	if err := chBatch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// trySpoolLocked spools the oldest half of the current buffer to disk,
// freeing room. Caller must hold w.mu.
func (w *Writer) trySpoolLocked() bool {
	if len(w.buf) == 0 {
		return false
	}
	n := len(w.buf) / 2
	if n == 0 {
		n = len(w.buf)
	}
	chunk := w.buf[:n]
	if !w.spoolLocked(chunk) {
		return false
	}
	w.buf = w.buf[n:]
	return true
}

// spoolLocked writes chunk to a JSON file under SpoolDir. Caller must hold w.mu.
func (w *Writer) spoolLocked(chunk []*events.Event) bool {
	if err := os.MkdirAll(w.cfg.SpoolDir, 0o755); err != nil {
		w.logger.Error().Err(err).Msg("spool dir unavailable")
		return false
	}
	name := fmt.Sprintf("spool-%d.json", time.Now().UnixNano())
	path := filepath.Join(w.cfg.SpoolDir, name)

	payload, err := json.Marshal(chunk)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to marshal spool chunk")
		return false
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("failed to write spool file")
		return false
	}
	metrics.WriterSpooledTotal.Add(float64(len(chunk)))
	w.logger.Warn().Str("path", path).Int("count", len(chunk)).Msg("spooled events to disk")
	return true
}

// recoverSpool re-reads spooled files in order and reinserts them,
// deleting each file on success. Runs as a background task once the
// breaker closes after a successful half-open insert.
func (w *Writer) recoverSpool(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.SpoolDir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error().Err(err).Msg("failed to list spool dir during recovery")
		}
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(w.cfg.SpoolDir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("failed to read spool file")
			continue
		}
		var chunk []*events.Event
		if err := json.Unmarshal(raw, &chunk); err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("failed to unmarshal spool file")
			continue
		}
		if err := w.insert(ctx, chunk); err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("spool recovery insert failed, will retry later")
			return
		}
		if err := os.Remove(path); err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("failed to remove recovered spool file")
		}
	}
}

// Stats reports current breaker/buffer state for health/debug surfaces.
func (w *Writer) Stats() (state string, bufLen int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.String(), len(w.buf)
}
