// Package ingestion is the HTTP admission layer (spec.md §4.1/§4.2/§5/§6):
// validate, dedup, append to the durable log, and expose health/metrics
// and DLQ admin endpoints. Plain net/http + http.ServeMux, matching the
// teacher's style; a router framework is reserved for the out-of-scope
// read API.
package ingestion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/matchstream/internal/dedup"
	"github.com/adred-codev/matchstream/internal/dlq"
	"github.com/adred-codev/matchstream/internal/eventlog"
	"github.com/adred-codev/matchstream/internal/events"
	"github.com/adred-codev/matchstream/internal/metrics"
	"github.com/adred-codev/matchstream/internal/schema"
)

const (
	maxBatchItems = 100
	maxBodyBytes  = 8 * 1024 * 1024 // generous cap above MaxEventBytes * maxBatchItems
)

// Error codes for the 4xx/5xx envelope (spec.md §6).
const (
	codeValidationError = "VALIDATION_ERROR"
	codeBatchTooLarge   = "BATCH_TOO_LARGE"
	codeInternalError   = "INTERNAL_ERROR"
	codeRateLimited     = "RATE_LIMITED"
	codeUnavailable     = "UNAVAILABLE"
)

// Requeuer is the subset of eventlog.Log the DLQ admin endpoints need.
type Requeuer interface {
	Append(ctx context.Context, shard string, fields map[string]interface{}) (string, error)
}

// Server is the admission HTTP handler.
type Server struct {
	mux *http.ServeMux

	dedup   *dedup.Service
	log     *eventlog.Log
	dlqMgr  *dlq.Manager
	limiter *sourceRateLimiter
	logger  zerolog.Logger

	shuttingDown atomic.Bool
}

// New builds a Server and wires its routes.
func New(d *dedup.Service, log *eventlog.Log, dlqMgr *dlq.Manager, logger zerolog.Logger) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		dedup:   d,
		log:     log,
		dlqMgr:  dlqMgr,
		limiter: newSourceRateLimiter(rateLimiterConfig{}),
		logger:  logger,
	}
	s.routes()
	return s
}

// BeginShutdown makes /events and /events/batch fail fast with 503 so the
// caller's graceful-shutdown window isn't spent accepting work that will
// never be acked before the process exits.
func (s *Server) BeginShutdown() {
	s.shuttingDown.Store(true)
}

// Close stops the rate limiter's background cleanup goroutine.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.stop()
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("/events", s.handleEvent)
	s.mux.HandleFunc("/events/batch", s.handleBatch)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/readyz", s.handleReadyz)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/admin/dlq/", s.handleDLQ)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.log.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not_ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// eventResponse is the literal 200 body shape from spec.md §6.
type eventResponse struct {
	Success   bool   `json:"success"`
	EventID   string `json:"event_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg}})
}

// handleEvent admits a single event (spec.md §6 POST /events).
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown.Load() {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "server is shutting down")
		return
	}

	start := time.Now()
	defer func() {
		metrics.IngestLatencySeconds.Observe(time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidationError, "failed to read request body")
		return
	}

	res := s.admit(r.Context(), body)
	writeAdmitResult(w, res, start)
}

// handleBatch admits up to maxBatchItems events, reporting a per-item result.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown.Load() {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "server is shutting down")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidationError, "failed to read request body")
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		writeError(w, http.StatusBadRequest, codeValidationError, "batch body must be a JSON array")
		return
	}
	if len(items) > maxBatchItems {
		writeError(w, http.StatusBadRequest, codeBatchTooLarge, "batch exceeds maximum of 100 items")
		return
	}

	type itemResult struct {
		Index     int        `json:"index"`
		Success   bool       `json:"success"`
		EventID   string     `json:"event_id,omitempty"`
		Duplicate bool       `json:"duplicate,omitempty"`
		Error     *errorBody `json:"error,omitempty"`
	}
	results := make([]itemResult, 0, len(items))

	for i, raw := range items {
		start := time.Now()
		res := s.admit(r.Context(), raw)
		metrics.IngestLatencySeconds.Observe(time.Since(start).Seconds())

		ir := itemResult{Index: i, Success: res.success(), EventID: res.eventID, Duplicate: res.duplicate}
		if !ir.Success {
			ir.Error = &errorBody{Code: res.errCode, Message: res.errMsg}
		}
		results = append(results, ir)
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// admitOutcome is the in-process result of admitting one event, carrying
// enough to format either the single-event or per-batch-item response.
type admitOutcome struct {
	httpStatus int
	errCode    string
	errMsg     string

	eventID   string
	traceID   string
	streamID  string
	duplicate bool
}

func (o admitOutcome) success() bool { return o.errCode == "" }

func writeAdmitResult(w http.ResponseWriter, o admitOutcome, start time.Time) {
	if !o.success() {
		writeError(w, o.httpStatus, o.errCode, o.errMsg)
		return
	}
	writeJSON(w, o.httpStatus, eventResponse{
		Success:   true,
		EventID:   o.eventID,
		TraceID:   o.traceID,
		StreamID:  o.streamID,
		Duplicate: o.duplicate,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

// admit runs one raw event through validate -> rate-limit -> dedup ->
// append (spec.md §7's error-kind disposition table).
func (s *Server) admit(ctx context.Context, raw []byte) admitOutcome {
	ev, verr := schema.Validate(raw)
	if verr != nil {
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		return admitOutcome{httpStatus: http.StatusBadRequest, errCode: codeValidationError, errMsg: verr.Error()}
	}

	if !s.limiter.allow(ev.Source) {
		metrics.IngestRateLimitedTotal.WithLabelValues("source").Inc()
		return admitOutcome{httpStatus: http.StatusTooManyRequests, errCode: codeRateLimited, errMsg: "admission rate limit exceeded for source"}
	}

	dup, err := s.dedup.IsDuplicate(ctx, ev.EventID, ev.MatchID)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("dedup check failed")
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		return admitOutcome{httpStatus: http.StatusInternalServerError, errCode: codeInternalError, errMsg: "dedup check failed"}
	}
	if dup {
		metrics.EventsIngestedTotal.WithLabelValues("duplicate").Inc()
		return admitOutcome{httpStatus: http.StatusOK, eventID: ev.EventID, traceID: ev.TraceID, duplicate: true}
	}

	streamID, err := s.log.Append(ctx, ev.Shard(), appendFields(ev))
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("append to log failed")
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		return admitOutcome{httpStatus: http.StatusInternalServerError, errCode: codeInternalError, errMsg: "failed to append to durable log"}
	}

	if err := s.dedup.MarkSeen(ctx, ev.EventID, ev.MatchID); err != nil {
		s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("failed to mark event seen for dedup")
	}

	metrics.EventsIngestedTotal.WithLabelValues("accepted").Inc()
	return admitOutcome{httpStatus: http.StatusOK, eventID: ev.EventID, traceID: ev.TraceID, streamID: streamID}
}

func appendFields(ev *events.Event) map[string]interface{} {
	return map[string]interface{}{
		"payload":  string(mustMarshal(ev)),
		"event_id": ev.EventID,
		"seq_no":   strconv.FormatUint(ev.SeqNo, 10),
	}
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Events are only ever constructed from already-validated JSON, so
		// this can't happen outside of a bug in Validate.
		panic(err)
	}
	return b
}

// handleDLQ serves:
//   GET  /admin/dlq/{shard}                      — list entries
//   POST /admin/dlq/requeue/{shard}               — requeue every entry for shard
//   POST /admin/dlq/requeue/{shard}/{entryId}     — requeue a single entry
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/dlq/")

	if strings.HasPrefix(path, "requeue/") {
		rest := strings.TrimPrefix(path, "requeue/")
		if rest == "" || r.Method != http.MethodPost {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		shard, entryID, hasEntryID := strings.Cut(rest, "/")
		if hasEntryID {
			found, err := s.dlqMgr.RequeueOne(r.Context(), s.log, shard, entryID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !found {
				http.Error(w, "entry not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"requeued": 1})
			return
		}

		n, err := s.dlqMgr.RequeueAll(r.Context(), s.log, shard)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
		return
	}

	if path == "" {
		shards, err := s.dlqMgr.GetDLQShards(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"shards": shards})
		return
	}

	entries, err := s.dlqMgr.GetDLQEntries(r.Context(), path, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
