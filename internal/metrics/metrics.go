// Package metrics defines the process's Prometheus vectors, registered
// once at package init the way ws/internal/shared/monitoring does it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngestedTotal counts admitted events by outcome.
	EventsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchstream_events_ingested_total",
		Help: "Total events admitted, by result (accepted, duplicate, rejected).",
	}, []string{"result"})

	IngestLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchstream_ingest_latency_seconds",
		Help:    "Admission-handler latency.",
		Buckets: []float64{.001, .005, .01, .02, .05, .1, .5, 1},
	})

	StateConsumerEventsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchstream_state_consumer_events_processed_total",
		Help: "Events processed by the state consumer loop.",
	})

	E2ELatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchstream_e2e_latency_seconds",
		Help:    "End-to-end latency from ingest to published prediction.",
		Buckets: []float64{.01, .05, .1, .2, .3, .5, .75, 1, 2},
	})

	SequenceOutOfOrderTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchstream_sequence_out_of_order_total",
		Help: "Late or duplicate events (seq_no at or below the last seen) reprocessed within the lateness window.",
	})
	SequenceGapsDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchstream_sequence_gaps_detected_total",
		Help: "Sequence gaps detected (healed or skipped).",
	})
	SequenceLateProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchstream_sequence_late_processed_total",
		Help: "Late/duplicate events reprocessed within the lateness window.",
	})
	SequenceLateDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchstream_sequence_late_dropped_total",
		Help: "Late events dropped as beyond the lateness window.",
	})

	PredictionSwingClampedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchstream_prediction_swing_clamped_total",
		Help: "Predictions whose probability move was clamped by anomaly damping.",
	})
	PredictionFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchstream_prediction_fallback_total",
		Help: "Predictions served from the circuit-breaker last-good fallback.",
	})

	WriterCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchstream_writer_circuit_state",
		Help: "Durable writer circuit breaker state (0=closed, 1=open, 2=half_open).",
	})
	WriterDataLossTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchstream_writer_data_loss_total",
		Help: "Events dropped because buffer, spool, and insert all failed.",
	})
	WriterSpooledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchstream_writer_spooled_total",
		Help: "Events written to the on-disk spool.",
	})

	DLQEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchstream_dlq_entries_total",
		Help: "Events parked in a shard's dead-letter queue.",
	}, []string{"shard"})

	ShardsHeldGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchstream_shards_held",
		Help: "Number of shard locks currently held by this consumer process.",
	})

	IngestRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchstream_ingest_rate_limited_total",
		Help: "Events rejected by the admission rate limiter. Every rejection, including one caused by the global limit, is labelled scope=source.",
	}, []string{"scope"})
)
