// Command consumerd runs the State Consumer Loop: shard discovery, lock
// acquisition, sequence validation, state application, durable writes,
// and prediction — the orchestrator described in internal/consumer.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/matchstream/internal/config"
	"github.com/adred-codev/matchstream/internal/consumer"
	"github.com/adred-codev/matchstream/internal/dlq"
	"github.com/adred-codev/matchstream/internal/eventlog"
	"github.com/adred-codev/matchstream/internal/logging"
	"github.com/adred-codev/matchstream/internal/matchstore"
	"github.com/adred-codev/matchstream/internal/prediction"
	"github.com/adred-codev/matchstream/internal/sequence"
	"github.com/adred-codev/matchstream/internal/shardlock"
	"github.com/adred-codev/matchstream/internal/writer"
)

func main() {
	bootstrapLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	ch, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.ClickhouseURL},
		Auth: clickhouse.Auth{
			Database: cfg.ClickhouseDatabase,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to clickhouse")
	}
	if err := ch.Ping(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("clickhouse ping failed")
	}

	log := eventlog.New(rdb, logger)
	locks := shardlock.New(rdb)
	seqValidator := sequence.New(rdb, cfg.GapThreshold, time.Duration(cfg.MaxLatenessMs)*time.Millisecond)
	store := matchstore.New(rdb)
	predictor := prediction.NewEngine()
	dlqMgr := dlq.New(rdb, cfg.MaxRetries)

	wr := writer.New(ch, writer.Config{
		FlushCount:       cfg.BatchSize,
		FlushInterval:    cfg.BatchFlushInterval,
		FailureThreshold: cfg.WriterBreakerTrip,
		BaseBackoff:      cfg.WriterBreakerBackoff,
		SpoolThreshold:   cfg.WriterSpoolAt,
		MaxBufferSize:    cfg.WriterMaxBuffer,
		SpoolDir:         cfg.WriterSpoolDir,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())

	go wr.Start(ctx)

	loop := consumer.New(consumer.Config{
		DiscoveryInterval: time.Duration(cfg.DiscoveryIntervalMs) * time.Millisecond,
		BatchSize:         cfg.ConsumerBatchSize,
		BlockMs:           cfg.ConsumerBlockMs,
		LockLease:         time.Duration(cfg.LockLeaseMs) * time.Millisecond,
	}, consumer.Deps{
		Redis:      rdb,
		Log:        log,
		Locks:      locks,
		Sequence:   seqValidator,
		Store:      store,
		Prediction: predictor,
		DLQ:        dlqMgr,
		Writer:     wr,
		Logger:     logger,
	})

	go loop.Run(ctx)

	// Metrics-only HTTP surface; admission lives in cmd/ingestd.
	metricsSrv := &http.Server{
		Addr:              cfg.Host + ":9090",
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", metricsSrv.Addr).Msg("consumerd metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("consumerd shutting down")

	cancel()
	wr.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if err := ch.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing clickhouse connection")
	}

	logger.Info().Msg("consumerd stopped")
}
