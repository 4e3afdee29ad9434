// Command ingestd runs the HTTP admission service: validate, dedup,
// append to the durable log. It owns no shard locks and does not
// participate in state consumption (see cmd/consumerd for that).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/matchstream/internal/config"
	"github.com/adred-codev/matchstream/internal/dedup"
	"github.com/adred-codev/matchstream/internal/dlq"
	"github.com/adred-codev/matchstream/internal/eventlog"
	"github.com/adred-codev/matchstream/internal/ingestion"
	"github.com/adred-codev/matchstream/internal/logging"
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

	log := eventlog.New(rdb, logger)
	dedupSvc := dedup.New(rdb, cfg.DedupTTL)
	dlqMgr := dlq.New(rdb, cfg.MaxRetries)

	server := ingestion.New(dedupSvc, log, dlqMgr, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           server,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Msg("ingestd listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("ingestd shutting down")
	server.BeginShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during http server shutdown")
	}
	server.Close()

	logger.Info().Msg("ingestd stopped")
}
