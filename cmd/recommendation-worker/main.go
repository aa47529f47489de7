// Package main provides the recommendation worker entry point.
// Consumes recommendation requests and publishes recorded decisions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/app"
	"github.com/drfirst/go-rxgate/internal/config"
	"github.com/drfirst/go-rxgate/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxgate/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxgate/internal/observability/metrics"
	"github.com/drfirst/go-rxgate/internal/observability/tracing"
	"github.com/drfirst/go-rxgate/internal/pipeline"
	"github.com/drfirst/go-rxgate/pkg/idempotency"
	"github.com/drfirst/go-rxgate/pkg/workerpool"
)

func main() {
	cfg := config.Load(handlerName)

	logger, err := app.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(handlerName)
	tcfg.ServiceVersion = pipeline.Version
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.SampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to initialise tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	collabs, err := app.NewCollaborators(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to configure collaborators", zap.Error(err))
	}
	defer collabs.Close()

	p, err := app.NewPipeline(cfg, collabs, m, logger)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}
	audit := postgres.NewAuditStore(pool, redpanda.TopicDecisionAudit, logger)
	svc := pipeline.NewService(p.Orchestrator, audit, m, logger)

	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.IsTerminal = terminal
	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), inboxCfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	w := &worker{
		svc:     svc,
		inbox:   inbox,
		results: producer,
		topic:   redpanda.TopicRecommendationResults,
		clock:   time.Now,
		logger:  logger,
	}

	// Retries belong to the consumer so every attempt passes the inbox.
	poolCfg := workerpool.DefaultConfig()
	poolCfg.MaxRetries = 0
	workers, err := workerpool.New(poolCfg, w.process, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()

	consumer, err := redpanda.NewConsumer(
		redpanda.DefaultConsumerConfig(cfg.KafkaBrokers, cfg.KafkaGroupID),
		handle(workers), producer, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("recommendation worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroupID),
		zap.Int("workers", poolCfg.Workers))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	if err := workers.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}
	logger.Info("recommendation worker stopped", zap.Any("pool", workers.Stats()))
}
