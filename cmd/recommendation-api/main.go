// Package main provides the recommendation API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/api/handlers"
	"github.com/drfirst/go-rxgate/internal/api/middleware"
	"github.com/drfirst/go-rxgate/internal/app"
	"github.com/drfirst/go-rxgate/internal/config"
	"github.com/drfirst/go-rxgate/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxgate/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxgate/internal/observability/metrics"
	"github.com/drfirst/go-rxgate/internal/observability/tracing"
	"github.com/drfirst/go-rxgate/internal/pipeline"
)

const serviceName = "recommendation-api"

func main() {
	cfg := config.Load(serviceName)

	logger, err := app.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
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
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

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

	recommendations := handlers.NewRecommendationHandler(svc, audit, logger)
	health := handlers.NewHealthHandler(serviceName, pipeline.Version, map[string]handlers.Check{
		"database":        audit.Ping,
		"clinical_source": p.ClinicalReachable,
	})

	// Setup router
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", metrics.Handler(reg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(chimw.Timeout(cfg.RunTimeout))
		r.Mount("/recommendations", recommendations.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RunTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting recommendation API",
		zap.String("port", cfg.Port),
		zap.String("pipeline_version", pipeline.Version),
		zap.Bool("tracing", tp.Enabled()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
