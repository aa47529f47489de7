// Package app assembles the recommendation pipeline from configuration. The
// binaries share it so the API and the worker run the same wiring.
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/config"
	"github.com/drfirst/go-rxgate/internal/infrastructure/advisory"
	"github.com/drfirst/go-rxgate/internal/infrastructure/fhirclient"
	"github.com/drfirst/go-rxgate/internal/infrastructure/inventory"
	"github.com/drfirst/go-rxgate/internal/infrastructure/memory"
	"github.com/drfirst/go-rxgate/internal/infrastructure/redis"
	"github.com/drfirst/go-rxgate/internal/knowledge"
	"github.com/drfirst/go-rxgate/internal/observability/metrics"
	"github.com/drfirst/go-rxgate/internal/pipeline"
	"github.com/drfirst/go-rxgate/pkg/circuitbreaker"
)

// NewLogger builds the process logger for cfg.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	if cfg.Debug() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger.With(zap.String("service", cfg.ServiceName)), nil
}

// Collaborators are the external sources a pipeline reads from.
type Collaborators struct {
	Clinical collab.ClinicalSource
	Stock    collab.StockSource
	Advisor  collab.Advisor

	redis *goredis.Client
}

// Close releases connections held by the collaborators.
func (c *Collaborators) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

// NewCollaborators picks each collaborator from cfg. Without a FHIR or stock
// URL the YAML fixtures serve instead; without an advisor URL there is no
// advisor and every decision carries the fallback narrative.
func NewCollaborators(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Collaborators, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := &Collaborators{}

	var fixtures *memory.Fixtures
	loadFixtures := func() (*memory.Fixtures, error) {
		if fixtures != nil {
			return fixtures, nil
		}
		var err error
		fixtures, err = memory.Load(cfg.FixturesFile)
		return fixtures, err
	}

	if cfg.FHIRBaseURL != "" {
		client, err := fhirclient.New(fhirclient.Config{BaseURL: cfg.FHIRBaseURL, Token: cfg.FHIRToken}, logger)
		if err != nil {
			return nil, err
		}
		out.Clinical = client
		logger.Info("clinical source: fhir", zap.String("base_url", cfg.FHIRBaseURL))
	} else {
		f, err := loadFixtures()
		if err != nil {
			return nil, err
		}
		out.Clinical = memory.NewPatientStore(f.Patients)
		logger.Info("clinical source: fixtures", zap.Int("patients", len(f.Patients)))
	}

	if cfg.StockBaseURL != "" {
		client, err := inventory.New(cfg.StockBaseURL, 0, logger)
		if err != nil {
			return nil, err
		}
		out.Stock = client
		logger.Info("stock source: http", zap.String("base_url", cfg.StockBaseURL))
	} else {
		f, err := loadFixtures()
		if err != nil {
			return nil, err
		}
		out.Stock = memory.NewStockCatalog(f.Stock, f.Alternatives)
		logger.Info("stock source: fixtures", zap.Int("items", len(f.Stock)))
	}

	if cfg.RedisAddr != "" {
		client, err := redis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			// The cache is optional; stock lookups go straight to the source.
			logger.Warn("stock cache disabled", zap.Error(err))
		} else {
			out.redis = client
			out.Stock = redis.NewStockCache(out.Stock, client, cfg.StockTTL, logger)
			logger.Info("stock cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.StockTTL))
		}
	}

	if cfg.AdvisorBaseURL != "" {
		client, err := advisory.New(advisory.DefaultConfig(cfg.AdvisorBaseURL, cfg.AdvisorAPIKey, cfg.AdvisorModel), logger)
		if err != nil {
			return nil, err
		}
		out.Advisor = client
		logger.Info("advisor enabled", zap.String("model", cfg.AdvisorModel))
	}
	return out, nil
}

// Pipeline is a ready orchestrator plus the breakers guarding it.
type Pipeline struct {
	Orchestrator *pipeline.Orchestrator
	Breakers     *circuitbreaker.Manager
}

// NewPipeline loads the rule tables and guards every collaborator with a
// breaker whose state is mirrored into m.
func NewPipeline(cfg config.Config, c *Collaborators, m *metrics.Metrics, logger *zap.Logger) (*Pipeline, error) {
	if c == nil {
		return nil, errors.New("collaborators are required")
	}
	kb, err := knowledge.Load(cfg.KnowledgeFile)
	if err != nil {
		return nil, err
	}

	breakers := circuitbreaker.NewManager(logger, m.BreakerHook())
	guards, err := collab.NewGuards(breakers, collab.Timeouts{
		Clinical: cfg.ClinicalTimeout,
		Stock:    cfg.StockTimeout,
		Advisor:  cfg.AdvisorTimeout,
	})
	if err != nil {
		return nil, err
	}

	orch, err := pipeline.NewOrchestrator(pipeline.Config{
		Knowledge: kb,
		Clinical:  c.Clinical,
		Stock:     c.Stock,
		Advisor:   c.Advisor,
		Guards:    guards,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &Pipeline{Orchestrator: orch, Breakers: breakers}, nil
}

// ClinicalReachable is a readiness check failing while the clinical source
// breaker is open. Open stock or advisor breakers only degrade decisions.
func (p *Pipeline) ClinicalReachable(context.Context) error {
	for _, h := range p.Breakers.GetHealthStatus() {
		if h.Name == collab.ClinicalSourceName && h.State == circuitbreaker.StateOpen {
			return fmt.Errorf("circuit %s is open", h.Name)
		}
	}
	return nil
}
