// Package pipeline sequences generation, screening, ranking and availability
// resolution into one immutable Decision per run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/availability"
	"github.com/drfirst/go-rxgate/internal/candidate"
	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
	"github.com/drfirst/go-rxgate/internal/knowledge"
	"github.com/drfirst/go-rxgate/internal/observability/metrics"
	"github.com/drfirst/go-rxgate/internal/safety"
	"github.com/drfirst/go-rxgate/pkg/workerpool"
)

// Config wires an Orchestrator. Clinical is required; everything else has
// a default.
type Config struct {
	Knowledge     *knowledge.Base
	Clinical      collab.ClinicalSource
	Stock         collab.StockSource
	Advisor       collab.Advisor
	Guards        collab.Guards
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
	NewID         func() string
	MaxCandidates int
}

// Orchestrator runs the gating state machine.
type Orchestrator struct {
	kb        *knowledge.Base
	engine    *safety.Engine
	generator *candidate.Generator
	resolver  *availability.Resolver
	clinical  collab.ClinicalSource
	advisor   collab.Advisor
	calls     collab.Calls
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// NewOrchestrator builds an orchestrator over one knowledge base.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Clinical == nil {
		return nil, errors.New("pipeline: clinical source is required")
	}
	kb := cfg.Knowledge
	if kb == nil {
		kb = knowledge.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	calls := collab.Calls{Guards: cfg.Guards, Now: now, Logger: logger}
	engine := safety.NewEngine(kb)
	var opts []candidate.Option
	if cfg.MaxCandidates > 0 {
		opts = append(opts, candidate.WithMaxCandidates(cfg.MaxCandidates))
	}
	return &Orchestrator{
		kb:        kb,
		engine:    engine,
		generator: candidate.NewGenerator(kb, engine, opts...),
		resolver:  availability.NewResolver(kb, engine, cfg.Stock, calls, logger),
		clinical:  cfg.Clinical,
		advisor:   cfg.Advisor,
		calls:     calls,
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer("therapy-pipeline"),
		logger:    logger,
		now:       now,
		newID:     newID,
	}, nil
}

// RunPipeline produces the decision for one patient and intent. It returns
// an error only when the patient cannot be loaded or an invariant breaks;
// blocked outcomes are decisions, not errors.
func (o *Orchestrator) RunPipeline(ctx context.Context, patientID, intentText string) (*Decision, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("patient.id", patientID)))
	defer span.End()

	d, err := o.run(ctx, patientID, intentText)
	status := "error"
	switch {
	case err == nil:
		status = string(d.Status)
	case errors.Is(err, collab.ErrPatientNotFound):
		status = "not_found"
	case errors.Is(err, ErrInvariantViolation):
		status = "invariant_violation"
	}
	o.metrics.ObserveRun(status, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("decision.id", d.ID),
		attribute.String("decision.status", string(d.Status)),
		attribute.Int("decision.degraded", len(d.Degraded)),
	)
	fields := []zap.Field{
		zap.String("decision_id", d.ID),
		zap.String("patient_id", patientID),
		zap.String("indication", d.Indication),
		zap.String("status", string(d.Status)),
		zap.Int("findings", len(d.Findings)),
		zap.Int("degraded", len(d.Degraded)),
	}
	if d.Chosen != nil {
		fields = append(fields, zap.String("chosen", d.Chosen.Candidate.GenericName))
	}
	o.logger.Info("pipeline decided", fields...)
	return d, nil
}

func (o *Orchestrator) run(ctx context.Context, patientID, intentText string) (*Decision, error) {
	snap, err := o.calls.FetchContext(ctx, o.clinical, patientID)
	if err != nil {
		return nil, err
	}
	pc := patient.NewWithClassifier(snap, o.kb.Classifier())

	m := newMachine(o.now)
	in := DecisionInput{
		ID:               o.newID(),
		PatientID:        patientID,
		Intent:           intentText,
		Patient:          pc,
		Version:          Version,
		KnowledgeVersion: o.kb.Version,
		Verdicts:         []therapy.Verdict{},
	}

	if err := m.advance(StateGenerating); err != nil {
		return nil, err
	}
	o.stage(ctx, StateGenerating, func(context.Context) {
		in.Generation = o.generator.Generate(pc, intentText)
	})
	o.metrics.ObserveGeneration(len(in.Generation.Candidates))

	if in.Generation.Indication != "" {
		advice := o.calls.Enrich(ctx, o.advisor, pc, in.Generation.Indication, intentText)
		in.Advisory = advice.Value.Bullets
		if advice.IsDegraded() {
			in.Degraded = append(in.Degraded, advice.Degraded)
		}
	}
	if len(in.Generation.Candidates) == 0 {
		return o.decide(m, in)
	}

	if err := m.advance(StateScreening); err != nil {
		return nil, err
	}
	cands := in.Generation.Candidates
	o.stage(ctx, StateScreening, func(ctx context.Context) {
		in.Verdicts = workerpool.Map(ctx, cands, len(cands), func(_ context.Context, c therapy.Candidate) therapy.Verdict {
			return o.engine.EvaluateVerdict(pc, c)
		})
	})
	var safe []RankedCandidate
	for i, v := range in.Verdicts {
		for _, f := range v.HardBlocks {
			o.metrics.HardBlock(string(f.Kind))
		}
		if v.Passed {
			safe = append(safe, RankedCandidate{GenerationRank: i + 1, Candidate: cands[i], Verdict: v})
		}
	}
	if len(safe) == 0 {
		return o.decide(m, in)
	}

	if err := m.advance(StateRanking); err != nil {
		return nil, err
	}
	o.stage(ctx, StateRanking, func(context.Context) {
		sort.SliceStable(safe, func(i, j int) bool {
			return safe[i].Candidate.Confidence > safe[j].Candidate.Confidence
		})
	})

	if err := m.advance(StateResolving); err != nil {
		return nil, err
	}
	o.stage(ctx, StateResolving, func(ctx context.Context) {
		toResolve := make([]therapy.Candidate, len(safe))
		for i := range safe {
			toResolve[i] = safe[i].Candidate
		}
		res := o.resolver.Resolve(ctx, pc, toResolve)
		for i := range safe {
			safe[i].Availability = res.Records[i]
		}
		in.Degraded = append(in.Degraded, res.Degraded...)
		sort.SliceStable(safe, func(i, j int) bool { return rankedBefore(safe[i], safe[j]) })
	})
	in.Ranked = safe
	return o.decide(m, in)
}

func (o *Orchestrator) decide(m *machine, in DecisionInput) (*Decision, error) {
	if err := m.advance(StateDecided); err != nil {
		return nil, o.violation(in, err)
	}
	in.Trail = m.snapshot()
	d, err := NewDecision(in)
	if err != nil {
		return nil, o.violation(in, err)
	}
	for _, deg := range d.Degraded {
		o.metrics.Degraded(deg.Collaborator)
	}
	return d, nil
}

func (o *Orchestrator) violation(in DecisionInput, err error) error {
	names := make([]string, 0, len(in.Generation.Candidates))
	for _, c := range in.Generation.Candidates {
		names = append(names, c.GenericName)
	}
	o.logger.Error("pipeline invariant violated",
		zap.String("decision_id", in.ID),
		zap.String("patient_id", in.PatientID),
		zap.String("intent", in.Intent),
		zap.String("indication", in.Generation.Indication),
		zap.Strings("candidates", names),
		zap.Int("verdicts", len(in.Verdicts)),
		zap.Int("ranked", len(in.Ranked)),
		zap.Error(err))
	if !errors.Is(err, ErrInvariantViolation) {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	return err
}

// stage runs fn inside a span and records its duration.
func (o *Orchestrator) stage(ctx context.Context, s State, fn func(context.Context)) {
	ctx, span := o.tracer.Start(ctx, "pipeline."+string(s))
	defer span.End()
	start := time.Now()
	fn(ctx)
	o.metrics.ObserveStage(string(s), time.Since(start))
}
