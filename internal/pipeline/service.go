package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/observability/metrics"
)

// AuditSink durably stores a decision with the acting user and returns the
// audit id.
type AuditSink interface {
	Persist(ctx context.Context, d *Decision, actorID string) (string, error)
}

// ErrAuditNotFound is returned by an AuditReader for unknown ids.
var ErrAuditNotFound = errors.New("audit record not found")

// AuditRecord is a stored decision. Lookups accept either the audit id or
// the decision id.
type AuditRecord struct {
	AuditID    string    `json:"audit_id"`
	ActorID    string    `json:"actor_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Decision   *Decision `json:"decision"`
}

// AuditReader loads stored decisions.
type AuditReader interface {
	Get(ctx context.Context, id string) (*AuditRecord, error)
}

// Runner is the pipeline entry point Service depends on.
type Runner interface {
	RunPipeline(ctx context.Context, patientID, intentText string) (*Decision, error)
}

// ErrInvalidRequest marks a request missing a required field.
var ErrInvalidRequest = errors.New("invalid recommendation request")

// Request asks for one recommendation.
type Request struct {
	PatientID string `json:"patient_id"`
	Intent    string `json:"intent"`
	ActorID   string `json:"actor_id"`
}

// Validate checks required fields.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.PatientID) == "":
		return fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Intent) == "":
		return fmt.Errorf("%w: intent is required", ErrInvalidRequest)
	case strings.TrimSpace(r.ActorID) == "":
		return fmt.Errorf("%w: actor_id is required", ErrInvalidRequest)
	}
	return nil
}

// Outcome is a decision plus where it was recorded.
type Outcome struct {
	Decision *Decision `json:"decision"`
	AuditID  string    `json:"audit_id,omitempty"`
}

// Service runs the pipeline and hands each decision to the audit sink.
type Service struct {
	runner  Runner
	audit   AuditSink
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService creates a service. audit may be nil, in which case decisions
// are returned without an audit id.
func NewService(runner Runner, audit AuditSink, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{runner: runner, audit: audit, metrics: m, logger: logger}
}

// Recommend runs one request. When persisting fails the decision is still
// returned together with the error.
func (s *Service) Recommend(ctx context.Context, req Request) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	d, err := s.runner.RunPipeline(ctx, req.PatientID, req.Intent)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Decision: d}
	if s.audit == nil {
		return out, nil
	}
	auditID, err := s.audit.Persist(ctx, d, req.ActorID)
	if err != nil {
		s.metrics.Audit("error")
		s.logger.Error("failed to persist decision",
			zap.String("decision_id", d.ID),
			zap.String("actor_id", req.ActorID),
			zap.Error(err))
		return out, fmt.Errorf("persist decision %s: %w", d.ID, err)
	}
	s.metrics.Audit("ok")
	out.AuditID = auditID
	return out, nil
}
