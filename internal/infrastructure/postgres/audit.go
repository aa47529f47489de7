package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/pipeline"
)

// EventDecisionRecorded is the outbox event type for a stored decision.
const EventDecisionRecorded = "therapy.decision.recorded"

// AuditStore persists decisions to therapy_decisions and announces each one
// through the outbox in the same transaction.
type AuditStore struct {
	pool   *pgxpool.Pool
	topic  string
	now    func() time.Time
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAuditStore creates a store whose outbox entries target topic.
func NewAuditStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *AuditStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditStore{
		pool:   pool,
		topic:  topic,
		now:    time.Now,
		logger: logger,
		tracer: otel.Tracer("audit-store"),
	}
}

type auditRow struct {
	AuditID          string
	DecisionID       string
	PatientID        string
	ActorID          string
	Status           string
	ChosenDrug       *string
	PipelineVersion  string
	KnowledgeVersion string
	Degraded         bool
	DecidedAt        time.Time
	RecordedAt       time.Time
	Payload          []byte
}

func newAuditRow(d *pipeline.Decision, actorID, auditID string, recordedAt time.Time) (auditRow, []byte, error) {
	if d == nil {
		return auditRow{}, nil, errors.New("decision is required")
	}
	if actorID == "" {
		return auditRow{}, nil, errors.New("actor id is required")
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return auditRow{}, nil, fmt.Errorf("encode decision: %w", err)
	}
	row := auditRow{
		AuditID:          auditID,
		DecisionID:       d.ID,
		PatientID:        d.PatientID,
		ActorID:          actorID,
		Status:           string(d.Status),
		PipelineVersion:  d.PipelineVersion,
		KnowledgeVersion: d.KnowledgeVersion,
		Degraded:         len(d.Degraded) > 0,
		DecidedAt:        d.DecidedAt,
		RecordedAt:       recordedAt.UTC(),
		Payload:          payload,
	}
	if d.Chosen != nil {
		drug := d.Chosen.Candidate.GenericName
		row.ChosenDrug = &drug
	}

	event, err := json.Marshal(pipeline.AuditRecord{
		AuditID:    auditID,
		ActorID:    actorID,
		RecordedAt: row.RecordedAt,
		Decision:   d,
	})
	if err != nil {
		return auditRow{}, nil, fmt.Errorf("encode audit event: %w", err)
	}
	return row, event, nil
}

// Persist stores d for actorID and returns the new audit id.
func (s *AuditStore) Persist(ctx context.Context, d *pipeline.Decision, actorID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "audit_persist")
	defer span.End()

	row, event, err := newAuditRow(d, actorID, uuid.New().String(), s.now())
	if err != nil {
		return "", err
	}
	span.SetAttributes(
		attribute.String("audit_id", row.AuditID),
		attribute.String("decision_id", row.DecisionID),
		attribute.String("status", row.Status),
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		INSERT INTO therapy_decisions (audit_id, decision_id, patient_id, actor_id, status, chosen_drug,
			pipeline_version, knowledge_version, degraded, decided_at, recorded_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if _, err := tx.Exec(ctx, query,
		row.AuditID, row.DecisionID, row.PatientID, row.ActorID, row.Status, row.ChosenDrug,
		row.PipelineVersion, row.KnowledgeVersion, row.Degraded, row.DecidedAt, row.RecordedAt, row.Payload,
	); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("insert decision: %w", err)
	}

	if err := WriteEntry(ctx, tx, &OutboxEntry{
		SubjectID:   row.DecisionID,
		SubjectType: "therapy_decision",
		EventType:   EventDecisionRecorded,
		Payload:     event,
		Topic:       s.topic,
		Key:         row.PatientID,
	}); err != nil {
		span.RecordError(err)
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("decision recorded",
		zap.String("audit_id", row.AuditID),
		zap.String("decision_id", row.DecisionID),
		zap.String("actor_id", actorID))
	return row.AuditID, nil
}

// Get loads a stored decision by audit id or decision id.
func (s *AuditStore) Get(ctx context.Context, id string) (*pipeline.AuditRecord, error) {
	query := `
		SELECT audit_id::text, actor_id, recorded_at, payload
		FROM therapy_decisions
		WHERE audit_id::text = $1 OR decision_id = $1
		LIMIT 1
	`
	rec := &pipeline.AuditRecord{}
	var payload []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&rec.AuditID, &rec.ActorID, &rec.RecordedAt, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.ErrAuditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load decision %s: %w", id, err)
	}
	rec.Decision = &pipeline.Decision{}
	if err := json.Unmarshal(payload, rec.Decision); err != nil {
		return nil, fmt.Errorf("decode decision %s: %w", id, err)
	}
	return rec, nil
}

// Ping checks database connectivity.
func (s *AuditStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
