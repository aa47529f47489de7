// Package handlers provides HTTP handlers for the recommendation API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/api/middleware"
	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/fhir/mapper"
	fhir "github.com/drfirst/go-rxgate/internal/fhir/r5"
	"github.com/drfirst/go-rxgate/internal/pipeline"
)

const fhirJSON = "application/fhir+json"

// Recommender runs one recommendation and records it.
type Recommender interface {
	Recommend(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// RecommendationHandler handles recommendation endpoints
type RecommendationHandler struct {
	svc    Recommender
	audit  pipeline.AuditReader
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRecommendationHandler creates a new handler. audit may be nil, in
// which case the read endpoints answer 404.
func NewRecommendationHandler(svc Recommender, audit pipeline.AuditReader, logger *zap.Logger) *RecommendationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecommendationHandler{
		svc:    svc,
		audit:  audit,
		logger: logger,
		tracer: otel.Tracer("recommendation-handler"),
	}
}

// Routes returns the handler routes
func (h *RecommendationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/proposal", h.Proposal)
	return r
}

// CreateRequest is the request body for a recommendation
type CreateRequest struct {
	PatientID string `json:"patient_id"`
	Intent    string `json:"intent"`
}

// CreateResponse is the response for a recommendation
type CreateResponse struct {
	AuditID  string             `json:"audit_id,omitempty"`
	Decision *pipeline.Decision `json:"decision"`
	Error    string             `json:"error,omitempty"`
}

// Create handles POST /recommendations
func (h *RecommendationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_recommendation")
	defer span.End()

	var body CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.outcome(w, http.StatusBadRequest, "invalid", "invalid request body")
		return
	}
	span.SetAttributes(attribute.String("patient_id", body.PatientID))

	req := pipeline.Request{
		PatientID: body.PatientID,
		Intent:    body.Intent,
		ActorID:   middleware.GetActorID(ctx),
	}
	out, err := h.svc.Recommend(ctx, req)
	if err != nil && out.Decision != nil {
		// decided but not recorded
		h.logger.Error("decision not persisted",
			zap.String("decision_id", out.Decision.ID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, CreateResponse{Decision: out.Decision, Error: "decision was not recorded"})
		return
	}
	if err != nil {
		h.runError(ctx, w, err)
		return
	}

	span.SetAttributes(
		attribute.String("decision_id", out.Decision.ID),
		attribute.String("status", string(out.Decision.Status)),
	)
	h.logger.Info("recommendation created",
		zap.String("decision_id", out.Decision.ID),
		zap.String("audit_id", out.AuditID),
		zap.String("status", string(out.Decision.Status)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	h.writeJSON(w, http.StatusCreated, CreateResponse{AuditID: out.AuditID, Decision: out.Decision})
}

// Get handles GET /recommendations/{id}
func (h *RecommendationHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// Proposal handles GET /recommendations/{id}/proposal
func (h *RecommendationHandler) Proposal(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	req, err := mapper.ProposalFromDecision(rec.Decision)
	if err != nil {
		var me *mapper.MapError
		if errors.As(err, &me) && me.Code == "NO_CHOSEN_CANDIDATE" {
			h.outcome(w, http.StatusConflict, "business-rule", "decision has no accepted candidate")
			return
		}
		h.logger.Error("proposal mapping failed", zap.String("id", rec.AuditID), zap.Error(err))
		h.outcome(w, http.StatusInternalServerError, "exception", "cannot render proposal")
		return
	}
	w.Header().Set("Content-Type", fhirJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(req)
}

func (h *RecommendationHandler) load(w http.ResponseWriter, r *http.Request) (*pipeline.AuditRecord, bool) {
	id := chi.URLParam(r, "id")
	if h.audit == nil {
		h.outcome(w, http.StatusNotFound, "not-found", "recommendation not found")
		return nil, false
	}
	rec, err := h.audit.Get(r.Context(), id)
	switch {
	case errors.Is(err, pipeline.ErrAuditNotFound):
		h.outcome(w, http.StatusNotFound, "not-found", "recommendation not found")
		return nil, false
	case err != nil:
		h.logger.Error("audit lookup failed", zap.String("id", id), zap.Error(err))
		h.outcome(w, http.StatusInternalServerError, "exception", "failed to load recommendation")
		return nil, false
	}
	return rec, true
}

// runError maps pipeline failures onto HTTP status codes.
func (h *RecommendationHandler) runError(ctx context.Context, w http.ResponseWriter, err error) {
	fields := []zap.Field{zap.String("request_id", middleware.GetRequestID(ctx)), zap.Error(err)}
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		h.outcome(w, http.StatusBadRequest, "required", err.Error())
	case errors.Is(err, collab.ErrPatientNotFound):
		h.outcome(w, http.StatusNotFound, "not-found", "patient not found")
	case errors.Is(err, pipeline.ErrInvariantViolation):
		h.logger.Error("recommendation halted", fields...)
		h.outcome(w, http.StatusInternalServerError, "exception", "recommendation halted by a safety check")
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("recommendation timed out", fields...)
		h.outcome(w, http.StatusGatewayTimeout, "timeout", "recommendation timed out")
	default:
		h.logger.Error("recommendation failed", fields...)
		h.outcome(w, http.StatusBadGateway, "transient", "clinical data source unavailable")
	}
}

func (h *RecommendationHandler) outcome(w http.ResponseWriter, code int, issue, diagnostics string) {
	w.Header().Set("Content-Type", fhirJSON)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(fhir.NewErrorOutcome(issue, diagnostics))
}

func (h *RecommendationHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
