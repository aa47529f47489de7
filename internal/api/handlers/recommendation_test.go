package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-rxgate/internal/api/middleware"
	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
	fhir "github.com/drfirst/go-rxgate/internal/fhir/r5"
	"github.com/drfirst/go-rxgate/internal/pipeline"
)

type recommenderFunc func(context.Context, pipeline.Request) (pipeline.Outcome, error)

func (f recommenderFunc) Recommend(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	return f(ctx, req)
}

type memAudit map[string]*pipeline.AuditRecord

func (m memAudit) Get(_ context.Context, id string) (*pipeline.AuditRecord, error) {
	if rec, ok := m[id]; ok {
		return rec, nil
	}
	return nil, pipeline.ErrAuditNotFound
}

func accepted() *pipeline.Decision {
	c := therapy.Candidate{
		GenericName: "azithromycin", Dose: "500 mg", Frequency: "once daily",
		Duration: "3 days", Route: "oral", Confidence: 0.85,
	}
	return &pipeline.Decision{
		ID:        "dec-1",
		PatientID: "pt-1",
		Status:    pipeline.StatusAccepted,
		Chosen: &pipeline.RankedCandidate{
			Rank: 1, GenerationRank: 2, Candidate: c, Verdict: therapy.NewVerdict(nil),
			Availability: therapy.AvailabilityRecord{Drug: c.GenericName, Available: true},
		},
		DecidedAt:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		PipelineVersion: pipeline.Version,
	}
}

func newRouter(svc Recommender, audit pipeline.AuditReader) http.Handler {
	h := NewRecommendationHandler(svc, audit, nil)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(map[string]string{"k": "dr-house"}))
		r.Mount("/recommendations", h.Routes())
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateRecommendation(t *testing.T) {
	var got pipeline.Request
	svc := recommenderFunc(func(_ context.Context, req pipeline.Request) (pipeline.Outcome, error) {
		got = req
		return pipeline.Outcome{Decision: accepted(), AuditID: "audit-1"}, nil
	})

	rec := do(t, newRouter(svc, nil), http.MethodPost, "/api/v1/recommendations",
		`{"patient_id":"pt-1","intent":"community acquired pneumonia"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if got.ActorID != "dr-house" || got.PatientID != "pt-1" {
		t.Errorf("request = %+v, want actor from API key", got)
	}
	var resp CreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AuditID != "audit-1" || resp.Decision.Chosen.Candidate.GenericName != "azithromycin" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCreateRequiresAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/recommendations", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	newRouter(nil, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateMapsErrors(t *testing.T) {
	cases := []struct {
		err   error
		code  int
		issue string
	}{
		{fmt.Errorf("%w: intent is required", pipeline.ErrInvalidRequest), http.StatusBadRequest, "required"},
		{fmt.Errorf("fetch: %w", collab.ErrPatientNotFound), http.StatusNotFound, "not-found"},
		{fmt.Errorf("%w: ranked candidate failed screening", pipeline.ErrInvariantViolation), http.StatusInternalServerError, "exception"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("connection reset"), http.StatusBadGateway, "transient"},
	}
	for _, tc := range cases {
		svc := recommenderFunc(func(context.Context, pipeline.Request) (pipeline.Outcome, error) {
			return pipeline.Outcome{}, tc.err
		})
		rec := do(t, newRouter(svc, nil), http.MethodPost, "/api/v1/recommendations", `{"patient_id":"pt-1","intent":"x"}`)
		if rec.Code != tc.code {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.code)
			continue
		}
		var oo fhir.OperationOutcome
		if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil || oo.Issue[0].Code != tc.issue {
			t.Errorf("%v: outcome = %+v err = %v", tc.err, oo, err)
		}
	}
}

func TestCreateReturnsUnrecordedDecision(t *testing.T) {
	svc := recommenderFunc(func(context.Context, pipeline.Request) (pipeline.Outcome, error) {
		return pipeline.Outcome{Decision: accepted()}, errors.New("db down")
	})
	rec := do(t, newRouter(svc, nil), http.MethodPost, "/api/v1/recommendations", `{"patient_id":"pt-1","intent":"x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp CreateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Decision == nil || resp.Decision.ID != "dec-1" || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestGetAndProposal(t *testing.T) {
	blocked := &pipeline.Decision{ID: "dec-2", PatientID: "pt-2", Status: pipeline.StatusBlockedAllUnsafe}
	audit := memAudit{
		"audit-1": {AuditID: "audit-1", ActorID: "dr-house", Decision: accepted()},
		"audit-2": {AuditID: "audit-2", ActorID: "dr-house", Decision: blocked},
	}
	h := newRouter(nil, audit)

	if rec := do(t, h, http.MethodGet, "/api/v1/recommendations/audit-1", ""); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/recommendations/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/recommendations/audit-1/proposal", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != fhirJSON {
		t.Fatalf("proposal status = %d type = %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	var mr fhir.MedicationRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &mr); err != nil {
		t.Fatal(err)
	}
	if mr.Intent != fhir.IntentProposal || mr.Status != fhir.StatusDraft {
		t.Errorf("proposal = %s/%s", mr.Intent, mr.Status)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/recommendations/audit-2/proposal", ""); rec.Code != http.StatusConflict {
		t.Errorf("blocked proposal status = %d", rec.Code)
	}
}

func TestReady(t *testing.T) {
	h := NewHealthHandler("recommendation-api", "test", map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "refused") {
		t.Errorf("ready = %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
}
