// Package fhirclient reads patient context from a FHIR R5 server.
package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/internal/fhir/mapper"
	fhir "github.com/drfirst/go-rxgate/internal/fhir/r5"
)

// ContentType is the FHIR JSON media type.
const ContentType = "application/fhir+json"

const maxBody = 8 << 20

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token   string
	Timeout time.Duration
}

// Client implements collab.ClinicalSource over Patient/{id}/$everything.
type Client struct {
	base   string
	token  string
	http   *http.Client
	now    func() time.Time
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a client. A zero Timeout leaves deadlines to the caller's context.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid fhir base url: %w", err)
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		http:   &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		logger: logger,
		tracer: otel.Tracer("fhir-client"),
	}, nil
}

// FetchContext loads the patient's everything-bundle and maps it to a snapshot.
func (c *Client) FetchContext(ctx context.Context, patientID string) (patient.Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "fhir_patient_everything",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	endpoint := c.base + "/Patient/" + url.PathEscape(patientID) + "/$everything"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return patient.Snapshot{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return patient.Snapshot{}, fmt.Errorf("fetch patient %s: %w", patientID, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return patient.Snapshot{}, fmt.Errorf("%w: %s", collab.ErrPatientNotFound, patientID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return patient.Snapshot{}, fmt.Errorf("fetch patient %s: status %d: %s",
			patientID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var bundle fhir.Bundle
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&bundle); err != nil {
		span.RecordError(err)
		return patient.Snapshot{}, fmt.Errorf("decode bundle for %s: %w", patientID, err)
	}
	if bundle.ResourceType != "" && bundle.ResourceType != "Bundle" {
		return patient.Snapshot{}, fmt.Errorf("patient %s: expected Bundle, got %s", patientID, bundle.ResourceType)
	}

	snap, err := mapper.BundleToSnapshot(&bundle, c.now())
	if err != nil {
		span.RecordError(err)
		return patient.Snapshot{}, fmt.Errorf("map bundle for %s: %w", patientID, err)
	}
	if snap.PatientID == "" {
		snap.PatientID = patientID
	}

	c.logger.Debug("patient context fetched",
		zap.String("patient_id", patientID),
		zap.Int("entries", len(bundle.Entry)),
		zap.Int("conditions", len(snap.Conditions)),
		zap.Int("medications", len(snap.Medications)))
	return snap, nil
}
