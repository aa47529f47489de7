// Package collab defines the external collaborators the pipeline consumes
// and the uniform way their failures are recovered: every degradable call
// returns a Result carrying either a value or a DegradedInput plus the
// documented fallback value.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
)

// ErrPatientNotFound is returned by a ClinicalSource for unknown patients.
var ErrPatientNotFound = errors.New("patient not found")

// Collaborator names, used for breakers, metrics and degraded-input records.
const (
	ClinicalSourceName = "clinical_source"
	StockSourceName    = "stock_source"
	AdvisorName        = "advisor"
)

// AdvisoryFallback replaces advisory text when the advisor is absent or fails.
const AdvisoryFallback = "Advisory narrative unavailable; recommendation is based on deterministic rules only."

// ClinicalSource returns the patient snapshot for an id, or ErrPatientNotFound.
type ClinicalSource interface {
	FetchContext(ctx context.Context, patientID string) (patient.Snapshot, error)
}

// StockItem is one stocked package at one location.
type StockItem struct {
	Drug     string `json:"drug" yaml:"drug"`
	Strength string `json:"strength,omitempty" yaml:"strength"`
	Location string `json:"location" yaml:"location"`
	Quantity int    `json:"quantity" yaml:"quantity"`
}

// StockAlternative is an equivalent the stock source itself suggests.
type StockAlternative struct {
	Drug      string                  `json:"drug" yaml:"drug"`
	Relation  therapy.EquivalenceType `json:"relation" yaml:"relation"`
	Available bool                    `json:"available" yaml:"available"`
	Locations []string                `json:"locations,omitempty" yaml:"locations"`
}

// StockResult is the answer to one availability query.
type StockResult struct {
	Available    bool               `json:"available"`
	Items        []StockItem        `json:"items"`
	Alternatives []StockAlternative `json:"alternatives"`
}

// Locations returns the distinct locations of in-stock items, in order.
func (r StockResult) Locations() []string {
	seen := make(map[string]bool, len(r.Items))
	var out []string
	for _, it := range r.Items {
		if it.Quantity <= 0 || it.Location == "" || seen[it.Location] {
			continue
		}
		seen[it.Location] = true
		out = append(out, it.Location)
	}
	return out
}

// StockSource answers availability queries. strength may be empty.
type StockSource interface {
	CheckAvailability(ctx context.Context, genericName, strength string) (StockResult, error)
}

// Advice is the additive narrative an advisor returns.
type Advice struct {
	Bullets []string `json:"bullets"`
}

// Advisor produces narrative reasoning. It never changes drug choice, dose
// or verdicts; its output is stored as-is on the decision.
type Advisor interface {
	Enrich(ctx context.Context, pc *patient.Context, indication, intentText string) (Advice, error)
}

// DegradedInput records a collaborator failure that was recovered with a
// fallback value. It is an error so it can wrap and be inspected, but it is
// never returned from a pipeline run.
type DegradedInput struct {
	Collaborator string    `json:"collaborator"`
	Operation    string    `json:"operation"`
	Subject      string    `json:"subject,omitempty"`
	Reason       string    `json:"reason"`
	Fallback     string    `json:"fallback"`
	At           time.Time `json:"at"`

	err error
}

// NewDegraded builds a DegradedInput from a failed call.
func NewDegraded(collaborator, operation, subject, fallback string, err error, at time.Time) *DegradedInput {
	reason := "unknown failure"
	if err != nil {
		reason = err.Error()
	}
	return &DegradedInput{
		Collaborator: collaborator,
		Operation:    operation,
		Subject:      subject,
		Reason:       reason,
		Fallback:     fallback,
		At:           at.UTC(),
		err:          err,
	}
}

func (d *DegradedInput) Error() string {
	if d.Subject != "" {
		return fmt.Sprintf("%s.%s(%s) degraded: %s", d.Collaborator, d.Operation, d.Subject, d.Reason)
	}
	return fmt.Sprintf("%s.%s degraded: %s", d.Collaborator, d.Operation, d.Reason)
}

func (d *DegradedInput) Unwrap() error { return d.err }

// Result is a collaborator value plus, when the call failed, the record of
// the fallback that replaced it.
type Result[T any] struct {
	Value    T
	Degraded *DegradedInput
}

// OK wraps a successful value.
func OK[T any](v T) Result[T] { return Result[T]{Value: v} }

// Degrade wraps a fallback value and the failure it stands in for.
func Degrade[T any](fallback T, d *DegradedInput) Result[T] {
	return Result[T]{Value: fallback, Degraded: d}
}

// IsDegraded reports whether the value is a fallback.
func (r Result[T]) IsDegraded() bool { return r.Degraded != nil }
