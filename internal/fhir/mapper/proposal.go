package mapper

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/drfirst/go-rxgate/internal/domain/therapy"
	fhir "github.com/drfirst/go-rxgate/internal/fhir/r5"
	"github.com/drfirst/go-rxgate/internal/pipeline"
)

// SystemDecision identifies decision ids on generated proposals.
const SystemDecision = "urn:rxgate:decision"

// ProposalFromDecision renders the chosen candidate of an accepted decision
// as a draft MedicationRequest with intent "proposal". It never produces an
// order; a clinician must act on it.
func ProposalFromDecision(d *pipeline.Decision) (*fhir.MedicationRequest, error) {
	if d == nil {
		return nil, &MapError{Field: "Decision", Code: "REQUIRED", Message: "decision is required"}
	}
	if d.Status != pipeline.StatusAccepted || d.Chosen == nil {
		return nil, &MapError{
			Field:   "Decision.chosen",
			Code:    "NO_CHOSEN_CANDIDATE",
			Message: fmt.Sprintf("decision %s has status %s", d.ID, d.Status),
		}
	}
	if d.PatientID == "" {
		return nil, &MapError{Field: "Decision.patient_id", Code: "REQUIRED", Message: "patient id is required"}
	}

	c := d.Chosen.Candidate
	sig := sigText(c)
	decidedAt := d.DecidedAt

	req := &fhir.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           d.ID,
		Meta:         &fhir.Meta{Source: d.PipelineVersion, LastUpdated: &decidedAt},
		Identifier:   []fhir.Identifier{{Use: "official", System: SystemDecision, Value: d.ID}},
		Status:       fhir.StatusDraft,
		Intent:       fhir.IntentProposal,
		Medication:   fhir.CodeableReference{Concept: medicationConcept(c)},
		Subject:      fhir.Reference{Reference: "Patient/" + d.PatientID, Type: "Patient"},
		AuthoredOn:   decidedAt,

		RenderedDosageInstruction: sig,
		DosageInstruction:         []fhir.Dosage{dosage(c, sig)},
	}

	if d.Indication != "" {
		req.Reason = []fhir.CodeableReference{{Concept: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{Code: d.Indication, Display: d.IndicationDisplay}},
			Text:   d.IndicationDisplay,
		}}}
	}

	for _, note := range c.Reasoning {
		req.Note = append(req.Note, fhir.Annotation{Text: note})
	}
	for _, f := range d.Chosen.Verdict.Warnings {
		req.Note = append(req.Note, fhir.Annotation{Text: findingNote(f)})
	}
	for _, line := range d.Advisory {
		req.Note = append(req.Note, fhir.Annotation{AuthorString: "advisory", Text: line})
	}

	if !d.Chosen.Availability.Available {
		allowed := true
		req.Substitution = &fhir.Substitution{
			AllowedBoolean: &allowed,
			Reason:         &fhir.CodeableConcept{Text: "primary product not in stock"},
		}
	}

	return req, nil
}

func medicationConcept(c therapy.Candidate) *fhir.CodeableConcept {
	cc := &fhir.CodeableConcept{Text: c.GenericName}
	if c.Brand != "" {
		cc.Coding = []fhir.Coding{{Display: c.Brand}}
	}
	return cc
}

func sigText(c therapy.Candidate) string {
	parts := []string{c.Dose}
	if c.Route != "" {
		parts = append(parts, c.Route)
	}
	parts = append(parts, c.Frequency)
	if c.Duration != "" {
		parts = append(parts, "for "+c.Duration)
	}
	return strings.Join(parts, " ")
}

func dosage(c therapy.Candidate, sig string) fhir.Dosage {
	d := fhir.Dosage{
		Sequence: 1,
		Text:     sig,
		Timing:   &fhir.Timing{Code: &fhir.CodeableConcept{Text: c.Frequency}},
	}
	if c.Route != "" {
		d.Route = &fhir.CodeableConcept{Text: c.Route}
	}
	if q := parseQuantity(c.Dose); q != nil {
		d.DoseAndRate = []fhir.DoseAndRate{{DoseQuantity: q}}
	}
	if q := parseQuantity(c.Duration); q != nil {
		d.Timing.Repeat = &fhir.TimingRepeat{BoundsDuration: q}
	}
	return d
}

// parseQuantity reads a leading "<number> <unit>" pair, such as "500 mg" or
// "5 days". Compound strengths like "800/160 mg" do not parse.
func parseQuantity(s string) *fhir.Quantity {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return nil
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	return &fhir.Quantity{Value: &v, Unit: fields[1], System: fhir.SystemUCUM, Code: ucumCode(fields[1])}
}

var ucumUnits = map[string]string{
	"mg": "mg", "g": "g", "mcg": "ug", "ml": "mL",
	"day": "d", "days": "d", "week": "wk", "weeks": "wk", "hour": "h", "hours": "h",
}

func ucumCode(unit string) string {
	return ucumUnits[strings.ToLower(unit)]
}

func findingNote(f therapy.Finding) string {
	if f.Recommendation == "" {
		return fmt.Sprintf("%s %s: %s", f.Severity, f.Kind, f.Message)
	}
	return fmt.Sprintf("%s %s: %s (%s)", f.Severity, f.Kind, f.Message, f.Recommendation)
}
