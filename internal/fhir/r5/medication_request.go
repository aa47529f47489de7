package r5

import "time"

// MedicationRequest represents a FHIR R5 MedicationRequest resource. The
// engine only ever emits it with intent "proposal" and status "draft".
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// Status of the request
	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown

	// Intent of the request
	Intent string `json:"intent"` // proposal | plan | order | ...

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is proposed
	Subject Reference `json:"subject"`

	AuthoredOn time.Time  `json:"authoredOn"`
	Requester  *Reference `json:"requester,omitempty"`

	// Reason for the proposal
	Reason []CodeableReference `json:"reason,omitempty"`

	// Reasoning and safety notes
	Note []Annotation `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`

	// Substitution allowance
	Substitution *Substitution `json:"substitution,omitempty"`
}

// Substitution contains information about medication substitution.
type Substitution struct {
	AllowedBoolean *bool            `json:"allowedBoolean,omitempty"`
	Reason         *CodeableConcept `json:"reason,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence    int              `json:"sequence,omitempty"`
	Text        string           `json:"text,omitempty"`
	Timing      *Timing          `json:"timing,omitempty"`
	AsNeeded    bool             `json:"asNeeded,omitempty"`
	Route       *CodeableConcept `json:"route,omitempty"`
	DoseAndRate []DoseAndRate    `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Code   *CodeableConcept `json:"code,omitempty"`
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsDuration *Quantity `json:"boundsDuration,omitempty"`
	Frequency      int       `json:"frequency,omitempty"`
	Period         float64   `json:"period,omitempty"`
	PeriodUnit     string    `json:"periodUnit,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	return m.Subject.ID()
}

// GetMedicationDisplay returns the medication display name.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil {
		return m.Medication.Concept.Label()
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// GetSigText returns the rendered instruction, or the first dosage text.
func (m *MedicationRequest) GetSigText() string {
	if m.RenderedDosageInstruction != "" {
		return m.RenderedDosageInstruction
	}
	if len(m.DosageInstruction) > 0 {
		return m.DosageInstruction[0].Text
	}
	return ""
}
