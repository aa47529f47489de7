package r5

import (
	"encoding/json"
	"fmt"
	"time"
)

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       bool         `json:"active,omitempty"`
	Gender       string       `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate    string       `json:"birthDate,omitempty"`
}

// AgeAt returns the age in whole years at the given time. ok is false when
// the birth date is missing or malformed.
func (p *Patient) AgeAt(at time.Time) (int, bool) {
	if p.BirthDate == "" {
		return 0, false
	}
	var born time.Time
	var err error
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if born, err = time.Parse(layout, p.BirthDate); err == nil {
			break
		}
	}
	if err != nil || born.After(at) {
		return 0, false
	}
	age := at.Year() - born.Year()
	if at.Month() < born.Month() || (at.Month() == born.Month() && at.Day() < born.Day()) {
		age--
	}
	return age, true
}

// Condition represents a FHIR R5 Condition resource.
type Condition struct {
	ResourceType       string            `json:"resourceType"`
	ID                 string            `json:"id,omitempty"`
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Subject            Reference         `json:"subject"`
	OnsetDateTime      *time.Time        `json:"onsetDateTime,omitempty"`
}

// AllergyIntolerance represents a FHIR R5 AllergyIntolerance resource.
type AllergyIntolerance struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	ClinicalStatus     *CodeableConcept `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept `json:"verificationStatus,omitempty"`
	Type               *CodeableConcept `json:"type,omitempty"`
	Category           []string         `json:"category,omitempty"`    // food | medication | environment | biologic
	Criticality        string           `json:"criticality,omitempty"` // low | high | unable-to-assess
	Code               *CodeableConcept `json:"code,omitempty"`
	Patient            Reference        `json:"patient"`
}

// MedicationStatement represents a FHIR R5 MedicationStatement resource.
type MedicationStatement struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id,omitempty"`
	Status            string            `json:"status"` // recorded | entered-in-error | draft
	Medication        CodeableReference `json:"medication"`
	Subject           Reference         `json:"subject"`
	EffectivePeriod   *Period           `json:"effectivePeriod,omitempty"`
	DosageInstruction []Dosage          `json:"dosage,omitempty"`
}

// Observation represents a FHIR R5 Observation resource.
type Observation struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id,omitempty"`
	Status            string            `json:"status"` // registered | preliminary | final | amended | ...
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              CodeableConcept   `json:"code"`
	Subject           Reference         `json:"subject"`
	EffectiveDateTime *time.Time        `json:"effectiveDateTime,omitempty"`
	ValueQuantity     *Quantity         `json:"valueQuantity,omitempty"`
}

// Bundle represents a FHIR R5 Bundle, typically the result of
// Patient/{id}/$everything.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"` // searchset | collection | ...
	Total        int           `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry carries one undecoded resource.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// Resources groups the decoded entries of a bundle by type.
type Resources struct {
	Patient      *Patient
	Conditions   []Condition
	Allergies    []AllergyIntolerance
	Medications  []MedicationStatement
	Observations []Observation
	Skipped      int
}

// Decode sorts the bundle's entries into typed resources. Entries of other
// types are counted in Skipped.
func (b *Bundle) Decode() (*Resources, error) {
	out := &Resources{}
	for i, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		var err error
		switch head.ResourceType {
		case "Patient":
			var p Patient
			if err = json.Unmarshal(e.Resource, &p); err == nil && out.Patient == nil {
				out.Patient = &p
			}
		case "Condition":
			var c Condition
			if err = json.Unmarshal(e.Resource, &c); err == nil {
				out.Conditions = append(out.Conditions, c)
			}
		case "AllergyIntolerance":
			var a AllergyIntolerance
			if err = json.Unmarshal(e.Resource, &a); err == nil {
				out.Allergies = append(out.Allergies, a)
			}
		case "MedicationStatement":
			var m MedicationStatement
			if err = json.Unmarshal(e.Resource, &m); err == nil {
				out.Medications = append(out.Medications, m)
			}
		case "Observation":
			var o Observation
			if err = json.Unmarshal(e.Resource, &o); err == nil {
				out.Observations = append(out.Observations, o)
			}
		default:
			out.Skipped++
		}
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, head.ResourceType, err)
		}
	}
	return out, nil
}
