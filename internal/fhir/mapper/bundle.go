// Package mapper translates between FHIR R5 resources and the engine's
// patient snapshot and decision records.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-rxgate/internal/domain/patient"
	fhir "github.com/drfirst/go-rxgate/internal/fhir/r5"
)

// MapError represents a mapping error with context
type MapError struct {
	Field   string
	Code    string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// Allergy severities written to the snapshot, from AllergyIntolerance.criticality.
const (
	AllergySevere = "severe"
	AllergyMild   = "mild"
)

// BundleToSnapshot maps a Patient/$everything bundle to a snapshot. Age is
// computed against now. The latest observation per LOINC code wins.
func BundleToSnapshot(bundle *fhir.Bundle, now time.Time) (patient.Snapshot, error) {
	if bundle == nil {
		return patient.Snapshot{}, &MapError{Field: "Bundle", Code: "REQUIRED", Message: "bundle is required"}
	}
	res, err := bundle.Decode()
	if err != nil {
		return patient.Snapshot{}, &MapError{Field: "Bundle.entry", Code: "INVALID_RESOURCE", Message: "cannot decode entry", Cause: err}
	}
	if res.Patient == nil {
		return patient.Snapshot{}, &MapError{Field: "Patient", Code: "REQUIRED", Message: "bundle has no Patient resource"}
	}

	snap := patient.Snapshot{
		PatientID: res.Patient.ID,
		Demographics: patient.Demographics{
			Sex: mapGender(res.Patient.Gender),
		},
		Conditions:  []patient.Condition{},
		Medications: []patient.Medication{},
		Allergies:   []patient.Allergy{},
	}
	if age, ok := res.Patient.AgeAt(now); ok {
		snap.Demographics.AgeYears = patient.Int(age)
	}

	labs := latestObservations(res.Observations)
	if v, ok := labs[fhir.LOINCBodyWeight]; ok {
		snap.Demographics.WeightKg = weightKg(v)
	}
	if v, ok := labs[fhir.LOINCEGFR]; ok {
		snap.Organ.EGFR = patient.Float(*v.Value)
	} else if v, ok := labs[fhir.LOINCEGFRCKDEPI]; ok {
		snap.Organ.EGFR = patient.Float(*v.Value)
	}
	if snap.Organ.EGFR != nil {
		snap.Organ.CKDStage = ckdStage(*snap.Organ.EGFR)
	}
	if v, ok := labs[fhir.LOINCCreatinine]; ok {
		snap.Organ.Creatinine = patient.Float(*v.Value)
	}
	if v, ok := labs[fhir.LOINCALT]; ok {
		snap.Organ.ALT = patient.Float(*v.Value)
	}
	if v, ok := labs[fhir.LOINCAST]; ok {
		snap.Organ.AST = patient.Float(*v.Value)
	}

	for _, c := range res.Conditions {
		status := c.ClinicalStatus.FirstCode()
		cond := patient.Condition{Code: c.Code.FirstCode(), Display: c.Code.Label(), Status: status}
		if cond.Code == "" && cond.Display == "" {
			continue
		}
		if !cond.Active() {
			continue
		}
		snap.Conditions = append(snap.Conditions, cond)
	}

	for _, m := range res.Medications {
		if !medicationCurrent(m, now) {
			continue
		}
		med := patient.Medication{Drug: medicationName(m.Medication)}
		if med.Drug == "" {
			continue
		}
		if len(m.DosageInstruction) > 0 {
			med.Dose, med.Frequency = dosageParts(m.DosageInstruction[0])
		}
		snap.Medications = append(snap.Medications, med)
	}

	for _, a := range res.Allergies {
		switch a.ClinicalStatus.FirstCode() {
		case "inactive", "resolved":
			continue
		}
		verification := a.VerificationStatus.FirstCode()
		if verification == "refuted" || verification == "entered-in-error" {
			continue
		}
		substance := a.Code.Label()
		if substance == "" {
			continue
		}
		snap.Allergies = append(snap.Allergies, patient.Allergy{
			Substance: substance,
			Severity:  allergySeverity(a.Criticality),
			Verified:  verification == "confirmed",
		})
	}

	return snap, nil
}

func mapGender(g string) patient.Sex {
	switch strings.ToLower(g) {
	case "female":
		return patient.SexFemale
	case "male":
		return patient.SexMale
	case "other":
		return patient.SexOther
	default:
		return patient.SexUnknown
	}
}

// latestObservations keys the most recent valued observation by LOINC code.
// Undated observations lose to dated ones; ties keep bundle order.
func latestObservations(obs []fhir.Observation) map[string]*fhir.Quantity {
	type dated struct {
		at  *time.Time
		qty *fhir.Quantity
	}
	best := map[string]dated{}
	for i := range obs {
		o := &obs[i]
		if o.ValueQuantity == nil || o.ValueQuantity.Value == nil {
			continue
		}
		switch o.Status {
		case "cancelled", "entered-in-error":
			continue
		}
		for _, cd := range o.Code.Coding {
			if cd.System != "" && cd.System != fhir.SystemLOINC {
				continue
			}
			cur, seen := best[cd.Code]
			if !seen || newer(o.EffectiveDateTime, cur.at) {
				best[cd.Code] = dated{at: o.EffectiveDateTime, qty: o.ValueQuantity}
			}
		}
	}
	out := make(map[string]*fhir.Quantity, len(best))
	for code, d := range best {
		out[code] = d.qty
	}
	return out
}

func newer(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

func weightKg(q *fhir.Quantity) float64 {
	unit := strings.ToLower(q.Code)
	if unit == "" {
		unit = strings.ToLower(q.Unit)
	}
	switch unit {
	case "[lb_av]", "lb", "lbs":
		return *q.Value * 0.45359237
	case "g":
		return *q.Value / 1000
	}
	return *q.Value
}

// ckdStage maps eGFR to a KDIGO G-stage.
func ckdStage(egfr float64) string {
	switch {
	case egfr >= 90:
		return "G1"
	case egfr >= 60:
		return "G2"
	case egfr >= 45:
		return "G3a"
	case egfr >= 30:
		return "G3b"
	case egfr >= 15:
		return "G4"
	case egfr >= 0:
		return "G5"
	}
	return ""
}

func medicationCurrent(m fhir.MedicationStatement, now time.Time) bool {
	switch m.Status {
	case "entered-in-error", "draft", "stopped", "completed", "not-taken":
		return false
	}
	if p := m.EffectivePeriod; p != nil && p.End != nil && p.End.Before(now) {
		return false
	}
	return true
}

func medicationName(m fhir.CodeableReference) string {
	if m.Concept != nil {
		return m.Concept.Label()
	}
	if m.Reference != nil {
		return m.Reference.Display
	}
	return ""
}

// dosageParts renders a dosage as the snapshot's free-text dose and frequency.
func dosageParts(d fhir.Dosage) (dose, frequency string) {
	for _, dr := range d.DoseAndRate {
		if q := dr.DoseQuantity; q != nil && q.Value != nil {
			dose = strings.TrimSpace(strconv.FormatFloat(*q.Value, 'f', -1, 64) + " " + q.Unit)
			break
		}
	}
	if t := d.Timing; t != nil {
		if label := t.Code.Label(); label != "" {
			frequency = label
		} else if r := t.Repeat; r != nil && r.Frequency > 0 && r.PeriodUnit != "" {
			frequency = timingText(r)
		}
	}
	if dose == "" && frequency == "" {
		dose = d.Text
	}
	return dose, frequency
}

var periodUnits = map[string]string{
	"h": "hour", "d": "day", "wk": "week", "mo": "month",
}

func timingText(r *fhir.TimingRepeat) string {
	unit, ok := periodUnits[r.PeriodUnit]
	if !ok {
		unit = r.PeriodUnit
	}
	if r.PeriodUnit == "h" && r.Frequency == 1 && r.Period > 1 {
		return fmt.Sprintf("every %s hours", strconv.FormatFloat(r.Period, 'f', -1, 64))
	}
	switch r.Frequency {
	case 1:
		return "once per " + unit
	case 2:
		return "twice per " + unit
	}
	return fmt.Sprintf("%d times per %s", r.Frequency, unit)
}

func allergySeverity(criticality string) string {
	switch criticality {
	case "high":
		return AllergySevere
	case "low":
		return AllergyMild
	}
	return ""
}
