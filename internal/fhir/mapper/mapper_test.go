package mapper

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
	fhir "github.com/drfirst/go-rxgate/internal/fhir/r5"
	"github.com/drfirst/go-rxgate/internal/pipeline"
)

const everything = `{
  "resourceType": "Bundle",
  "type": "searchset",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "pt-100", "gender": "female", "birthDate": "1950-06-15"}},
    {"resource": {"resourceType": "Observation", "status": "final",
      "code": {"coding": [{"system": "http://loinc.org", "code": "33914-3"}]},
      "effectiveDateTime": "2024-01-10T08:00:00Z", "valueQuantity": {"value": 55, "unit": "mL/min/1.73m2"}}},
    {"resource": {"resourceType": "Observation", "status": "final",
      "code": {"coding": [{"system": "http://loinc.org", "code": "33914-3"}]},
      "effectiveDateTime": "2024-04-20T08:00:00Z", "valueQuantity": {"value": 28, "unit": "mL/min/1.73m2"}}},
    {"resource": {"resourceType": "Observation", "status": "final",
      "code": {"coding": [{"system": "http://loinc.org", "code": "29463-7"}]},
      "valueQuantity": {"value": 154, "unit": "lb", "code": "[lb_av]"}}},
    {"resource": {"resourceType": "Observation", "status": "final",
      "code": {"coding": [{"system": "http://loinc.org", "code": "1742-6"}]},
      "valueQuantity": {"value": 150, "unit": "U/L"}}},
    {"resource": {"resourceType": "Condition",
      "clinicalStatus": {"coding": [{"code": "active"}]},
      "code": {"coding": [{"system": "http://snomed.info/sct", "code": "44054006", "display": "Type 2 diabetes"}]}}},
    {"resource": {"resourceType": "Condition",
      "clinicalStatus": {"coding": [{"code": "resolved"}]},
      "code": {"text": "Otitis media"}}},
    {"resource": {"resourceType": "MedicationStatement", "status": "recorded",
      "medication": {"concept": {"text": "Warfarin"}},
      "dosage": [{"timing": {"code": {"text": "once daily"}}, "doseAndRate": [{"doseQuantity": {"value": 5, "unit": "mg"}}]}]}},
    {"resource": {"resourceType": "MedicationStatement", "status": "recorded",
      "medication": {"concept": {"text": "Ibuprofen"}},
      "effectivePeriod": {"end": "2023-01-01T00:00:00Z"}}},
    {"resource": {"resourceType": "AllergyIntolerance", "criticality": "high",
      "verificationStatus": {"coding": [{"code": "confirmed"}]},
      "code": {"text": "Penicillin"}}},
    {"resource": {"resourceType": "AllergyIntolerance",
      "verificationStatus": {"coding": [{"code": "refuted"}]},
      "code": {"text": "Sulfa"}}},
    {"resource": {"resourceType": "Encounter", "id": "enc-1"}}
  ]
}`

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func decodeBundle(t *testing.T, raw string) *fhir.Bundle {
	t.Helper()
	var b fhir.Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	return &b
}

func TestBundleToSnapshot(t *testing.T) {
	snap, err := BundleToSnapshot(decodeBundle(t, everything), now)
	if err != nil {
		t.Fatalf("BundleToSnapshot: %v", err)
	}

	if snap.PatientID != "pt-100" || snap.Demographics.Sex != patient.SexFemale {
		t.Errorf("identity = %s/%s", snap.PatientID, snap.Demographics.Sex)
	}
	if age := snap.Demographics.AgeYears; age == nil || *age != 73 {
		t.Errorf("age = %v, want 73 (birthday not yet reached)", age)
	}
	if w := snap.Demographics.WeightKg; w < 69.8 || w > 69.9 {
		t.Errorf("weight = %.2f kg, want ~69.85", w)
	}
	if snap.Organ.EGFR == nil || *snap.Organ.EGFR != 28 {
		t.Errorf("eGFR = %v, want latest value 28", snap.Organ.EGFR)
	}
	if snap.Organ.CKDStage != "G4" {
		t.Errorf("ckd stage = %q", snap.Organ.CKDStage)
	}
	if snap.Organ.ALT == nil || *snap.Organ.ALT != 150 || snap.Organ.AST != nil {
		t.Errorf("liver markers = %v / %v", snap.Organ.ALT, snap.Organ.AST)
	}

	if len(snap.Conditions) != 1 || snap.Conditions[0].Code != "44054006" {
		t.Errorf("conditions = %+v", snap.Conditions)
	}
	if len(snap.Medications) != 1 {
		t.Fatalf("medications = %+v", snap.Medications)
	}
	if m := snap.Medications[0]; m.Drug != "Warfarin" || m.Dose != "5 mg" || m.Frequency != "once daily" {
		t.Errorf("medication = %+v", m)
	}
	if len(snap.Allergies) != 1 {
		t.Fatalf("allergies = %+v", snap.Allergies)
	}
	if a := snap.Allergies[0]; a.Substance != "Penicillin" || a.Severity != AllergySevere || !a.Verified {
		t.Errorf("allergy = %+v", a)
	}

	pc := patient.New(snap)
	for _, flag := range []patient.RiskFlag{
		patient.FlagSevereRenalImpairment, patient.FlagBetaLactamAllergy, patient.FlagElderly,
		patient.FlagAnticoagulated, patient.FlagHepaticImpairment,
	} {
		if !pc.Has(flag) {
			t.Errorf("missing flag %s", flag)
		}
	}
}

func TestBundleWithoutBirthDateLeavesAgeUnknown(t *testing.T) {
	raw := `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient","id":"pt-5","gender":"male"}}]}`
	snap, err := BundleToSnapshot(decodeBundle(t, raw), now)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Demographics.AgeYears != nil {
		t.Fatalf("age = %d, want unknown", *snap.Demographics.AgeYears)
	}
	pc := patient.New(snap)
	if pc.Has(patient.FlagPediatric) || pc.Has(patient.FlagElderly) {
		t.Errorf("flags = %v for unknown age", pc.Flags().Sorted())
	}
	if _, ok := pc.AgeYears(); ok {
		t.Error("AgeYears reported a value")
	}
}

func TestBundleToSnapshotErrors(t *testing.T) {
	if _, err := BundleToSnapshot(nil, now); err == nil {
		t.Error("nil bundle accepted")
	}

	_, err := BundleToSnapshot(decodeBundle(t, `{"resourceType":"Bundle","entry":[]}`), now)
	var me *MapError
	if !errors.As(err, &me) || me.Field != "Patient" {
		t.Errorf("err = %v, want MapError on Patient", err)
	}

	bad := `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Observation","code":"oops"}}]}`
	_, err = BundleToSnapshot(decodeBundle(t, bad), now)
	if !errors.As(err, &me) || me.Code != "INVALID_RESOURCE" {
		t.Errorf("err = %v, want INVALID_RESOURCE", err)
	}
}

func TestTimingText(t *testing.T) {
	cases := []struct {
		repeat fhir.TimingRepeat
		want   string
	}{
		{fhir.TimingRepeat{Frequency: 1, PeriodUnit: "d"}, "once per day"},
		{fhir.TimingRepeat{Frequency: 2, PeriodUnit: "d"}, "twice per day"},
		{fhir.TimingRepeat{Frequency: 3, PeriodUnit: "d"}, "3 times per day"},
		{fhir.TimingRepeat{Frequency: 1, Period: 8, PeriodUnit: "h"}, "every 8 hours"},
	}
	for _, tc := range cases {
		if got := timingText(&tc.repeat); got != tc.want {
			t.Errorf("timingText(%+v) = %q, want %q", tc.repeat, got, tc.want)
		}
	}
}

func acceptedDecision() *pipeline.Decision {
	chosen := therapy.Candidate{
		Indication:  "UTI",
		DrugClass:   therapy.ClassSulfonamide,
		GenericName: "trimethoprim-sulfamethoxazole",
		Brand:       "Bactrim",
		Dose:        "400/80 mg",
		Frequency:   "twice daily",
		Duration:    "3 days",
		Route:       "oral",
		Confidence:  0.8,
		Reasoning:   []string{"renal dose reduction applied for eGFR 25"},
	}
	warn := therapy.Finding{
		Kind:     therapy.KindRenal,
		Severity: therapy.SeverityWarning,
		Message:  "reduce dose",
		Drug:     chosen.GenericName,
	}
	return &pipeline.Decision{
		ID:                "dec-1",
		PatientID:         "pt-200",
		Indication:        "UTI",
		IndicationDisplay: "Urinary tract infection",
		Status:            pipeline.StatusAccepted,
		Chosen: &pipeline.RankedCandidate{
			Rank:         1,
			Candidate:    chosen,
			Verdict:      therapy.NewVerdict([]therapy.Finding{warn}),
			Availability: therapy.AvailabilityRecord{Drug: chosen.GenericName, Available: false},
		},
		Advisory:        []string{"Hydrate well."},
		DecidedAt:       now,
		PipelineVersion: pipeline.Version,
	}
}

func TestProposalFromDecision(t *testing.T) {
	req, err := ProposalFromDecision(acceptedDecision())
	if err != nil {
		t.Fatalf("ProposalFromDecision: %v", err)
	}

	if req.Intent != fhir.IntentProposal || req.Status != fhir.StatusDraft {
		t.Errorf("intent/status = %s/%s, never an order", req.Intent, req.Status)
	}
	if req.GetPatientID() != "pt-200" || req.GetMedicationDisplay() != "trimethoprim-sulfamethoxazole" {
		t.Errorf("subject/medication = %s/%s", req.GetPatientID(), req.GetMedicationDisplay())
	}
	if got := req.GetSigText(); got != "400/80 mg oral twice daily for 3 days" {
		t.Errorf("sig = %q", got)
	}
	dose := req.DosageInstruction[0]
	if len(dose.DoseAndRate) != 0 {
		t.Errorf("compound strength parsed as %+v", dose.DoseAndRate)
	}
	if b := dose.Timing.Repeat.BoundsDuration; b == nil || *b.Value != 3 || b.Code != "d" {
		t.Errorf("bounds = %+v", b)
	}
	if len(req.Note) != 3 || !strings.HasPrefix(req.Note[1].Text, "warning renal") || req.Note[2].AuthorString != "advisory" {
		t.Errorf("notes = %+v", req.Note)
	}
	if req.Substitution == nil || !*req.Substitution.AllowedBoolean {
		t.Error("unavailable product should allow substitution")
	}
	if len(req.Reason) != 1 || req.Reason[0].Concept.Text != "Urinary tract infection" {
		t.Errorf("reason = %+v", req.Reason)
	}
}

func TestProposalRequiresAcceptedDecision(t *testing.T) {
	d := acceptedDecision()
	d.Status, d.Chosen = pipeline.StatusBlockedAllUnsafe, nil

	_, err := ProposalFromDecision(d)
	var me *MapError
	if !errors.As(err, &me) || me.Code != "NO_CHOSEN_CANDIDATE" {
		t.Fatalf("err = %v", err)
	}
}

func TestParseQuantity(t *testing.T) {
	q := parseQuantity("500 mg")
	if q == nil || *q.Value != 500 || q.Code != "mg" {
		t.Fatalf("q = %+v", q)
	}
	if parseQuantity("as directed") != nil {
		t.Error("free text parsed")
	}
}
