package patient

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/drfirst/go-rxgate/internal/domain/therapy"
)

func TestDeriveFlags(t *testing.T) {
	cases := []struct {
		name string
		snap Snapshot
		want []RiskFlag
	}{
		{
			name: "healthy adult",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(40)}, Organ: OrganFunction{EGFR: Float(95)}},
			want: []RiskFlag{},
		},
		{
			name: "moderate renal",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(40)}, Organ: OrganFunction{EGFR: Float(45)}},
			want: []RiskFlag{FlagRenalDoseAdjust},
		},
		{
			name: "severe renal at boundary",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(40)}, Organ: OrganFunction{EGFR: Float(29.9)}},
			want: []RiskFlag{FlagRenalDoseAdjust, FlagSevereRenalImpairment},
		},
		{
			name: "egfr of 30 is not severe",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(40)}, Organ: OrganFunction{EGFR: Float(30)}},
			want: []RiskFlag{FlagRenalDoseAdjust},
		},
		{
			name: "allergies",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(40)}, Allergies: []Allergy{{Substance: "Cefazolin"}, {Substance: "Bactrim"}}},
			want: []RiskFlag{FlagBetaLactamAllergy, FlagSulfonamideAllergy},
		},
		{
			name: "generic beta-lactam allergy",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(40)}, Allergies: []Allergy{{Substance: "Beta-lactam antibiotics"}}},
			want: []RiskFlag{FlagBetaLactamAllergy},
		},
		{
			name: "age bands",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(65)}},
			want: []RiskFlag{FlagElderly},
		},
		{
			name: "age zero is pediatric",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(0)}},
			want: []RiskFlag{FlagPediatric},
		},
		{
			name: "unknown age sets no age band",
			snap: Snapshot{},
			want: nil,
		},
		{
			name: "pregnancy only when active",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(30)}, Conditions: []Condition{
				{Code: "Z33.1", Display: "Pregnant state", Status: "active"},
				{Display: "Gestational diabetes", Status: "resolved"},
			}},
			want: []RiskFlag{FlagPregnancy},
		},
		{
			name: "resolved pregnancy",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(30)}, Conditions: []Condition{{Display: "Pregnancy", Status: "resolved"}}},
			want: []RiskFlag{},
		},
		{
			name: "hepatic",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(30)}, Organ: OrganFunction{ALT: Float(120), AST: Float(121)}},
			want: []RiskFlag{FlagHepaticImpairment},
		},
		{
			name: "anticoagulated polypharmacy",
			snap: Snapshot{Demographics: Demographics{AgeYears: Int(50)}, Medications: []Medication{
				{Drug: "Apixaban"}, {Drug: "metoprolol"}, {Drug: "atorvastatin"}, {Drug: "omeprazole"}, {Drug: "sertraline"},
			}},
			want: []RiskFlag{FlagAnticoagulated, FlagPolypharmacy},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := New(tc.snap).Flags().Sorted()
			if want := toSet(tc.want).Sorted(); !reflect.DeepEqual(got, want) {
				t.Errorf("flags = %v, want %v", got, want)
			}
		})
	}
}

func toSet(flags []RiskFlag) FlagSet {
	s := FlagSet{}
	for _, f := range flags {
		s[f] = struct{}{}
	}
	return s
}

func TestContextIsImmutable(t *testing.T) {
	snap := Snapshot{
		PatientID:    "pt-1",
		Demographics: Demographics{AgeYears: Int(40)},
		Allergies:    []Allergy{{Substance: "penicillin"}},
		Medications:  []Medication{{Drug: "warfarin"}},
		Organ:        OrganFunction{EGFR: Float(50)},
	}
	pc := New(snap)
	*snap.Demographics.AgeYears = 70
	if age, _ := pc.AgeYears(); age != 40 || pc.Has(FlagElderly) {
		t.Errorf("age = %d after caller edit", age)
	}

	snap.Allergies[0].Substance = "nothing"
	*snap.Organ.EGFR = 100
	if !pc.Has(FlagBetaLactamAllergy) || pc.Allergies()[0].Substance != "penicillin" {
		t.Error("context shares the caller's allergy slice")
	}
	if egfr, _ := pc.EGFR(); egfr != 50 {
		t.Errorf("egfr = %v after caller edit", egfr)
	}

	meds := pc.Medications()
	meds[0].Drug = "aspirin"
	if pc.Medications()[0].Drug != "warfarin" {
		t.Error("accessor returned the internal slice")
	}

	flags := pc.Flags()
	flags[FlagPregnancy] = struct{}{}
	if pc.Has(FlagPregnancy) {
		t.Error("flag set handed out by reference")
	}
}

func TestWithRecomputesFlags(t *testing.T) {
	pc := New(Snapshot{Demographics: Demographics{AgeYears: Int(40)}, Organ: OrganFunction{EGFR: Float(90)}})
	worse := pc.With(func(s *Snapshot) { s.Organ.EGFR = Float(20) })

	if pc.Has(FlagRenalDoseAdjust) {
		t.Error("receiver changed")
	}
	if !worse.Has(FlagSevereRenalImpairment) {
		t.Errorf("derived flags not recomputed: %v", worse.Flags().Sorted())
	}
	if same := pc.With(nil); !reflect.DeepEqual(same.Flags().Sorted(), pc.Flags().Sorted()) {
		t.Error("nil edit changed flags")
	}
}

func TestCustomClassifier(t *testing.T) {
	c := therapy.NewClassifier([]therapy.ClassRule{{Class: therapy.ClassAnticoagulant, Markers: []string{"edoxaban"}}})
	pc := NewWithClassifier(Snapshot{Medications: []Medication{{Drug: "Edoxaban"}}}, c)
	if !pc.Has(FlagAnticoagulated) {
		t.Error("custom classifier ignored")
	}
	if !pc.With(nil).Has(FlagAnticoagulated) {
		t.Error("With dropped the classifier")
	}
}

func TestWeightAndEGFRPresence(t *testing.T) {
	pc := New(Snapshot{})
	if _, ok := pc.WeightKg(); ok {
		t.Error("zero weight reported as recorded")
	}
	if _, ok := pc.EGFR(); ok {
		t.Error("missing egfr reported as measured")
	}
}

func TestMarshalJSONIncludesFlags(t *testing.T) {
	raw, err := json.Marshal(New(Snapshot{PatientID: "pt-9", Demographics: Demographics{AgeYears: Int(70)}}))
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	if !strings.Contains(s, `"patient_id":"pt-9"`) || !strings.Contains(s, `"risk_flags":["elderly_patient"]`) {
		t.Errorf("json = %s", s)
	}
}

func TestConditionActive(t *testing.T) {
	for status, want := range map[string]bool{"": true, "Active": true, "relapse": true, "resolved": false, "inactive": false, "remission": false} {
		if got := (Condition{Status: status}).Active(); got != want {
			t.Errorf("Active(%q) = %v", status, got)
		}
	}
}
