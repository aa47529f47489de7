package safety

import (
	"testing"

	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
	"github.com/drfirst/go-rxgate/internal/knowledge"
)

func newContext(edit func(*patient.Snapshot)) *patient.Context {
	snap := patient.Snapshot{
		PatientID:    "pt-1",
		Demographics: patient.Demographics{AgeYears: patient.Int(45), Sex: patient.SexFemale, WeightKg: 70},
	}
	if edit != nil {
		edit(&snap)
	}
	return patient.New(snap)
}

func cand(drug string) therapy.Candidate {
	return therapy.Candidate{GenericName: drug, Dose: "500 mg", Frequency: "once daily", Confidence: 0.8}
}

func count(findings []therapy.Finding, kind therapy.FindingKind, sev therapy.Severity) int {
	n := 0
	for _, f := range findings {
		if f.Kind == kind && f.Severity == sev {
			n++
		}
	}
	return n
}

func TestVerdictPassedMatchesHardBlocks(t *testing.T) {
	e := NewEngine(nil)
	contexts := []*patient.Context{
		newContext(nil),
		newContext(func(s *patient.Snapshot) {
			s.Allergies = []patient.Allergy{{Substance: "Penicillin"}}
			s.Organ.EGFR = patient.Float(20)
		}),
		newContext(func(s *patient.Snapshot) {
			s.Medications = []patient.Medication{{Drug: "warfarin"}, {Drug: "simvastatin"}}
			s.Conditions = []patient.Condition{{Code: "77386006", Display: "Pregnancy", Status: "active"}}
		}),
	}
	drugs := []string{"amoxicillin", "cephalexin", "azithromycin", "clarithromycin", "ibuprofen", "nitrofurantoin", "doxycycline", "unknownium"}
	for _, pc := range contexts {
		for _, d := range drugs {
			v := e.EvaluateVerdict(pc, cand(d))
			if !v.Consistent() {
				t.Fatalf("%s: passed=%v with %d hard blocks", d, v.Passed, len(v.HardBlocks))
			}
		}
	}
}

func TestPenicillinAllergyBetaLactamRule(t *testing.T) {
	e := NewEngine(nil)
	pc := newContext(func(s *patient.Snapshot) {
		s.Allergies = []patient.Allergy{{Substance: "Penicillin", Severity: "severe", Verified: true}}
	})
	if !pc.Has(patient.FlagBetaLactamAllergy) {
		t.Fatal("expected beta_lactam_allergy flag")
	}

	for _, d := range []string{"amoxicillin", "ampicillin", "amoxicillin-clavulanate", "dicloxacillin", "penicillin v potassium", "piperacillin"} {
		findings := e.Evaluate(pc, cand(d))
		if count(findings, therapy.KindAllergy, therapy.SeverityHardBlock) == 0 {
			t.Errorf("%s: expected hard_block allergy finding, got %+v", d, findings)
		}
	}
	for _, d := range []string{"cephalexin", "cefuroxime", "ceftriaxone", "cefdinir"} {
		findings := e.Evaluate(pc, cand(d))
		if count(findings, therapy.KindAllergy, therapy.SeverityHardBlock) != 0 {
			t.Errorf("%s: cephalosporin must not hard block under a penicillin allergy", d)
		}
		if count(findings, therapy.KindAllergy, therapy.SeverityWarning) != 1 {
			t.Errorf("%s: expected one cephalosporin warning, got %+v", d, findings)
		}
	}
}

func TestBetaLactamFlagBlocksPenicillinForCephalosporinAllergy(t *testing.T) {
	e := NewEngine(nil)
	pc := newContext(func(s *patient.Snapshot) {
		s.Allergies = []patient.Allergy{{Substance: "cefuroxime"}}
	})
	findings := e.Evaluate(pc, cand("amoxicillin"))
	if count(findings, therapy.KindAllergy, therapy.SeverityHardBlock) != 1 {
		t.Fatalf("expected penicillin hard block under beta-lactam flag, got %+v", findings)
	}
}

func TestDirectAllergyMatchUsesBrand(t *testing.T) {
	e := NewEngine(nil)
	pc := newContext(func(s *patient.Snapshot) {
		s.Allergies = []patient.Allergy{{Substance: "bactrim"}}
	})
	c := cand("trimethoprim-sulfamethoxazole")
	c.Brand = "Bactrim DS"
	v := e.EvaluateVerdict(pc, c)
	if v.Passed {
		t.Fatalf("expected brand match to block, got %+v", v)
	}
}

func TestSulfaCrossReactivity(t *testing.T) {
	e := NewEngine(nil)
	pc := newContext(func(s *patient.Snapshot) {
		s.Allergies = []patient.Allergy{{Substance: "Sulfa drugs"}}
	})
	if count(e.Evaluate(pc, cand("trimethoprim-sulfamethoxazole")), therapy.KindAllergy, therapy.SeverityHardBlock) != 1 {
		t.Error("expected sulfonamide cross-reactivity hard block")
	}
	if len(e.Evaluate(pc, cand("nitrofurantoin"))) != 0 {
		t.Error("nitrofurantoin should be clear for a sulfa allergy")
	}
}

func TestInteractionEitherDirection(t *testing.T) {
	e := NewEngine(nil)

	onWarfarin := newContext(func(s *patient.Snapshot) {
		s.Medications = []patient.Medication{{Drug: "Warfarin", Dose: "5 mg", Frequency: "daily"}}
	})
	findings := e.Evaluate(onWarfarin, cand("ibuprofen"))
	if count(findings, therapy.KindInteraction, therapy.SeverityHardBlock) != 1 {
		t.Fatalf("warfarin + ibuprofen: %+v", findings)
	}
	if findings[0].Drug != "Warfarin" {
		t.Errorf("implicated drug = %q", findings[0].Drug)
	}
	if count(e.Evaluate(onWarfarin, cand("ciprofloxacin")), therapy.KindInteraction, therapy.SeverityWarning) != 1 {
		t.Error("warfarin + ciprofloxacin should warn")
	}

	onNaproxen := newContext(func(s *patient.Snapshot) {
		s.Medications = []patient.Medication{{Drug: "naproxen"}}
	})
	if count(e.Evaluate(onNaproxen, cand("warfarin")), therapy.KindInteraction, therapy.SeverityHardBlock) != 1 {
		t.Error("reverse direction should match the same row")
	}
}

func TestRenalTablesBoundaries(t *testing.T) {
	kb := knowledge.Default()
	e := NewEngine(kb)
	probe := map[string]string{"sulfamethoxazole": "trimethoprim-sulfamethoxazole"}

	for _, rule := range kb.Renal {
		drug := rule.Drug
		if drug == "" {
			drug = "ibuprofen"
		}
		if p, ok := probe[drug]; ok {
			drug = p
		}
		top := rule.Tiers[0].Threshold
		above := newContext(func(s *patient.Snapshot) { s.Organ.EGFR = patient.Float(top + 1) })
		if n := len(findingsOf(e.Evaluate(above, cand(drug)), therapy.KindRenal)); n != 0 {
			t.Errorf("%s: eGFR above every threshold produced %d renal findings", drug, n)
		}

		lowestAvoid := -1.0
		for _, tier := range rule.Tiers {
			if tier.Action == knowledge.RenalAvoid {
				lowestAvoid = tier.Threshold
			}
		}
		if lowestAvoid < 0 {
			continue
		}
		below := newContext(func(s *patient.Snapshot) { s.Organ.EGFR = patient.Float(lowestAvoid - 0.5) })
		renal := findingsOf(e.Evaluate(below, cand(drug)), therapy.KindRenal)
		if len(renal) != 1 || renal[0].Severity != therapy.SeverityHardBlock {
			t.Errorf("%s: eGFR below avoid threshold gave %+v", drug, renal)
		}
	}
}

func TestRenalAppliesSingleTier(t *testing.T) {
	e := NewEngine(nil)
	pc := newContext(func(s *patient.Snapshot) { s.Organ.EGFR = patient.Float(45) })
	renal := findingsOf(e.Evaluate(pc, cand("nitrofurantoin")), therapy.KindRenal)
	if len(renal) != 1 || renal[0].Severity != therapy.SeverityWarning {
		t.Fatalf("eGFR 45 nitrofurantoin: %+v", renal)
	}

	pc = newContext(func(s *patient.Snapshot) { s.Organ.EGFR = patient.Float(25) })
	renal = findingsOf(e.Evaluate(pc, cand("trimethoprim-sulfamethoxazole")), therapy.KindRenal)
	if len(renal) != 1 || renal[0].Severity != therapy.SeverityWarning {
		t.Fatalf("eGFR 25 TMP-SMX should reduce, got %+v", renal)
	}

	unknown := newContext(nil)
	if len(findingsOf(e.Evaluate(unknown, cand("nitrofurantoin")), therapy.KindRenal)) != 0 {
		t.Error("renal rules need a known eGFR")
	}
}

func TestPregnancyRequiresFlag(t *testing.T) {
	e := NewEngine(nil)
	notPregnant := newContext(nil)
	if len(e.Evaluate(notPregnant, cand("doxycycline"))) != 0 {
		t.Error("doxycycline should be clear without pregnancy")
	}
	pregnant := newContext(func(s *patient.Snapshot) {
		s.Conditions = []patient.Condition{{Code: "Z34.00", Display: "Normal pregnancy", Status: "active"}}
	})
	if count(e.Evaluate(pregnant, cand("doxycycline")), therapy.KindPregnancy, therapy.SeverityHardBlock) != 1 {
		t.Error("expected pregnancy hard block")
	}
	resolved := newContext(func(s *patient.Snapshot) {
		s.Conditions = []patient.Condition{{Display: "pregnancy", Status: "resolved"}}
	})
	if len(e.Evaluate(resolved, cand("doxycycline"))) != 0 {
		t.Error("resolved pregnancy should not flag")
	}
}

func TestAgeRulesOnlyWarn(t *testing.T) {
	e := NewEngine(nil)
	child := newContext(func(s *patient.Snapshot) { s.Demographics.AgeYears = patient.Int(12) })
	findings := e.Evaluate(child, cand("levofloxacin"))
	if count(findings, therapy.KindAge, therapy.SeverityWarning) != 1 || !Verdict(findings).Passed {
		t.Errorf("pediatric fluoroquinolone: %+v", findings)
	}

	elder := newContext(func(s *patient.Snapshot) { s.Demographics.AgeYears = patient.Int(80) })
	findings = e.Evaluate(elder, cand("diphenhydramine"))
	if count(findings, therapy.KindAge, therapy.SeverityWarning) != 1 || !Verdict(findings).Passed {
		t.Errorf("geriatric Beers: %+v", findings)
	}
}

func TestHepaticWarning(t *testing.T) {
	e := NewEngine(nil)
	pc := newContext(func(s *patient.Snapshot) { s.Organ.ALT = patient.Float(180) })
	if count(e.Evaluate(pc, cand("acetaminophen")), therapy.KindHepatic, therapy.SeverityWarning) != 1 {
		t.Error("expected hepatic warning")
	}
}

func TestDuplicateTherapyWarns(t *testing.T) {
	e := NewEngine(nil)
	pc := newContext(func(s *patient.Snapshot) {
		s.Medications = []patient.Medication{{Drug: "Amlodipine"}}
	})
	if count(e.Evaluate(pc, cand("amlodipine")), therapy.KindContraindication, therapy.SeverityWarning) != 1 {
		t.Error("expected duplicate therapy warning")
	}
}

func TestUnknownDrugAndNilContext(t *testing.T) {
	e := NewEngine(nil)
	pc := newContext(func(s *patient.Snapshot) {
		s.Allergies = []patient.Allergy{{Substance: "latex"}}
		s.Organ.EGFR = patient.Float(10)
	})
	if f := e.Evaluate(pc, cand("zzz-unlisted")); len(f) != 0 {
		t.Errorf("unknown drug produced %+v", f)
	}
	if f := e.Evaluate(nil, cand("amoxicillin")); f != nil {
		t.Errorf("nil context produced %+v", f)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := NewEngine(nil)
	pc := newContext(func(s *patient.Snapshot) {
		s.Demographics.AgeYears = patient.Int(70)
		s.Allergies = []patient.Allergy{{Substance: "Penicillin"}}
		s.Medications = []patient.Medication{{Drug: "warfarin"}, {Drug: "lisinopril"}}
		s.Organ.EGFR = patient.Float(25)
	})
	first := e.Evaluate(pc, cand("ibuprofen"))
	for i := 0; i < 20; i++ {
		again := e.Evaluate(pc, cand("ibuprofen"))
		if len(again) != len(first) {
			t.Fatalf("run %d: %d findings, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("run %d finding %d differs", i, j)
			}
		}
	}
}

func findingsOf(findings []therapy.Finding, kind therapy.FindingKind) []therapy.Finding {
	var out []therapy.Finding
	for _, f := range findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}
