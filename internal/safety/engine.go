// Package safety evaluates one candidate against one patient context using
// the static rule tables. Evaluation is pure: no I/O, no clock, no shared
// mutable state, so the orchestrator may screen candidates concurrently.
package safety

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
	"github.com/drfirst/go-rxgate/internal/knowledge"
)

// Engine applies the rule categories in a fixed order: allergy, interaction,
// renal, hepatic, pregnancy, age, duplicate therapy.
type Engine struct {
	kb         *knowledge.Base
	classifier *therapy.Classifier
}

// NewEngine creates an engine over kb. A nil kb uses the defaults.
func NewEngine(kb *knowledge.Base) *Engine {
	if kb == nil {
		kb = knowledge.Default()
	}
	return &Engine{kb: kb, classifier: kb.Classifier()}
}

// Evaluate returns every finding for candidate. Unknown drugs produce no
// findings in the categories that do not recognise them.
func (e *Engine) Evaluate(pc *patient.Context, candidate therapy.Candidate) []therapy.Finding {
	if pc == nil {
		return nil
	}
	drug := candidate.GenericName
	findings := e.ScreenAllergies(pc, drug, candidate.Brand)
	findings = append(findings, e.interactions(pc, drug)...)
	findings = append(findings, e.renal(pc, drug)...)
	findings = append(findings, e.hepatic(pc, drug)...)
	findings = append(findings, e.pregnancy(pc, drug)...)
	findings = append(findings, e.age(pc, drug)...)
	findings = append(findings, e.duplicate(pc, drug)...)
	return findings
}

// EvaluateVerdict is Evaluate followed by Verdict.
func (e *Engine) EvaluateVerdict(pc *patient.Context, candidate therapy.Candidate) therapy.Verdict {
	return Verdict(e.Evaluate(pc, candidate))
}

// Verdict partitions findings; passed iff no hard blocks.
func Verdict(findings []therapy.Finding) therapy.Verdict {
	return therapy.NewVerdict(findings)
}

// ScreenAllergies runs only the allergy category. A direct substance match
// blocks; otherwise the cross-reactivity table is consulted per allergy.
// Under a beta-lactam allergy penicillins always block and cephalosporins
// carry a warning unless something already blocked them.
func (e *Engine) ScreenAllergies(pc *patient.Context, drug, brand string) []therapy.Finding {
	if pc == nil || strings.TrimSpace(drug) == "" {
		return nil
	}
	var findings []therapy.Finding
	blocked := false
	names := []string{drug}
	if strings.TrimSpace(brand) != "" {
		names = append(names, brand)
	}

	for _, a := range pc.Allergies() {
		sub := strings.TrimSpace(a.Substance)
		if sub == "" {
			continue
		}
		if anyName(names, sub) {
			findings = append(findings, directFinding(a, drug))
			blocked = true
			continue
		}
		for _, cr := range e.kb.CrossReactivity {
			if !therapy.MatchName(sub, cr.Allergen) || !e.memberOf(names, cr.Members) {
				continue
			}
			findings = append(findings, therapy.Finding{
				Kind:           therapy.KindAllergy,
				Severity:       therapy.SeverityHardBlock,
				Message:        fmt.Sprintf("%s allergy: %s", sub, cr.Note),
				Drug:           drug,
				Recommendation: "Select a drug outside the allergen's class",
			})
			blocked = true
			break
		}
	}

	if !pc.Has(patient.FlagBetaLactamAllergy) || blocked {
		return findings
	}
	switch {
	case e.isClass(names, therapy.ClassPenicillin):
		findings = append(findings, therapy.Finding{
			Kind:           therapy.KindAllergy,
			Severity:       therapy.SeverityHardBlock,
			Message:        "beta-lactam allergy: penicillin-class candidate",
			Drug:           drug,
			Recommendation: "Select a non-beta-lactam agent",
		})
	case e.isClass(names, therapy.ClassCephalosporin):
		findings = append(findings, therapy.Finding{
			Kind:           therapy.KindAllergy,
			Severity:       therapy.SeverityWarning,
			Message:        "beta-lactam allergy: cephalosporin cross-reactivity is approximately 1-2%",
			Drug:           drug,
			Recommendation: "Confirm the reaction history and observe the first dose",
		})
	}
	return findings
}

// DirectAllergies returns a hard block for every allergy substance named
// in drug or brand. Class cross-reactivity is not considered.
func (e *Engine) DirectAllergies(pc *patient.Context, drug, brand string) []therapy.Finding {
	if pc == nil || strings.TrimSpace(drug) == "" {
		return nil
	}
	names := []string{drug}
	if strings.TrimSpace(brand) != "" {
		names = append(names, brand)
	}
	var findings []therapy.Finding
	for _, a := range pc.Allergies() {
		if sub := strings.TrimSpace(a.Substance); sub != "" && anyName(names, sub) {
			findings = append(findings, directFinding(a, drug))
		}
	}
	return findings
}

func directFinding(a patient.Allergy, drug string) therapy.Finding {
	return therapy.Finding{
		Kind:           therapy.KindAllergy,
		Severity:       therapy.SeverityHardBlock,
		Message:        fmt.Sprintf("documented %sallergy to %s", severityPrefix(a.Severity), strings.TrimSpace(a.Substance)),
		Drug:           drug,
		Recommendation: "Select a drug outside the allergen's class",
	}
}

func (e *Engine) interactions(pc *patient.Context, drug string) []therapy.Finding {
	var findings []therapy.Finding
	for _, med := range pc.Medications() {
		if strings.TrimSpace(med.Drug) == "" {
			continue
		}
		for _, row := range e.kb.Interactions {
			forward := therapy.MatchName(med.Drug, row.Drug) && matchesAny(drug, row.Interacts)
			reverse := therapy.MatchName(drug, row.Drug) && matchesAny(med.Drug, row.Interacts)
			if !forward && !reverse {
				continue
			}
			findings = append(findings, therapy.Finding{
				Kind:           therapy.KindInteraction,
				Severity:       row.Severity,
				Message:        fmt.Sprintf("%s with current %s: %s", drug, med.Drug, row.Reason),
				Drug:           med.Drug,
				Recommendation: row.Recommendation,
			})
		}
	}
	return findings
}

func (e *Engine) renal(pc *patient.Context, drug string) []therapy.Finding {
	egfr, ok := pc.EGFR()
	if !ok {
		return nil
	}
	rule, ok := e.kb.RenalRuleFor(drug)
	if !ok {
		return nil
	}
	thresholds := make([]float64, len(rule.Tiers))
	for i, t := range rule.Tiers {
		thresholds[i] = t.Threshold
	}
	idx := knowledge.SelectTier(thresholds, egfr)
	if idx < 0 {
		return nil
	}
	tier := rule.Tiers[idx]
	f := therapy.Finding{
		Kind:    therapy.KindRenal,
		Message: fmt.Sprintf("eGFR %.0f below %.0f: %s", egfr, tier.Threshold, tier.Note),
		Drug:    drug,
	}
	switch tier.Action {
	case knowledge.RenalAvoid:
		f.Severity = therapy.SeverityHardBlock
		f.Recommendation = "Select an agent without renal restriction"
	case knowledge.RenalReduce:
		f.Severity = therapy.SeverityWarning
		f.Recommendation = "Apply the renal dose adjustment"
	default:
		f.Severity = therapy.SeverityWarning
		f.Recommendation = "Monitor renal function during therapy"
	}
	return []therapy.Finding{f}
}

func (e *Engine) hepatic(pc *patient.Context, drug string) []therapy.Finding {
	if !pc.Has(patient.FlagHepaticImpairment) {
		return nil
	}
	for _, n := range e.kb.Hepatotoxic {
		if therapy.MatchName(drug, n.Drug) {
			return []therapy.Finding{{
				Kind:           therapy.KindHepatic,
				Severity:       therapy.SeverityWarning,
				Message:        fmt.Sprintf("hepatic impairment: %s", n.Reason),
				Drug:           drug,
				Recommendation: "Monitor liver function or choose a non-hepatotoxic agent",
			}}
		}
	}
	return nil
}

func (e *Engine) pregnancy(pc *patient.Context, drug string) []therapy.Finding {
	if !pc.Has(patient.FlagPregnancy) {
		return nil
	}
	for _, n := range e.kb.Pregnancy {
		if therapy.MatchName(drug, n.Drug) {
			return []therapy.Finding{{
				Kind:           therapy.KindPregnancy,
				Severity:       therapy.SeverityHardBlock,
				Message:        fmt.Sprintf("contraindicated in pregnancy: %s", n.Reason),
				Drug:           drug,
				Recommendation: "Select a pregnancy-compatible agent",
			}}
		}
	}
	return nil
}

func (e *Engine) age(pc *patient.Context, drug string) []therapy.Finding {
	var findings []therapy.Finding
	age, _ := pc.AgeYears()
	if pc.Has(patient.FlagPediatric) && e.classifier.Is(drug, therapy.ClassFluoroquinolone) {
		findings = append(findings, therapy.Finding{
			Kind:           therapy.KindAge,
			Severity:       therapy.SeverityWarning,
			Message:        fmt.Sprintf("age %d: fluoroquinolones carry musculoskeletal risk under 18", age),
			Drug:           drug,
			Recommendation: "Reserve for infections without a suitable alternative",
		})
	}
	if pc.Has(patient.FlagElderly) {
		for _, n := range e.kb.Beers {
			if therapy.MatchName(drug, n.Drug) {
				findings = append(findings, therapy.Finding{
					Kind:           therapy.KindAge,
					Severity:       therapy.SeverityWarning,
					Message:        fmt.Sprintf("Beers criteria (age %d): %s", age, n.Reason),
					Drug:           drug,
					Recommendation: "Consider a safer alternative for older adults",
				})
				break
			}
		}
	}
	return findings
}

func (e *Engine) duplicate(pc *patient.Context, drug string) []therapy.Finding {
	for _, med := range pc.Medications() {
		if strings.TrimSpace(med.Drug) == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(med.Drug), strings.TrimSpace(drug)) {
			return []therapy.Finding{{
				Kind:           therapy.KindContraindication,
				Severity:       therapy.SeverityWarning,
				Message:        fmt.Sprintf("%s is already prescribed", med.Drug),
				Drug:           drug,
				Recommendation: "Review the existing prescription before adding another course",
			}}
		}
	}
	return nil
}

func (e *Engine) memberOf(names, members []string) bool {
	for _, n := range names {
		if matchesAny(n, members) {
			return true
		}
	}
	return false
}

func (e *Engine) isClass(names []string, class therapy.DrugClass) bool {
	for _, n := range names {
		if e.classifier.Is(n, class) {
			return true
		}
	}
	return false
}

func anyName(names []string, fragment string) bool {
	for _, n := range names {
		if therapy.MatchName(n, fragment) {
			return true
		}
	}
	return false
}

func matchesAny(drug string, fragments []string) bool {
	for _, f := range fragments {
		if therapy.MatchName(drug, f) {
			return true
		}
	}
	return false
}

func severityPrefix(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	return s + " "
}
