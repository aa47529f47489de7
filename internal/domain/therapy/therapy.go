// Package therapy defines the candidate, safety and availability values that
// flow between pipeline stages. Values are treated as immutable once a stage
// returns them; helpers that reorder or extend always return new slices.
package therapy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Severity grades a safety finding.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityHardBlock Severity = "hard_block"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityHardBlock:
		return true
	}
	return false
}

// Order sorts hard blocks first, then warnings, then info.
func (s Severity) Order() int {
	switch s {
	case SeverityHardBlock:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// FindingKind is the rule category that produced a finding.
type FindingKind string

const (
	KindInteraction      FindingKind = "interaction"
	KindAllergy          FindingKind = "allergy"
	KindRenal            FindingKind = "renal"
	KindHepatic          FindingKind = "hepatic"
	KindPregnancy        FindingKind = "pregnancy"
	KindAge              FindingKind = "age"
	KindContraindication FindingKind = "contraindication"
)

// Finding is one deterministic safety observation about a candidate.
type Finding struct {
	Kind           FindingKind `json:"kind"`
	Severity       Severity    `json:"severity"`
	Message        string      `json:"message"`
	Drug           string      `json:"drug"`
	Recommendation string      `json:"recommendation,omitempty"`
}

// Verdict aggregates the findings for one candidate.
type Verdict struct {
	Passed     bool      `json:"passed"`
	HardBlocks []Finding `json:"hard_blocks"`
	Warnings   []Finding `json:"warnings"`
	Info       []Finding `json:"info"`
}

// NewVerdict partitions findings by severity. Passed is true iff there are no
// hard blocks. Unknown severities are treated as hard blocks.
func NewVerdict(findings []Finding) Verdict {
	v := Verdict{
		HardBlocks: []Finding{},
		Warnings:   []Finding{},
		Info:       []Finding{},
	}
	for _, f := range findings {
		switch f.Severity {
		case SeverityWarning:
			v.Warnings = append(v.Warnings, f)
		case SeverityInfo:
			v.Info = append(v.Info, f)
		default:
			v.HardBlocks = append(v.HardBlocks, f)
		}
	}
	v.Passed = len(v.HardBlocks) == 0
	return v
}

// Findings returns every finding in severity order.
func (v Verdict) Findings() []Finding {
	out := make([]Finding, 0, len(v.HardBlocks)+len(v.Warnings)+len(v.Info))
	out = append(out, v.HardBlocks...)
	out = append(out, v.Warnings...)
	return append(out, v.Info...)
}

// Consistent reports whether Passed agrees with the hard-block count.
func (v Verdict) Consistent() bool {
	return v.Passed == (len(v.HardBlocks) == 0)
}

// Candidate is one proposed drug, dose and route awaiting evaluation.
type Candidate struct {
	Indication  string    `json:"indication"`
	DrugClass   DrugClass `json:"drug_class"`
	GenericName string    `json:"generic_name"`
	Brand       string    `json:"brand,omitempty"`
	Dose        string    `json:"dose"`
	Frequency   string    `json:"frequency"`
	Duration    string    `json:"duration,omitempty"`
	Route       string    `json:"route"`
	Confidence  float64   `json:"confidence"`
	Reasoning   []string  `json:"reasoning"`
}

// ErrInvalidCandidate marks a candidate that must not enter screening.
var ErrInvalidCandidate = errors.New("invalid candidate")

// Validate rejects candidates without dose or frequency, or with a
// confidence outside [0,1].
func (c Candidate) Validate() error {
	switch {
	case strings.TrimSpace(c.GenericName) == "":
		return fmt.Errorf("%w: missing generic name", ErrInvalidCandidate)
	case strings.TrimSpace(c.Dose) == "":
		return fmt.Errorf("%w: %s has no dose", ErrInvalidCandidate, c.GenericName)
	case strings.TrimSpace(c.Frequency) == "":
		return fmt.Errorf("%w: %s has no frequency", ErrInvalidCandidate, c.GenericName)
	case c.Confidence < 0 || c.Confidence > 1:
		return fmt.Errorf("%w: %s confidence %.2f outside [0,1]", ErrInvalidCandidate, c.GenericName, c.Confidence)
	}
	return nil
}

// WithReasoning returns a copy of c with notes appended.
func (c Candidate) WithReasoning(notes ...string) Candidate {
	out := c
	out.Reasoning = make([]string, 0, len(c.Reasoning)+len(notes))
	out.Reasoning = append(out.Reasoning, c.Reasoning...)
	out.Reasoning = append(out.Reasoning, notes...)
	return out
}

// CheckConfidenceOrder verifies confidence never increases with rank.
func CheckConfidenceOrder(cands []Candidate) error {
	for i := 1; i < len(cands); i++ {
		if cands[i].Confidence > cands[i-1].Confidence {
			return fmt.Errorf("confidence rises at rank %d: %s %.2f > %s %.2f",
				i, cands[i].GenericName, cands[i].Confidence, cands[i-1].GenericName, cands[i-1].Confidence)
		}
	}
	return nil
}

// EquivalenceType describes how a substitute relates to the requested drug.
type EquivalenceType string

const (
	EquivalenceSameSalt     EquivalenceType = "same_salt"
	EquivalenceSameStrength EquivalenceType = "same_strength"
	EquivalenceSameClass    EquivalenceType = "same_class"
	EquivalenceTherapeutic  EquivalenceType = "therapeutic_alternative"
)

// Confidence levels assigned to each substitution step.
const (
	ConfidenceSameSalt    = 0.98
	ConfidenceSameBrand   = 0.95
	ConfidenceSameClass   = 0.75
	ConfidenceTherapeutic = 0.60
)

// SubstitutionEquivalent is one offered substitute for an unavailable drug.
type SubstitutionEquivalent struct {
	Drug        string          `json:"drug"`
	Type        EquivalenceType `json:"equivalence_type"`
	Confidence  float64         `json:"confidence"`
	Available   bool            `json:"available"`
	Locations   []string        `json:"locations,omitempty"`
	ScreenNotes []string        `json:"screen_notes,omitempty"`
}

// AvailabilityRecord is the stock status of one candidate.
type AvailabilityRecord struct {
	Drug        string                   `json:"drug"`
	Strength    string                   `json:"strength,omitempty"`
	Available   bool                     `json:"available"`
	Locations   []string                 `json:"locations,omitempty"`
	Equivalents []SubstitutionEquivalent `json:"equivalents"`
	Degraded    bool                     `json:"degraded,omitempty"`
}

// SortEquivalents returns equivalents deduplicated by drug name (case
// insensitive, best entry kept) and sorted by available desc then
// confidence desc. Ties keep their input order.
func SortEquivalents(in []SubstitutionEquivalent) []SubstitutionEquivalent {
	best := make(map[string]int, len(in))
	out := make([]SubstitutionEquivalent, 0, len(in))
	for _, eq := range in {
		key := strings.ToLower(strings.TrimSpace(eq.Drug))
		if key == "" {
			continue
		}
		if idx, seen := best[key]; seen {
			if equivalentLess(eq, out[idx]) {
				out[idx] = eq
			}
			continue
		}
		best[key] = len(out)
		out = append(out, eq)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return equivalentLess(out[i], out[j])
	})
	return out
}

func equivalentLess(a, b SubstitutionEquivalent) bool {
	if a.Available != b.Available {
		return a.Available
	}
	return a.Confidence > b.Confidence
}

// EquivalentsSorted reports whether eqs satisfies the ordering and
// uniqueness that SortEquivalents produces.
func EquivalentsSorted(eqs []SubstitutionEquivalent) bool {
	seen := make(map[string]bool, len(eqs))
	for i, eq := range eqs {
		key := strings.ToLower(strings.TrimSpace(eq.Drug))
		if seen[key] {
			return false
		}
		seen[key] = true
		if i > 0 && equivalentLess(eq, eqs[i-1]) {
			return false
		}
	}
	return true
}
