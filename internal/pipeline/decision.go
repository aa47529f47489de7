package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxgate/internal/candidate"
	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
)

// ErrInvariantViolation marks a run whose intermediate results broke a
// safety invariant. The run halts and no decision is produced.
var ErrInvariantViolation = errors.New("pipeline invariant violation")

// Version identifies the decision logic recorded on every decision.
const Version = "rxgate-pipeline/1.0"

// Status is the outcome of a run.
type Status string

const (
	StatusAccepted            Status = "accepted"
	StatusBlockedNoCandidates Status = "blocked_no_candidates"
	StatusBlockedAllUnsafe    Status = "blocked_all_unsafe"
)

// RankedCandidate is a passing candidate in final order. GenerationRank is
// its 1-based position in the generation batch.
type RankedCandidate struct {
	Rank           int                        `json:"rank"`
	GenerationRank int                        `json:"generation_rank"`
	Candidate      therapy.Candidate          `json:"candidate"`
	Verdict        therapy.Verdict            `json:"verdict"`
	Availability   therapy.AvailabilityRecord `json:"availability"`
}

// BlockedCandidate is a candidate excluded by at least one hard block.
type BlockedCandidate struct {
	GenerationRank int               `json:"generation_rank"`
	Candidate      therapy.Candidate `json:"candidate"`
	Verdict        therapy.Verdict   `json:"verdict"`
}

// CandidateFinding is one finding in the aggregated summary.
type CandidateFinding struct {
	Rank      int    `json:"rank"`
	Candidate string `json:"candidate"`
	therapy.Finding
}

// AvailabilitySummary totals the availability records of ranked candidates.
type AvailabilitySummary struct {
	Checked     int                          `json:"checked"`
	Available   int                          `json:"available"`
	Unavailable int                          `json:"unavailable"`
	Degraded    int                          `json:"degraded"`
	Records     []therapy.AvailabilityRecord `json:"records"`
}

// PatientSummary is the context a run evaluated against.
type PatientSummary struct {
	Snapshot  patient.Snapshot   `json:"snapshot"`
	RiskFlags []patient.RiskFlag `json:"risk_flags"`
}

// Decision is the immutable record of one run.
type Decision struct {
	ID                string                  `json:"id"`
	PatientID         string                  `json:"patient_id"`
	Intent            string                  `json:"intent"`
	Indication        string                  `json:"indication,omitempty"`
	IndicationDisplay string                  `json:"indication_display,omitempty"`
	Status            Status                  `json:"status"`
	Chosen            *RankedCandidate        `json:"chosen"`
	Alternatives      []RankedCandidate       `json:"alternatives"`
	Blocked           []BlockedCandidate      `json:"blocked"`
	Excluded          []candidate.Exclusion   `json:"excluded"`
	Findings          []CandidateFinding      `json:"findings"`
	Availability      AvailabilitySummary     `json:"availability"`
	Advisory          []string                `json:"advisory"`
	Degraded          []*collab.DegradedInput `json:"degraded"`
	Patient           PatientSummary          `json:"patient"`
	Trail             []StageEntry            `json:"trail"`
	DecidedAt         time.Time               `json:"decided_at"`
	PipelineVersion   string                  `json:"pipeline_version"`
	KnowledgeVersion  string                  `json:"knowledge_version,omitempty"`
}

// HardBlocks returns the hard-block findings across all candidates.
func (d *Decision) HardBlocks() []CandidateFinding {
	var out []CandidateFinding
	for _, f := range d.Findings {
		if f.Severity == therapy.SeverityHardBlock {
			out = append(out, f)
		}
	}
	return out
}

// DecisionInput carries every stage's output into NewDecision.
type DecisionInput struct {
	ID               string
	PatientID        string
	Intent           string
	Patient          *patient.Context
	Generation       candidate.Generation
	Verdicts         []therapy.Verdict
	Ranked           []RankedCandidate
	Advisory         []string
	Degraded         []*collab.DegradedInput
	Trail            []StageEntry
	Version          string
	KnowledgeVersion string
}

// NewDecision assembles a decision and checks every invariant across the
// stage outputs. Verdicts align with Generation.Candidates; Ranked holds
// every passing candidate in final order.
func NewDecision(in DecisionInput) (*Decision, error) {
	cands := in.Generation.Candidates
	for _, c := range cands {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
	}
	if err := therapy.CheckConfidenceOrder(cands); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	if len(in.Verdicts) != len(cands) {
		return nil, fmt.Errorf("%w: %d verdicts for %d candidates", ErrInvariantViolation, len(in.Verdicts), len(cands))
	}
	passing := 0
	for i, v := range in.Verdicts {
		if err := checkVerdict(v); err != nil {
			return nil, fmt.Errorf("%w: candidate %d (%s): %v", ErrInvariantViolation, i+1, cands[i].GenericName, err)
		}
		if v.Passed {
			passing++
		}
	}
	if err := checkRanking(in.Ranked, cands, in.Verdicts, passing); err != nil {
		return nil, err
	}
	if err := validTrail(in.Trail); err != nil {
		return nil, err
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	version := in.Version
	if version == "" {
		version = Version
	}
	d := &Decision{
		ID:                id,
		PatientID:         in.PatientID,
		Intent:            in.Intent,
		Indication:        in.Generation.Indication,
		IndicationDisplay: in.Generation.IndicationDisplay,
		Alternatives:      []RankedCandidate{},
		Blocked:           []BlockedCandidate{},
		Excluded:          append([]candidate.Exclusion{}, in.Generation.Excluded...),
		Findings:          []CandidateFinding{},
		Advisory:          append([]string{}, in.Advisory...),
		Degraded:          append([]*collab.DegradedInput{}, in.Degraded...),
		Trail:             append([]StageEntry(nil), in.Trail...),
		DecidedAt:         in.Trail[len(in.Trail)-1].EnteredAt,
		PipelineVersion:   version,
		KnowledgeVersion:  in.KnowledgeVersion,
		Availability:      AvailabilitySummary{Records: []therapy.AvailabilityRecord{}},
	}
	if in.Patient != nil {
		d.Patient = PatientSummary{Snapshot: in.Patient.Snapshot(), RiskFlags: in.Patient.Flags().Sorted()}
	}

	for i, c := range cands {
		v := in.Verdicts[i]
		for _, f := range v.Findings() {
			d.Findings = append(d.Findings, CandidateFinding{Rank: i + 1, Candidate: c.GenericName, Finding: f})
		}
		if !v.Passed {
			d.Blocked = append(d.Blocked, BlockedCandidate{GenerationRank: i + 1, Candidate: c, Verdict: v})
		}
	}

	switch {
	case len(cands) == 0:
		d.Status = StatusBlockedNoCandidates
	case passing == 0:
		d.Status = StatusBlockedAllUnsafe
	default:
		d.Status = StatusAccepted
	}

	for i, rc := range in.Ranked {
		rc.Rank = i + 1
		rec := rc.Availability
		d.Availability.Checked++
		d.Availability.Records = append(d.Availability.Records, rec)
		if rec.Available {
			d.Availability.Available++
		} else {
			d.Availability.Unavailable++
		}
		if rec.Degraded {
			d.Availability.Degraded++
		}
		if i == 0 {
			chosen := rc
			d.Chosen = &chosen
			continue
		}
		d.Alternatives = append(d.Alternatives, rc)
	}
	return d, nil
}

func checkVerdict(v therapy.Verdict) error {
	if !v.Consistent() {
		return fmt.Errorf("passed=%t with %d hard blocks", v.Passed, len(v.HardBlocks))
	}
	for _, f := range v.Warnings {
		if f.Severity != therapy.SeverityWarning {
			return fmt.Errorf("%s finding filed as warning", f.Severity)
		}
	}
	for _, f := range v.Info {
		if f.Severity != therapy.SeverityInfo {
			return fmt.Errorf("%s finding filed as info", f.Severity)
		}
	}
	for _, f := range v.HardBlocks {
		if f.Severity != therapy.SeverityHardBlock {
			return fmt.Errorf("%s finding filed as hard block", f.Severity)
		}
	}
	return nil
}

func checkRanking(ranked []RankedCandidate, cands []therapy.Candidate, verdicts []therapy.Verdict, passing int) error {
	if len(ranked) != passing {
		return fmt.Errorf("%w: %d ranked candidates for %d passing", ErrInvariantViolation, len(ranked), passing)
	}
	seen := make(map[int]bool, len(ranked))
	for i, rc := range ranked {
		g := rc.GenerationRank
		if g < 1 || g > len(cands) || seen[g] {
			return fmt.Errorf("%w: ranked entry %d has generation rank %d", ErrInvariantViolation, i, g)
		}
		seen[g] = true
		if !verdicts[g-1].Passed || !rc.Verdict.Passed {
			return fmt.Errorf("%w: blocked candidate %s was ranked", ErrInvariantViolation, rc.Candidate.GenericName)
		}
		if !strings.EqualFold(rc.Candidate.GenericName, cands[g-1].GenericName) {
			return fmt.Errorf("%w: ranked %s does not match generated %s", ErrInvariantViolation, rc.Candidate.GenericName, cands[g-1].GenericName)
		}
		if !strings.EqualFold(rc.Availability.Drug, rc.Candidate.GenericName) {
			return fmt.Errorf("%w: availability for %q attached to %s", ErrInvariantViolation, rc.Availability.Drug, rc.Candidate.GenericName)
		}
		if !therapy.EquivalentsSorted(rc.Availability.Equivalents) {
			return fmt.Errorf("%w: equivalents for %s are not sorted", ErrInvariantViolation, rc.Candidate.GenericName)
		}
		if i > 0 && !rankedBefore(ranked[i-1], rc) {
			return fmt.Errorf("%w: %s ranked after %s out of order", ErrInvariantViolation, rc.Candidate.GenericName, ranked[i-1].Candidate.GenericName)
		}
	}
	return nil
}

// rankedBefore is the final ordering: available first, then confidence,
// then generation order.
func rankedBefore(a, b RankedCandidate) bool {
	if a.Availability.Available != b.Availability.Available {
		return a.Availability.Available
	}
	if a.Candidate.Confidence != b.Candidate.Confidence {
		return a.Candidate.Confidence > b.Candidate.Confidence
	}
	return a.GenerationRank < b.GenerationRank
}
