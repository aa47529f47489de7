package pipeline

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-rxgate/internal/candidate"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
)

func cand(name string, confidence float64) therapy.Candidate {
	return therapy.Candidate{GenericName: name, Dose: "100 mg", Frequency: "daily", Route: "oral", Confidence: confidence}
}

func fullTrail() []StageEntry {
	t0 := fixedClock()
	var out []StageEntry
	for i, s := range stateOrder {
		out = append(out, StageEntry{State: s, EnteredAt: t0.Add(time.Duration(i) * time.Millisecond)})
	}
	return out
}

func passing() therapy.Verdict { return therapy.NewVerdict(nil) }

func blocking(drug string) therapy.Verdict {
	return therapy.NewVerdict([]therapy.Finding{{Kind: therapy.KindAllergy, Severity: therapy.SeverityHardBlock, Drug: drug, Message: "allergy"}})
}

func ranked(gen int, c therapy.Candidate, available bool) RankedCandidate {
	return RankedCandidate{
		GenerationRank: gen,
		Candidate:      c,
		Verdict:        passing(),
		Availability:   therapy.AvailabilityRecord{Drug: c.GenericName, Available: available, Equivalents: []therapy.SubstitutionEquivalent{}},
	}
}

func validInput() DecisionInput {
	a, b, c := cand("alpha", 0.9), cand("bravo", 0.8), cand("charlie", 0.7)
	return DecisionInput{
		PatientID:  "pt-1",
		Intent:     "uti",
		Generation: candidate.Generation{Indication: "urinary_tract_infection", Candidates: []therapy.Candidate{a, b, c}},
		Verdicts:   []therapy.Verdict{blocking("alpha"), passing(), passing()},
		Ranked:     []RankedCandidate{ranked(3, c, true), ranked(2, b, false)},
		Trail:      fullTrail(),
	}
}

func TestNewDecisionAssembles(t *testing.T) {
	d, err := NewDecision(validInput())
	if err != nil {
		t.Fatalf("NewDecision: %v", err)
	}
	if d.Status != StatusAccepted || d.Chosen.Candidate.GenericName != "charlie" || d.Chosen.Rank != 1 {
		t.Fatalf("decision = %+v", d)
	}
	if len(d.Alternatives) != 1 || d.Alternatives[0].Rank != 2 {
		t.Errorf("alternatives = %+v", d.Alternatives)
	}
	if len(d.Blocked) != 1 || d.Blocked[0].GenerationRank != 1 {
		t.Errorf("blocked = %+v", d.Blocked)
	}
	if len(d.Findings) != 1 || d.Findings[0].Candidate != "alpha" || d.Findings[0].Rank != 1 {
		t.Errorf("findings = %+v", d.Findings)
	}
	if d.ID == "" || d.PipelineVersion != Version || !d.DecidedAt.Equal(fullTrail()[4].EnteredAt) {
		t.Errorf("id=%q version=%q decided=%v", d.ID, d.PipelineVersion, d.DecidedAt)
	}
	if d.Availability.Available != 1 || d.Availability.Unavailable != 1 {
		t.Errorf("availability = %+v", d.Availability)
	}
}

func TestDecisionRoundTripsAsJSON(t *testing.T) {
	d, err := NewDecision(validInput())
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var back Decision
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Chosen == nil || back.Chosen.Candidate.GenericName != "charlie" || back.Findings[0].Severity != therapy.SeverityHardBlock {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestNewDecisionRejectsBrokenInvariants(t *testing.T) {
	cases := map[string]func(*DecisionInput){
		"rising confidence": func(in *DecisionInput) {
			in.Generation.Candidates[2].Confidence = 0.95
		},
		"candidate without dose": func(in *DecisionInput) {
			in.Generation.Candidates[1].Dose = ""
		},
		"hard block counted as passed": func(in *DecisionInput) {
			in.Verdicts[0].Passed = true
		},
		"hard block filed as warning": func(in *DecisionInput) {
			in.Verdicts[1].Warnings = []therapy.Finding{{Severity: therapy.SeverityHardBlock}}
		},
		"missing verdict": func(in *DecisionInput) {
			in.Verdicts = in.Verdicts[:2]
		},
		"blocked candidate ranked": func(in *DecisionInput) {
			in.Ranked = append(in.Ranked, ranked(1, in.Generation.Candidates[0], false))
		},
		"passing candidate dropped": func(in *DecisionInput) {
			in.Ranked = in.Ranked[:1]
		},
		"out of order": func(in *DecisionInput) {
			in.Ranked[0], in.Ranked[1] = in.Ranked[1], in.Ranked[0]
		},
		"availability mismatch": func(in *DecisionInput) {
			in.Ranked[0].Availability.Drug = "someone else"
		},
		"unsorted equivalents": func(in *DecisionInput) {
			in.Ranked[1].Availability.Equivalents = []therapy.SubstitutionEquivalent{
				{Drug: "x", Confidence: 0.6, Available: false},
				{Drug: "y", Confidence: 0.9, Available: true},
			}
		},
		"backward trail": func(in *DecisionInput) {
			in.Trail[1], in.Trail[2] = in.Trail[2], in.Trail[1]
		},
		"undecided trail": func(in *DecisionInput) {
			in.Trail = in.Trail[:4]
		},
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			edit(&in)
			if _, err := NewDecision(in); !errors.Is(err, ErrInvariantViolation) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestRankingTieBreakIsGenerationOrder(t *testing.T) {
	a, b := cand("alpha", 0.8), cand("bravo", 0.8)
	in := DecisionInput{
		Generation: candidate.Generation{Candidates: []therapy.Candidate{a, b}},
		Verdicts:   []therapy.Verdict{passing(), passing()},
		Ranked:     []RankedCandidate{ranked(1, a, true), ranked(2, b, true)},
		Trail:      fullTrail(),
	}
	if _, err := NewDecision(in); err != nil {
		t.Fatalf("generation order tie-break rejected: %v", err)
	}
	in.Ranked = []RankedCandidate{ranked(2, b, true), ranked(1, a, true)}
	if _, err := NewDecision(in); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("reversed tie accepted: %v", err)
	}
}

func TestEmptyGenerationIsNoCandidates(t *testing.T) {
	d, err := NewDecision(DecisionInput{
		Trail: []StageEntry{{State: StateGenerating, EnteredAt: fixedClock()}, {State: StateDecided, EnteredAt: fixedClock()}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusBlockedNoCandidates || d.Chosen != nil || len(d.Findings) != 0 {
		t.Fatalf("decision = %+v", d)
	}
}
