// Package availability annotates screened candidates with stock status and,
// for unavailable ones, safe substitution equivalents.
package availability

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
	"github.com/drfirst/go-rxgate/internal/knowledge"
	"github.com/drfirst/go-rxgate/internal/safety"
)

// Resolution is the resolver output. Records follow candidate order.
type Resolution struct {
	Records  []therapy.AvailabilityRecord
	Degraded []*collab.DegradedInput
}

// Resolver queries a stock source through guarded calls.
type Resolver struct {
	kb     *knowledge.Base
	engine *safety.Engine
	stock  collab.StockSource
	calls  collab.Calls
	logger *zap.Logger
}

// NewResolver creates a resolver. A nil kb uses the defaults and a nil
// engine is built over kb.
func NewResolver(kb *knowledge.Base, engine *safety.Engine, stock collab.StockSource, calls collab.Calls, logger *zap.Logger) *Resolver {
	if kb == nil {
		kb = knowledge.Default()
	}
	if engine == nil {
		engine = safety.NewEngine(kb)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{kb: kb, engine: engine, stock: stock, calls: calls, logger: logger}
}

var strengthPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?(?:/\d+(?:\.\d+)?)?)\s*(mcg|mg|g|ml|iu|units?)\b`)

// ParseStrength extracts "500 mg" from "500 mg every 8 hours". It returns
// "" when the dose carries no recognisable strength.
func ParseStrength(dose string) string {
	m := strengthPattern.FindStringSubmatch(dose)
	if m == nil {
		return ""
	}
	return m[1] + " " + strings.ToLower(m[2])
}

// Resolve checks every candidate. Stock failures degrade the candidate to
// unavailable and are reported in Degraded.
func (r *Resolver) Resolve(ctx context.Context, pc *patient.Context, candidates []therapy.Candidate) Resolution {
	out := Resolution{Records: make([]therapy.AvailabilityRecord, 0, len(candidates))}
	for _, c := range candidates {
		rec, degraded := r.resolveOne(ctx, pc, c)
		out.Records = append(out.Records, rec)
		out.Degraded = append(out.Degraded, degraded...)
	}
	return out
}

func (r *Resolver) resolveOne(ctx context.Context, pc *patient.Context, c therapy.Candidate) (therapy.AvailabilityRecord, []*collab.DegradedInput) {
	strength := ParseStrength(c.Dose)
	res := r.calls.CheckAvailability(ctx, r.stock, c.GenericName, strength)

	rec := therapy.AvailabilityRecord{
		Drug:        c.GenericName,
		Strength:    strength,
		Equivalents: []therapy.SubstitutionEquivalent{},
	}
	var degraded []*collab.DegradedInput
	if res.IsDegraded() {
		rec.Degraded = true
		degraded = append(degraded, res.Degraded)
	} else {
		rec.Available = res.Value.Available
		rec.Locations = res.Value.Locations()
	}
	if rec.Available {
		return rec, degraded
	}

	eqs, more := r.equivalents(ctx, pc, c, strength, res.Value.Alternatives)
	rec.Equivalents = therapy.SortEquivalents(eqs)
	return rec, append(degraded, more...)
}

type step struct {
	kind       therapy.EquivalenceType
	confidence float64
	names      []string
}

// equivalents walks same salt, same brand and same class, then the looser
// therapeutic step only if nothing so far could be offered.
func (r *Resolver) equivalents(ctx context.Context, pc *patient.Context, c therapy.Candidate, strength string, suggested []collab.StockAlternative) ([]therapy.SubstitutionEquivalent, []*collab.DegradedInput) {
	sub, _ := r.kb.SubstitutionFor(c.GenericName)
	fromStock := make(map[therapy.EquivalenceType][]collab.StockAlternative)
	for _, alt := range suggested {
		fromStock[alt.Relation] = append(fromStock[alt.Relation], alt)
	}

	seen := map[string]bool{strings.ToLower(c.GenericName): true}
	var offered []therapy.SubstitutionEquivalent
	var degraded []*collab.DegradedInput

	run := func(s step) {
		for _, name := range s.names {
			eq, d, ok := r.consider(ctx, pc, c, s, name, strength, nil, seen)
			degraded = append(degraded, d...)
			if ok {
				offered = append(offered, eq)
			}
		}
		for i := range fromStock[s.kind] {
			alt := fromStock[s.kind][i]
			eq, d, ok := r.consider(ctx, pc, c, s, alt.Drug, strength, &alt, seen)
			degraded = append(degraded, d...)
			if ok {
				offered = append(offered, eq)
			}
		}
	}

	run(step{therapy.EquivalenceSameSalt, therapy.ConfidenceSameSalt, sub.SameSalt})
	run(step{therapy.EquivalenceSameStrength, therapy.ConfidenceSameBrand, sub.SameBrand})
	run(step{therapy.EquivalenceSameClass, therapy.ConfidenceSameClass, sub.SameClass})
	if len(offered) == 0 {
		run(step{therapy.EquivalenceTherapeutic, therapy.ConfidenceTherapeutic, sub.Therapeutic})
	}
	return offered, degraded
}

func (r *Resolver) consider(ctx context.Context, pc *patient.Context, primary therapy.Candidate, s step, name, strength string, suggested *collab.StockAlternative, seen map[string]bool) (therapy.SubstitutionEquivalent, []*collab.DegradedInput, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || seen[key] {
		return therapy.SubstitutionEquivalent{}, nil, false
	}
	seen[key] = true

	screenAs := therapy.Candidate{GenericName: name}
	if s.kind == therapy.EquivalenceSameStrength {
		screenAs = therapy.Candidate{GenericName: primary.GenericName, Brand: name}
	}
	verdict := r.engine.EvaluateVerdict(pc, screenAs)
	if !verdict.Passed {
		r.logger.Debug("equivalent withheld by screening",
			zap.String("drug", primary.GenericName),
			zap.String("equivalent", name),
			zap.Int("hard_blocks", len(verdict.HardBlocks)))
		return therapy.SubstitutionEquivalent{}, nil, false
	}

	eq := therapy.SubstitutionEquivalent{Drug: name, Type: s.kind, Confidence: s.confidence}
	for _, w := range verdict.Warnings {
		eq.ScreenNotes = append(eq.ScreenNotes, w.Message)
	}

	if suggested != nil {
		eq.Available = suggested.Available
		eq.Locations = append([]string(nil), suggested.Locations...)
		return eq, nil, true
	}

	lookupStrength := ""
	if s.kind == therapy.EquivalenceSameSalt || s.kind == therapy.EquivalenceSameStrength {
		lookupStrength = strength
	}
	res := r.calls.CheckAvailability(ctx, r.stock, name, lookupStrength)
	if res.IsDegraded() {
		return eq, []*collab.DegradedInput{res.Degraded}, true
	}
	eq.Available = res.Value.Available
	eq.Locations = res.Value.Locations()
	return eq, nil, true
}
