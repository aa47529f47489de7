// Package candidate maps free-text clinical intent to a bounded, dosed and
// ranked set of therapy candidates.
package candidate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
	"github.com/drfirst/go-rxgate/internal/knowledge"
	"github.com/drfirst/go-rxgate/internal/safety"
)

// DefaultMaxCandidates bounds a generation batch.
const DefaultMaxCandidates = 3

// Exclusion is a drug dropped before screening, with the reason.
type Exclusion struct {
	Drug     string            `json:"drug"`
	Reason   string            `json:"reason"`
	Findings []therapy.Finding `json:"findings,omitempty"`
}

// Generation is the output of one Generate call. Candidates is never nil.
type Generation struct {
	Indication        string              `json:"indication,omitempty"`
	IndicationDisplay string              `json:"indication_display,omitempty"`
	Candidates        []therapy.Candidate `json:"candidates"`
	Excluded          []Exclusion         `json:"excluded,omitempty"`
}

// Generator builds candidates from the indication, dose and allergy tables.
type Generator struct {
	kb         *knowledge.Base
	engine     *safety.Engine
	classifier *therapy.Classifier
	max        int
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxCandidates overrides DefaultMaxCandidates. Values below 1 are ignored.
func WithMaxCandidates(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.max = n
		}
	}
}

// NewGenerator creates a generator. A nil kb uses the defaults; a nil engine
// is built over kb.
func NewGenerator(kb *knowledge.Base, engine *safety.Engine, opts ...Option) *Generator {
	if kb == nil {
		kb = knowledge.Default()
	}
	if engine == nil {
		engine = safety.NewEngine(kb)
	}
	g := &Generator{kb: kb, engine: engine, classifier: kb.Classifier(), max: DefaultMaxCandidates}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MatchIntent maps text to an indication. Keywords match whole words,
// case-insensitively; the first intent in table order with a hit wins.
func (g *Generator) MatchIntent(text string) (knowledge.Indication, bool) {
	norm := normalize(text)
	if strings.TrimSpace(norm) == "" {
		return knowledge.Indication{}, false
	}
	for _, in := range g.kb.Intents {
		for _, kw := range in.Keywords {
			k := strings.TrimSpace(normalize(kw))
			if k == "" {
				continue
			}
			if strings.Contains(norm, " "+k+" ") {
				return g.kb.Indication(in.Indication)
			}
		}
	}
	return knowledge.Indication{}, false
}

// Generate returns up to the configured maximum of candidates ranked by
// descending confidence. No match or no survivors is a normal empty result.
func (g *Generator) Generate(pc *patient.Context, intentText string) Generation {
	gen := Generation{Candidates: []therapy.Candidate{}}
	ind, ok := g.MatchIntent(intentText)
	if !ok {
		return gen
	}
	gen.Indication = ind.Key
	gen.IndicationDisplay = ind.Display

	for _, opt := range union(ind) {
		if len(gen.Candidates) == g.max {
			break
		}
		rule, hasDose := g.kb.DoseFor(opt.option.Drug)

		if pc != nil {
			if blocks := g.engine.DirectAllergies(pc, opt.option.Drug, rule.Brand); len(blocks) > 0 {
				gen.Excluded = append(gen.Excluded, Exclusion{Drug: opt.option.Drug, Reason: "allergy pre-screen", Findings: blocks})
				continue
			}
		}
		if !hasDose {
			gen.Excluded = append(gen.Excluded, Exclusion{Drug: opt.option.Drug, Reason: "no dosing table entry"})
			continue
		}

		c := g.build(pc, ind, opt, rule)
		if err := c.Validate(); err != nil {
			gen.Excluded = append(gen.Excluded, Exclusion{Drug: opt.option.Drug, Reason: err.Error()})
			continue
		}
		gen.Candidates = append(gen.Candidates, c)
	}

	sort.SliceStable(gen.Candidates, func(i, j int) bool {
		return gen.Candidates[i].Confidence > gen.Candidates[j].Confidence
	})
	return gen
}

type rankedOption struct {
	option    knowledge.DrugOption
	preferred bool
}

func union(ind knowledge.Indication) []rankedOption {
	seen := make(map[string]bool)
	var out []rankedOption
	add := func(opts []knowledge.DrugOption, preferred bool) {
		for _, o := range opts {
			key := strings.ToLower(strings.TrimSpace(o.Drug))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, rankedOption{option: o, preferred: preferred})
		}
	}
	add(ind.Preferred, true)
	add(ind.Alternatives, false)
	return out
}

func (g *Generator) build(pc *patient.Context, ind knowledge.Indication, opt rankedOption, rule knowledge.DoseRule) therapy.Candidate {
	tier := "alternative"
	if opt.preferred {
		tier = "preferred"
	}
	route := rule.Route
	if route == "" {
		route = "oral"
	}
	c := therapy.Candidate{
		Indication:  ind.Key,
		DrugClass:   g.classifier.Primary(opt.option.Drug),
		GenericName: opt.option.Drug,
		Brand:       rule.Brand,
		Dose:        rule.Dose,
		Frequency:   rule.Frequency,
		Duration:    rule.Duration,
		Route:       route,
		Confidence:  opt.option.Confidence,
		Reasoning:   []string{fmt.Sprintf("%s therapy for %s", capitalize(tier), displayOf(ind))},
	}
	if pc == nil {
		return c
	}

	if w, ok := pc.WeightKg(); ok && rule.Weight != nil && w < rule.Weight.BelowKg {
		mg := math.Min(math.Round(w*rule.Weight.MgPerKg), rule.Weight.MaxMg)
		dose := fmt.Sprintf("%.0f mg", mg)
		freq := c.Frequency
		if rule.Weight.Frequency != "" {
			freq = rule.Weight.Frequency
		}
		c = c.WithReasoning(fmt.Sprintf("Weight-based dose (%.1f kg x %g mg/kg, max %.0f mg): %s %s changed to %s %s",
			w, rule.Weight.MgPerKg, rule.Weight.MaxMg, c.Dose, c.Frequency, dose, freq))
		c.Dose, c.Frequency = dose, freq
	}

	if egfr, ok := pc.EGFR(); ok && len(rule.Renal) > 0 {
		thresholds := make([]float64, len(rule.Renal))
		for i, t := range rule.Renal {
			thresholds[i] = t.Threshold
		}
		if idx := knowledge.SelectTier(thresholds, egfr); idx >= 0 {
			t := rule.Renal[idx]
			dose, freq := c.Dose, c.Frequency
			note := t.Note
			if note == "" {
				note = "renal adjustment"
			}
			if t.Dose != "" {
				if raisesDose(c.Dose, t.Dose) {
					note += fmt.Sprintf("; tier dose %s exceeds the current %s, lower dose kept", t.Dose, c.Dose)
				} else {
					dose = t.Dose
				}
			}
			if t.Frequency != "" {
				freq = t.Frequency
			}
			c = c.WithReasoning(fmt.Sprintf("Renal adjustment (eGFR %.0f below %.0f): %s %s changed to %s %s; %s",
				egfr, t.Threshold, c.Dose, c.Frequency, dose, freq, note))
			c.Dose, c.Frequency = dose, freq
		}
	}
	return c
}

// raisesDose reports whether next carries more of the leading ingredient
// than current. Doses that do not parse never count as raises.
func raisesDose(current, next string) bool {
	cur, ok := leadingMg(current)
	if !ok {
		return false
	}
	n, ok := leadingMg(next)
	return ok && n > cur
}

// leadingMg reads the first amount of a dose string such as "500 mg",
// "875/125 mg" or "3 g" in milligrams.
func leadingMg(dose string) (float64, bool) {
	fields := strings.Fields(strings.ToLower(dose))
	if len(fields) < 2 {
		return 0, false
	}
	amount, _, _ := strings.Cut(fields[0], "/")
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0, false
	}
	switch fields[1] {
	case "mg":
		return v, true
	case "g":
		return v * 1000, true
	case "mcg":
		return v / 1000, true
	}
	return 0, false
}

func displayOf(ind knowledge.Indication) string {
	if ind.Display != "" {
		return strings.ToLower(ind.Display)
	}
	return strings.ReplaceAll(ind.Key, "_", " ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// normalize lower-cases text, turns every non-alphanumeric rune into a
// space and pads both ends so whole-word lookups can use " kw ".
func normalize(text string) string {
	var b strings.Builder
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}
