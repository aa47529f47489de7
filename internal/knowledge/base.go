// Package knowledge holds the static clinical rule tables the safety engine,
// candidate generator and availability resolver read. Tables ship compiled
// in and can be replaced from a YAML file.
package knowledge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-rxgate/internal/domain/therapy"
)

// ErrInvalidTable is returned when a rule table fails validation.
var ErrInvalidTable = errors.New("invalid knowledge table")

// RenalAction is what a renal tier asks for.
type RenalAction string

const (
	RenalAvoid   RenalAction = "avoid"
	RenalReduce  RenalAction = "reduce"
	RenalMonitor RenalAction = "monitor"
)

// CrossReactivity lists drugs that share reactivity with an allergen.
type CrossReactivity struct {
	Allergen string   `yaml:"allergen"`
	Members  []string `yaml:"members"`
	Note     string   `yaml:"note"`
}

// Interaction is one row of the drug interaction table.
type Interaction struct {
	Drug           string           `yaml:"drug"`
	Interacts      []string         `yaml:"interacts"`
	Severity       therapy.Severity `yaml:"severity"`
	Reason         string           `yaml:"reason"`
	Recommendation string           `yaml:"recommendation"`
}

// RenalTier is one eGFR band. Tiers of a rule are declared in strictly
// descending Threshold order; a tier covers eGFR values below its Threshold
// and at or above the next tier's Threshold.
type RenalTier struct {
	Threshold float64     `yaml:"threshold"`
	Action    RenalAction `yaml:"action"`
	Note      string      `yaml:"note"`
}

// RenalRule is the renal staging for one drug (by name fragment) or class.
type RenalRule struct {
	Drug  string            `yaml:"drug"`
	Class therapy.DrugClass `yaml:"class"`
	Tiers []RenalTier       `yaml:"tiers"`
}

// DrugNote pairs a drug name fragment with a clinical reason.
type DrugNote struct {
	Drug   string `yaml:"drug"`
	Reason string `yaml:"reason"`
}

// Intent maps free-text keywords to an indication key.
type Intent struct {
	Indication string   `yaml:"indication"`
	Keywords   []string `yaml:"keywords"`
}

// DrugOption is a drug offered for an indication with its prior confidence.
type DrugOption struct {
	Drug       string  `yaml:"drug"`
	Confidence float64 `yaml:"confidence"`
}

// Indication lists preferred then alternative drugs for one indication.
type Indication struct {
	Key          string       `yaml:"key"`
	Display      string       `yaml:"display"`
	Preferred    []DrugOption `yaml:"preferred"`
	Alternatives []DrugOption `yaml:"alternatives"`
}

// DoseTier overrides the base dose below an eGFR threshold. Tiers follow the
// same descending band layout as RenalTier.
type DoseTier struct {
	Threshold float64 `yaml:"threshold"`
	Dose      string  `yaml:"dose"`
	Frequency string  `yaml:"frequency"`
	Note      string  `yaml:"note"`
}

// WeightDose switches to mg/kg dosing for patients lighter than BelowKg.
type WeightDose struct {
	BelowKg   float64 `yaml:"below_kg"`
	MgPerKg   float64 `yaml:"mg_per_kg"`
	MaxMg     float64 `yaml:"max_mg"`
	Frequency string  `yaml:"frequency"`
}

// DoseRule is the base regimen for one drug.
type DoseRule struct {
	Drug      string      `yaml:"drug"`
	Brand     string      `yaml:"brand"`
	Dose      string      `yaml:"dose"`
	Frequency string      `yaml:"frequency"`
	Duration  string      `yaml:"duration"`
	Route     string      `yaml:"route"`
	Renal     []DoseTier  `yaml:"renal"`
	Weight    *WeightDose `yaml:"weight"`
}

// Substitution lists known equivalents for one drug by relationship.
type Substitution struct {
	Drug        string   `yaml:"drug"`
	SameSalt    []string `yaml:"same_salt"`
	SameBrand   []string `yaml:"same_brand"`
	SameClass   []string `yaml:"same_class"`
	Therapeutic []string `yaml:"therapeutic"`
}

// Base is the full set of rule tables.
type Base struct {
	Version         string              `yaml:"version"`
	Classes         []therapy.ClassRule `yaml:"classes"`
	CrossReactivity []CrossReactivity   `yaml:"cross_reactivity"`
	Interactions    []Interaction       `yaml:"interactions"`
	Renal           []RenalRule         `yaml:"renal"`
	Pregnancy       []DrugNote          `yaml:"pregnancy_contraindicated"`
	Beers           []DrugNote          `yaml:"beers"`
	Hepatotoxic     []DrugNote          `yaml:"hepatotoxic"`
	Intents         []Intent            `yaml:"intents"`
	Indications     []Indication        `yaml:"indications"`
	Doses           []DoseRule          `yaml:"doses"`
	Substitutions   []Substitution      `yaml:"substitutions"`

	classifier *therapy.Classifier
}

// Load reads a YAML rule file. An empty path returns the defaults. Sections
// missing from the file keep their default values.
func Load(path string) (*Base, error) {
	if path == "" {
		return Default(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	return Parse(content)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(content []byte) (*Base, error) {
	var override Base
	if err := yaml.Unmarshal(content, &override); err != nil {
		return nil, fmt.Errorf("parse knowledge file: %w", err)
	}
	b := Default()
	b.merge(&override)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Base) merge(o *Base) {
	if o.Version != "" {
		b.Version = o.Version
	}
	if len(o.Classes) > 0 {
		b.Classes = o.Classes
	}
	if len(o.CrossReactivity) > 0 {
		b.CrossReactivity = o.CrossReactivity
	}
	if len(o.Interactions) > 0 {
		b.Interactions = o.Interactions
	}
	if len(o.Renal) > 0 {
		b.Renal = o.Renal
	}
	if len(o.Pregnancy) > 0 {
		b.Pregnancy = o.Pregnancy
	}
	if len(o.Beers) > 0 {
		b.Beers = o.Beers
	}
	if len(o.Hepatotoxic) > 0 {
		b.Hepatotoxic = o.Hepatotoxic
	}
	if len(o.Intents) > 0 {
		b.Intents = o.Intents
	}
	if len(o.Indications) > 0 {
		b.Indications = o.Indications
	}
	if len(o.Doses) > 0 {
		b.Doses = o.Doses
	}
	if len(o.Substitutions) > 0 {
		b.Substitutions = o.Substitutions
	}
	b.classifier = nil
}

// Classifier returns the drug classifier built from the class table.
func (b *Base) Classifier() *therapy.Classifier {
	if b.classifier == nil {
		b.classifier = therapy.NewClassifier(b.Classes)
	}
	return b.classifier
}

// Validate checks table shape: known severities and actions, strictly
// descending tiers, confidences in [0,1], intents pointing at indications.
func (b *Base) Validate() error {
	for _, in := range b.Interactions {
		if in.Severity != therapy.SeverityHardBlock && in.Severity != therapy.SeverityWarning {
			return fmt.Errorf("%w: interaction %s has severity %q", ErrInvalidTable, in.Drug, in.Severity)
		}
		if strings.TrimSpace(in.Drug) == "" || len(in.Interacts) == 0 {
			return fmt.Errorf("%w: interaction row needs a drug and interactors", ErrInvalidTable)
		}
	}
	for _, r := range b.Renal {
		if r.Drug == "" && r.Class == "" {
			return fmt.Errorf("%w: renal rule without drug or class", ErrInvalidTable)
		}
		for i, t := range r.Tiers {
			switch t.Action {
			case RenalAvoid, RenalReduce, RenalMonitor:
			default:
				return fmt.Errorf("%w: renal rule %s%s has action %q", ErrInvalidTable, r.Drug, r.Class, t.Action)
			}
			if i > 0 && t.Threshold >= r.Tiers[i-1].Threshold {
				return fmt.Errorf("%w: renal rule %s%s tiers not strictly descending", ErrInvalidTable, r.Drug, r.Class)
			}
			if i > 0 && r.Tiers[i-1].Action == RenalAvoid && t.Action != RenalAvoid {
				return fmt.Errorf("%w: renal rule %s%s relaxes below an avoid tier", ErrInvalidTable, r.Drug, r.Class)
			}
		}
	}
	for _, d := range b.Doses {
		if strings.TrimSpace(d.Drug) == "" {
			return fmt.Errorf("%w: dose rule without drug", ErrInvalidTable)
		}
		for i, t := range d.Renal {
			if i > 0 && t.Threshold >= d.Renal[i-1].Threshold {
				return fmt.Errorf("%w: dose rule %s renal tiers not strictly descending", ErrInvalidTable, d.Drug)
			}
		}
		if w := d.Weight; w != nil && (w.BelowKg <= 0 || w.MgPerKg <= 0 || w.MaxMg <= 0) {
			return fmt.Errorf("%w: dose rule %s has incomplete weight dosing", ErrInvalidTable, d.Drug)
		}
	}
	keys := make(map[string]bool, len(b.Indications))
	for _, ind := range b.Indications {
		if ind.Key == "" {
			return fmt.Errorf("%w: indication without key", ErrInvalidTable)
		}
		keys[ind.Key] = true
		for _, opt := range append(append([]DrugOption(nil), ind.Preferred...), ind.Alternatives...) {
			if opt.Confidence < 0 || opt.Confidence > 1 {
				return fmt.Errorf("%w: %s/%s confidence %.2f outside [0,1]", ErrInvalidTable, ind.Key, opt.Drug, opt.Confidence)
			}
		}
	}
	for _, in := range b.Intents {
		if !keys[in.Indication] {
			return fmt.Errorf("%w: intent refers to unknown indication %q", ErrInvalidTable, in.Indication)
		}
	}
	return nil
}

// Indication returns the indication with key.
func (b *Base) Indication(key string) (Indication, bool) {
	for _, ind := range b.Indications {
		if ind.Key == key {
			return ind, true
		}
	}
	return Indication{}, false
}

// RenalRuleFor returns the first renal rule whose drug fragment or class
// matches drug.
func (b *Base) RenalRuleFor(drug string) (RenalRule, bool) {
	for _, r := range b.Renal {
		if r.Drug != "" && therapy.MatchName(drug, r.Drug) {
			return r, true
		}
		if r.Class != "" && b.Classifier().Is(drug, r.Class) {
			return r, true
		}
	}
	return RenalRule{}, false
}

// DoseFor returns the dose rule for drug. Exact names win over fragments so
// that "amoxicillin-clavulanate" does not pick up the amoxicillin row.
func (b *Base) DoseFor(drug string) (DoseRule, bool) {
	for _, d := range b.Doses {
		if strings.EqualFold(d.Drug, drug) {
			return d, true
		}
	}
	return DoseRule{}, false
}

// SubstitutionFor returns the substitution row for drug.
func (b *Base) SubstitutionFor(drug string) (Substitution, bool) {
	for _, s := range b.Substitutions {
		if strings.EqualFold(s.Drug, drug) {
			return s, true
		}
	}
	return Substitution{}, false
}

// Clone returns a deep-enough copy for tests and overrides to edit.
func (b *Base) Clone() *Base {
	out := *b
	out.Classes = append([]therapy.ClassRule(nil), b.Classes...)
	out.CrossReactivity = append([]CrossReactivity(nil), b.CrossReactivity...)
	out.Interactions = append([]Interaction(nil), b.Interactions...)
	out.Renal = append([]RenalRule(nil), b.Renal...)
	out.Pregnancy = append([]DrugNote(nil), b.Pregnancy...)
	out.Beers = append([]DrugNote(nil), b.Beers...)
	out.Hepatotoxic = append([]DrugNote(nil), b.Hepatotoxic...)
	out.Intents = append([]Intent(nil), b.Intents...)
	out.Indications = append([]Indication(nil), b.Indications...)
	out.Doses = append([]DoseRule(nil), b.Doses...)
	out.Substitutions = append([]Substitution(nil), b.Substitutions...)
	out.classifier = nil
	return &out
}

// SelectTier returns the index of the single tier whose band contains egfr,
// walking thresholds in their declared descending order. It returns -1 when
// egfr is at or above every threshold. The band contract is equivalent to
// choosing the lowest threshold that egfr falls below, so the most severe
// applicable tier wins rather than the first one exceeding egfr.
func SelectTier(thresholds []float64, egfr float64) int {
	for i, t := range thresholds {
		if egfr >= t {
			continue
		}
		if i+1 == len(thresholds) || egfr >= thresholds[i+1] {
			return i
		}
	}
	return -1
}
