// Package patient holds the immutable clinical snapshot a pipeline run
// evaluates against, including the risk flags derived from it.
package patient

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/drfirst/go-rxgate/internal/domain/therapy"
)

// Sex is the administrative sex recorded for the patient.
type Sex string

const (
	SexFemale  Sex = "female"
	SexMale    Sex = "male"
	SexOther   Sex = "other"
	SexUnknown Sex = "unknown"
)

// Demographics carries age, sex and weight. A nil AgeYears and a zero
// WeightKg mean unknown.
type Demographics struct {
	AgeYears *int    `json:"age_years,omitempty" yaml:"age_years"`
	Sex      Sex     `json:"sex" yaml:"sex"`
	WeightKg float64 `json:"weight_kg,omitempty" yaml:"weight_kg"`
}

// Condition is an entry on the problem list.
type Condition struct {
	Code    string `json:"code" yaml:"code"`
	Display string `json:"display" yaml:"display"`
	Status  string `json:"status" yaml:"status"`
}

// Active reports whether the condition is currently active.
func (c Condition) Active() bool {
	switch strings.ToLower(c.Status) {
	case "", "active", "recurrence", "relapse":
		return true
	}
	return false
}

// Medication is a current medication.
type Medication struct {
	Drug      string `json:"drug" yaml:"drug"`
	Dose      string `json:"dose" yaml:"dose"`
	Frequency string `json:"frequency" yaml:"frequency"`
}

// Allergy is a recorded allergy or intolerance.
type Allergy struct {
	Substance string `json:"substance" yaml:"substance"`
	Severity  string `json:"severity" yaml:"severity"`
	Verified  bool   `json:"verified" yaml:"verified"`
}

// OrganFunction holds renal and hepatic markers. Nil means not measured.
type OrganFunction struct {
	EGFR       *float64 `json:"egfr,omitempty" yaml:"egfr"`
	CKDStage   string   `json:"ckd_stage,omitempty" yaml:"ckd_stage"`
	ALT        *float64 `json:"alt,omitempty" yaml:"alt"`
	AST        *float64 `json:"ast,omitempty" yaml:"ast"`
	Creatinine *float64 `json:"creatinine,omitempty" yaml:"creatinine"`
}

// Snapshot is the raw record a clinical source returns.
type Snapshot struct {
	PatientID    string        `json:"patient_id" yaml:"patient_id"`
	Demographics Demographics  `json:"demographics" yaml:"demographics"`
	Conditions   []Condition   `json:"conditions" yaml:"conditions"`
	Medications  []Medication  `json:"medications" yaml:"medications"`
	Allergies    []Allergy     `json:"allergies" yaml:"allergies"`
	Organ        OrganFunction `json:"organ_function" yaml:"organ_function"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Demographics.AgeYears != nil {
		age := *s.Demographics.AgeYears
		out.Demographics.AgeYears = &age
	}
	out.Conditions = append([]Condition(nil), s.Conditions...)
	out.Medications = append([]Medication(nil), s.Medications...)
	out.Allergies = append([]Allergy(nil), s.Allergies...)
	out.Organ = OrganFunction{
		EGFR:       copyFloat(s.Organ.EGFR),
		CKDStage:   s.Organ.CKDStage,
		ALT:        copyFloat(s.Organ.ALT),
		AST:        copyFloat(s.Organ.AST),
		Creatinine: copyFloat(s.Organ.Creatinine),
	}
	return out
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to v, for building OrganFunction literals.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for building Demographics literals.
func Int(v int) *int { return &v }

// Context is a read-only patient snapshot plus its derived risk flags. It is
// safe for concurrent reads; there is no way to mutate it after New.
type Context struct {
	snap       Snapshot
	flags      FlagSet
	classifier *therapy.Classifier
}

// New builds a context from snap, copying every slice and deriving flags.
func New(snap Snapshot) *Context {
	return newWithClassifier(snap, nil)
}

// NewWithClassifier is New with a custom drug classifier for flag derivation.
func NewWithClassifier(snap Snapshot, classifier *therapy.Classifier) *Context {
	return newWithClassifier(snap, classifier)
}

func newWithClassifier(snap Snapshot, classifier *therapy.Classifier) *Context {
	if classifier == nil {
		classifier = therapy.NewClassifier(nil)
	}
	s := snap.clone()
	return &Context{snap: s, flags: DeriveFlags(s, classifier), classifier: classifier}
}

// With returns a new context with edit applied to a copy of the snapshot.
// Flags are recomputed; the receiver is unchanged.
func (c *Context) With(edit func(*Snapshot)) *Context {
	s := c.snap.clone()
	if edit != nil {
		edit(&s)
	}
	return newWithClassifier(s, c.classifier)
}

// PatientID returns the source identifier.
func (c *Context) PatientID() string { return c.snap.PatientID }

// Demographics returns age, sex and weight.
func (c *Context) Demographics() Demographics { return c.snap.clone().Demographics }

// AgeYears returns the patient's age in whole years, if known.
func (c *Context) AgeYears() (int, bool) {
	if c.snap.Demographics.AgeYears == nil {
		return 0, false
	}
	return *c.snap.Demographics.AgeYears, true
}

// WeightKg returns the weight, if recorded.
func (c *Context) WeightKg() (float64, bool) {
	w := c.snap.Demographics.WeightKg
	return w, w > 0
}

// EGFR returns the estimated glomerular filtration rate, if measured.
func (c *Context) EGFR() (float64, bool) {
	if c.snap.Organ.EGFR == nil {
		return 0, false
	}
	return *c.snap.Organ.EGFR, true
}

// Organ returns a copy of the organ-function markers.
func (c *Context) Organ() OrganFunction { return c.snap.clone().Organ }

// Conditions returns a copy of the problem list.
func (c *Context) Conditions() []Condition {
	return append([]Condition(nil), c.snap.Conditions...)
}

// Medications returns a copy of the current medications.
func (c *Context) Medications() []Medication {
	return append([]Medication(nil), c.snap.Medications...)
}

// Allergies returns a copy of the allergy list.
func (c *Context) Allergies() []Allergy {
	return append([]Allergy(nil), c.snap.Allergies...)
}

// Snapshot returns a deep copy of the underlying record.
func (c *Context) Snapshot() Snapshot { return c.snap.clone() }

// Flags returns a copy of the derived risk flags.
func (c *Context) Flags() FlagSet { return c.flags.clone() }

// Has reports whether flag was derived for this patient.
func (c *Context) Has(flag RiskFlag) bool { return c.flags.Has(flag) }

type contextJSON struct {
	Snapshot
	RiskFlags []RiskFlag `json:"risk_flags"`
}

// MarshalJSON renders the snapshot with its flags for the audit record.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{Snapshot: c.snap, RiskFlags: c.flags.Sorted()})
}

// FlagSet is a set of risk flags.
type FlagSet map[RiskFlag]struct{}

// Has reports membership.
func (f FlagSet) Has(flag RiskFlag) bool {
	_, ok := f[flag]
	return ok
}

// Sorted returns the flags in lexical order.
func (f FlagSet) Sorted() []RiskFlag {
	out := make([]RiskFlag, 0, len(f))
	for flag := range f {
		out = append(out, flag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f FlagSet) clone() FlagSet {
	out := make(FlagSet, len(f))
	for k := range f {
		out[k] = struct{}{}
	}
	return out
}
