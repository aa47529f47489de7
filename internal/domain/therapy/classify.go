package therapy

import "strings"

// DrugClass is a coarse pharmacological grouping used by the safety rules.
type DrugClass string

const (
	ClassPenicillin      DrugClass = "penicillin"
	ClassCephalosporin   DrugClass = "cephalosporin"
	ClassCarbapenem      DrugClass = "carbapenem"
	ClassMacrolide       DrugClass = "macrolide"
	ClassFluoroquinolone DrugClass = "fluoroquinolone"
	ClassTetracycline    DrugClass = "tetracycline"
	ClassSulfonamide     DrugClass = "sulfonamide"
	ClassNitrofuran      DrugClass = "nitrofuran"
	ClassFosfomycin      DrugClass = "fosfomycin"
	ClassLincosamide     DrugClass = "lincosamide"
	ClassNSAID           DrugClass = "nsaid"
	ClassAnalgesic       DrugClass = "analgesic"
	ClassAnticoagulant   DrugClass = "anticoagulant"
	ClassStatin          DrugClass = "statin"
	ClassACEInhibitor    DrugClass = "ace_inhibitor"
	ClassCalciumBlocker  DrugClass = "calcium_channel_blocker"
	ClassBiguanide       DrugClass = "biguanide"
	ClassBenzodiazepine  DrugClass = "benzodiazepine"
	ClassAntihistamine   DrugClass = "first_gen_antihistamine"
	ClassUnknown         DrugClass = "unclassified"
)

// ClassRule maps a class to the lower-case name fragments that identify it.
type ClassRule struct {
	Class   DrugClass `yaml:"class" json:"class"`
	Markers []string  `yaml:"markers" json:"markers"`
}

// Classifier resolves drug names to classes by substring markers. It is a
// heuristic: the marker table is the only place name matching happens, so a
// terminology lookup can replace it without touching the rules.
type Classifier struct {
	rules []ClassRule
}

// DefaultClassRules is the compiled-in marker table, in evaluation order.
func DefaultClassRules() []ClassRule {
	return []ClassRule{
		{ClassPenicillin, []string{"penicillin", "amoxicillin", "ampicillin", "piperacillin", "dicloxacillin", "nafcillin", "oxacillin", "augmentin", "amoxil"}},
		{ClassCephalosporin, []string{"cef", "ceph", "keflex"}},
		{ClassCarbapenem, []string{"penem"}},
		{ClassMacrolide, []string{"azithromycin", "clarithromycin", "erythromycin", "zithromax"}},
		{ClassFluoroquinolone, []string{"floxacin", "cipro", "levaquin"}},
		{ClassTetracycline, []string{"cycline"}},
		{ClassSulfonamide, []string{"sulfamethoxazole", "sulfasalazine", "sulfadiazine", "co-trimoxazole", "bactrim", "sulfa"}},
		{ClassNitrofuran, []string{"nitrofurantoin", "macrobid"}},
		{ClassFosfomycin, []string{"fosfomycin", "monurol"}},
		{ClassLincosamide, []string{"clindamycin", "cleocin"}},
		{ClassNSAID, []string{"ibuprofen", "naproxen", "diclofenac", "ketorolac", "celecoxib", "meloxicam", "aspirin"}},
		{ClassAnalgesic, []string{"acetaminophen", "paracetamol"}},
		{ClassAnticoagulant, []string{"warfarin", "apixaban", "rivaroxaban", "dabigatran", "heparin", "enoxaparin"}},
		{ClassStatin, []string{"simvastatin", "atorvastatin", "rosuvastatin", "pravastatin", "lovastatin"}},
		{ClassACEInhibitor, []string{"pril"}},
		{ClassCalciumBlocker, []string{"amlodipine", "nifedipine", "diltiazem", "verapamil"}},
		{ClassBiguanide, []string{"metformin"}},
		{ClassBenzodiazepine, []string{"azepam", "alprazolam", "azolam"}},
		{ClassAntihistamine, []string{"diphenhydramine", "hydroxyzine", "chlorpheniramine"}},
	}
}

// NewClassifier builds a classifier over the given rules. Markers are
// lower-cased; empty rule sets fall back to the defaults.
func NewClassifier(rules []ClassRule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultClassRules()
	}
	c := &Classifier{rules: make([]ClassRule, 0, len(rules))}
	for _, r := range rules {
		markers := make([]string, 0, len(r.Markers))
		for _, m := range r.Markers {
			if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
				markers = append(markers, m)
			}
		}
		c.rules = append(c.rules, ClassRule{Class: r.Class, Markers: markers})
	}
	return c
}

var defaultClassifier = NewClassifier(nil)

// Classify returns the classes of drugName using the default marker table.
func Classify(drugName string) []DrugClass {
	return defaultClassifier.Classify(drugName)
}

// Classify returns every class whose markers occur in drugName, in table
// order. Unknown names yield nil.
func (c *Classifier) Classify(drugName string) []DrugClass {
	name := strings.ToLower(drugName)
	if strings.TrimSpace(name) == "" {
		return nil
	}
	var out []DrugClass
	for _, r := range c.rules {
		for _, m := range r.Markers {
			if strings.Contains(name, m) {
				out = append(out, r.Class)
				break
			}
		}
	}
	return out
}

// Is reports whether drugName belongs to class.
func (c *Classifier) Is(drugName string, class DrugClass) bool {
	for _, got := range c.Classify(drugName) {
		if got == class {
			return true
		}
	}
	return false
}

// Primary returns the first class of drugName, or ClassUnknown.
func (c *Classifier) Primary(drugName string) DrugClass {
	if classes := c.Classify(drugName); len(classes) > 0 {
		return classes[0]
	}
	return ClassUnknown
}

// IsBetaLactam reports whether drugName is a penicillin, cephalosporin or carbapenem.
func (c *Classifier) IsBetaLactam(drugName string) bool {
	for _, got := range c.Classify(drugName) {
		switch got {
		case ClassPenicillin, ClassCephalosporin, ClassCarbapenem:
			return true
		}
	}
	return false
}

// MatchName is the case-insensitive substring test shared by every rule
// table that names drugs directly.
func MatchName(drugName, fragment string) bool {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return false
	}
	return strings.Contains(strings.ToLower(drugName), strings.ToLower(fragment))
}
