package knowledge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/drfirst/go-rxgate/internal/domain/therapy"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default tables invalid: %v", err)
	}
}

func TestSelectTier(t *testing.T) {
	thresholds := []float64{60, 30}
	cases := []struct {
		egfr float64
		want int
	}{
		{90, -1},
		{60, -1},
		{59.9, 0},
		{30, 0},
		{29, 1},
		{5, 1},
	}
	for _, c := range cases {
		if got := SelectTier(thresholds, c.egfr); got != c.want {
			t.Errorf("SelectTier(%v) = %d, want %d", c.egfr, got, c.want)
		}
	}
}

func TestSelectTierPicksLowestThresholdBelow(t *testing.T) {
	thresholds := []float64{90, 60, 45, 30, 15}
	for egfr := 0.0; egfr <= 100; egfr += 2.5 {
		want := -1
		for i, th := range thresholds {
			if egfr < th {
				want = i
			}
		}
		if got := SelectTier(thresholds, egfr); got != want {
			t.Errorf("SelectTier(%v) = %d, want %d", egfr, got, want)
		}
	}
}

func TestValidateRejectsAscendingTiers(t *testing.T) {
	b := Default()
	b.Renal = append(b.Renal, RenalRule{Drug: "testdrug", Tiers: []RenalTier{
		{Threshold: 30, Action: RenalAvoid},
		{Threshold: 60, Action: RenalMonitor},
	}})
	if err := b.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
}

func TestValidateRejectsUnknownSeverity(t *testing.T) {
	b := Default()
	b.Interactions = append(b.Interactions, Interaction{Drug: "a", Interacts: []string{"b"}, Severity: "severe"})
	if err := b.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
}

func TestValidateRejectsDanglingIntent(t *testing.T) {
	b := Default()
	b.Intents = append(b.Intents, Intent{Indication: "nothing", Keywords: []string{"x"}})
	if err := b.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
}

func TestLoadOverridesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	content := `
version: site-7
indications:
  - key: otitis
    display: Acute otitis media
    preferred:
      - drug: amoxicillin
        confidence: 0.9
intents:
  - indication: otitis
    keywords: ["ear infection", "otitis"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Version != "site-7" {
		t.Errorf("version = %q", b.Version)
	}
	if _, ok := b.Indication("otitis"); !ok {
		t.Error("override indication missing")
	}
	if _, ok := b.Indication("urinary_tract_infection"); ok {
		t.Error("indications section should be replaced, not merged")
	}
	if len(b.Interactions) != len(Default().Interactions) {
		t.Error("sections absent from the file should keep defaults")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	b, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if b.Version != DefaultVersion {
		t.Errorf("version = %q", b.Version)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte(`
renal:
  - drug: x
    tiers:
      - {threshold: 30, action: stop}
`))
	if !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
}

func TestLookups(t *testing.T) {
	b := Default()

	if r, ok := b.RenalRuleFor("Trimethoprim-Sulfamethoxazole"); !ok || r.Drug != "sulfamethoxazole" {
		t.Errorf("renal rule for TMP-SMX = %+v, %v", r, ok)
	}
	if r, ok := b.RenalRuleFor("naproxen"); !ok || r.Class != therapy.ClassNSAID {
		t.Errorf("renal rule for naproxen = %+v, %v", r, ok)
	}
	if _, ok := b.RenalRuleFor("azithromycin"); ok {
		t.Error("azithromycin has no renal rule")
	}

	d, ok := b.DoseFor("amoxicillin-clavulanate")
	if !ok || d.Brand != "Augmentin" {
		t.Errorf("dose lookup matched %+v", d)
	}
	if _, ok := b.SubstitutionFor("AMOXICILLIN"); !ok {
		t.Error("substitution lookup should ignore case")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := Default()
	c := b.Clone()
	c.Indications = c.Indications[:1]
	c.Classes = nil
	if len(b.Indications) == 1 {
		t.Error("clone shares indication slice header")
	}
	if c.Classifier().Primary("amoxicillin") != therapy.ClassPenicillin {
		t.Error("clone with empty classes should fall back to default markers")
	}
}
