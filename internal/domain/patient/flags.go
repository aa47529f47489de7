package patient

import (
	"strings"

	"github.com/drfirst/go-rxgate/internal/domain/therapy"
)

// RiskFlag is a derived tag summarising a clinical risk.
type RiskFlag string

const (
	FlagRenalDoseAdjust       RiskFlag = "renal_dose_adjust"
	FlagSevereRenalImpairment RiskFlag = "severe_renal_impairment"
	FlagBetaLactamAllergy     RiskFlag = "beta_lactam_allergy"
	FlagSulfonamideAllergy    RiskFlag = "sulfonamide_allergy"
	FlagElderly               RiskFlag = "elderly_patient"
	FlagPediatric             RiskFlag = "pediatric_patient"
	FlagPregnancy             RiskFlag = "pregnancy"
	FlagHepaticImpairment     RiskFlag = "hepatic_impairment"
	FlagAnticoagulated        RiskFlag = "anticoagulated"
	FlagPolypharmacy          RiskFlag = "polypharmacy"
)

// Thresholds used by flag derivation.
const (
	RenalAdjustEGFR       = 60.0
	SevereRenalEGFR       = 30.0
	ElderlyAge            = 65
	AdultAge              = 18
	hepaticULN            = 40.0
	hepaticMultiple       = 3.0
	polypharmacyThreshold = 5
)

// pregnancy markers matched against condition code and display. Z33/O codes
// are ICD-10, 77386006 is the SNOMED pregnancy concept.
var pregnancyMarkers = []string{"pregnan", "gestation", "77386006", "z33", "z34"}

// DeriveFlags computes the risk flags of snap. It is the only producer of
// flags; contexts never carry hand-set flags.
func DeriveFlags(snap Snapshot, classifier *therapy.Classifier) FlagSet {
	if classifier == nil {
		classifier = therapy.NewClassifier(nil)
	}
	flags := FlagSet{}
	set := func(f RiskFlag) { flags[f] = struct{}{} }

	if egfr := snap.Organ.EGFR; egfr != nil {
		if *egfr < RenalAdjustEGFR {
			set(FlagRenalDoseAdjust)
		}
		if *egfr < SevereRenalEGFR {
			set(FlagSevereRenalImpairment)
		}
	}

	for _, a := range snap.Allergies {
		sub := strings.ToLower(a.Substance)
		if classifier.IsBetaLactam(sub) || strings.Contains(sub, "beta-lactam") || strings.Contains(sub, "beta lactam") {
			set(FlagBetaLactamAllergy)
		}
		if classifier.Is(sub, therapy.ClassSulfonamide) {
			set(FlagSulfonamideAllergy)
		}
	}

	if age := snap.Demographics.AgeYears; age != nil {
		if *age >= ElderlyAge {
			set(FlagElderly)
		}
		if *age < AdultAge {
			set(FlagPediatric)
		}
	}

	for _, c := range snap.Conditions {
		if !c.Active() {
			continue
		}
		text := strings.ToLower(c.Code + " " + c.Display)
		for _, m := range pregnancyMarkers {
			if strings.Contains(text, m) {
				set(FlagPregnancy)
				break
			}
		}
	}

	limit := hepaticULN * hepaticMultiple
	if (snap.Organ.ALT != nil && *snap.Organ.ALT > limit) || (snap.Organ.AST != nil && *snap.Organ.AST > limit) {
		set(FlagHepaticImpairment)
	}

	for _, m := range snap.Medications {
		if classifier.Is(m.Drug, therapy.ClassAnticoagulant) {
			set(FlagAnticoagulated)
			break
		}
	}
	if len(snap.Medications) >= polypharmacyThreshold {
		set(FlagPolypharmacy)
	}

	return flags
}
