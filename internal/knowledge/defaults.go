package knowledge

import "github.com/drfirst/go-rxgate/internal/domain/therapy"

// DefaultVersion labels the compiled-in tables in audit records.
const DefaultVersion = "builtin-2024.1"

var (
	penicillins   = []string{"penicillin", "amoxicillin", "ampicillin", "piperacillin", "dicloxacillin", "nafcillin", "oxacillin", "augmentin"}
	cephalosporin = []string{"cephalexin", "cefuroxime", "ceftriaxone", "cefdinir", "cefazolin", "cefpodoxime", "keflex"}
	sulfonamides  = []string{"sulfamethoxazole", "sulfasalazine", "sulfadiazine", "bactrim"}
	macrolides    = []string{"azithromycin", "clarithromycin", "erythromycin"}
	nsaids        = []string{"ibuprofen", "naproxen", "diclofenac", "ketorolac", "celecoxib", "meloxicam", "aspirin"}
	quinolones    = []string{"ciprofloxacin", "levofloxacin", "moxifloxacin", "ofloxacin"}
)

// Default returns a fresh copy of the compiled-in tables.
func Default() *Base {
	return &Base{
		Version: DefaultVersion,
		Classes: therapy.DefaultClassRules(),
		CrossReactivity: []CrossReactivity{
			{Allergen: "penicillin", Members: penicillins, Note: "penicillin-class cross-reactivity"},
			{Allergen: "amoxicillin", Members: penicillins, Note: "penicillin-class cross-reactivity"},
			{Allergen: "ampicillin", Members: penicillins, Note: "penicillin-class cross-reactivity"},
			{Allergen: "cephalosporin", Members: cephalosporin, Note: "cephalosporin-class cross-reactivity"},
			{Allergen: "sulfa", Members: sulfonamides, Note: "sulfonamide antibiotic cross-reactivity"},
			{Allergen: "macrolide", Members: macrolides, Note: "macrolide-class cross-reactivity"},
			{Allergen: "nsaid", Members: nsaids, Note: "NSAID cross-sensitivity"},
			{Allergen: "aspirin", Members: nsaids, Note: "aspirin-exacerbated NSAID sensitivity"},
			{Allergen: "fluoroquinolone", Members: quinolones, Note: "fluoroquinolone-class cross-reactivity"},
			{Allergen: "quinolone", Members: quinolones, Note: "fluoroquinolone-class cross-reactivity"},
		},
		Interactions: []Interaction{
			{Drug: "warfarin", Interacts: nsaids, Severity: therapy.SeverityHardBlock,
				Reason: "concomitant NSAID use substantially raises major bleeding risk", Recommendation: "Use acetaminophen for analgesia"},
			{Drug: "warfarin", Interacts: []string{"ciprofloxacin", "levofloxacin", "moxifloxacin", "sulfamethoxazole", "metronidazole", "fluconazole", "clarithromycin", "erythromycin", "azithromycin"}, Severity: therapy.SeverityWarning,
				Reason: "potentiates the anticoagulant effect", Recommendation: "Check INR within 3-5 days of starting"},
			{Drug: "apixaban", Interacts: []string{"clarithromycin", "ketoconazole", "itraconazole"}, Severity: therapy.SeverityWarning,
				Reason: "CYP3A4 and P-gp inhibition raises apixaban exposure", Recommendation: "Monitor for bleeding"},
			{Drug: "rivaroxaban", Interacts: nsaids, Severity: therapy.SeverityWarning,
				Reason: "additive bleeding risk", Recommendation: "Prefer acetaminophen; limit NSAID duration"},
			{Drug: "simvastatin", Interacts: []string{"clarithromycin", "erythromycin", "itraconazole", "ketoconazole"}, Severity: therapy.SeverityHardBlock,
				Reason: "strong CYP3A4 inhibition; rhabdomyolysis risk", Recommendation: "Choose azithromycin or hold simvastatin during the course"},
			{Drug: "atorvastatin", Interacts: []string{"clarithromycin"}, Severity: therapy.SeverityWarning,
				Reason: "raised statin exposure", Recommendation: "Limit atorvastatin to 20 mg during the course"},
			{Drug: "methotrexate", Interacts: []string{"sulfamethoxazole", "trimethoprim"}, Severity: therapy.SeverityHardBlock,
				Reason: "additive antifolate toxicity; pancytopenia risk", Recommendation: "Select a non-antifolate antibiotic"},
			{Drug: "methotrexate", Interacts: []string{"ibuprofen", "naproxen", "diclofenac"}, Severity: therapy.SeverityWarning,
				Reason: "reduced methotrexate clearance", Recommendation: "Monitor blood counts and renal function"},
			{Drug: "lisinopril", Interacts: []string{"spironolactone", "potassium chloride", "trimethoprim"}, Severity: therapy.SeverityWarning,
				Reason: "hyperkalaemia risk", Recommendation: "Check potassium within one week"},
			{Drug: "lisinopril", Interacts: []string{"ibuprofen", "naproxen", "diclofenac", "celecoxib"}, Severity: therapy.SeverityWarning,
				Reason: "NSAIDs blunt the antihypertensive effect and raise acute kidney injury risk", Recommendation: "Prefer acetaminophen"},
			{Drug: "amiodarone", Interacts: []string{"azithromycin", "clarithromycin", "levofloxacin", "ciprofloxacin", "moxifloxacin"}, Severity: therapy.SeverityHardBlock,
				Reason: "additive QT prolongation", Recommendation: "Choose an agent without QT liability"},
			{Drug: "citalopram", Interacts: []string{"azithromycin", "levofloxacin", "ciprofloxacin"}, Severity: therapy.SeverityWarning,
				Reason: "additive QT prolongation", Recommendation: "Obtain a baseline ECG"},
			{Drug: "sildenafil", Interacts: []string{"nitroglycerin", "isosorbide"}, Severity: therapy.SeverityHardBlock,
				Reason: "profound hypotension", Recommendation: "Do not co-prescribe nitrates"},
			{Drug: "tizanidine", Interacts: []string{"ciprofloxacin"}, Severity: therapy.SeverityHardBlock,
				Reason: "CYP1A2 inhibition causes severe hypotension and sedation", Recommendation: "Choose a non-quinolone antibiotic"},
			{Drug: "theophylline", Interacts: []string{"ciprofloxacin", "clarithromycin"}, Severity: therapy.SeverityWarning,
				Reason: "raised theophylline levels", Recommendation: "Monitor theophylline levels"},
			{Drug: "lithium", Interacts: []string{"ibuprofen", "naproxen", "lisinopril", "hydrochlorothiazide"}, Severity: therapy.SeverityWarning,
				Reason: "raised lithium levels", Recommendation: "Monitor lithium levels"},
			{Drug: "clopidogrel", Interacts: []string{"omeprazole"}, Severity: therapy.SeverityWarning,
				Reason: "reduced clopidogrel activation", Recommendation: "Prefer pantoprazole"},
		},
		Renal: []RenalRule{
			{Drug: "nitrofurantoin", Tiers: []RenalTier{
				{Threshold: 60, Action: RenalMonitor, Note: "reduced urinary concentration; monitor clinical response"},
				{Threshold: 30, Action: RenalAvoid, Note: "contraindicated when eGFR is below 30"},
			}},
			{Drug: "sulfamethoxazole", Tiers: []RenalTier{
				{Threshold: 30, Action: RenalReduce, Note: "halve the dose for eGFR 15-30"},
				{Threshold: 15, Action: RenalAvoid, Note: "avoid when eGFR is below 15"},
			}},
			{Drug: "metformin", Tiers: []RenalTier{
				{Threshold: 45, Action: RenalReduce, Note: "do not exceed 1000 mg/day for eGFR 30-45"},
				{Threshold: 30, Action: RenalAvoid, Note: "contraindicated when eGFR is below 30"},
			}},
			{Drug: "sitagliptin", Tiers: []RenalTier{
				{Threshold: 45, Action: RenalReduce, Note: "reduce to 50 mg daily for eGFR 30-45"},
				{Threshold: 30, Action: RenalReduce, Note: "reduce to 25 mg daily for eGFR below 30"},
			}},
			{Drug: "dabigatran", Tiers: []RenalTier{
				{Threshold: 50, Action: RenalMonitor, Note: "monitor renal function and bleeding"},
				{Threshold: 30, Action: RenalAvoid, Note: "avoid when eGFR is below 30"},
			}},
			{Drug: "levofloxacin", Tiers: []RenalTier{
				{Threshold: 50, Action: RenalReduce, Note: "extend the interval to every 48 hours for eGFR below 50"},
			}},
			{Drug: "ciprofloxacin", Tiers: []RenalTier{
				{Threshold: 30, Action: RenalReduce, Note: "reduce to 250 mg every 12 hours for eGFR below 30"},
			}},
			{Drug: "amoxicillin", Tiers: []RenalTier{
				{Threshold: 30, Action: RenalReduce, Note: "extend the interval to every 12 hours for eGFR below 30"},
			}},
			{Drug: "cephalexin", Tiers: []RenalTier{
				{Threshold: 30, Action: RenalReduce, Note: "extend the interval to every 12 hours for eGFR below 30"},
			}},
			{Drug: "clarithromycin", Tiers: []RenalTier{
				{Threshold: 30, Action: RenalReduce, Note: "halve the dose for eGFR below 30"},
			}},
			{Drug: "lisinopril", Tiers: []RenalTier{
				{Threshold: 30, Action: RenalMonitor, Note: "start low; monitor potassium and creatinine"},
			}},
			{Drug: "enoxaparin", Tiers: []RenalTier{
				{Threshold: 30, Action: RenalReduce, Note: "reduce to once daily for eGFR below 30"},
			}},
			{Class: therapy.ClassNSAID, Tiers: []RenalTier{
				{Threshold: 60, Action: RenalMonitor, Note: "NSAIDs reduce renal perfusion; monitor renal function"},
				{Threshold: 30, Action: RenalAvoid, Note: "avoid NSAIDs when eGFR is below 30"},
			}},
		},
		Pregnancy: []DrugNote{
			{Drug: "warfarin", Reason: "teratogenic (warfarin embryopathy)"},
			{Drug: "cycline", Reason: "tetracyclines impair fetal bone and tooth development"},
			{Drug: "floxacin", Reason: "fluoroquinolones are avoided in pregnancy"},
			{Drug: "pril", Reason: "ACE inhibitors cause fetal renal toxicity"},
			{Drug: "losartan", Reason: "angiotensin receptor blockers cause fetal renal toxicity"},
			{Drug: "vastatin", Reason: "statins are contraindicated in pregnancy"},
			{Drug: "methotrexate", Reason: "abortifacient and teratogenic"},
			{Drug: "isotretinoin", Reason: "severe teratogen"},
			{Drug: "valpro", Reason: "neural tube defects"},
		},
		Beers: []DrugNote{
			{Drug: "diphenhydramine", Reason: "strongly anticholinergic; confusion and falls"},
			{Drug: "hydroxyzine", Reason: "strongly anticholinergic; confusion and falls"},
			{Drug: "azepam", Reason: "benzodiazepines raise fall and fracture risk"},
			{Drug: "alprazolam", Reason: "benzodiazepines raise fall and fracture risk"},
			{Drug: "zolpidem", Reason: "delirium, falls and fractures"},
			{Drug: "glyburide", Reason: "prolonged hypoglycaemia"},
			{Drug: "amitriptyline", Reason: "strongly anticholinergic; orthostatic hypotension"},
			{Drug: "nitrofurantoin", Reason: "pulmonary toxicity with long-term use; poor efficacy at low clearance"},
			{Drug: "ibuprofen", Reason: "GI bleeding and renal injury with regular use"},
			{Drug: "naproxen", Reason: "GI bleeding and renal injury with regular use"},
			{Drug: "ketorolac", Reason: "GI bleeding and renal injury"},
		},
		Hepatotoxic: []DrugNote{
			{Drug: "acetaminophen", Reason: "limit to 2 g/day"},
			{Drug: "amoxicillin-clavulanate", Reason: "cholestatic hepatitis"},
			{Drug: "vastatin", Reason: "transaminase elevation"},
			{Drug: "methotrexate", Reason: "hepatic fibrosis"},
			{Drug: "ketoconazole", Reason: "idiosyncratic hepatotoxicity"},
			{Drug: "isoniazid", Reason: "drug-induced hepatitis"},
			{Drug: "nitrofurantoin", Reason: "chronic hepatitis with prolonged use"},
		},
		Intents: []Intent{
			{Indication: "respiratory_infection", Keywords: []string{"respiratory infection", "respiratory tract infection", "pneumonia", "bronchitis", "sinusitis", "chest infection"}},
			{Indication: "urinary_tract_infection", Keywords: []string{"urinary tract infection", "uti", "cystitis", "bladder infection"}},
			{Indication: "streptococcal_pharyngitis", Keywords: []string{"strep throat", "pharyngitis", "tonsillitis"}},
			{Indication: "skin_infection", Keywords: []string{"skin infection", "cellulitis", "impetigo", "abscess"}},
			{Indication: "pain", Keywords: []string{"pain", "arthritis", "headache", "sprain"}},
			{Indication: "hypertension", Keywords: []string{"hypertension", "high blood pressure"}},
			{Indication: "type2_diabetes", Keywords: []string{"type 2 diabetes", "diabetes", "hyperglycemia"}},
		},
		Indications: []Indication{
			{Key: "respiratory_infection", Display: "Bacterial respiratory tract infection",
				Preferred:    []DrugOption{{"amoxicillin", 0.92}, {"amoxicillin-clavulanate", 0.88}},
				Alternatives: []DrugOption{{"azithromycin", 0.82}, {"doxycycline", 0.78}, {"levofloxacin", 0.70}}},
			{Key: "urinary_tract_infection", Display: "Uncomplicated urinary tract infection",
				Preferred:    []DrugOption{{"nitrofurantoin", 0.90}, {"trimethoprim-sulfamethoxazole", 0.85}},
				Alternatives: []DrugOption{{"fosfomycin", 0.80}, {"cephalexin", 0.72}, {"ciprofloxacin", 0.65}}},
			{Key: "streptococcal_pharyngitis", Display: "Streptococcal pharyngitis",
				Preferred:    []DrugOption{{"amoxicillin", 0.90}, {"penicillin v potassium", 0.88}},
				Alternatives: []DrugOption{{"cephalexin", 0.80}, {"azithromycin", 0.74}, {"clindamycin", 0.70}}},
			{Key: "skin_infection", Display: "Skin and soft tissue infection",
				Preferred:    []DrugOption{{"cephalexin", 0.88}, {"dicloxacillin", 0.84}},
				Alternatives: []DrugOption{{"clindamycin", 0.78}, {"doxycycline", 0.74}, {"trimethoprim-sulfamethoxazole", 0.70}}},
			{Key: "pain", Display: "Mild to moderate pain",
				Preferred:    []DrugOption{{"acetaminophen", 0.90}, {"ibuprofen", 0.85}},
				Alternatives: []DrugOption{{"naproxen", 0.80}, {"celecoxib", 0.70}}},
			{Key: "hypertension", Display: "Essential hypertension",
				Preferred:    []DrugOption{{"lisinopril", 0.88}, {"amlodipine", 0.85}},
				Alternatives: []DrugOption{{"hydrochlorothiazide", 0.78}}},
			{Key: "type2_diabetes", Display: "Type 2 diabetes mellitus",
				Preferred:    []DrugOption{{"metformin", 0.90}},
				Alternatives: []DrugOption{{"sitagliptin", 0.75}, {"empagliflozin", 0.72}}},
		},
		Doses: []DoseRule{
			{Drug: "amoxicillin", Brand: "Amoxil", Dose: "500 mg", Frequency: "every 8 hours", Duration: "7 days", Route: "oral",
				Renal:  []DoseTier{{Threshold: 30, Dose: "500 mg", Frequency: "every 12 hours", Note: "interval extended for eGFR below 30"}},
				Weight: &WeightDose{BelowKg: 40, MgPerKg: 25, MaxMg: 500, Frequency: "every 12 hours"}},
			{Drug: "amoxicillin-clavulanate", Brand: "Augmentin", Dose: "875/125 mg", Frequency: "every 12 hours", Duration: "7 days", Route: "oral",
				Renal: []DoseTier{{Threshold: 30, Dose: "500/125 mg", Frequency: "every 12 hours", Note: "875 mg tablet avoided for eGFR below 30"}}},
			{Drug: "azithromycin", Brand: "Zithromax", Dose: "500 mg", Frequency: "once daily", Duration: "3 days", Route: "oral",
				Weight: &WeightDose{BelowKg: 40, MgPerKg: 10, MaxMg: 500, Frequency: "once daily"}},
			{Drug: "doxycycline", Brand: "Vibramycin", Dose: "100 mg", Frequency: "every 12 hours", Duration: "7 days", Route: "oral"},
			{Drug: "levofloxacin", Brand: "Levaquin", Dose: "750 mg", Frequency: "once daily", Duration: "5 days", Route: "oral",
				Renal: []DoseTier{{Threshold: 50, Dose: "750 mg", Frequency: "every 48 hours", Note: "interval extended for eGFR below 50"}}},
			{Drug: "nitrofurantoin", Brand: "Macrobid", Dose: "100 mg", Frequency: "every 12 hours", Duration: "5 days", Route: "oral"},
			{Drug: "trimethoprim-sulfamethoxazole", Brand: "Bactrim DS", Dose: "800/160 mg", Frequency: "every 12 hours", Duration: "3 days", Route: "oral",
				Renal: []DoseTier{{Threshold: 30, Dose: "400/80 mg", Frequency: "every 12 hours", Note: "dose halved for eGFR 15-30"}}},
			{Drug: "fosfomycin", Brand: "Monurol", Dose: "3 g", Frequency: "single dose", Duration: "1 day", Route: "oral"},
			{Drug: "cephalexin", Brand: "Keflex", Dose: "500 mg", Frequency: "every 6 hours", Duration: "7 days", Route: "oral",
				Renal:  []DoseTier{{Threshold: 30, Dose: "500 mg", Frequency: "every 12 hours", Note: "interval extended for eGFR below 30"}},
				Weight: &WeightDose{BelowKg: 40, MgPerKg: 25, MaxMg: 500, Frequency: "every 12 hours"}},
			{Drug: "ciprofloxacin", Brand: "Cipro", Dose: "500 mg", Frequency: "every 12 hours", Duration: "3 days", Route: "oral",
				Renal: []DoseTier{{Threshold: 30, Dose: "250 mg", Frequency: "every 12 hours", Note: "dose reduced for eGFR below 30"}}},
			{Drug: "penicillin v potassium", Brand: "Veetids", Dose: "500 mg", Frequency: "every 12 hours", Duration: "10 days", Route: "oral"},
			{Drug: "clindamycin", Brand: "Cleocin", Dose: "300 mg", Frequency: "every 8 hours", Duration: "7 days", Route: "oral"},
			{Drug: "dicloxacillin", Dose: "500 mg", Frequency: "every 6 hours", Duration: "7 days", Route: "oral"},
			{Drug: "acetaminophen", Brand: "Tylenol", Dose: "1000 mg", Frequency: "every 8 hours as needed", Duration: "5 days", Route: "oral",
				Weight: &WeightDose{BelowKg: 40, MgPerKg: 15, MaxMg: 1000, Frequency: "every 6 hours as needed"}},
			{Drug: "ibuprofen", Brand: "Advil", Dose: "400 mg", Frequency: "every 8 hours as needed", Duration: "5 days", Route: "oral",
				Weight: &WeightDose{BelowKg: 40, MgPerKg: 10, MaxMg: 400, Frequency: "every 8 hours as needed"}},
			{Drug: "naproxen", Brand: "Aleve", Dose: "500 mg", Frequency: "every 12 hours", Duration: "5 days", Route: "oral"},
			{Drug: "celecoxib", Brand: "Celebrex", Dose: "200 mg", Frequency: "once daily", Duration: "5 days", Route: "oral"},
			{Drug: "lisinopril", Brand: "Zestril", Dose: "10 mg", Frequency: "once daily", Duration: "ongoing", Route: "oral",
				Renal: []DoseTier{{Threshold: 30, Dose: "5 mg", Frequency: "once daily", Note: "starting dose reduced for eGFR below 30"}}},
			{Drug: "amlodipine", Brand: "Norvasc", Dose: "5 mg", Frequency: "once daily", Duration: "ongoing", Route: "oral"},
			{Drug: "hydrochlorothiazide", Dose: "25 mg", Frequency: "once daily", Duration: "ongoing", Route: "oral"},
			{Drug: "metformin", Brand: "Glucophage", Dose: "500 mg", Frequency: "twice daily", Duration: "ongoing", Route: "oral",
				Renal: []DoseTier{{Threshold: 45, Dose: "500 mg", Frequency: "once daily", Note: "daily dose capped for eGFR 30-45"}}},
			{Drug: "sitagliptin", Brand: "Januvia", Dose: "100 mg", Frequency: "once daily", Duration: "ongoing", Route: "oral",
				Renal: []DoseTier{
					{Threshold: 45, Dose: "50 mg", Frequency: "once daily", Note: "dose reduced for eGFR 30-45"},
					{Threshold: 30, Dose: "25 mg", Frequency: "once daily", Note: "dose reduced for eGFR below 30"},
				}},
			{Drug: "empagliflozin", Brand: "Jardiance", Dose: "10 mg", Frequency: "once daily", Duration: "ongoing", Route: "oral"},
		},
		Substitutions: []Substitution{
			{Drug: "amoxicillin", SameSalt: []string{"amoxicillin trihydrate"}, SameBrand: []string{"Amoxil"}, SameClass: []string{"ampicillin"}, Therapeutic: []string{"cephalexin"}},
			{Drug: "amoxicillin-clavulanate", SameBrand: []string{"Augmentin"}, SameClass: []string{"amoxicillin"}},
			{Drug: "azithromycin", SameSalt: []string{"azithromycin dihydrate"}, SameBrand: []string{"Zithromax"}, SameClass: []string{"clarithromycin"}, Therapeutic: []string{"doxycycline"}},
			{Drug: "doxycycline", SameSalt: []string{"doxycycline hyclate", "doxycycline monohydrate"}, SameClass: []string{"minocycline"}},
			{Drug: "levofloxacin", SameBrand: []string{"Levaquin"}, SameClass: []string{"moxifloxacin"}},
			{Drug: "nitrofurantoin", SameSalt: []string{"nitrofurantoin macrocrystals"}, SameBrand: []string{"Macrobid"}, Therapeutic: []string{"fosfomycin"}},
			{Drug: "trimethoprim-sulfamethoxazole", SameBrand: []string{"Bactrim DS"}, Therapeutic: []string{"nitrofurantoin"}},
			{Drug: "cephalexin", SameSalt: []string{"cephalexin monohydrate"}, SameBrand: []string{"Keflex"}, SameClass: []string{"cefadroxil"}, Therapeutic: []string{"clindamycin"}},
			{Drug: "ciprofloxacin", SameBrand: []string{"Cipro"}, SameClass: []string{"levofloxacin"}},
			{Drug: "ibuprofen", SameBrand: []string{"Advil", "Motrin"}, SameClass: []string{"naproxen"}, Therapeutic: []string{"acetaminophen"}},
			{Drug: "naproxen", SameSalt: []string{"naproxen sodium"}, SameBrand: []string{"Aleve"}, SameClass: []string{"ibuprofen"}},
			{Drug: "acetaminophen", SameBrand: []string{"Tylenol"}},
			{Drug: "lisinopril", SameBrand: []string{"Zestril", "Prinivil"}, SameClass: []string{"enalapril"}, Therapeutic: []string{"losartan"}},
			{Drug: "amlodipine", SameSalt: []string{"amlodipine besylate"}, SameBrand: []string{"Norvasc"}, SameClass: []string{"nifedipine"}},
			{Drug: "metformin", SameSalt: []string{"metformin hydrochloride"}, SameBrand: []string{"Glucophage"}, Therapeutic: []string{"sitagliptin"}},
		},
	}
}
