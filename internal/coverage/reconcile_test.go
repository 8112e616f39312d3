package coverage

import (
	"testing"

	"go.uber.org/zap"
)

func newTestReconciler() *Reconciler {
	return NewReconciler(testComponents(), 2.0, zap.NewNop())
}

func coveredPart(code, description string, total float64, category string) *LineItemCoverage {
	item := coverageItem(ItemTypeParts, code, description, total)
	item.CoverageStatus = StatusCovered
	item.CoverageCategory = category
	item.MatchedComponent = description
	item.MatchMethod = MethodPartNumber
	return item
}

func TestLaborFollowsPartNumberToken(t *testing.T) {
	r := newTestReconciler()

	part := coveredPart("TL-4711", "Turbolader", 1200, "engine")
	labor := coverageItem(ItemTypeLabor, "", "Einbau TL4711 inkl. Anlernen", 350)
	labor.CoverageStatus = StatusNotCovered

	r.Apply([]*LineItemCoverage{part, labor}, nil)

	if labor.CoverageStatus != StatusCovered {
		t.Fatalf("labor status = %s, want covered", labor.CoverageStatus)
	}
	if labor.CoverageCategory != "engine" || labor.MatchConfidence != 0.85 {
		t.Errorf("category/confidence = %s/%v, want engine/0.85", labor.CoverageCategory, labor.MatchConfidence)
	}
}

func TestSimpleInvoicePromotesHighestGenericLabor(t *testing.T) {
	r := newTestReconciler()

	part := coveredPart("T001", "Turbolader", 1200, "engine")
	cheap := coverageItem(ItemTypeLabor, "", "Arbeitszeit.", 200)
	cheap.CoverageStatus = StatusNotCovered
	expensive := coverageItem(ItemTypeLabor, "", "Main d'oeuvre:", 400)
	expensive.CoverageStatus = StatusNotCovered

	r.Apply([]*LineItemCoverage{part, cheap, expensive}, nil)

	if expensive.CoverageStatus != StatusCovered {
		t.Error("highest-priced generic labor should be promoted")
	}
	if cheap.CoverageStatus == StatusCovered {
		t.Error("only the single highest-priced generic labor may be promoted")
	}
	if expensive.MatchConfidence != 0.75 {
		t.Errorf("confidence = %v, want 0.75", expensive.MatchConfidence)
	}
}

func TestSimpleInvoiceProportionalityGuard(t *testing.T) {
	r := newTestReconciler()

	part := coveredPart("T001", "Turbolader", 100, "engine")
	labor := coverageItem(ItemTypeLabor, "", "Arbeit", 250)
	labor.CoverageStatus = StatusNotCovered

	r.Apply([]*LineItemCoverage{part, labor}, nil)

	if labor.CoverageStatus == StatusCovered {
		t.Fatal("labor above twice the covered parts total must not be promoted")
	}
	var found bool
	for _, step := range labor.DecisionTrace {
		if step.Action == ActionSkipped && step.Detail["reason"] == ReasonProportionalityStop {
			found = true
		}
	}
	if !found {
		t.Error("expected a SKIPPED step with the proportionality reason")
	}
}

func TestLaborFollowsRepairKeyword(t *testing.T) {
	r := newTestReconciler()

	part := coveredPart("T001", "Turbolader", 1200, "engine")
	labor := coverageItem(ItemTypeLabor, "", "Turbolader aus- und einbauen", 350)
	labor.CoverageStatus = StatusNotCovered

	r.Apply([]*LineItemCoverage{part, labor}, nil)

	if labor.CoverageStatus != StatusCovered || labor.MatchConfidence != 0.80 {
		t.Errorf("labor = %s/%v, want covered/0.80", labor.CoverageStatus, labor.MatchConfidence)
	}
}

func TestLaborKeywordGuardAgainstExcludedPart(t *testing.T) {
	r := newTestReconciler()

	covered := coveredPart("W100", "Wasserpumpe", 400, "engine")
	excludedPart := coverageItem(ItemTypeParts, "T900", "Turbolader Sport", 900)
	excludedPart.CoverageStatus = StatusNotCovered
	excludedPart.MatchedComponent = "turbocharger"

	labor := coverageItem(ItemTypeLabor, "", "Turbolader ersetzen", 300)
	labor.CoverageStatus = StatusNotCovered

	r.Apply([]*LineItemCoverage{covered, excludedPart, labor}, nil)

	if labor.CoverageStatus == StatusCovered {
		t.Error("labor for an excluded part must not be promoted via shared keyword")
	}
}

func TestAncillaryPromotion(t *testing.T) {
	r := newTestReconciler()
	repairCtx := &RepairContext{
		PrimaryComponent: "oil_cooler",
		PrimaryCategory:  "engine",
		IsCovered:        TristateTrue,
	}

	part := coveredPart("O100", "Ölkühler", 640, "engine")
	ancillary := coverageItem(ItemTypeParts, "", "Dichtung Ölkühler", 35)
	ancillary.CoverageStatus = StatusNotCovered

	r.Apply([]*LineItemCoverage{part, ancillary}, repairCtx)

	if ancillary.CoverageStatus != StatusCovered || ancillary.MatchConfidence != 0.70 {
		t.Errorf("ancillary = %s/%v, want covered/0.70", ancillary.CoverageStatus, ancillary.MatchConfidence)
	}
}

func TestPartsForCoveredRepair(t *testing.T) {
	r := newTestReconciler()
	repairCtx := &RepairContext{
		PrimaryComponent: "oil_cooler",
		PrimaryCategory:  "engine",
		IsCovered:        TristateTrue,
	}

	labor := coverageItem(ItemTypeLabor, "", "Ölkühler ersetzen", 300)
	labor.CoverageStatus = StatusCovered
	labor.CoverageCategory = "engine"
	labor.MatchMethod = MethodKeyword

	part := coverageItem(ItemTypeParts, "", "Ölkühler Leitung", 120)
	part.CoverageStatus = StatusNotCovered
	part.CoverageCategory = "engine"
	part.MatchMethod = MethodLLM

	ruleRejected := coverageItem(ItemTypeParts, "", "Motoröl", 60)
	ruleRejected.CoverageStatus = StatusNotCovered
	ruleRejected.CoverageCategory = "engine"
	ruleRejected.MatchMethod = MethodRule

	r.Apply([]*LineItemCoverage{labor, part, ruleRejected}, repairCtx)

	if part.CoverageStatus != StatusCovered {
		t.Error("LLM-rejected part in the covered repair category should be promoted")
	}
	if ruleRejected.CoverageStatus == StatusCovered {
		t.Error("rule-rejected items are final; only LLM-classified parts are promoted")
	}
}

func TestOrphanLaborDemotion(t *testing.T) {
	r := newTestReconciler()

	part := coverageItem(ItemTypeParts, "", "Accessoire décoratif", 200)
	part.CoverageStatus = StatusNotCovered
	labor := coverageItem(ItemTypeLabor, "", "Pose", 150)
	labor.CoverageStatus = StatusCovered
	labor.MatchMethod = MethodLLM

	r.Apply([]*LineItemCoverage{part, labor}, nil)

	if labor.CoverageStatus != StatusNotCovered {
		t.Fatalf("labor status = %s, want demoted to not_covered", labor.CoverageStatus)
	}
	if labor.ExclusionReason != ReasonDemotedNoAnchor {
		t.Errorf("exclusion reason = %s, want %s", labor.ExclusionReason, ReasonDemotedNoAnchor)
	}
}

func TestNominalPriceLaborFlag(t *testing.T) {
	r := newTestReconciler()

	part := coveredPart("T001", "Turbolader", 1200, "engine")
	opCode := coverageItem(ItemTypeLabor, "OP-17", "Turbolader aus- und einbauen", 1.5)
	opCode.CoverageStatus = StatusCovered
	opCode.CoverageCategory = "engine"

	free := coverageItem(ItemTypeLabor, "OP-18", "Nullposition", 0)
	free.CoverageStatus = StatusNotCovered

	r.Apply([]*LineItemCoverage{part, opCode, free}, nil)

	if opCode.CoverageStatus != StatusReviewNeeded {
		t.Errorf("operation code status = %s, want review_needed", opCode.CoverageStatus)
	}
	if opCode.MatchConfidence != 0.30 {
		t.Errorf("confidence = %v, want 0.30", opCode.MatchConfidence)
	}
	if free.CoverageStatus == StatusReviewNeeded {
		t.Error("zero-priced labor is not flagged by the nominal rule")
	}
}
