package coverage

import (
	"testing"

	"go.uber.org/zap"
)

// mapCatalog is a fixed in-memory part catalog.
type mapCatalog map[string]*PartLookupResult

func (c mapCatalog) Lookup(itemCode string) (*PartLookupResult, bool) {
	r, ok := c[itemCode]
	return r, ok
}

func newTestPartMatcher(t *testing.T, catalog PartLookup) *PartNumberMatcher {
	t.Helper()
	components := testComponents()
	checker := NewPolicyListChecker(components, zap.NewNop())
	return NewPartNumberMatcher(catalog, components, checker, newTestRules(t), zap.NewNop())
}

func TestPartLookupExactCoveredHit(t *testing.T) {
	catalog := mapCatalog{
		"T001": {PartNumber: "T001", System: "engine", Component: "Turbolader", Covered: TristateTrue, LookupSource: "exact"},
	}
	m := newTestPartMatcher(t, catalog)

	item := coverageItem(ItemTypeParts, "T001", "Turbolader", 1200)
	if !m.Match(item, testCovered(), nil, nil) {
		t.Fatal("expected classification")
	}
	if item.CoverageStatus != StatusCovered {
		t.Errorf("status = %s, want covered", item.CoverageStatus)
	}
	if item.MatchMethod != MethodPartNumber || item.MatchConfidence != 1.0 {
		t.Errorf("method/confidence = %s/%v", item.MatchMethod, item.MatchConfidence)
	}
	if item.PolicyListConfirmed != TristateTrue {
		t.Error("expected policy_list_confirmed = true")
	}
}

func TestPartLookupCatalogExcluded(t *testing.T) {
	catalog := mapCatalog{
		"X900": {PartNumber: "X900", System: "engine", Component: "Anlasser", Covered: TristateFalse, LookupSource: "exact"},
	}
	m := newTestPartMatcher(t, catalog)

	item := coverageItem(ItemTypeParts, "X900", "Anlasser", 450)
	if !m.Match(item, testCovered(), nil, nil) {
		t.Fatal("expected classification")
	}
	if item.CoverageStatus != StatusNotCovered || item.ExclusionReason != ReasonComponentExcluded {
		t.Errorf("got %s/%s, want not_covered/component_excluded", item.CoverageStatus, item.ExclusionReason)
	}
}

func TestPartLookupGasketDeferral(t *testing.T) {
	catalog := mapCatalog{
		"J100": {PartNumber: "J100", System: "engine", Component: "Zylinderkopf", Covered: TristateTrue, LookupSource: "keyword"},
	}
	m := newTestPartMatcher(t, catalog)

	item := coverageItem(ItemTypeParts, "J100", "JOINT DE CULASSE", 220)
	if m.Match(item, testCovered(), nil, nil) {
		t.Fatal("gasket hit must defer, not classify")
	}
	if item.partLookupComponent != "Zylinderkopf" || item.partLookupSystem != "engine" {
		t.Errorf("deferral hints not stashed: %q/%q", item.partLookupComponent, item.partLookupSystem)
	}

	item.flushDeferred()
	if len(item.DecisionTrace) != 1 {
		t.Fatalf("expected one stashed trace step, got %d", len(item.DecisionTrace))
	}
	step := item.DecisionTrace[0]
	if step.Action != ActionDeferred || step.Stage != StagePartLookup {
		t.Errorf("unexpected step %+v", step)
	}
	if step.Detail["reason"] != ReasonGasketSealDeferral {
		t.Errorf("deferral reason = %v, want %s", step.Detail["reason"], ReasonGasketSealDeferral)
	}
}

func TestPartLookupExactHitSkipsLaborRecheck(t *testing.T) {
	catalog := mapCatalog{
		"L100": {PartNumber: "L100", System: "engine", Component: "Turbolader", Covered: TristateTrue, LookupSource: "exact"},
	}
	m := newTestPartMatcher(t, catalog)

	// "Probefahrt" trips a non-covered labor rule, but an exact
	// part-number hit is authoritative.
	item := coverageItem(ItemTypeLabor, "L100", "Probefahrt nach Turboladertausch", 120)
	if !m.Match(item, testCovered(), nil, nil) {
		t.Fatal("expected classification")
	}
	if item.CoverageStatus != StatusCovered {
		t.Errorf("status = %s, want covered", item.CoverageStatus)
	}
	if item.ExclusionReason != "" {
		t.Errorf("exclusion reason = %s, want none", item.ExclusionReason)
	}
}

func TestPartLookupKeywordHitLaborRecheck(t *testing.T) {
	catalog := mapCatalog{
		"L200": {PartNumber: "L200", System: "engine", Component: "Turbolader", Covered: TristateTrue, LookupSource: "keyword_description"},
	}
	m := newTestPartMatcher(t, catalog)

	item := coverageItem(ItemTypeLabor, "L200", "Probefahrt nach Turboladertausch", 120)
	if !m.Match(item, testCovered(), nil, nil) {
		t.Fatal("expected classification")
	}
	if item.CoverageStatus != StatusNotCovered || item.ExclusionReason != ReasonNonCoveredLabor {
		t.Errorf("got %s/%s, want not_covered/non_covered_labor", item.CoverageStatus, item.ExclusionReason)
	}
}

func TestPartLookupCrossCategoryRewrite(t *testing.T) {
	catalog := mapCatalog{
		"B200": {PartNumber: "B200", System: "brakes", Component: "turbocharger", Covered: TristateTrue, LookupSource: "exact"},
	}
	m := newTestPartMatcher(t, catalog)

	item := coverageItem(ItemTypeParts, "B200", "Turbolader", 980)
	if !m.Match(item, testCovered(), nil, nil) {
		t.Fatal("expected classification")
	}
	if item.CoverageStatus != StatusCovered {
		t.Fatalf("status = %s, want covered", item.CoverageStatus)
	}
	if item.CoverageCategory != "engine" {
		t.Errorf("category = %s, want rewritten to engine", item.CoverageCategory)
	}
}

func TestPartLookupInconclusiveExactExcluded(t *testing.T) {
	catalog := mapCatalog{
		"A300": {PartNumber: "A300", System: "engine", Component: "Anlasser", Covered: TristateUnknown, LookupSource: "exact"},
	}
	m := newTestPartMatcher(t, catalog)
	excluded := map[string][]string{"engine": {"Anlasser"}}

	item := coverageItem(ItemTypeParts, "A300", "Anlasser", 450)
	if !m.Match(item, testCovered(), excluded, nil) {
		t.Fatal("expected classification")
	}
	if item.CoverageStatus != StatusNotCovered || item.ExclusionReason != ReasonComponentExcluded {
		t.Errorf("got %s/%s, want not_covered/component_excluded", item.CoverageStatus, item.ExclusionReason)
	}
}

func TestPartLookupInconclusiveExactDefers(t *testing.T) {
	catalog := mapCatalog{
		"A300": {PartNumber: "A300", System: "engine", Component: "Anlasser", Covered: TristateUnknown, LookupSource: "exact"},
	}
	m := newTestPartMatcher(t, catalog)

	item := coverageItem(ItemTypeParts, "A300", "Anlasser", 450)
	if m.Match(item, testCovered(), nil, nil) {
		t.Fatal("inconclusive exact hit must defer to LLM")
	}
	if item.partLookupComponent != "Anlasser" {
		t.Error("deferral hints not stashed")
	}
}

func TestPartLookupUncoveredCategory(t *testing.T) {
	catalog := mapCatalog{
		"S500": {PartNumber: "S500", System: "suspension", Component: "Stossdämpfer", Covered: TristateTrue, LookupSource: "exact"},
		"S501": {PartNumber: "S501", System: "suspension", Component: "Stossdämpfer", Covered: TristateTrue, LookupSource: "exact"},
	}
	m := newTestPartMatcher(t, catalog)

	// Plain part in an uncovered category: final.
	part := coverageItem(ItemTypeParts, "S500", "Stossdämpfer vorne", 380)
	if !m.Match(part, testCovered(), nil, nil) {
		t.Fatal("expected classification")
	}
	if part.CoverageStatus != StatusNotCovered || part.ExclusionReason != ReasonCategoryNotCovered {
		t.Errorf("got %s/%s, want not_covered/category_not_covered", part.CoverageStatus, part.ExclusionReason)
	}

	// Labor in an uncovered category still deserves LLM review.
	labor := coverageItem(ItemTypeLabor, "S501", "Stossdämpfer ersetzen", 150)
	if m.Match(labor, testCovered(), nil, nil) {
		t.Fatal("labor should defer to LLM")
	}

	// Repair context also keeps the door open.
	ctx := &RepairContext{PrimaryComponent: "oil_cooler", PrimaryCategory: "engine", IsCovered: TristateTrue}
	withCtx := coverageItem(ItemTypeParts, "S500", "Stossdämpfer vorne", 380)
	if m.Match(withCtx, testCovered(), nil, ctx) {
		t.Fatal("part with repair context should defer to LLM")
	}
}

func TestPartLookupCatalogMiss(t *testing.T) {
	m := newTestPartMatcher(t, mapCatalog{})
	item := coverageItem(ItemTypeParts, "ZZZ", "Unbekanntes Teil", 50)
	if m.Match(item, testCovered(), nil, nil) {
		t.Fatal("catalog miss must flow to the next stage")
	}
	if len(item.DecisionTrace) != 0 {
		t.Error("catalog miss must not leave a trace step")
	}
}
