package coverage

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"claimlens/internal/llm"
)

func newTestSelector(factory llm.ClientFactory, useLLM bool) *PrimaryRepairSelector {
	return NewPrimaryRepairSelector(testComponents(), factory, nil, useLLM, zap.NewNop())
}

func TestPrimaryRepairTier1aHighestCoveredPart(t *testing.T) {
	s := newTestSelector(nil, false)

	cheap := coveredPart("W100", "Wasserpumpe", 400, "engine")
	dear := coveredPart("T001", "Turbolader", 1200, "engine")
	labor := coverageItem(ItemTypeLabor, "", "Einbau", 2000)
	labor.CoverageStatus = StatusCovered
	labor.CoverageCategory = "engine"

	got := s.Determine(context.Background(), []*LineItemCoverage{cheap, dear, labor}, nil, "", testCovered())

	if got.DeterminationMethod != DeterminationDeterministic {
		t.Fatalf("method = %s, want deterministic", got.DeterminationMethod)
	}
	if got.Component != "Turbolader" {
		t.Errorf("component = %s, want the highest-priced covered part", got.Component)
	}
	if got.IsCovered == nil || !*got.IsCovered {
		t.Error("tier 1a result must be covered")
	}
	if got.SourceItemIndex == nil || *got.SourceItemIndex != 1 {
		t.Errorf("source index = %v, want 1", got.SourceItemIndex)
	}
}

func TestPrimaryRepairTier1bCoveredLaborOnly(t *testing.T) {
	s := newTestSelector(nil, false)

	labor := coverageItem(ItemTypeLabor, "", "Ölkühler ersetzen", 500)
	labor.CoverageStatus = StatusCovered
	labor.CoverageCategory = "engine"
	labor.MatchedComponent = "oil_cooler"

	got := s.Determine(context.Background(), []*LineItemCoverage{labor}, nil, "", testCovered())

	if got.Component != "oil_cooler" || got.DeterminationMethod != DeterminationDeterministic {
		t.Errorf("got %+v, want the covered labor item", got)
	}
}

func TestPrimaryRepairTier2RepairContextSanityOverride(t *testing.T) {
	s := newTestSelector(nil, false)
	repairCtx := &RepairContext{
		PrimaryComponent:  "oil_cooler",
		PrimaryCategory:   "engine",
		IsCovered:         TristateTrue,
		SourceDescription: "Ölkühler ersetzen",
	}

	rejected := coverageItem(ItemTypeParts, "", "Ölkühler", 640)
	rejected.CoverageStatus = StatusNotCovered

	got := s.Determine(context.Background(), []*LineItemCoverage{rejected}, repairCtx, "", testCovered())

	if got.DeterminationMethod != DeterminationRepairContext {
		t.Fatalf("method = %s, want repair_context", got.DeterminationMethod)
	}
	if got.IsCovered == nil || *got.IsCovered {
		t.Error("context says covered but nothing in the claim is; sanity override must force false")
	}
}

func TestPrimaryRepairTier1cRejectedWithComponent(t *testing.T) {
	s := newTestSelector(nil, false)

	anon := coverageItem(ItemTypeParts, "", "Kleinmaterial", 900)
	anon.CoverageStatus = StatusNotCovered

	named := coverageItem(ItemTypeParts, "", "Anlasser", 450)
	named.CoverageStatus = StatusNotCovered
	named.MatchedComponent = "starter"

	got := s.Determine(context.Background(), []*LineItemCoverage{anon, named}, nil, "", testCovered())

	if got.Component != "starter" {
		t.Errorf("component = %s, want the named rejected item", got.Component)
	}
	if got.IsCovered == nil || *got.IsCovered {
		t.Error("tier 1c result must not be covered")
	}
}

func TestPrimaryRepairTier3None(t *testing.T) {
	s := newTestSelector(nil, false)

	anon := coverageItem(ItemTypeParts, "", "Kleinmaterial", 12)
	anon.CoverageStatus = StatusNotCovered

	got := s.Determine(context.Background(), []*LineItemCoverage{anon}, nil, "", testCovered())

	if got.DeterminationMethod != DeterminationNone || got.Confidence != 0 {
		t.Errorf("got %+v, want the none fallback", got)
	}
}

func TestPrimaryRepairTier0LLMCrossCheck(t *testing.T) {
	factory := stubFactory(func(context.Context, llm.ChatRequest) (string, error) {
		// The model claims index 0; its coverage opinion is not asked.
		return `{"component": "Turbolader", "category": "engine", "item_index": 0, "confidence": 0.95, "reasoning": "stub"}`, nil
	})
	s := newTestSelector(factory, true)

	rejected := coverageItem(ItemTypeParts, "", "Turbolader", 1200)
	rejected.CoverageStatus = StatusNotCovered

	got := s.Determine(context.Background(), []*LineItemCoverage{rejected}, nil, "Turbolader defekt", testCovered())

	if got.DeterminationMethod != DeterminationLLM {
		t.Fatalf("method = %s, want llm", got.DeterminationMethod)
	}
	if got.IsCovered == nil || *got.IsCovered {
		t.Error("is_covered must be re-derived from the item's own status")
	}
}

func TestPrimaryRepairTier0FallsBackOnError(t *testing.T) {
	factory := stubFactory(func(context.Context, llm.ChatRequest) (string, error) {
		return "", errors.New("llm down")
	})
	s := newTestSelector(factory, true)

	part := coveredPart("T001", "Turbolader", 1200, "engine")
	got := s.Determine(context.Background(), []*LineItemCoverage{part}, nil, "", testCovered())

	if got.DeterminationMethod != DeterminationDeterministic {
		t.Errorf("method = %s, want deterministic fallback", got.DeterminationMethod)
	}
}

// -----------------------------------------------------------------------------
// Boost (stage 9)
// -----------------------------------------------------------------------------

func TestBoostZeroPayoutRescue(t *testing.T) {
	b := NewBooster(nil, nil, zap.NewNop())
	primary := PrimaryRepairResult{
		Component: "oil_cooler",
		Category:  "engine",
		IsCovered: boolPtr(true),
	}

	inCategory := coverageItem(ItemTypeParts, "", "Ölkühler", 640)
	inCategory.CoverageStatus = StatusNotCovered
	inCategory.CoverageCategory = "engine"
	inCategory.MatchMethod = MethodLLM

	noCategory := coverageItem(ItemTypeLabor, "", "Einbau", 300)
	noCategory.CoverageStatus = StatusNotCovered
	noCategory.MatchMethod = MethodLLM

	withReason := coverageItem(ItemTypeParts, "", "Anlasser", 450)
	withReason.CoverageStatus = StatusNotCovered
	withReason.CoverageCategory = "engine"
	withReason.MatchMethod = MethodLLM
	withReason.ExclusionReason = ReasonComponentExcluded

	otherCategory := coverageItem(ItemTypeParts, "", "Bremssattel", 220)
	otherCategory.CoverageStatus = StatusNotCovered
	otherCategory.CoverageCategory = "brakes"
	otherCategory.MatchMethod = MethodLLM

	b.Apply(context.Background(), []*LineItemCoverage{inCategory, noCategory, withReason, otherCategory}, primary)

	if inCategory.CoverageStatus != StatusCovered {
		t.Error("item in primary category should be rescued")
	}
	if noCategory.CoverageStatus != StatusCovered {
		t.Error("item with unset category should be rescued")
	}
	if withReason.CoverageStatus == StatusCovered {
		t.Error("items with an exclusion reason are never rescued")
	}
	if otherCategory.CoverageStatus == StatusCovered {
		t.Error("items in another category are not rescued")
	}
}

func TestBoostLaborRelevance(t *testing.T) {
	factory := stubFactory(func(context.Context, llm.ChatRequest) (string, error) {
		return `{"relevant": [{"index": 0, "is_relevant": true, "reasoning": "needed for access"}, {"index": 1, "is_relevant": false, "reasoning": "unrelated"}]}`, nil
	})
	b := NewBooster(factory, nil, zap.NewNop())
	primary := PrimaryRepairResult{Component: "turbocharger", Category: "engine", IsCovered: boolPtr(true)}

	part := coveredPart("T001", "Turbolader", 1200, "engine")

	relevant := coverageItem(ItemTypeLabor, "", "Ladeluftschlauch demontieren", 180)
	relevant.CoverageStatus = StatusNotCovered
	relevant.MatchMethod = MethodLLM

	unrelated := coverageItem(ItemTypeLabor, "", "Radio codieren", 60)
	unrelated.CoverageStatus = StatusNotCovered
	unrelated.MatchMethod = MethodLLM

	b.Apply(context.Background(), []*LineItemCoverage{part, relevant, unrelated}, primary)

	if relevant.CoverageStatus != StatusCovered {
		t.Error("confirmed labor should be promoted")
	}
	if unrelated.CoverageStatus == StatusCovered {
		t.Error("unconfirmed labor must stay not covered")
	}
}

func TestBoostLaborRelevanceFailureLeavesItems(t *testing.T) {
	factory := stubFactory(func(context.Context, llm.ChatRequest) (string, error) {
		return "", errors.New("llm down")
	})
	b := NewBooster(factory, nil, zap.NewNop())
	primary := PrimaryRepairResult{Component: "turbocharger", Category: "engine", IsCovered: boolPtr(true)}

	part := coveredPart("T001", "Turbolader", 1200, "engine")
	labor := coverageItem(ItemTypeLabor, "", "Einbau", 180)
	labor.CoverageStatus = StatusNotCovered
	labor.MatchMethod = MethodLLM

	b.Apply(context.Background(), []*LineItemCoverage{part, labor}, primary)

	if labor.CoverageStatus != StatusNotCovered {
		t.Errorf("status = %s; failures must leave candidates untouched", labor.CoverageStatus)
	}
	last := labor.DecisionTrace[len(labor.DecisionTrace)-1]
	if last.Stage != StageBoost || last.Action != ActionSkipped {
		t.Errorf("expected a boost failure trace step, got %+v", last)
	}
}

func TestBoostDoesNothingWhenPrimaryNotCovered(t *testing.T) {
	b := NewBooster(nil, nil, zap.NewNop())
	primary := PrimaryRepairResult{Component: "starter", Category: "engine", IsCovered: boolPtr(false)}

	item := coverageItem(ItemTypeParts, "", "Anlasser", 450)
	item.CoverageStatus = StatusNotCovered
	item.CoverageCategory = "engine"
	item.MatchMethod = MethodLLM

	b.Apply(context.Background(), []*LineItemCoverage{item}, primary)

	if item.CoverageStatus != StatusNotCovered {
		t.Error("boost must not act when the primary repair is not covered")
	}
}
