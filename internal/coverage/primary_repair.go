package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"claimlens/internal/config"
	"claimlens/internal/llm"
)

// =============================================================================
// PRIMARY-REPAIR DETERMINATION (stage 8)
// =============================================================================

// PrimaryRepairSelector picks the single failure mode the claim is
// about, through a tier cascade: optional LLM selection, then
// deterministic price-based tiers, then the repair context, then a
// fallback that signals human review.
type PrimaryRepairSelector struct {
	components *config.ComponentConfig
	factory    llm.ClientFactory
	prompts    llm.PromptProvider
	useLLM     bool
	logger     *zap.Logger
}

// NewPrimaryRepairSelector wires the selector. useLLM gates the tier-0
// call; factory may be nil when it is off.
func NewPrimaryRepairSelector(components *config.ComponentConfig, factory llm.ClientFactory, prompts llm.PromptProvider, useLLM bool, logger *zap.Logger) *PrimaryRepairSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		prompts = llm.NewDefaultPromptProvider()
	}
	return &PrimaryRepairSelector{
		components: components,
		factory:    factory,
		prompts:    prompts,
		useLLM:     useLLM,
		logger:     logger,
	}
}

type llmPrimaryChoice struct {
	Component  string  `json:"component"`
	Category   string  `json:"category"`
	ItemIndex  int     `json:"item_index"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Determine runs the cascade; the first tier that fires wins.
func (s *PrimaryRepairSelector) Determine(ctx context.Context, items []*LineItemCoverage, repairCtx *RepairContext, repairDescription string, covered map[string][]string) PrimaryRepairResult {
	if s.useLLM && s.factory != nil {
		if result, ok := s.determineViaLLM(ctx, items, repairDescription, covered); ok {
			return result
		}
	}

	// Tier 1a: highest-priced covered part.
	if item, idx := highestPriced(items, func(it *LineItemCoverage) bool {
		return it.IsParts() && it.CoverageStatus == StatusCovered
	}); item != nil {
		return deterministicResult(item, idx, true)
	}

	// Tier 1b: highest-priced covered item of any type.
	if item, idx := highestPriced(items, func(it *LineItemCoverage) bool {
		return it.CoverageStatus == StatusCovered
	}); item != nil {
		return deterministicResult(item, idx, true)
	}

	// Tier 2: repair context, with a sanity override when the context
	// keyword looks covered but nothing in the claim actually is.
	if repairCtx != nil && repairCtx.PrimaryComponent != "" {
		isCovered := repairCtx.IsCovered.IsTrue()
		if isCovered && !anyItem(items, func(it *LineItemCoverage) bool {
			return it.CoverageStatus == StatusCovered
		}) {
			isCovered = false
		}
		return PrimaryRepairResult{
			Component:           repairCtx.PrimaryComponent,
			Category:            repairCtx.PrimaryCategory,
			Description:         repairCtx.SourceDescription,
			IsCovered:           boolPtr(isCovered),
			Confidence:          0.6,
			DeterminationMethod: DeterminationRepairContext,
		}
	}

	// Tier 1c: highest-priced rejected item that at least names a
	// component.
	if item, idx := highestPriced(items, func(it *LineItemCoverage) bool {
		return (it.CoverageStatus == StatusNotCovered || it.CoverageStatus == StatusReviewNeeded) && it.MatchedComponent != ""
	}); item != nil {
		return deterministicResult(item, idx, false)
	}

	// Tier 3: nothing usable; downstream refers to human review.
	return PrimaryRepairResult{
		Confidence:          0,
		DeterminationMethod: DeterminationNone,
	}
}

// determineViaLLM is the tier-0 single call. The coverage verdict is
// re-derived from the chosen item's own status; the model's coverage
// opinion is ignored.
func (s *PrimaryRepairSelector) determineViaLLM(ctx context.Context, items []*LineItemCoverage, repairDescription string, covered map[string][]string) (PrimaryRepairResult, bool) {
	system, user, err := s.prompts.Prompts(llm.PromptPrimaryRepair, map[string]string{
		"repair_context":     repairDescription,
		"items":              formatItemList(items),
		"covered_categories": strings.Join(coveredCategoryNames(covered), ", "),
	})
	if err != nil {
		return PrimaryRepairResult{}, false
	}

	client := s.factory()
	resp, err := client.ChatCompletion(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		s.logger.Warn("primary repair llm call failed; falling back to deterministic tiers", zap.Error(err))
		return PrimaryRepairResult{}, false
	}

	var choice llmPrimaryChoice
	if err := json.Unmarshal([]byte(llm.CleanJSONResponse(resp.Content)), &choice); err != nil {
		s.logger.Warn("primary repair llm response unparsable", zap.Error(err))
		return PrimaryRepairResult{}, false
	}
	if choice.ItemIndex < 0 || choice.ItemIndex >= len(items) {
		return PrimaryRepairResult{}, false
	}

	item := items[choice.ItemIndex]
	return PrimaryRepairResult{
		Component:           choice.Component,
		Category:            strings.ToLower(choice.Category),
		Description:         item.Description,
		IsCovered:           boolPtr(item.CoverageStatus == StatusCovered),
		Confidence:          choice.Confidence,
		DeterminationMethod: DeterminationLLM,
		SourceItemIndex:     intPtr(choice.ItemIndex),
	}, true
}

func deterministicResult(item *LineItemCoverage, idx int, isCovered bool) PrimaryRepairResult {
	component := item.MatchedComponent
	if component == "" {
		component = item.Description
	}
	return PrimaryRepairResult{
		Component:           component,
		Category:            item.CoverageCategory,
		Description:         item.Description,
		IsCovered:           boolPtr(isCovered),
		Confidence:          item.MatchConfidence,
		DeterminationMethod: DeterminationDeterministic,
		SourceItemIndex:     intPtr(idx),
	}
}

func highestPriced(items []*LineItemCoverage, pred func(*LineItemCoverage) bool) (*LineItemCoverage, int) {
	var best *LineItemCoverage
	bestIdx := -1
	for i, it := range items {
		if !pred(it) {
			continue
		}
		if best == nil || it.TotalPrice.GreaterThan(best.TotalPrice) {
			best = it
			bestIdx = i
		}
	}
	return best, bestIdx
}

func formatItemList(items []*LineItemCoverage) string {
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. [%s] %s — %s (status: %s)\n", i, it.ItemType, it.Description, it.TotalPrice, it.CoverageStatus)
	}
	return strings.TrimRight(b.String(), "\n")
}

// =============================================================================
// PRIMARY-REPAIR BOOST (stage 9)
// =============================================================================

// Booster runs after the primary repair is known and rescues items the
// per-item passes rejected for lack of that context. It only acts when
// the primary repair is covered.
type Booster struct {
	factory llm.ClientFactory
	prompts llm.PromptProvider
	logger  *zap.Logger
}

// NewBooster wires the booster; factory may be nil, which disables the
// labor-relevance call.
func NewBooster(factory llm.ClientFactory, prompts llm.PromptProvider, logger *zap.Logger) *Booster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		prompts = llm.NewDefaultPromptProvider()
	}
	return &Booster{factory: factory, prompts: prompts, logger: logger}
}

type laborRelevanceReply struct {
	Relevant []struct {
		Index      int    `json:"index"`
		IsRelevant bool   `json:"is_relevant"`
		Reasoning  string `json:"reasoning"`
	} `json:"relevant"`
}

// Apply runs the two boost modes against the classified claim.
func (b *Booster) Apply(ctx context.Context, items []*LineItemCoverage, primary PrimaryRepairResult) {
	if primary.IsCovered == nil || !*primary.IsCovered || primary.Category == "" {
		return
	}

	anyCoveredValue := anyItem(items, func(it *LineItemCoverage) bool {
		return it.CoverageStatus == StatusCovered && it.TotalPrice.IsPositive()
	})

	if !anyCoveredValue {
		b.zeroPayoutRescue(items, primary)
		return
	}

	b.laborRelevance(ctx, items, primary)
}

// zeroPayoutRescue promotes LLM-rejected items in the primary-repair
// category when the claim would otherwise pay nothing. The per-item
// LLM pass did not know which repair was primary; now we do.
func (b *Booster) zeroPayoutRescue(items []*LineItemCoverage, primary PrimaryRepairResult) {
	for _, item := range items {
		if item.CoverageStatus != StatusNotCovered || item.MatchMethod != MethodLLM {
			continue
		}
		if item.ExclusionReason != "" {
			continue
		}
		if item.CoverageCategory != "" && !strings.EqualFold(item.CoverageCategory, primary.Category) {
			continue
		}
		item.CoverageStatus = StatusCovered
		item.CoverageCategory = primary.Category
		item.AddTrace(TraceStep{
			Stage:   StageBoost,
			Action:  ActionPromoted,
			Message: fmt.Sprintf("Rescued for covered primary repair '%s' (%s); claim had zero payout", primary.Component, primary.Category),
			Verdict: StatusCovered,
		})
		b.logger.Debug("boost rescued item", zap.String("description", item.Description))
	}
}

// laborRelevance makes one batch call asking which LLM-rejected labor
// positions are mechanically necessary for the covered primary repair,
// and promotes only the confirmed ones. On failure the candidates are
// left untouched.
func (b *Booster) laborRelevance(ctx context.Context, items []*LineItemCoverage, primary PrimaryRepairResult) {
	if b.factory == nil {
		return
	}
	if !anyItem(items, func(it *LineItemCoverage) bool {
		return it.IsParts() && it.CoverageStatus == StatusCovered
	}) {
		return
	}

	var candidates []*LineItemCoverage
	for _, item := range items {
		if item.IsLabor() && item.CoverageStatus == StatusNotCovered && item.MatchMethod == MethodLLM {
			candidates = append(candidates, item)
		}
	}
	if len(candidates) == 0 {
		return
	}

	var list strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&list, "%d. %s — %s\n", i, c.Description, c.TotalPrice)
	}

	system, user, err := b.prompts.Prompts(llm.PromptLaborRelevance, map[string]string{
		"primary_repair": primary.Component,
		"category":       primary.Category,
		"items":          strings.TrimRight(list.String(), "\n"),
	})
	if err != nil {
		b.recordFailure(candidates, err)
		return
	}

	client := b.factory()
	resp, err := client.ChatCompletion(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		b.recordFailure(candidates, err)
		return
	}

	var reply laborRelevanceReply
	if err := json.Unmarshal([]byte(llm.CleanJSONResponse(resp.Content)), &reply); err != nil {
		b.recordFailure(candidates, err)
		return
	}

	for _, entry := range reply.Relevant {
		if entry.Index < 0 || entry.Index >= len(candidates) {
			continue
		}
		item := candidates[entry.Index]
		if !entry.IsRelevant {
			item.AddTrace(TraceStep{
				Stage:   StageBoost,
				Action:  ActionSkipped,
				Message: fmt.Sprintf("Labor not required for primary repair: %s", entry.Reasoning),
			})
			continue
		}
		item.CoverageStatus = StatusCovered
		item.CoverageCategory = primary.Category
		item.ExclusionReason = ""
		item.AddTrace(TraceStep{
			Stage:   StageBoost,
			Action:  ActionPromoted,
			Message: fmt.Sprintf("Labor required for primary repair '%s': %s", primary.Component, entry.Reasoning),
			Verdict: StatusCovered,
		})
	}
}

func (b *Booster) recordFailure(candidates []*LineItemCoverage, err error) {
	b.logger.Warn("labor relevance check failed; candidates left as classified", zap.Error(err))
	for _, item := range candidates {
		item.AddTrace(TraceStep{
			Stage:   StageBoost,
			Action:  ActionSkipped,
			Message: fmt.Sprintf("Labor relevance check failed: %v", err),
		})
	}
}
