package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"claimlens/internal/config"
	"claimlens/internal/llm"
)

// =============================================================================
// ANALYZER
// =============================================================================

// CoverageAnalyzer runs the full pipeline for one claim at a time. One
// analyzer may serve many claims; all configuration is read-only after
// construction, so concurrent Analyze calls on separate claims are
// safe.
type CoverageAnalyzer struct {
	cfg        *config.Config
	components *config.ComponentConfig

	rules      *RuleEngine
	checker    *PolicyListChecker
	repairCtx  *RepairContextExtractor
	partMatch  *PartNumberMatcher
	keywords   *KeywordMatcher
	laborExt   *LaborExtractor
	llmMatch   *LLMMatcher
	reconciler *Reconciler
	primary    *PrimaryRepairSelector
	booster    *Booster
	summarizer *Summarizer

	logger *zap.Logger
}

// NewAnalyzer builds the pipeline from explicit configuration records.
// catalog and factory may be nil; the part-lookup stage and the LLM
// stages degrade gracefully without them.
func NewAnalyzer(cfg *config.Config, components *config.ComponentConfig, catalog PartLookup, factory llm.ClientFactory, prompts llm.PromptProvider, logger *zap.Logger) (*CoverageAnalyzer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if components == nil {
		components = &config.ComponentConfig{}
		components.Normalize()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		prompts = llm.NewDefaultPromptProvider()
	}

	rules, err := NewRuleEngine(cfg.Rules, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule engine: %w", err)
	}

	checker := NewPolicyListChecker(components, logger)

	return &CoverageAnalyzer{
		cfg:        cfg,
		components: components,
		rules:      rules,
		checker:    checker,
		repairCtx:  NewRepairContextExtractor(components, rules, checker, logger),
		partMatch:  NewPartNumberMatcher(catalog, components, checker, rules, logger),
		keywords:   NewKeywordMatcher(cfg.Keywords, components, cfg.Analyzer.MinKeywordConfidence, logger),
		laborExt:   NewLaborExtractor(components, checker, logger),
		llmMatch:   NewLLMMatcher(cfg.LLM, factory, prompts, components, checker, logger),
		reconciler: NewReconciler(components, cfg.Analyzer.NominalPriceThreshold, logger),
		primary:    NewPrimaryRepairSelector(components, factory, prompts, cfg.Analyzer.UseLLMPrimaryRepair, logger),
		booster:    NewBooster(factory, prompts, logger),
		summarizer: NewSummarizer(cfg.Analyzer.DefaultCoveragePercent, logger),
		logger:     logger,
	}, nil
}

// NewAnalyzerFromConfigPath loads the main YAML plus its sibling
// keyword-mappings and component-config files, then builds the
// analyzer. Missing files fall back to defaults with a warning.
func NewAnalyzerFromConfigPath(path string, catalog PartLookup, factory llm.ClientFactory, logger *zap.Logger) (*CoverageAnalyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if len(cfg.Keywords.Mappings) == 0 {
		kc, err := config.LoadKeywordMappings(path)
		if err != nil {
			logger.Warn("keyword mappings unavailable; continuing without", zap.Error(err))
		} else {
			cfg.Keywords = kc
		}
	}

	components, err := config.LoadComponentConfig(path)
	if err != nil {
		logger.Warn("component config unavailable; continuing with empty vocabulary", zap.Error(err))
		components = &config.ComponentConfig{}
		components.Normalize()
	}

	return NewAnalyzer(cfg, components, catalog, factory, nil, logger)
}

// AnalyzeRequest is the full input for one claim.
type AnalyzeRequest struct {
	ClaimID    string
	ClaimRunID string
	LineItems  []LineItem

	CoveredComponents  map[string][]string
	ExcludedComponents map[string][]string

	VehicleKm         *int
	VehicleAgeYears   *decimal.Decimal
	AgeThresholdYears *int
	CoverageScale     *CoverageScale
	ExcessPercent     *decimal.Decimal
	ExcessMinimum     *decimal.Decimal

	RepairDescription string

	// OnLLMStart receives the number of items headed to the LLM;
	// OnLLMProgress fires once per item with a value of 1.
	OnLLMStart    func(int)
	OnLLMProgress func(int)
}

// Analyze runs the pipeline and returns the per-item decisions, the
// primary repair and the payout summary. Items never fail
// individually: every input item appears in the result, in input
// order, with a defined status and a decision trace.
func (a *CoverageAnalyzer) Analyze(ctx context.Context, req AnalyzeRequest) (*CoverageAnalysisResult, error) {
	start := time.Now()
	meta := AnalysisMetadata{ConfigVersion: a.cfg.Analyzer.Version}
	llmCallsBefore := a.llmMatch.CallCount()

	// Stage 0: what repair is this claim about?
	repairCtx := a.repairCtx.Extract(req.LineItems, req.CoveredComponents, req.ExcludedComponents)
	skipConsumables := repairCtx.IsCovered.IsTrue()

	items := make([]*LineItemCoverage, len(req.LineItems))
	for i, li := range req.LineItems {
		items[i] = &LineItemCoverage{
			ItemCode:    li.ItemCode,
			Description: li.Description,
			ItemType:    li.ItemType,
			TotalPrice:  li.TotalPrice,
		}
	}

	final := make([]bool, len(items))

	// Stage 1: deterministic rules.
	for i, item := range items {
		if final[i] {
			continue
		}
		if a.rules.Classify(item, skipConsumables) {
			final[i] = true
			meta.RulesApplied++
		}
	}

	// Stage 2: part-number catalog.
	for i, item := range items {
		if final[i] {
			continue
		}
		if a.partMatch.Match(item, req.CoveredComponents, req.ExcludedComponents, repairCtx) {
			final[i] = true
			meta.PartNumbersApplied++
		}
	}

	// Stage 3: keyword taxonomy.
	for i, item := range items {
		if final[i] {
			continue
		}
		if a.keywords.Match(item, req.CoveredComponents) {
			final[i] = true
			meta.KeywordsApplied++
		}
	}

	// Stage 4: labor component extraction.
	for i, item := range items {
		if final[i] {
			continue
		}
		if a.laborExt.Match(item, req.CoveredComponents) {
			final[i] = true
			meta.KeywordsApplied++
		}
	}

	// Stage 5: the policy-list guard may demote keyword matches back
	// into the residual pool.
	var matched []*LineItemCoverage
	for i, item := range items {
		if final[i] {
			matched = append(matched, item)
		}
	}
	_, demoted := a.checker.VerifyKeywordMatches(matched, req.CoveredComponents)
	for _, d := range demoted {
		for i, item := range items {
			if item == d {
				final[i] = false
				item.CoverageStatus = StatusReviewNeeded
			}
		}
	}

	// Stage 6: LLM fallback for whatever is left, in input order.
	var residual []*LineItemCoverage
	for i, item := range items {
		if !final[i] {
			residual = append(residual, item)
		}
	}

	useLLM := a.cfg.Analyzer.UseLLMFallback && a.llmMatch.factory != nil
	if useLLM && len(residual) > 0 {
		a.llmMatch.BatchMatchWithProgress(ctx, req.ClaimID, residual,
			req.CoveredComponents, req.ExcludedComponents, repairCtx,
			coveredPartDescriptions(items), ProgressCallbacks{
				OnStart:    req.OnLLMStart,
				OnProgress: req.OnLLMProgress,
			})
	} else {
		for _, item := range residual {
			item.flushDeferred()
			if item.CoverageStatus == "" {
				item.CoverageStatus = StatusReviewNeeded
			}
			if item.MatchReasoning == "" {
				item.MatchReasoning = "No matching stage classified this item"
			}
		}
	}

	// Any deferral stash surviving to this point belongs in the trace.
	for _, item := range items {
		item.flushDeferred()
	}

	// Stage 7: cross-item reconciliation.
	a.reconciler.Apply(items, repairCtx)

	// Stage 8: primary repair.
	primary := a.primary.Determine(ctx, items, repairCtx, req.RepairDescription, req.CoveredComponents)

	// Stage 9: boost.
	a.booster.Apply(ctx, items, primary)

	// Stage 10: payout math.
	rates := a.summarizer.resolveRates(req.VehicleKm, req.VehicleAgeYears, req.CoverageScale, req.AgeThresholdYears)
	summary := a.summarizer.Apply(items, rates)

	meta.LLMCalls = a.llmMatch.CallCount() - llmCallsBefore
	meta.ProcessingTimeMs = time.Since(start).Milliseconds()

	result := &CoverageAnalysisResult{
		ClaimID:     req.ClaimID,
		ClaimRunID:  req.ClaimRunID,
		GeneratedAt: time.Now().UTC(),
		Inputs: CoverageInputs{
			VehicleKm:                req.VehicleKm,
			VehicleAgeYears:          req.VehicleAgeYears,
			CoveragePercent:          rates.mileage,
			CoveragePercentEffective: rates.effective,
			AgeThresholdYears:        req.AgeThresholdYears,
			ExcessPercent:            req.ExcessPercent,
			ExcessMinimum:            req.ExcessMinimum,
			CoveredCategories:        coveredCategoryNames(req.CoveredComponents),
		},
		LineItems:     items,
		Summary:       summary,
		PrimaryRepair: primary,
		Metadata:      meta,
	}

	if repairCtx.PrimaryComponent != "" {
		rc := &PrimaryRepairResult{
			Component:           repairCtx.PrimaryComponent,
			Category:            repairCtx.PrimaryCategory,
			Description:         repairCtx.SourceDescription,
			Confidence:          0.6,
			DeterminationMethod: DeterminationRepairContext,
		}
		if covered, known := repairCtx.IsCovered.Bool(); known {
			rc.IsCovered = boolPtr(covered)
		}
		result.RepairContext = rc
	}

	a.logger.Info("coverage analysis complete",
		zap.String("claim_id", req.ClaimID),
		zap.Int("items", len(items)),
		zap.Int("covered", summary.ItemsCovered),
		zap.Int("not_covered", summary.ItemsNotCovered),
		zap.Int("review_needed", summary.ItemsReviewNeeded),
		zap.Int("llm_calls", meta.LLMCalls),
		zap.Int64("duration_ms", meta.ProcessingTimeMs))

	return result, nil
}

// coveredPartDescriptions lists the already-covered parts for the LLM
// prompt context.
func coveredPartDescriptions(items []*LineItemCoverage) []string {
	var out []string
	for _, item := range items {
		if item.IsParts() && item.CoverageStatus == StatusCovered {
			if item.MatchedComponent != "" {
				out = append(out, fmt.Sprintf("%s (%s)", item.Description, item.MatchedComponent))
			} else {
				out = append(out, item.Description)
			}
		}
	}
	return out
}
