package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"claimlens/internal/config"
	"claimlens/internal/llm"
)

// =============================================================================
// LLM MATCHER (stage 6)
// =============================================================================

// ProgressCallbacks notifies the caller about LLM fallback progress.
// OnStart receives the total number of residual items; OnProgress fires
// exactly once per item with a value of 1, including items the item
// limit or cancellation kept away from the model, so the ticks always
// sum to the OnStart count.
type ProgressCallbacks struct {
	OnStart    func(int)
	OnProgress func(int)
}

// llmDecision is the JSON shape the model must answer with.
type llmDecision struct {
	IsCovered        bool    `json:"is_covered"`
	Category         string  `json:"category"`
	MatchedComponent string  `json:"matched_component"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
}

// retryAuditor is the optional audit surface of a worker client. When
// the factory hands out audited clients, retries get linked to the
// call they replace.
type retryAuditor interface {
	SetContext(claimID, stage string)
	MarkRetry(prevCallID string)
	LastCallID() string
}

// LLMMatcher is the bounded, parallel, retried fallback for items no
// deterministic stage could settle. The call counter is the only
// mutable field shared across workers.
type LLMMatcher struct {
	cfg        config.LLMMatcherConfig
	factory    llm.ClientFactory
	prompts    llm.PromptProvider
	components *config.ComponentConfig
	checker    *PolicyListChecker
	logger     *zap.Logger

	callCount atomic.Int64
}

// NewLLMMatcher wires the matcher. The factory supplies one client per
// worker goroutine.
func NewLLMMatcher(cfg config.LLMMatcherConfig, factory llm.ClientFactory, prompts llm.PromptProvider, components *config.ComponentConfig, checker *PolicyListChecker, logger *zap.Logger) *LLMMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		prompts = llm.NewDefaultPromptProvider()
	}
	return &LLMMatcher{
		cfg:        cfg,
		factory:    factory,
		prompts:    prompts,
		components: components,
		checker:    checker,
		logger:     logger,
	}
}

// CallCount returns the number of dispatched LLM calls so far.
func (m *LLMMatcher) CallCount() int { return int(m.callCount.Load()) }

// BatchMatch classifies the residual items. Items are dispatched in
// input order to a pool of at most max_concurrent workers and mutated
// in place, so output order equals input order by construction.
// Cancellation is cooperative: in-flight calls run to completion,
// pending items short-circuit to REVIEW_NEEDED.
func (m *LLMMatcher) BatchMatch(ctx context.Context, claimID string, items []*LineItemCoverage, covered, excluded map[string][]string, repairCtx *RepairContext, coveredParts []string) {
	m.BatchMatchWithProgress(ctx, claimID, items, covered, excluded, repairCtx, coveredParts, ProgressCallbacks{})
}

// BatchMatchWithProgress is BatchMatch with progress notification.
func (m *LLMMatcher) BatchMatchWithProgress(ctx context.Context, claimID string, items []*LineItemCoverage, covered, excluded map[string][]string, repairCtx *RepairContext, coveredParts []string, callbacks ProgressCallbacks) {
	if len(items) == 0 {
		return
	}

	if callbacks.OnStart != nil {
		callbacks.OnStart(len(items))
	}

	var progressMu sync.Mutex
	notify := func() {
		if callbacks.OnProgress == nil {
			return
		}
		progressMu.Lock()
		callbacks.OnProgress(1)
		progressMu.Unlock()
	}

	process := items
	if m.cfg.MaxItems > 0 && len(items) > m.cfg.MaxItems {
		process = items[:m.cfg.MaxItems]
		for _, item := range items[m.cfg.MaxItems:] {
			m.markSkipped(item, "Skipped due to LLM item limit")
			notify()
		}
	}

	workers := m.cfg.MaxConcurrent
	if workers < 1 {
		workers = 1
	}
	if workers > len(process) {
		workers = len(process)
	}

	jobs := make(chan *LineItemCoverage, len(process))
	for _, item := range process {
		jobs <- item
	}
	close(jobs)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			client := m.factory()
			if auditor, ok := client.(retryAuditor); ok {
				auditor.SetContext(claimID, StageLLM)
			}
			for item := range jobs {
				if ctx.Err() != nil {
					m.markSkipped(item, "Analysis cancelled before LLM dispatch")
					notify()
					continue
				}
				m.matchOne(ctx, client, item, covered, excluded, repairCtx, coveredParts)
				notify()
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors; failures live on items
}

// markSkipped finalizes an item the LLM never saw. The SKIPPED action
// keeps it out of the call accounting.
func (m *LLMMatcher) markSkipped(item *LineItemCoverage, message string) {
	item.flushDeferred()
	item.CoverageStatus = StatusReviewNeeded
	item.MatchMethod = MethodLLM
	item.MatchConfidence = 0
	item.MatchReasoning = message
	item.AddTrace(TraceStep{
		Stage:   StageLLM,
		Action:  ActionSkipped,
		Message: message,
		Verdict: StatusReviewNeeded,
	})
}

// matchOne runs the retried per-item protocol. Exactly one call-counter
// increment per item; retries happen inside the dispatch.
func (m *LLMMatcher) matchOne(ctx context.Context, client llm.ChatClient, item *LineItemCoverage, covered, excluded map[string][]string, repairCtx *RepairContext, coveredParts []string) {
	m.callCount.Add(1)
	item.flushDeferred()

	system, user, err := m.prompts.Prompts(llm.PromptCoverageItem, m.promptSlots(item, covered, excluded, repairCtx, coveredParts))
	if err != nil {
		m.failItem(item, 1, err)
		return
	}

	auditor, _ := client.(retryAuditor)

	attempts := m.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if auditor != nil {
				auditor.MarkRetry(auditor.LastCallID())
			}
			if !m.backoff(ctx, attempt-1) {
				break
			}
		}

		resp, err := client.ChatCompletion(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Temperature: 0,
		})
		if err != nil {
			lastErr = err
			m.logger.Debug("llm attempt failed",
				zap.String("description", item.Description),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		var decision llmDecision
		if err := json.Unmarshal([]byte(llm.CleanJSONResponse(resp.Content)), &decision); err != nil {
			lastErr = fmt.Errorf("failed to parse LLM response: %w", err)
			continue
		}

		m.applyDecision(item, decision, covered, excluded, repairCtx)
		return
	}

	m.failItem(item, attempts, lastErr)
}

// backoff sleeps a jittered exponential delay; returns false when the
// context was cancelled during the wait.
func (m *LLMMatcher) backoff(ctx context.Context, attempt int) bool {
	ceiling := m.cfg.BaseDelay() * time.Duration(1<<attempt)
	if max := m.cfg.MaxDelay(); ceiling > max {
		ceiling = max
	}
	delay := time.Duration(rand.Float64() * float64(ceiling))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *LLMMatcher) failItem(item *LineItemCoverage, attempts int, err error) {
	msg := fmt.Sprintf("LLM classification failed after %d attempts", attempts)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	item.CoverageStatus = StatusReviewNeeded
	item.MatchMethod = MethodLLM
	item.MatchConfidence = 0
	item.MatchReasoning = msg
	item.NotCoveredAmount = item.TotalPrice
	item.AddTrace(TraceStep{
		Stage:      StageLLM,
		Action:     ActionDeferred,
		Message:    msg,
		Verdict:    StatusReviewNeeded,
		Confidence: floatPtr(0),
	})
	m.logger.Warn("llm classification exhausted retries",
		zap.String("description", item.Description),
		zap.Int("attempts", attempts))
}

// applyDecision writes the parsed decision onto the item and then runs
// the validation pass over it.
func (m *LLMMatcher) applyDecision(item *LineItemCoverage, decision llmDecision, covered, excluded map[string][]string, repairCtx *RepairContext) {
	status := StatusNotCovered
	action := ActionExcluded
	if decision.IsCovered {
		status = StatusCovered
		action = ActionMatched
	}

	item.CoverageStatus = status
	item.CoverageCategory = strings.ToLower(decision.Category)
	item.MatchedComponent = decision.MatchedComponent
	item.MatchMethod = MethodLLM
	item.MatchConfidence = decision.Confidence
	item.MatchReasoning = decision.Reasoning
	item.AddTrace(TraceStep{
		Stage:      StageLLM,
		Action:     action,
		Message:    decision.Reasoning,
		Verdict:    status,
		Confidence: floatPtr(decision.Confidence),
	})

	m.validateDecision(item, covered, excluded, repairCtx)
}

// validateDecision guards the model's verdict:
//
//   - excluded components are forced NOT_COVERED, regardless of what
//     the model said (the excluded list is authoritative);
//   - a NOT_COVERED verdict on a covered category is overridden to
//     COVERED when a synonym confirms the item against the policy list
//     (the model does not know the customer vocabulary);
//   - a COVERED verdict on an uncovered category is demoted to review.
func (m *LLMMatcher) validateDecision(item *LineItemCoverage, covered, excluded map[string][]string, repairCtx *RepairContext) {
	if m.isExcludedComponent(item, excluded) && !item.IsLabor() && !m.isAncillaryForCoveredRepair(item, repairCtx) {
		item.CoverageStatus = StatusNotCovered
		item.ExclusionReason = ReasonComponentExcluded
		item.AddTrace(TraceStep{
			Stage:   StageLLMValidation,
			Action:  ActionOverridden,
			Message: fmt.Sprintf("Component '%s' is on the policy's excluded list; forcing not covered", item.MatchedComponent),
			Verdict: StatusNotCovered,
		})
		return
	}

	if item.CoverageStatus == StatusNotCovered &&
		categoryCovered(item.CoverageCategory, covered, m.components.CategoryAliases) &&
		!m.hasGasketIndicator(item.Description) {
		if syn, ok := m.synonymOverride(item, covered); ok {
			item.CoverageStatus = StatusCovered
			item.ExclusionReason = ""
			item.PolicyListConfirmed = TristateTrue
			item.AddTrace(TraceStep{
				Stage:   StageLLMValidation,
				Action:  ActionOverridden,
				Message: fmt.Sprintf("Synonym '%s' confirmed in policy list for '%s'; overriding to covered", syn, item.CoverageCategory),
				Verdict: StatusCovered,
			})
			return
		}
	}

	if item.CoverageStatus == StatusCovered &&
		item.CoverageCategory != "" &&
		!categoryCovered(item.CoverageCategory, covered, m.components.CategoryAliases) {
		item.CoverageStatus = StatusReviewNeeded
		item.AddTrace(TraceStep{
			Stage:   StageLLMValidation,
			Action:  ActionDemoted,
			Message: fmt.Sprintf("LLM approved category '%s' which is not covered; demoting to review", item.CoverageCategory),
			Verdict: StatusReviewNeeded,
		})
	}
}

func (m *LLMMatcher) isExcludedComponent(item *LineItemCoverage, excluded map[string][]string) bool {
	for category := range excluded {
		parts := resolveExcludedParts(category, excluded, m.components.CategoryAliases)
		if len(parts) == 0 {
			continue
		}
		if item.MatchedComponent != "" && matchAgainstList(item.MatchedComponent, parts).hit {
			return true
		}
		if matchAgainstList(item.Description, parts).hit {
			return true
		}
	}
	return false
}

func (m *LLMMatcher) isAncillaryForCoveredRepair(item *LineItemCoverage, repairCtx *RepairContext) bool {
	if repairCtx == nil || !repairCtx.IsCovered.IsTrue() {
		return false
	}
	desc := NormalizeUmlauts(item.Description)
	for _, kw := range m.components.AncillaryKeywords {
		if kw != "" && strings.Contains(desc, NormalizeUmlauts(kw)) {
			return true
		}
	}
	return false
}

// synonymOverride looks for a component_synonyms entry of at least four
// characters in the description that the policy list confirms.
// Components are visited in sorted order so the winning synonym is the
// same on every run.
func (m *LLMMatcher) synonymOverride(item *LineItemCoverage, covered map[string][]string) (string, bool) {
	desc := NormalizeUmlauts(item.Description)
	components := make([]string, 0, len(m.components.ComponentSynonyms))
	for component := range m.components.ComponentSynonyms {
		components = append(components, component)
	}
	sort.Strings(components)
	for _, component := range components {
		synonyms := m.components.ComponentSynonyms[component]
		for _, syn := range append([]string{component}, synonyms...) {
			if len(syn) < 4 || !strings.Contains(desc, NormalizeUmlauts(syn)) {
				continue
			}
			if m.checker.IsInPolicyList(component, item.CoverageCategory, item.Description, covered) == TristateTrue {
				return syn, true
			}
		}
	}
	return "", false
}

func (m *LLMMatcher) hasGasketIndicator(description string) bool {
	desc := NormalizeUmlauts(description)
	for _, ind := range m.components.GasketSealIndicators {
		if ind != "" && strings.Contains(desc, NormalizeUmlauts(ind)) {
			return true
		}
	}
	return false
}

// promptSlots assembles the template slots for one item.
func (m *LLMMatcher) promptSlots(item *LineItemCoverage, covered, excluded map[string][]string, repairCtx *RepairContext, coveredParts []string) map[string]string {
	hints := "none"
	if item.partLookupComponent != "" {
		hints = fmt.Sprintf("catalog suggests component '%s' in category '%s'", item.partLookupComponent, item.partLookupSystem)
	}

	repair := "unknown"
	if repairCtx != nil && repairCtx.PrimaryComponent != "" {
		repair = fmt.Sprintf("%s (%s)", repairCtx.PrimaryComponent, repairCtx.PrimaryCategory)
	}

	inClaim := "none"
	if len(coveredParts) > 0 {
		inClaim = strings.Join(coveredParts, "; ")
	}

	return map[string]string{
		"description":            item.Description,
		"item_type":              item.ItemType,
		"total_price":            item.TotalPrice.String(),
		"covered_categories":     strings.Join(coveredCategoryNames(covered), ", "),
		"covered_components":     formatComponentMap(covered),
		"excluded_components":    formatComponentMap(excluded),
		"repair_context":         repair,
		"covered_parts_in_claim": inClaim,
		"part_lookup_hints":      hints,
	}
}

// coveredCategoryNames returns the covered category names sorted for a
// stable prompt.
func coveredCategoryNames(covered map[string][]string) []string {
	names := make([]string, 0, len(covered))
	for category, parts := range covered {
		if len(parts) > 0 {
			names = append(names, category)
		}
	}
	sort.Strings(names)
	return names
}

func formatComponentMap(components map[string][]string) string {
	if len(components) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(components))
	for k := range components {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, strings.Join(components[k], ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
