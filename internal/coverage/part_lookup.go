package coverage

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"claimlens/internal/config"
)

// =============================================================================
// PART-NUMBER LOOKUP (stage 2)
// =============================================================================

// PartNumberMatcher consults the injected catalog by exact item code.
// Keyword-style lookups are deliberately not done here: every keyword
// match must flow through the policy-list guard in stage 5, and catalog
// entries tagged with a keyword lookup source get extra scrutiny below.
type PartNumberMatcher struct {
	catalog    PartLookup
	components *config.ComponentConfig
	checker    *PolicyListChecker
	rules      *RuleEngine
	logger     *zap.Logger
}

// NewPartNumberMatcher wires the matcher. A nil catalog disables the
// stage.
func NewPartNumberMatcher(catalog PartLookup, components *config.ComponentConfig, checker *PolicyListChecker, rules *RuleEngine, logger *zap.Logger) *PartNumberMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartNumberMatcher{
		catalog:    catalog,
		components: components,
		checker:    checker,
		rules:      rules,
		logger:     logger,
	}
}

// Match classifies the item from a catalog hit. Returns true when the
// item received a final status here; false on catalog miss or when the
// item was deferred to the LLM with stashed hints.
func (m *PartNumberMatcher) Match(item *LineItemCoverage, covered, excluded map[string][]string, repairCtx *RepairContext) bool {
	if m.catalog == nil || strings.TrimSpace(item.ItemCode) == "" {
		return false
	}

	result, ok := m.catalog.Lookup(item.ItemCode)
	if !ok || result == nil {
		return false
	}

	keywordSource := strings.Contains(strings.ToLower(result.LookupSource), "keyword")

	// A keyword-sourced hit on a sealing part is the component's
	// gasket, not the component. Defer so the LLM judges it with the
	// repair context in hand.
	if keywordSource && m.hasGasketIndicator(item.Description) {
		m.deferToLLM(item, result, TraceStep{
			Stage:   StagePartLookup,
			Action:  ActionDeferred,
			Message: fmt.Sprintf("Sealing-part indicator in '%s'; catalog component '%s' deferred to LLM", item.Description, result.Component),
			Detail:  map[string]any{"reason": ReasonGasketSealDeferral, "lookup_source": result.LookupSource},
		})
		return false
	}

	if result.Covered.IsFalse() {
		m.classify(item, result, StatusNotCovered, ReasonComponentExcluded,
			fmt.Sprintf("Part %s (%s) is excluded by the catalog", result.PartNumber, result.Component))
		return true
	}

	confidence := 1.0
	if keywordSource {
		confidence = 0.85
	}

	if categoryCovered(result.System, covered, m.components.CategoryAliases) {
		switch m.checker.IsInPolicyList(result.Component, result.System, item.Description, covered) {
		case TristateTrue:
			item.PolicyListConfirmed = TristateTrue
			m.cover(item, result, result.System, confidence,
				fmt.Sprintf("Part %s identified as %s in covered category '%s'", result.PartNumber, result.Component, result.System))
			return m.laborRecheck(item, keywordSource)

		case TristateFalse:
			// Policy lists are representative; a component filed under
			// one category may be enumerated under another.
			if cat, ok := m.crossCategoryMatch(result.Component, result.System, item.Description, covered, excluded); ok {
				item.PolicyListConfirmed = TristateTrue
				m.cover(item, result, cat, confidence,
					fmt.Sprintf("Part %s (%s) confirmed under category '%s'", result.PartNumber, result.Component, cat))
				return m.laborRecheck(item, keywordSource)
			}
			m.deferToLLM(item, result, TraceStep{
				Stage:   StagePartLookup,
				Action:  ActionDeferred,
				Message: fmt.Sprintf("Component '%s' not in policy list for '%s'; deferred to LLM", result.Component, result.System),
			})
			return false

		default:
			if !keywordSource {
				if excl := resolveExcludedParts(result.System, excluded, m.components.CategoryAliases); len(excl) > 0 && matchAgainstList(result.Component, excl).hit {
					m.classify(item, result, StatusNotCovered, ReasonComponentExcluded,
						fmt.Sprintf("Part %s (%s) is in the excluded list for '%s'", result.PartNumber, result.Component, result.System))
					return true
				}
			}
			m.deferToLLM(item, result, TraceStep{
				Stage:   StagePartLookup,
				Action:  ActionDeferred,
				Message: fmt.Sprintf("Policy list inconclusive for '%s' in '%s'; deferred to LLM", result.Component, result.System),
			})
			return false
		}
	}

	// Category not covered. Ancillary items, items with repair context
	// and aliased categories still go to the LLM; the rest are final.
	if m.deservesLLMReview(item, result, repairCtx) {
		m.deferToLLM(item, result, TraceStep{
			Stage:   StagePartLookup,
			Action:  ActionDeferred,
			Message: fmt.Sprintf("Category '%s' not covered but item may support a covered repair; deferred to LLM", result.System),
		})
		return false
	}

	m.classify(item, result, StatusNotCovered, ReasonCategoryNotCovered,
		fmt.Sprintf("Part %s (%s) belongs to category '%s' which is not covered", result.PartNumber, result.Component, result.System))
	return true
}

func (m *PartNumberMatcher) hasGasketIndicator(description string) bool {
	desc := NormalizeUmlauts(description)
	for _, ind := range m.components.GasketSealIndicators {
		if ind != "" && strings.Contains(desc, NormalizeUmlauts(ind)) {
			return true
		}
	}
	return false
}

// crossCategoryMatch searches the remaining covered categories for the
// component, skipping any category that excludes it.
func (m *PartNumberMatcher) crossCategoryMatch(component, origCategory, description string, covered, excluded map[string][]string) (string, bool) {
	for category, parts := range covered {
		if strings.EqualFold(category, origCategory) || len(parts) == 0 {
			continue
		}
		if m.checker.IsInPolicyList(component, category, description, covered) != TristateTrue {
			continue
		}
		if excl := resolveExcludedParts(category, excluded, m.components.CategoryAliases); len(excl) > 0 && matchAgainstList(component, excl).hit {
			continue
		}
		return category, true
	}
	return "", false
}

func (m *PartNumberMatcher) deservesLLMReview(item *LineItemCoverage, result *PartLookupResult, repairCtx *RepairContext) bool {
	if item.IsLabor() {
		return true
	}
	desc := NormalizeUmlauts(item.Description)
	for _, kw := range m.components.AncillaryKeywords {
		if kw != "" && strings.Contains(desc, NormalizeUmlauts(kw)) {
			return true
		}
	}
	if repairCtx != nil && repairCtx.PrimaryComponent != "" {
		return true
	}
	lower := strings.ToLower(result.System)
	if len(m.components.CategoryAliases[lower]) > 0 {
		return true
	}
	for _, aliases := range m.components.CategoryAliases {
		for _, a := range aliases {
			if a == lower {
				return true
			}
		}
	}
	return false
}

// laborRecheck guards labor covered via a keyword-sourced catalog hit
// against the non-covered labor rules. Towing stays towing no matter
// what the catalog says; exact part-number hits are authoritative.
func (m *PartNumberMatcher) laborRecheck(item *LineItemCoverage, keywordSource bool) bool {
	if !keywordSource || !item.IsLabor() || item.CoverageStatus != StatusCovered {
		return true
	}
	if pattern, hit := m.rules.CheckNonCoveredLabor(item.Description); hit {
		item.CoverageStatus = StatusNotCovered
		item.ExclusionReason = ReasonNonCoveredLabor
		item.MatchReasoning = fmt.Sprintf("Overridden: labor matches non-covered labor rule %s", pattern)
		item.AddTrace(TraceStep{
			Stage:      StagePartLookup,
			Action:     ActionOverridden,
			Message:    item.MatchReasoning,
			Verdict:    StatusNotCovered,
			Confidence: floatPtr(1.0),
		})
	}
	return true
}

func (m *PartNumberMatcher) cover(item *LineItemCoverage, result *PartLookupResult, category string, confidence float64, reasoning string) {
	item.CoverageStatus = StatusCovered
	item.CoverageCategory = category
	item.MatchedComponent = result.Component
	item.MatchMethod = MethodPartNumber
	item.MatchConfidence = confidence
	item.MatchReasoning = reasoning
	item.AddTrace(TraceStep{
		Stage:      StagePartLookup,
		Action:     ActionMatched,
		Message:    reasoning,
		Verdict:    StatusCovered,
		Confidence: floatPtr(confidence),
		Detail:     map[string]any{"part_number": result.PartNumber, "lookup_source": result.LookupSource},
	})
}

func (m *PartNumberMatcher) classify(item *LineItemCoverage, result *PartLookupResult, status CoverageStatus, reason, reasoning string) {
	item.CoverageStatus = status
	item.CoverageCategory = result.System
	item.MatchedComponent = result.Component
	item.MatchMethod = MethodPartNumber
	item.MatchConfidence = 1.0
	item.MatchReasoning = reasoning
	item.ExclusionReason = reason
	item.AddTrace(TraceStep{
		Stage:      StagePartLookup,
		Action:     ActionExcluded,
		Message:    reasoning,
		Verdict:    status,
		Confidence: floatPtr(1.0),
		Detail:     map[string]any{"part_number": result.PartNumber, "lookup_source": result.LookupSource},
	})
}

// deferToLLM stashes the catalog hints and trace fragment on the item for
// the LLM stage.
func (m *PartNumberMatcher) deferToLLM(item *LineItemCoverage, result *PartLookupResult, step TraceStep) {
	item.partLookupSystem = result.System
	item.partLookupComponent = result.Component
	item.deferredTrace = append(item.deferredTrace, step)
	m.logger.Debug("part lookup deferred to llm",
		zap.String("item_code", item.ItemCode),
		zap.String("component", result.Component))
}
