package coverage

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"claimlens/internal/config"
)

// =============================================================================
// LABOR COMPONENT EXTRACTION (stage 4)
// =============================================================================

// laborExtractionConfidence applies to every stage-4 promotion.
const laborExtractionConfidence = 0.80

// LaborExtractor promotes residual labor items whose description names
// a known component, subject to the policy-list guard.
type LaborExtractor struct {
	components *config.ComponentConfig
	checker    *PolicyListChecker
	logger     *zap.Logger
}

// NewLaborExtractor wires the extractor.
func NewLaborExtractor(components *config.ComponentConfig, checker *PolicyListChecker, logger *zap.Logger) *LaborExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LaborExtractor{components: components, checker: checker, logger: logger}
}

// Match promotes the labor item when the longest repair-context keyword
// in its description maps to a covered category and the policy list
// confirms the component. Anything less stays residual for the LLM.
func (x *LaborExtractor) Match(item *LineItemCoverage, covered map[string][]string) bool {
	if !item.IsLabor() {
		return false
	}

	keyword, kw, ok := longestRepairKeyword(x.components, item.Description)
	if !ok {
		return false
	}
	if !categoryCovered(kw.Category, covered, x.components.CategoryAliases) {
		return false
	}
	if x.checker.IsInPolicyList(kw.Component, kw.Category, item.Description, covered) != TristateTrue {
		return false
	}

	item.CoverageStatus = StatusCovered
	item.CoverageCategory = kw.Category
	item.MatchedComponent = kw.Component
	item.MatchMethod = MethodKeyword
	item.MatchConfidence = laborExtractionConfidence
	item.MatchReasoning = fmt.Sprintf("Labor description contains component keyword '%s' → %s in %s", keyword, kw.Component, kw.Category)
	item.PolicyListConfirmed = TristateTrue
	item.AddTrace(TraceStep{
		Stage:      StageLaborExtraction,
		Action:     ActionMatched,
		Message:    item.MatchReasoning,
		Verdict:    StatusCovered,
		Confidence: floatPtr(laborExtractionConfidence),
	})
	x.logger.Debug("labor extraction matched",
		zap.String("keyword", keyword),
		zap.String("component", kw.Component))
	return true
}

// longestRepairKeyword returns the longest repair_context_keywords key
// present in the description. Equal-length ties resolve to the
// lexicographically smaller key so the outcome does not depend on map
// iteration order.
func longestRepairKeyword(components *config.ComponentConfig, description string) (string, config.RepairKeyword, bool) {
	desc := strings.ToLower(description)

	var bestKey string
	var best config.RepairKeyword
	for key, kw := range components.RepairContextKeywords {
		if !strings.Contains(desc, key) {
			continue
		}
		if len(key) < len(bestKey) || (len(key) == len(bestKey) && key > bestKey) {
			continue
		}
		bestKey = key
		best = kw
	}
	return bestKey, best, bestKey != ""
}
