package coverage

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"claimlens/internal/config"
)

// =============================================================================
// KEYWORD MATCHER (stage 3)
// =============================================================================

// KeywordMatcher applies the language-specific term taxonomy. Every
// match produced here is provisional: stage 5 must confirm it against
// the policy's explicit parts list before it survives.
type KeywordMatcher struct {
	mappings      map[string]config.KeywordMapping
	components    *config.ComponentConfig
	minConfidence float64
	logger        *zap.Logger
}

// NewKeywordMatcher builds the matcher; mapping keys are stored
// lower-case.
func NewKeywordMatcher(kc config.KeywordConfig, components *config.ComponentConfig, minConfidence float64, logger *zap.Logger) *KeywordMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	mappings := make(map[string]config.KeywordMapping, len(kc.Mappings))
	for term, m := range kc.Mappings {
		mappings[strings.ToLower(term)] = m
	}
	return &KeywordMatcher{
		mappings:      mappings,
		components:    components,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// Match classifies the item from the taxonomy. A term only counts when
// its category is covered and its confidence clears the threshold;
// otherwise the item stays in the residual pool.
func (m *KeywordMatcher) Match(item *LineItemCoverage, covered map[string][]string) bool {
	term, mapping, ok := m.bestTerm(item.Description, covered)
	if !ok {
		return false
	}
	if mapping.Confidence < m.minConfidence {
		m.logger.Debug("keyword match below confidence threshold",
			zap.String("term", term),
			zap.Float64("confidence", mapping.Confidence),
			zap.Float64("threshold", m.minConfidence))
		return false
	}

	item.CoverageStatus = StatusCovered
	item.CoverageCategory = mapping.Category
	item.MatchedComponent = term
	item.MatchMethod = MethodKeyword
	item.MatchConfidence = mapping.Confidence
	item.MatchReasoning = fmt.Sprintf("Description contains keyword '%s' mapped to covered category '%s'", term, mapping.Category)
	item.AddTrace(TraceStep{
		Stage:      StageKeywordMatch,
		Action:     ActionMatched,
		Message:    item.MatchReasoning,
		Verdict:    StatusCovered,
		Confidence: floatPtr(mapping.Confidence),
	})
	return true
}

// bestTerm returns the highest-confidence covered-category term found
// in the description, preferring the longer term on ties and the
// lexicographically smaller term when length ties too, so the result
// does not depend on map iteration order.
func (m *KeywordMatcher) bestTerm(description string, covered map[string][]string) (string, config.KeywordMapping, bool) {
	desc := strings.ToLower(description)

	var bestTerm string
	var best config.KeywordMapping
	for term, mapping := range m.mappings {
		if !strings.Contains(desc, term) {
			continue
		}
		if !categoryCovered(mapping.Category, covered, m.components.CategoryAliases) {
			continue
		}
		if bestTerm == "" ||
			mapping.Confidence > best.Confidence ||
			(mapping.Confidence == best.Confidence &&
				(len(term) > len(bestTerm) ||
					(len(term) == len(bestTerm) && term < bestTerm))) {
			bestTerm = term
			best = mapping
		}
	}
	return bestTerm, best, bestTerm != ""
}
