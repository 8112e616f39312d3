package coverage

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"claimlens/internal/config"
)

// =============================================================================
// RULE ENGINE (stage 1)
// =============================================================================

// RuleEngine applies compiled deterministic patterns against item
// descriptions. A rule verdict is final for the item with confidence
// 1.0; the patterns themselves are data, loaded from RuleConfig.
type RuleEngine struct {
	exclusion       []*regexp.Regexp
	nonCoveredLabor []*regexp.Regexp
	consumable      []*regexp.Regexp
	fluid           []*regexp.Regexp
	logger          *zap.Logger
}

// NewRuleEngine compiles the configured pattern sets.
func NewRuleEngine(cfg config.RuleConfig, logger *zap.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &RuleEngine{logger: logger}

	var err error
	if e.exclusion, err = compilePatterns(cfg.ExclusionPatterns); err != nil {
		return nil, fmt.Errorf("exclusion patterns: %w", err)
	}
	if e.nonCoveredLabor, err = compilePatterns(cfg.NonCoveredLaborPatterns); err != nil {
		return nil, fmt.Errorf("non-covered labor patterns: %w", err)
	}
	if e.consumable, err = compilePatterns(cfg.ConsumablePatterns); err != nil {
		return nil, fmt.Errorf("consumable patterns: %w", err)
	}
	if e.fluid, err = compilePatterns(cfg.FluidPatterns); err != nil {
		return nil, fmt.Errorf("fluid patterns: %w", err)
	}
	return e, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// MatchesExclusion reports whether the description hits any exclusion
// pattern. Also consulted by the repair-context extractor to suppress
// keyword false positives.
func (e *RuleEngine) MatchesExclusion(description string) bool {
	return firstMatch(e.exclusion, description) != ""
}

// CheckNonCoveredLabor reports whether the description names labor the
// policy never pays for (towing, battery charging). Re-used by the
// part-lookup stage to override keyword-covered labor.
func (e *RuleEngine) CheckNonCoveredLabor(description string) (string, bool) {
	p := firstMatch(e.nonCoveredLabor, description)
	return p, p != ""
}

// Classify runs the rule sets against the item. Returns true when a
// rule produced a verdict; the item then carries a rule_engine trace
// step. skipConsumableCheck suppresses the consumable rules when the
// repair context implicates a covered component, so consumables
// supporting that repair are not denied here.
func (e *RuleEngine) Classify(item *LineItemCoverage, skipConsumableCheck bool) bool {
	if p := firstMatch(e.exclusion, item.Description); p != "" {
		e.exclude(item, ReasonComponentExcluded, "Matched exclusion rule", p)
		return true
	}

	if item.IsLabor() {
		if p := firstMatch(e.nonCoveredLabor, item.Description); p != "" {
			e.exclude(item, ReasonNonCoveredLabor, "Matched non-covered labor rule", p)
			return true
		}
	}

	if !skipConsumableCheck {
		if p := firstMatch(e.consumable, item.Description); p != "" {
			e.exclude(item, ReasonCategoryNotCovered, "Matched consumable rule", p)
			return true
		}
	}

	if p := firstMatch(e.fluid, item.Description); p != "" {
		e.exclude(item, ReasonCategoryNotCovered, "Matched fluid rule", p)
		return true
	}

	return false
}

func (e *RuleEngine) exclude(item *LineItemCoverage, reason, message, pattern string) {
	item.CoverageStatus = StatusNotCovered
	item.MatchMethod = MethodRule
	item.MatchConfidence = 1.0
	item.MatchReasoning = fmt.Sprintf("%s: %s", message, pattern)
	item.ExclusionReason = reason
	item.AddTrace(TraceStep{
		Stage:      StageRuleEngine,
		Action:     ActionExcluded,
		Message:    item.MatchReasoning,
		Verdict:    StatusNotCovered,
		Confidence: floatPtr(1.0),
		Detail:     map[string]any{"pattern": pattern},
	})
	e.logger.Debug("rule excluded item",
		zap.String("description", item.Description),
		zap.String("reason", reason))
}

func firstMatch(patterns []*regexp.Regexp, s string) string {
	for _, re := range patterns {
		if re.MatchString(s) {
			return re.String()
		}
	}
	return ""
}
