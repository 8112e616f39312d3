package coverage

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"claimlens/internal/config"
)

// =============================================================================
// POLICY-LIST VERIFICATION (stage 5)
// =============================================================================

// PolicyListChecker is the central correctness guard: every keyword or
// labor-extraction match must be confirmed against the policy's explicit
// parts list before it is allowed to stay COVERED. Category-level
// matching alone has produced false approvals; this check closes that
// path.
type PolicyListChecker struct {
	components *config.ComponentConfig
	logger     *zap.Logger
}

// NewPolicyListChecker builds the guard over the customer vocabulary.
func NewPolicyListChecker(components *config.ComponentConfig, logger *zap.Logger) *PolicyListChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyListChecker{components: components, logger: logger}
}

// ResolvePolicyParts finds the policy parts list for a category,
// trying the category name itself and its configured aliases, extended
// with additional_policy_parts. Returns nil when no list resolves.
func (p *PolicyListChecker) ResolvePolicyParts(category string, covered map[string][]string) []string {
	lower := strings.ToLower(category)

	candidates := []string{lower}
	candidates = append(candidates, p.components.CategoryAliases[lower]...)
	// Reverse alias direction: the matched category may itself be an
	// alias of the policy's key.
	for key, aliases := range p.components.CategoryAliases {
		for _, alias := range aliases {
			if alias == lower {
				candidates = append(candidates, key)
			}
		}
	}

	for _, candidate := range candidates {
		for key, parts := range covered {
			if strings.ToLower(key) == candidate {
				out := make([]string, 0, len(parts)+4)
				out = append(out, parts...)
				out = append(out, p.components.AdditionalPolicyParts[candidate]...)
				return out
			}
		}
	}
	return nil
}

// matchResult reports how a component compared against one list.
type matchResult struct {
	hit          bool
	guardBlocked bool
	matchedEntry string
}

// matchAgainstList tests the folded component against each folded
// policy entry, substring in both directions. The short-string guard
// demands exact equality when either side is three characters or
// fewer, so "asr" never rides along inside "abgasrueckfuehrung".
func matchAgainstList(component string, parts []string) matchResult {
	comp := NormalizeUmlauts(strings.TrimSpace(component))
	if comp == "" {
		return matchResult{}
	}

	var res matchResult
	for _, part := range parts {
		entry := NormalizeUmlauts(strings.TrimSpace(part))
		if entry == "" {
			continue
		}
		if len(comp) <= 3 || len(entry) <= 3 {
			if comp == entry {
				return matchResult{hit: true, matchedEntry: part}
			}
			if strings.Contains(comp, entry) || strings.Contains(entry, comp) {
				res.guardBlocked = true
			}
			continue
		}
		if strings.Contains(comp, entry) || strings.Contains(entry, comp) {
			return matchResult{hit: true, matchedEntry: part}
		}
	}
	return res
}

// IsInPolicyList runs the full verification for a matched component:
// direct bidirectional substring, synonyms, distribution catch-all, and
// finally the original description. The result is tri-state:
//
//   - True: confirmed in the policy list.
//   - False: the vocabulary knows the component (or the short-string
//     guard blocked the only candidate) and the list rules it out.
//   - Unknown: no synonym mapping and no direct relation; the list
//     cannot settle it either way.
func (p *PolicyListChecker) IsInPolicyList(matchedComponent, category, description string, covered map[string][]string) Tristate {
	parts := p.ResolvePolicyParts(category, covered)
	if len(parts) == 0 {
		return TristateUnknown
	}

	direct := matchAgainstList(matchedComponent, parts)
	if direct.hit {
		return TristateTrue
	}

	synonyms := p.components.SynonymsFor(matchedComponent)
	guardBlocked := direct.guardBlocked
	for _, syn := range synonyms {
		res := matchAgainstList(syn, parts)
		if res.hit {
			return TristateTrue
		}
		guardBlocked = guardBlocked || res.guardBlocked
	}

	if p.components.IsCatchAllComponent(matchedComponent) {
		for _, part := range parts {
			entry := NormalizeUmlauts(part)
			for _, kw := range p.components.DistributionCatchAllKeywords {
				if strings.Contains(entry, NormalizeUmlauts(kw)) {
					return TristateTrue
				}
			}
		}
	}

	if desc := NormalizeUmlauts(description); desc != "" {
		for _, part := range parts {
			entry := NormalizeUmlauts(strings.TrimSpace(part))
			if len(entry) > 3 && strings.Contains(desc, entry) {
				return TristateTrue
			}
		}
	}

	if len(synonyms) > 0 || guardBlocked {
		return TristateFalse
	}
	return TristateUnknown
}

// VerifyKeywordMatches applies the guard to every keyword-matched item
// currently COVERED. Confirmed items get a VALIDATED step; rejected and
// uncertain items are demoted back to the residual pool with a DEFERRED
// step so the LLM reconsiders them. Items already confirmed are left
// untouched, which makes the pass idempotent.
func (p *PolicyListChecker) VerifyKeywordMatches(matched []*LineItemCoverage, covered map[string][]string) (keep, demoted []*LineItemCoverage) {
	for _, item := range matched {
		if item.MatchMethod != MethodKeyword || item.CoverageStatus != StatusCovered {
			keep = append(keep, item)
			continue
		}
		if item.PolicyListConfirmed == TristateTrue {
			keep = append(keep, item)
			continue
		}

		verdict := p.IsInPolicyList(item.MatchedComponent, item.CoverageCategory, item.Description, covered)
		switch verdict {
		case TristateTrue:
			item.PolicyListConfirmed = TristateTrue
			item.AddTrace(TraceStep{
				Stage:   StagePolicyListCheck,
				Action:  ActionValidated,
				Message: fmt.Sprintf("Component '%s' confirmed in policy list for '%s'", item.MatchedComponent, item.CoverageCategory),
				Verdict: StatusCovered,
			})
			keep = append(keep, item)

		case TristateFalse:
			item.PolicyListConfirmed = TristateFalse
			item.AddTrace(TraceStep{
				Stage:   StagePolicyListCheck,
				Action:  ActionDeferred,
				Message: fmt.Sprintf("Component '%s' not in policy list for '%s'; deferring to LLM", item.MatchedComponent, item.CoverageCategory),
			})
			p.logger.Debug("policy list rejected keyword match",
				zap.String("component", item.MatchedComponent),
				zap.String("category", item.CoverageCategory))
			demoted = append(demoted, item)

		default:
			item.PolicyListConfirmed = TristateUnknown
			item.AddTrace(TraceStep{
				Stage:   StagePolicyListCheck,
				Action:  ActionDeferred,
				Message: fmt.Sprintf("Component '%s' unverifiable against policy list for '%s'; deferring to LLM", item.MatchedComponent, item.CoverageCategory),
			})
			demoted = append(demoted, item)
		}
	}
	return keep, demoted
}
