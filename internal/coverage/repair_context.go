package coverage

import (
	"strings"

	"go.uber.org/zap"

	"claimlens/internal/config"
)

// =============================================================================
// REPAIR-CONTEXT EXTRACTION (stage 0)
// =============================================================================

// RepairContextExtractor reads labor descriptions before any per-item
// matching to find out what repair the claim is about. The result
// steers the consumable rules, the LLM prompts and the reconciliation
// passes.
type RepairContextExtractor struct {
	components *config.ComponentConfig
	rules      *RuleEngine
	checker    *PolicyListChecker
	logger     *zap.Logger
}

// NewRepairContextExtractor wires the extractor.
func NewRepairContextExtractor(components *config.ComponentConfig, rules *RuleEngine, checker *PolicyListChecker, logger *zap.Logger) *RepairContextExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RepairContextExtractor{
		components: components,
		rules:      rules,
		checker:    checker,
		logger:     logger,
	}
}

// Extract scans labor items for repair-context keywords. The first
// labor item with a hit sets the primary component; detections across
// all labor items accumulate into AllDetectedComponents.
func (x *RepairContextExtractor) Extract(items []LineItem, covered, excluded map[string][]string) *RepairContext {
	ctx := &RepairContext{IsCovered: TristateUnknown}
	seen := map[string]bool{}

	for _, item := range items {
		if !item.IsLabor() || strings.TrimSpace(item.Description) == "" {
			continue
		}
		// Exclusion patterns suppress keyword false positives such as
		// "culasse" inside "couvre culasse".
		if x.rules.MatchesExclusion(item.Description) {
			continue
		}

		keyword, kw, ok := longestRepairKeyword(x.components, item.Description)
		if !ok {
			continue
		}

		if !seen[kw.Component] {
			seen[kw.Component] = true
			ctx.AllDetectedComponents = append(ctx.AllDetectedComponents, kw.Component)
		}

		if ctx.PrimaryComponent == "" {
			ctx.PrimaryComponent = kw.Component
			ctx.PrimaryCategory = kw.Category
			ctx.SourceDescription = item.Description
			ctx.IsCovered = x.deriveCovered(kw.Component, kw.Category, covered, excluded)
			x.logger.Debug("repair context detected",
				zap.String("keyword", keyword),
				zap.String("component", kw.Component),
				zap.String("category", kw.Category),
				zap.String("is_covered", ctx.IsCovered.String()))
		}
	}

	return ctx
}

// deriveCovered decides whether the detected primary component is
// covered:
//
//  1. Strict policy-list lookup for the category, synonyms included.
//  2. Otherwise covered when the category itself is covered and the
//     component is not excluded there. Policy lists are representative,
//     not exhaustive.
//  3. Otherwise not covered.
func (x *RepairContextExtractor) deriveCovered(component, category string, covered, excluded map[string][]string) Tristate {
	if x.checker.IsInPolicyList(component, category, "", covered) == TristateTrue {
		return TristateTrue
	}

	if categoryCovered(category, covered, x.components.CategoryAliases) {
		if exclParts := resolveExcludedParts(category, excluded, x.components.CategoryAliases); len(exclParts) > 0 {
			if matchAgainstList(component, exclParts).hit {
				return TristateFalse
			}
			for _, syn := range x.components.SynonymsFor(component) {
				if matchAgainstList(syn, exclParts).hit {
					return TristateFalse
				}
			}
		}
		return TristateTrue
	}

	return TristateFalse
}

// categoryCovered reports whether the category (or one of its aliases)
// appears in the covered-components map with a non-empty parts list.
func categoryCovered(category string, covered map[string][]string, aliases map[string][]string) bool {
	lower := strings.ToLower(category)

	candidates := []string{lower}
	candidates = append(candidates, aliases[lower]...)
	for key, als := range aliases {
		for _, a := range als {
			if a == lower {
				candidates = append(candidates, key)
			}
		}
	}

	for _, candidate := range candidates {
		for key, parts := range covered {
			if strings.ToLower(key) == candidate && len(parts) > 0 {
				return true
			}
		}
	}
	return false
}

// resolveExcludedParts finds the excluded parts list for a category,
// aliases included. The excluded list is authoritative.
func resolveExcludedParts(category string, excluded map[string][]string, aliases map[string][]string) []string {
	if len(excluded) == 0 {
		return nil
	}
	lower := strings.ToLower(category)

	candidates := []string{lower}
	candidates = append(candidates, aliases[lower]...)
	for key, als := range aliases {
		for _, a := range als {
			if a == lower {
				candidates = append(candidates, key)
			}
		}
	}

	for _, candidate := range candidates {
		for key, parts := range excluded {
			if strings.ToLower(key) == candidate {
				return parts
			}
		}
	}
	return nil
}
