package coverage

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"claimlens/internal/config"
)

// =============================================================================
// RECONCILIATION PASSES (stage 7)
// =============================================================================

// genericLaborTerms are flat-rate labor descriptions; matching is by
// lower-cased description with trailing '.' and ':' stripped.
var genericLaborTerms = map[string]bool{
	"main d'oeuvre": true,
	"main d'œuvre":  true,
	"arbeit":        true,
	"arbeitszeit":   true,
	"labor":         true,
	"labour":        true,
	"travail":       true,
	"manodopera":    true,
	"mécanicien":    true,
	"mecanicien":    true,
}

// Reconciler runs the cross-item passes over the classified claim. The
// passes mutate items in place before the result is returned.
type Reconciler struct {
	components       *config.ComponentConfig
	nominalThreshold decimal.Decimal
	logger           *zap.Logger
}

// NewReconciler wires the reconciler. nominalThreshold flags labor
// operation codes whose listed price is a placeholder.
func NewReconciler(components *config.ComponentConfig, nominalThreshold float64, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		components:       components,
		nominalThreshold: decimal.NewFromFloat(nominalThreshold),
		logger:           logger,
	}
}

// Apply runs the passes in their fixed order: labor-follows-parts,
// ancillary promotion, parts-for-covered-repair, orphan-labor
// demotion, nominal-price flag.
func (r *Reconciler) Apply(items []*LineItemCoverage, repairCtx *RepairContext) {
	r.laborFollowsParts(items)
	r.ancillaryPromotion(items, repairCtx)
	r.partsForCoveredRepair(items, repairCtx)
	r.orphanLaborDemotion(items)
	r.nominalPriceFlag(items)
}

// -----------------------------------------------------------------------------
// 7a. labor-follows-parts
// -----------------------------------------------------------------------------

func (r *Reconciler) laborFollowsParts(items []*LineItemCoverage) {
	coveredParts := filterItems(items, func(it *LineItemCoverage) bool {
		return it.IsParts() && it.CoverageStatus == StatusCovered
	})
	if len(coveredParts) == 0 {
		return
	}

	r.promoteByPartNumberToken(items, coveredParts)
	r.promoteSimpleInvoiceLabor(items, coveredParts)
	r.promoteByRepairKeyword(items, coveredParts)
}

// promoteByPartNumberToken covers labor whose description carries the
// part number of a covered part: the mechanic wrote down which part the
// work was for.
func (r *Reconciler) promoteByPartNumberToken(items []*LineItemCoverage, coveredParts []*LineItemCoverage) {
	for _, labor := range items {
		if !labor.IsLabor() || labor.CoverageStatus == StatusCovered {
			continue
		}
		laborDesc := cleanCode(labor.Description)
		for _, part := range coveredParts {
			token := cleanCode(part.ItemCode)
			if len(token) < 4 || !strings.Contains(laborDesc, token) {
				continue
			}
			r.promote(labor, part.CoverageCategory, 0.85,
				fmt.Sprintf("Labor references part number %s of covered part '%s'", part.ItemCode, part.Description),
				"part_number_in_description")
			break
		}
	}
}

// promoteSimpleInvoiceLabor handles the flat-rate invoice: one covered
// part plus a generic labor position. Only the single highest-priced
// generic labor is promoted, and only when its price is proportionate
// to the covered parts.
func (r *Reconciler) promoteSimpleInvoiceLabor(items []*LineItemCoverage, coveredParts []*LineItemCoverage) {
	var candidate *LineItemCoverage
	for _, labor := range items {
		if !labor.IsLabor() || labor.CoverageStatus == StatusCovered {
			continue
		}
		if !isGenericLabor(labor.Description) {
			continue
		}
		if candidate == nil || labor.TotalPrice.GreaterThan(candidate.TotalPrice) {
			candidate = labor
		}
	}
	if candidate == nil {
		return
	}

	partsTotal := decimal.Zero
	for _, part := range coveredParts {
		partsTotal = partsTotal.Add(part.TotalPrice)
	}
	if candidate.TotalPrice.GreaterThan(partsTotal.Mul(decimal.NewFromInt(2))) {
		candidate.AddTrace(TraceStep{
			Stage:   StageReconciliation,
			Action:  ActionSkipped,
			Message: fmt.Sprintf("Generic labor price %s exceeds twice the covered parts total %s; not promoted", candidate.TotalPrice, partsTotal),
			Detail:  map[string]any{"reason": ReasonProportionalityStop},
		})
		return
	}

	r.promote(candidate, coveredParts[0].CoverageCategory, 0.75,
		fmt.Sprintf("Generic labor follows covered part '%s'", coveredParts[0].Description),
		"simple_invoice")
}

// promoteByRepairKeyword covers labor whose description names the
// component that the covered parts belong to.
func (r *Reconciler) promoteByRepairKeyword(items []*LineItemCoverage, coveredParts []*LineItemCoverage) {
	excludedParts := filterItems(items, func(it *LineItemCoverage) bool {
		return it.IsParts() && it.CoverageStatus == StatusNotCovered
	})

	for _, labor := range items {
		if !labor.IsLabor() || labor.CoverageStatus == StatusCovered {
			continue
		}

		keyword, kw, ok := longestRepairKeyword(r.components, labor.Description)
		if !ok {
			continue
		}
		if !hasCoveredPartInCategory(coveredParts, kw.Category) {
			continue
		}
		if r.laborMatchesExcludedPart(labor, kw.Component, excludedParts) {
			continue
		}

		r.promote(labor, kw.Category, 0.80,
			fmt.Sprintf("Labor description contains repair keyword '%s' with covered parts in '%s'", keyword, kw.Category),
			"repair_context_keyword")
	}
}

// laborMatchesExcludedPart guards the keyword strategy: labor for an
// explicitly excluded part must not ride in on a shared keyword.
func (r *Reconciler) laborMatchesExcludedPart(labor *LineItemCoverage, component string, excludedParts []*LineItemCoverage) bool {
	laborCode := cleanCode(labor.ItemCode)
	for _, part := range excludedParts {
		if laborCode != "" && laborCode == cleanCode(part.ItemCode) {
			return true
		}
		if part.MatchedComponent != "" && strings.EqualFold(component, part.MatchedComponent) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// 7b. ancillary promotion
// -----------------------------------------------------------------------------

func (r *Reconciler) ancillaryPromotion(items []*LineItemCoverage, repairCtx *RepairContext) {
	if repairCtx == nil || !repairCtx.IsCovered.IsTrue() {
		return
	}
	if !anyItem(items, func(it *LineItemCoverage) bool {
		return it.IsParts() && it.CoverageStatus == StatusCovered
	}) {
		return
	}

	for _, item := range items {
		if !item.IsParts() || item.CoverageStatus == StatusCovered {
			continue
		}
		desc := NormalizeUmlauts(item.Description)
		for _, kw := range r.components.AncillaryKeywords {
			if kw == "" || !strings.Contains(desc, NormalizeUmlauts(kw)) {
				continue
			}
			r.promote(item, repairCtx.PrimaryCategory, 0.70,
				fmt.Sprintf("Ancillary part '%s' supports the covered repair of %s", item.Description, repairCtx.PrimaryComponent),
				"ancillary_promotion")
			break
		}
	}
}

// -----------------------------------------------------------------------------
// 7c. parts-for-covered-repair
// -----------------------------------------------------------------------------

func (r *Reconciler) partsForCoveredRepair(items []*LineItemCoverage, repairCtx *RepairContext) {
	if repairCtx == nil || !repairCtx.IsCovered.IsTrue() || repairCtx.PrimaryCategory == "" {
		return
	}
	category := repairCtx.PrimaryCategory
	if !anyItem(items, func(it *LineItemCoverage) bool {
		return it.IsLabor() && it.CoverageStatus == StatusCovered && strings.EqualFold(it.CoverageCategory, category)
	}) {
		return
	}

	for _, item := range items {
		if !item.IsParts() || item.CoverageStatus == StatusCovered {
			continue
		}
		if item.MatchMethod != MethodLLM || !strings.EqualFold(item.CoverageCategory, category) {
			continue
		}
		r.promote(item, category, 0.85,
			fmt.Sprintf("Part belongs to category '%s' of the covered repair with covered labor present", category),
			"parts_for_covered_repair")
	}
}

// -----------------------------------------------------------------------------
// 7d. orphan-labor demotion
// -----------------------------------------------------------------------------

// orphanLaborDemotion enforces the anchoring rule: labor without a
// single covered part in the claim is access work, whatever matched it.
func (r *Reconciler) orphanLaborDemotion(items []*LineItemCoverage) {
	if anyItem(items, func(it *LineItemCoverage) bool {
		return it.IsParts() && it.CoverageStatus == StatusCovered
	}) {
		return
	}

	for _, item := range items {
		if !item.IsLabor() || item.CoverageStatus != StatusCovered {
			continue
		}
		item.CoverageStatus = StatusNotCovered
		item.ExclusionReason = ReasonDemotedNoAnchor
		item.AddTrace(TraceStep{
			Stage:   StageReconciliation,
			Action:  ActionDemoted,
			Message: "No covered parts in claim; labor demoted without an anchoring part",
			Verdict: StatusNotCovered,
		})
		r.logger.Debug("orphan labor demoted", zap.String("description", item.Description))
	}
}

// -----------------------------------------------------------------------------
// 7e. nominal-price labor flag
// -----------------------------------------------------------------------------

// nominalPriceFlag catches labor operation codes whose listed price is
// a placeholder; the real cost is hours times rate.
func (r *Reconciler) nominalPriceFlag(items []*LineItemCoverage) {
	for _, item := range items {
		if !item.IsLabor() || strings.TrimSpace(item.ItemCode) == "" {
			continue
		}
		if !item.TotalPrice.IsPositive() || item.TotalPrice.GreaterThan(r.nominalThreshold) {
			continue
		}
		item.CoverageStatus = StatusReviewNeeded
		item.MatchConfidence = 0.30
		item.AddTrace(TraceStep{
			Stage:      StageReconciliation,
			Action:     ActionDemoted,
			Message:    fmt.Sprintf("Labor operation code %s priced at %s looks nominal; flagged for review", item.ItemCode, item.TotalPrice),
			Verdict:    StatusReviewNeeded,
			Confidence: floatPtr(0.30),
		})
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func (r *Reconciler) promote(item *LineItemCoverage, category string, confidence float64, reasoning, strategy string) {
	item.CoverageStatus = StatusCovered
	item.CoverageCategory = category
	item.MatchConfidence = confidence
	item.MatchReasoning = reasoning
	item.ExclusionReason = ""
	item.AddTrace(TraceStep{
		Stage:      StageReconciliation,
		Action:     ActionPromoted,
		Message:    reasoning,
		Verdict:    StatusCovered,
		Confidence: floatPtr(confidence),
		Detail:     map[string]any{"strategy": strategy},
	})
	r.logger.Debug("reconciliation promoted item",
		zap.String("description", item.Description),
		zap.String("strategy", strategy))
}

func isGenericLabor(description string) bool {
	d := strings.ToLower(strings.TrimSpace(description))
	d = strings.TrimRight(d, ".:")
	d = strings.TrimSpace(d)
	return genericLaborTerms[d]
}

// cleanCode reduces a code or description to its lower-case
// alphanumeric characters for token comparison.
func cleanCode(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasCoveredPartInCategory(coveredParts []*LineItemCoverage, category string) bool {
	for _, part := range coveredParts {
		if strings.EqualFold(part.CoverageCategory, category) {
			return true
		}
	}
	return false
}

func filterItems(items []*LineItemCoverage, pred func(*LineItemCoverage) bool) []*LineItemCoverage {
	var out []*LineItemCoverage
	for _, it := range items {
		if pred(it) {
			out = append(out, it)
		}
	}
	return out
}

func anyItem(items []*LineItemCoverage, pred func(*LineItemCoverage) bool) bool {
	for _, it := range items {
		if pred(it) {
			return true
		}
	}
	return false
}
