package coverage

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// SUMMARY & PAYOUT (stage 10)
// =============================================================================

var hundred = decimal.NewFromInt(100)

// coverageRates carries the mileage rate and the effective rate after
// age adjustment. Either may be nil when the policy gave us nothing to
// work with.
type coverageRates struct {
	mileage   *decimal.Decimal
	effective *decimal.Decimal
}

// Summarizer applies the coverage percent to each covered item and
// aggregates the claim totals. Downstream payout math (VAT, deductible,
// caps) belongs to the consumer of the result, not here.
type Summarizer struct {
	defaultCoveragePercent *float64
	logger                 *zap.Logger
}

// NewSummarizer wires the summarizer. defaultCoveragePercent applies
// when the policy has no coverage scale; nil means unknown.
func NewSummarizer(defaultCoveragePercent *float64, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{defaultCoveragePercent: defaultCoveragePercent, logger: logger}
}

// resolveRates walks the coverage scale for the vehicle's mileage and
// applies the age substitution. Below the smallest tier threshold the
// coverage is 100 percent.
func (s *Summarizer) resolveRates(vehicleKm *int, vehicleAge *decimal.Decimal, scale *CoverageScale, ageThreshold *int) coverageRates {
	if scale == nil || len(scale.Tiers) == 0 || vehicleKm == nil {
		if s.defaultCoveragePercent != nil {
			rate := decimal.NewFromFloat(*s.defaultCoveragePercent)
			return coverageRates{mileage: &rate, effective: &rate}
		}
		return coverageRates{}
	}

	tiers := make([]ScaleTier, len(scale.Tiers))
	copy(tiers, scale.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].KmThreshold < tiers[j].KmThreshold })

	var selected *ScaleTier
	for i := range tiers {
		if *vehicleKm >= tiers[i].KmThreshold {
			selected = &tiers[i]
		}
	}
	if selected == nil {
		return coverageRates{mileage: &hundred, effective: &hundred}
	}

	mileage := selected.CoveragePercent
	effective := mileage

	threshold := scale.AgeThresholdYears
	if ageThreshold != nil {
		threshold = *ageThreshold
	}
	if threshold > 0 && vehicleAge != nil && selected.AgeCoveragePercent != nil &&
		vehicleAge.GreaterThanOrEqual(decimal.NewFromInt(int64(threshold))) {
		effective = *selected.AgeCoveragePercent
	}

	return coverageRates{mileage: &mileage, effective: &effective}
}

// Apply computes per-item amounts and the claim summary. Every item
// ends with covered_amount + not_covered_amount equal to its price.
func (s *Summarizer) Apply(items []*LineItemCoverage, rates coverageRates) CoverageSummary {
	summary := CoverageSummary{
		TotalClaimed:             decimal.Zero,
		TotalCoveredBeforeExcess: decimal.Zero,
		TotalCoveredGross:        decimal.Zero,
		PartsCoveredGross:        decimal.Zero,
		LaborCoveredGross:        decimal.Zero,
		TotalNotCovered:          decimal.Zero,
		CoveragePercent:          rates.effective,
	}

	for _, item := range items {
		summary.TotalClaimed = summary.TotalClaimed.Add(item.TotalPrice)

		switch item.CoverageStatus {
		case StatusCovered:
			summary.ItemsCovered++
			summary.TotalCoveredGross = summary.TotalCoveredGross.Add(item.TotalPrice)
			if item.IsParts() {
				summary.PartsCoveredGross = summary.PartsCoveredGross.Add(item.TotalPrice)
			} else if item.IsLabor() {
				summary.LaborCoveredGross = summary.LaborCoveredGross.Add(item.TotalPrice)
			}

			if rates.effective == nil {
				item.CoveredAmount = decimal.Zero
				item.NotCoveredAmount = item.TotalPrice
				summary.CoveragePercentMissing = true
				item.AddTrace(TraceStep{
					Stage:   StageSummary,
					Action:  ActionSkipped,
					Message: "No coverage percent available; covered amount set to zero",
				})
				s.logger.Warn("coverage percent missing for covered item",
					zap.String("description", item.Description))
			} else {
				item.CoveredAmount = item.TotalPrice.Mul(*rates.effective).Div(hundred)
				item.NotCoveredAmount = item.TotalPrice.Sub(item.CoveredAmount)
			}

		case StatusNotCovered:
			summary.ItemsNotCovered++
			item.CoveredAmount = decimal.Zero
			item.NotCoveredAmount = item.TotalPrice

		default:
			// Review-needed pays nothing until a human decides.
			summary.ItemsReviewNeeded++
			item.CoveredAmount = decimal.Zero
			item.NotCoveredAmount = item.TotalPrice
		}

		summary.TotalCoveredBeforeExcess = summary.TotalCoveredBeforeExcess.Add(item.CoveredAmount)
		summary.TotalNotCovered = summary.TotalNotCovered.Add(item.NotCoveredAmount)
	}

	return summary
}
