// Package coverage implements the claim coverage analyzer: a staged
// matching pipeline that decides, per invoice line item, whether the
// item is covered by the warranty policy, and computes the claim-level
// payout summary.
//
// Pipeline:
//
//	line items
//	     |
//	stage 0: repair-context extraction (labor descriptions)
//	stage 1: rule engine (deterministic include/exclude patterns)
//	stage 2: part-number lookup (exact catalog match)
//	stage 3: keyword matcher (language-specific taxonomy)
//	stage 4: labor component extraction
//	stage 5: policy-list verification guard
//	stage 6: LLM fallback (bounded, parallel, retried)
//	stage 7: reconciliation passes (labor-follows-parts, ...)
//	stage 8: primary-repair determination
//	stage 9: primary-repair boost
//	stage 10: summary & payout
package coverage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMS
// =============================================================================

// CoverageStatus is the per-item verdict. Values are the wire form.
type CoverageStatus string

const (
	StatusCovered      CoverageStatus = "covered"
	StatusNotCovered   CoverageStatus = "not_covered"
	StatusReviewNeeded CoverageStatus = "review_needed"
)

// MatchMethod records which stage produced the verdict.
type MatchMethod string

const (
	MethodRule       MatchMethod = "rule"
	MethodPartNumber MatchMethod = "part_number"
	MethodKeyword    MatchMethod = "keyword"
	MethodLLM        MatchMethod = "llm"
)

// TraceAction classifies a decision-trace step.
type TraceAction string

const (
	ActionMatched    TraceAction = "matched"
	ActionExcluded   TraceAction = "excluded"
	ActionDeferred   TraceAction = "deferred"
	ActionSkipped    TraceAction = "skipped"
	ActionValidated  TraceAction = "validated"
	ActionOverridden TraceAction = "overridden"
	ActionPromoted   TraceAction = "promoted"
	ActionDemoted    TraceAction = "demoted"
)

// Line item types as they arrive from extraction.
const (
	ItemTypeParts = "parts"
	ItemTypeLabor = "labor"
	ItemTypeFee   = "fee"
)

// Pipeline stage names used in trace steps.
const (
	StageRepairContext   = "repair_context"
	StageRuleEngine      = "rule_engine"
	StagePartLookup      = "part_lookup"
	StageKeywordMatch    = "keyword_match"
	StageLaborExtraction = "labor_extraction"
	StagePolicyListCheck = "policy_list_check"
	StageLLM             = "llm"
	StageLLMValidation   = "llm_validation"
	StageReconciliation  = "reconciliation"
	StagePrimaryRepair   = "primary_repair"
	StageBoost           = "primary_repair_boost"
	StageSummary         = "summary"
)

// Exclusion reasons attached alongside NOT_COVERED verdicts.
const (
	ReasonComponentExcluded   = "component_excluded"
	ReasonCategoryNotCovered  = "category_not_covered"
	ReasonNonCoveredLabor     = "non_covered_labor"
	ReasonDemotedNoAnchor     = "demoted_no_anchor"
	ReasonGasketSealDeferral  = "gasket_seal_deferral"
	ReasonProportionalityStop = "proportionality_guard"
)

// =============================================================================
// TRISTATE
// =============================================================================

// Tristate is a three-valued flag: unknown (serialized as null), false,
// or true. Used for policy-list confirmation, repair-context coverage
// and catalog lookup results, where "we do not know" must stay distinct
// from "no".
type Tristate int

const (
	TristateUnknown Tristate = iota
	TristateFalse
	TristateTrue
)

// TristateOf lifts a bool into a Tristate.
func TristateOf(b bool) Tristate {
	if b {
		return TristateTrue
	}
	return TristateFalse
}

// Bool reports the value and whether it is known.
func (t Tristate) Bool() (value, known bool) {
	switch t {
	case TristateTrue:
		return true, true
	case TristateFalse:
		return false, true
	default:
		return false, false
	}
}

// IsTrue reports whether the value is known-true.
func (t Tristate) IsTrue() bool { return t == TristateTrue }

// IsFalse reports whether the value is known-false.
func (t Tristate) IsFalse() bool { return t == TristateFalse }

func (t Tristate) String() string {
	switch t {
	case TristateTrue:
		return "true"
	case TristateFalse:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes unknown as null so the boundary stays honest.
func (t Tristate) MarshalJSON() ([]byte, error) {
	switch t {
	case TristateTrue:
		return []byte("true"), nil
	case TristateFalse:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true/false/null.
func (t *Tristate) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*t = TristateTrue
	case "false":
		*t = TristateFalse
	case "null":
		*t = TristateUnknown
	default:
		return fmt.Errorf("invalid tristate value: %s", data)
	}
	return nil
}

// =============================================================================
// INPUT TYPES
// =============================================================================

// LineItem is one extracted invoice row. Identity within a claim is the
// array index; Description is free-form multilingual text.
type LineItem struct {
	ItemCode          string          `json:"item_code,omitempty"`
	Description       string          `json:"description"`
	ItemType          string          `json:"item_type"`
	TotalPrice        decimal.Decimal `json:"total_price"`
	RepairDescription string          `json:"repair_description,omitempty"`
}

// IsLabor reports whether the item is a labor position.
func (li LineItem) IsLabor() bool { return li.ItemType == ItemTypeLabor }

// IsParts reports whether the item is a parts position.
func (li LineItem) IsParts() bool { return li.ItemType == ItemTypeParts }

// ScaleTier encodes "from KmThreshold onwards this percent applies".
// AgeCoveragePercent, when present, supersedes CoveragePercent once the
// vehicle age passes the scale's age threshold.
type ScaleTier struct {
	KmThreshold        int              `json:"km_threshold" yaml:"km_threshold"`
	CoveragePercent    decimal.Decimal  `json:"coverage_percent" yaml:"coverage_percent"`
	AgeCoveragePercent *decimal.Decimal `json:"age_coverage_percent,omitempty" yaml:"age_coverage_percent,omitempty"`
}

// CoverageScale is the mileage-tiered coverage table. Policies deliver
// it either as a bare tier list or wrapped with an age threshold; the
// JSON decoder accepts both shapes.
type CoverageScale struct {
	AgeThresholdYears int         `json:"age_threshold_years,omitempty"`
	Tiers             []ScaleTier `json:"tiers"`
}

// UnmarshalJSON accepts either `[{...}, ...]` or
// `{"age_threshold_years": N, "tiers": [...]}`.
func (cs *CoverageScale) UnmarshalJSON(data []byte) error {
	var tiers []ScaleTier
	if err := json.Unmarshal(data, &tiers); err == nil {
		cs.Tiers = tiers
		cs.AgeThresholdYears = 0
		return nil
	}
	type wrapper struct {
		AgeThresholdYears int         `json:"age_threshold_years"`
		Tiers             []ScaleTier `json:"tiers"`
	}
	var w wrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("coverage scale is neither tier list nor wrapper: %w", err)
	}
	cs.AgeThresholdYears = w.AgeThresholdYears
	cs.Tiers = w.Tiers
	return nil
}

// CoverageInputs records what drove the payout math. Immutable once the
// result is produced.
type CoverageInputs struct {
	VehicleKm                *int             `json:"vehicle_km,omitempty"`
	VehicleAgeYears          *decimal.Decimal `json:"vehicle_age_years,omitempty"`
	CoveragePercent          *decimal.Decimal `json:"coverage_percent,omitempty"`
	CoveragePercentEffective *decimal.Decimal `json:"coverage_percent_effective,omitempty"`
	AgeThresholdYears        *int             `json:"age_threshold_years,omitempty"`
	ExcessPercent            *decimal.Decimal `json:"excess_percent,omitempty"`
	ExcessMinimum            *decimal.Decimal `json:"excess_minimum,omitempty"`
	CoveredCategories        []string         `json:"covered_categories"`
}

// =============================================================================
// OUTPUT TYPES
// =============================================================================

// TraceStep is one audit entry in an item's decision trace.
type TraceStep struct {
	Stage      string         `json:"stage"`
	Action     TraceAction    `json:"action"`
	Message    string         `json:"message"`
	Verdict    CoverageStatus `json:"verdict,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// LineItemCoverage is the per-item output. Reconciliation passes mutate
// it in place before the result is returned, never after.
type LineItemCoverage struct {
	ItemCode    string          `json:"item_code,omitempty"`
	Description string          `json:"description"`
	ItemType    string          `json:"item_type"`
	TotalPrice  decimal.Decimal `json:"total_price"`

	CoverageStatus   CoverageStatus `json:"coverage_status"`
	CoverageCategory string         `json:"coverage_category,omitempty"`
	MatchedComponent string         `json:"matched_component,omitempty"`
	MatchMethod      MatchMethod    `json:"match_method"`
	MatchConfidence  float64        `json:"match_confidence"`
	MatchReasoning   string         `json:"match_reasoning"`
	ExclusionReason  string         `json:"exclusion_reason,omitempty"`

	CoveredAmount    decimal.Decimal `json:"covered_amount"`
	NotCoveredAmount decimal.Decimal `json:"not_covered_amount"`

	PolicyListConfirmed Tristate `json:"policy_list_confirmed"`

	DecisionTrace []TraceStep `json:"decision_trace"`

	// Deferral hints stashed by stage 2 for the LLM stage. Not serialized.
	partLookupSystem    string
	partLookupComponent string
	deferredTrace       []TraceStep
}

// AddTrace appends a step to the decision trace.
func (ic *LineItemCoverage) AddTrace(step TraceStep) {
	ic.DecisionTrace = append(ic.DecisionTrace, step)
}

// flushDeferred moves stashed deferral steps into the decision trace.
func (ic *LineItemCoverage) flushDeferred() {
	if len(ic.deferredTrace) == 0 {
		return
	}
	ic.DecisionTrace = append(ic.DecisionTrace, ic.deferredTrace...)
	ic.deferredTrace = nil
}

// IsLabor reports whether the underlying item is labor.
func (ic *LineItemCoverage) IsLabor() bool { return ic.ItemType == ItemTypeLabor }

// IsParts reports whether the underlying item is parts.
func (ic *LineItemCoverage) IsParts() bool { return ic.ItemType == ItemTypeParts }

// RepairContext is the stage-0 read of what repair the claim is about,
// extracted from labor descriptions before any per-item matching.
type RepairContext struct {
	PrimaryComponent      string   `json:"primary_component,omitempty"`
	PrimaryCategory       string   `json:"primary_category,omitempty"`
	IsCovered             Tristate `json:"is_covered"`
	SourceDescription     string   `json:"source_description,omitempty"`
	AllDetectedComponents []string `json:"all_detected_components"`
}

// Primary-repair determination methods (stage 8 tiers).
const (
	DeterminationLLM           = "llm"
	DeterminationDeterministic = "deterministic"
	DeterminationRepairContext = "repair_context"
	DeterminationNone          = "none"
)

// PrimaryRepairResult identifies the single failure mode the claim is
// about. DeterminationMethod "none" signals downstream review.
type PrimaryRepairResult struct {
	Component           string  `json:"component,omitempty"`
	Category            string  `json:"category,omitempty"`
	Description         string  `json:"description,omitempty"`
	IsCovered           *bool   `json:"is_covered,omitempty"`
	Confidence          float64 `json:"confidence"`
	DeterminationMethod string  `json:"determination_method"`
	SourceItemIndex     *int    `json:"source_item_index,omitempty"`
}

// CoverageSummary aggregates payout math across the claim.
type CoverageSummary struct {
	TotalClaimed             decimal.Decimal  `json:"total_claimed"`
	TotalCoveredBeforeExcess decimal.Decimal  `json:"total_covered_before_excess"`
	TotalCoveredGross        decimal.Decimal  `json:"total_covered_gross"`
	PartsCoveredGross        decimal.Decimal  `json:"parts_covered_gross"`
	LaborCoveredGross        decimal.Decimal  `json:"labor_covered_gross"`
	TotalNotCovered          decimal.Decimal  `json:"total_not_covered"`
	ItemsCovered             int              `json:"items_covered"`
	ItemsNotCovered          int              `json:"items_not_covered"`
	ItemsReviewNeeded        int              `json:"items_review_needed"`
	CoveragePercent          *decimal.Decimal `json:"coverage_percent,omitempty"`
	CoveragePercentMissing   bool             `json:"coverage_percent_missing"`
}

// AnalysisMetadata carries per-run accounting for audit.
type AnalysisMetadata struct {
	RulesApplied       int    `json:"rules_applied"`
	PartNumbersApplied int    `json:"part_numbers_applied"`
	KeywordsApplied    int    `json:"keywords_applied"`
	LLMCalls           int    `json:"llm_calls"`
	ProcessingTimeMs   int64  `json:"processing_time_ms"`
	ConfigVersion      string `json:"config_version,omitempty"`
}

// CoverageAnalysisResult is the product of exactly one Analyze call.
// Callers treat it as immutable.
type CoverageAnalysisResult struct {
	ClaimID       string               `json:"claim_id"`
	ClaimRunID    string               `json:"claim_run_id,omitempty"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Inputs        CoverageInputs       `json:"inputs"`
	LineItems     []*LineItemCoverage  `json:"line_items"`
	Summary       CoverageSummary      `json:"summary"`
	PrimaryRepair PrimaryRepairResult  `json:"primary_repair"`
	RepairContext *PrimaryRepairResult `json:"repair_context,omitempty"`
	Metadata      AnalysisMetadata     `json:"metadata"`
}

// PartLookupResult is a catalog hit for an item code.
type PartLookupResult struct {
	PartNumber           string   `json:"part_number"`
	System               string   `json:"system"`
	Component            string   `json:"component"`
	ComponentDescription string   `json:"component_description,omitempty"`
	Covered              Tristate `json:"covered"`
	LookupSource         string   `json:"lookup_source"`
	Note                 string   `json:"note,omitempty"`
}

// PartLookup is the injected part-number catalog. Lookup is exact-match
// on the item code; keyword-style lookups belong to the keyword stage.
type PartLookup interface {
	Lookup(itemCode string) (*PartLookupResult, bool)
}

func floatPtr(f float64) *float64 { return &f }

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }
