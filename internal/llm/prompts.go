package llm

import (
	"fmt"
	"strings"
)

// PromptProvider returns system/user message pairs keyed by prompt
// name, with {{slot}} placeholders filled from the given slots.
type PromptProvider interface {
	Prompts(name string, slots map[string]string) (system string, user string, err error)
}

// Prompt names understood by the default provider.
const (
	PromptCoverageItem   = "coverage_item"
	PromptPrimaryRepair  = "primary_repair"
	PromptLaborRelevance = "labor_relevance"
)

type promptTemplate struct {
	system string
	user   string
}

// DefaultPromptProvider holds the built-in prompt templates for
// coverage classification, primary-repair selection, and labor
// relevance.
type DefaultPromptProvider struct {
	templates map[string]promptTemplate
}

// NewDefaultPromptProvider builds the provider with the built-in
// templates.
func NewDefaultPromptProvider() *DefaultPromptProvider {
	return &DefaultPromptProvider{
		templates: map[string]promptTemplate{
			PromptCoverageItem: {
				system: coverageItemSystem,
				user:   coverageItemUser,
			},
			PromptPrimaryRepair: {
				system: primaryRepairSystem,
				user:   primaryRepairUser,
			},
			PromptLaborRelevance: {
				system: laborRelevanceSystem,
				user:   laborRelevanceUser,
			},
		},
	}
}

// Prompts fills the named template's {{slot}} placeholders.
func (p *DefaultPromptProvider) Prompts(name string, slots map[string]string) (string, string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown prompt: %s", name)
	}
	return fillSlots(tmpl.system, slots), fillSlots(tmpl.user, slots), nil
}

func fillSlots(s string, slots map[string]string) string {
	for key, val := range slots {
		s = strings.ReplaceAll(s, "{{"+key+"}}", val)
	}
	return s
}

const coverageItemSystem = `You are a warranty coverage analyst for vehicle repair claims.
You decide whether a single invoice line item is covered by the customer's warranty policy.
Base your decision only on the policy information provided. Respond with JSON only, no prose.`

const coverageItemUser = `Classify this repair invoice line item against the warranty policy.

Line item:
- Description: {{description}}
- Type: {{item_type}}
- Total price: {{total_price}}

Policy:
- Covered categories: {{covered_categories}}
- Covered components: {{covered_components}}
- Excluded components: {{excluded_components}}

Claim context:
- Repair description: {{repair_context}}
- Covered parts already identified in this claim: {{covered_parts_in_claim}}
- Part lookup hints: {{part_lookup_hints}}

Respond with exactly this JSON object:
{"is_covered": true|false, "category": "<policy category or empty>", "matched_component": "<component name or empty>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

const primaryRepairSystem = `You are a warranty coverage analyst. Given a classified repair invoice,
identify the single primary repair the invoice is for. Respond with JSON only.`

const primaryRepairUser = `Identify the primary repair for this claim.

Repair description: {{repair_context}}

Classified line items:
{{items}}

Covered categories: {{covered_categories}}

Respond with exactly this JSON object:
{"component": "<component name>", "category": "<policy category or empty>", "item_index": <index of the line item representing the primary repair, or -1>, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

const laborRelevanceSystem = `You are a warranty coverage analyst. Decide which labor positions are
mechanically necessary for a given covered repair. Respond with JSON only.`

const laborRelevanceUser = `The primary repair of this claim is covered: {{primary_repair}} (category: {{category}}).

The following labor positions were classified as not covered. Decide for each
whether it is mechanically necessary to perform the covered repair above.

Labor positions:
{{items}}

Respond with exactly this JSON object:
{"relevant": [{"index": <position index>, "is_relevant": true|false, "reasoning": "<one sentence>"}]}`
