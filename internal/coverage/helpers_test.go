package coverage

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"claimlens/internal/config"
)

// testComponents is a small customer vocabulary shared by the stage
// tests.
func testComponents() *config.ComponentConfig {
	cc := &config.ComponentConfig{
		ComponentSynonyms: map[string][]string{
			"turbocharger":  {"turbolader", "turbo"},
			"oil_cooler":    {"ölkühler", "radiateur d'huile"},
			"water_pump":    {"wasserpumpe", "pompe à eau"},
			"cylinder_head": {"zylinderkopf", "culasse"},
		},
		CategoryAliases: map[string][]string{
			"engine": {"motor", "moteur"},
		},
		RepairContextKeywords: map[string]config.RepairKeyword{
			"turbolader":   {Component: "turbocharger", Category: "engine"},
			"ölkühler":     {Component: "oil_cooler", Category: "engine"},
			"oil cooler":   {Component: "oil_cooler", Category: "engine"},
			"wasserpumpe":  {Component: "water_pump", Category: "engine"},
			"culasse":      {Component: "cylinder_head", Category: "engine"},
			"zylinderkopf": {Component: "cylinder_head", Category: "engine"},
		},
		DistributionCatchAllComponents: []string{"timing_chain"},
		DistributionCatchAllKeywords:   []string{"steuerkette", "distribution"},
		GasketSealIndicators:           []string{"joint", "dichtung", "gasket"},
		AncillaryKeywords:              []string{"schraube", "dichtung", "joint", "vis", "schelle"},
		AdditionalPolicyParts: map[string][]string{
			"engine": {"Ladeluftkühler"},
		},
	}
	cc.Normalize()
	return cc
}

func testCovered() map[string][]string {
	return map[string][]string{
		"engine": {"Turbolader", "Ölkühler", "Wasserpumpe", "Zylinderkopf"},
		"brakes": {"Bremssattel", "Hauptbremszylinder"},
	}
}

func newTestChecker() *PolicyListChecker {
	return NewPolicyListChecker(testComponents(), zap.NewNop())
}

func newTestRules(t interface{ Fatalf(string, ...any) }) *RuleEngine {
	e, err := NewRuleEngine(config.DefaultRuleConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build rule engine: %v", err)
	}
	return e
}

func price(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func coverageItem(itemType, code, description string, total float64) *LineItemCoverage {
	return &LineItemCoverage{
		ItemCode:    code,
		Description: description,
		ItemType:    itemType,
		TotalPrice:  price(total),
	}
}
