package coverage

import (
	"testing"

	"go.uber.org/zap"

	"claimlens/internal/config"
)

func newTestKeywordMatcher(minConfidence float64) *KeywordMatcher {
	kc := config.KeywordConfig{Mappings: map[string]config.KeywordMapping{
		"turbolader":  {Category: "engine", Confidence: 0.95},
		"turbo":       {Category: "engine", Confidence: 0.80},
		"bremssattel": {Category: "brakes", Confidence: 0.90},
		"stossdämpfer": {
			Category:   "suspension",
			Confidence: 0.92,
		},
		"keilriemen": {Category: "engine", Confidence: 0.55},
	}}
	return NewKeywordMatcher(kc, testComponents(), minConfidence, zap.NewNop())
}

func TestKeywordMatcherEqualLengthTieIsStable(t *testing.T) {
	// "turbo" and "lader" both hit "Turbolader" at the same confidence
	// and length; the winner must not depend on map iteration order.
	kc := config.KeywordConfig{Mappings: map[string]config.KeywordMapping{
		"turbo": {Category: "engine", Confidence: 0.9},
		"lader": {Category: "engine", Confidence: 0.9},
	}}
	matcher := NewKeywordMatcher(kc, testComponents(), 0.7, zap.NewNop())

	for i := 0; i < 200; i++ {
		item := coverageItem(ItemTypeParts, "", "Turbolader ersetzen", 1200)
		if !matcher.Match(item, testCovered()) {
			t.Fatal("expected a keyword match")
		}
		if item.MatchedComponent != "lader" {
			t.Fatalf("run %d: matched %q, want the lexicographically smaller term", i, item.MatchedComponent)
		}
	}
}

func TestKeywordMatcher(t *testing.T) {
	matcher := newTestKeywordMatcher(0.7)
	covered := testCovered()

	tests := []struct {
		name         string
		description  string
		matched      bool
		wantCategory string
		wantTerm     string
	}{
		{
			name:         "high confidence covered category",
			description:  "Turbolader komplett",
			matched:      true,
			wantCategory: "engine",
			wantTerm:     "turbolader",
		},
		{
			name:         "longer term wins over shorter",
			description:  "TURBOLADER inkl. Dichtungssatz",
			matched:      true,
			wantCategory: "engine",
			wantTerm:     "turbolader",
		},
		{
			name:        "uncovered category never matches",
			description: "Stossdämpfer vorne",
			matched:     false,
		},
		{
			name:        "below confidence threshold stays residual",
			description: "Keilriemen",
			matched:     false,
		},
		{
			name:        "no term at all",
			description: "Kleinmaterial",
			matched:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := coverageItem(ItemTypeParts, "", tt.description, 100)
			got := matcher.Match(item, covered)
			if got != tt.matched {
				t.Fatalf("Match(%q) = %v, want %v", tt.description, got, tt.matched)
			}
			if !tt.matched {
				if item.CoverageStatus != "" {
					t.Errorf("unmatched item must stay unclassified, got %s", item.CoverageStatus)
				}
				return
			}
			if item.CoverageCategory != tt.wantCategory {
				t.Errorf("category = %s, want %s", item.CoverageCategory, tt.wantCategory)
			}
			if item.MatchedComponent != tt.wantTerm {
				t.Errorf("matched component = %s, want %s", item.MatchedComponent, tt.wantTerm)
			}
			if item.MatchMethod != MethodKeyword {
				t.Errorf("method = %s, want keyword", item.MatchMethod)
			}
		})
	}
}
