// Package config holds the analyzer's configuration records. All of
// them are loaded once at analyzer construction and never mutated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level analyzer configuration file, with sections
// analyzer, rules, keywords and llm. Missing files fall back to
// defaults; missing sections keep their defaults after unmarshalling.
type Config struct {
	Analyzer AnalyzerConfig   `yaml:"analyzer"`
	Rules    RuleConfig       `yaml:"rules"`
	Keywords KeywordConfig    `yaml:"keywords"`
	LLM      LLMMatcherConfig `yaml:"llm"`
}

// AnalyzerConfig controls pipeline-level behavior.
type AnalyzerConfig struct {
	Version string `yaml:"version"`

	// UseLLMFallback enables stage 6. With it disabled the analyzer is
	// fully deterministic.
	UseLLMFallback bool `yaml:"use_llm_fallback"`

	// UseLLMPrimaryRepair gates the tier-0 primary-repair LLM call.
	UseLLMPrimaryRepair bool `yaml:"use_llm_primary_repair"`

	// MinKeywordConfidence is the stage-3 acceptance threshold.
	MinKeywordConfidence float64 `yaml:"min_keyword_confidence"`

	// NominalPriceThreshold flags labor operation codes whose price is
	// a placeholder rather than hours x rate.
	NominalPriceThreshold float64 `yaml:"nominal_price_threshold"`

	// DefaultCoveragePercent applies when the policy has no coverage
	// scale. Nil means "unknown": covered amounts become zero and the
	// summary carries coverage_percent_missing.
	DefaultCoveragePercent *float64 `yaml:"default_coverage_percent"`
}

// RuleConfig carries the stage-1 pattern sets. The patterns are data,
// not code; they are compiled once by the rule engine.
type RuleConfig struct {
	ExclusionPatterns       []string `yaml:"exclusion_patterns"`
	NonCoveredLaborPatterns []string `yaml:"non_covered_labor_patterns"`
	ConsumablePatterns      []string `yaml:"consumable_patterns"`
	FluidPatterns           []string `yaml:"fluid_patterns"`
}

// KeywordMapping maps a term to a policy category with a confidence.
type KeywordMapping struct {
	Category   string  `yaml:"category"`
	Confidence float64 `yaml:"confidence"`
}

// KeywordConfig is the stage-3 language-specific taxonomy.
type KeywordConfig struct {
	Mappings map[string]KeywordMapping `yaml:"mappings"`
}

// LLMMatcherConfig bounds the stage-6 fallback. Delays are seconds.
type LLMMatcherConfig struct {
	MaxConcurrent  int     `yaml:"max_concurrent"`
	MaxRetries     int     `yaml:"max_retries"`
	RetryBaseDelay float64 `yaml:"retry_base_delay"`
	RetryMaxDelay  float64 `yaml:"retry_max_delay"`
	MaxItems       int     `yaml:"max_items"`
}

// BaseDelay returns the retry base delay as a duration.
func (c LLMMatcherConfig) BaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelay * float64(time.Second))
}

// MaxDelay returns the retry delay cap as a duration.
func (c LLMMatcherConfig) MaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelay * float64(time.Second))
}

// RepairKeyword maps a repair-context keyword to its component and
// policy category.
type RepairKeyword struct {
	Component string `yaml:"component"`
	Category  string `yaml:"category"`
}

// ComponentConfig is the customer vocabulary: synonyms, aliases,
// repair-context keywords and the small guard word lists. All keys and
// values are stored lower-case; Normalize enforces that after loading.
type ComponentConfig struct {
	ComponentSynonyms              map[string][]string      `yaml:"component_synonyms"`
	CategoryAliases                map[string][]string      `yaml:"category_aliases"`
	RepairContextKeywords          map[string]RepairKeyword `yaml:"repair_context_keywords"`
	DistributionCatchAllComponents []string                 `yaml:"distribution_catch_all_components"`
	DistributionCatchAllKeywords   []string                 `yaml:"distribution_catch_all_keywords"`
	GasketSealIndicators           []string                 `yaml:"gasket_seal_indicators"`
	AncillaryKeywords              []string                 `yaml:"ancillary_keywords"`
	AdditionalPolicyParts          map[string][]string      `yaml:"additional_policy_parts"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Analyzer: AnalyzerConfig{
			Version:               "builtin",
			UseLLMFallback:        true,
			UseLLMPrimaryRepair:   false,
			MinKeywordConfidence:  0.7,
			NominalPriceThreshold: 2.0,
		},
		Rules:    DefaultRuleConfig(),
		Keywords: KeywordConfig{Mappings: map[string]KeywordMapping{}},
		LLM:      DefaultLLMMatcherConfig(),
	}
}

// DefaultRuleConfig returns the built-in stage-1 pattern sets. They
// cover the common German/French/English invoice vocabulary.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		ExclusionPatterns: []string{
			`(?i)\bdiagnos[et]?\w*`,
			`(?i)\bfehlersuche\b`,
			`(?i)\brecherche\s+de\s+panne\b`,
			`(?i)\bcouvre[\s-]culasse\b`,
			`(?i)\bwäsche\b`,
			`(?i)\breinigung\b`,
			`(?i)\bnettoyage\b`,
			`(?i)\bpolitur\b`,
			`(?i)\blackier\w*`,
		},
		NonCoveredLaborPatterns: []string{
			`(?i)\babschlepp\w*`,
			`(?i)\btowing\b`,
			`(?i)\bremorquage\b`,
			`(?i)\bbatterie\s+laden\b`,
			`(?i)\bbattery\s+charg\w*`,
			`(?i)\bprobefahrt\b`,
			`(?i)\bessai\s+routier\b`,
		},
		ConsumablePatterns: []string{
			`(?i)\bölfilter\b`,
			`(?i)\boil\s+filter\b`,
			`(?i)\bfiltre\s+à\s+huile\b`,
			`(?i)\bluftfilter\b`,
			`(?i)\bair\s+filter\b`,
			`(?i)\bfiltre\s+à\s+air\b`,
			`(?i)\binnenraumfilter\b`,
			`(?i)\bpollenfilter\b`,
			`(?i)\bkraftstofffilter\b`,
			`(?i)\bfuel\s+filter\b`,
			`(?i)\bzündkerze\w*`,
			`(?i)\bspark\s+plug\w*`,
			`(?i)\bbougie\w*`,
			`(?i)\bwischerblatt\w*`,
			`(?i)\bwiper\s+blade\w*`,
		},
		FluidPatterns: []string{
			`(?i)\bmotoröl\b`,
			`(?i)\bmotorenöl\b`,
			`(?i)\bengine\s+oil\b`,
			`(?i)\bhuile\s+moteur\b`,
			`(?i)\bgetriebeöl\b`,
			`(?i)\bgear\s+oil\b`,
			`(?i)\bkühlmittel\b`,
			`(?i)\bcoolant\b`,
			`(?i)\bliquide\s+de\s+refroidissement\b`,
			`(?i)\bbremsflüssigkeit\b`,
			`(?i)\bbrake\s+fluid\b`,
			`(?i)\bfrostschutz\b`,
			`(?i)\bscheibenreiniger\b`,
			`(?i)\badblue\b`,
		},
	}
}

// DefaultLLMMatcherConfig returns the stage-6 bounds.
func DefaultLLMMatcherConfig() LLMMatcherConfig {
	return LLMMatcherConfig{
		MaxConcurrent:  3,
		MaxRetries:     3,
		RetryBaseDelay: 1.0,
		RetryMaxDelay:  15.0,
		MaxItems:       35,
	}
}

// Load reads the main YAML at path, merged over defaults. A missing
// file is not an error: the caller proceeds with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.LLM.MaxConcurrent <= 0 {
		cfg.LLM.MaxConcurrent = 1
	}

	return cfg, nil
}

// LoadKeywordMappings reads the sibling `<base>_keyword_mappings.yaml`
// for the main config at path. Used when the main file's keywords
// section has no mappings of its own.
func LoadKeywordMappings(path string) (KeywordConfig, error) {
	kc := KeywordConfig{Mappings: map[string]KeywordMapping{}}

	data, err := os.ReadFile(SiblingPath(path, "_keyword_mappings.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return kc, nil
		}
		return kc, fmt.Errorf("failed to read keyword mappings: %w", err)
	}

	if err := yaml.Unmarshal(data, &kc); err != nil {
		return kc, fmt.Errorf("failed to parse keyword mappings: %w", err)
	}
	return kc, nil
}

// LoadComponentConfig reads the sibling `<base>_component_config.yaml`.
// A missing file yields an empty, normalized vocabulary.
func LoadComponentConfig(path string) (*ComponentConfig, error) {
	cc := &ComponentConfig{}

	data, err := os.ReadFile(SiblingPath(path, "_component_config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			cc.Normalize()
			return cc, nil
		}
		return nil, fmt.Errorf("failed to read component config: %w", err)
	}

	if err := yaml.Unmarshal(data, cc); err != nil {
		return nil, fmt.Errorf("failed to parse component config: %w", err)
	}

	cc.Normalize()
	return cc, nil
}

// SiblingPath derives `<dir>/<base><suffix>` from the main config path,
// e.g. /ws/acme.yaml + "_component_config.yaml" -> /ws/acme_component_config.yaml.
func SiblingPath(mainPath, suffix string) string {
	dir := filepath.Dir(mainPath)
	base := filepath.Base(mainPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base+suffix)
}

// Normalize lower-cases every key and value. All policy-list and
// description comparisons assume lower-case vocabulary.
func (cc *ComponentConfig) Normalize() {
	cc.ComponentSynonyms = lowerMapSlice(cc.ComponentSynonyms)
	cc.CategoryAliases = lowerMapSlice(cc.CategoryAliases)
	cc.AdditionalPolicyParts = lowerMapSlice(cc.AdditionalPolicyParts)

	keywords := make(map[string]RepairKeyword, len(cc.RepairContextKeywords))
	for k, v := range cc.RepairContextKeywords {
		keywords[strings.ToLower(k)] = RepairKeyword{
			Component: strings.ToLower(v.Component),
			Category:  strings.ToLower(v.Category),
		}
	}
	cc.RepairContextKeywords = keywords

	cc.DistributionCatchAllComponents = lowerSlice(cc.DistributionCatchAllComponents)
	cc.DistributionCatchAllKeywords = lowerSlice(cc.DistributionCatchAllKeywords)
	cc.GasketSealIndicators = lowerSlice(cc.GasketSealIndicators)
	cc.AncillaryKeywords = lowerSlice(cc.AncillaryKeywords)
}

// SynonymsFor returns the synonym list for a component, trying the
// lower, underscore and space key variants.
func (cc *ComponentConfig) SynonymsFor(component string) []string {
	lower := strings.ToLower(component)
	for _, key := range []string{
		lower,
		strings.ReplaceAll(lower, " ", "_"),
		strings.ReplaceAll(lower, "_", " "),
	} {
		if syns, ok := cc.ComponentSynonyms[key]; ok {
			return syns
		}
	}
	return nil
}

// IsCatchAllComponent reports whether the component participates in the
// distribution catch-all rule.
func (cc *ComponentConfig) IsCatchAllComponent(component string) bool {
	lower := strings.ToLower(component)
	for _, c := range cc.DistributionCatchAllComponents {
		if c == lower {
			return true
		}
	}
	return false
}

func lowerMapSlice(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, vals := range in {
		out[strings.ToLower(k)] = lowerSlice(vals)
	}
	return out
}

func lowerSlice(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, strings.ToLower(v))
	}
	return out
}
