// Command claimlens analyzes warranty repair claims: it reads a claim
// file with extracted line items and policy lists, runs the coverage
// pipeline, and writes the analysis result as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"claimlens/internal/coverage"
	"claimlens/internal/llm"
	"claimlens/internal/logging"
)

var (
	verbose    bool
	configPath string
	claimPath  string
	outputPath string
	enableLLM  bool
	llmBaseURL string
	llmModel   string

	logger *zap.Logger
)

// claimFile is the on-disk claim shape.
type claimFile struct {
	ClaimID            string                   `json:"claim_id"`
	ClaimRunID         string                   `json:"claim_run_id,omitempty"`
	LineItems          []coverage.LineItem      `json:"line_items"`
	CoveredComponents  map[string][]string      `json:"covered_components"`
	ExcludedComponents map[string][]string      `json:"excluded_components,omitempty"`
	VehicleKm          *int                     `json:"vehicle_km,omitempty"`
	VehicleAgeYears    *decimal.Decimal         `json:"vehicle_age_years,omitempty"`
	AgeThresholdYears  *int                     `json:"age_threshold_years,omitempty"`
	CoverageScale      *coverage.CoverageScale  `json:"coverage_scale,omitempty"`
	ExcessPercent      *decimal.Decimal         `json:"excess_percent,omitempty"`
	ExcessMinimum      *decimal.Decimal         `json:"excess_minimum,omitempty"`
	RepairDescription  string                   `json:"repair_description,omitempty"`
}

func main() {
	root := &cobra.Command{
		Use:   "claimlens",
		Short: "Warranty repair-claim coverage analyzer",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = logging.NewLogger(verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	analyze := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze one claim file and print the coverage result",
		RunE:  runAnalyze,
	}
	analyze.Flags().StringVar(&configPath, "config", "", "analyzer config YAML (sibling *_keyword_mappings.yaml and *_component_config.yaml are picked up)")
	analyze.Flags().StringVar(&claimPath, "claim", "", "claim JSON file")
	analyze.Flags().StringVarP(&outputPath, "output", "o", "", "write result JSON here instead of stdout")
	analyze.Flags().BoolVar(&enableLLM, "llm", false, "enable the LLM fallback (needs OPENAI_API_KEY)")
	analyze.Flags().StringVar(&llmBaseURL, "llm-base-url", "", "override the LLM endpoint base URL")
	analyze.Flags().StringVar(&llmModel, "llm-model", "", "override the LLM model")
	analyze.MarkFlagRequired("claim") //nolint:errcheck

	root.AddCommand(analyze)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(claimPath)
	if err != nil {
		return fmt.Errorf("failed to read claim file: %w", err)
	}
	var claim claimFile
	if err := json.Unmarshal(data, &claim); err != nil {
		return fmt.Errorf("failed to parse claim file: %w", err)
	}

	var factory llm.ClientFactory
	if enableLLM {
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return fmt.Errorf("--llm requires OPENAI_API_KEY")
		}
		httpCfg := llm.DefaultHTTPConfig(apiKey)
		if llmBaseURL != "" {
			httpCfg.BaseURL = llmBaseURL
		}
		if llmModel != "" {
			httpCfg.Model = llmModel
		}
		factory = func() llm.ChatClient {
			return llm.NewAuditedClient(llm.NewHTTPClient(httpCfg), logger)
		}
	}

	analyzer, err := coverage.NewAnalyzerFromConfigPath(configPath, nil, factory, logger)
	if err != nil {
		return err
	}

	result, err := analyzer.Analyze(ctx, coverage.AnalyzeRequest{
		ClaimID:            claim.ClaimID,
		ClaimRunID:         claim.ClaimRunID,
		LineItems:          claim.LineItems,
		CoveredComponents:  claim.CoveredComponents,
		ExcludedComponents: claim.ExcludedComponents,
		VehicleKm:          claim.VehicleKm,
		VehicleAgeYears:    claim.VehicleAgeYears,
		AgeThresholdYears:  claim.AgeThresholdYears,
		CoverageScale:      claim.CoverageScale,
		ExcessPercent:      claim.ExcessPercent,
		ExcessMinimum:      claim.ExcessMinimum,
		RepairDescription:  claim.RepairDescription,
		OnLLMStart: func(n int) {
			logger.Info("llm fallback started", zap.Int("items", n))
		},
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, out, 0o644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
		logger.Info("result written", zap.String("path", outputPath))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
