// Package llm provides the analyzer's LLM client abstraction: a small
// chat-completion interface, an OpenAI-compatible HTTP implementation,
// an audited wrapper that assigns call IDs and links retries, and the
// prompt provider used to build coverage prompts.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral chat-completion request.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// ChatResponse carries the completion text.
type ChatResponse struct {
	Content string `json:"content"`
}

// ChatClient is the minimal interface the coverage analyzer calls.
type ChatClient interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ClientFactory supplies one client per worker so each goroutine owns
// its own handle.
type ClientFactory func() ChatClient

// =============================================================================
// HTTP CLIENT (OpenAI-compatible chat completions)
// =============================================================================

// HTTPConfig holds configuration for the HTTP chat client.
type HTTPConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig(apiKey string) HTTPConfig {
	return HTTPConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		Timeout: 120 * time.Second,
	}
}

// HTTPClient implements ChatClient against an OpenAI-compatible
// chat-completions endpoint.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewHTTPClient creates a client with custom config.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	return &HTTPClient{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// ChatCompletion sends the request and returns the completion text.
func (c *HTTPClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	body, err := json.Marshal(wireRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("API error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	return &ChatResponse{Content: strings.TrimSpace(wire.Choices[0].Message.Content)}, nil
}

// SetModel changes the model used for completions.
func (c *HTTPClient) SetModel(model string) { c.model = model }

// GetModel returns the current model.
func (c *HTTPClient) GetModel() string { return c.model }

// =============================================================================
// JSON RESPONSE HELPERS
// =============================================================================

// CleanJSONResponse removes markdown code fences from a model reply so
// the remainder parses as JSON.
func CleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
