package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanJSONResponse(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounding whitespace", "  \n{\"a\": 1}\n  ", `{"a": 1}`},
		{"fence with whitespace", "```json\n  {\"a\": 1}  \n```", `{"a": 1}`},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanJSONResponse(tc.in))
		})
	}
}

func TestHTTPClientChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "  hello  "}},
			},
		})
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig("sk-test")
	cfg.BaseURL = srv.URL
	client := NewHTTPClient(cfg)

	resp, err := client.ChatCompletion(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
}

func TestHTTPClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "model overloaded", "type": "server_error"},
		})
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig("sk-test")
	cfg.BaseURL = srv.URL
	client := NewHTTPClient(cfg)

	_, err := client.ChatCompletion(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestHTTPClientNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig("sk-test")
	cfg.BaseURL = srv.URL
	client := NewHTTPClient(cfg)

	_, err := client.ChatCompletion(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPClientRequiresAPIKey(t *testing.T) {
	client := NewHTTPClient(HTTPConfig{BaseURL: "http://localhost:0"})

	_, err := client.ChatCompletion(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestStubClientCanned(t *testing.T) {
	stub := &StubClient{Canned: `{"ok": true}`}

	resp, err := stub.ChatCompletion(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, resp.Content)
}
