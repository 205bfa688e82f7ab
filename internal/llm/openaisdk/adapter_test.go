package openaisdk_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/llm/openaisdk"
	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const completion = `{"id":"chatcmpl-9","object":"chat.completion","created":1700000000,"model":"gpt-4o-mini",
"choices":[{"index":0,"message":{"role":"assistant","content":"Hi from the SDK"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":5,"completion_tokens":4,"total_tokens":9}}`

var chunks = []string{
	`{"id":"chatcmpl-9","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi from"}}]}`,
	`{"id":"chatcmpl-9","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":" the SDK"},"finish_reason":"stop"}]}`,
}

func newAdapter(t *testing.T, baseURL string, opts map[string]string, keys ...string) llm.Provider {
	t.Helper()
	adapter, err := openaisdk.NewAdapter(config.ProviderConfig{
		ID:      "azure",
		Type:    "openai-sdk",
		BaseURL: baseURL,
		APIKeys: keys,
		Config:  opts,
		Models: []config.ModelConfig{
			{ID: "azure/gpt-4o-mini", Provider: "azure", Upstream: "gpt-4o-mini", Capability: "chat", MaxInputTokens: 1000, MaxOutputTokens: 100},
		},
	}, zap.NewNop())
	require.NoError(t, err)
	return adapter
}

func chatRequest() *api.ChatRequest {
	maxTokens := 10
	return &api.ChatRequest{
		Model:     "azure/gpt-4o-mini",
		MaxTokens: &maxTokens,
		Messages: []api.ChatMessage{
			{Role: "system", Content: api.NewTextContent("be brief")},
			{Role: "user", Content: api.NewTextContent("Hi")},
		},
	}
}

func TestSDKChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-one", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion)
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL+"/v1", nil, "sk-one")
	resp, err := adapter.ChatCompletion(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "Hi from the SDK", resp.Content())
	assert.Equal(t, "azure/gpt-4o-mini", resp.Model)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestSDKAzureDeploymentRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/gpt-4o-mini/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-10-21", r.URL.Query().Get("api-version"))
		assert.Equal(t, "azure-key", r.Header.Get("api-key"))

		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"max_completion_tokens":10`)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion)
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL, map[string]string{"api_version": "2024-10-21"}, "azure-key")
	resp, err := adapter.ChatCompletion(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "Hi from the SDK", resp.Content())
}

func TestSDKStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL, nil, "sk-one")
	stream, err := adapter.StreamCompletion(context.Background(), chatRequest())
	require.NoError(t, err)

	collected, err := llm.Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "Hi from the SDK", collected.Content())
	assert.Equal(t, "stop", collected.FinishReason())
	assert.Equal(t, "azure/gpt-4o-mini", collected.Model)
}

func TestSDKRotatesOnRateLimit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") == "Bearer sk-one" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion)
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL, nil, "sk-one", "sk-two")
	resp, err := adapter.ChatCompletion(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "Hi from the SDK", resp.Content())
	assert.Equal(t, int32(2), hits.Load())
}

func TestSDKRejectedOpeningStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"auth"}}`)
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL, nil, "sk-one")
	_, err := adapter.StreamCompletion(context.Background(), chatRequest())
	require.ErrorIs(t, err, api.ErrUpstreamRejected)

	p, _ := api.AsProblem(err)
	assert.Equal(t, http.StatusUnauthorized, p.Status)
}

func TestSDKNoImages(t *testing.T) {
	adapter := newAdapter(t, "http://127.0.0.1:1", nil, "sk-one")
	_, err := adapter.ImageGeneration(context.Background(), &api.ImageRequest{Model: "azure/gpt-4o-mini", Prompt: "x"})
	assert.ErrorIs(t, err, api.ErrCapabilityNotSupported)
}
