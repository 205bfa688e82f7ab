package ollama_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/llm/ollama"
	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAdapter(t *testing.T, baseURL string, opts map[string]string) llm.Provider {
	t.Helper()
	adapter, err := ollama.NewAdapter(config.ProviderConfig{
		ID:      "local",
		Type:    "ollama",
		BaseURL: baseURL,
		Config:  opts,
		Models: []config.ModelConfig{
			{ID: "local/llama3", Provider: "local", Capability: "chat", MaxInputTokens: 8000, MaxOutputTokens: 2000},
		},
	}, zap.NewNop())
	require.NoError(t, err)
	return adapter
}

func request(stream bool) *api.ChatRequest {
	maxTokens := 10
	return &api.ChatRequest{
		Model:     "local/llama3",
		Stream:    stream,
		MaxTokens: &maxTokens,
		Messages:  []api.ChatMessage{{Role: "user", Content: api.NewTextContent("Why is the sky blue?")}},
	}
}

func TestOllamaChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body["model"])
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, float64(10), body["options"].(map[string]interface{})["num_predict"])

		_, _ = io.WriteString(w, `{"model":"llama3","created_at":"2024-01-01T00:00:00Z","message":{"role":"assistant","content":"Rayleigh scattering."},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":3}`)
	}))
	defer server.Close()

	// the /v1 suffix of an OpenAI style base url is tolerated
	adapter := newAdapter(t, server.URL+"/v1", nil)

	resp, err := adapter.ChatCompletion(context.Background(), request(false))
	require.NoError(t, err)
	assert.Equal(t, "Rayleigh scattering.", resp.Content())
	assert.Equal(t, "local/llama3", resp.Model)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
	assert.Equal(t, int64(1704067200), resp.Created)
}

func TestOllamaStreamNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"<think>hmm"},"done":false}
{"model":"llama3","message":{"role":"assistant","content":"</think>Rayleigh"},"done":false}

{"model":"llama3","message":{"role":"assistant","content":" scattering."},"done":false}
{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":3}
`)
	}))
	defer server.Close()

	adapter := newAdapter(t, server.URL, map[string]string{"strip_thinking": "true"})

	stream, err := adapter.StreamCompletion(context.Background(), request(true))
	require.NoError(t, err)

	resp, err := llm.Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "Rayleigh scattering.", resp.Content())
	assert.Equal(t, "stop", resp.FinishReason())
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
}

func TestOllamaStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"model ran out of memory"}`+"\n")
	}))
	defer server.Close()

	stream, err := newAdapter(t, server.URL, nil).StreamCompletion(context.Background(), request(true))
	require.NoError(t, err)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, api.ErrUpstreamRejected)
}

func TestOllamaModelMissingUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model 'llama3' not found, try pulling it first"}`)
	}))
	defer server.Close()

	_, err := newAdapter(t, server.URL, nil).ChatCompletion(context.Background(), request(false))
	require.ErrorIs(t, err, api.ErrUpstreamRejected)

	p, _ := api.AsProblem(err)
	assert.Equal(t, http.StatusNotFound, p.Status)
	assert.Contains(t, p.Detail, "try pulling it first")
}

func TestOllamaUnavailable(t *testing.T) {
	_, err := newAdapter(t, "http://127.0.0.1:1", nil).ChatCompletion(context.Background(), request(false))
	assert.ErrorIs(t, err, api.ErrUpstreamUnavailable)
}
