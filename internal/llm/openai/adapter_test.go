package openai_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/llm/openai"
	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const completionFixture = `{
	"id": "chatcmpl-123",
	"object": "chat.completion",
	"created": 1677652288,
	"model": "gpt-4o-2024-08-06",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "Hello there!"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
}`

var streamFixture = []string{
	`{"id":"chatcmpl-123","object":"chat.completion.chunk","created":1677652288,"model":"gpt-4o-2024-08-06","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
	`{"id":"chatcmpl-123","object":"chat.completion.chunk","created":1677652288,"model":"gpt-4o-2024-08-06","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
	`{"id":"chatcmpl-123","object":"chat.completion.chunk","created":1677652288,"model":"gpt-4o-2024-08-06","choices":[{"index":0,"delta":{"content":" there!"}}]}`,
	`{"id":"chatcmpl-123","object":"chat.completion.chunk","created":1677652288,"model":"gpt-4o-2024-08-06","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	`{"id":"chatcmpl-123","object":"chat.completion.chunk","created":1677652288,"model":"gpt-4o-2024-08-06","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`,
}

func providerConfig(baseURL string, keys ...string) config.ProviderConfig {
	return config.ProviderConfig{
		ID:      "openai",
		Type:    "openai",
		BaseURL: baseURL,
		APIKeys: keys,
		Enabled: true,
		Models: []config.ModelConfig{
			{ID: "openai/gpt-4o", Provider: "openai", Upstream: "gpt-4o-2024-08-06", Capability: "chat", MaxInputTokens: 1000, MaxOutputTokens: 100},
			{ID: "openai/dall-e-3", Provider: "openai", Capability: "image"},
		},
	}
}

func newAdapter(t *testing.T, cfg config.ProviderConfig) llm.Provider {
	t.Helper()
	adapter, err := openai.NewAdapter(cfg, zap.NewNop())
	require.NoError(t, err)
	return adapter
}

func chatRequest(stream bool) *api.ChatRequest {
	return &api.ChatRequest{
		Model:    "openai/gpt-4o",
		Stream:   stream,
		Messages: []api.ChatMessage{{Role: "user", Content: api.NewTextContent("Hi")}},
	}
}

// fixtureServer answers buffered and streamed chat from the same content.
func fixtureServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-2024-08-06", body["model"])

		if body["stream"] == true {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, ": ping\n\n")
			for _, line := range streamFixture {
				_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
			}
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionFixture)
	}))
}

func TestOpenAIChat(t *testing.T) {
	server := fixtureServer(t)
	defer server.Close()

	adapter := newAdapter(t, providerConfig(server.URL+"/v1", "test-key"))

	resp, err := adapter.ChatCompletion(context.Background(), chatRequest(false))
	require.NoError(t, err)

	assert.Equal(t, "Hello there!", resp.Content())
	assert.Equal(t, "openai/gpt-4o", resp.Model)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
	assert.Equal(t, "openai", adapter.Name())
}

func TestOpenAIStreamMatchesBufferedContent(t *testing.T) {
	server := fixtureServer(t)
	defer server.Close()

	adapter := newAdapter(t, providerConfig(server.URL+"/v1", "test-key"))

	buffered, err := adapter.ChatCompletion(context.Background(), chatRequest(false))
	require.NoError(t, err)

	stream, err := adapter.StreamCompletion(context.Background(), chatRequest(true))
	require.NoError(t, err)

	var chunks int
	var content strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks++
		assert.Equal(t, api.ObjectChatCompletionChunk, chunk.Object)
		assert.Equal(t, "openai/gpt-4o", chunk.Model)
		content.WriteString(chunk.Content())
	}
	require.NoError(t, stream.Close())

	assert.Equal(t, len(streamFixture), chunks)
	assert.Equal(t, buffered.Content(), content.String())
}

func TestOpenAIStreamInterrupted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", streamFixture[1])
		// connection ends without finish_reason or [DONE]
	}))
	defer server.Close()

	adapter := newAdapter(t, providerConfig(server.URL, "test-key"))
	stream, err := adapter.StreamCompletion(context.Background(), chatRequest(true))
	require.NoError(t, err)

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hello", chunk.Content())

	_, err = stream.Recv()
	assert.ErrorIs(t, err, api.ErrStreamInterrupted)
}

func TestOpenAIStreamUpstreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"error\":{\"message\":\"server overloaded\"}}\n\n")
	}))
	defer server.Close()

	adapter := newAdapter(t, providerConfig(server.URL, "test-key"))
	stream, err := adapter.StreamCompletion(context.Background(), chatRequest(true))
	require.NoError(t, err)

	_, err = stream.Recv()
	require.ErrorIs(t, err, api.ErrUpstreamRejected)
	assert.Contains(t, err.Error(), "server overloaded")
}

func TestOpenAIRotationExhaustion(t *testing.T) {
	var hits atomic.Int32
	seen := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		seen <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limited","type":"requests"}}`)
	}))
	defer server.Close()

	adapter := newAdapter(t, providerConfig(server.URL, "key-aaaaaaaaaaaa1", "key-bbbbbbbbbbbb2", "key-cccccccccccc3"))

	_, err := adapter.ChatCompletion(context.Background(), chatRequest(false))
	require.ErrorIs(t, err, api.ErrAllCredentialsExhausted)
	assert.Equal(t, int32(4), hits.Load())

	close(seen)
	var used []string
	for h := range seen {
		used = append(used, h)
	}
	assert.Equal(t, []string{
		"Bearer key-aaaaaaaaaaaa1",
		"Bearer key-bbbbbbbbbbbb2",
		"Bearer key-cccccccccccc3",
		"Bearer key-aaaaaaaaaaaa1",
	}, used)
}

func TestOpenAIRotationRecovers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer key-first" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, completionFixture)
	}))
	defer server.Close()

	adapter := newAdapter(t, providerConfig(server.URL, "key-first", "key-second"))

	resp, err := adapter.ChatCompletion(context.Background(), chatRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", resp.Content())
}

func TestOpenAIUpstreamRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"context too long","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	adapter := newAdapter(t, providerConfig(server.URL, "test-key"))

	_, err := adapter.ChatCompletion(context.Background(), chatRequest(false))
	require.ErrorIs(t, err, api.ErrUpstreamRejected)

	p, ok := api.AsProblem(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, "context too long", p.Detail)
}

func TestOpenAIModelChecks(t *testing.T) {
	adapter := newAdapter(t, providerConfig("http://127.0.0.1:1", "test-key"))

	req := chatRequest(false)
	req.Model = "openai/unknown"
	_, err := adapter.ChatCompletion(context.Background(), req)
	assert.ErrorIs(t, err, api.ErrUnsupportedModel)

	req.Model = "openai/dall-e-3"
	_, err = adapter.ChatCompletion(context.Background(), req)
	assert.ErrorIs(t, err, api.ErrCapabilityNotSupported)

	maxIn, maxOut, err := adapter.TokenLimits("openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 1000, maxIn)
	assert.Equal(t, 100, maxOut)
}

func TestOpenAIImageToBase64(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/generations":
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "dall-e-3", body["model"])
			// this upstream ignores response_format and always hosts the result
			_, _ = fmt.Fprintf(w, `{"created":1700000001,"data":[{"url":"%s/files/1.png"}]}`, server.URL)
		case "/files/1.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = io.WriteString(w, "PNGDATA")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter := newAdapter(t, providerConfig(server.URL, "test-key"))

	resp, err := adapter.ImageGeneration(context.Background(), &api.ImageRequest{
		Model: "openai/dall-e-3", Prompt: "a cat", N: 1, Size: "1024x1024", ResponseFormat: api.ImageFormatB64,
	})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Empty(t, resp.Data[0].URL)
	assert.Equal(t, "UE5HREFUQQ==", resp.Data[0].B64JSON)
	assert.Equal(t, int64(1700000001), resp.Created)
}

func TestOpenAIImageViaChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_, _ = io.WriteString(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"Here you go ![img](https://cdn.example.com/a.png)"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	cfg := providerConfig(server.URL, "test-key")
	cfg.Config = map[string]string{"image_mode": "chat"}
	adapter := newAdapter(t, cfg)

	resp, err := adapter.ImageGeneration(context.Background(), &api.ImageRequest{
		Model: "openai/dall-e-3", Prompt: "a cat", N: 2, Size: "1024x1024", ResponseFormat: api.ImageFormatURL,
	})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "https://cdn.example.com/a.png", resp.Data[0].URL)
}

func TestImageLink(t *testing.T) {
	link, ok := openai.ImageLink("first [a](https://x/1.png) then ![b](https://x/2.png)")
	assert.True(t, ok)
	assert.Equal(t, "https://x/2.png", link)

	link, ok = openai.ImageLink("see https://x/3.png.")
	assert.True(t, ok)
	assert.Equal(t, "https://x/3.png", link)

	_, ok = openai.ImageLink("no image today")
	assert.False(t, ok)
}
