package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "test")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, "server:\n  port: \"8080\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "test", cfg.Server.Env)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, int64(10), cfg.RateLimit.Chat.Limit)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Chat.Window)
	assert.Equal(t, int64(50), cfg.RateLimit.Image.Limit)
	assert.Equal(t, "cl100k_base", cfg.Tokens.DefaultEncoding)
}

func TestLoadConfig_APIKeyResolution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-12345")
	t.Setenv("TEST_API_KEY_2", "sk-test-67890")

	path := writeConfig(t, `
providers:
  - id: "pool"
    type: "openai"
    api_keys: ["ENV:TEST_API_KEY", "ENV:TEST_API_KEY_2", "literal"]
    rotate_on: ["429", "*"]
    enabled: true
  - id: "single"
    type: "openai"
    api_key: "ENV:TEST_API_KEY"
    enabled: true
models:
  - id: "pool/gpt-4o"
    provider: "pool"
    capability: chat
    max_input_tokens: 4000
    max_output_tokens: 4000
    cost_per_million_tokens: 2.5
  - id: "pool/gpt-4o-audio-preview"
    provider: "pool"
    capability: chat
    max_input_tokens: 4000
    max_output_tokens: 4000
    streaming: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)

	assert.Equal(t, []string{"sk-test-12345", "sk-test-67890", "literal"}, cfg.Providers[0].Credentials())
	assert.Equal(t, []string{"sk-test-12345"}, cfg.Providers[1].Credentials())

	require.Len(t, cfg.Providers[0].Models, 2)
	assert.Empty(t, cfg.Providers[1].Models)
	assert.Equal(t, "gpt-4o", cfg.Providers[0].Models[0].UpstreamName())
	assert.True(t, cfg.Providers[0].Models[0].SupportsStreaming())
	assert.False(t, cfg.Providers[0].Models[1].SupportsStreaming())
}

func TestLoadConfig_RejectsBadTables(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "duplicate provider",
			content: `
providers:
  - {id: "a", type: "openai"}
  - {id: "a", type: "ollama"}
`,
		},
		{
			name: "unknown provider",
			content: `
providers:
  - {id: "a", type: "openai"}
models:
  - {id: "b/x", provider: "b", capability: chat, max_input_tokens: 1, max_output_tokens: 1}
`,
		},
		{
			name: "model id without provider prefix",
			content: `
providers:
  - {id: "a", type: "openai"}
models:
  - {id: "x", provider: "a", capability: chat, max_input_tokens: 1, max_output_tokens: 1}
`,
		},
		{
			name: "model id with empty prefix",
			content: `
providers:
  - {id: "a", type: "openai"}
models:
  - {id: "/x", provider: "a", capability: chat, max_input_tokens: 1, max_output_tokens: 1}
`,
		},
		{
			name: "model id with empty name",
			content: `
providers:
  - {id: "a", type: "openai"}
models:
  - {id: "a/", provider: "a", capability: chat, max_input_tokens: 1, max_output_tokens: 1}
`,
		},
		{
			name: "model id prefix differs from provider",
			content: `
providers:
  - {id: "a", type: "openai"}
  - {id: "b", type: "openai"}
models:
  - {id: "b/x", provider: "a", capability: chat, max_input_tokens: 1, max_output_tokens: 1}
`,
		},
		{
			name: "chat model without limits",
			content: `
providers:
  - {id: "a", type: "openai"}
models:
  - {id: "a/x", provider: "a", capability: chat}
`,
		},
		{
			name: "negative cost",
			content: `
providers:
  - {id: "a", type: "openai"}
models:
  - {id: "a/x", provider: "a", capability: chat, max_input_tokens: 1, max_output_tokens: 1, cost_per_million_tokens: -1}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestUpstreamName(t *testing.T) {
	assert.Equal(t, "llama3", ModelConfig{ID: "local/llama3"}.UpstreamName())
	assert.Equal(t, "gpt-4o-2024", ModelConfig{ID: "p/gpt-4o", Upstream: "gpt-4o-2024"}.UpstreamName())
}
