package admission

import (
	"strings"
	"testing"

	"github.com/nulzo/model-gateway/internal/tokens"
	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chatRequest(text string, maxTokens *int) *api.ChatRequest {
	return &api.ChatRequest{
		Model:     "p/m",
		Messages:  []api.ChatMessage{{Role: "user", Content: api.NewTextContent(text)}},
		MaxTokens: maxTokens,
	}
}

func intPtr(v int) *int { return &v }

func TestBudget_Apply(t *testing.T) {
	budget := NewBudget(tokens.NewCounter("cl100k_base", zap.NewNop()))
	limits := Limits{MaxInput: 100, MaxOutput: 10}

	t.Run("absent max_tokens defaults to the model cap", func(t *testing.T) {
		req := chatRequest("hello", nil)
		prompt, err := budget.Apply(req, limits)
		require.NoError(t, err)
		assert.Positive(t, prompt)
		require.NotNil(t, req.MaxTokens)
		assert.Equal(t, 10, *req.MaxTokens)
	})

	t.Run("explicit max_tokens within the cap is kept", func(t *testing.T) {
		req := chatRequest("hello", intPtr(4))
		_, err := budget.Apply(req, limits)
		require.NoError(t, err)
		assert.Equal(t, 4, *req.MaxTokens)
	})

	t.Run("explicit max_tokens above the cap is rejected", func(t *testing.T) {
		req := chatRequest("hello", intPtr(11))
		_, err := budget.Apply(req, limits)
		assert.ErrorIs(t, err, api.ErrOutputCapExceeded)
	})

	t.Run("oversized prompt is rejected", func(t *testing.T) {
		req := chatRequest(strings.Repeat("token ", 200), nil)
		prompt, err := budget.Apply(req, limits)
		assert.ErrorIs(t, err, api.ErrInputTooLarge)
		assert.Greater(t, prompt, 100)
		assert.Nil(t, req.MaxTokens)
	})
}

func TestBudget_CountCompletion(t *testing.T) {
	budget := NewBudget(tokens.NewCounter("cl100k_base", zap.NewNop()))
	assert.Zero(t, budget.CountCompletion("", ""))
	assert.Positive(t, budget.CountCompletion("", "a short reply"))
}
