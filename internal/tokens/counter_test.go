package tokens

import (
	"testing"

	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCountText(t *testing.T) {
	c := NewCounter("cl100k_base", zap.NewNop())

	assert.Equal(t, 0, c.CountText("", ""))
	// "hello world" is two tokens in cl100k_base
	assert.Equal(t, 2, c.CountText("", "hello world"))
	assert.Equal(t, 2, c.CountText("cl100k_base", "hello world"))
}

func TestCountTextByModelName(t *testing.T) {
	c := NewCounter("cl100k_base", zap.NewNop())
	assert.Equal(t, c.CountText("cl100k_base", "hello world"), c.CountText("gpt-4", "hello world"))
}

func TestUnknownFamilyFallsBackToDefault(t *testing.T) {
	c := NewCounter("cl100k_base", zap.NewNop())
	assert.Equal(t, c.CountText("", "the quick brown fox"), c.CountText("no-such-family", "the quick brown fox"))
}

func TestCountMessages(t *testing.T) {
	c := NewCounter("", zap.NewNop())

	msgs := []api.ChatMessage{
		{Role: "system", Content: api.NewTextContent("You are terse.")},
		{Role: "user", Content: api.NewTextContent("hi"), Name: "bob"},
	}

	expected := replyPrimer
	for _, m := range msgs {
		expected += tokensPerMessage + c.CountText("", m.Role) + c.CountText("", m.Content.String())
	}
	expected += tokensPerName + c.CountText("", "bob")

	assert.Equal(t, expected, c.CountMessages("", msgs))
}

func TestCountGrowsWithInput(t *testing.T) {
	c := NewCounter("", zap.NewNop())
	short := c.CountMessages("", []api.ChatMessage{{Role: "user", Content: api.NewTextContent("hi")}})
	long := c.CountMessages("", []api.ChatMessage{{Role: "user", Content: api.NewTextContent("hi there, how are you doing today?")}})
	assert.Greater(t, long, short)
}
