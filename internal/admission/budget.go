package admission

import (
	"github.com/nulzo/model-gateway/internal/tokens"
	"github.com/nulzo/model-gateway/pkg/api"
)

// Limits are the token limits of one model.
type Limits struct {
	MaxInput  int
	MaxOutput int
	Tokenizer string
}

// Budget is the token gate run before a chat request is dispatched.
type Budget struct {
	counter *tokens.Counter
}

func NewBudget(counter *tokens.Counter) *Budget {
	return &Budget{counter: counter}
}

// Apply counts the prompt and checks it against the model limits. An explicit
// max_tokens above the model cap is rejected; an absent one is set to the
// cap, so req is modified in place. It returns the prompt token count.
func (b *Budget) Apply(req *api.ChatRequest, limits Limits) (int, error) {
	prompt := b.counter.CountMessages(limits.Tokenizer, req.Messages)
	if limits.MaxInput > 0 && prompt > limits.MaxInput {
		return prompt, api.InputTooLarge(prompt, limits.MaxInput)
	}

	if req.MaxTokens != nil {
		if limits.MaxOutput > 0 && *req.MaxTokens > limits.MaxOutput {
			return prompt, api.OutputCapExceeded(*req.MaxTokens, limits.MaxOutput)
		}
		return prompt, nil
	}
	if limits.MaxOutput > 0 {
		capped := limits.MaxOutput
		req.MaxTokens = &capped
	}
	return prompt, nil
}

// CountCompletion counts generated text for responses that arrive without usage.
func (b *Budget) CountCompletion(tokenizer, text string) int {
	return b.counter.CountText(tokenizer, text)
}
