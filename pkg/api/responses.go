package api

const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"

	FinishReasonStop   = "stop"
	FinishReasonLength = "length"
	FinishReasonError  = "error"
)

// ChatResponse is both the full completion and a single stream chunk;
// Object tells them apart.
type ChatResponse struct {
	ID                string   `json:"id"`
	Choices           []Choice `json:"choices"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Object            string   `json:"object"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
	Usage             *Usage   `json:"usage,omitempty"`

	Error *ErrorResponse `json:"error,omitempty"`
}

// Content returns the text of the first choice, from Message or Delta.
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	c := r.Choices[0]
	if c.Message != nil {
		return c.Message.Content.String()
	}
	if c.Delta != nil {
		return c.Delta.Content.String()
	}
	return ""
}

// FinishReason returns the first non-empty finish reason across choices.
func (r *ChatResponse) FinishReason() string {
	if r == nil {
		return ""
	}
	for _, c := range r.Choices {
		if c.FinishReason != "" {
			return c.FinishReason
		}
	}
	return ""
}

type Choice struct {
	Index        int            `json:"index"`
	Message      *ChatMessage   `json:"message,omitempty"` // For non-streaming
	Delta        *ChatMessage   `json:"delta,omitempty"`   // For streaming
	FinishReason string         `json:"finish_reason,omitempty"`
	Error        *ErrorResponse `json:"error,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a Usage with a consistent total.
func NewUsage(prompt, completion int) *Usage {
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

type AudioOutput struct {
	ID         string `json:"id,omitempty"`
	Data       string `json:"data,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

type ErrorResponse struct {
	Code    interface{} `json:"code,omitempty"`
	Type    string      `json:"type,omitempty"`
	Message string      `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}
