package api

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
)

type ChatRequest struct {
	// message array is required, dive in and deep validate
	Messages []ChatMessage `json:"messages" binding:"required,min=1,dive"`

	// public model id, `<provider>/<model>`
	Model string `json:"model" binding:"required"`

	// Enable streaming, defaults to `false` (empty)
	Stream bool `json:"stream,omitempty"`

	StreamOptions *StreamOptions `json:"stream_options,omitempty"`

	// LLM Parameters. Pointers distinguish "absent" from zero.
	MaxTokens        *int     `json:"max_tokens,omitempty" binding:"omitempty,min=1"`
	Temperature      *float64 `json:"temperature,omitempty" binding:"omitempty,min=0,max=2"`
	TopP             *float64 `json:"top_p,omitempty" binding:"omitempty,min=0,max=1"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" binding:"omitempty,min=-2,max=2"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" binding:"omitempty,min=-2,max=2"`

	Stop *Stop `json:"stop,omitempty"`

	// audio output extension
	Modalities []string      `json:"modalities,omitempty" binding:"omitempty,dive,oneof=text audio"`
	Audio      *AudioOptions `json:"audio,omitempty"`

	User string `json:"user,omitempty"`
}

type AudioOptions struct {
	Voice  string `json:"voice" binding:"required,oneof=alloy echo fable onyx nova shimmer"`
	Format string `json:"format" binding:"required,oneof=mp3 opus aac flac wav"`
}

type ChatMessage struct {
	Role string `json:"role" binding:"required,oneof=system user assistant developer"`
	// string or []ContentPart; only assistant turns may leave it null
	Content Content `json:"content" binding:"required_unless=Role assistant"`
	Name    string  `json:"name,omitempty"`

	// assistant audio replies
	Audio *AudioOutput `json:"audio,omitempty"`
}

// Content handles the union type: string | []ContentPart
type Content struct {
	Text  string
	Parts []ContentPart
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
	case data[0] == '"':
		return json.Unmarshal(data, &c.Text)
	case data[0] == '[':
		return json.Unmarshal(data, &c.Parts)
	case bytes.Equal(data, []byte("null")):
		return nil
	}
	return &json.UnmarshalTypeError{Value: jsonKind(data), Type: reflect.TypeOf("")}
}

func jsonKind(data []byte) string {
	if len(data) == 0 {
		return "empty"
	}
	switch data[0] {
	case '{':
		return "object"
	case 't', 'f':
		return "bool"
	default:
		return "number"
	}
}

// Value is what validation sees: the text, or the parts when present.
func (c Content) Value() interface{} {
	if c.Parts != nil {
		return c.Parts
	}
	return c.Text
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// String flattens the text of the content; image parts contribute nothing.
func (c Content) String() string {
	if c.Parts == nil {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// NewTextContent is a shorthand for plain string content.
func NewTextContent(text string) Content {
	return Content{Text: text}
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type Stop struct {
	Val []string
}

func (s *Stop) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &s.Val)
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	s.Val = []string{str}
	return nil
}

func (s Stop) MarshalJSON() ([]byte, error) {
	if len(s.Val) == 1 {
		return json.Marshal(s.Val[0])
	}
	return json.Marshal(s.Val)
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

type ImageRequest struct {
	Prompt         string `json:"prompt" binding:"required"`
	Model          string `json:"model" binding:"required"`
	N              int    `json:"n,omitempty" binding:"omitempty,min=1,max=10"`
	Size           string `json:"size,omitempty" binding:"omitempty,oneof=256x256 512x512 1024x1024"`
	ResponseFormat string `json:"response_format,omitempty" binding:"omitempty,oneof=url b64_json"`
	User           string `json:"user,omitempty"`
}

const (
	ImageFormatURL = "url"
	ImageFormatB64 = "b64_json"
)

// ApplyDefaults fills omitted image parameters.
func (r *ImageRequest) ApplyDefaults() {
	if r.N == 0 {
		r.N = 1
	}
	if r.Size == "" {
		r.Size = "1024x1024"
	}
	if r.ResponseFormat == "" {
		r.ResponseFormat = ImageFormatURL
	}
}

type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
	System    Role = "system"
	Developer Role = "developer"
	Anonymous Role = "anonymous"
)
