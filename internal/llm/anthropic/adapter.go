package anthropic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/httpclient"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/llm/processing"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

func init() {
	llm.Register("anthropic", NewAdapter)
}

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	defaultVersion = "2023-06-01"
	defaultTimeout = 60 * time.Second
)

type Adapter struct {
	config       config.ProviderConfig
	baseURL      string
	version      string
	client       *http.Client
	streamClient *http.Client
	models       *llm.ModelTable
	rotator      *llm.Rotator
	logger       *zap.Logger
}

func NewAdapter(cfg config.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	policy, err := llm.NewRotationPolicy(cfg.RotateOn)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}

	logger = logger.With(zap.String("provider", cfg.ID))
	return &Adapter{
		config:       cfg,
		baseURL:      strings.TrimRight(baseURL, "/"),
		version:      cfg.Option("version", defaultVersion),
		client:       httpclient.New(timeout),
		streamClient: httpclient.NewStreaming(timeout),
		models:       llm.NewModelTable(cfg),
		rotator:      llm.NewRotator(cfg.ID, cfg.Credentials(), policy, logger),
		logger:       logger,
	}, nil
}

func (a *Adapter) Name() string { return a.config.ID }
func (a *Adapter) Type() string { return "anthropic" }

func (a *Adapter) ListModels() []llm.ModelDescriptor {
	return a.models.List()
}

func (a *Adapter) TokenLimits(modelID string) (int, int, error) {
	return a.models.Limits(modelID)
}

type Message struct {
	Role    string    `json:"role"`
	Content []Content `json:"content"`
}

type Request struct {
	Model         string    `json:"model"`
	Messages      []Message `json:"messages"`
	System        string    `json:"system,omitempty"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type Response struct {
	ID         string    `json:"id"`
	Content    []Content `json:"content"`
	Model      string    `json:"model"`
	StopReason string    `json:"stop_reason"`
	Usage      Usage     `json:"usage"`
}

type Content struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/jpeg"
	Data      string `json:"data"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent covers every typed event of the messages stream.
type StreamEvent struct {
	Type    string    `json:"type"`
	Message *Response `json:"message,omitempty"` // message_start
	Delta   *Delta    `json:"delta,omitempty"`
	Index   int       `json:"index,omitempty"`
	Usage   *Usage    `json:"usage,omitempty"` // message_delta
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type Delta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

// finishReason maps stop reasons onto the OpenAI vocabulary.
func finishReason(stopReason string) string {
	switch stopReason {
	case "":
		return ""
	case "max_tokens":
		return api.FinishReasonLength
	default:
		return api.FinishReasonStop
	}
}

func (a *Adapter) toAnthropicReq(ctx context.Context, req *api.ChatRequest, d llm.ModelDescriptor, stream bool) (Request, error) {
	ar := Request{
		Model:       d.Upstream,
		MaxTokens:   d.MaxOutputTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
	}
	if req.MaxTokens != nil {
		ar.MaxTokens = *req.MaxTokens
	}
	if req.Stop != nil {
		ar.StopSequences = req.Stop.Val
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == string(api.System) || m.Role == string(api.Developer) {
			system = append(system, m.Content.String())
			continue
		}

		var parts []Content
		if m.Content.Parts == nil {
			if m.Content.Text != "" {
				parts = append(parts, Content{Type: "text", Text: m.Content.Text})
			}
		}
		for _, part := range m.Content.Parts {
			switch {
			case part.Type == "text":
				parts = append(parts, Content{Type: "text", Text: part.Text})
			case part.Type == "image_url" && part.ImageURL != nil:
				img, err := processing.LoadImage(ctx, a.client, part.ImageURL.URL)
				if err != nil {
					return ar, api.BadRequestError(fmt.Sprintf("could not load image: %v", err))
				}
				parts = append(parts, Content{
					Type:   "image",
					Source: &ImageSource{Type: "base64", MediaType: img.MediaType, Data: img.Data},
				})
			}
		}
		if len(parts) > 0 {
			ar.Messages = append(ar.Messages, Message{Role: m.Role, Content: parts})
		}
	}
	ar.System = strings.Join(system, "\n")
	return ar, nil
}

func (a *Adapter) headers(key string) map[string]string {
	return map[string]string{
		"x-api-key":         key,
		"anthropic-version": a.version,
	}
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}
	ar, err := a.toAnthropicReq(ctx, req, d, false)
	if err != nil {
		return nil, err
	}

	var anthroResp Response
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		anthroResp = Response{}
		return httpclient.SendRequest(ctx, a.client, http.MethodPost, a.baseURL+"/messages", a.headers(key), ar, &anthroResp)
	})
	if err != nil {
		a.logger.Warn("Chat completion failed", zap.String("model", req.Model), zap.Error(err))
		return nil, llm.UpstreamFailure(a.Name(), err)
	}

	var text strings.Builder
	for _, c := range anthroResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &api.ChatResponse{
		ID:      anthroResp.ID,
		Object:  api.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []api.Choice{{
			Index: 0,
			Message: &api.ChatMessage{
				Role:    string(api.Assistant),
				Content: api.NewTextContent(text.String()),
			},
			FinishReason: finishReason(anthroResp.StopReason),
		}},
		Usage: api.NewUsage(anthroResp.Usage.InputTokens, anthroResp.Usage.OutputTokens),
	}, nil
}

func (a *Adapter) StreamCompletion(ctx context.Context, req *api.ChatRequest) (llm.Stream, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}
	ar, err := a.toAnthropicReq(ctx, req, d, true)
	if err != nil {
		return nil, err
	}

	var stream io.ReadCloser
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		b, err := httpclient.OpenStream(ctx, a.streamClient, http.MethodPost, a.baseURL+"/messages", a.headers(key), ar)
		if err != nil {
			return err
		}
		stream = b
		return nil
	})
	if err != nil {
		a.logger.Warn("Opening stream failed", zap.String("model", req.Model), zap.Error(err))
		return nil, llm.UpstreamFailure(a.Name(), err)
	}

	return llm.Normalize[string](ctx, a.Name(), llm.NewLineSource(stream), a.eventMapper(req.Model), a.logger), nil
}

// eventMapper folds the typed event sequence into chunks. message_start
// carries the id and prompt tokens, message_delta the stop reason and
// completion tokens.
func (a *Adapter) eventMapper(publicModel string) llm.MapFunc[string] {
	var (
		id           string
		inputTokens  int
		created      = time.Now().Unix()
		sentRoleOnce bool
	)

	chunk := func(delta *api.ChatMessage, finish string) *api.ChatResponse {
		return &api.ChatResponse{
			ID:      id,
			Object:  api.ObjectChatCompletionChunk,
			Created: created,
			Model:   publicModel,
			Choices: []api.Choice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	return func(line string) (*api.ChatResponse, llm.Action, error) {
		event, _, err := llm.DecodeLine[StreamEvent](line)
		if err != nil {
			return nil, llm.Skip, err
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				id = event.Message.ID
				inputTokens = event.Message.Usage.InputTokens
			}
			return nil, llm.Skip, nil

		case "content_block_delta":
			if event.Delta == nil || event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				return nil, llm.Skip, nil
			}
			delta := &api.ChatMessage{Content: api.NewTextContent(event.Delta.Text)}
			if !sentRoleOnce {
				delta.Role = string(api.Assistant)
				sentRoleOnce = true
			}
			return chunk(delta, ""), llm.Emit, nil

		case "message_delta":
			stop := api.FinishReasonStop
			if event.Delta != nil {
				if r := finishReason(event.Delta.StopReason); r != "" {
					stop = r
				}
			}
			out := chunk(&api.ChatMessage{}, stop)
			outputTokens := 0
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}
			out.Usage = api.NewUsage(inputTokens, outputTokens)
			return out, llm.Emit, nil

		case "message_stop":
			return nil, llm.Stop, nil

		case "error":
			msg := "upstream stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return nil, llm.Stop, api.UpstreamRejected(a.Name(), http.StatusBadGateway, msg)

		default:
			// ping, content_block_start, content_block_stop
			return nil, llm.Skip, nil
		}
	}
}

func (a *Adapter) ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	return nil, api.CapabilityNotSupported(a.Name(), "image generation")
}

func (a *Adapter) Health(ctx context.Context) error {
	var key string
	if keys := a.config.Credentials(); len(keys) > 0 {
		key = keys[a.rotator.Index()]
	}
	err := httpclient.SendRequest(ctx, a.client, http.MethodGet, a.baseURL+"/models?limit=1", a.headers(key), nil, nil)
	return llm.UpstreamFailure(a.Name(), err)
}
