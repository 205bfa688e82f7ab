package ollama

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/httpclient"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/llm/processing"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

func init() {
	llm.Register("ollama", NewAdapter)
}

const (
	defaultBaseURL = "http://localhost:11434"
	defaultTimeout = 120 * time.Second
)

// Adapter talks to the native Ollama API. Streams are newline delimited JSON
// objects, the last of which carries done:true and the token counts.
type Adapter struct {
	config        config.ProviderConfig
	baseURL       string
	client        *http.Client
	streamClient  *http.Client
	models        *llm.ModelTable
	rotator       *llm.Rotator
	stripThinking bool
	logger        *zap.Logger
}

func NewAdapter(cfg config.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	// accept an OpenAI style base url pointing at the compatibility layer
	baseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1")

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
		config:        cfg,
		baseURL:       baseURL,
		client:        httpclient.New(timeout),
		streamClient:  httpclient.NewStreaming(timeout),
		models:        llm.NewModelTable(cfg),
		rotator:       llm.NewRotator(cfg.ID, cfg.Credentials(), policy, logger),
		stripThinking: cfg.Option("strip_thinking", "false") == "true",
		logger:        logger,
	}, nil
}

func (a *Adapter) Name() string {
	return a.config.ID
}

func (a *Adapter) Type() string {
	return "ollama"
}

func (a *Adapter) ListModels() []llm.ModelDescriptor {
	return a.models.List()
}

func (a *Adapter) TokenLimits(modelID string) (int, int, error) {
	return a.models.Limits(modelID)
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	NumPredict       *int     `json:"num_predict,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       time.Time   `json:"created_at"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

func (a *Adapter) headers(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + key}
}

func (a *Adapter) buildRequest(ctx context.Context, req *api.ChatRequest, d llm.ModelDescriptor, stream bool) (*chatRequest, error) {
	out := &chatRequest{
		Model:    d.Upstream,
		Stream:   stream,
		Messages: make([]chatMessage, 0, len(req.Messages)),
		Options: &chatOptions{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			NumPredict:       req.MaxTokens,
			PresencePenalty:  req.PresencePenalty,
			FrequencyPenalty: req.FrequencyPenalty,
		},
	}
	if req.Stop != nil {
		out.Options.Stop = req.Stop.Val
	}

	for _, m := range req.Messages {
		role := m.Role
		if role == string(api.Developer) {
			role = string(api.System)
		}
		msg := chatMessage{Role: role, Content: m.Content.String()}
		for _, part := range m.Content.Parts {
			if part.Type != "image_url" || part.ImageURL == nil {
				continue
			}
			img, err := processing.LoadImage(ctx, a.client, part.ImageURL.URL)
			if err != nil {
				return nil, api.BadRequestError(fmt.Sprintf("could not load image: %v", err))
			}
			msg.Images = append(msg.Images, img.Data)
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}

func finishReason(r chatResponse) string {
	if r.DoneReason != "" {
		return r.DoneReason
	}
	return api.FinishReasonStop
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}
	body, err := a.buildRequest(ctx, req, d, false)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		resp = chatResponse{}
		return httpclient.SendRequest(ctx, a.client, http.MethodPost, a.baseURL+"/api/chat", a.headers(key), body, &resp)
	})
	if err != nil {
		a.logger.Warn("Chat completion failed", zap.String("model", req.Model), zap.Error(err))
		return nil, llm.UpstreamFailure(a.Name(), err)
	}
	if resp.Error != "" {
		return nil, api.UpstreamRejected(a.Name(), http.StatusBadGateway, resp.Error)
	}

	content := resp.Message.Content
	if a.stripThinking {
		content, _ = processing.ExtractThinking(content)
	}

	out := &api.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  api.ObjectChatCompletion,
		Created: created(resp.CreatedAt),
		Model:   req.Model,
		Choices: []api.Choice{{
			Index:        0,
			Message:      &api.ChatMessage{Role: string(api.Assistant), Content: api.NewTextContent(content)},
			FinishReason: finishReason(resp),
		}},
	}
	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		out.Usage = api.NewUsage(resp.PromptEvalCount, resp.EvalCount)
	}
	return out, nil
}

func created(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().Unix()
	}
	return t.Unix()
}

func (a *Adapter) StreamCompletion(ctx context.Context, req *api.ChatRequest) (llm.Stream, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}
	body, err := a.buildRequest(ctx, req, d, true)
	if err != nil {
		return nil, err
	}

	var stream io.ReadCloser
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		b, err := httpclient.OpenStream(ctx, a.streamClient, http.MethodPost, a.baseURL+"/api/chat", a.headers(key), body)
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

	return llm.Normalize[string](ctx, a.Name(), llm.NewLineSource(stream), a.chunkMapper(req.Model), a.logger), nil
}

func (a *Adapter) chunkMapper(publicModel string) llm.MapFunc[string] {
	id := "chatcmpl-" + uuid.NewString()
	var parser *processing.StreamParser
	if a.stripThinking {
		parser = processing.NewStreamParser()
	}

	return func(line string) (*api.ChatResponse, llm.Action, error) {
		event, _, err := llm.DecodeLine[chatResponse](line)
		if err != nil {
			return nil, llm.Skip, err
		}
		if event.Error != "" {
			return nil, llm.Stop, api.UpstreamRejected(a.Name(), http.StatusBadGateway, event.Error)
		}

		content := event.Message.Content
		if parser != nil {
			content, _ = parser.Process(content)
			if event.Done {
				rest, _ := parser.Flush()
				content += rest
			}
		}

		chunk := &api.ChatResponse{
			ID:      id,
			Object:  api.ObjectChatCompletionChunk,
			Created: created(event.CreatedAt),
			Model:   publicModel,
			Choices: []api.Choice{{
				Index: 0,
				Delta: &api.ChatMessage{Role: string(api.Assistant), Content: api.NewTextContent(content)},
			}},
		}
		if !event.Done {
			if content == "" {
				return nil, llm.Skip, nil
			}
			return chunk, llm.Emit, nil
		}

		chunk.Choices[0].FinishReason = finishReason(event)
		chunk.Usage = api.NewUsage(event.PromptEvalCount, event.EvalCount)
		return chunk, llm.EmitFinal, nil
	}
}

func (a *Adapter) ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	return nil, api.CapabilityNotSupported(a.Name(), "image generation")
}

func (a *Adapter) Health(ctx context.Context) error {
	var version struct {
		Version string `json:"version"`
	}
	err := httpclient.SendRequest(ctx, a.client, http.MethodGet, a.baseURL+"/api/version", nil, nil, &version)
	return llm.UpstreamFailure(a.Name(), err)
}

func (a *Adapter) UpstreamModels(ctx context.Context) ([]string, error) {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := httpclient.SendRequest(ctx, a.client, http.MethodGet, a.baseURL+"/api/tags", nil, nil, &tags); err != nil {
		return nil, llm.UpstreamFailure(a.Name(), err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
