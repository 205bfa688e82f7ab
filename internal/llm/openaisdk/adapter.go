package openaisdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

func init() {
	llm.Register("openai-sdk", NewAdapter)
}

const (
	defaultBaseURL = "https://api.openai.com/v1/"
	defaultTimeout = 60 * time.Second
)

// Adapter serves OpenAI and Azure OpenAI through the official client. With
// config.api_version set it addresses Azure deployments: the upstream model
// name is the deployment name and the key travels in the api-key header.
type Adapter struct {
	config     config.ProviderConfig
	baseURL    string
	apiVersion string
	timeout    time.Duration
	client     *openai.Client
	models     *llm.ModelTable
	rotator    *llm.Rotator
	logger     *zap.Logger
}

func NewAdapter(cfg config.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	// url.Parse only resolves relative paths against a trailing slash
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	policy, err := llm.NewRotationPolicy(cfg.RotateOn)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}
	for _, m := range cfg.Models {
		if m.Capability != config.CapabilityChat {
			return nil, fmt.Errorf("provider %s: model %s: only chat models are supported", cfg.ID, m.ID)
		}
	}

	// the rotator owns retries; the client must not retry on its own
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	)

	logger = logger.With(zap.String("provider", cfg.ID))
	return &Adapter{
		config:     cfg,
		baseURL:    baseURL,
		apiVersion: cfg.Option("api_version", ""),
		timeout:    timeout,
		client:     client,
		models:     llm.NewModelTable(cfg),
		rotator:    llm.NewRotator(cfg.ID, cfg.Credentials(), policy, logger),
		logger:     logger,
	}, nil
}

func (a *Adapter) Name() string {
	return a.config.ID
}

func (a *Adapter) Type() string {
	return "openai-sdk"
}

func (a *Adapter) ListModels() []llm.ModelDescriptor {
	return a.models.List()
}

func (a *Adapter) TokenLimits(modelID string) (int, int, error) {
	return a.models.Limits(modelID)
}

func (a *Adapter) azure() bool {
	return a.apiVersion != ""
}

// requestOptions carries the per-call credential and, for Azure, the
// deployment route.
func (a *Adapter) requestOptions(d llm.ModelDescriptor, key string) []option.RequestOption {
	var opts []option.RequestOption
	if a.azure() {
		opts = append(opts,
			option.WithBaseURL(a.baseURL+"openai/deployments/"+d.Upstream+"/"),
			option.WithQuery("api-version", a.apiVersion),
		)
		if key != "" {
			opts = append(opts, option.WithHeader("api-key", key))
		}
	} else if key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if org := a.config.Option("organization", ""); org != "" {
		opts = append(opts, option.WithHeader("OpenAI-Organization", org))
	}
	return opts
}

func (a *Adapter) params(req *api.ChatRequest, d llm.ModelDescriptor) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.F(d.Upstream),
		Messages: openai.F(convertMessages(req.Messages)),
	}
	if req.MaxTokens != nil {
		// Azure reasoning deployments only accept max_completion_tokens
		if a.azure() {
			params.MaxCompletionTokens = openai.F(int64(*req.MaxTokens))
		} else {
			params.MaxTokens = openai.F(int64(*req.MaxTokens))
		}
	}
	if req.Temperature != nil {
		params.Temperature = openai.F(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.F(*req.TopP)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openai.F(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.F(*req.FrequencyPenalty)
	}
	if req.Stop != nil && len(req.Stop.Val) > 0 {
		params.Stop = openai.F[openai.ChatCompletionNewParamsStopUnion](openai.ChatCompletionNewParamsStopArray(req.Stop.Val))
	}
	if req.User != "" {
		params.User = openai.F(req.User)
	}
	return params
}

func convertMessages(msgs []api.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		text := msg.Content.String()
		switch api.Role(msg.Role) {
		case api.System, api.Developer:
			result = append(result, openai.SystemMessage(text))
		case api.Assistant:
			result = append(result, openai.AssistantMessage(text))
		default:
			result = append(result, openai.UserMessage(text))
		}
	}
	return result
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}
	params := a.params(req, d)

	var completion *openai.ChatCompletion
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		opts := append(a.requestOptions(d, key), option.WithRequestTimeout(a.timeout))
		resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
		if err != nil {
			return a.translate(err)
		}
		completion = resp
		return nil
	})
	if err != nil {
		a.logger.Warn("Chat completion failed", zap.String("model", req.Model), zap.Error(err))
		return nil, llm.UpstreamFailure(a.Name(), err)
	}

	return convertCompletion(completion, req.Model), nil
}

func convertCompletion(resp *openai.ChatCompletion, publicModel string) *api.ChatResponse {
	out := &api.ChatResponse{
		ID:                resp.ID,
		Object:            api.ObjectChatCompletion,
		Created:           resp.Created,
		Model:             publicModel,
		SystemFingerprint: resp.SystemFingerprint,
		Choices:           make([]api.Choice, len(resp.Choices)),
	}
	for i, c := range resp.Choices {
		out.Choices[i] = api.Choice{
			Index: int(c.Index),
			Message: &api.ChatMessage{
				Role:    string(api.Assistant),
				Content: api.NewTextContent(c.Message.Content),
			},
			FinishReason: string(c.FinishReason),
		}
	}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = api.NewUsage(int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens))
	}
	return out
}

// chunkStream is the part of the SDK's SSE stream the adapter uses.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// sdkSource adapts the SDK stream to llm.Source. The first event has already
// been read while opening the call so that HTTP failures surface before any
// chunk is sent.
type sdkSource struct {
	stream  chunkStream
	primed  *openai.ChatCompletionChunk
	onError func(error) error
}

func (s *sdkSource) Next() (openai.ChatCompletionChunk, error) {
	if s.primed != nil {
		c := *s.primed
		s.primed = nil
		return c, nil
	}
	if s.stream.Next() {
		return s.stream.Current(), nil
	}
	if err := s.stream.Err(); err != nil {
		return openai.ChatCompletionChunk{}, s.onError(err)
	}
	return openai.ChatCompletionChunk{}, io.EOF
}

func (s *sdkSource) Close() error {
	return s.stream.Close()
}

func (a *Adapter) StreamCompletion(ctx context.Context, req *api.ChatRequest) (llm.Stream, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}
	params := a.params(req, d)
	params.StreamOptions = openai.F(openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.F(true)})

	var src *sdkSource
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		stream := a.client.Chat.Completions.NewStreaming(ctx, params, a.requestOptions(d, key)...)
		s := &sdkSource{stream: stream, onError: a.translate}
		if stream.Next() {
			first := stream.Current()
			s.primed = &first
		} else if err := stream.Err(); err != nil {
			_ = stream.Close()
			return a.translate(err)
		}
		src = s
		return nil
	})
	if err != nil {
		a.logger.Warn("Opening stream failed", zap.String("model", req.Model), zap.Error(err))
		return nil, llm.UpstreamFailure(a.Name(), err)
	}

	return llm.Normalize[openai.ChatCompletionChunk](ctx, a.Name(), src, chunkMapper(req.Model), a.logger), nil
}

func chunkMapper(publicModel string) llm.MapFunc[openai.ChatCompletionChunk] {
	return func(chunk openai.ChatCompletionChunk) (*api.ChatResponse, llm.Action, error) {
		if len(chunk.Choices) == 0 && chunk.Usage.TotalTokens == 0 {
			return nil, llm.Skip, nil
		}

		out := &api.ChatResponse{
			ID:      chunk.ID,
			Object:  api.ObjectChatCompletionChunk,
			Created: chunk.Created,
			Model:   publicModel,
			Choices: make([]api.Choice, len(chunk.Choices)),
		}
		for i, c := range chunk.Choices {
			out.Choices[i] = api.Choice{
				Index: int(c.Index),
				Delta: &api.ChatMessage{
					Role:    string(c.Delta.Role),
					Content: api.NewTextContent(c.Delta.Content),
				},
				FinishReason: string(c.FinishReason),
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			out.Usage = api.NewUsage(int(chunk.Usage.PromptTokens), int(chunk.Usage.CompletionTokens))
		}
		return out, llm.Emit, nil
	}
}

// translate maps SDK errors onto the api taxonomy so the rotation policy can
// read the upstream status.
func (a *Adapter) translate(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		detail := apiErr.Message
		if detail == "" {
			detail = http.StatusText(apiErr.StatusCode)
		}
		opts := []api.ProblemOption{
			api.WithLog(err),
			api.WithExtension("upstream_status", apiErr.StatusCode),
		}
		if apiErr.Type != "" {
			opts = append(opts, api.WithExtension("upstream_type", apiErr.Type))
		}
		return api.UpstreamRejected(a.Name(), apiErr.StatusCode, detail, opts...)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return api.UpstreamUnavailable(a.Name(), err)
}

func (a *Adapter) ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	return nil, api.CapabilityNotSupported(a.Name(), "image generation")
}

func (a *Adapter) Health(ctx context.Context) error {
	if a.azure() {
		// deployments have no model listing route
		return nil
	}
	var key string
	if keys := a.config.Credentials(); len(keys) > 0 {
		key = keys[a.rotator.Index()]
	}
	opts := append(a.requestOptions(llm.ModelDescriptor{}, key), option.WithRequestTimeout(a.timeout))
	if _, err := a.client.Models.List(ctx, opts...); err != nil {
		return a.translate(err)
	}
	return nil
}
