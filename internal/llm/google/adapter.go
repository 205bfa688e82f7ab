package google

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

const pn string = "google"

func init() {
	llm.Register(pn, NewAdapter)
}

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 60 * time.Second
)

type Adapter struct {
	config       config.ProviderConfig
	baseURL      string
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
		client:       httpclient.New(timeout),
		streamClient: httpclient.NewStreaming(timeout),
		models:       llm.NewModelTable(cfg),
		rotator:      llm.NewRotator(cfg.ID, cfg.Credentials(), policy, logger),
		logger:       logger,
	}, nil
}

func (a *Adapter) Name() string { return a.config.ID }
func (a *Adapter) Type() string { return pn }

func (a *Adapter) ListModels() []llm.ModelDescriptor {
	return a.models.List()
}

func (a *Adapter) TokenLimits(modelID string) (int, int, error) {
	return a.models.Limits(modelID)
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GeminiRequest struct {
	Contents          []GeminiContent   `json:"contents"`
	SystemInstruction *GeminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata *UsageMetadata    `json:"usageMetadata,omitempty"`
}

func (r GeminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (r GeminiResponse) finishReason() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	switch r.Candidates[0].FinishReason {
	case "":
		return ""
	case "MAX_TOKENS":
		return api.FinishReasonLength
	default:
		return api.FinishReasonStop
	}
}

func (r GeminiResponse) usage() *api.Usage {
	if r.UsageMetadata == nil {
		return nil
	}
	return api.NewUsage(r.UsageMetadata.PromptTokenCount, r.UsageMetadata.CandidatesTokenCount)
}

// Shape converts a chat request. System and developer turns become the
// system instruction; images are inlined.
func Shape(ctx context.Context, client httpclient.HTTPClient, req *api.ChatRequest) (GeminiRequest, error) {
	gr := GeminiRequest{}
	var system []GeminiPart

	for _, m := range req.Messages {
		var parts []GeminiPart
		if m.Content.Parts == nil {
			parts = append(parts, GeminiPart{Text: m.Content.Text})
		}
		for _, p := range m.Content.Parts {
			switch {
			case p.Type == "text":
				parts = append(parts, GeminiPart{Text: p.Text})
			case p.Type == "image_url" && p.ImageURL != nil:
				img, err := processing.LoadImage(ctx, client, p.ImageURL.URL)
				if err != nil {
					return gr, api.BadRequestError(fmt.Sprintf("could not load image: %v", err))
				}
				parts = append(parts, GeminiPart{InlineData: &GeminiInlineData{MimeType: img.MediaType, Data: img.Data}})
			}
		}

		switch api.Role(m.Role) {
		case api.System, api.Developer:
			system = append(system, parts...)
		case api.Assistant:
			gr.Contents = append(gr.Contents, GeminiContent{Role: "model", Parts: parts})
		default:
			gr.Contents = append(gr.Contents, GeminiContent{Role: "user", Parts: parts})
		}
	}
	if len(system) > 0 {
		gr.SystemInstruction = &GeminiContent{Parts: system}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || req.Stop != nil {
		gr.GenerationConfig = &GenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
		if req.Stop != nil {
			gr.GenerationConfig.StopSequences = req.Stop.Val
		}
	}
	return gr, nil
}

func (a *Adapter) headers(key string) map[string]string {
	return map[string]string{"x-goog-api-key": key}
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}
	shape, err := Shape(ctx, a.client, req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, d.Upstream)

	var gResp GeminiResponse
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		gResp = GeminiResponse{}
		return httpclient.SendRequest(ctx, a.client, http.MethodPost, url, a.headers(key), shape, &gResp)
	})
	if err != nil {
		a.logger.Warn("Chat completion failed", zap.String("model", req.Model), zap.Error(err))
		return nil, llm.UpstreamFailure(a.Name(), err)
	}
	if len(gResp.Candidates) == 0 {
		return nil, api.UpstreamRejected(a.Name(), http.StatusBadGateway, "no candidates from gemini")
	}

	finish := gResp.finishReason()
	if finish == "" {
		finish = api.FinishReasonStop
	}
	return &api.ChatResponse{
		ID:      "gemini-" + uuid.NewString(),
		Object:  api.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []api.Choice{{
			Index: 0,
			Message: &api.ChatMessage{
				Role:    string(api.Assistant),
				Content: api.NewTextContent(gResp.text()),
			},
			FinishReason: finish,
		}},
		Usage: gResp.usage(),
	}, nil
}

func (a *Adapter) StreamCompletion(ctx context.Context, req *api.ChatRequest) (llm.Stream, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}
	shape, err := Shape(ctx, a.client, req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, d.Upstream)

	var stream io.ReadCloser
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		b, err := httpclient.OpenStream(ctx, a.streamClient, http.MethodPost, url, a.headers(key), shape)
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

	id := "gemini-" + uuid.NewString()
	created := time.Now().Unix()
	mapper := func(line string) (*api.ChatResponse, llm.Action, error) {
		gResp, _, err := llm.DecodeLine[GeminiResponse](line)
		if err != nil {
			return nil, llm.Skip, err
		}
		text, finish := gResp.text(), gResp.finishReason()
		if text == "" && finish == "" {
			return nil, llm.Skip, nil
		}
		chunk := &api.ChatResponse{
			ID:      id,
			Object:  api.ObjectChatCompletionChunk,
			Created: created,
			Model:   req.Model,
			Choices: []api.Choice{{
				Index:        0,
				Delta:        &api.ChatMessage{Role: string(api.Assistant), Content: api.NewTextContent(text)},
				FinishReason: finish,
			}},
		}
		if finish != "" {
			chunk.Usage = gResp.usage()
		}
		return chunk, llm.Emit, nil
	}

	return llm.Normalize[string](ctx, a.Name(), llm.NewLineSource(stream), mapper, a.logger), nil
}

func (a *Adapter) ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	return nil, api.CapabilityNotSupported(a.Name(), "image generation")
}
