package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
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
	llm.Register("openai", NewAdapter)
}

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second

	// image_mode values
	imageModeImages = "images"
	imageModeChat   = "chat"
)

// Adapter speaks the OpenAI chat completions protocol over plain HTTP. Any
// OpenAI compatible upstream can be served by pointing base_url at it.
type Adapter struct {
	config       config.ProviderConfig
	baseURL      string
	client       *http.Client
	streamClient *http.Client
	models       *llm.ModelTable
	rotator      *llm.Rotator
	imageMode    string
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

	imageMode := cfg.Option("image_mode", imageModeImages)
	if imageMode != imageModeImages && imageMode != imageModeChat {
		return nil, fmt.Errorf("provider %s: unknown image_mode %q", cfg.ID, imageMode)
	}

	logger = logger.With(zap.String("provider", cfg.ID))
	return &Adapter{
		config:       cfg,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       httpclient.New(timeout),
		streamClient: httpclient.NewStreaming(timeout),
		models:       llm.NewModelTable(cfg),
		rotator:      llm.NewRotator(cfg.ID, cfg.Credentials(), policy, logger),
		imageMode:    imageMode,
		logger:       logger,
	}, nil
}

func (a *Adapter) Name() string {
	return a.config.ID
}

func (a *Adapter) Type() string {
	return "openai"
}

func (a *Adapter) ListModels() []llm.ModelDescriptor {
	return a.models.List()
}

func (a *Adapter) TokenLimits(modelID string) (int, int, error) {
	return a.models.Limits(modelID)
}

func (a *Adapter) headers(key string) map[string]string {
	headers := make(map[string]string, 2)
	if key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	if org := a.config.Option("organization", ""); org != "" {
		headers["OpenAI-Organization"] = org
	}
	return headers
}

// upstreamRequest copies req with the upstream model name. The caller's
// request is never mutated.
func upstreamRequest(req *api.ChatRequest, d llm.ModelDescriptor, stream bool) *api.ChatRequest {
	out := *req
	out.Model = d.Upstream
	out.Stream = stream
	out.StreamOptions = nil
	if stream {
		out.StreamOptions = &api.StreamOptions{IncludeUsage: true}
	}
	return &out
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}

	body := upstreamRequest(req, d, false)
	url := a.baseURL + "/chat/completions"

	var resp api.ChatResponse
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		resp = api.ChatResponse{}
		return httpclient.SendRequest(ctx, a.client, http.MethodPost, url, a.headers(key), body, &resp)
	})
	if err != nil {
		a.logger.Warn("Chat completion failed", zap.String("model", req.Model), zap.Error(err))
		return nil, llm.UpstreamFailure(a.Name(), err)
	}
	if resp.Error != nil {
		return nil, api.UpstreamRejected(a.Name(), http.StatusBadGateway, resp.Error.Message)
	}

	resp.Model = req.Model
	if resp.Object == "" {
		resp.Object = api.ObjectChatCompletion
	}
	return &resp, nil
}

func (a *Adapter) StreamCompletion(ctx context.Context, req *api.ChatRequest) (llm.Stream, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityChat)
	if err != nil {
		return nil, err
	}

	body := upstreamRequest(req, d, true)
	url := a.baseURL + "/chat/completions"

	var stream io.ReadCloser
	err = a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		b, err := httpclient.OpenStream(ctx, a.streamClient, http.MethodPost, url, a.headers(key), body)
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

// chunkMapper decodes SSE payloads into canonical chunks labelled with the
// public model id.
func (a *Adapter) chunkMapper(publicModel string) llm.MapFunc[string] {
	return func(line string) (*api.ChatResponse, llm.Action, error) {
		chunk, done, err := llm.DecodeLine[api.ChatResponse](line)
		if err != nil {
			return nil, llm.Skip, err
		}
		if done {
			return nil, llm.Stop, nil
		}
		if chunk.Error != nil {
			return nil, llm.Stop, api.UpstreamRejected(a.Name(), http.StatusBadGateway, chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 && chunk.Usage == nil {
			return nil, llm.Skip, nil
		}

		chunk.Model = publicModel
		chunk.Object = api.ObjectChatCompletionChunk
		return &chunk, llm.Emit, nil
	}
}

type imageUpstreamRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

func (a *Adapter) ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityImage)
	if err != nil {
		return nil, err
	}

	var resp *api.ImageResponse
	if a.imageMode == imageModeChat {
		resp, err = a.imageViaChat(ctx, req, d)
	} else {
		resp, err = a.imageViaImagesAPI(ctx, req, d)
	}
	if err != nil {
		a.logger.Warn("Image generation failed", zap.String("model", req.Model), zap.Error(err))
		return nil, llm.UpstreamFailure(a.Name(), err)
	}

	// upstreams do not always honour response_format
	if err := processing.NormalizeImages(ctx, a.client, resp, req.ResponseFormat); err != nil {
		return nil, api.UpstreamUnavailable(a.Name(), err)
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	return resp, nil
}

func (a *Adapter) imageViaImagesAPI(ctx context.Context, req *api.ImageRequest, d llm.ModelDescriptor) (*api.ImageResponse, error) {
	body := imageUpstreamRequest{
		Model:          d.Upstream,
		Prompt:         req.Prompt,
		N:              req.N,
		Size:           req.Size,
		ResponseFormat: req.ResponseFormat,
	}
	url := a.baseURL + "/images/generations"

	var resp api.ImageResponse
	err := a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		resp = api.ImageResponse{}
		return httpclient.SendRequest(ctx, a.client, http.MethodPost, url, a.headers(key), body, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

var (
	markdownLink = regexp.MustCompile(`\]\((\S+?)\)`)
	bareURL      = regexp.MustCompile(`https?://\S+`)
)

// ImageLink returns the last link target in a chat reply, preferring
// markdown links over bare URLs.
func ImageLink(content string) (string, bool) {
	if m := markdownLink.FindAllStringSubmatch(content, -1); len(m) > 0 {
		return m[len(m)-1][1], true
	}
	if m := bareURL.FindAllString(content, -1); len(m) > 0 {
		return strings.TrimRight(m[len(m)-1], ").,"), true
	}
	return "", false
}

// imageViaChat serves upstreams that generate images from a chat completion
// and answer with a link to the result.
func (a *Adapter) imageViaChat(ctx context.Context, req *api.ImageRequest, d llm.ModelDescriptor) (*api.ImageResponse, error) {
	url := a.baseURL + "/chat/completions"
	body := &api.ChatRequest{
		Model:    d.Upstream,
		Messages: []api.ChatMessage{{Role: string(api.User), Content: api.NewTextContent(req.Prompt)}},
	}

	out := &api.ImageResponse{Created: time.Now().Unix()}
	for i := 0; i < req.N; i++ {
		var chat api.ChatResponse
		err := a.rotator.Do(ctx, func(ctx context.Context, key string) error {
			chat = api.ChatResponse{}
			return httpclient.SendRequest(ctx, a.client, http.MethodPost, url, a.headers(key), body, &chat)
		})
		if err != nil {
			return nil, err
		}

		link, ok := ImageLink(chat.Content())
		if !ok {
			return nil, api.UpstreamRejected(a.Name(), http.StatusBadGateway, "upstream reply did not contain an image link")
		}
		out.Data = append(out.Data, api.ImageData{URL: link})
	}
	return out, nil
}

func (a *Adapter) Health(ctx context.Context) error {
	var key string
	if keys := a.config.Credentials(); len(keys) > 0 {
		key = keys[a.rotator.Index()]
	}
	err := httpclient.SendRequest(ctx, a.client, http.MethodGet, a.baseURL+"/models", a.headers(key), nil, nil)
	return llm.UpstreamFailure(a.Name(), err)
}

func (a *Adapter) UpstreamModels(ctx context.Context) ([]string, error) {
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := a.rotator.Do(ctx, func(ctx context.Context, key string) error {
		return httpclient.SendRequest(ctx, a.client, http.MethodGet, a.baseURL+"/models", a.headers(key), nil, &list)
	})
	if err != nil {
		return nil, llm.UpstreamFailure(a.Name(), err)
	}
	names := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		names = append(names, m.ID)
	}
	return names, nil
}
