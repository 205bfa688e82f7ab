package flux

import (
	"context"
	"fmt"
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
	llm.Register("flux", NewAdapter)
}

const (
	defaultTimeout = 120 * time.Second
	defaultAspect  = "1_1"
)

// Adapter serves image upstreams that answer synchronously with the picture
// inlined as a data URI. The upstream takes an aspect ratio instead of a
// pixel size; config.aspect_ratios maps one to the other.
type Adapter struct {
	config  config.ProviderConfig
	url     string
	client  *http.Client
	models  *llm.ModelTable
	rotator *llm.Rotator
	aspects map[string]string
	logger  *zap.Logger
}

func NewAdapter(cfg config.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", cfg.ID)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	aspects, err := ParseAspectRatios(cfg.Option("aspect_ratios", ""))
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}

	policy, err := llm.NewRotationPolicy(cfg.RotateOn)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}

	logger = logger.With(zap.String("provider", cfg.ID))
	return &Adapter{
		config:  cfg,
		url:     cfg.BaseURL,
		client:  httpclient.New(timeout),
		models:  llm.NewModelTable(cfg),
		rotator: llm.NewRotator(cfg.ID, cfg.Credentials(), policy, logger),
		aspects: aspects,
		logger:  logger,
	}, nil
}

// ParseAspectRatios reads "1024x1024=1_1,1792x1024=16_9".
func ParseAspectRatios(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		size, aspect, ok := strings.Cut(entry, "=")
		if !ok || size == "" || aspect == "" {
			return nil, fmt.Errorf("invalid aspect_ratios entry %q", entry)
		}
		out[strings.TrimSpace(size)] = strings.TrimSpace(aspect)
	}
	return out, nil
}

func (a *Adapter) Name() string { return a.config.ID }
func (a *Adapter) Type() string { return "flux" }

func (a *Adapter) ListModels() []llm.ModelDescriptor {
	return a.models.List()
}

func (a *Adapter) TokenLimits(modelID string) (int, int, error) {
	return a.models.Limits(modelID)
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	return nil, api.CapabilityNotSupported(a.Name(), "chat completion")
}

func (a *Adapter) StreamCompletion(ctx context.Context, req *api.ChatRequest) (llm.Stream, error) {
	return nil, api.CapabilityNotSupported(a.Name(), "chat completion")
}

type generateRequest struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
	Size     string `json:"size"`
	IsPublic bool   `json:"isPublic"`
}

type generateResponse struct {
	Result string `json:"result"`
}

func (a *Adapter) aspectFor(size string) string {
	if aspect, ok := a.aspects[size]; ok {
		return aspect
	}
	return defaultAspect
}

func (a *Adapter) ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityImage)
	if err != nil {
		return nil, err
	}

	body := generateRequest{
		Prompt: req.Prompt,
		Model:  d.Upstream,
		Size:   a.aspectFor(req.Size),
	}

	out := &api.ImageResponse{Created: time.Now().Unix()}
	// one image per call
	for i := 0; i < req.N; i++ {
		var resp generateResponse
		err := a.rotator.Do(ctx, func(ctx context.Context, key string) error {
			resp = generateResponse{}
			var headers map[string]string
			if key != "" {
				headers = map[string]string{"Authorization": "Bearer " + key}
			}
			return httpclient.SendRequest(ctx, a.client, http.MethodPost, a.url, headers, body, &resp)
		})
		if err != nil {
			a.logger.Warn("Image generation failed", zap.String("model", req.Model), zap.Error(err))
			return nil, llm.UpstreamFailure(a.Name(), err)
		}

		img, err := processing.ParseDataURI(resp.Result)
		if err != nil {
			return nil, api.UpstreamRejected(a.Name(), http.StatusBadGateway, "upstream returned no inline image", api.WithLog(err))
		}
		out.Data = append(out.Data, api.ImageData{B64JSON: img.Data})
	}

	// url callers get the data URI back
	if err := processing.NormalizeImages(ctx, a.client, out, req.ResponseFormat); err != nil {
		return nil, api.InternalError("image conversion failed", err)
	}
	return out, nil
}
