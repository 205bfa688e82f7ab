package bfl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/httpclient"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/llm/processing"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

const pn string = "bfl"

func init() {
	llm.Register(pn, NewAdapter)
}

const (
	defaultBaseURL      = "https://api.bfl.ai/v1"
	defaultTimeout      = 300 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Adapter drives the asynchronous BFL API: a generation is submitted, then
// its polling URL is read until the sample is ready. Results are hosted URLs.
type Adapter struct {
	config       config.ProviderConfig
	baseURL      string
	timeout      time.Duration
	pollInterval time.Duration
	client       *http.Client
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
	pollInterval := defaultPollInterval
	if raw := cfg.Option("poll_interval", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("provider %s: invalid poll_interval %q", cfg.ID, raw)
		}
		pollInterval = d
	}

	policy, err := llm.NewRotationPolicy(cfg.RotateOn)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}

	logger = logger.With(zap.String("provider", cfg.ID))
	return &Adapter{
		config:       cfg,
		baseURL:      strings.TrimRight(baseURL, "/"),
		timeout:      timeout,
		pollInterval: pollInterval,
		client:       httpclient.New(60 * time.Second),
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

type GenerationRequest struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type GenerationResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url"`
}

type PollingResult struct {
	Sample string `json:"sample"`
}

type PollingResponse struct {
	Status  string         `json:"status"` // Ready, Processing, Pending, Error, Failed
	Result  *PollingResult `json:"result,omitempty"`
	Message string         `json:"message,omitempty"`
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	return nil, api.CapabilityNotSupported(a.Name(), "chat completion")
}

func (a *Adapter) StreamCompletion(ctx context.Context, req *api.ChatRequest) (llm.Stream, error) {
	return nil, api.CapabilityNotSupported(a.Name(), "chat completion")
}

// parseSize turns "WxH" into dimensions.
func parseSize(size string) (int, int) {
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return 1024, 1024
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 1024, 1024
	}
	return width, height
}

func (a *Adapter) headers(key string) map[string]string {
	return map[string]string{
		"accept": "application/json",
		"x-key":  key,
	}
}

func (a *Adapter) ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	d, err := a.models.LookupCapability(req.Model, llm.CapabilityImage)
	if err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(parent, a.timeout)
	defer cancel()

	width, height := parseSize(req.Size)
	body := GenerationRequest{Prompt: req.Prompt, Width: width, Height: height}

	out := &api.ImageResponse{Created: time.Now().Unix()}
	for i := 0; i < req.N; i++ {
		url, err := a.generate(ctx, d, body)
		if err != nil {
			a.logger.Warn("Image generation failed", zap.String("model", req.Model), zap.Error(err))
			// our own deadline ran out while the caller was still waiting
			if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, api.UpstreamUnavailable(a.Name(), err)
			}
			return nil, llm.UpstreamFailure(a.Name(), err)
		}
		out.Data = append(out.Data, api.ImageData{URL: url})
	}

	// samples are hosted URLs; b64_json callers get the downloaded bytes
	if err := processing.NormalizeImages(ctx, a.client, out, req.ResponseFormat); err != nil {
		return nil, api.UpstreamUnavailable(a.Name(), err)
	}
	return out, nil
}

func (a *Adapter) generate(ctx context.Context, d llm.ModelDescriptor, body GenerationRequest) (string, error) {
	var (
		genResp GenerationResponse
		key     string
	)
	err := a.rotator.Do(ctx, func(ctx context.Context, k string) error {
		genResp = GenerationResponse{}
		key = k
		return httpclient.SendRequest(ctx, a.client, http.MethodPost, a.baseURL+"/"+d.Upstream, a.headers(k), body, &genResp)
	})
	if err != nil {
		return "", err
	}

	pollingURL := genResp.PollingURL
	if pollingURL == "" {
		pollingURL = a.baseURL + "/get_result?id=" + genResp.ID
	}
	return a.poll(ctx, pollingURL, key)
}

func (a *Adapter) poll(ctx context.Context, pollingURL, key string) (string, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		var pollResult PollingResponse
		if err := httpclient.SendRequest(ctx, a.client, http.MethodGet, pollingURL, a.headers(key), nil, &pollResult); err != nil {
			return "", err
		}

		switch pollResult.Status {
		case "Ready":
			if pollResult.Result == nil || pollResult.Result.Sample == "" {
				return "", api.UpstreamRejected(a.Name(), http.StatusBadGateway, "generation finished without a sample")
			}
			return pollResult.Result.Sample, nil
		case "Error", "Failed", "Content Moderated", "Request Moderated":
			msg := pollResult.Message
			if msg == "" {
				msg = "generation " + strings.ToLower(pollResult.Status)
			}
			return "", api.UpstreamRejected(a.Name(), http.StatusBadGateway, msg)
		}
		// Pending, Processing
	}
}

func (a *Adapter) Health(ctx context.Context) error {
	if len(a.config.Credentials()) == 0 {
		return fmt.Errorf("provider %s: missing API key", a.Name())
	}
	return nil
}
