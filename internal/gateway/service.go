package gateway

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/model-gateway/internal/admission"
	"github.com/nulzo/model-gateway/internal/analytics"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/internal/store/model"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

const (
	statusClientClosed = 499
	errorCodeCanceled  = "canceled"
	anonymousCaller    = string(api.Anonymous)
)

// Service is the routing core behind the HTTP handlers: it resolves the
// model, runs the token budget, dispatches to the adapter and records usage
// exactly once per request.
type Service struct {
	registry *Registry
	budget   *admission.Budget
	recorder analytics.Recorder
	logger   *zap.Logger
}

func NewService(registry *Registry, budget *admission.Budget, recorder analytics.Recorder, logger *zap.Logger) *Service {
	return &Service{
		registry: registry,
		budget:   budget,
		recorder: recorder,
		logger:   logger,
	}
}

// call is the accounting state of one request.
type call struct {
	id       string
	identity store.Identity
	modelID  string
	route    Route
	start    time.Time
	streamed bool
}

func (s *Service) begin(ctx context.Context, modelID string, streamed bool) *call {
	id := store.RequestIDFrom(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	identity, ok := store.IdentityFrom(ctx)
	if !ok {
		identity = store.Identity{UserID: anonymousCaller}
	}
	return &call{
		id:       id,
		identity: identity,
		modelID:  modelID,
		start:    time.Now(),
		streamed: streamed,
	}
}

func (s *Service) record(c *call, usage *api.Usage, finish string, ttft *time.Duration, err error) {
	log := &model.RequestLog{
		ID:           c.id,
		UserID:       c.identity.UserID,
		APIKeyID:     c.identity.APIKeyID,
		ModelID:      c.modelID,
		ProviderID:   c.route.Model.Provider,
		FinishReason: finish,
		LatencyMS:    time.Since(c.start).Milliseconds(),
		StatusCode:   200,
		Success:      err == nil,
		Streamed:     c.streamed,
		CreatedAt:    c.start,
	}
	if c.route.Provider != nil {
		log.UpstreamModel = c.route.Model.Upstream
	}
	if ttft != nil {
		log.TTFTMS = sql.NullInt64{Int64: ttft.Milliseconds(), Valid: true}
	}
	if usage != nil {
		log.PromptTokens = usage.PromptTokens
		log.CompletionTokens = usage.CompletionTokens
		log.TotalTokens = usage.TotalTokens
		log.CostMicros = int64(math.Round(float64(usage.TotalTokens) * c.route.Model.CostPerMillionTokens))
	}
	if err != nil {
		log.StatusCode, log.ErrorCode, log.ErrorMessage = describe(err)
	}
	s.recorder.Record(log)
}

func describe(err error) (int, string, string) {
	if p, ok := api.AsProblem(err); ok {
		return p.Status, string(p.Code), p.Detail
	}
	if errors.Is(err, context.Canceled) {
		return statusClientClosed, errorCodeCanceled, err.Error()
	}
	return 500, string(api.CodeInternal), err.Error()
}

// ListModels flattens the registry into the discovery list.
func (s *Service) ListModels(filter api.ModelFilter) api.ModelList {
	descriptors := s.registry.Models(filter)
	list := api.ModelList{Object: "list", Data: make([]api.Model, 0, len(descriptors))}
	for _, d := range descriptors {
		list.Data = append(list.Data, api.Model{
			ID:                        d.ID,
			Object:                    "model",
			Created:                   d.Created,
			OwnedBy:                   d.Provider,
			Permission:                []interface{}{},
			Capability:                string(d.Capability),
			Description:               d.Description,
			ContextLength:             d.MaxInputTokens,
			MaxOutputTokens:           d.MaxOutputTokens,
			Streaming:                 d.Streaming,
			OwnerCostPerMillionTokens: d.CostPerMillionTokens,
			UserCostPerMillionTokens:  0,
		})
	}
	return list
}

// resolve finds the route of modelID and checks it serves capability.
func (s *Service) resolve(modelID string, capability llm.Capability) (Route, error) {
	route, err := s.registry.Resolve(modelID)
	if err != nil {
		return route, err
	}
	if route.Model.Capability != capability {
		return route, api.CapabilityNotSupported(route.Model.Provider, string(capability)+" on "+modelID)
	}
	return route, nil
}

// admitChat resolves the route and runs the token budget on a copy of req.
// Nothing reaches an adapter unless this succeeds.
func (s *Service) admitChat(c *call, req *api.ChatRequest) (*api.ChatRequest, int, error) {
	route, err := s.resolve(req.Model, llm.CapabilityChat)
	c.route = route
	if err != nil {
		return nil, 0, err
	}

	maxIn, maxOut, err := route.Provider.TokenLimits(req.Model)
	if err != nil {
		return nil, 0, err
	}

	upstream := *req
	prompt, err := s.budget.Apply(&upstream, admission.Limits{
		MaxInput:  maxIn,
		MaxOutput: maxOut,
		Tokenizer: route.Model.Tokenizer,
	})
	if err != nil {
		return nil, prompt, err
	}
	return &upstream, prompt, nil
}

func (s *Service) fillUsage(usage *api.Usage, prompt int, tokenizer, completion string) *api.Usage {
	if usage != nil {
		return usage
	}
	return api.NewUsage(prompt, s.budget.CountCompletion(tokenizer, completion))
}

// Chat runs a buffered completion.
func (s *Service) Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	c := s.begin(ctx, req.Model, false)

	upstream, prompt, err := s.admitChat(c, req)
	if err != nil {
		s.record(c, nil, "", nil, err)
		return nil, err
	}
	upstream.Stream = false
	upstream.StreamOptions = nil

	resp, err := c.route.Provider.ChatCompletion(ctx, upstream)
	if err != nil {
		s.logger.Warn("Chat completion failed",
			zap.String("request_id", c.id),
			zap.String("model", req.Model),
			zap.Error(err))
		s.record(c, nil, "", nil, err)
		return nil, err
	}

	resp.Usage = s.fillUsage(resp.Usage, prompt, c.route.Model.Tokenizer, resp.Content())
	s.record(c, resp.Usage, resp.FinishReason(), nil, nil)
	return resp, nil
}

// Stream opens a chunked completion. Models that cannot stream are answered
// with a buffered completion presented as a single chunk. The returned
// Stream records usage when it ends, fails or is closed.
func (s *Service) Stream(ctx context.Context, req *api.ChatRequest) (llm.Stream, error) {
	c := s.begin(ctx, req.Model, true)

	upstream, prompt, err := s.admitChat(c, req)
	if err != nil {
		s.record(c, nil, "", nil, err)
		return nil, err
	}

	var stream llm.Stream
	if c.route.Model.Streaming {
		upstream.Stream = true
		stream, err = c.route.Provider.StreamCompletion(ctx, upstream)
	} else {
		upstream.Stream = false
		upstream.StreamOptions = nil
		var resp *api.ChatResponse
		resp, err = c.route.Provider.ChatCompletion(ctx, upstream)
		if err == nil {
			stream = llm.StreamFromResponse(resp)
		}
	}
	if err != nil {
		s.logger.Warn("Opening stream failed",
			zap.String("request_id", c.id),
			zap.String("model", req.Model),
			zap.Error(err))
		s.record(c, nil, "", nil, err)
		return nil, err
	}

	return &accountingStream{
		inner:        stream,
		svc:          s,
		call:         c,
		prompt:       prompt,
		includeUsage: req.StreamOptions != nil && req.StreamOptions.IncludeUsage,
	}, nil
}

// Image generates images. Image prompts are rate limited but not budgeted.
func (s *Service) Image(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	c := s.begin(ctx, req.Model, false)

	route, err := s.resolve(req.Model, llm.CapabilityImage)
	c.route = route
	if err != nil {
		s.record(c, nil, "", nil, err)
		return nil, err
	}

	upstream := *req
	upstream.ApplyDefaults()

	resp, err := route.Provider.ImageGeneration(ctx, &upstream)
	if err != nil {
		s.logger.Warn("Image generation failed",
			zap.String("request_id", c.id),
			zap.String("model", req.Model),
			zap.Error(err))
		s.record(c, nil, "", nil, err)
		return nil, err
	}
	s.record(c, nil, "", nil, nil)
	return resp, nil
}

// accountingStream observes the chunks it forwards and records the request
// once: at clean end, at the first error, or when closed early. Billed usage
// is always the admission prompt count plus the re-tokenized assembled
// content; upstream usage reports are dropped and, when the caller asked for
// usage, replaced by a single computed usage chunk before io.EOF.
type accountingStream struct {
	inner        llm.Stream
	svc          *Service
	call         *call
	prompt       int
	includeUsage bool

	mu      sync.Mutex // guards the accounting fields against a concurrent Close
	content strings.Builder
	finish  string
	ttft    *time.Duration
	id      string
	created int64
	done    bool

	recordOnce sync.Once
}

func (a *accountingStream) Recv() (*api.ChatResponse, error) {
	for {
		if a.done {
			return nil, io.EOF
		}
		chunk, err := a.inner.Recv()
		if errors.Is(err, io.EOF) {
			return a.end()
		}
		if err != nil {
			a.done = true
			a.complete(err)
			return nil, err
		}

		a.observe(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		return chunk, nil
	}
}

func (a *accountingStream) observe(chunk *api.ChatResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ttft == nil {
		d := time.Since(a.call.start)
		a.ttft = &d
	}
	if a.id == "" {
		a.id = chunk.ID
		a.created = chunk.Created
	}
	chunk.Usage = nil
	for _, c := range chunk.Choices {
		if c.Index != 0 {
			continue
		}
		if c.Delta != nil {
			a.content.WriteString(c.Delta.Content.String())
		}
		if c.FinishReason != "" {
			a.finish = c.FinishReason
		}
	}
}

// usage is the billed tally. Callers hold mu.
func (a *accountingStream) usage() *api.Usage {
	return api.NewUsage(a.prompt, a.svc.budget.CountCompletion(a.call.route.Model.Tokenizer, a.content.String()))
}

// end closes a clean stream, emitting the usage chunk first when asked.
func (a *accountingStream) end() (*api.ChatResponse, error) {
	a.done = true
	a.complete(nil)
	if !a.includeUsage {
		return nil, io.EOF
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return &api.ChatResponse{
		ID:      a.id,
		Object:  api.ObjectChatCompletionChunk,
		Created: a.created,
		Model:   a.call.modelID,
		Choices: []api.Choice{},
		Usage:   a.usage(),
	}, nil
}

func (a *accountingStream) complete(err error) {
	a.recordOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.svc.record(a.call, a.usage(), a.finish, a.ttft, err)
	})
}

// Close releases the upstream. Closing before the end records the request
// as cancelled by the client.
func (a *accountingStream) Close() error {
	a.complete(context.Canceled)
	return a.inner.Close()
}
