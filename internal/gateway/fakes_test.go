package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/store/model"
	"github.com/nulzo/model-gateway/pkg/api"
)

// fakeProvider counts dispatches and answers from canned data.
type fakeProvider struct {
	id     string
	models *llm.ModelTable

	chatCalls   atomic.Int32
	streamCalls atomic.Int32
	imageCalls  atomic.Int32

	mu      sync.Mutex
	lastReq *api.ChatRequest

	resp   *api.ChatResponse
	chunks []*api.ChatResponse
	stream llm.Stream
	err    error
}

func newFakeProvider(id string, models ...config.ModelConfig) *fakeProvider {
	for i := range models {
		models[i].Provider = id
	}
	return &fakeProvider{
		id:     id,
		models: llm.NewModelTable(config.ProviderConfig{ID: id, Models: models}),
	}
}

func chatModel(id string, maxIn, maxOut int) config.ModelConfig {
	return config.ModelConfig{ID: id, Capability: config.CapabilityChat, MaxInputTokens: maxIn, MaxOutputTokens: maxOut}
}

func (f *fakeProvider) Name() string                      { return f.id }
func (f *fakeProvider) Type() string                      { return "fake" }
func (f *fakeProvider) ListModels() []llm.ModelDescriptor { return f.models.List() }

func (f *fakeProvider) TokenLimits(modelID string) (int, int, error) {
	return f.models.Limits(modelID)
}

func (f *fakeProvider) remember(req *api.ChatRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *req
	f.lastReq = &cp
}

func (f *fakeProvider) last() *api.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	f.chatCalls.Add(1)
	f.remember(req)
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func (f *fakeProvider) StreamCompletion(ctx context.Context, req *api.ChatRequest) (llm.Stream, error) {
	f.streamCalls.Add(1)
	f.remember(req)
	if f.err != nil {
		return nil, f.err
	}
	if f.stream != nil {
		return f.stream, nil
	}
	return llm.StreamFromChunks(f.chunks...), nil
}

func (f *fakeProvider) ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	f.imageCalls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &api.ImageResponse{Created: 1, Data: []api.ImageData{{URL: "https://img/" + req.Size}}}, nil
}

// memoryRecorder collects usage logs.
type memoryRecorder struct {
	mu   sync.Mutex
	logs []*model.RequestLog
}

func (r *memoryRecorder) Record(log *model.RequestLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
}

func (r *memoryRecorder) all() []*model.RequestLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.RequestLog, len(r.logs))
	copy(out, r.logs)
	return out
}
