package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/server/middleware"
	"github.com/nulzo/model-gateway/internal/server/validator"
	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/internal/store/sqlite"
	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.InitValidator()
}

type fakeGateway struct {
	resp    *api.ChatResponse
	stream  llm.Stream
	image   *api.ImageResponse
	err     error
	lastReq *api.ChatRequest
	filter  api.ModelFilter
}

func (f *fakeGateway) Chat(_ context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeGateway) Stream(_ context.Context, req *api.ChatRequest) (llm.Stream, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func (f *fakeGateway) Image(_ context.Context, _ *api.ImageRequest) (*api.ImageResponse, error) {
	return f.image, f.err
}

func (f *fakeGateway) ListModels(filter api.ModelFilter) api.ModelList {
	f.filter = filter
	return api.ModelList{Object: "list", Data: []api.Model{{ID: "openai/gpt-4o", Object: "model"}}}
}

// failingStream yields its chunks and then err.
type failingStream struct {
	chunks []*api.ChatResponse
	err    error
	closed bool
}

func (s *failingStream) Recv() (*api.ChatResponse, error) {
	if len(s.chunks) == 0 {
		return nil, s.err
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *failingStream) Close() error {
	s.closed = true
	return nil
}

func chunk(text, finish string) *api.ChatResponse {
	return &api.ChatResponse{
		ID:     "chatcmpl-1",
		Object: api.ObjectChatCompletionChunk,
		Model:  "openai/gpt-4o",
		Choices: []api.Choice{{
			Delta:        &api.ChatMessage{Role: string(api.Assistant), Content: api.NewTextContent(text)},
			FinishReason: finish,
		}},
	}
}

func newRouter(gw Gateway) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.ErrorHandler(zap.NewNop()))
	chat := NewChatHandler(gw, zap.NewNop())
	r.POST("/v1/chat/completions", chat.CreateCompletion)
	r.POST("/v1/images/generations", NewImageHandler(gw).Generate)
	r.GET("/v1/models", NewModelHandler(gw).ListModels)
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestChat_Completion(t *testing.T) {
	gw := &fakeGateway{resp: &api.ChatResponse{ID: "chatcmpl-1", Object: api.ObjectChatCompletion}}
	w := post(newRouter(gw), "/v1/chat/completions",
		`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":5}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"chatcmpl-1"`)
	require.NotNil(t, gw.lastReq.MaxTokens)
	assert.Equal(t, 5, *gw.lastReq.MaxTokens)
}

func TestChat_ValidationError(t *testing.T) {
	gw := &fakeGateway{}
	w := post(newRouter(gw), "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"model"`)
	assert.Nil(t, gw.lastReq)
}

func TestChat_AdmissionErrorIsProblem(t *testing.T) {
	gw := &fakeGateway{err: api.InputTooLarge(120, 100)}
	w := post(newRouter(gw), "/v1/chat/completions",
		`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "input_too_large")
}

func sseEvents(body string) []string {
	var out []string
	for _, block := range strings.Split(body, "\n\n") {
		if data, ok := strings.CutPrefix(strings.TrimSpace(block), "data: "); ok {
			out = append(out, data)
		}
	}
	return out
}

func TestChat_Stream(t *testing.T) {
	gw := &fakeGateway{stream: llm.StreamFromChunks(chunk("Hel", ""), chunk("lo", api.FinishReasonStop))}
	w := post(newRouter(gw), "/v1/chat/completions",
		`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := sseEvents(w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "[DONE]", events[2])

	var first api.ChatResponse
	require.NoError(t, json.Unmarshal([]byte(events[0]), &first))
	assert.Equal(t, "Hel", first.Content())
}

func TestChat_StreamInterrupted(t *testing.T) {
	s := &failingStream{
		chunks: []*api.ChatResponse{chunk("partial", "")},
		err:    api.StreamInterrupted("openai", io.ErrUnexpectedEOF),
	}
	gw := &fakeGateway{stream: s}
	w := post(newRouter(gw), "/v1/chat/completions",
		`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	events := sseEvents(w.Body.String())
	require.Len(t, events, 2)
	assert.NotContains(t, w.Body.String(), "[DONE]")

	var last api.ChatResponse
	require.NoError(t, json.Unmarshal([]byte(events[1]), &last))
	assert.Equal(t, api.FinishReasonError, last.FinishReason())
	require.NotNil(t, last.Error)
	assert.Equal(t, "stream_interrupted", last.Error.Code)
	assert.True(t, s.closed)
}

func TestImage(t *testing.T) {
	gw := &fakeGateway{image: &api.ImageResponse{Created: 1, Data: []api.ImageData{{URL: "https://img"}}}}
	r := newRouter(gw)

	w := post(r, "/v1/images/generations", `{"model":"bfl/flux-pro","prompt":"a cat"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "https://img")

	w = post(r, "/v1/images/generations", `{"model":"bfl/flux-pro","prompt":"a cat","n":50}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListModels_Filters(t *testing.T) {
	gw := &fakeGateway{}
	req := httptest.NewRequest(http.MethodGet, "/v1/models?provider=openai&capability=chat", nil)
	w := httptest.NewRecorder()
	newRouter(gw).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, api.ModelFilter{Provider: "openai", Capability: "chat"}, gw.filter)
	assert.Contains(t, w.Body.String(), "openai/gpt-4o")
}

type fakeUsage struct {
	since  time.Time
	days   int
	userID string
}

func (f *fakeUsage) Usage(_ context.Context, userID string, since time.Time) (*api.UsageSummary, error) {
	f.userID, f.since = userID, since
	return &api.UsageSummary{Object: "usage", TotalRequests: 3}, nil
}

func (f *fakeUsage) Daily(_ context.Context, userID string, days int) ([]api.DailyUsage, error) {
	f.userID, f.days = userID, days
	return []api.DailyUsage{{Date: "2026-01-01", TotalRequests: 1}}, nil
}

func (f *fakeUsage) Generation(_ context.Context, userID, id string) (*api.GenerationData, error) {
	if id != "req-1" {
		return nil, api.NotFoundError("generation not found")
	}
	return &api.GenerationData{ID: id, Model: "openai/gpt-4o"}, nil
}

func TestAnalytics(t *testing.T) {
	usage := &fakeUsage{}
	h := NewAnalyticsHandler(usage)
	r := gin.New()
	r.Use(middleware.ErrorHandler(zap.NewNop()))
	r.GET("/v1/usage", h.GetUsage)
	r.GET("/v1/usage/daily", h.GetDaily)
	r.GET("/v1/generation", h.GetGeneration)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/v1/usage?since=2026-01-02T00:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), usage.since.UTC())
	assert.Equal(t, "anonymous", usage.userID)

	assert.Equal(t, http.StatusBadRequest, get("/v1/usage?since=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, get("/v1/usage/daily?days=0").Code)

	w = get("/v1/usage/daily?days=30")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30, usage.days)

	w = get("/v1/generation?id=req-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data"`)

	assert.Equal(t, http.StatusNotFound, get("/v1/generation?id=other").Code)
	assert.Equal(t, http.StatusBadRequest, get("/v1/generation").Code)
}

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := sqlite.NewSQLiteStorage(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestAdmin_CreateKey(t *testing.T) {
	repo := newRepo(t)
	h := NewAdminHandler(repo, &config.Config{}, zap.NewNop())
	r := gin.New()
	r.Use(middleware.ErrorHandler(zap.NewNop()))
	r.POST("/v1/admin/keys", h.CreateKey)
	r.GET("/v1/admin/users/:id/keys", h.ListKeys)

	w := post(r, "/v1/admin/keys", `{"email":"dev@example.com","name":"ci","expires_in_days":30}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp CreateKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Key, "sk-gw-"))
	assert.NotContains(t, w.Body.String(), store.HashKey(resp.Key))

	key, err := repo.APIKeys().GetByHash(context.Background(), store.HashKey(resp.Key))
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, key.UserID)

	// the same email reuses the user
	w = post(r, "/v1/admin/keys", `{"email":"dev@example.com","name":"second"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var again CreateKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, resp.User.ID, again.User.ID)

	lw := httptest.NewRecorder()
	r.ServeHTTP(lw, httptest.NewRequest(http.MethodGet, "/v1/admin/users/"+resp.User.ID+"/keys", nil))
	require.Equal(t, http.StatusOK, lw.Code)
	assert.Equal(t, 2, strings.Count(lw.Body.String(), `"prefix"`))

	assert.Equal(t, http.StatusNotFound, post(r, "/v1/admin/keys", `{"user_id":"missing","name":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, "/v1/admin/keys", `{"name":"x"}`).Code)
}

func TestAdmin_ConfigMasksSecrets(t *testing.T) {
	cfg := &config.Config{
		Auth: config.AuthConfig{AdminSecret: "admin-secret-value"},
		Providers: []config.ProviderConfig{{
			ID: "openai", Type: "openai", APIKeys: []string{"sk-proj-abcdefghijklmnop"},
		}},
	}
	r := gin.New()
	r.GET("/v1/admin/config", NewAdminHandler(nil, cfg, zap.NewNop()).GetConfig)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/config", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.NotContains(t, body, "sk-proj-abcdefghijklmnop")
	assert.NotContains(t, body, "admin-secret-value")
	assert.Contains(t, body, "sk-proj-...mnop")
}

type pinger func(ctx context.Context) error

func (p pinger) Ping(ctx context.Context) error { return p(ctx) }

func TestHealth(t *testing.T) {
	healthy := NewHealthHandler(map[string]Pinger{"database": pinger(func(context.Context) error { return nil })})
	broken := NewHealthHandler(map[string]Pinger{"redis": pinger(func(context.Context) error { return fmt.Errorf("refused") })})

	r := gin.New()
	r.Use(middleware.ErrorHandler(zap.NewNop()))
	r.GET("/health", healthy.Health)
	r.GET("/ready", healthy.Ready)
	r.GET("/ready-broken", broken.Ready)

	for path, want := range map[string]int{
		"/health":       http.StatusOK,
		"/ready":        http.StatusOK,
		"/ready-broken": http.StatusServiceUnavailable,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, &bytes.Buffer{}))
		assert.Equal(t, want, w.Code, path)
	}
}
