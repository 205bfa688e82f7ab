package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/model-gateway/internal/server/validator"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

type ChatHandler struct {
	gateway Gateway
	logger  *zap.Logger
}

func NewChatHandler(gateway Gateway, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{gateway: gateway, logger: logger}
}

// CreateCompletion
//
// POST /v1/chat/completions
func (h *ChatHandler) CreateCompletion(c *gin.Context) {
	var req api.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validator.Problem(err))
		return
	}

	if req.Stream {
		h.handleStream(c, &req)
		return
	}

	resp, err := h.gateway.Chat(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) handleStream(c *gin.Context, req *api.ChatRequest) {
	// admission and routing failures surface before any byte is written
	stream, err := h.gateway.Stream(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer func() {
		_ = stream.Close()
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			_, _ = io.WriteString(c.Writer, "data: [DONE]\n\n")
			c.Writer.Flush()
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// client went away, nobody is left to tell
				return
			}
			h.logger.Warn("Stream ended with error", zap.String("model", req.Model), zap.Error(err))
			_ = writeEvent(c.Writer, errorChunk(req.Model, err))
			c.Writer.Flush()
			return
		}
		if err := writeEvent(c.Writer, chunk); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func writeEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// errorChunk is the terminal event of a stream that failed after it started.
// No [DONE] follows it.
func errorChunk(model string, err error) *api.ChatResponse {
	e := &api.ErrorResponse{Code: string(api.CodeStreamInterrupted), Message: err.Error()}
	if p, ok := api.AsProblem(err); ok {
		e = &api.ErrorResponse{Code: string(p.Code), Type: p.Title, Message: p.Detail}
	}
	return &api.ChatResponse{
		Object:  api.ObjectChatCompletionChunk,
		Model:   model,
		Created: time.Now().Unix(),
		Choices: []api.Choice{{
			Delta:        &api.ChatMessage{},
			FinishReason: api.FinishReasonError,
			Error:        e,
		}},
		Error: e,
	}
}
