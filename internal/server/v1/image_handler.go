package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/model-gateway/internal/server/validator"
	"github.com/nulzo/model-gateway/pkg/api"
)

type ImageHandler struct {
	gateway Gateway
}

func NewImageHandler(gateway Gateway) *ImageHandler {
	return &ImageHandler{gateway: gateway}
}

// Generate
//
// POST /v1/images/generations
func (h *ImageHandler) Generate(c *gin.Context) {
	var req api.ImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validator.Problem(err))
		return
	}

	resp, err := h.gateway.Image(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
