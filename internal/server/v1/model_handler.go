package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/model-gateway/pkg/api"
)

type ModelHandler struct {
	gateway Gateway
}

func NewModelHandler(gateway Gateway) *ModelHandler {
	return &ModelHandler{gateway: gateway}
}

// ListModels returns every routable model, optionally narrowed by
// ?provider= and ?capability=.
//
// GET /v1/models
func (h *ModelHandler) ListModels(c *gin.Context) {
	filter := api.ModelFilter{
		Provider:   c.Query("provider"),
		Capability: c.Query("capability"),
	}
	c.JSON(http.StatusOK, h.gateway.ListModels(filter))
}
