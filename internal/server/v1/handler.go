package v1

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/server/middleware"
	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/pkg/api"
)

// Gateway is the routing surface the handlers drive.
type Gateway interface {
	Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error)
	Stream(ctx context.Context, req *api.ChatRequest) (llm.Stream, error)
	Image(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error)
	ListModels(filter api.ModelFilter) api.ModelList
}

// UsageReader serves a caller's recorded traffic.
type UsageReader interface {
	Usage(ctx context.Context, userID string, since time.Time) (*api.UsageSummary, error)
	Daily(ctx context.Context, userID string, days int) ([]api.DailyUsage, error)
	Generation(ctx context.Context, userID, id string) (*api.GenerationData, error)
}

func caller(c *gin.Context) store.Identity {
	id, ok := middleware.IdentityFromGin(c)
	if !ok {
		return store.Identity{UserID: "anonymous"}
	}
	return id
}
