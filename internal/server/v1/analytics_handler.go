package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/model-gateway/pkg/api"
)

const maxUsageDays = 365

type AnalyticsHandler struct {
	usage UsageReader
}

func NewAnalyticsHandler(usage UsageReader) *AnalyticsHandler {
	return &AnalyticsHandler{usage: usage}
}

func parseDays(c *gin.Context) (int, error) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days < 1 || days > maxUsageDays {
		return 0, api.BadRequestError("Invalid 'days' parameter")
	}
	return days, nil
}

// GetUsage summarizes the caller's traffic since ?since= (RFC 3339) or over
// the last ?days= days.
//
// GET /v1/usage
func (h *AnalyticsHandler) GetUsage(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = c.Error(api.BadRequestError("Invalid 'since' parameter, expected RFC 3339"))
			return
		}
		since = t
	} else {
		days, err := parseDays(c)
		if err != nil {
			_ = c.Error(err)
			return
		}
		since = time.Now().UTC().AddDate(0, 0, -days)
	}

	summary, err := h.usage.Usage(c.Request.Context(), caller(c).UserID, since)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetDaily
//
// GET /v1/usage/daily
func (h *AnalyticsHandler) GetDaily(c *gin.Context) {
	days, err := parseDays(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	stats, err := h.usage.Daily(c.Request.Context(), caller(c).UserID, days)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   stats,
	})
}

// GetGeneration returns one of the caller's recorded requests.
//
// GET /v1/generation?id=
func (h *AnalyticsHandler) GetGeneration(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		_ = c.Error(api.ValidationError(map[string]string{"id": "id is a required field"}))
		return
	}

	data, err := h.usage.Generation(c.Request.Context(), caller(c).UserID, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, api.GenerationResponse{Data: *data})
}
