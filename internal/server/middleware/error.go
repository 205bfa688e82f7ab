package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

const problemContentType = "application/problem+json"

// ErrorHandler renders the last error a handler attached to the context.
// Problems are written as RFC 9457 bodies with their status; anything else
// becomes an opaque 500 whose cause is only logged.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		// a streaming response already committed its status
		if c.Writer.Written() {
			logger.Warn("Error after response was written",
				zap.String("request_id", RequestIDFromGin(c)),
				zap.Error(err))
			return
		}

		var problem *api.Problem
		if !errors.As(err, &problem) {
			logger.Error("Unhandled error",
				zap.String("request_id", RequestIDFromGin(c)),
				zap.Error(err))
			problem = api.NewError(http.StatusInternalServerError,
				"Internal Server Error",
				"An unexpected error occurred.",
				api.WithCode(api.CodeInternal))
		} else if problem.Log != nil {
			lvl := logger.Warn
			if problem.Status >= http.StatusInternalServerError {
				lvl = logger.Error
			}
			lvl("Request failed",
				zap.String("request_id", RequestIDFromGin(c)),
				zap.String("code", string(problem.Code)),
				zap.Error(problem.Log))
		}

		if problem.Instance == "" {
			problem.Instance = c.Request.URL.Path
		}
		body, mErr := json.Marshal(problem)
		if mErr != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Data(problem.Status, problemContentType, body)
		c.Abort()
	}
}
