package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nulzo/model-gateway/internal/store"
)

const (
	HeaderRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
	ctxIdentity     = "identity"
)

// RequestID assigns every request an id, reusing a sane inbound one. The
// id is echoed in the response and is the key of the request's usage log.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(store.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func RequestIDFromGin(c *gin.Context) string {
	return c.GetString(ctxRequestID)
}

// setIdentity attaches the resolved caller to both contexts.
func setIdentity(c *gin.Context, id store.Identity) {
	c.Set(ctxIdentity, id)
	c.Request = c.Request.WithContext(store.WithIdentity(c.Request.Context(), id))
}

// IdentityFromGin returns the caller resolved by Auth.
func IdentityFromGin(c *gin.Context) (store.Identity, bool) {
	v, ok := c.Get(ctxIdentity)
	if !ok {
		return store.Identity{}, false
	}
	id, ok := v.(store.Identity)
	return id, ok
}
