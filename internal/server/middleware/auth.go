package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/internal/store/cache"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

const identityTTL = time.Minute

// Authenticator resolves bearer credentials to caller identities. Resolved
// database keys are cached by hash for a minute.
type Authenticator struct {
	repo   store.Repository
	cache  cache.CacheService
	static map[string]store.Identity
	logger *zap.Logger
}

func NewAuthenticator(repo store.Repository, c cache.CacheService, staticKeys []string, logger *zap.Logger) *Authenticator {
	static := make(map[string]store.Identity, len(staticKeys))
	for _, k := range staticKeys {
		if k == "" {
			continue
		}
		hash := store.HashKey(k)
		static[hash] = store.Identity{
			UserID:   "static",
			APIKeyID: "static-" + hash[:8],
			Name:     "static",
			Static:   true,
		}
	}
	return &Authenticator{repo: repo, cache: c, static: static, logger: logger}
}

func bearer(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// Middleware checks for a valid Bearer token in the Authorization header.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c)
		if !ok {
			_ = c.Error(api.UnauthorizedError("Missing or malformed Authorization header"))
			c.Abort()
			return
		}

		id, err := a.resolve(c.Request.Context(), store.HashKey(token))
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		setIdentity(c, id)
		c.Next()
	}
}

func (a *Authenticator) resolve(ctx context.Context, hash string) (store.Identity, error) {
	if id, ok := a.static[hash]; ok {
		return id, nil
	}

	cacheKey := "auth:" + hash
	var id store.Identity
	if a.cache != nil {
		if err := a.cache.Get(ctx, cacheKey, &id); err == nil {
			return id, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			a.logger.Warn("Identity cache unavailable", zap.Error(err))
		}
	}

	key, err := a.repo.APIKeys().GetByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return id, api.UnauthorizedError("Invalid API Key")
	}
	if err != nil {
		return id, api.InternalError("could not verify credentials", err)
	}

	id = store.Identity{UserID: key.UserID, APIKeyID: key.ID, Name: key.Name}
	if a.cache != nil {
		if err := a.cache.Set(ctx, cacheKey, id, identityTTL); err != nil {
			a.logger.Warn("Identity cache unavailable", zap.Error(err))
		}
	}

	// last-used stamp is best effort and must not hold the request
	go func(keyID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.repo.APIKeys().UpdateUsage(ctx, keyID); err != nil {
			a.logger.Debug("Failed to stamp key usage", zap.String("key_id", keyID), zap.Error(err))
		}
	}(key.ID)

	return id, nil
}

// AdminOnly guards administrative routes with the configured admin secret.
// An empty secret disables the routes.
func AdminOnly(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			_ = c.Error(api.NotFoundError("admin routes are disabled"))
			c.Abort()
			return
		}
		token, ok := bearer(c)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			_ = c.Error(api.UnauthorizedError("Invalid admin credentials"))
			c.Abort()
			return
		}
		setIdentity(c, store.Identity{UserID: "admin", Name: "admin"})
		c.Next()
	}
}
