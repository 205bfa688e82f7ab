package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/internal/server/validator"
	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/internal/store/model"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

type AdminHandler struct {
	repo   store.Repository
	config *config.Config
	logger *zap.Logger
}

func NewAdminHandler(repo store.Repository, cfg *config.Config, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{repo: repo, config: cfg, logger: logger}
}

type CreateKeyRequest struct {
	UserID        string `json:"user_id" binding:"required_without=Email"`
	Email         string `json:"email" binding:"omitempty,email"`
	UserName      string `json:"user_name"`
	Name          string `json:"name" binding:"required,max=64"`
	ExpiresInDays int    `json:"expires_in_days" binding:"omitempty,min=1,max=3650"`
}

type CreateKeyResponse struct {
	Key    string       `json:"key"`
	APIKey model.APIKey `json:"api_key"`
	User   model.User   `json:"user"`
}

// CreateKey issues a key for an existing user, or for the user owning
// email, created on first use. The plaintext key is only ever returned here.
//
// POST /v1/admin/keys
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validator.Problem(err))
		return
	}
	ctx := c.Request.Context()

	var (
		plaintext string
		key       *model.APIKey
		user      *model.User
	)
	err := h.repo.WithTx(ctx, func(tx store.Repository) error {
		var err error
		user, err = findOrCreateUser(ctx, tx, req)
		if err != nil {
			return err
		}

		var expires *time.Time
		if req.ExpiresInDays > 0 {
			t := time.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
			expires = &t
		}
		plaintext, key, err = store.NewAPIKey(user.ID, req.Name, expires)
		if err != nil {
			return err
		}
		return tx.APIKeys().Create(ctx, key)
	})
	if err != nil {
		if _, ok := api.AsProblem(err); !ok {
			err = api.InternalError("failed to create api key", err)
		}
		_ = c.Error(err)
		return
	}

	h.logger.Info("Issued API key",
		zap.String("user_id", user.ID),
		zap.String("key_id", key.ID),
		zap.String("prefix", key.Prefix))

	c.JSON(http.StatusCreated, CreateKeyResponse{Key: plaintext, APIKey: *key, User: *user})
}

func findOrCreateUser(ctx context.Context, repo store.Repository, req CreateKeyRequest) (*model.User, error) {
	if req.UserID != "" {
		user, err := repo.Users().Get(ctx, req.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, api.NotFoundError("user not found")
		}
		return user, err
	}

	user, err := repo.Users().GetByEmail(ctx, req.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	name := req.UserName
	if name == "" {
		name = req.Email
	}
	user = &model.User{
		ID:    uuid.NewString(),
		Email: req.Email,
		Name:  name,
		Role:  "user",
	}
	if err := repo.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ListKeys
//
// GET /v1/admin/users/:id/keys
func (h *AdminHandler) ListKeys(c *gin.Context) {
	keys, err := h.repo.APIKeys().ListByUserID(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(api.InternalError("failed to list api keys", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   keys,
	})
}

type providerView struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name,omitempty"`
	BaseURL     string   `json:"base_url,omitempty"`
	Enabled     bool     `json:"enabled"`
	Credentials []string `json:"credentials"`
	RotateOn    []string `json:"rotate_on,omitempty"`
	Breaker     bool     `json:"breaker"`
}

// GetConfig returns the running configuration with every secret masked.
//
// GET /v1/admin/config
func (h *AdminHandler) GetConfig(c *gin.Context) {
	providers := make([]providerView, 0, len(h.config.Providers))
	for _, p := range h.config.Providers {
		creds := make([]string, 0, len(p.Credentials()))
		for _, k := range p.Credentials() {
			creds = append(creds, llm.MaskKey(k))
		}
		providers = append(providers, providerView{
			ID:          p.ID,
			Type:        p.Type,
			Name:        p.Name,
			BaseURL:     p.BaseURL,
			Enabled:     p.Enabled,
			Credentials: creds,
			RotateOn:    p.RotateOn,
			Breaker:     p.Breaker.Enabled,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"server":     h.config.Server,
		"rate_limit": h.config.RateLimit,
		"tokens":     h.config.Tokens,
		"usage":      h.config.Usage,
		"redis":      gin.H{"enabled": h.config.Redis.Enabled, "addr": h.config.Redis.Addr, "db": h.config.Redis.DB},
		"providers":  providers,
		"models":     h.config.Models,
	})
}
