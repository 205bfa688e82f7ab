package store

import (
	"context"
	"errors"
	"time"

	"github.com/nulzo/model-gateway/internal/store/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

type contextKey string

const (
	contextKeyIdentity  contextKey = "identity"
	contextKeyRequestID contextKey = "request_id"
)

// Identity is the resolved caller of a request. Admission and usage key on
// it; the raw credential never leaves the auth middleware.
type Identity struct {
	UserID   string `json:"user_id"`
	APIKeyID string `json:"api_key_id"`
	Name     string `json:"name"`
	Static   bool   `json:"static"`
}

// CallerID is the rate-limit and usage key of the identity.
func (i Identity) CallerID() string {
	if i.APIKeyID != "" {
		return i.APIKeyID
	}
	return i.UserID
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKeyIdentity).(Identity)
	return id, ok
}

// WithRequestID carries the request id; usage logs are stored under it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// Repository is the main contract for the data layer.
type Repository interface {
	APIKeys() APIKeyRepository
	Requests() RequestRepository
	Users() UserRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Ping(ctx context.Context) error
	Close() error
}

type APIKeyRepository interface {
	// GetByHash retrieves an active, unexpired key by its hashed value.
	GetByHash(ctx context.Context, hash string) (*model.APIKey, error)
	// Create issues a new API key.
	Create(ctx context.Context, key *model.APIKey) error
	// UpdateUsage stamps last_used_at.
	UpdateUsage(ctx context.Context, id string) error
	// ListByUserID returns all keys for a user.
	ListByUserID(ctx context.Context, userID string) ([]model.APIKey, error)
}

type RequestRepository interface {
	// Log stores a completed request.
	Log(ctx context.Context, log *model.RequestLog) error
	// LogBatch stores several requests in one transaction.
	LogBatch(ctx context.Context, logs []*model.RequestLog) error
	// GetByID returns a single request log.
	GetByID(ctx context.Context, id string) (*model.RequestLog, error)
	// GetRecent returns the last N logs for a user.
	GetRecent(ctx context.Context, userID string, limit int) ([]model.RequestLog, error)
	// GetDailyStats returns a user's requests aggregated by day.
	GetDailyStats(ctx context.Context, userID string, days int) ([]model.DailyStats, error)
	// UsageByModel aggregates a user's requests since a point in time.
	UsageByModel(ctx context.Context, userID string, since time.Time) ([]model.ModelUsage, error)
}

type UserRepository interface {
	Get(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
}
