package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/store/cache"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

const (
	ClassChat  = "chat"
	ClassImage = "image"
)

// Class is a named rate-limit bucket.
type Class struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Class      Class
	Count      int64
	Allowed    bool
	Degraded   bool // the counter failed and the request was let through
	RetryAfter time.Duration
}

// Remaining is the number of requests left in the window.
func (d Decision) Remaining() int64 {
	if d.Count >= d.Class.Limit {
		return 0
	}
	return d.Class.Limit - d.Count
}

// Limiter is the fixed-window rate-limit gate. The counter is shared across
// processes when it is backed by redis.
type Limiter struct {
	counter cache.Counter
	classes map[string]Class
	logger  *zap.Logger
}

func NewLimiter(counter cache.Counter, cfg config.RateLimitConfig, logger *zap.Logger) *Limiter {
	return &Limiter{
		counter: counter,
		classes: map[string]Class{
			ClassChat:  {Name: ClassChat, Limit: cfg.Chat.Limit, Window: cfg.Chat.Window},
			ClassImage: {Name: ClassImage, Limit: cfg.Image.Limit, Window: cfg.Image.Window},
		},
		logger: logger,
	}
}

// Key is the counter key of a caller within a class.
func Key(class, caller string) string {
	return fmt.Sprintf("rate_limit:%s:%s", class, caller)
}

// Allow counts one request of caller against class. A rejected request
// returns RateLimitExceeded. Counter failures allow the request.
func (l *Limiter) Allow(ctx context.Context, class, caller string) (Decision, error) {
	c, ok := l.classes[class]
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit class %q", class)
	}
	d := Decision{Class: c, Allowed: true}
	if c.Limit <= 0 || c.Window <= 0 {
		return d, nil
	}

	key := Key(class, caller)
	count, err := l.counter.IncrWithExpiry(ctx, key, c.Window)
	if err != nil {
		l.logger.Warn("Rate limiter unavailable, allowing request",
			zap.String("class", class),
			zap.String("caller", caller),
			zap.Error(err))
		d.Degraded = true
		return d, nil
	}
	d.Count = count
	if count <= c.Limit {
		return d, nil
	}

	d.Allowed = false
	d.RetryAfter = c.Window
	if ttl, err := l.counter.TTL(ctx, key); err == nil && ttl > 0 {
		d.RetryAfter = ttl
	}
	retry := int((d.RetryAfter + time.Second - 1) / time.Second)
	return d, api.RateLimitExceeded(class, c.Limit, retry)
}
