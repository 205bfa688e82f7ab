package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/model-gateway/internal/admission"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter manages per-ip token buckets. It is a flood guard in front of
// authentication, separate from the per-caller limit classes.
type RateLimiter struct {
	clients map[string]*rate.Limiter
	mu      sync.RWMutex
	rps     rate.Limit
	burst   int
	logger  *zap.Logger
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(rps float64, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
		logger:  logger,
	}
}

// getLimiter returns a rate limiter for the given ip.
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.clients[ip]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = rl.clients[ip]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rps, rl.burst)
	rl.clients[ip] = limiter

	return limiter
}

// Middleware returns the Gin middleware handler.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := rl.getLimiter(ip)

		if !limiter.Allow() {
			rl.logger.Warn("IP rate limit exceeded",
				zap.String("ip", ip),
				zap.String("path", c.Request.URL.Path),
			)
			c.Header("Retry-After", "1")
			_ = c.Error(api.RateLimitExceeded("ip", int64(rl.burst), 1))
			c.Abort()
			return
		}

		c.Next()
	}
}

// Admission counts the request against a limit class for the caller
// resolved by Auth and rejects it once the class limit is reached.
func Admission(limiter *admission.Limiter, class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.ClientIP()
		if id, ok := IdentityFromGin(c); ok {
			caller = id.CallerID()
		}

		d, err := limiter.Allow(c.Request.Context(), class, caller)
		if d.Class.Limit > 0 && !d.Degraded {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Class.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining(), 10))
		}
		if err != nil {
			if d.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int((d.RetryAfter+time.Second-1)/time.Second)))
			}
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}
