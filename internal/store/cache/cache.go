package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// CacheService defines the interface for a distributed cache system
type CacheService interface {
	// Get retrieves a value from the cache.
	// The implementation should unmarshal the data into the 'dest' pointer.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in the cache with a TTL.
	// The implementation should marshal the value.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error
}

// Counter is an atomic fixed-window counter. IncrWithExpiry increments key
// and, when the increment created it, starts its expiry of window. The
// returned value is the count after the increment.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
	// TTL returns the time left on key, or 0 when it has none.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Store is a cache that can also count.
type Store interface {
	CacheService
	Counter
	Close() error
}
