package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nulzo/model-gateway/internal/store/cache"
)

type item struct {
	value     []byte
	count     int64
	expiresAt time.Time
}

func (i item) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

var _ cache.Store = (*MemoryCache)(nil)

// MemoryCache is the single-process cache. Counters and values share one
// map guarded by one mutex.
type MemoryCache struct {
	items map[string]item
	mu    sync.Mutex
	now   func() time.Time

	stop chan struct{}
	once sync.Once
}

func NewMemoryCache() *MemoryCache {
	return newMemoryCache(time.Now)
}

func newMemoryCache(now func() time.Time) *MemoryCache {
	return &MemoryCache{
		items: make(map[string]item),
		now:   now,
		stop:  make(chan struct{}),
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	it, exists := c.items[key]
	if exists && it.expired(c.now()) {
		delete(c.items, key)
		exists = false
	}
	c.mu.Unlock()

	if !exists || it.value == nil {
		return cache.ErrMiss
	}
	return json.Unmarshal(it.value, dest)
}

func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	it := item{value: data}
	if ttl > 0 {
		it.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = it
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *MemoryCache) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	it, exists := c.items[key]
	if !exists || it.expired(now) {
		it = item{expiresAt: now.Add(window)}
	}
	it.count++
	c.items[key] = it
	return it.count, nil
}

func (c *MemoryCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	it, exists := c.items[key]
	if !exists || it.expired(now) || it.expiresAt.IsZero() {
		return 0, nil
	}
	return it.expiresAt.Sub(now), nil
}

// StartJanitor evicts expired entries every interval until Close.
func (c *MemoryCache) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.evict()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *MemoryCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}
