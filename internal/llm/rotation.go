package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/nulzo/model-gateway/internal/httpclient"
	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

// RotationPolicy decides which failures move a provider to its next credential.
type RotationPolicy struct {
	codes map[int]bool
	any   bool
}

// NewRotationPolicy parses rotate_on entries: status codes or "*" for any
// error. An empty list rotates on 429 only.
func NewRotationPolicy(rotateOn []string) (RotationPolicy, error) {
	p := RotationPolicy{codes: make(map[int]bool)}
	if len(rotateOn) == 0 {
		p.codes[http.StatusTooManyRequests] = true
		return p, nil
	}
	for _, raw := range rotateOn {
		raw = strings.TrimSpace(raw)
		if raw == "*" {
			p.any = true
			continue
		}
		code, err := strconv.Atoi(raw)
		if err != nil || code < 100 || code > 599 {
			return RotationPolicy{}, fmt.Errorf("invalid rotate_on entry %q", raw)
		}
		p.codes[code] = true
	}
	return p, nil
}

// Rotatable classifies err. Caller cancellation never rotates; transport
// failures always do.
func (p RotationPolicy) Rotatable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.any {
		return true
	}
	if httpclient.IsTransport(err) || errors.Is(err, api.ErrUpstreamUnavailable) {
		return true
	}
	return p.codes[upstreamStatus(err)]
}

func upstreamStatus(err error) int {
	if code := httpclient.StatusCode(err); code != 0 {
		return code
	}
	if p, ok := api.AsProblem(err); ok && p.Code == api.CodeUpstreamRejected {
		return p.Status
	}
	return 0
}

// Rotator is the shared credential state of one provider. Selection and
// attempt counting happen under one mutex so concurrent calls cannot
// over-rotate or keep using a credential another call already moved past.
type Rotator struct {
	provider string
	keys     []string
	policy   RotationPolicy
	logger   *zap.Logger

	mu       sync.Mutex
	index    int
	attempts int
}

func NewRotator(provider string, keys []string, policy RotationPolicy, logger *zap.Logger) *Rotator {
	return &Rotator{
		provider: provider,
		keys:     keys,
		policy:   policy,
		logger:   logger,
	}
}

// Do runs fn with the current credential, rotating and retrying on rotatable
// failures. A single credential is retried once before giving up. When the
// shared attempt counter passes the number of credentials the call fails
// with AllCredentialsExhausted and the counter resets. Providers without
// credentials run fn once with an empty key.
func (r *Rotator) Do(ctx context.Context, fn func(ctx context.Context, key string) error) error {
	if len(r.keys) == 0 {
		return fn(ctx, "")
	}

	// local bound keeps one call finite even if other calls keep resetting
	// the shared counter
	for tries := 1; ; tries++ {
		idx, key := r.current()

		err := fn(ctx, key)
		if err == nil {
			r.succeeded()
			return nil
		}
		if !r.policy.Rotatable(ctx, err) {
			return err
		}

		attempts, exhausted := r.failed(idx)
		if exhausted || tries > len(r.keys) {
			r.logger.Error("All credentials exhausted",
				zap.String("provider", r.provider),
				zap.Int("attempts", attempts),
				zap.Error(err))
			return api.AllCredentialsExhausted(r.provider, attempts, err)
		}

		r.logger.Warn("Rotating credential",
			zap.String("provider", r.provider),
			zap.String("failed_key", MaskKey(key)),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}
}

func (r *Rotator) current() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index, r.keys[r.index]
}

func (r *Rotator) succeeded() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// failed records a rotatable failure on credential idx.
func (r *Rotator) failed(idx int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts++
	attempts := r.attempts
	if attempts > len(r.keys) {
		r.attempts = 0
		return attempts, true
	}
	// only advance if nobody else already moved off the failed credential
	if r.index == idx {
		r.index = (idx + 1) % len(r.keys)
	}
	return attempts, false
}

// Attempts returns the current shared rotation counter.
func (r *Rotator) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Index returns the position of the active credential.
func (r *Rotator) Index() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// MaskKey shows the first 8 and last 4 characters of a credential.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}
