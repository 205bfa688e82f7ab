package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// WithBreaker wraps p in a circuit breaker when the provider config enables
// one. Only upstream-caused failures count against the breaker; client
// errors such as an unknown model or a cancelled request do not.
func WithBreaker(p Provider, cfg config.BreakerConfig, logger *zap.Logger) Provider {
	if !cfg.Enabled {
		return p
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !upstreamCaused(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &breakerProvider{Provider: p, cb: cb}
}

func upstreamCaused(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	p, ok := api.AsProblem(err)
	if !ok {
		return true
	}
	switch p.Code {
	case api.CodeUpstreamUnavailable, api.CodeAllCredentialsExhausted:
		return true
	case api.CodeUpstreamRejected:
		return p.Status >= http.StatusInternalServerError || p.Status == http.StatusTooManyRequests
	}
	return false
}

type breakerProvider struct {
	Provider
	cb *gobreaker.CircuitBreaker
}

func (b *breakerProvider) openErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p := api.UpstreamUnavailable(b.Name(), err)
		p.Extensions["circuit"] = b.cb.State().String()
		return p
	}
	return err
}

func (b *breakerProvider) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.Provider.ChatCompletion(ctx, req)
	})
	if err != nil {
		return nil, b.openErr(err)
	}
	return result.(*api.ChatResponse), nil
}

// StreamCompletion guards opening the stream; mid-stream failures are
// reported through the stream itself.
func (b *breakerProvider) StreamCompletion(ctx context.Context, req *api.ChatRequest) (Stream, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.Provider.StreamCompletion(ctx, req)
	})
	if err != nil {
		return nil, b.openErr(err)
	}
	return result.(Stream), nil
}

func (b *breakerProvider) ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.Provider.ImageGeneration(ctx, req)
	})
	if err != nil {
		return nil, b.openErr(err)
	}
	return result.(*api.ImageResponse), nil
}
