package llm

import (
	"context"

	"github.com/nulzo/model-gateway/pkg/api"
)

// Provider is one upstream integration behind the canonical contract.
// Instances are built once at startup and shared by all requests; the only
// mutable state they may hold is their credential Rotator.
type Provider interface {
	Name() string // configured provider id
	Type() string // adapter type, e.g. "openai", "ollama"

	// ListModels returns the static model table. It performs no I/O.
	ListModels() []ModelDescriptor

	// ChatCompletion runs a buffered completion. req.Model is the public id.
	ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error)

	// StreamCompletion opens a chunked completion. Errors opening the call are
	// returned directly; failures after that surface through Stream.Recv.
	StreamCompletion(ctx context.Context, req *api.ChatRequest) (Stream, error)

	// ImageGeneration fails with CapabilityNotSupported on chat-only adapters.
	ImageGeneration(ctx context.Context, req *api.ImageRequest) (*api.ImageResponse, error)

	// TokenLimits returns (maxInput, maxOutput) for a model this provider owns.
	TokenLimits(modelID string) (int, int, error)
}

// HealthChecker is implemented by adapters that can probe their upstream.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ModelLister is implemented by adapters that can enumerate the model names
// their upstream currently serves.
type ModelLister interface {
	UpstreamModels(ctx context.Context) ([]string, error)
}
