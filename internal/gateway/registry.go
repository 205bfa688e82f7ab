package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nulzo/model-gateway/internal/llm"
	"github.com/nulzo/model-gateway/pkg/api"
)

// Route is the resolution of one public model id.
type Route struct {
	Provider llm.Provider
	Model    llm.ModelDescriptor
}

// Registry maps public model ids to the provider that owns them. It is
// filled once at startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]llm.Provider
	order     []llm.ModelDescriptor
	routes    map[string]Route
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]llm.Provider),
		routes:    make(map[string]Route),
	}
}

// Register adds a provider and its model table. A provider id or a model id
// that is already registered is an error and nothing is added.
func (r *Registry) Register(p llm.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	models := p.ListModels()
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if _, exists := r.routes[m.ID]; exists || seen[m.ID] {
			return fmt.Errorf("model %q already registered", m.ID)
		}
		seen[m.ID] = true
	}

	r.providers[p.Name()] = p
	for _, m := range models {
		r.order = append(r.order, m)
		r.routes[m.ID] = Route{Provider: p, Model: m}
	}
	return nil
}

// Resolve is an exact lookup; there is no prefix or fuzzy matching.
func (r *Registry) Resolve(modelID string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[modelID]
	if !ok {
		return Route{}, api.ModelNotFound(modelID)
	}
	return route, nil
}

// Models returns the descriptors in registration order.
func (r *Registry) Models(filter api.ModelFilter) []llm.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ModelDescriptor, 0, len(r.order))
	for _, m := range r.order {
		if filter.Provider != "" && !strings.EqualFold(m.Provider, filter.Provider) {
			continue
		}
		if filter.Capability != "" && !strings.EqualFold(string(m.Capability), filter.Capability) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *Registry) Provider(id string) (llm.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
