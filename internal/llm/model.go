package llm

import (
	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/pkg/api"
)

type Capability string

const (
	CapabilityChat  Capability = config.CapabilityChat
	CapabilityImage Capability = config.CapabilityImage
)

// ModelDescriptor is the immutable description of one public model.
type ModelDescriptor struct {
	ID                   string
	Provider             string // owning provider id
	Upstream             string // name sent upstream
	Capability           Capability
	MaxInputTokens       int
	MaxOutputTokens      int
	CostPerMillionTokens float64
	Streaming            bool
	StreamingNote        string
	Tokenizer            string
	Created              int64
	Description          string
}

// defaultCreated is the discovery timestamp for models that do not set one.
const defaultCreated = 1700000000

func DescriptorFromConfig(m config.ModelConfig) ModelDescriptor {
	created := m.Created
	if created == 0 {
		created = defaultCreated
	}
	return ModelDescriptor{
		ID:                   m.ID,
		Provider:             m.Provider,
		Upstream:             m.UpstreamName(),
		Capability:           Capability(m.Capability),
		MaxInputTokens:       m.MaxInputTokens,
		MaxOutputTokens:      m.MaxOutputTokens,
		CostPerMillionTokens: m.CostPerMillionTokens,
		Streaming:            m.SupportsStreaming(),
		StreamingNote:        m.StreamingNote,
		Tokenizer:            m.Tokenizer,
		Created:              created,
		Description:          m.Description,
	}
}

// ModelTable is the alias table of one adapter: public id -> descriptor.
type ModelTable struct {
	provider string
	order    []ModelDescriptor
	byID     map[string]ModelDescriptor
}

func NewModelTable(cfg config.ProviderConfig) *ModelTable {
	t := &ModelTable{
		provider: cfg.ID,
		byID:     make(map[string]ModelDescriptor, len(cfg.Models)),
	}
	for _, m := range cfg.Models {
		d := DescriptorFromConfig(m)
		d.Provider = cfg.ID
		t.order = append(t.order, d)
		t.byID[d.ID] = d
	}
	return t
}

// List returns the descriptors in configuration order.
func (t *ModelTable) List() []ModelDescriptor {
	out := make([]ModelDescriptor, len(t.order))
	copy(out, t.order)
	return out
}

// Lookup resolves a public model id, failing with UnsupportedModel.
func (t *ModelTable) Lookup(modelID string) (ModelDescriptor, error) {
	d, ok := t.byID[modelID]
	if !ok {
		return ModelDescriptor{}, api.UnsupportedModel(t.provider, modelID)
	}
	return d, nil
}

// LookupCapability is Lookup plus a capability check.
func (t *ModelTable) LookupCapability(modelID string, capability Capability) (ModelDescriptor, error) {
	d, err := t.Lookup(modelID)
	if err != nil {
		return d, err
	}
	if d.Capability != capability {
		return d, api.CapabilityNotSupported(t.provider, string(capability)+" on "+modelID)
	}
	return d, nil
}

func (t *ModelTable) Limits(modelID string) (int, int, error) {
	d, err := t.Lookup(modelID)
	if err != nil {
		return 0, 0, err
	}
	return d.MaxInputTokens, d.MaxOutputTokens, nil
}
