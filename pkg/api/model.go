package api

// Model is one entry of the discovery list.
type Model struct {
	ID              string        `json:"id"`
	Object          string        `json:"object"`
	Created         int64         `json:"created"`
	OwnedBy         string        `json:"owned_by"`
	Permission      []interface{} `json:"permission"`
	Capability      string        `json:"capability"`
	Description     string        `json:"description,omitempty"`
	ContextLength   int           `json:"context_length"`
	MaxOutputTokens int           `json:"max_output_tokens"`
	Streaming       bool          `json:"streaming"`

	OwnerCostPerMillionTokens float64 `json:"owner_cost_per_million_tokens"`
	UserCostPerMillionTokens  float64 `json:"user_cost_per_million_tokens"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ModelFilter narrows the discovery list.
type ModelFilter struct {
	Provider   string
	Capability string
}
