package api

import "time"

// GenerationResponse describes one recorded request.
type GenerationResponse struct {
	Data GenerationData `json:"data"`
}

type GenerationData struct {
	ID               string    `json:"id"`
	Model            string    `json:"model"`
	ProviderName     string    `json:"provider_name"`
	UpstreamModel    string    `json:"upstream_model"`
	CreatedAt        time.Time `json:"created_at"`
	Streamed         bool      `json:"streamed"`
	Success          bool      `json:"success"`
	StatusCode       int       `json:"status_code"`
	ErrorCode        string    `json:"error_code,omitempty"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	Latency          float64   `json:"latency"` // ms
	TimeToFirstToken *float64  `json:"time_to_first_token,omitempty"`
	TokensPrompt     int       `json:"tokens_prompt"`
	TokensCompletion int       `json:"tokens_completion"`
	TotalCost        float64   `json:"total_cost"`
}

// UsageSummary aggregates a caller's recorded requests.
type UsageSummary struct {
	Object           string       `json:"object"`
	Since            time.Time    `json:"since"`
	TotalRequests    int          `json:"total_requests"`
	FailedRequests   int          `json:"failed_requests"`
	SuccessRate      float64      `json:"success_rate"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	TotalTokens      int          `json:"total_tokens"`
	TotalCost        float64      `json:"total_cost"`
	Models           []ModelUsage `json:"models"`
}

type ModelUsage struct {
	Model            string  `json:"model"`
	Requests         int     `json:"requests"`
	FailedRequests   int     `json:"failed_requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// DailyUsage is one day of aggregated traffic.
type DailyUsage struct {
	Date           string  `json:"date"`
	TotalRequests  int     `json:"total_requests"`
	TotalTokens    int     `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
	AverageLatency float64 `json:"avg_latency"`
}
