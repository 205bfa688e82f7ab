package model

import (
	"database/sql"
	"time"
)

// User represents a tenant or individual developer.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Role      string    `db:"role" json:"role"` // 'admin', 'user'
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// APIKey is the credential used to access the API.
type APIKey struct {
	ID         string       `db:"id" json:"id"`
	UserID     string       `db:"user_id" json:"user_id"`
	Name       string       `db:"name" json:"name"`
	KeyHash    string       `db:"key_hash" json:"-"`    // Never return hash
	Prefix     string       `db:"prefix" json:"prefix"` // Display only
	IsActive   bool         `db:"is_active" json:"is_active"`
	ExpiresAt  sql.NullTime `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt sql.NullTime `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

// RequestLog is the usage record of one request, successful or not.
type RequestLog struct {
	ID               string        `db:"id" json:"id"`
	UserID           string        `db:"user_id" json:"user_id"`
	APIKeyID         string        `db:"api_key_id" json:"api_key_id"`
	ModelID          string        `db:"model_id" json:"model_id"`
	ProviderID       string        `db:"provider_id" json:"provider_id"`
	UpstreamModel    string        `db:"upstream_model" json:"upstream_model"`
	PromptTokens     int           `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int           `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int           `db:"total_tokens" json:"total_tokens"`
	CostMicros       int64         `db:"cost_micros" json:"cost_micros"`
	LatencyMS        int64         `db:"latency_ms" json:"latency_ms"`
	TTFTMS           sql.NullInt64 `db:"ttft_ms" json:"ttft_ms,omitempty"`
	StatusCode       int           `db:"status_code" json:"status_code"`
	Success          bool          `db:"success" json:"success"`
	ErrorCode        string        `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage     string        `db:"error_message" json:"error_message,omitempty"`
	FinishReason     string        `db:"finish_reason" json:"finish_reason,omitempty"`
	Streamed         bool          `db:"streamed" json:"streamed"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
}

// DailyStats represents aggregated usage data for a specific day.
type DailyStats struct {
	Date            string  `db:"date" json:"date"`
	TotalRequests   int     `db:"total_requests" json:"total_requests"`
	TotalTokens     int     `db:"total_tokens" json:"total_tokens"`
	TotalCostMicros int64   `db:"total_cost_micros" json:"total_cost_micros"`
	AverageLatency  float64 `db:"avg_latency" json:"avg_latency"`
}

// ModelUsage aggregates one model's requests for a user.
type ModelUsage struct {
	ModelID          string `db:"model_id"`
	Requests         int    `db:"requests"`
	FailedRequests   int    `db:"failed_requests"`
	PromptTokens     int    `db:"prompt_tokens"`
	CompletionTokens int    `db:"completion_tokens"`
	TotalTokens      int    `db:"total_tokens"`
	CostMicros       int64  `db:"cost_micros"`
}
