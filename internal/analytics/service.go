package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/pkg/api"
)

const microsPerUnit = 1e6

type Service struct {
	repo store.Repository
}

func NewService(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// Usage summarizes a user's requests since the given time.
func (s *Service) Usage(ctx context.Context, userID string, since time.Time) (*api.UsageSummary, error) {
	rows, err := s.repo.Requests().UsageByModel(ctx, userID, since)
	if err != nil {
		return nil, api.InternalError("could not load usage", err)
	}

	summary := &api.UsageSummary{
		Object: "usage.summary",
		Since:  since.UTC(),
		Models: make([]api.ModelUsage, 0, len(rows)),
	}
	for _, r := range rows {
		cost := float64(r.CostMicros) / microsPerUnit
		summary.TotalRequests += r.Requests
		summary.FailedRequests += r.FailedRequests
		summary.PromptTokens += r.PromptTokens
		summary.CompletionTokens += r.CompletionTokens
		summary.TotalTokens += r.TotalTokens
		summary.TotalCost += cost
		summary.Models = append(summary.Models, api.ModelUsage{
			Model:            r.ModelID,
			Requests:         r.Requests,
			FailedRequests:   r.FailedRequests,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			TotalTokens:      r.TotalTokens,
			Cost:             cost,
		})
	}
	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(summary.TotalRequests-summary.FailedRequests) / float64(summary.TotalRequests)
	}
	return summary, nil
}

// Daily returns per-day totals for the last days days.
func (s *Service) Daily(ctx context.Context, userID string, days int) ([]api.DailyUsage, error) {
	if days <= 0 {
		days = 7 // default to last week
	}
	stats, err := s.repo.Requests().GetDailyStats(ctx, userID, days)
	if err != nil {
		return nil, api.InternalError("could not load usage", err)
	}
	out := make([]api.DailyUsage, 0, len(stats))
	for _, d := range stats {
		out = append(out, api.DailyUsage{
			Date:           d.Date,
			TotalRequests:  d.TotalRequests,
			TotalTokens:    d.TotalTokens,
			TotalCost:      float64(d.TotalCostMicros) / microsPerUnit,
			AverageLatency: d.AverageLatency,
		})
	}
	return out, nil
}

// Generation returns one recorded request owned by userID.
func (s *Service) Generation(ctx context.Context, userID, id string) (*api.GenerationData, error) {
	log, err := s.repo.Requests().GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, api.NotFoundError("generation " + id + " not found")
	}
	if err != nil {
		return nil, api.InternalError("could not load generation", err)
	}
	if log.UserID != userID {
		return nil, api.NotFoundError("generation " + id + " not found")
	}

	g := &api.GenerationData{
		ID:               log.ID,
		Model:            log.ModelID,
		ProviderName:     log.ProviderID,
		UpstreamModel:    log.UpstreamModel,
		CreatedAt:        log.CreatedAt,
		Streamed:         log.Streamed,
		Success:          log.Success,
		StatusCode:       log.StatusCode,
		ErrorCode:        log.ErrorCode,
		FinishReason:     log.FinishReason,
		Latency:          float64(log.LatencyMS),
		TokensPrompt:     log.PromptTokens,
		TokensCompletion: log.CompletionTokens,
		TotalCost:        float64(log.CostMicros) / microsPerUnit,
	}
	if log.TTFTMS.Valid {
		ttft := float64(log.TTFTMS.Int64)
		g.TimeToFirstToken = &ttft
	}
	return g, nil
}
