package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	if _, nested := r.executor.(*sqlx.Tx); nested {
		return fn(r)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &SqliteRepository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) APIKeys() store.APIKeyRepository {
	return &apiKeyRepo{db: r.executor}
}

func (r *SqliteRepository) Requests() store.RequestRepository {
	return &requestRepo{db: r.executor, repo: r}
}

func (r *SqliteRepository) Users() store.UserRepository {
	return &userRepo{db: r.executor}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

type apiKeyRepo struct {
	db DB
}

func (r *apiKeyRepo) GetByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	// active and expiry checks are part of the query
	query := `SELECT * FROM api_keys
		WHERE key_hash = ? AND is_active = 1 AND (expires_at IS NULL OR expires_at > ?)`
	if err := r.db.GetContext(ctx, &key, query, hash, time.Now().UTC()); err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

func (r *apiKeyRepo) Create(ctx context.Context, key *model.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO api_keys (id, user_id, name, key_hash, prefix, is_active, expires_at, created_at)
	VALUES (:id, :user_id, :name, :key_hash, :prefix, :is_active, :expires_at, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, key)
	return err
}

func (r *apiKeyRepo) UpdateUsage(ctx context.Context, id string) error {
	query := `UPDATE api_keys SET last_used_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	return err
}

func (r *apiKeyRepo) ListByUserID(ctx context.Context, userID string) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := r.db.SelectContext(ctx, &keys, `SELECT * FROM api_keys WHERE user_id = ? ORDER BY created_at`, userID)
	return keys, err
}

type requestRepo struct {
	db   DB
	repo *SqliteRepository
}

const insertRequestLog = `
	INSERT INTO request_logs (
		id, user_id, api_key_id, model_id, provider_id, upstream_model,
		prompt_tokens, completion_tokens, total_tokens, cost_micros,
		latency_ms, ttft_ms, status_code, success, error_code, error_message,
		finish_reason, streamed, created_at
	) VALUES (
		:id, :user_id, :api_key_id, :model_id, :provider_id, :upstream_model,
		:prompt_tokens, :completion_tokens, :total_tokens, :cost_micros,
		:latency_ms, :ttft_ms, :status_code, :success, :error_code, :error_message,
		:finish_reason, :streamed, :created_at
	)`

func (r *requestRepo) Log(ctx context.Context, log *model.RequestLog) error {
	log.CreatedAt = log.CreatedAt.UTC()
	_, err := r.db.NamedExecContext(ctx, insertRequestLog, log)
	return err
}

func (r *requestRepo) LogBatch(ctx context.Context, logs []*model.RequestLog) error {
	return r.repo.WithTx(ctx, func(repo store.Repository) error {
		for _, log := range logs {
			if err := repo.Requests().Log(ctx, log); err != nil {
				return fmt.Errorf("request log %s: %w", log.ID, err)
			}
		}
		return nil
	})
}

func (r *requestRepo) GetByID(ctx context.Context, id string) (*model.RequestLog, error) {
	var log model.RequestLog
	if err := r.db.GetContext(ctx, &log, `SELECT * FROM request_logs WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &log, nil
}

func (r *requestRepo) GetRecent(ctx context.Context, userID string, limit int) ([]model.RequestLog, error) {
	var logs []model.RequestLog
	query := `SELECT * FROM request_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	err := r.db.SelectContext(ctx, &logs, query, userID, limit)
	return logs, err
}

func (r *requestRepo) GetDailyStats(ctx context.Context, userID string, days int) ([]model.DailyStats, error) {
	var stats []model.DailyStats
	// created_at is stored as text starting with YYYY-MM-DD
	query := `
		SELECT
			substr(created_at, 1, 10) as date,
			COUNT(*) as total_requests,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(cost_micros), 0) as total_cost_micros,
			COALESCE(AVG(latency_ms), 0) as avg_latency
		FROM request_logs
		WHERE user_id = ? AND created_at >= ?
		GROUP BY date
		ORDER BY date DESC
	`
	since := time.Now().UTC().AddDate(0, 0, -days)
	err := r.db.SelectContext(ctx, &stats, query, userID, since)
	return stats, err
}

func (r *requestRepo) UsageByModel(ctx context.Context, userID string, since time.Time) ([]model.ModelUsage, error) {
	var rows []model.ModelUsage
	query := `
		SELECT
			model_id,
			COUNT(*) as requests,
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) as failed_requests,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(cost_micros), 0) as cost_micros
		FROM request_logs
		WHERE user_id = ? AND created_at >= ?
		GROUP BY model_id
		ORDER BY model_id
	`
	err := r.db.SelectContext(ctx, &rows, query, userID, since.UTC())
	return rows, err
}

type userRepo struct {
	db DB
}

func (r *userRepo) Get(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	if err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = ?`, email); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *userRepo) Create(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	if user.Role == "" {
		user.Role = "user"
	}
	query := `
	INSERT INTO users (id, email, name, role, created_at, updated_at)
	VALUES (:id, :email, :name, :role, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, user)
	return err
}
