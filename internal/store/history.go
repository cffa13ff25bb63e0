// Package store archives terminal jobs in Postgres so operators can inspect
// failures after the broker's retention window has trimmed them. Writes are
// best-effort: the scheduler works without Postgres configured.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookmark-core/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id          TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	dedup_key   TEXT,
	state       TEXT NOT NULL,
	attempts    INT NOT NULL,
	last_error  TEXT,
	payload     JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS job_history_category_state_idx
	ON job_history (category, state, finished_at DESC);
`

// History is the terminal-job archive.
type History struct {
	pool *pgxpool.Pool
}

// NewHistory connects to Postgres and ensures the schema exists.
func NewHistory(ctx context.Context, dsn string) (*History, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	h := &History{pool: pool}
	if err := h.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) ensureSchema(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure job_history schema: %w", err)
	}
	return nil
}

func (h *History) Close() {
	if h.pool != nil {
		h.pool.Close()
	}
}

// Record upserts a terminal job. Re-recording the same id (redelivered job,
// retried archive) overwrites with the latest outcome.
func (h *History) Record(ctx context.Context, job *models.Job) error {
	finished := time.Now().UTC()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	_, err := h.pool.Exec(ctx, `
		INSERT INTO job_history (id, category, dedup_key, state, attempts, last_error, payload, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    attempts = EXCLUDED.attempts,
		    last_error = EXCLUDED.last_error,
		    finished_at = EXCLUDED.finished_at
	`, job.ID, string(job.Category), emptyToNil(job.DedupKey), job.State, job.Attempts,
		emptyToNil(job.LastError), []byte(job.Payload), job.CreatedAt, finished)
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	return nil
}

// ListFailed returns archived permanently-failed jobs for a category, newest
// first.
func (h *History) ListFailed(ctx context.Context, category models.Category, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.pool.Query(ctx, `
		SELECT id, category, COALESCE(dedup_key, ''), state, attempts, COALESCE(last_error, ''), payload, created_at, finished_at
		FROM job_history
		WHERE category = $1 AND state = $2
		ORDER BY finished_at DESC
		LIMIT $3
	`, string(category), models.StateFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		var category string
		var finished time.Time
		if err := rows.Scan(&job.ID, &category, &job.DedupKey, &job.State, &job.Attempts,
			&job.LastError, &job.Payload, &job.CreatedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan job history row: %w", err)
		}
		job.Category = models.Category(category)
		job.FinishedAt = &finished
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("iterate job history: %w", err)
	}
	return jobs, nil
}

// Purge deletes archive rows whose jobs finished before the cutoff and
// returns how many were removed.
func (h *History) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := h.pool.Exec(ctx, `
		DELETE FROM job_history WHERE finished_at < $1
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge job history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
