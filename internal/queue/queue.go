package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bookmark-core/internal/models"
)

// Broker failure and lookup sentinels. Callers decide fail-open vs fail-closed.
var (
	// ErrBrokerUnavailable wraps connectivity failures talking to the broker.
	// Enqueue and claim surface it fast instead of blocking.
	ErrBrokerUnavailable = errors.New("job broker unavailable")

	// ErrJobNotFound is returned when a job id resolves to nothing.
	ErrJobNotFound = errors.New("job not found")
)

// EnqueueOptions tune a single submission.
type EnqueueOptions struct {
	// Priority tier; defaults to models.PriorityNormal.
	Priority int
	// DedupKey guards against a second non-terminal job for the same logical
	// target. Empty disables deduplication for this job.
	DedupKey string
	// Delay defers the first attempt; the job is admitted in the delayed state.
	Delay time.Duration
	// MaxAttempts overrides the category ceiling when positive.
	MaxAttempts int
	// BackoffBase overrides the category retry base delay when positive.
	BackoffBase time.Duration
}

// Stats is the per-category observable queue state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// JobQueue is the broker-facing queue contract. It exists so the Redis broker
// is swappable and failure modes can be simulated in tests.
type JobQueue interface {
	// Enqueue admits a job, or returns the existing non-terminal job holding
	// the dedup key with existing=true.
	Enqueue(ctx context.Context, category models.Category, payload json.RawMessage, opts EnqueueOptions) (job *models.Job, existing bool, err error)
	Claim(ctx context.Context, category models.Category) (*models.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, jobErr error) (retried bool, err error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	Remove(ctx context.Context, jobID string) error
	PromoteDue(ctx context.Context, category models.Category, now time.Time, limit int64) (int, error)
	ReclaimExpired(ctx context.Context, category models.Category, now time.Time, limit int64) ([]string, error)
	GetStats(ctx context.Context, category models.Category) (Stats, error)
	ListFailed(ctx context.Context, category models.Category, limit int64) ([]*models.Job, error)
	Pause(ctx context.Context, category models.Category) error
	Resume(ctx context.Context, category models.Category) error
	IsPaused(ctx context.Context, category models.Category) (bool, error)
}
