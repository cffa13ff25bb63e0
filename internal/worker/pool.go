package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bookmark-core/internal/bus"
	"bookmark-core/internal/models"
	"bookmark-core/internal/queue"
	"bookmark-core/internal/telemetry"
)

// Handler executes one claimed job. A nil error acknowledges the job; the
// optional Result carries change events to publish and follow-on jobs to
// enqueue after the ack. Handlers must tolerate re-execution: a claimed job
// whose visibility timeout lapses is redelivered.
type Handler func(ctx context.Context, job *models.Job) (*Result, error)

// Result is the side output of a successful handler run.
type Result struct {
	Events   []models.ChangeEvent
	FollowOn []FollowOn
}

// FollowOn describes a job to enqueue once the current one completes, e.g.
// snapshot completion chaining an index job keyed by the same bookmark.
type FollowOn struct {
	Category models.Category
	Payload  json.RawMessage
	Opts     queue.EnqueueOptions
}

// CategoryConfig is the per-category scheduling policy owned by the supervisor.
type CategoryConfig struct {
	Concurrency  int
	MaxAttempts  int
	BackoffBase  time.Duration
	PollInterval time.Duration
}

// HistoryRecorder archives terminal jobs for diagnosis. Implementations are
// best-effort; the pool never fails a job over an archive error.
type HistoryRecorder interface {
	Record(ctx context.Context, job *models.Job) error
}

const reclaimBatch = 100

// Pool drains one category's queue with a bounded number of concurrent
// execution slots.
type Pool struct {
	category models.Category
	queue    queue.JobQueue
	events   bus.EventChannel
	handler  Handler
	history  HistoryRecorder
	configs  map[models.Category]CategoryConfig
	logger   *zap.Logger

	pollInterval time.Duration
	slots        chan struct{}
	wg           sync.WaitGroup
}

// NewPool builds a pool for category. configs supplies this category's policy
// and the defaults applied to follow-on jobs targeting other categories.
// history may be nil.
func NewPool(category models.Category, q queue.JobQueue, events bus.EventChannel, handler Handler,
	configs map[models.Category]CategoryConfig, history HistoryRecorder, logger *zap.Logger) *Pool {
	cfg := configs[category]
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		category:     category,
		queue:        q,
		events:       events,
		handler:      handler,
		history:      history,
		configs:      configs,
		logger:       logger.With(zap.String("category", string(category))),
		pollInterval: cfg.PollInterval,
		slots:        make(chan struct{}, cfg.Concurrency),
	}
}

// Run claims and executes jobs until the context is cancelled, then waits for
// in-flight work. Claiming suspends on an empty queue via the poll interval
// rather than spinning.
func (p *Pool) Run(ctx context.Context) {
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.housekeep(ctx)

		if paused, err := p.queue.IsPaused(ctx, p.category); err != nil || paused {
			p.idle(ctx)
			continue
		}

		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, err := p.queue.Claim(ctx, p.category)
		if err != nil {
			<-p.slots
			p.logger.Warn("claim failed", zap.Error(err))
			p.idle(ctx)
			continue
		}
		if job == nil {
			<-p.slots
			p.idle(ctx)
			continue
		}

		// Detached from the claim loop's cancellation: a job claimed before
		// shutdown still runs to completion and acks during the drain window.
		execCtx := context.WithoutCancel(ctx)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			p.execute(execCtx, job)
		}()
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

// housekeep promotes due delayed jobs and reclaims abandoned active ones.
func (p *Pool) housekeep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()
	if _, err := p.queue.PromoteDue(ctx, p.category, now, reclaimBatch); err != nil {
		p.logger.Warn("promote delayed jobs failed", zap.Error(err))
	}
	reclaimed, err := p.queue.ReclaimExpired(ctx, p.category, now, reclaimBatch)
	if err != nil {
		p.logger.Warn("reclaim expired jobs failed", zap.Error(err))
	} else if len(reclaimed) > 0 {
		telemetry.JobsReclaimed.WithLabelValues(string(p.category)).Add(float64(len(reclaimed)))
		p.logger.Info("reclaimed abandoned jobs", zap.Int("count", len(reclaimed)))
	}
	if stats, err := p.queue.GetStats(ctx, p.category); err == nil {
		telemetry.QueueDepth.WithLabelValues(string(p.category)).Set(float64(stats.Waiting))
	}
}

func (p *Pool) execute(ctx context.Context, job *models.Job) {
	label := string(p.category)
	telemetry.JobsInFlight.WithLabelValues(label).Inc()
	defer telemetry.JobsInFlight.WithLabelValues(label).Dec()

	result, err := p.safeHandle(ctx, job)
	if err == nil {
		if err := p.queue.Complete(ctx, job.ID); err != nil {
			// The ack failed; the visibility timeout will redeliver, and the
			// handler's idempotency absorbs the rerun.
			p.logger.Warn("completing job failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		telemetry.JobsCompleted.WithLabelValues(label).Inc()
		p.logger.Debug("job completed",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts))
		p.finish(ctx, job, result)
		return
	}

	retried, failErr := p.queue.Fail(ctx, job.ID, err)
	if failErr != nil {
		p.logger.Error("recording job failure failed",
			zap.String("job_id", job.ID),
			zap.NamedError("job_error", err),
			zap.Error(failErr))
		return
	}
	if retried {
		telemetry.JobsRetried.WithLabelValues(label).Inc()
		p.logger.Warn("job failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(err))
		return
	}

	telemetry.JobsFailed.WithLabelValues(label).Inc()
	p.logger.Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
	p.archive(ctx, job, models.StateFailed, err.Error())
}

// safeHandle shields the pool from handler panics; a panic counts as a
// handler failure.
func (p *Pool) safeHandle(ctx context.Context, job *models.Job) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// finish publishes the result's change events and enqueues follow-on jobs.
// Bus and enqueue failures are logged, never propagated: the job already
// completed.
func (p *Pool) finish(ctx context.Context, job *models.Job, result *Result) {
	p.archive(ctx, job, models.StateCompleted, "")
	if result == nil {
		return
	}
	for _, event := range result.Events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		if err := p.events.Publish(ctx, event); err != nil {
			p.logger.Warn("publishing change event failed",
				zap.String("job_id", job.ID),
				zap.String("entity_id", event.EntityID),
				zap.Error(err))
			continue
		}
		telemetry.EventsPublished.Inc()
	}
	for _, follow := range result.FollowOn {
		opts := follow.Opts
		if cfg, ok := p.configs[follow.Category]; ok {
			if opts.MaxAttempts == 0 {
				opts.MaxAttempts = cfg.MaxAttempts
			}
			if opts.BackoffBase == 0 {
				opts.BackoffBase = cfg.BackoffBase
			}
		}
		if _, _, err := p.queue.Enqueue(ctx, follow.Category, follow.Payload, opts); err != nil {
			p.logger.Warn("enqueueing follow-on job failed",
				zap.String("job_id", job.ID),
				zap.String("follow_on", string(follow.Category)),
				zap.Error(err))
		}
	}
}

func (p *Pool) archive(ctx context.Context, job *models.Job, state, lastError string) {
	if p.history == nil {
		return
	}
	archived := *job
	archived.State = state
	archived.LastError = lastError
	now := time.Now().UTC()
	archived.FinishedAt = &now
	if err := p.history.Record(ctx, &archived); err != nil {
		p.logger.Warn("archiving job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
