package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bookmark-core/internal/models"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 5 * time.Second
)

// Options tune broker-side behavior shared by every category.
type Options struct {
	VisibilityTimeout  time.Duration
	BackoffCap         time.Duration
	CompletedRetention time.Duration
	CompletedKeep      int64
	FailedRetention    time.Duration
}

// RedisQueue implements JobQueue on Redis lists and sorted sets. Per category it
// keeps one ready list per priority tier, a delayed zset scored by ready-time,
// an active zset scored by visibility deadline, a dedup hash, and terminal-state
// zsets trimmed by the retention windows.
type RedisQueue struct {
	client             *redis.Client
	visibilityTTL      time.Duration
	backoffCap         time.Duration
	completedRetention time.Duration
	completedKeep      int64
	failedRetention    time.Duration
}

// NewRedisQueue wraps an existing Redis client. Zero option fields fall back to
// the defaults (30s visibility, 24h/1000 completed, 7d failed).
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.CompletedRetention == 0 {
		opts.CompletedRetention = 24 * time.Hour
	}
	if opts.CompletedKeep == 0 {
		opts.CompletedKeep = 1000
	}
	if opts.FailedRetention == 0 {
		opts.FailedRetention = 7 * 24 * time.Hour
	}
	return &RedisQueue{
		client:             client,
		visibilityTTL:      opts.VisibilityTimeout,
		backoffCap:         opts.BackoffCap,
		completedRetention: opts.CompletedRetention,
		completedKeep:      opts.CompletedKeep,
		failedRetention:    opts.FailedRetention,
	}
}

func readyKey(cat models.Category, priority int) string {
	return fmt.Sprintf("jobs:%s:ready:%d", cat, priority)
}

func delayedKey(cat models.Category) string    { return fmt.Sprintf("jobs:%s:delayed", cat) }
func activeKey(cat models.Category) string     { return fmt.Sprintf("jobs:%s:active", cat) }
func dedupIndexKey(cat models.Category) string { return fmt.Sprintf("jobs:%s:dedup", cat) }
func completedKey(cat models.Category) string  { return fmt.Sprintf("jobs:%s:completed", cat) }
func failedKey(cat models.Category) string     { return fmt.Sprintf("jobs:%s:failed", cat) }
func pausedKey(cat models.Category) string     { return fmt.Sprintf("jobs:%s:paused", cat) }
func jobKey(id string) string                  { return "jobs:job:" + id }

func brokerErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, op, err)
}

// enqueueScript admits a job unless a non-terminal job already holds the dedup
// key, in which case the existing job id is returned and nothing is written.
var enqueueScript = redis.NewScript(`
if ARGV[1] ~= '' then
  local existing = redis.call('HGET', KEYS[1], ARGV[1])
  if existing then return existing end
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
redis.call('SET', KEYS[2], ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
else
  redis.call('RPUSH', KEYS[4], ARGV[2])
end
return ''
`)

// claimScript pops the first ready job in priority order and records its
// visibility deadline in the active zset as one atomic step.
var claimScript = redis.NewScript(`
for i = 1, #KEYS - 1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', KEYS[#KEYS], ARGV[1], id)
    return id
  end
end
return false
`)

// Enqueue admits a job in waiting (or delayed) state. Submissions sharing a
// dedup key with a non-terminal job return that job unchanged.
func (q *RedisQueue) Enqueue(ctx context.Context, category models.Category, payload json.RawMessage, opts EnqueueOptions) (*models.Job, bool, error) {
	if !category.Valid() {
		return nil, false, fmt.Errorf("unknown category %q", category)
	}
	if opts.Priority < models.PriorityHigh || opts.Priority > models.PriorityLow {
		opts.Priority = models.PriorityNormal
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		Category:    category,
		DedupKey:    opts.DedupKey,
		Priority:    opts.Priority,
		Payload:     payload,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		State:       models.StateWaiting,
		CreatedAt:   now,
		ReadyAt:     now,
	}
	var readyAtMillis int64
	if opts.Delay > 0 {
		job.State = models.StateDelayed
		job.ReadyAt = now.Add(opts.Delay)
		readyAtMillis = job.ReadyAt.UnixMilli()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return nil, false, fmt.Errorf("marshal job: %w", err)
	}

	keys := []string{
		dedupIndexKey(category),
		jobKey(job.ID),
		delayedKey(category),
		readyKey(category, job.Priority),
	}
	res, err := enqueueScript.Run(ctx, q.client, keys, job.DedupKey, job.ID, body, readyAtMillis).Result()
	if err != nil {
		return nil, false, brokerErr("enqueue", err)
	}
	if existingID, ok := res.(string); ok && existingID != "" {
		// Idempotent submission: hand back the job already holding the key.
		existing, err := q.GetJob(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	return job, false, nil
}

// Claim atomically transitions the highest-priority ready job to active under a
// visibility timeout. It returns (nil, nil) when no job is ready.
func (q *RedisQueue) Claim(ctx context.Context, category models.Category) (*models.Job, error) {
	keys := []string{
		readyKey(category, models.PriorityHigh),
		readyKey(category, models.PriorityNormal),
		readyKey(category, models.PriorityLow),
		activeKey(category),
	}
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client, keys, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, brokerErr("claim", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}

	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// Body expired or was removed while queued; drop the stale entry.
		_ = q.client.ZRem(ctx, activeKey(category), id).Err()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	job.State = models.StateActive
	job.Attempts++
	job.StartedAt = &started
	if err := q.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks a job completed, releases its dedup key, and applies the
// completed-retention trim.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.State = models.StateCompleted
	job.FinishedAt = &now
	job.LastError = ""
	if err := q.saveJob(ctx, job, q.completedRetention); err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Category), job.ID)
	if job.DedupKey != "" {
		pipe.HDel(ctx, dedupIndexKey(job.Category), job.DedupKey)
	}
	key := completedKey(job.Category)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-q.completedRetention).UnixMilli()))
	pipe.ZRemRangeByRank(ctx, key, 0, -(q.completedKeep + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("complete", err)
	}
	return nil
}

// Fail records a handler failure. While attempts remain the job moves to
// delayed with exponential backoff and Fail reports retried=true; once the
// ceiling is hit the job is failed permanently and retained for diagnosis.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, jobErr error) (bool, error) {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if jobErr != nil {
		job.LastError = jobErr.Error()
	}

	if job.Attempts < job.MaxAttempts {
		delay := job.RetryDelay(q.backoffCap)
		job.State = models.StateDelayed
		job.ReadyAt = now.Add(delay)
		if err := q.saveJob(ctx, job, 0); err != nil {
			return false, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, activeKey(job.Category), job.ID)
		pipe.ZAdd(ctx, delayedKey(job.Category), redis.Z{Score: float64(job.ReadyAt.UnixMilli()), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, brokerErr("fail", err)
		}
		return true, nil
	}

	job.State = models.StateFailed
	job.FinishedAt = &now
	if err := q.saveJob(ctx, job, q.failedRetention); err != nil {
		return false, err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Category), job.ID)
	if job.DedupKey != "" {
		pipe.HDel(ctx, dedupIndexKey(job.Category), job.DedupKey)
	}
	key := failedKey(job.Category)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-q.failedRetention).UnixMilli()))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, brokerErr("fail", err)
	}
	return false, nil
}

// GetJob loads a job body by id.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	body, err := q.client.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, brokerErr("get job", err)
	}
	var job models.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// Remove deletes a job from every broker structure. Removing a non-terminal
// job cancels it without retry.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	for p := models.PriorityHigh; p <= models.PriorityLow; p++ {
		pipe.LRem(ctx, readyKey(job.Category, p), 0, job.ID)
	}
	pipe.ZRem(ctx, delayedKey(job.Category), job.ID)
	pipe.ZRem(ctx, activeKey(job.Category), job.ID)
	pipe.ZRem(ctx, completedKey(job.Category), job.ID)
	pipe.ZRem(ctx, failedKey(job.Category), job.ID)
	if job.DedupKey != "" {
		pipe.HDel(ctx, dedupIndexKey(job.Category), job.DedupKey)
	}
	pipe.Del(ctx, jobKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("remove", err)
	}
	return nil
}

// PromoteDue moves due delayed jobs into their priority's ready list and
// returns how many were promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context, category models.Category, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, delayedKey(category), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return 0, brokerErr("promote", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	promoted := 0
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			pipe.ZRem(ctx, delayedKey(category), id)
			continue
		}
		job.State = models.StateWaiting
		if err := q.saveJob(ctx, job, 0); err != nil {
			continue
		}
		pipe.ZRem(ctx, delayedKey(category), id)
		pipe.RPush(ctx, readyKey(category, job.Priority), id)
		promoted++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, brokerErr("promote", err)
	}
	return promoted, nil
}

// ReclaimExpired returns abandoned active jobs (visibility deadline passed
// without an ack) to their ready lists for another worker to claim. Attempts
// are left untouched; redelivery is not a handler failure.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, category models.Category, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, activeKey(category), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, brokerErr("reclaim", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	reclaimed := make([]string, 0, len(ids))
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			pipe.ZRem(ctx, activeKey(category), id)
			continue
		}
		job.State = models.StateWaiting
		job.StartedAt = nil
		if err := q.saveJob(ctx, job, 0); err != nil {
			continue
		}
		pipe.ZRem(ctx, activeKey(category), id)
		pipe.RPush(ctx, readyKey(category, job.Priority), id)
		reclaimed = append(reclaimed, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, brokerErr("reclaim", err)
	}
	return reclaimed, nil
}

// GetStats reports queue depths per lifecycle state.
func (q *RedisQueue) GetStats(ctx context.Context, category models.Category) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := make([]*redis.IntCmd, 0, 3)
	for p := models.PriorityHigh; p <= models.PriorityLow; p++ {
		ready = append(ready, pipe.LLen(ctx, readyKey(category, p)))
	}
	delayed := pipe.ZCard(ctx, delayedKey(category))
	active := pipe.ZCard(ctx, activeKey(category))
	completed := pipe.ZCard(ctx, completedKey(category))
	failed := pipe.ZCard(ctx, failedKey(category))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, brokerErr("stats", err)
	}

	var stats Stats
	for _, c := range ready {
		stats.Waiting += c.Val()
	}
	stats.Delayed = delayed.Val()
	stats.Active = active.Val()
	stats.Completed = completed.Val()
	stats.Failed = failed.Val()
	stats.Total = stats.Waiting + stats.Delayed + stats.Active + stats.Completed + stats.Failed
	return stats, nil
}

// ListFailed returns permanently failed jobs, newest first, for operator
// inspection.
func (q *RedisQueue) ListFailed(ctx context.Context, category models.Category, limit int64) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRevRange(ctx, failedKey(category), 0, limit-1).Result()
	if err != nil {
		return nil, brokerErr("list failed", err)
	}
	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Pause stops workers on every replica from claiming new jobs in the category.
// In-flight work is unaffected.
func (q *RedisQueue) Pause(ctx context.Context, category models.Category) error {
	if err := q.client.Set(ctx, pausedKey(category), "1", 0).Err(); err != nil {
		return brokerErr("pause", err)
	}
	return nil
}

// Resume lifts a pause.
func (q *RedisQueue) Resume(ctx context.Context, category models.Category) error {
	if err := q.client.Del(ctx, pausedKey(category)).Err(); err != nil {
		return brokerErr("resume", err)
	}
	return nil
}

// IsPaused reports the category's pause flag.
func (q *RedisQueue) IsPaused(ctx context.Context, category models.Category) (bool, error) {
	n, err := q.client.Exists(ctx, pausedKey(category)).Result()
	if err != nil {
		return false, brokerErr("is paused", err)
	}
	return n > 0, nil
}

func (q *RedisQueue) saveJob(ctx context.Context, job *models.Job, ttl time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.Set(ctx, jobKey(job.ID), body, ttl).Err(); err != nil {
		return brokerErr("save job", err)
	}
	return nil
}
