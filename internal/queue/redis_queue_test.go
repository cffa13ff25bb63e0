package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bookmark-core/internal/models"
)

func newTestQueue(t *testing.T, opts Options) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, opts)
}

func TestEnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	job, existing, err := q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{"url":"https://example.com"}`), EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if existing {
		t.Fatalf("fresh enqueue reported as existing")
	}
	if job.State != models.StateWaiting {
		t.Fatalf("expected waiting state got %s", job.State)
	}

	claimed, err := q.Claim(ctx, models.CategorySnapshot)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected to claim %s got %+v", job.ID, claimed)
	}
	if claimed.State != models.StateActive || claimed.Attempts != 1 {
		t.Fatalf("expected active attempt 1 got state=%s attempts=%d", claimed.State, claimed.Attempts)
	}

	// Nothing else ready.
	again, err := q.Claim(ctx, models.CategorySnapshot)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("expected empty claim got %+v", again)
	}
}

func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})
	opts := EnqueueOptions{DedupKey: "snapshot-42"}

	first, _, err := q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{}`), opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	second, existing, err := q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{"other":true}`), opts)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if !existing {
		t.Fatalf("expected duplicate to be reported")
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing job %s got %s", first.ID, second.ID)
	}

	stats, err := q.GetStats(ctx, models.CategorySnapshot)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("expected 1 waiting job got %d", stats.Waiting)
	}

	// Dedup holds while the job is active too.
	if _, err := q.Claim(ctx, models.CategorySnapshot); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, existing, err = q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{}`), opts)
	if err != nil {
		t.Fatalf("enqueue while active: %v", err)
	}
	if !existing {
		t.Fatalf("dedup released while job still active")
	}

	// Completion releases the key, so a fresh submission is admitted.
	if err := q.Complete(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	fresh, existing, err := q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{}`), opts)
	if err != nil {
		t.Fatalf("enqueue after complete: %v", err)
	}
	if existing {
		t.Fatalf("expected fresh job after completion")
	}
	if fresh.ID == first.ID {
		t.Fatalf("expected a new job id")
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	low, _, err := q.Enqueue(ctx, models.CategoryIndex, json.RawMessage(`{}`), EnqueueOptions{Priority: models.PriorityLow})
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	normal, _, err := q.Enqueue(ctx, models.CategoryIndex, json.RawMessage(`{}`), EnqueueOptions{Priority: models.PriorityNormal})
	if err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	high, _, err := q.Enqueue(ctx, models.CategoryIndex, json.RawMessage(`{}`), EnqueueOptions{Priority: models.PriorityHigh})
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	want := []string{high.ID, normal.ID, low.ID}
	for i, id := range want {
		claimed, err := q.Claim(ctx, models.CategoryIndex)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if claimed == nil || claimed.ID != id {
			t.Fatalf("claim %d: expected %s got %+v", i, id, claimed)
		}
	}
}

func TestClaimFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	var ids []string
	for i := 0; i < 3; i++ {
		job, _, err := q.Enqueue(ctx, models.CategoryReminder, json.RawMessage(`{}`), EnqueueOptions{})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, job.ID)
	}
	for i, id := range ids {
		claimed, err := q.Claim(ctx, models.CategoryReminder)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if claimed.ID != id {
			t.Fatalf("claim %d out of order: expected %s got %s", i, id, claimed.ID)
		}
	}
}

func TestDelayedPromotion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	job, _, err := q.Enqueue(ctx, models.CategoryReminder, json.RawMessage(`{}`), EnqueueOptions{Delay: time.Minute})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.State != models.StateDelayed {
		t.Fatalf("expected delayed state got %s", job.State)
	}

	claimed, err := q.Claim(ctx, models.CategoryReminder)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("delayed job claimable before ready time")
	}

	// Before the ready time nothing promotes.
	n, err := q.PromoteDue(ctx, models.CategoryReminder, time.Now(), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no promotion got %d", n)
	}

	n, err = q.PromoteDue(ctx, models.CategoryReminder, time.Now().Add(2*time.Minute), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion got %d", n)
	}

	claimed, err = q.Claim(ctx, models.CategoryReminder)
	if err != nil {
		t.Fatalf("claim after promote: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected promoted job got %+v", claimed)
	}
}

func TestFailRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	job, _, err := q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{}`), EnqueueOptions{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempt 1 fails: job returns to delayed with the base backoff.
	if _, err := q.Claim(ctx, models.CategorySnapshot); err != nil {
		t.Fatalf("claim: %v", err)
	}
	retried, err := q.Fail(ctx, job.ID, errors.New("fetch timeout"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !retried {
		t.Fatalf("expected retry on first failure")
	}
	after, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if after.State != models.StateDelayed {
		t.Fatalf("expected delayed got %s", after.State)
	}
	if after.LastError != "fetch timeout" {
		t.Fatalf("expected last error recorded got %q", after.LastError)
	}
	firstDelay := time.Until(after.ReadyAt)
	if firstDelay < time.Second || firstDelay > 3*time.Second {
		t.Fatalf("expected roughly 2s backoff got %s", firstDelay)
	}

	// Attempt 2 fails: backoff doubles.
	if _, err := q.PromoteDue(ctx, models.CategorySnapshot, after.ReadyAt.Add(time.Second), 100); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := q.Claim(ctx, models.CategorySnapshot); err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if _, err := q.Fail(ctx, job.ID, errors.New("fetch timeout")); err != nil {
		t.Fatalf("fail 2: %v", err)
	}
	after, _ = q.GetJob(ctx, job.ID)
	secondDelay := time.Until(after.ReadyAt)
	if secondDelay < 3*time.Second || secondDelay > 5*time.Second {
		t.Fatalf("expected roughly 4s backoff got %s", secondDelay)
	}

	// Attempt 3 exhausts the ceiling.
	if _, err := q.PromoteDue(ctx, models.CategorySnapshot, after.ReadyAt.Add(time.Second), 100); err != nil {
		t.Fatalf("promote 2: %v", err)
	}
	if _, err := q.Claim(ctx, models.CategorySnapshot); err != nil {
		t.Fatalf("claim 3: %v", err)
	}
	retried, err = q.Fail(ctx, job.ID, errors.New("fetch timeout"))
	if err != nil {
		t.Fatalf("fail 3: %v", err)
	}
	if retried {
		t.Fatalf("expected permanent failure after max attempts")
	}
	after, _ = q.GetJob(ctx, job.ID)
	if after.State != models.StateFailed || after.Attempts != 3 {
		t.Fatalf("expected failed after 3 attempts got state=%s attempts=%d", after.State, after.Attempts)
	}

	failed, err := q.ListFailed(ctx, models.CategorySnapshot, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != job.ID {
		t.Fatalf("expected failed listing to hold the job")
	}
}

func TestBackoffCap(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{BackoffCap: 3 * time.Second})

	job, _, err := q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{}`), EnqueueOptions{
		MaxAttempts: 10,
		BackoffBase: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Claim(ctx, models.CategorySnapshot); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if _, err := q.Fail(ctx, job.ID, errors.New("boom")); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		after, _ := q.GetJob(ctx, job.ID)
		if _, err := q.PromoteDue(ctx, models.CategorySnapshot, after.ReadyAt.Add(time.Second), 100); err != nil {
			t.Fatalf("promote %d: %v", i, err)
		}
	}
	after, _ := q.GetJob(ctx, job.ID)
	// Third failure would want 8s; the cap holds it to 3s.
	delay := time.Until(after.ReadyAt)
	if delay > 4*time.Second {
		t.Fatalf("expected capped backoff got %s", delay)
	}
}

func TestReclaimExpired(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{VisibilityTimeout: 50 * time.Millisecond})

	job, _, err := q.Enqueue(ctx, models.CategoryIndex, json.RawMessage(`{}`), EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, models.CategoryIndex)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("expected attempt 1 got %d", claimed.Attempts)
	}

	// Deadline not passed yet: nothing to reclaim.
	ids, err := q.ReclaimExpired(ctx, models.CategoryIndex, time.Now(), 100)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("reclaimed before deadline: %v", ids)
	}

	ids, err = q.ReclaimExpired(ctx, models.CategoryIndex, time.Now().Add(time.Second), 100)
	if err != nil {
		t.Fatalf("reclaim after deadline: %v", err)
	}
	if len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("expected job reclaimed got %v", ids)
	}

	// Redelivery: attempts count handler failures, not lost workers.
	reclaimed, err := q.Claim(ctx, models.CategoryIndex)
	if err != nil {
		t.Fatalf("claim reclaimed: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("expected reclaimed job got %+v", reclaimed)
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("expected attempt 2 on redelivery got %d", reclaimed.Attempts)
	}
}

func TestRemoveCancelsPending(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	job, _, err := q.Enqueue(ctx, models.CategoryMaintenance, json.RawMessage(`{}`), EnqueueOptions{DedupKey: "purge"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Remove(ctx, job.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := q.GetJob(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected job gone got %v", err)
	}
	if claimed, _ := q.Claim(ctx, models.CategoryMaintenance); claimed != nil {
		t.Fatalf("removed job still claimable")
	}

	// Removal releases the dedup key.
	_, existing, err := q.Enqueue(ctx, models.CategoryMaintenance, json.RawMessage(`{}`), EnqueueOptions{DedupKey: "purge"})
	if err != nil {
		t.Fatalf("enqueue after remove: %v", err)
	}
	if existing {
		t.Fatalf("dedup key survived removal")
	}

	if err := q.Remove(ctx, "no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, _, err := q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{}`), EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Pause(ctx, models.CategorySnapshot); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, err := q.IsPaused(ctx, models.CategorySnapshot)
	if err != nil || !paused {
		t.Fatalf("expected paused got %v err=%v", paused, err)
	}

	// Other categories are unaffected.
	paused, _ = q.IsPaused(ctx, models.CategoryIndex)
	if paused {
		t.Fatalf("pause leaked across categories")
	}

	if err := q.Resume(ctx, models.CategorySnapshot); err != nil {
		t.Fatalf("resume: %v", err)
	}
	paused, _ = q.IsPaused(ctx, models.CategorySnapshot)
	if paused {
		t.Fatalf("expected resumed")
	}
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	a, _, _ := q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{}`), EnqueueOptions{})
	q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{}`), EnqueueOptions{})
	q.Enqueue(ctx, models.CategorySnapshot, json.RawMessage(`{}`), EnqueueOptions{Delay: time.Hour})

	if _, err := q.Claim(ctx, models.CategorySnapshot); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Complete(ctx, a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := q.GetStats(ctx, models.CategorySnapshot)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1 || stats.Delayed != 1 || stats.Active != 0 || stats.Completed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Total != 3 {
		t.Fatalf("expected total 3 got %d", stats.Total)
	}
}

func TestEnqueueRejectsUnknownCategory(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})
	if _, _, err := q.Enqueue(ctx, models.Category("bogus"), json.RawMessage(`{}`), EnqueueOptions{}); err == nil {
		t.Fatalf("expected error for unknown category")
	}
}
