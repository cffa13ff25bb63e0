// Package scheduler owns per-category queue policy and the lifecycle of the
// worker pools draining them.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bookmark-core/internal/bus"
	"bookmark-core/internal/models"
	"bookmark-core/internal/queue"
	"bookmark-core/internal/worker"
)

// Supervisor wires one pool per registered category, exposes aggregate
// statistics and pause/resume, and drains gracefully on shutdown.
type Supervisor struct {
	queue   queue.JobQueue
	events  bus.EventChannel
	history worker.HistoryRecorder
	logger  *zap.Logger

	configs      map[models.Category]worker.CategoryConfig
	drainTimeout time.Duration

	mu       sync.Mutex
	handlers map[models.Category]worker.Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a supervisor. history may be nil. Missing category configs take
// Defaults().
func New(q queue.JobQueue, events bus.EventChannel, history worker.HistoryRecorder,
	configs map[models.Category]worker.CategoryConfig, drainTimeout time.Duration, logger *zap.Logger) *Supervisor {
	merged := Defaults()
	for cat, cfg := range configs {
		merged[cat] = cfg
	}
	if drainTimeout == 0 {
		drainTimeout = 30 * time.Second
	}
	return &Supervisor{
		queue:        q,
		events:       events,
		history:      history,
		logger:       logger,
		configs:      merged,
		drainTimeout: drainTimeout,
		handlers:     make(map[models.Category]worker.Handler),
	}
}

// Defaults returns the stock per-category policy: network-bound snapshotting
// gets the most slots, maintenance sweeps a lower attempt ceiling.
func Defaults() map[models.Category]worker.CategoryConfig {
	return map[models.Category]worker.CategoryConfig{
		models.CategorySnapshot:    {Concurrency: 2, MaxAttempts: 3, BackoffBase: 5 * time.Second, PollInterval: time.Second},
		models.CategoryIndex:       {Concurrency: 2, MaxAttempts: 3, BackoffBase: 5 * time.Second, PollInterval: time.Second},
		models.CategoryMaintenance: {Concurrency: 1, MaxAttempts: 2, BackoffBase: 5 * time.Second, PollInterval: time.Second},
		models.CategoryReminder:    {Concurrency: 1, MaxAttempts: 3, BackoffBase: 5 * time.Second, PollInterval: time.Second},
	}
}

// Register binds the handler for a category. Must be called before Start.
func (s *Supervisor) Register(category models.Category, handler worker.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[category] = handler
}

// Start launches one pool per registered category.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}
	if s.cancel != nil {
		return fmt.Errorf("supervisor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	for category, handler := range s.handlers {
		pool := worker.NewPool(category, s.queue, s.events, handler, s.configs, s.history, s.logger)
		wg.Add(1)
		go func(cat models.Category, p *worker.Pool) {
			defer wg.Done()
			s.logger.Info("worker pool started",
				zap.String("category", string(cat)),
				zap.Int("concurrency", s.configs[cat].Concurrency))
			p.Run(runCtx)
			s.logger.Info("worker pool stopped", zap.String("category", string(cat)))
		}(category, pool)
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
	return nil
}

// Stop ends claiming immediately and waits for in-flight jobs up to the drain
// timeout; jobs still running after that are abandoned to the visibility
// timeout and redelivered elsewhere.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(s.drainTimeout):
		return fmt.Errorf("drain timed out after %s with jobs still in flight", s.drainTimeout)
	}
}

// Config reports the policy for a category, used to default enqueue options.
func (s *Supervisor) Config(category models.Category) worker.CategoryConfig {
	return s.configs[category]
}

// Stats aggregates queue statistics across every category.
func (s *Supervisor) Stats(ctx context.Context) (map[models.Category]queue.Stats, error) {
	out := make(map[models.Category]queue.Stats, len(models.Categories))
	for _, category := range models.Categories {
		stats, err := s.queue.GetStats(ctx, category)
		if err != nil {
			return nil, err
		}
		out[category] = stats
	}
	return out, nil
}

// Pause stops claiming for a category across all worker replicas.
func (s *Supervisor) Pause(ctx context.Context, category models.Category) error {
	return s.queue.Pause(ctx, category)
}

// Resume lifts a category pause.
func (s *Supervisor) Resume(ctx context.Context, category models.Category) error {
	return s.queue.Resume(ctx, category)
}
