package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bookmark-core/internal/artifact"
	"bookmark-core/internal/bus"
	"bookmark-core/internal/config"
	"bookmark-core/internal/models"
	"bookmark-core/internal/queue"
	"bookmark-core/internal/scheduler"
	"bookmark-core/internal/store"
	"bookmark-core/internal/telemetry"
	"bookmark-core/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	defer client.Close()

	q := queue.NewRedisQueue(client, queue.Options{
		VisibilityTimeout:  cfg.VisibilityTimeout,
		BackoffCap:         cfg.BackoffCap,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
	})
	events := bus.NewRedisBus(client, logger, cfg.SendBuffer)

	var history *store.History
	if cfg.PostgresDSN != "" {
		history, err = store.NewHistory(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer history.Close()
	}

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		logger.Fatal("artifact store", zap.Error(err))
	}

	configs := map[models.Category]worker.CategoryConfig{}
	for cat, c := range scheduler.Defaults() {
		c.BackoffBase = cfg.BackoffBase
		c.PollInterval = cfg.PollInterval
		configs[cat] = c
	}
	applyConcurrency(configs, models.CategorySnapshot, cfg.SnapshotConcurrency)
	applyConcurrency(configs, models.CategoryIndex, cfg.IndexConcurrency)
	applyConcurrency(configs, models.CategoryMaintenance, cfg.MaintenanceConcurrency)
	applyConcurrency(configs, models.CategoryReminder, cfg.ReminderConcurrency)

	sup := scheduler.New(q, events, historyRecorder(history), configs, cfg.DrainTimeout, logger)
	sup.Register(models.CategorySnapshot, worker.NewSnapshotHandler(artifacts, cfg.SnapshotFetchTimeout).Handle)
	sup.Register(models.CategoryIndex, worker.NewIndexHandler(client).Handle)
	sup.Register(models.CategoryMaintenance, worker.NewMaintenanceHandler(historyPurger(history), logger).Handle)
	sup.Register(models.CategoryReminder, worker.NewReminderHandler().Handle)

	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()

	if err := sup.Start(ctx); err != nil {
		logger.Fatal("start supervisor", zap.Error(err))
	}
	logger.Info("worker running")

	<-ctx.Done()
	logger.Info("draining workers")
	if err := sup.Stop(); err != nil {
		logger.Warn("drain incomplete", zap.Error(err))
	}
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Uploader, error) {
	if cfg.S3Bucket != "" {
		return artifact.NewS3Store(ctx, artifact.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	}
	return artifact.NewDirStore(cfg.ArtifactDir), nil
}

func applyConcurrency(configs map[models.Category]worker.CategoryConfig, cat models.Category, n int) {
	if n <= 0 {
		return
	}
	c := configs[cat]
	c.Concurrency = n
	configs[cat] = c
}

// A nil *History inside a non-nil interface would dodge the pool's nil
// checks, so convert explicitly.
func historyRecorder(h *store.History) worker.HistoryRecorder {
	if h == nil {
		return nil
	}
	return h
}

func historyPurger(h *store.History) worker.HistoryPurger {
	if h == nil {
		return nil
	}
	return h
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
