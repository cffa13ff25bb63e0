package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bookmark-core/internal/api"
	"bookmark-core/internal/bus"
	"bookmark-core/internal/config"
	"bookmark-core/internal/queue"
	"bookmark-core/internal/ratelimit"
	"bookmark-core/internal/realtime"
	"bookmark-core/internal/scheduler"
	"bookmark-core/internal/token"
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
	hub := realtime.NewHub(events, logger, realtime.HubOptions{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendBuffer:        cfg.SendBuffer,
	})
	hub.Start(ctx)
	defer hub.Stop()

	wsHandler := realtime.NewHandler(hub, token.NewSigner(cfg.TokenSecret), logger)

	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// The API process only consults per-category policy, it runs no pools.
	sup := scheduler.New(q, events, nil, nil, cfg.DrainTimeout, logger)

	server := api.New(q, sup, limiter, wsHandler, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
