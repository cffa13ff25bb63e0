package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration, loaded from the environment.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// MetricsAddr is the worker process's standalone /metrics listener; the
	// API process serves metrics on its main router instead.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Optional. When empty the job history archive is disabled.
	PostgresDSN string `env:"POSTGRES_DSN"`

	TokenSecret string `env:"TOKEN_SECRET" envDefault:"dev-secret-change-me"`

	HeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	SendBuffer        int           `env:"WS_SEND_BUFFER" envDefault:"64"`

	VisibilityTimeout time.Duration `env:"JOB_VISIBILITY_TIMEOUT" envDefault:"60s"`
	PollInterval      time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"1s"`
	BackoffBase       time.Duration `env:"JOB_BACKOFF_BASE" envDefault:"5s"`
	BackoffCap        time.Duration `env:"JOB_BACKOFF_CAP" envDefault:"10m"`

	SnapshotConcurrency    int `env:"SNAPSHOT_CONCURRENCY" envDefault:"2"`
	IndexConcurrency       int `env:"INDEX_CONCURRENCY" envDefault:"2"`
	MaintenanceConcurrency int `env:"MAINTENANCE_CONCURRENCY" envDefault:"1"`
	ReminderConcurrency    int `env:"REMINDER_CONCURRENCY" envDefault:"1"`

	SnapshotFetchTimeout time.Duration `env:"SNAPSHOT_FETCH_TIMEOUT" envDefault:"30s"`

	// Snapshot artifacts go to S3 when a bucket is configured, otherwise
	// to ArtifactDir on local disk.
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3PathStyle bool   `env:"S3_PATH_STYLE" envDefault:"false"`
	ArtifactDir string `env:"ARTIFACT_DIR" envDefault:"./artifacts"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"60"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SECOND" envDefault:"1"`

	CompletedRetention time.Duration `env:"COMPLETED_RETENTION" envDefault:"24h"`
	FailedRetention    time.Duration `env:"FAILED_RETENTION" envDefault:"168h"`

	DrainTimeout time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Production reports whether the process runs with production settings.
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}
