package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category routes a job to its queue and handler.
type Category string

const (
	CategorySnapshot    Category = "snapshot"
	CategoryIndex       Category = "index"
	CategoryMaintenance Category = "maintenance"
	CategoryReminder    Category = "reminder"
)

// Categories lists every known category in a stable order.
var Categories = []Category{CategorySnapshot, CategoryIndex, CategoryMaintenance, CategoryReminder}

// Valid reports whether the category is one of the known work categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Priority tiers. Lower value is served first.
const (
	PriorityHigh   = 0
	PriorityNormal = 1
	PriorityLow    = 2
)

// JobState enumerates the job lifecycle persisted in the broker.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is the envelope for a unit of deferred work. The payload is opaque to
// the scheduler; only the envelope fields drive queueing decisions.
type Job struct {
	ID          string          `json:"id"`
	Category    Category        `json:"category"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base"`
	State       string          `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ReadyAt     time.Time       `json:"ready_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// MarshalJSON encodes BackoffBase as a duration string ("5s", "2m0s") so API
// responses and stored bodies stay readable instead of raw nanoseconds.
func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	return json.Marshal(struct {
		alias
		BackoffBase string `json:"backoff_base"`
	}{alias: alias(j), BackoffBase: j.BackoffBase.String()})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	aux := struct {
		*alias
		BackoffBase string `json:"backoff_base"`
	}{alias: (*alias)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.BackoffBase == "" {
		j.BackoffBase = 0
		return nil
	}
	d, err := time.ParseDuration(aux.BackoffBase)
	if err != nil {
		return fmt.Errorf("parse backoff_base: %w", err)
	}
	j.BackoffBase = d
	return nil
}

// Terminal reports whether the job reached a state with no further transitions.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// RetryDelay computes the exponential backoff applied before the next attempt:
// base, 2*base, 4*base, ... for attempts 1, 2, 3, ... A cap of zero means uncapped.
func (j *Job) RetryDelay(cap time.Duration) time.Duration {
	delay := j.BackoffBase
	for i := 1; i < j.Attempts; i++ {
		delay *= 2
		if cap > 0 && delay >= cap {
			return cap
		}
	}
	if cap > 0 && delay > cap {
		delay = cap
	}
	return delay
}
