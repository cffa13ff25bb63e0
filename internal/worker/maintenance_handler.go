package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bookmark-core/internal/models"
)

// MaintenancePayload selects the sweep to run.
type MaintenancePayload struct {
	Task string `json:"task"`
	// OlderThan bounds history purges, e.g. "720h". Empty takes the default.
	OlderThan string `json:"older_than,omitempty"`
}

const defaultHistoryRetention = 30 * 24 * time.Hour

// HistoryPurger is the slice of the archive store maintenance needs.
type HistoryPurger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MaintenanceHandler runs periodic sweeps. Maintenance work is cheap and
// idempotent, which is why its category runs with a lower attempt ceiling.
type MaintenanceHandler struct {
	history HistoryPurger
	logger  *zap.Logger
}

func NewMaintenanceHandler(history HistoryPurger, logger *zap.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{history: history, logger: logger}
}

func (h *MaintenanceHandler) Handle(ctx context.Context, job *models.Job) (*Result, error) {
	var payload MaintenancePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode maintenance payload: %w", err)
	}

	switch payload.Task {
	case "purge_history", "":
		if h.history == nil {
			h.logger.Debug("history archive disabled, nothing to purge")
			return nil, nil
		}
		olderThan := defaultHistoryRetention
		if payload.OlderThan != "" {
			d, err := time.ParseDuration(payload.OlderThan)
			if err != nil {
				return nil, fmt.Errorf("parse older_than: %w", err)
			}
			olderThan = d
		}
		purged, err := h.history.Purge(ctx, olderThan)
		if err != nil {
			return nil, fmt.Errorf("purge job history: %w", err)
		}
		h.logger.Info("purged job history", zap.Int64("rows", purged))
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown maintenance task %q", payload.Task)
	}
}
