package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bookmark-core/internal/models"
)

// IndexPayload is the envelope payload for index jobs.
type IndexPayload struct {
	BookmarkID string `json:"bookmark_id"`
	OwnerID    string `json:"owner_id"`
}

// IndexHandler records a bookmark's index membership. The content indexer
// itself is an external collaborator; the scheduler only stamps when the
// bookmark last entered the index pipeline. The write is a keyed upsert, so
// redelivery is harmless.
type IndexHandler struct {
	client *redis.Client
}

func NewIndexHandler(client *redis.Client) *IndexHandler {
	return &IndexHandler{client: client}
}

func (h *IndexHandler) Handle(ctx context.Context, job *models.Job) (*Result, error) {
	var payload IndexPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode index payload: %w", err)
	}
	if payload.BookmarkID == "" {
		return nil, fmt.Errorf("index payload missing bookmark_id")
	}

	now := time.Now().UTC()
	if err := h.client.HSet(ctx, "search:indexed", payload.BookmarkID, now.Format(time.RFC3339)).Err(); err != nil {
		return nil, fmt.Errorf("record index membership: %w", err)
	}

	eventPayload, _ := json.Marshal(map[string]any{"indexed_at": now})
	return &Result{
		Events: []models.ChangeEvent{{
			EntityType: "bookmark",
			EntityID:   payload.BookmarkID,
			Operation:  models.OpUpdate,
			OwnerID:    payload.OwnerID,
			Payload:    eventPayload,
		}},
	}, nil
}
