package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"bookmark-core/internal/models"
)

// ReminderPayload is the envelope payload for reminder jobs, enqueued with a
// delay equal to the time left until the reminder is due.
type ReminderPayload struct {
	ReminderID string `json:"reminder_id"`
	BookmarkID string `json:"bookmark_id"`
	OwnerID    string `json:"owner_id"`
}

// ReminderHandler fires a due reminder by pushing a change event to the
// owner's live devices. Reminder state lives with the CRUD layer; firing is
// pure fan-out.
type ReminderHandler struct{}

func NewReminderHandler() *ReminderHandler { return &ReminderHandler{} }

func (h *ReminderHandler) Handle(_ context.Context, job *models.Job) (*Result, error) {
	var payload ReminderPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode reminder payload: %w", err)
	}
	if payload.ReminderID == "" || payload.OwnerID == "" {
		return nil, fmt.Errorf("reminder payload missing reminder_id or owner_id")
	}

	eventPayload, _ := json.Marshal(map[string]string{
		"bookmark_id": payload.BookmarkID,
		"status":      "fired",
	})
	return &Result{
		Events: []models.ChangeEvent{{
			EntityType: "reminder",
			EntityID:   payload.ReminderID,
			Operation:  models.OpUpdate,
			OwnerID:    payload.OwnerID,
			Payload:    eventPayload,
		}},
	}, nil
}
