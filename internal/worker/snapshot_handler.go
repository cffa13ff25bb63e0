package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"bookmark-core/internal/artifact"
	"bookmark-core/internal/models"
	"bookmark-core/internal/queue"
)

const maxSnapshotBytes = 16 << 20 // 16 MiB

// SnapshotPayload is the envelope payload for snapshot jobs.
type SnapshotPayload struct {
	BookmarkID     string `json:"bookmark_id"`
	URL            string `json:"url"`
	OwnerID        string `json:"owner_id"`
	OriginDeviceID string `json:"origin_device_id,omitempty"`
}

// SnapshotHandler fetches a bookmarked page and archives the raw response
// body. Parsing, rendering, and duplicate detection live elsewhere; this
// handler only moves bytes. Re-runs overwrite the same archive key, so
// redelivery is harmless.
type SnapshotHandler struct {
	httpClient *http.Client
	artifacts  artifact.Uploader
}

func NewSnapshotHandler(artifacts artifact.Uploader, fetchTimeout time.Duration) *SnapshotHandler {
	if fetchTimeout == 0 {
		fetchTimeout = 30 * time.Second
	}
	return &SnapshotHandler{
		httpClient: &http.Client{Timeout: fetchTimeout},
		artifacts:  artifacts,
	}
}

func (h *SnapshotHandler) Handle(ctx context.Context, job *models.Job) (*Result, error) {
	var payload SnapshotPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}
	if payload.BookmarkID == "" || payload.URL == "" {
		return nil, fmt.Errorf("snapshot payload missing bookmark_id or url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", payload.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", payload.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", payload.URL, err)
	}

	key := "snapshots/" + payload.BookmarkID
	location, err := h.artifacts.Upload(ctx, key, body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	eventPayload, _ := json.Marshal(map[string]string{"snapshot_key": location})
	indexPayload, _ := json.Marshal(IndexPayload{
		BookmarkID: payload.BookmarkID,
		OwnerID:    payload.OwnerID,
	})

	return &Result{
		Events: []models.ChangeEvent{{
			EntityType:     "bookmark",
			EntityID:       payload.BookmarkID,
			Operation:      models.OpUpdate,
			OwnerID:        payload.OwnerID,
			OriginDeviceID: payload.OriginDeviceID,
			Payload:        eventPayload,
		}},
		FollowOn: []FollowOn{{
			Category: models.CategoryIndex,
			Payload:  indexPayload,
			// Keyed by the downstream target: re-running a snapshot cannot
			// double-enqueue indexing for the same bookmark.
			Opts: queue.EnqueueOptions{DedupKey: "index-" + payload.BookmarkID},
		}},
	}, nil
}
