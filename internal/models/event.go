package models

import (
	"encoding/json"
	"time"
)

// Operation describes the kind of mutation behind a ChangeEvent.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent is an immutable fact describing a single entity mutation. It is
// published once on the owner's channel and never mutated afterwards. Consumers
// treat it as a hint to refresh, not an authoritative diff.
type ChangeEvent struct {
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Operation      Operation       `json:"operation"`
	OwnerID        string          `json:"owner_id"`
	OriginDeviceID string          `json:"origin_device_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}
