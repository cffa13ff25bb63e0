// Package bus carries change events from mutation sites to live subscribers.
// Delivery is fire-and-forget: there is no retained history, and an event
// published while a user has no subscription is simply lost.
package bus

import (
	"context"

	"bookmark-core/internal/models"
)

// EventChannel is the pub/sub contract for change fan-out. Implementations
// must deliver at-most-once with no replay.
type EventChannel interface {
	// Publish broadcasts the event on the owner's channel.
	Publish(ctx context.Context, event models.ChangeEvent) error

	// Subscribe opens a stream of the user's change events. The returned
	// cancel func releases the subscription and closes the channel; it is
	// safe to call more than once.
	Subscribe(ctx context.Context, userID string) (<-chan models.ChangeEvent, func(), error)
}

// UserChannel names the per-owner pub/sub channel.
func UserChannel(userID string) string {
	return "user:" + userID
}
