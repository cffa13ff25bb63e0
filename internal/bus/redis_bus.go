package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bookmark-core/internal/models"
)

// RedisBus implements EventChannel on Redis pub/sub, one channel per owner.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
	buffer int
}

// NewRedisBus wraps an existing Redis client. buffer bounds each subscriber's
// event channel; zero means 16.
func NewRedisBus(client *redis.Client, logger *zap.Logger, buffer int) *RedisBus {
	if buffer <= 0 {
		buffer = 16
	}
	return &RedisBus{client: client, logger: logger, buffer: buffer}
}

// Publish broadcasts the event on the owner's channel. Subscriber count is
// irrelevant: zero listeners means the event is dropped, by design.
func (b *RedisBus) Publish(ctx context.Context, event models.ChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := b.client.Publish(ctx, UserChannel(event.OwnerID), body).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe opens the user's channel and decodes events until cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, userID string) (<-chan models.ChangeEvent, func(), error) {
	sub := b.client.Subscribe(ctx, UserChannel(userID))
	// Force the SUBSCRIBE round-trip so connection errors surface here, not
	// silently inside the reader goroutine.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", UserChannel(userID), err)
	}

	events := make(chan models.ChangeEvent, b.buffer)
	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = sub.Close() })
	}

	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var event models.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("dropping malformed change event",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			select {
			case events <- event:
			default:
				// Events are refresh hints; a saturated subscriber loses
				// this one rather than stalling the reader.
				b.logger.Warn("subscriber buffer full, dropping change event",
					zap.String("channel", msg.Channel))
			}
		}
	}()

	return events, cancel, nil
}
