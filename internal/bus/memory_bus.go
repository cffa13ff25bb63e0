package bus

import (
	"context"
	"sync"

	"bookmark-core/internal/models"
)

// MemoryBus is an in-process EventChannel used by tests and single-binary
// development runs. Semantics match RedisBus: at-most-once, no replay.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan models.ChangeEvent]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan models.ChangeEvent]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, event models.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[event.OwnerID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, userID string) (<-chan models.ChangeEvent, func(), error) {
	ch := make(chan models.ChangeEvent, 16)

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan models.ChangeEvent]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], ch)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// SubscriberCount reports live subscriptions for a user; tests use it to
// assert subscription release.
func (b *MemoryBus) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}
