package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bookmark-core/internal/bus"
	"bookmark-core/internal/models"
	"bookmark-core/internal/telemetry"
)

// Hub is the connection registry and fan-out point. It owns every Client for
// the client's lifetime, holds one bus subscription per user with at least one
// live connection, and relays each change event to all of the owner's
// connections except the one that originated the mutation.
//
// The registry is per-process: a user connected to another replica is not
// visible here.
type Hub struct {
	events            bus.EventChannel
	logger            *zap.Logger
	heartbeatInterval time.Duration
	sendBuffer        int

	mu    sync.RWMutex
	users map[string]*userEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type userEntry struct {
	clients     map[*Client]struct{}
	unsubscribe func()
}

// HubOptions tune the hub; zero values take the defaults (30s heartbeat,
// 32-message send buffer).
type HubOptions struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
}

func NewHub(events bus.EventChannel, logger *zap.Logger, opts HubOptions) *Hub {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SendBuffer == 0 {
		opts.SendBuffer = 32
	}
	return &Hub{
		events:            events,
		logger:            logger,
		heartbeatInterval: opts.HeartbeatInterval,
		sendBuffer:        opts.SendBuffer,
		users:             make(map[string]*userEntry),
	}
}

// Start launches the heartbeat loop. The hub is usable for registration before
// Start, but liveness eviction only runs after it.
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.heartbeatLoop()
}

// Stop terminates every connection and waits for the heartbeat loop.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	clients := make([]*Client, 0)
	for _, entry := range h.users {
		for c := range entry.clients {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
		c.closeTransport()
	}
	h.wg.Wait()
}

// Register adds an authenticated connection to its user's set, opening the
// user's change subscription when this is the first connection.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	entry, ok := h.users[c.userID]
	if !ok {
		ctx := h.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		events, unsubscribe, err := h.events.Subscribe(ctx, c.userID)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		entry = &userEntry{clients: make(map[*Client]struct{}), unsubscribe: unsubscribe}
		h.users[c.userID] = entry
		h.wg.Add(1)
		go h.relay(events)
	}
	entry.clients[c] = struct{}{}
	h.mu.Unlock()

	telemetry.Connections.Inc()
	h.logger.Info("connection registered",
		zap.String("user_id", c.userID),
		zap.String("device_id", c.deviceID))
	return nil
}

// Unregister removes a connection, closing its send channel; when the user's
// set becomes empty the per-user subscription is released. Safe to call more
// than once.
func (h *Hub) Unregister(c *Client) {
	c.unregOnce.Do(func() {
		h.mu.Lock()
		entry, ok := h.users[c.userID]
		if ok {
			delete(entry.clients, c)
			if len(entry.clients) == 0 {
				entry.unsubscribe()
				delete(h.users, c.userID)
			}
		}
		h.mu.Unlock()
		c.closeSend()

		telemetry.Connections.Dec()
		h.logger.Info("connection removed",
			zap.String("user_id", c.userID),
			zap.String("device_id", c.deviceID))
	})
}

// relay feeds one user's bus subscription into Deliver until the subscription
// is released.
func (h *Hub) relay(events <-chan models.ChangeEvent) {
	defer h.wg.Done()
	for event := range events {
		h.Deliver(event)
	}
}

// Deliver fans one change event out to every live connection of the owner,
// suppressing the echo to the originating device. A connection with a full
// send buffer loses the message; events are refresh hints, and a wedged client
// is reaped by the heartbeat.
func (h *Hub) Deliver(event models.ChangeEvent) {
	h.mu.RLock()
	entry, ok := h.users[event.OwnerID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(entry.clients))
	for c := range entry.clients {
		if event.OriginDeviceID != "" && c.deviceID == event.OriginDeviceID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	msg := mustEnvelope(TypeChange, event)
	for _, c := range targets {
		if c.enqueue(msg) {
			telemetry.EventsDelivered.Inc()
		} else {
			telemetry.EventsDropped.Inc()
			h.logger.Warn("send buffer full, dropping change message",
				zap.String("user_id", c.userID),
				zap.String("device_id", c.deviceID))
		}
	}
}

// heartbeatLoop pings all connections every interval. A connection that has
// produced no traffic since the previous tick is forcibly terminated, bounding
// the cost of half-open transports to two intervals.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	h.mu.RLock()
	clients := make([]*Client, 0)
	for _, entry := range h.users {
		for c := range entry.clients {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.alive.CompareAndSwap(true, false) {
			// Provisionally dead until the next pong (or any traffic).
			c.ping()
			continue
		}
		telemetry.ConnectionsEvicted.Inc()
		h.logger.Info("evicting unresponsive connection",
			zap.String("user_id", c.userID),
			zap.String("device_id", c.deviceID))
		h.Unregister(c)
		c.closeTransport()
	}
}

// ConnectionCount reports live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.users[userID]
	if !ok {
		return 0
	}
	return len(entry.clients)
}
