package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"bookmark-core/internal/bus"
	"bookmark-core/internal/models"
)

func newTestHub(t *testing.T, events bus.EventChannel, opts HubOptions) *Hub {
	t.Helper()
	hub := NewHub(events, zap.NewNop(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub.Start(ctx)
	t.Cleanup(hub.Stop)
	return hub
}

// testClient builds a registry entry without a live socket. Delivery is
// observed on the send channel directly.
func testClient(hub *Hub, userID, deviceID string) *Client {
	return newClient(hub, nil, userID, deviceID, 8, zap.NewNop())
}

func expectMessage(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case raw := <-c.send:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no message delivered")
		return Envelope{}
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected message: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubSuppressesOriginEcho(t *testing.T) {
	events := bus.NewMemoryBus()
	hub := newTestHub(t, events, HubOptions{HeartbeatInterval: time.Hour})

	origin := testClient(hub, "user-1", "device-a")
	sibling := testClient(hub, "user-1", "device-b")
	for _, c := range []*Client{origin, sibling} {
		if err := hub.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	err := events.Publish(context.Background(), models.ChangeEvent{
		EntityType:     "bookmark",
		EntityID:       "bm-1",
		Operation:      models.OpUpdate,
		OwnerID:        "user-1",
		OriginDeviceID: "device-a",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	env := expectMessage(t, sibling)
	if env.Type != TypeChange {
		t.Fatalf("expected change message got %s", env.Type)
	}
	var event models.ChangeEvent
	if err := json.Unmarshal(env.Data, &event); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if event.EntityID != "bm-1" {
		t.Fatalf("unexpected event %+v", event)
	}

	expectSilence(t, origin)
}

func TestHubDeliversToAllDevicesWithoutOrigin(t *testing.T) {
	events := bus.NewMemoryBus()
	hub := newTestHub(t, events, HubOptions{HeartbeatInterval: time.Hour})

	a := testClient(hub, "user-1", "device-a")
	b := testClient(hub, "user-1", "device-b")
	for _, c := range []*Client{a, b} {
		if err := hub.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	// Server-originated changes carry no origin device and reach everyone.
	_ = events.Publish(context.Background(), models.ChangeEvent{
		EntityType: "reminder",
		EntityID:   "rem-1",
		OwnerID:    "user-1",
	})
	expectMessage(t, a)
	expectMessage(t, b)
}

func TestHubIsolatesUsers(t *testing.T) {
	events := bus.NewMemoryBus()
	hub := newTestHub(t, events, HubOptions{HeartbeatInterval: time.Hour})

	mine := testClient(hub, "user-1", "device-a")
	theirs := testClient(hub, "user-2", "device-z")
	for _, c := range []*Client{mine, theirs} {
		if err := hub.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	_ = events.Publish(context.Background(), models.ChangeEvent{
		EntityType: "bookmark",
		EntityID:   "bm-1",
		OwnerID:    "user-1",
	})
	expectMessage(t, mine)
	expectSilence(t, theirs)
}

func TestHubSubscriptionLifecycle(t *testing.T) {
	events := bus.NewMemoryBus()
	hub := newTestHub(t, events, HubOptions{HeartbeatInterval: time.Hour})

	a := testClient(hub, "user-1", "device-a")
	b := testClient(hub, "user-1", "device-b")

	if err := hub.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if events.SubscriberCount("user-1") != 1 {
		t.Fatalf("expected one bus subscription got %d", events.SubscriberCount("user-1"))
	}

	// The second device shares the first device's subscription.
	if err := hub.Register(b); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if events.SubscriberCount("user-1") != 1 {
		t.Fatalf("expected shared subscription got %d", events.SubscriberCount("user-1"))
	}
	if hub.ConnectionCount("user-1") != 2 {
		t.Fatalf("expected 2 connections got %d", hub.ConnectionCount("user-1"))
	}

	hub.Unregister(a)
	if events.SubscriberCount("user-1") != 1 {
		t.Fatalf("subscription released while a device remains")
	}

	hub.Unregister(b)
	hub.Unregister(b) // idempotent
	if events.SubscriberCount("user-1") != 0 {
		t.Fatalf("subscription not released after last departure")
	}
	if hub.ConnectionCount("user-1") != 0 {
		t.Fatalf("expected empty registry got %d", hub.ConnectionCount("user-1"))
	}
}

func TestHubEvictsUnresponsiveConnection(t *testing.T) {
	events := bus.NewMemoryBus()
	hub := newTestHub(t, events, HubOptions{HeartbeatInterval: 20 * time.Millisecond})

	c := testClient(hub, "user-1", "device-a")
	if err := hub.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	// No inbound traffic ever arrives, so the second tick evicts.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ConnectionCount("user-1") == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ConnectionCount("user-1") != 0 {
		t.Fatalf("unresponsive connection never evicted")
	}
	if events.SubscriberCount("user-1") != 0 {
		t.Fatalf("eviction left the bus subscription open")
	}
}

func TestHubHeartbeatSparesLiveConnection(t *testing.T) {
	events := bus.NewMemoryBus()
	hub := newTestHub(t, events, HubOptions{HeartbeatInterval: 20 * time.Millisecond})

	c := testClient(hub, "user-1", "device-a")
	if err := hub.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Simulate steady inbound traffic across several sweep intervals.
	done := time.After(150 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-done:
			break loop
		case <-ticker.C:
			c.alive.Store(true)
		}
	}
	if hub.ConnectionCount("user-1") != 1 {
		t.Fatalf("live connection was evicted")
	}
}

func TestHubDeliverConcurrentWithUnregister(t *testing.T) {
	events := bus.NewMemoryBus()
	hub := newTestHub(t, events, HubOptions{HeartbeatInterval: time.Hour})

	// A large payload widens the window between the registry snapshot and the
	// channel send inside Deliver.
	event := models.ChangeEvent{
		EntityType: "bookmark",
		EntityID:   "bm-1",
		OwnerID:    "user-1",
		Payload:    json.RawMessage(`"` + strings.Repeat("x", 4096) + `"`),
	}

	// A send on a closed channel would panic and fail the run.
	for i := 0; i < 200; i++ {
		c := testClient(hub, "user-1", "device-a")
		if err := hub.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				hub.Deliver(event)
			}
		}()
		go func() {
			defer wg.Done()
			hub.Unregister(c)
		}()
		wg.Wait()
		if c.enqueue([]byte(`{}`)) {
			t.Fatalf("enqueue succeeded after unregister")
		}
	}
}

func TestHubDropsOnFullSendBuffer(t *testing.T) {
	events := bus.NewMemoryBus()
	hub := newTestHub(t, events, HubOptions{HeartbeatInterval: time.Hour})

	c := newClient(hub, nil, "user-1", "device-a", 1, zap.NewNop())
	if err := hub.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	hub.Deliver(models.ChangeEvent{EntityType: "bookmark", EntityID: "bm-1", OwnerID: "user-1"})
	hub.Deliver(models.ChangeEvent{EntityType: "bookmark", EntityID: "bm-2", OwnerID: "user-1"})

	// Only the first fits; the second is dropped, not blocked on.
	env := expectMessage(t, c)
	if env.Type != TypeChange {
		t.Fatalf("expected change got %s", env.Type)
	}
	expectSilence(t, c)
}
