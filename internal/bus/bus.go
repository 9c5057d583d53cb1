// ABOUTME: In-memory per-tenant pub/sub bus for session lifecycle and message events.
// ABOUTME: Delivers in publish order per tenant, replays a status snapshot to new subscribers.

package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// SnapshotFunc returns the synthetic status event replayed to a new
// subscriber, or nil when the tenant has no session yet.
type SnapshotFunc func(tenantID string) *Event

// Forwarder receives every published event after subscriber delivery.
// Implementations must not block the caller; the bus invokes them on a
// separate goroutine and ignores their errors.
type Forwarder interface {
	Forward(ctx context.Context, event *Event)
}

// Bus provides in-memory pub/sub of Events, partitioned by tenant id.
// Delivery is at-most-once and best-effort: subscribers whose channels are
// full lose events. Within one tenant, events reach each subscriber in
// publish order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // tenantID -> subID -> ch
	snapshot    SnapshotFunc
	forwarders  []Forwarder
	logger      *slog.Logger
}

// New creates a bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "bus"),
	}
}

// SetSnapshot installs the status snapshot source used for replay on
// subscribe. Must be called before the first Subscribe.
func (b *Bus) SetSnapshot(fn SnapshotFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = fn
}

// AttachForwarder registers a forwarder invoked for every published event.
func (b *Bus) AttachForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarders = append(b.forwarders, f)
}

// Subscribe registers a subscriber for one tenant's events. The current
// status snapshot, if any, is delivered on the returned channel before any
// subsequently published event. The subscription is cleaned up when ctx is
// cancelled or Unsubscribe is called.
func (b *Bus) Subscribe(ctx context.Context, tenantID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	// The snapshot source takes the tenant's session lock, which publishers
	// hold while calling Publish. Resolve it before taking b.mu so the two
	// locks are never held together. Replay-before-later-events still holds:
	// the channel is registered under the write lock, which excludes
	// publishers until the snapshot is enqueued.
	b.mu.RLock()
	snapshot := b.snapshot
	b.mu.RUnlock()
	var snap *Event
	if snapshot != nil {
		snap = snapshot(tenantID)
	}

	b.mu.Lock()
	if snap != nil {
		ch <- snap
	}
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]chan *Event)
	}
	b.subscribers[tenantID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "tenant", tenantID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(tenantID, subID)
	}()

	return ch, subID
}

// Publish stamps the event and delivers it to every current subscriber of
// its tenant, then hands it to the forwarders asynchronously. Non-blocking:
// events are dropped for subscribers whose channels are full.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[event.TenantID]
	targets := make([]chan *Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	forwarders := b.forwarders
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"tenant", event.TenantID, "kind", event.Kind)
		}
	}

	if len(forwarders) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, f := range forwarders {
				f.Forward(ctx, event)
			}
		}()
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tenantID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("subscriber removed", "tenant", tenantID, "sub_id", subID)
}

// SubscriberCount returns the number of active subscribers for a tenant.
func (b *Bus) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[tenantID])
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tenantID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("bus closed")
}
