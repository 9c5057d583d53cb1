// ABOUTME: Manages long-lived push subscribers: handle lifecycle, heartbeats, teardown.
// ABOUTME: Wraps bus subscriptions so transports get explicit close and ping signals.

package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/bus"
)

// DefaultHeartbeatInterval keeps intermediating infrastructure from timing
// out idle push connections.
const DefaultHeartbeatInterval = 15 * time.Second

// Subscriber is one live push connection. The transport handler drains
// Events, writes a ping on each Heartbeat tick, and terminates when Done
// is closed (session stopped) or its own context ends.
type Subscriber struct {
	ID           string
	TenantID     string
	SubscribedAt time.Time

	events    <-chan *bus.Event
	busSubID  string
	heartbeat chan struct{}
	done      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

// Events is the subscriber's event stream; the current status snapshot
// arrives first. The channel closes when the subscription ends.
func (s *Subscriber) Events() <-chan *bus.Event {
	return s.events
}

// Heartbeat ticks at the manager's heartbeat interval.
func (s *Subscriber) Heartbeat() <-chan struct{} {
	return s.heartbeat
}

// Done is closed when the session is stopped and the handle must
// terminate with a final closed notification.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Manager tracks subscriber handles per tenant. An empty subscriber set is
// not an error and never stops the underlying session.
type Manager struct {
	mu          sync.Mutex
	subscribers map[string]map[string]*Subscriber // tenantID -> subID -> sub
	bus         *bus.Bus
	interval    time.Duration
	logger      *slog.Logger
}

// NewManager creates a manager issuing heartbeats at the given interval
// (DefaultHeartbeatInterval when non-positive).
func NewManager(b *bus.Bus, interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		subscribers: make(map[string]map[string]*Subscriber),
		bus:         b,
		interval:    interval,
		logger:      logger.With("component", "stream"),
	}
}

// Subscribe registers a push subscriber for a tenant. The bus replays the
// tenant's status snapshot onto the event channel before any later event.
// When ctx ends (transport close), the subscriber is deregistered and its
// heartbeat timer canceled immediately.
func (m *Manager) Subscribe(ctx context.Context, tenantID string) *Subscriber {
	events, busSubID := m.bus.Subscribe(ctx, tenantID)

	sub := &Subscriber{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		SubscribedAt: time.Now().UTC(),
		events:       events,
		busSubID:     busSubID,
		heartbeat:    make(chan struct{}, 1),
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.subscribers[tenantID]; !ok {
		m.subscribers[tenantID] = make(map[string]*Subscriber)
	}
	m.subscribers[tenantID][sub.ID] = sub
	m.mu.Unlock()

	go m.heartbeatLoop(sub)
	go func() {
		<-ctx.Done()
		m.Unsubscribe(sub)
	}()

	m.logger.Debug("push subscriber added", "tenant", tenantID, "sub_id", sub.ID)
	return sub
}

// heartbeatLoop ticks the subscriber's heartbeat channel until removal.
func (m *Manager) heartbeatLoop(sub *Subscriber) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case sub.heartbeat <- struct{}{}:
			default:
			}
		case <-sub.stop:
			return
		}
	}
}

// Unsubscribe deregisters a subscriber, cancels its heartbeat timer and
// releases its bus subscription. Safe to call more than once.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	sub.closeOnce.Do(func() {
		close(sub.stop)

		m.mu.Lock()
		if subs, ok := m.subscribers[sub.TenantID]; ok {
			delete(subs, sub.ID)
			if len(subs) == 0 {
				delete(m.subscribers, sub.TenantID)
			}
		}
		m.mu.Unlock()

		m.bus.Unsubscribe(sub.TenantID, sub.busSubID)
		m.logger.Debug("push subscriber removed", "tenant", sub.TenantID, "sub_id", sub.ID)
	})
}

// CloseTenant signals every subscriber of the tenant to terminate with a
// final closed notification. Called when the session is stopped.
func (m *Manager) CloseTenant(tenantID string) {
	m.mu.Lock()
	subs := make([]*Subscriber, 0, len(m.subscribers[tenantID]))
	for _, sub := range m.subscribers[tenantID] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.doneOnce.Do(func() { close(sub.done) })
	}
}

// Count returns the number of active subscribers for a tenant.
func (m *Manager) Count(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[tenantID])
}
