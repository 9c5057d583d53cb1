// ABOUTME: Top-level per-tenant session coordinator: start, reset, stop, send, status.
// ABOUTME: Serializes operations per tenant id and enforces one live connection per tenant.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/loom-gateway/internal/bus"
	"github.com/2389/loom-gateway/internal/credstore"
	"github.com/2389/loom-gateway/internal/media"
	"github.com/2389/loom-gateway/internal/protocol"
)

// Registry owns every tenant's session. All mutation of a session record
// goes through Registry operations, which hold that tenant's lock — never
// a global one, so tenants proceed fully concurrently.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	dialer     protocol.Dialer
	creds      credstore.Store
	bus        *bus.Bus
	media      *media.Cache
	supervisor *Supervisor
	logger     *slog.Logger

	// stopHook runs after a session reaches closed via Stop, letting the
	// streaming layer tear down the tenant's push handles.
	stopHook func(tenantID string)
}

// NewRegistry creates a registry wired to the bus and media cache.
// The supervisor's retry policy defaults to a fixed 2s delay.
func NewRegistry(dialer protocol.Dialer, creds credstore.Store, b *bus.Bus, mediaCache *media.Cache, policy RetryPolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries: make(map[string]*entry),
		dialer:  dialer,
		creds:   creds,
		bus:     b,
		media:   mediaCache,
		logger:  logger.With("component", "registry"),
	}
	r.supervisor = newSupervisor(r, policy, logger)
	b.SetSnapshot(r.snapshotEvent)
	return r
}

// SetStopHook installs the callback invoked after Stop closes a session.
func (r *Registry) SetStopHook(fn func(tenantID string)) {
	r.stopHook = fn
}

// getOrCreate returns the tenant's entry, creating a pending one if absent.
func (r *Registry) getOrCreate(tenantID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[tenantID]
	if !ok {
		e = &entry{tenantID: tenantID, status: StatusPending}
		r.entries[tenantID] = e
	}
	return e
}

// get returns the tenant's entry or nil.
func (r *Registry) get(tenantID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[tenantID]
}

// Start creates or reuses the tenant's session and ensures a connection
// attempt is underway. Idempotent: a live session is returned unchanged,
// though webhook configuration updates in place. Concurrent calls for the
// same tenant serialize on the tenant lock, so at most one connection
// attempt proceeds.
func (r *Registry) Start(ctx context.Context, tenantID string, cfg StartConfig) (*Snapshot, error) {
	e := r.getOrCreate(tenantID)

	e.mu.Lock()
	defer e.mu.Unlock()

	applyConfigLocked(e, cfg)

	switch e.status {
	case StatusConnecting, StatusQRPending, StatusConnected:
		// Live: nothing to do beyond the config update.
		return e.snapshotLocked(), nil
	}

	if e.startedAt.IsZero() {
		e.startedAt = nowUTC()
	}
	if e.status != StatusPending {
		// Revived after closed/disconnected/error: surface pending first
		// so subscribers see the full lifecycle.
		e.setStatus(r.bus, StatusPending)
	}

	if err := r.connectLocked(ctx, e); err != nil {
		return nil, err
	}
	return e.snapshotLocked(), nil
}

// connectLocked dials the protocol client and starts its signal pump.
// Must be called with e.mu held.
func (r *Registry) connectLocked(ctx context.Context, e *entry) error {
	e.gen++
	e.identity = nil
	e.setStatus(r.bus, StatusConnecting)

	client, err := r.dialer(e.tenantID, r.creds)
	if err != nil {
		r.toError(e, err)
		return fmt.Errorf("dialing protocol client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		r.toError(e, err)
		return fmt.Errorf("connecting: %w", err)
	}

	e.client = client
	go r.pump(e, client, e.gen)

	r.logger.Info("connection attempt started", "tenant", e.tenantID)
	return nil
}

// retry is invoked by the supervisor after the reconnect delay. The
// generation guard drops attempts for tenants that were stopped, reset or
// already reconnected since scheduling.
func (r *Registry) retry(tenantID string, gen uint64) {
	e := r.get(tenantID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen != gen {
		return
	}
	if e.status != StatusDisconnected && e.status != StatusError {
		return
	}

	r.logger.Info("attempting reconnection", "tenant", tenantID)
	if err := r.connectLocked(context.Background(), e); err != nil {
		r.logger.Warn("reconnection attempt failed", "tenant", tenantID, "error", err)
	}
}

// Reset stops any live connection, discards the tenant's credential blob
// and starts again with a fresh identity. Returns ErrBusy if another
// reset/stop is in flight for the tenant.
func (r *Registry) Reset(ctx context.Context, tenantID string) (*Snapshot, error) {
	e := r.getOrCreate(tenantID)

	e.mu.Lock()
	if e.op {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.op = true

	r.supervisor.cancel(tenantID)
	e.gen++
	if e.client != nil {
		_ = e.client.Close()
		e.client = nil
	}
	cfg := StartConfig{}
	if e.webhook != nil {
		cfg = StartConfig{WebhookURL: e.webhook.URL, WebhookSecret: e.webhook.Secret}
	}
	e.identity = nil
	e.status = StatusPending
	e.mu.Unlock()

	delErr := r.creds.Delete(ctx, tenantID)

	var snap *Snapshot
	var startErr error
	if delErr == nil {
		snap, startErr = r.Start(ctx, tenantID, cfg)
	}

	e.mu.Lock()
	e.op = false
	e.mu.Unlock()

	if delErr != nil {
		return nil, fmt.Errorf("discarding credentials: %w", delErr)
	}
	if startErr != nil {
		return nil, startErr
	}

	r.logger.Info("session reset", "tenant", tenantID)
	return snap, nil
}

// Stop logs out of the protocol client if connected, marks the session
// closed and optionally erases the credential blob. Stopping a tenant with
// no active session is a no-op, not an error. Returns ErrBusy if another
// reset/stop is in flight.
func (r *Registry) Stop(ctx context.Context, tenantID string, erase bool) error {
	e := r.get(tenantID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	if e.op {
		e.mu.Unlock()
		return ErrBusy
	}
	e.op = true

	r.supervisor.cancel(tenantID)
	e.gen++

	if e.client != nil {
		if e.status == StatusConnected {
			if err := e.client.Logout(ctx); err != nil {
				r.logger.Warn("protocol logout failed", "tenant", tenantID, "error", err)
			}
		}
		_ = e.client.Close()
		e.client = nil
	}

	alreadyClosed := e.status == StatusClosed
	if !alreadyClosed {
		e.setStatus(r.bus, StatusClosed)
	}
	e.mu.Unlock()

	var eraseErr error
	if erase {
		eraseErr = r.creds.Delete(ctx, tenantID)
	}

	if r.stopHook != nil && !alreadyClosed {
		r.stopHook(tenantID)
	}

	e.mu.Lock()
	e.op = false
	e.mu.Unlock()

	if eraseErr != nil {
		return fmt.Errorf("erasing credentials: %w", eraseErr)
	}

	r.logger.Info("session stopped", "tenant", tenantID, "erase", erase)
	return nil
}

// Send delivers text to a target on the tenant's network connection.
// Returns ErrNotConnected unless the session is connected.
func (r *Registry) Send(ctx context.Context, tenantID, target, text string) error {
	e := r.get(tenantID)
	if e == nil {
		return ErrNotConnected
	}

	e.mu.Lock()
	client := e.client
	connected := e.status == StatusConnected
	e.mu.Unlock()

	if !connected || client == nil {
		return ErrNotConnected
	}
	return client.Send(ctx, target, text)
}

// Status returns a read-only snapshot of the tenant's session.
func (r *Registry) Status(tenantID string) (*Snapshot, error) {
	e := r.get(tenantID)
	if e == nil {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// List returns snapshots of every known session.
func (r *Registry) List() []*Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	snaps := make([]*Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snaps = append(snaps, e.snapshotLocked())
		e.mu.Unlock()
	}
	return snaps
}

// StopAll stops every session without erasing credentials. Used on shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Stop(ctx, id, false); err != nil {
			r.logger.Warn("stopping session on shutdown", "tenant", id, "error", err)
		}
	}
	r.supervisor.close()
}

// snapshotEvent builds the synthetic status event replayed to new bus
// subscribers. Nil when the tenant has no session.
func (r *Registry) snapshotEvent(tenantID string) *bus.Event {
	e := r.get(tenantID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	status := e.status
	e.mu.Unlock()

	return &bus.Event{
		Kind:     bus.KindStatus,
		TenantID: tenantID,
		Status:   &bus.StatusPayload{Status: string(status)},
	}
}

// WebhookConfig implements webhook.SessionSource.
func (r *Registry) WebhookConfig(tenantID string) (url, secret string, ok bool) {
	e := r.get(tenantID)
	if e == nil {
		return "", "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.webhook == nil || e.webhook.URL == "" {
		return "", "", false
	}
	return e.webhook.URL, e.webhook.Secret, true
}

// StatusSnapshot implements webhook.SessionSource.
func (r *Registry) StatusSnapshot(tenantID string) (status, networkID, phone string) {
	e := r.get(tenantID)
	if e == nil {
		return "", "", ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	status = string(e.status)
	if e.identity != nil {
		networkID = e.identity.NetworkID
		phone = e.identity.DisplayPhone
	}
	return status, networkID, phone
}

// applyConfigLocked updates in-place config on an entry.
// Must be called with e.mu held.
func applyConfigLocked(e *entry, cfg StartConfig) {
	if cfg.WebhookURL == "" {
		return
	}
	e.webhook = &WebhookConfig{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}
}
