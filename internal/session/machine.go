// ABOUTME: Per-tenant connection state machine driven by protocol client signals.
// ABOUTME: Owns status transitions and event publication for one session entry.

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/2389/loom-gateway/internal/bus"
	"github.com/2389/loom-gateway/internal/credstore"
	"github.com/2389/loom-gateway/internal/media"
	"github.com/2389/loom-gateway/internal/protocol"
)

// entry is the registry's per-tenant record. Its mutex serializes
// start/reset/stop for the tenant and guards every mutable field; no two
// registry operations for the same tenant ever interleave.
type entry struct {
	mu sync.Mutex

	tenantID string
	status   Status
	lastQR   string
	identity *Identity
	webhook  *WebhookConfig

	startedAt        time.Time
	lastTransitionAt time.Time

	// client is the live protocol client, nil unless a connection attempt
	// is underway or established. At most one exists per tenant.
	client protocol.Client

	// gen increments on every connection attempt. Stale pumps and
	// reconnection timers compare against it and drop themselves.
	gen uint64

	// op marks a reset/stop in flight for the tenant. Concurrent reset/stop
	// calls fail with ErrBusy while it is set; the pump briefly holding
	// e.mu between signals never trips it.
	op bool
}

// setStatus transitions the entry and publishes a status event.
// Must be called with e.mu held.
func (e *entry) setStatus(b *bus.Bus, status Status) {
	e.status = status
	e.lastTransitionAt = time.Now().UTC()
	if status != StatusQRPending {
		e.lastQR = ""
	}
	b.Publish(&bus.Event{
		Kind:     bus.KindStatus,
		TenantID: e.tenantID,
		Status:   &bus.StatusPayload{Status: string(status)},
	})
}

// snapshotLocked copies the entry's state. Must be called with e.mu held.
func (e *entry) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		TenantID:         e.tenantID,
		Status:           e.status,
		LastQR:           e.lastQR,
		StartedAt:        e.startedAt,
		LastTransitionAt: e.lastTransitionAt,
	}
	if e.identity != nil {
		id := *e.identity
		snap.Identity = &id
	}
	if e.webhook != nil {
		wh := *e.webhook
		snap.Webhook = &wh
	}
	return snap
}

// pump consumes a protocol client's signal stream and drives the entry's
// state machine. Runs on its own goroutine, one per connection attempt.
// A stale pump (superseded generation) stops without touching state.
func (r *Registry) pump(e *entry, client protocol.Client, gen uint64) {
	for sig := range client.Signals() {
		if !r.handleSignal(e, gen, sig) {
			return
		}
	}

	// Stream ended without a close signal: treat as an abrupt disconnect.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	if e.status == StatusConnected || e.status == StatusConnecting || e.status == StatusQRPending {
		r.logger.Warn("protocol stream ended unexpectedly", "tenant", e.tenantID)
		r.toDisconnected(e)
	}
}

// handleSignal applies one protocol signal. Returns false when the pump
// should stop (terminal state or superseded generation).
func (r *Registry) handleSignal(e *entry, gen uint64, sig protocol.Signal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen != gen {
		return false
	}

	switch sig.Kind {
	case protocol.SignalPairing:
		e.lastQR = sig.PairingToken
		e.status = StatusQRPending
		e.lastTransitionAt = time.Now().UTC()
		r.bus.Publish(&bus.Event{
			Kind:     bus.KindQR,
			TenantID: e.tenantID,
			QR:       &bus.QRPayload{Token: sig.PairingToken},
		})
		r.bus.Publish(&bus.Event{
			Kind:     bus.KindStatus,
			TenantID: e.tenantID,
			Status:   &bus.StatusPayload{Status: string(StatusQRPending)},
		})
		return true

	case protocol.SignalOpen:
		e.identity = &Identity{
			NetworkID:    sig.Identity.NetworkID,
			DisplayPhone: sig.Identity.DisplayPhone,
		}
		r.bus.Publish(&bus.Event{
			Kind:     bus.KindConnected,
			TenantID: e.tenantID,
			Connected: &bus.ConnectedPayload{
				NetworkID:    sig.Identity.NetworkID,
				DisplayPhone: sig.Identity.DisplayPhone,
			},
		})
		e.setStatus(r.bus, StatusConnected)
		r.supervisor.resetAttempts(e.tenantID)
		return true

	case protocol.SignalMessage:
		r.handleMessageLocked(e, sig.Message)
		return true

	case protocol.SignalClose:
		if sig.LoggedOut {
			r.logger.Info("session logged out", "tenant", e.tenantID, "reason", sig.Reason)
			e.client = nil
			e.setStatus(r.bus, StatusClosed)
			return false
		}
		r.logger.Warn("connection closed unexpectedly",
			"tenant", e.tenantID, "reason", sig.Reason)
		r.toDisconnected(e)
		return false
	}
	return true
}

// handleMessageLocked publishes an inbound message and captures any
// attachment into the media cache. Must be called with e.mu held.
func (r *Registry) handleMessageLocked(e *entry, msg *protocol.Message) {
	if msg == nil {
		return
	}

	r.bus.Publish(&bus.Event{
		Kind:     bus.KindMessage,
		TenantID: e.tenantID,
		Message: &bus.MessagePayload{
			MessageID: msg.ID,
			From:      msg.From,
			Text:      msg.Text,
			HasMedia:  msg.Media != nil,
		},
	})

	if msg.Media == nil || r.media == nil {
		return
	}

	item := &media.Item{
		Bytes:    msg.Media.Bytes,
		Mime:     msg.Media.Mime,
		Filename: msg.Media.Filename,
	}
	r.media.Put(media.Key(e.tenantID, msg.ID), item)
	r.bus.Publish(&bus.Event{
		Kind:     bus.KindMedia,
		TenantID: e.tenantID,
		Media: &bus.MediaPayload{
			MessageID:   msg.ID,
			Mime:        item.Mime,
			Filename:    item.Filename,
			Size:        item.Size,
			ContentHash: item.ContentHash,
		},
	})
}

// toDisconnected moves the entry to disconnected and hands it to the
// reconnection supervisor. Must be called with e.mu held.
func (r *Registry) toDisconnected(e *entry) {
	e.client = nil
	e.setStatus(r.bus, StatusDisconnected)
	r.supervisor.schedule(e.tenantID, e.gen)
}

// toError publishes an error event and either schedules a supervised retry
// or, for configuration-fatal faults, parks the session in terminal error.
// Must be called with e.mu held.
func (r *Registry) toError(e *entry, err error) {
	code := "protocol_fault"
	if errors.Is(err, credstore.ErrNotFound) {
		code = "missing_credentials"
	}
	r.bus.Publish(&bus.Event{
		Kind:     bus.KindError,
		TenantID: e.tenantID,
		Error:    &bus.ErrorPayload{Code: code, Message: err.Error()},
	})

	e.client = nil
	e.setStatus(r.bus, StatusError)

	if protocol.IsFatal(err) {
		r.logger.Error("configuration-fatal protocol fault", "tenant", e.tenantID, "error", err)
		return
	}
	r.supervisor.schedule(e.tenantID, e.gen)
}
