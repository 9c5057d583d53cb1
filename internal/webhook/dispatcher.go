// ABOUTME: Best-effort HTTP forwarder of bus events to tenant-configured webhooks.
// ABOUTME: Fire-and-forget POSTs with no retries; failures are logged and swallowed.

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/loom-gateway/internal/bus"
)

const defaultTimeout = 10 * time.Second

// SecretHeader carries the tenant's webhook secret when one is configured.
const SecretHeader = "x-webhook-secret"

// SessionSource resolves per-tenant webhook configuration and the status
// fields included in every envelope.
type SessionSource interface {
	// WebhookConfig returns the tenant's webhook URL and secret.
	// ok is false when the tenant has no webhook configured.
	WebhookConfig(tenantID string) (url, secret string, ok bool)

	// StatusSnapshot returns the tenant's current status and identity.
	StatusSnapshot(tenantID string) (status, networkID, phone string)
}

// Envelope is the JSON body POSTed to webhooks.
type Envelope struct {
	Event     bus.Kind    `json:"event"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	NetworkID string      `json:"jid,omitempty"`
	Phone     string      `json:"phone,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Dispatcher forwards bus events to tenant webhooks. Delivery is
// best-effort and never on the critical path of event emission: the bus
// invokes Forward off the publishing goroutine, and a failed POST affects
// nothing but a log line.
type Dispatcher struct {
	sessions SessionSource
	client   *http.Client
	logger   *slog.Logger
}

// New creates a dispatcher. Pass nil client for a default with a 10s timeout.
func New(sessions SessionSource, client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		client:   client,
		logger:   logger.With("component", "webhook"),
	}
}

// Forward implements bus.Forwarder.
func (d *Dispatcher) Forward(ctx context.Context, event *bus.Event) {
	d.Deliver(ctx, event)
}

// Deliver POSTs the event envelope to the tenant's webhook, if configured.
// No webhook is a no-op. Network errors and non-2xx responses are logged
// and dropped; there are no retries.
func (d *Dispatcher) Deliver(ctx context.Context, event *bus.Event) {
	url, secret, ok := d.sessions.WebhookConfig(event.TenantID)
	if !ok || url == "" {
		return
	}

	status, networkID, phone := d.sessions.StatusSnapshot(event.TenantID)
	envelope := Envelope{
		Event:     event.Kind,
		SessionID: event.TenantID,
		Status:    status,
		NetworkID: networkID,
		Phone:     phone,
		Payload:   payloadOf(event),
		Timestamp: event.Timestamp,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error("failed to marshal webhook envelope", "tenant", event.TenantID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("failed to build webhook request", "tenant", event.TenantID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook delivery failed", "tenant", event.TenantID, "url", url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Warn("webhook returned non-2xx",
			"tenant", event.TenantID, "url", url, "status", resp.StatusCode)
	}
}

// payloadOf extracts the kind-specific payload for the envelope.
func payloadOf(event *bus.Event) interface{} {
	switch event.Kind {
	case bus.KindStatus:
		return event.Status
	case bus.KindQR:
		return event.QR
	case bus.KindConnected:
		return event.Connected
	case bus.KindMessage:
		return event.Message
	case bus.KindMedia:
		return event.Media
	case bus.KindError:
		return event.Error
	default:
		return nil
	}
}
