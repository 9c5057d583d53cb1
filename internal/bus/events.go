// ABOUTME: Typed event union flowing through the per-tenant event bus.
// ABOUTME: Every consumer switches on Kind instead of matching string event names.

package bus

import "time"

// Kind identifies the type of a bus event.
type Kind string

const (
	// KindStatus reports a session status change. It is the only kind
	// replayed to late subscribers.
	KindStatus Kind = "status"
	// KindQR carries a fresh pairing token.
	KindQR Kind = "qr"
	// KindConnected reports a successful connection with identity.
	KindConnected Kind = "connected"
	// KindMessage carries an inbound message.
	KindMessage Kind = "message_incoming"
	// KindMedia reports an attachment captured into the media cache.
	KindMedia Kind = "media"
	// KindError reports a protocol fault.
	KindError Kind = "error"
)

// Event is a single occurrence on a tenant's stream. Exactly the payload
// field for its Kind is populated. Events are ephemeral: they are delivered
// to current subscribers and forwarders, never queued or persisted.
type Event struct {
	Kind      Kind      `json:"event"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`

	Status    *StatusPayload    `json:"status,omitempty"`
	QR        *QRPayload        `json:"qr,omitempty"`
	Connected *ConnectedPayload `json:"connected,omitempty"`
	Message   *MessagePayload   `json:"message,omitempty"`
	Media     *MediaPayload     `json:"media,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
}

// StatusPayload reports the session's current status.
type StatusPayload struct {
	Status string `json:"status"`
}

// QRPayload carries a pairing token for device authorization.
type QRPayload struct {
	Token string `json:"token"`
}

// ConnectedPayload reports the network identity bound to the session.
type ConnectedPayload struct {
	NetworkID    string `json:"jid"`
	DisplayPhone string `json:"phone"`
}

// MessagePayload carries an inbound message.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Text      string `json:"text,omitempty"`
	HasMedia  bool   `json:"has_media,omitempty"`
}

// MediaPayload announces a captured attachment, addressable via the media
// endpoint until it expires.
type MediaPayload struct {
	MessageID   string `json:"message_id"`
	Mime        string `json:"mime"`
	Filename    string `json:"filename,omitempty"`
	Size        int    `json:"size"`
	ContentHash string `json:"content_hash"`
}

// ErrorPayload reports a protocol fault with a stable reason code.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
