// ABOUTME: Session types, statuses and error taxonomy for the session registry.
// ABOUTME: Defines the per-tenant Session snapshot exposed to the HTTP layer.

package session

import (
	"errors"
	"time"
)

// Session errors surfaced to callers. The HTTP boundary maps them to
// status codes; protocol faults never appear here, only on the bus.
var (
	// ErrBusy indicates a reset/stop is already in flight for the tenant.
	ErrBusy = errors.New("session busy")
	// ErrNotConnected indicates a send was attempted while not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrNotFound indicates no session exists for the tenant.
	ErrNotFound = errors.New("session not found")
)

// Status is a session lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnecting   Status = "connecting"
	StatusQRPending    Status = "qr_pending"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusClosed       Status = "closed"
	StatusError        Status = "error"
)

// Identity is the network-side identity bound to a connected session.
type Identity struct {
	NetworkID    string `json:"jid"`
	DisplayPhone string `json:"phone"`
}

// WebhookConfig is a tenant's outbound event endpoint.
type WebhookConfig struct {
	URL    string
	Secret string
}

// StartConfig carries the mutable per-tenant configuration accepted by
// Start. Fields update in place on an already-live session.
type StartConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// nowUTC exists so tests and call sites agree on timestamp normalization.
func nowUTC() time.Time {
	return time.Now().UTC()
}

// Snapshot is a read-only copy of a session's state. Building one never
// blocks on network I/O.
type Snapshot struct {
	TenantID         string
	Status           Status
	LastQR           string
	Identity         *Identity
	Webhook          *WebhookConfig
	StartedAt        time.Time
	LastTransitionAt time.Time
}
