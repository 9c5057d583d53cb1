// ABOUTME: Credential blob store interface keyed by tenant id.
// ABOUTME: Protocol clients read and write opaque session credentials through it.

package credstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no credential blob exists for a tenant.
var ErrNotFound = errors.New("credentials not found")

// Store persists opaque credential blobs, one per tenant. Blobs are owned
// by the protocol client; the gateway only creates and deletes them.
type Store interface {
	// Get returns the credential blob for a tenant, or ErrNotFound.
	Get(ctx context.Context, tenantID string) ([]byte, error)

	// Put stores or replaces the credential blob for a tenant.
	Put(ctx context.Context, tenantID string, blob []byte) error

	// Delete removes the credential blob for a tenant. Deleting a missing
	// blob is not an error.
	Delete(ctx context.Context, tenantID string) error

	// Close releases any resources held by the store.
	Close() error
}
