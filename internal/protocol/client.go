// ABOUTME: Protocol client contract for connections to the external messaging network.
// ABOUTME: Defines the opaque Client interface and the signal union it emits.

package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/2389/loom-gateway/internal/credstore"
)

// ErrNotConnected indicates a send was attempted before the connection opened.
var ErrNotConnected = errors.New("protocol client not connected")

// FatalError marks a fault as configuration-fatal: the session parks in a
// terminal error state instead of being retried by the supervisor.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps an error as configuration-fatal.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether err is marked configuration-fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Identity describes the network-side account a connection is bound to.
type Identity struct {
	NetworkID    string
	DisplayPhone string
}

// SignalKind indicates the type of signal emitted by a protocol client.
type SignalKind int

const (
	// SignalPairing carries a one-time pairing token the user must present
	// to authorize this device on the network.
	SignalPairing SignalKind = iota
	// SignalOpen indicates the connection is established and authenticated.
	SignalOpen
	// SignalClose indicates the connection ended, expectedly or not.
	SignalClose
	// SignalMessage carries an inbound message from the network.
	SignalMessage
)

// Signal is a lifecycle or message event emitted by a protocol client.
// Exactly the fields for its Kind are populated.
type Signal struct {
	Kind      SignalKind
	Timestamp time.Time

	// SignalPairing
	PairingToken string

	// SignalOpen
	Identity Identity

	// SignalClose
	Reason    string
	LoggedOut bool // explicit logout: terminal, never retried

	// SignalMessage
	Message *Message
}

// Message is an inbound message from the network.
type Message struct {
	ID    string
	From  string
	Text  string
	Media *Media
}

// Media is an inbound binary attachment carried by a message.
type Media struct {
	Bytes    []byte
	Mime     string
	Filename string
}

// Client is the opaque wire-protocol collaborator for a single tenant.
// Implementations own handshake, encryption and framing; the gateway only
// sees the Signal stream.
type Client interface {
	// Connect starts the connection using credentials from the store.
	// It returns once the connection attempt is underway; progress is
	// reported on Signals.
	Connect(ctx context.Context) error

	// Signals returns the client's event stream. The channel is closed
	// after a terminal close.
	Signals() <-chan Signal

	// Send delivers text content to a target on the network.
	// Returns ErrNotConnected before SignalOpen.
	Send(ctx context.Context, target, text string) error

	// Logout terminates the session on the network side and invalidates
	// stored credentials.
	Logout(ctx context.Context) error

	// Close tears down the connection without logging out.
	Close() error
}

// Dialer constructs a Client for a tenant. The credential store is scoped
// to the whole deployment; implementations key their blobs by tenant id.
type Dialer func(tenantID string, creds credstore.Store) (Client, error)
