// ABOUTME: Scriptable in-memory protocol client for exercising the session layer.
// ABOUTME: Tests emit pairing/open/close/message signals and observe sends.

package protocoltest

import (
	"context"
	"sync"
	"time"

	"github.com/2389/loom-gateway/internal/credstore"
	"github.com/2389/loom-gateway/internal/protocol"
)

// FakeClient is a protocol.Client driven by the test. Signals pushed via
// the Emit helpers appear on the Signals channel; Sent records outgoing
// text messages.
type FakeClient struct {
	mu        sync.Mutex
	signals   chan protocol.Signal
	connected bool
	closed    bool

	ConnectErr error
	SendErr    error

	ConnectCalls int
	LogoutCalls  int
	Sent         []SentMessage
}

// SentMessage is one recorded Send call.
type SentMessage struct {
	Target string
	Text   string
}

// NewFakeClient creates a fake with a generously buffered signal channel so
// tests never block on emission.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		signals: make(chan protocol.Signal, 32),
	}
}

func (f *FakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectCalls++
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *FakeClient) Signals() <-chan protocol.Signal {
	return f.signals
}

func (f *FakeClient) Send(ctx context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	if !f.connected {
		return protocol.ErrNotConnected
	}
	f.Sent = append(f.Sent, SentMessage{Target: target, Text: text})
	return nil
}

func (f *FakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogoutCalls++
	return nil
}

// Close ends the signal stream. It never blocks, so it is safe to call
// while the session layer holds its tenant lock.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.signals)
	}
	return nil
}

// emit pushes a signal unless the stream already closed.
func (f *FakeClient) emit(sig protocol.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	sig.Timestamp = time.Now().UTC()
	f.signals <- sig
}

// EmitPairing emits a pairing token signal.
func (f *FakeClient) EmitPairing(token string) {
	f.emit(protocol.Signal{Kind: protocol.SignalPairing, PairingToken: token})
}

// EmitOpen emits a connection-established signal.
func (f *FakeClient) EmitOpen(networkID, phone string) {
	f.emit(protocol.Signal{
		Kind:     protocol.SignalOpen,
		Identity: protocol.Identity{NetworkID: networkID, DisplayPhone: phone},
	})
}

// EmitMessage emits an inbound message signal.
func (f *FakeClient) EmitMessage(msg *protocol.Message) {
	f.emit(protocol.Signal{Kind: protocol.SignalMessage, Message: msg})
}

// EmitClose emits a close signal and ends the stream.
func (f *FakeClient) EmitClose(reason string, loggedOut bool) {
	f.emit(protocol.Signal{Kind: protocol.SignalClose, Reason: reason, LoggedOut: loggedOut})
	_ = f.Close()
}

// Dialer returns a protocol.Dialer handing out clients from the factory.
// The factory runs once per connection attempt.
func Dialer(factory func(tenantID string) (*FakeClient, error)) protocol.Dialer {
	return func(tenantID string, _ credstore.Store) (protocol.Client, error) {
		c, err := factory(tenantID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
