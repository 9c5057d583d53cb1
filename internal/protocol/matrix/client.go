// ABOUTME: Matrix-backed protocol client adapting mautrix sync to the signal stream.
// ABOUTME: Reuses access tokens from the credential store, logging in once per tenant.

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/loom-gateway/internal/credstore"
	"github.com/2389/loom-gateway/internal/protocol"
)

// networkTimeout bounds individual Matrix API calls.
const networkTimeout = 10 * time.Second

// Config holds the homeserver and first-login account settings. After the
// first successful login the persisted access token is reused and the
// password is no longer needed.
type Config struct {
	Homeserver string
	Username   string
	Password   string
}

// storedCreds is the credential blob persisted per tenant.
type storedCreds struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Client is a protocol.Client backed by a Matrix homeserver connection.
type Client struct {
	cfg      Config
	tenantID string
	creds    credstore.Store
	logger   *slog.Logger

	mu        sync.Mutex
	matrix    *mautrix.Client
	signals   chan protocol.Signal
	connected bool
	closed    bool
	cancel    context.CancelFunc
}

// Dialer returns a protocol.Dialer producing Matrix clients for the
// configured homeserver.
func Dialer(cfg Config, logger *slog.Logger) protocol.Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(tenantID string, creds credstore.Store) (protocol.Client, error) {
		if cfg.Homeserver == "" {
			return nil, protocol.Fatal(errors.New("matrix homeserver not configured"))
		}
		return &Client{
			cfg:      cfg,
			tenantID: tenantID,
			creds:    creds,
			logger:   logger.With("component", "matrix", "tenant", tenantID),
			signals:  make(chan protocol.Signal, 32),
		}, nil
	}
}

// Connect logs in (or resumes a stored session) and starts the sync loop.
// Progress and failures after this point are reported on Signals.
func (c *Client) Connect(ctx context.Context) error {
	client, identity, err := c.session(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	c.matrix = client
	syncCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		cancel()
		return fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.handleMessageEvent)

	go c.syncLoop(syncCtx, identity)
	return nil
}

// session resumes the stored token or performs a password login,
// persisting the resulting credentials.
func (c *Client) session(ctx context.Context) (*mautrix.Client, protocol.Identity, error) {
	var identity protocol.Identity

	blob, err := c.creds.Get(ctx, c.tenantID)
	if err == nil {
		var sc storedCreds
		if err := json.Unmarshal(blob, &sc); err != nil {
			return nil, identity, protocol.Fatal(fmt.Errorf("corrupt credential blob: %w", err))
		}
		client, err := mautrix.NewClient(c.cfg.Homeserver, id.UserID(sc.UserID), sc.AccessToken)
		if err != nil {
			return nil, identity, fmt.Errorf("creating matrix client: %w", err)
		}
		client.DeviceID = id.DeviceID(sc.DeviceID)
		identity.NetworkID = sc.UserID
		c.logger.Debug("resuming matrix session", "user_id", sc.UserID)
		return client, identity, nil
	}
	if !errors.Is(err, credstore.ErrNotFound) {
		return nil, identity, fmt.Errorf("loading credentials: %w", err)
	}

	if c.cfg.Username == "" || c.cfg.Password == "" {
		return nil, identity, protocol.Fatal(errors.New("no stored credentials and no matrix username/password configured"))
	}

	client, err := mautrix.NewClient(c.cfg.Homeserver, "", "")
	if err != nil {
		return nil, identity, fmt.Errorf("creating matrix client: %w", err)
	}

	loginCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	resp, err := client.Login(loginCtx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: c.cfg.Username,
		},
		Password:         c.cfg.Password,
		StoreCredentials: true,
	})
	if err != nil {
		return nil, identity, fmt.Errorf("matrix login: %w", err)
	}

	sc := storedCreds{
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID.String(),
	}
	blob, err = json.Marshal(sc)
	if err != nil {
		return nil, identity, fmt.Errorf("encoding credential blob: %w", err)
	}
	if err := c.creds.Put(ctx, c.tenantID, blob); err != nil {
		return nil, identity, fmt.Errorf("persisting credentials: %w", err)
	}

	identity.NetworkID = sc.UserID
	c.logger.Info("matrix login succeeded", "user_id", sc.UserID)
	return client, identity, nil
}

// syncLoop runs the mautrix sync until the client closes, emitting open and
// close signals around it.
func (c *Client) syncLoop(ctx context.Context, identity protocol.Identity) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.emit(protocol.Signal{Kind: protocol.SignalOpen, Identity: identity})

	err := c.matrix.SyncWithContext(ctx)

	c.mu.Lock()
	c.connected = false
	closed := c.closed
	c.mu.Unlock()
	if closed || ctx.Err() != nil {
		return
	}

	reason := "sync ended"
	loggedOut := false
	if err != nil {
		reason = err.Error()
		var httpErr mautrix.HTTPError
		if errors.As(err, &httpErr) && httpErr.RespError != nil &&
			httpErr.RespError.ErrCode == "M_UNKNOWN_TOKEN" {
			loggedOut = true
		}
	}
	c.emit(protocol.Signal{Kind: protocol.SignalClose, Reason: reason, LoggedOut: loggedOut})
	_ = c.Close()
}

// handleMessageEvent converts an inbound Matrix message to a message signal,
// downloading any attachment inline.
func (c *Client) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.matrix.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	msg := &protocol.Message{
		ID:   evt.ID.String(),
		From: evt.Sender.String(),
		Text: content.Body,
	}

	switch content.MsgType {
	case event.MsgText:
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		msg.Media = c.download(ctx, content)
	default:
		return
	}

	c.emit(protocol.Signal{Kind: protocol.SignalMessage, Message: msg})
}

// download fetches an attachment's bytes. Returns nil on failure; the
// message still flows without its media.
func (c *Client) download(ctx context.Context, content *event.MessageEventContent) *protocol.Media {
	uri, err := content.URL.Parse()
	if err != nil {
		c.logger.Warn("unparseable media uri", "error", err)
		return nil
	}

	dlCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	data, err := c.matrix.DownloadBytes(dlCtx, uri)
	if err != nil {
		c.logger.Warn("media download failed", "uri", uri.String(), "error", err)
		return nil
	}

	mime := ""
	if content.Info != nil {
		mime = content.Info.MimeType
	}
	return &protocol.Media{
		Bytes:    data,
		Mime:     mime,
		Filename: content.Body,
	}
}

// Send delivers text to a Matrix room.
func (c *Client) Send(ctx context.Context, target, text string) error {
	c.mu.Lock()
	connected := c.connected
	client := c.matrix
	c.mu.Unlock()
	if !connected || client == nil {
		return protocol.ErrNotConnected
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.SendText(sendCtx, id.RoomID(target), text); err != nil {
		return fmt.Errorf("sending to %s: %w", target, err)
	}
	return nil
}

// Logout invalidates the access token on the homeserver.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	client := c.matrix
	c.mu.Unlock()
	if client == nil {
		return nil
	}

	logoutCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := client.Logout(logoutCtx); err != nil {
		return fmt.Errorf("matrix logout: %w", err)
	}
	return nil
}

// Close stops the sync loop and ends the signal stream.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	if c.cancel != nil {
		c.cancel()
	}
	close(c.signals)
	return nil
}

// Signals returns the client's event stream.
func (c *Client) Signals() <-chan protocol.Signal {
	return c.signals
}

// emit pushes a signal unless the stream closed. The send never blocks:
// when the consumer is stalled and the buffer fills, the signal is dropped,
// so Close is never stuck behind a wedged emitter holding c.mu.
func (c *Client) emit(sig protocol.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	sig.Timestamp = time.Now().UTC()
	select {
	case c.signals <- sig:
	default:
		c.logger.Warn("dropping protocol signal, stream backed up", "kind", sig.Kind)
	}
}
