// ABOUTME: Gateway orchestrator wiring sessions, event bus, media cache and HTTP server.
// ABOUTME: Manages credential store selection, listeners and graceful shutdown lifecycle.

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/bus"
	"github.com/2389/loom-gateway/internal/config"
	"github.com/2389/loom-gateway/internal/credstore"
	"github.com/2389/loom-gateway/internal/media"
	"github.com/2389/loom-gateway/internal/protocol"
	"github.com/2389/loom-gateway/internal/relay"
	"github.com/2389/loom-gateway/internal/session"
	"github.com/2389/loom-gateway/internal/stream"
	"github.com/2389/loom-gateway/internal/tenants"
	"github.com/2389/loom-gateway/internal/webhook"
)

// Gateway orchestrates the loom-gateway server components: the session
// registry driving protocol connections, the event bus fanning out to push
// subscribers, webhooks and the broker relay, and the HTTP API on top.
type Gateway struct {
	config      *config.Config
	creds       credstore.Store
	bus         *bus.Bus
	mediaCache  *media.Cache
	registry    *session.Registry
	stream      *stream.Manager
	relay       relay.Publisher
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// ready flips once listeners are accepting; /health/ready keys off it.
	ready chan struct{}
}

// initCredStore creates the credential store selected by config.
func initCredStore(cfg *config.Config) (credstore.Store, error) {
	c := cfg.Credentials
	switch c.Backend {
	case "", "memory":
		return credstore.NewMemoryStore(), nil
	case "sqlite":
		path := c.Path
		if envPath := os.Getenv("LOOM_CREDS_PATH"); envPath != "" {
			path = envPath
		}
		s, err := credstore.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite credential store: %w", err)
		}
		return s, nil
	case "redis":
		s, err := credstore.NewRedisStore(c.RedisAddr, c.RedisPassword, c.RedisDB, "")
		if err != nil {
			return nil, fmt.Errorf("initializing redis credential store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", c.Backend)
	}
}

// initRelay creates the broker relay, or the no-op fallback when disabled.
func initRelay(cfg *config.Config, logger *slog.Logger) (relay.Publisher, error) {
	if !cfg.Relay.Enabled {
		return relay.NewFallback(logger), nil
	}
	exchange := cfg.Relay.Exchange
	if exchange == "" {
		exchange = "loom.events"
	}
	p, err := relay.New(cfg.Relay.URL, exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting event relay: %w", err)
	}
	return p, nil
}

// New creates a new Gateway instance with the given configuration and
// protocol dialer.
func New(cfg *config.Config, dialer protocol.Dialer, logger *slog.Logger) (*Gateway, error) {
	creds, err := initCredStore(cfg)
	if err != nil {
		return nil, err
	}

	b := bus.New(logger)
	mediaCache := media.New(cfg.Media.Capacity, cfg.Media.TTL)

	var policy session.RetryPolicy
	if cfg.Sessions.ReconnectDelay > 0 {
		policy = session.FixedDelay(cfg.Sessions.ReconnectDelay)
	}
	registry := session.NewRegistry(dialer, creds, b, mediaCache, policy, logger)

	streamMgr := stream.NewManager(b, cfg.Sessions.HeartbeatInterval, logger)
	registry.SetStopHook(streamMgr.CloseTenant)

	b.AttachForwarder(webhook.New(registry, nil, logger))

	relayPub, err := initRelay(cfg, logger)
	if err != nil {
		_ = creds.Close()
		return nil, err
	}
	b.AttachForwarder(relayPub)

	gw := &Gateway{
		config:     cfg,
		creds:      creds,
		bus:        b,
		mediaCache: mediaCache,
		registry:   registry,
		stream:     streamMgr,
		relay:      relayPub,
		logger:     logger.With("component", "gateway"),
		ready:      make(chan struct{}),
	}

	authn := auth.New(auth.Config{
		Tokens:    cfg.Auth.Tokens,
		JWTSecret: cfg.Auth.JWTSecret,
		Disabled:  cfg.Auth.Disabled,
	}, logger)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// API endpoints behind bearer-token auth
	mux.Handle("/sessions", authn.Middleware(http.HandlerFunc(gw.handleListSessions)))
	mux.Handle("/sessions/", authn.Middleware(http.HandlerFunc(gw.handleSessionRoutes)))
	mux.Handle("/events", authn.Middleware(http.HandlerFunc(gw.handleEvents)))
	mux.Handle("/media/", authn.Middleware(http.HandlerFunc(gw.handleMedia)))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// seedTenants loads the tenant seed file and starts autostart sessions.
// Seed problems are fatal; individual session start failures are not, the
// supervisor keeps retrying them.
func (g *Gateway) seedTenants(ctx context.Context) error {
	if g.config.Tenants.SeedPath == "" {
		return nil
	}

	seed, err := tenants.Load(g.config.Tenants.SeedPath)
	if err != nil {
		return fmt.Errorf("loading tenant seed: %w", err)
	}

	for _, t := range seed.Tenants {
		if !t.Autostart {
			continue
		}
		cfg := session.StartConfig{
			WebhookURL:    t.WebhookURL,
			WebhookSecret: t.WebhookSecret,
		}
		if _, err := g.registry.Start(ctx, t.ID, cfg); err != nil {
			g.logger.Warn("autostart failed, supervisor will retry", "tenant", t.ID, "error", err)
		}
	}
	g.logger.Info("tenant seed loaded", "path", g.config.Tenants.SeedPath, "tenants", len(seed.Tenants))
	return nil
}

// setupTCPListener creates a standard TCP listener for the HTTP server.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.seedTenants(ctx); err != nil {
		return err
	}

	listener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := g.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	close(g.ready)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.registry.StopAll(ctx)
	g.bus.Close()
	g.mediaCache.Close()

	errs = appendCloseError(errs, "relay close", g.relay.Close())
	errs = appendCloseError(errs, "credential store close", g.creds.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "loom-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}
	return g.createTailscaleTLSListener()
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the gateway is accepting traffic.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	select {
	case <-g.ready:
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", len(g.registry.List()))
}
