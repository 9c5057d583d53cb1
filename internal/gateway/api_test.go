// ABOUTME: HTTP API tests covering session control, auth enforcement, SSE streaming and media.
// ABOUTME: Drives the full gateway wiring with a scriptable protocol client.

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/config"
	"github.com/2389/loom-gateway/internal/media"
	"github.com/2389/loom-gateway/internal/protocol/protocoltest"
	"github.com/2389/loom-gateway/internal/session"
)

const testToken = "test-token"

// clientRecorder hands out fake protocol clients and remembers them.
type clientRecorder struct {
	mu      sync.Mutex
	clients []*protocoltest.FakeClient
}

func (r *clientRecorder) factory(string) (*protocoltest.FakeClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := protocoltest.NewFakeClient()
	r.clients = append(r.clients, c)
	return c, nil
}

func (r *clientRecorder) client(i int) *protocoltest.FakeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[i]
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Auth.Tokens = []string{testToken}
	cfg.Media.Capacity = 8
	cfg.Media.TTL = time.Minute
	cfg.Sessions.ReconnectDelay = 10 * time.Millisecond
	cfg.Sessions.HeartbeatInterval = time.Hour
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *clientRecorder) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	rec := &clientRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw, err := New(cfg, protocoltest.Dialer(rec.factory), logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, rec
}

// do runs one request against the gateway mux with the test bearer token.
func do(gw *Gateway, method, path, body string) *httptest.ResponseRecorder {
	return doWithToken(gw, method, path, body, testToken)
}

func doWithToken(gw *Gateway, method, path, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) SessionResponse {
	t.Helper()
	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp["error"]
}

func waitConnected(t *testing.T, gw *Gateway, tenantID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := gw.registry.Status(tenantID)
		return err == nil && snap.Status == session.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAPI_AuthRequired(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := doWithToken(gw, http.MethodGet, "/sessions", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doWithToken(gw, http.MethodGet, "/sessions", "", "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open
	rec = doWithToken(gw, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_AuthFailsClosedWhenUnconfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Tokens = nil
	gw, _ := newTestGateway(t, cfg)

	rec := doWithToken(gw, http.MethodGet, "/sessions", "", "any-token")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_StartReturnsConnectingSnapshot(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(gw, http.MethodPost, "/sessions/t1/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSession(t, rec)
	assert.Equal(t, "t1", resp.SessionID)
	assert.Equal(t, "connecting", resp.Status)
}

func TestAPI_StartWithWebhook(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(gw, http.MethodPost, "/sessions/t1/start",
		`{"webhook_url": "https://example.com/hook", "webhook_secret": "s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSession(t, rec)
	assert.Equal(t, "https://example.com/hook", resp.WebhookURL)
}

func TestAPI_StartRejectsBadJSON(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(gw, http.MethodPost, "/sessions/t1/start", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_StatusUnknownSession(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(gw, http.MethodGet, "/sessions/nope/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session not found", decodeError(t, rec))
}

func TestAPI_StatusReflectsIdentity(t *testing.T) {
	gw, clients := newTestGateway(t, nil)

	do(gw, http.MethodPost, "/sessions/t1/start", "")
	clients.client(0).EmitOpen("12345@network", "+15551234567")
	waitConnected(t, gw, "t1")

	rec := do(gw, http.MethodGet, "/sessions/t1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSession(t, rec)
	assert.Equal(t, "connected", resp.Status)
	assert.Equal(t, "12345@network", resp.NetworkID)
	assert.Equal(t, "+15551234567", resp.Phone)
}

func TestAPI_SendTextNotConnected(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	// Unknown session
	rec := do(gw, http.MethodPost, "/sessions/t1/send-text", `{"to": "peer", "text": "hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_connected", decodeError(t, rec))

	// Started but still connecting
	do(gw, http.MethodPost, "/sessions/t1/start", "")
	rec = do(gw, http.MethodPost, "/sessions/t1/send-text", `{"to": "peer", "text": "hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_connected", decodeError(t, rec))
}

func TestAPI_SendTextValidation(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	do(gw, http.MethodPost, "/sessions/t1/start", "")

	for _, body := range []string{``, `{}`, `{"to": "peer"}`, `{"text": "hi"}`, `not json`} {
		rec := do(gw, http.MethodPost, "/sessions/t1/send-text", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestAPI_SendTextConnected(t *testing.T) {
	gw, clients := newTestGateway(t, nil)

	do(gw, http.MethodPost, "/sessions/t1/start", "")
	clients.client(0).EmitOpen("12345@network", "")
	waitConnected(t, gw, "t1")

	rec := do(gw, http.MethodPost, "/sessions/t1/send-text", `{"to": "peer", "text": "hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp["ok"])

	sent := clients.client(0).Sent
	require.Len(t, sent, 1)
	assert.Equal(t, "peer", sent[0].Target)
	assert.Equal(t, "hello", sent[0].Text)
}

func TestAPI_Stop(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	do(gw, http.MethodPost, "/sessions/t1/start", "")

	rec := do(gw, http.MethodPost, "/sessions/t1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp["ok"])

	rec = do(gw, http.MethodGet, "/sessions/t1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", decodeSession(t, rec).Status)
}

func TestAPI_StopRejectsBadEraseFlag(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	do(gw, http.MethodPost, "/sessions/t1/start", "")

	rec := do(gw, http.MethodPost, "/sessions/t1/stop?erase=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_StopWithErase(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	require.NoError(t, gw.creds.Put(context.Background(), "t1", []byte("stored-creds")))

	do(gw, http.MethodPost, "/sessions/t1/start", "")
	rec := do(gw, http.MethodPost, "/sessions/t1/stop?erase=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := gw.creds.Get(context.Background(), "t1")
	assert.Error(t, err)
}

func TestAPI_StopWithEraseBody(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	require.NoError(t, gw.creds.Put(context.Background(), "t1", []byte("stored-creds")))

	do(gw, http.MethodPost, "/sessions/t1/start", "")
	rec := do(gw, http.MethodPost, "/sessions/t1/stop", `{"erase": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := gw.creds.Get(context.Background(), "t1")
	assert.Error(t, err, "body-requested erase must discard credentials")
}

func TestAPI_StopRejectsBadBody(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	do(gw, http.MethodPost, "/sessions/t1/start", "")

	rec := do(gw, http.MethodPost, "/sessions/t1/stop", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Reset(t *testing.T) {
	gw, clients := newTestGateway(t, nil)

	do(gw, http.MethodPost, "/sessions/t1/start", "")
	clients.client(0).EmitOpen("12345@network", "")
	waitConnected(t, gw, "t1")

	rec := do(gw, http.MethodPost, "/sessions/t1/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connecting", decodeSession(t, rec).Status)
}

func TestAPI_UnknownAction(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(gw, http.MethodPost, "/sessions/t1/explode", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown action", decodeError(t, rec))
}

func TestAPI_InvalidSessionPath(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	for _, path := range []string{"/sessions/t1", "/sessions//start", "/sessions/t1/start/extra"} {
		rec := do(gw, http.MethodPost, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "path %q", path)
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(gw, http.MethodGet, "/sessions/t1/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(gw, http.MethodPost, "/sessions/t1/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPI_ListSessions(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	do(gw, http.MethodPost, "/sessions/t1/start", "")
	do(gw, http.MethodPost, "/sessions/t2/start", "")

	rec := do(gw, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListSessionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Sessions, 2)
}

func TestAPI_MediaNotFound(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(gw, http.MethodGet, "/media/t1/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "media not found or expired", decodeError(t, rec))
}

func TestAPI_MediaServed(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	gw.mediaCache.Put(media.Key("t1", "m1"), &media.Item{
		Bytes:    []byte("image-bytes"),
		Mime:     "image/jpeg",
		Filename: "photo.jpg",
	})

	rec := do(gw, http.MethodGet, "/media/t1/m1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image-bytes", rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "photo.jpg")

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/media/t1/m1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestAPI_MediaTenantScoped(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	gw.mediaCache.Put(media.Key("t1", "m1"), &media.Item{Bytes: []byte("x")})

	rec := do(gw, http.MethodGet, "/media/t2/m1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_EventsRequiresTenant(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(gw, http.MethodGet, "/events", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// readSSEEvent reads one event/data frame from an SSE stream, skipping
// comment ping lines.
func readSSEEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")

		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestAPI_EventsStreamsStatusFirst(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	do(gw, http.MethodPost, "/sessions/t1/start", "")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events?tenant=t1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	event, data := readSSEEvent(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "status", event)
	assert.Contains(t, data, `"connecting"`)
}

func TestAPI_EventsClosedOnStop(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	do(gw, http.MethodPost, "/sessions/t1/start", "")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events?tenant=t1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	// Snapshot frame first, then the stop notification
	event, _ := readSSEEvent(t, reader)
	require.Equal(t, "status", event)

	require.NoError(t, gw.registry.Stop(context.Background(), "t1", false))

	for {
		event, data := readSSEEvent(t, reader)
		if event == "closed" {
			assert.Contains(t, data, "session stopped")
			return
		}
	}
}

func TestAPI_HealthAndReady(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := doWithToken(gw, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = doWithToken(gw, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(gw.ready)
	rec = doWithToken(gw, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}
