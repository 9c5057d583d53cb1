// ABOUTME: HTTP API handlers for session control, SSE event streaming and media retrieval.
// ABOUTME: Maps session errors onto the status codes external clients depend on.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/loom-gateway/internal/media"
	"github.com/2389/loom-gateway/internal/session"
)

// StartSessionRequest is the optional JSON request body for POST
// /sessions/{id}/start. An empty body starts the session without a webhook.
type StartSessionRequest struct {
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// SendTextRequest is the JSON request body for POST /sessions/{id}/send-text.
type SendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// StopSessionRequest is the optional JSON request body for POST
// /sessions/{id}/stop. An empty body stops without erasing credentials.
type StopSessionRequest struct {
	Erase bool `json:"erase,omitempty"`
}

// SessionResponse is the JSON representation of a session snapshot.
type SessionResponse struct {
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	QR               string `json:"qr,omitempty"`
	NetworkID        string `json:"jid,omitempty"`
	Phone            string `json:"phone,omitempty"`
	WebhookURL       string `json:"webhook_url,omitempty"`
	StartedAt        string `json:"started_at,omitempty"`
	LastTransitionAt string `json:"last_transition_at,omitempty"`
}

// ListSessionsResponse is the JSON response for GET /sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// snapshotResponse converts a session snapshot to its JSON form.
func snapshotResponse(snap *session.Snapshot) SessionResponse {
	resp := SessionResponse{
		SessionID: snap.TenantID,
		Status:    string(snap.Status),
		QR:        snap.LastQR,
	}
	if snap.Identity != nil {
		resp.NetworkID = snap.Identity.NetworkID
		resp.Phone = snap.Identity.DisplayPhone
	}
	if snap.Webhook != nil {
		resp.WebhookURL = snap.Webhook.URL
	}
	if !snap.StartedAt.IsZero() {
		resp.StartedAt = snap.StartedAt.Format(time.RFC3339)
	}
	if !snap.LastTransitionAt.IsZero() {
		resp.LastTransitionAt = snap.LastTransitionAt.Format(time.RFC3339)
	}
	return resp
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendJSON writes a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendSessionError maps a session error to its HTTP status.
func (g *Gateway) sendSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBusy):
		g.sendJSONError(w, http.StatusConflict, "session busy")
	case errors.Is(err, session.ErrNotConnected):
		g.sendJSONError(w, http.StatusConflict, "not_connected")
	case errors.Is(err, session.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	default:
		g.logger.Error("session operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleListSessions handles GET /sessions requests.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snaps := g.registry.List()
	response := ListSessionsResponse{
		Sessions: make([]SessionResponse, len(snaps)),
	}
	for i, snap := range snaps {
		response.Sessions[i] = snapshotResponse(snap)
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleSessionRoutes dispatches /sessions/{id}/{action} requests.
func (g *Gateway) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}
	tenantID, action := parts[0], parts[1]

	switch action {
	case "status":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleStatus(w, r, tenantID)
	case "start", "reset", "stop", "send-text":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch action {
		case "start":
			g.handleStart(w, r, tenantID)
		case "reset":
			g.handleReset(w, r, tenantID)
		case "stop":
			g.handleStop(w, r, tenantID)
		case "send-text":
			g.handleSendText(w, r, tenantID)
		}
	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown action")
	}
}

// handleStart handles POST /sessions/{id}/start.
// Idempotent: starting a live session returns its current snapshot.
func (g *Gateway) handleStart(w http.ResponseWriter, r *http.Request, tenantID string) {
	req, err := parseStartRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := g.registry.Start(r.Context(), tenantID, session.StartConfig{
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
	})
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, snapshotResponse(snap))
}

// handleReset handles POST /sessions/{id}/reset.
func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request, tenantID string) {
	snap, err := g.registry.Reset(r.Context(), tenantID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, snapshotResponse(snap))
}

// handleStop handles POST /sessions/{id}/stop.
// Credentials are discarded when the optional body {"erase": true} asks for
// it; an erase query parameter is also accepted and takes precedence.
func (g *Gateway) handleStop(w http.ResponseWriter, r *http.Request, tenantID string) {
	req, err := parseStopRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	erase := req.Erase
	if v := r.URL.Query().Get("erase"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "erase must be a boolean")
			return
		}
		erase = parsed
	}

	if err := g.registry.Stop(r.Context(), tenantID, erase); err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleStatus handles GET /sessions/{id}/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	snap, err := g.registry.Status(tenantID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, snapshotResponse(snap))
}

// handleSendText handles POST /sessions/{id}/send-text.
// Returns 409 not_connected unless the session is connected.
func (g *Gateway) handleSendText(w http.ResponseWriter, r *http.Request, tenantID string) {
	req, err := parseSendTextRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.registry.Send(r.Context(), tenantID, req.To, req.Text); err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEvents handles GET /events?tenant={id} as a Server-Sent Events
// stream. The tenant's current status is replayed as the first frame; a
// comment ping goes out at the heartbeat interval to keep intermediaries
// from dropping the connection.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := g.stream.Subscribe(r.Context(), tenantID)
	defer g.stream.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return

		case <-sub.Done():
			g.writeSSEEvent(w, "closed", map[string]string{"reason": "session stopped"})
			flusher.Flush()
			return

		case <-sub.Heartbeat():
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(evt.Kind), evt)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleMedia handles GET /media/{tenantId}/{messageId} requests.
// Expired or never-captured attachments are 404; the cache is the only
// source, there is no re-fetch from the network.
func (g *Gateway) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/media/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}
	tenantID, messageID := parts[0], parts[1]

	item, ok := g.mediaCache.Get(media.Key(tenantID, messageID))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "media not found or expired")
		return
	}

	etag := `"` + item.ContentHash + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	contentType := item.Mime
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(item.Size))
	w.Header().Set("ETag", etag)
	if item.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", item.Filename))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(item.Bytes)
}

// parseStartRequest parses the optional start request body. An empty body
// is valid and yields the zero request.
func parseStartRequest(r io.Reader) (*StartSessionRequest, error) {
	var req StartSessionRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return &req, nil
		}
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

// parseStopRequest parses the optional stop request body. An empty body is
// valid and yields the zero request.
func parseStopRequest(r io.Reader) (*StopSessionRequest, error) {
	var req StopSessionRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return &req, nil
		}
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

// parseSendTextRequest parses and validates a send-text request body.
func parseSendTextRequest(r io.Reader) (*SendTextRequest, error) {
	var req SendTextRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.To == "" {
		return nil, errors.New("to is required")
	}
	if req.Text == "" {
		return nil, errors.New("text is required")
	}
	return &req, nil
}
