// Package httpapi is the agent-facing inbound adapter. It exposes the MCP
// endpoints (plain POST, WebSocket, and SSE with its POST-back channel),
// the public health check, and Prometheus metrics.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mcpgate/mcpgate/internal/domain/session"
	"github.com/mcpgate/mcpgate/internal/domain/upstream"
	"github.com/mcpgate/mcpgate/internal/service"
)

// maxRequestBodySize bounds one inbound JSON-RPC message.
const maxRequestBodySize = 10 * 1024 * 1024 // 10MB

// Handler serves the agent-facing MCP endpoints. All three transports feed
// the same dispatcher; the handler owns only connection plumbing.
type Handler struct {
	dispatcher *service.Dispatcher
	sessions   *session.Store
	router     *service.NotificationRouter
	upstreams  *service.UpstreamManager
	metrics    *Metrics
	logger     *slog.Logger

	externalURL string
	queueSize   int
}

// NewHandler wires the handler to its collaborators.
func NewHandler(
	dispatcher *service.Dispatcher,
	sessions *session.Store,
	router *service.NotificationRouter,
	upstreams *service.UpstreamManager,
	metrics *Metrics,
	externalURL string,
	queueSize int,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher:  dispatcher,
		sessions:    sessions,
		router:      router,
		upstreams:   upstreams,
		metrics:     metrics,
		logger:      logger,
		externalURL: externalURL,
		queueSize:   queueSize,
	}
}

// userContext builds the upstream user context from the verified identity in
// the request context.
func userContext(r *http.Request, agentSessionID string) upstream.UserContext {
	id := IdentityFromContext(r.Context())
	if id == nil {
		return upstream.UserContext{AgentSessionID: agentSessionID}
	}
	return upstream.UserContext{
		UserID:         id.UserID,
		TenantID:       id.TenantID,
		AgentSessionID: agentSessionID,
	}
}

// HandleMCPPost serves POST /mcp: one JSON-RPC message in, at most one
// response out. Notifications get a bodyless 202.
func (h *Handler) HandleMCPPost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp := h.dispatcher.Dispatch(r.Context(), body, userContext(r, ""))
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// HandleMessage serves POST /message?sessionId=: the back channel for SSE
// agents. The response travels over the session's event stream, never the
// POST body; the POST itself just gets a 202.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	sess := h.sessions.Get(sessionID)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess.Touch()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp := h.dispatcher.Dispatch(r.Context(), body, userContext(r, sess.ID))
	if resp != nil {
		if err := sess.Deliver(resp); err != nil {
			// A full queue means the event stream consumer is stuck; the
			// session is dead either way.
			LoggerFromContext(r.Context()).Warn("dropping agent session",
				"session_id", sess.ID, "error", err)
			h.dropSession(sess.ID)
			if errors.Is(err, session.ErrQueueFull) {
				http.Error(w, "session queue full", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "session closed", http.StatusGone)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleHealth serves GET /health. No authentication: load balancers and
// container orchestrators probe it.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// dropSession tears down one agent session across the store, the router, and
// the upstream sessions it owns.
func (h *Handler) dropSession(sessionID string) {
	h.router.Unregister(sessionID)
	if h.sessions.Remove(sessionID) != nil && h.metrics != nil {
		h.metrics.AgentSessions.Dec()
	}
	h.upstreams.ReleaseAgent(sessionID)
}
