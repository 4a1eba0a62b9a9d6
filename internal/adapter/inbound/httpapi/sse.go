package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/internal/domain/session"
)

// keepaliveInterval is how often the SSE stream emits a comment so
// intermediaries do not drop the idle connection.
const keepaliveInterval = 30 * time.Second

// HandleSSE serves GET /sse: the legacy streaming transport. The stream
// opens with an endpoint event naming the POST-back URL; every dispatcher
// response and routed notification then arrives as a message event.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := IdentityFromContext(r.Context())
	userID := ""
	if id != nil {
		userID = id.UserID
	}

	sess := session.New(userID, session.KindSSE, h.queueSize)
	h.sessions.Put(sess)
	h.router.Register(sess.ID, sess.Deliver)
	if h.metrics != nil {
		h.metrics.AgentSessions.Inc()
	}
	logger := LoggerFromContext(r.Context()).With(
		"session_id", sess.ID, "user_id", userID)
	logger.Info("SSE session established")

	defer func() {
		h.dropSession(sess.ID)
		logger.Info("SSE session closed")
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s/message?sessionId=%s",
		strings.TrimRight(h.externalURL, "/"), sess.ID)
	_, _ = fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload, open := <-sess.Outbound():
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
