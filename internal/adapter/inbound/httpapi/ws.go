package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpgate/mcpgate/internal/domain/session"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsMaxMessageLen = maxRequestBodySize
)

// upgrader accepts any origin: agents are not browsers and authenticate with
// a bearer token at upgrade time.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS serves GET /mcp/ws: JSON-RPC framed as WebSocket text messages.
// Each inbound frame is one message; responses and routed notifications go
// back as one frame each.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		LoggerFromContext(r.Context()).Debug("websocket upgrade failed", "error", err)
		return
	}

	id := IdentityFromContext(r.Context())
	userID := ""
	if id != nil {
		userID = id.UserID
	}

	sess := session.New(userID, session.KindWebSocket, h.queueSize)
	h.sessions.Put(sess)
	h.router.Register(sess.ID, sess.Deliver)
	if h.metrics != nil {
		h.metrics.AgentSessions.Inc()
	}
	logger := LoggerFromContext(r.Context()).With(
		"session_id", sess.ID, "user_id", userID)
	logger.Info("websocket session established")

	// Single writer goroutine: dispatcher responses and routed notifications
	// both arrive through the session queue, so conn writes never race.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for payload := range sess.Outbound() {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	conn.SetReadLimit(wsMaxMessageLen)
	uc := userContext(r, sess.ID)
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		sess.Touch()

		if resp := h.dispatcher.Dispatch(r.Context(), payload, uc); resp != nil {
			if err := sess.Deliver(resp); err != nil {
				logger.Warn("dropping websocket session", "error", err)
				break
			}
		}
	}

	h.dropSession(sess.ID)
	<-writerDone
	_ = conn.Close()
	logger.Info("websocket session closed")
}
