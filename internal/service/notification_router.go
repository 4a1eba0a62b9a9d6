// Package service wires the domain components together: dispatching,
// upstream session management, and notification routing.
package service

import (
	"log/slog"
	"sync"
)

// DeliverFunc pushes one raw JSON-RPC notification to an agent connection.
type DeliverFunc func(raw []byte) error

// NotificationRouter forwards unbound upstream notifications to agent
// streaming sessions. It holds only the session id and a delivery callback;
// the transports own the sessions themselves. Delivery is best-effort: a
// failing deliver unregisters the session.
type NotificationRouter struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]DeliverFunc
}

// NewNotificationRouter creates an empty router.
func NewNotificationRouter(logger *slog.Logger) *NotificationRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationRouter{
		logger:   logger,
		handlers: make(map[string]DeliverFunc),
	}
}

// Register adds a streaming session's delivery callback.
func (r *NotificationRouter) Register(sessionID string, deliver DeliverFunc) {
	r.mu.Lock()
	r.handlers[sessionID] = deliver
	r.mu.Unlock()
}

// Unregister drops a session's callback. Safe for unknown ids.
func (r *NotificationRouter) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.handlers, sessionID)
	r.mu.Unlock()
}

// Send delivers a notification to one session. Returns false when the
// session is unknown or delivery failed; a failed session is unregistered,
// its connection presumed dead.
func (r *NotificationRouter) Send(sessionID string, raw []byte) bool {
	r.mu.RLock()
	deliver, ok := r.handlers[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := deliver(raw); err != nil {
		r.logger.Info("notification delivery failed, unregistering session",
			"session_id", sessionID, "error", err)
		r.Unregister(sessionID)
		return false
	}
	return true
}

// Broadcast delivers a notification to every registered session. Used only
// when the originating upstream session has no owning agent session id.
// Returns the number of successful deliveries.
func (r *NotificationRouter) Broadcast(raw []byte) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, id := range ids {
		if r.Send(id, raw) {
			delivered++
		}
	}
	return delivered
}

// Len reports the number of registered sessions.
func (r *NotificationRouter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
