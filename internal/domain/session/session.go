// Package session tracks streaming agent connections and their outbound
// delivery queues.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the agent-facing transport a session was established over.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindSSE       Kind = "sse"
)

// Queue delivery errors.
var (
	ErrQueueFull     = errors.New("session queue full")
	ErrSessionClosed = errors.New("session closed")
)

// defaultQueueSize bounds the outbound queue when no size is configured.
const defaultQueueSize = 64

// AgentSession is one live streaming connection from an agent. The transport
// goroutine drains Outbound; everything else enqueues through Deliver.
type AgentSession struct {
	ID        string
	UserID    string
	Kind      Kind
	CreatedAt time.Time

	queue chan []byte

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time
}

// New creates a session with a fresh id and a bounded outbound queue.
func New(userID string, kind Kind, queueSize int) *AgentSession {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	now := time.Now()
	return &AgentSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		CreatedAt: now,
		queue:     make(chan []byte, queueSize),
		lastSeen:  now,
	}
}

// Deliver enqueues a payload for the transport goroutine. It never blocks: a
// full queue means the consumer is stuck, and the caller should treat the
// session as dead.
func (s *AgentSession) Deliver(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.queue <- payload:
		s.lastSeen = time.Now()
		return nil
	default:
		return ErrQueueFull
	}
}

// Outbound is the channel the transport goroutine drains. It is closed when
// the session closes.
func (s *AgentSession) Outbound() <-chan []byte {
	return s.queue
}

// Touch records activity so the stale sweep skips this session.
func (s *AgentSession) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen reports the time of the most recent delivery or touch.
func (s *AgentSession) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Close shuts the outbound queue. Safe to call more than once; Deliver after
// Close returns ErrSessionClosed.
func (s *AgentSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}
