package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultMaxAge is how long a session survives before the sweep closes it.
const defaultMaxAge = time.Hour

// Store holds the live agent sessions. Sessions register on connect,
// unregister on disconnect, and are swept once older than the max age.
type Store struct {
	maxAge time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*AgentSession
}

// NewStore creates an empty session store.
func NewStore(maxAge time.Duration, logger *slog.Logger) *Store {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		maxAge:   maxAge,
		logger:   logger,
		sessions: make(map[string]*AgentSession),
	}
}

// Put registers a session under its id.
func (st *Store) Put(s *AgentSession) {
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
}

// Get returns the session for id, or nil.
func (st *Store) Get(id string) *AgentSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// Remove unregisters and closes the session for id. Returns the removed
// session, or nil if it was not registered.
func (st *Store) Remove(id string) *AgentSession {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if ok {
		s.Close()
		return s
	}
	return nil
}

// ByUser returns all live sessions belonging to the user.
func (st *Store) ByUser(userID string) []*AgentSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*AgentSession
	for _, s := range st.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// All returns a snapshot of every live session.
func (st *Store) All() []*AgentSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*AgentSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// SweepStale closes and removes sessions older than the max age, counted
// from creation regardless of activity. Returns how many were removed.
func (st *Store) SweepStale(now time.Time) int {
	st.mu.Lock()
	var stale []*AgentSession
	for id, s := range st.sessions {
		if now.Sub(s.CreatedAt) > st.maxAge {
			delete(st.sessions, id)
			stale = append(stale, s)
		}
	}
	st.mu.Unlock()

	for _, s := range stale {
		s.Close()
		st.logger.Info("swept stale agent session",
			"session_id", s.ID, "user_id", s.UserID, "kind", string(s.Kind),
			"age", now.Sub(s.CreatedAt).Round(time.Second).String(),
			"idle", now.Sub(s.LastSeen()).Round(time.Second).String())
	}
	return len(stale)
}

// RunSweeper periodically sweeps stale sessions until the context ends.
func (st *Store) RunSweeper(ctx context.Context) {
	interval := st.maxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			st.SweepStale(now)
		}
	}
}
