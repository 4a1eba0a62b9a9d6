package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/domain/credential"
	"github.com/mcpgate/mcpgate/internal/domain/upstream"
	"github.com/mcpgate/mcpgate/pkg/mcp"
)

// defaultCallTimeout bounds one forwarded upstream call.
const defaultCallTimeout = 60 * time.Second

// UpstreamClient is what the manager needs from a connected MCP client.
type UpstreamClient interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context) (*mcp.ListToolsResult, error)
	Close() error
}

// ClientFactory creates a connected client for a service definition. creds
// is the credential mapping from the injector; onNotify receives unbound
// upstream notifications verbatim.
type ClientFactory func(ctx context.Context, def *config.ServiceDefinition, creds map[string]string, onNotify func(raw []byte)) (UpstreamClient, error)

// managedSession is one live upstream connection, keyed by (service, user).
type managedSession struct {
	key            upstream.Key
	client         UpstreamClient
	snapshot       upstream.Snapshot
	agentSessionID string
}

// UpstreamManager owns every upstream session. Sessions are created lazily
// on first use, evicted on call failure or config change, and closed on
// shutdown.
type UpstreamManager struct {
	factory     ClientFactory
	injector    *credential.Injector
	router      *NotificationRouter
	callTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[upstream.Key]*managedSession
}

// NewUpstreamManager creates a manager. callTimeout <= 0 selects the
// default per-call deadline.
func NewUpstreamManager(factory ClientFactory, injector *credential.Injector, router *NotificationRouter, callTimeout time.Duration, logger *slog.Logger) *UpstreamManager {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UpstreamManager{
		factory:     factory,
		injector:    injector,
		router:      router,
		callTimeout: callTimeout,
		logger:      logger,
		sessions:    make(map[upstream.Key]*managedSession),
	}
}

// Forward invokes a tool on the user's session for the service, creating the
// session on first use. On any upstream error the session is evicted so the
// next call reconnects.
func (m *UpstreamManager) Forward(ctx context.Context, def *config.ServiceDefinition, toolName string, args json.RawMessage, uc upstream.UserContext) (*mcp.CallToolResult, error) {
	sess, err := m.getOrCreate(ctx, def, uc)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	result, err := sess.client.CallTool(callCtx, toolName, args)
	if err != nil {
		m.evict(sess)
		return nil, fmt.Errorf("upstream call %s.%s: %w", def.Name, toolName, err)
	}
	return result, nil
}

// Discover lists the tools the upstream service itself advertises.
func (m *UpstreamManager) Discover(ctx context.Context, def *config.ServiceDefinition, uc upstream.UserContext) (*mcp.ListToolsResult, error) {
	sess, err := m.getOrCreate(ctx, def, uc)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	result, err := sess.client.ListTools(callCtx)
	if err != nil {
		m.evict(sess)
		return nil, fmt.Errorf("upstream discover %s: %w", def.Name, err)
	}
	return result, nil
}

// getOrCreate returns the live session for (service, user), creating and
// connecting one on miss. Creation happens outside the lock; a concurrent
// winner is kept and the loser closed.
func (m *UpstreamManager) getOrCreate(ctx context.Context, def *config.ServiceDefinition, uc upstream.UserContext) (*managedSession, error) {
	key := upstream.Key{Service: def.Name, UserID: uc.UserID}

	m.mu.Lock()
	if sess, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	creds := m.injector.Fetch(ctx, credential.Request{
		Service:  def.Name,
		TenantID: uc.TenantID,
		UserID:   uc.UserID,
	})

	agentID := uc.AgentSessionID
	onNotify := func(raw []byte) {
		if agentID != "" {
			m.router.Send(agentID, raw)
			return
		}
		m.router.Broadcast(raw)
	}

	client, err := m.factory(ctx, def, creds, onNotify)
	if err != nil {
		return nil, fmt.Errorf("connect upstream %s: %w", def.Name, err)
	}

	sess := &managedSession{
		key:            key,
		client:         client,
		snapshot:       upstream.SnapshotOf(def),
		agentSessionID: agentID,
	}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		// Lost the creation race; keep the winner.
		_ = client.Close()
		return existing, nil
	}
	m.sessions[key] = sess
	m.mu.Unlock()

	m.logger.Info("upstream session created",
		"service", key.Service, "user_id", key.UserID,
		"transport", string(sess.snapshot.Transport))
	return sess, nil
}

// evict removes the session if it is still the registered one for its key,
// then closes it.
func (m *UpstreamManager) evict(sess *managedSession) {
	m.mu.Lock()
	if current, ok := m.sessions[sess.key]; ok && current == sess {
		delete(m.sessions, sess.key)
	}
	m.mu.Unlock()

	_ = sess.client.Close()
	m.logger.Info("upstream session evicted",
		"service", sess.key.Service, "user_id", sess.key.UserID)
}

// EvictStale drops every session whose service was removed, disabled, or
// changed transport/command/endpoint in the new catalog. Unchanged services
// keep their sessions. Returns the number evicted.
func (m *UpstreamManager) EvictStale(newCatalog *config.Catalog) int {
	m.mu.Lock()
	var stale []*managedSession
	for key, sess := range m.sessions {
		def := newCatalog.Service(key.Service)
		if def == nil || !def.Enabled || !sess.snapshot.Matches(def) {
			delete(m.sessions, key)
			stale = append(stale, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range stale {
		_ = sess.client.Close()
		m.logger.Info("upstream session evicted after config reload",
			"service", sess.key.Service, "user_id", sess.key.UserID)
	}
	return len(stale)
}

// ReleaseAgent evicts the sessions owned by a departed agent session that no
// other ingress shares (sessions created from non-streaming POSTs have no
// owner and are left for the stale sweep).
func (m *UpstreamManager) ReleaseAgent(agentSessionID string) int {
	if agentSessionID == "" {
		return 0
	}

	m.mu.Lock()
	var owned []*managedSession
	for key, sess := range m.sessions {
		if sess.agentSessionID == agentSessionID {
			delete(m.sessions, key)
			owned = append(owned, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range owned {
		_ = sess.client.Close()
	}
	return len(owned)
}

// Len reports the number of live upstream sessions.
func (m *UpstreamManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session. Agent transports are expected to be closed
// first so children can emit final stderr into the log.
func (m *UpstreamManager) Shutdown() {
	m.mu.Lock()
	all := make([]*managedSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.sessions = make(map[upstream.Key]*managedSession)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range all {
		wg.Add(1)
		go func(s *managedSession) {
			defer wg.Done()
			_ = s.client.Close()
		}(sess)
	}
	wg.Wait()
}
