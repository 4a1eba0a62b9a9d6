// Package upstream contains domain types for upstream MCP session identity
// and configuration change detection.
package upstream

import (
	"fmt"

	"github.com/mcpgate/mcpgate/internal/config"
)

// Key identifies one upstream session: one live connection per
// (service, user) pair. Credentials differ per user, and notifications must
// route back to the agent that owns the connection.
type Key struct {
	Service string
	UserID  string
}

// Snapshot captures the ServiceDefinition fields that identify a connection,
// taken at session creation time. After a catalog reload, a session whose
// snapshot no longer matches the new definition is evicted.
type Snapshot struct {
	Transport config.TransportKind
	Command   string
	Endpoint  string
}

// SnapshotOf extracts the identifying fields from a service definition.
func SnapshotOf(def *config.ServiceDefinition) Snapshot {
	return Snapshot{
		Transport: def.Transport,
		Command:   def.Command,
		Endpoint:  def.Endpoint,
	}
}

// Matches reports whether the definition still describes the same
// connection this snapshot was taken from.
func (s Snapshot) Matches(def *config.ServiceDefinition) bool {
	return def != nil &&
		def.Transport == s.Transport &&
		def.Command == s.Command &&
		def.Endpoint == s.Endpoint
}

// CallError is a JSON-RPC error returned by an upstream service. The
// message is safe to surface to agents; transport-level failures are not
// CallErrors and get a generic text instead.
type CallError struct {
	Code    int64
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// UserContext carries the verified caller identity into every upstream
// operation. AgentSessionID is empty when the ingress was a non-streaming
// HTTP POST.
type UserContext struct {
	UserID         string
	TenantID       string
	AgentSessionID string
}
