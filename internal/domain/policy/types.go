// Package policy decides whether a tool call may proceed. Decisions come
// from an external policy engine or, when none is configured, from local
// CEL rules. Any failure to obtain a decision denies the call.
package policy

import "context"

// UnavailableMessage is the tool-result text returned when no decision
// could be obtained from the policy engine.
const UnavailableMessage = "Policy engine unavailable. Request denied (fail-closed)."

// DefaultDenyReason is used when a rule denies without giving a reason.
const DefaultDenyReason = "Denied by policy"

// Input carries the facts a policy decision is made from.
type Input struct {
	// Service and Tool are the resolved upstream names, not the namespaced
	// agent-facing form.
	Service string
	Tool    string

	UserID   string
	TenantID string

	// Arguments are the tool-call arguments, decoded for rule inspection.
	// The dispatcher forwards the raw bytes regardless of this copy.
	Arguments map[string]interface{}
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string

	// Unavailable marks decisions synthesized because the engine could not
	// be reached. Always paired with Allowed=false.
	Unavailable bool
}

// Engine produces decisions. Implementations: the remote policy service
// adapter and the local CEL rule engine.
type Engine interface {
	Authorize(ctx context.Context, in Input) (Decision, error)
}
