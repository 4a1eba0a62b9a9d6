package policy

import (
	"context"
	"log/slog"
	"time"
)

// Gate wraps an Engine with the fail-closed contract: every tool call gets
// exactly one Check, and any error obtaining a decision is a denial.
type Gate struct {
	engine  Engine
	timeout time.Duration
	logger  *slog.Logger
}

// NewGate creates a gate over the given engine. The timeout bounds each
// decision; an expired check denies.
func NewGate(engine Engine, timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{engine: engine, timeout: timeout, logger: logger}
}

// Check obtains a decision for the call. It never returns an error: when the
// engine fails, times out, or is absent, the result is a denial carrying
// UnavailableMessage.
func (g *Gate) Check(ctx context.Context, in Input) Decision {
	if g.engine == nil {
		g.logger.Warn("no policy engine configured, denying",
			"service", in.Service, "tool", in.Tool, "user_id", in.UserID)
		return Decision{Allowed: false, Reason: UnavailableMessage, Unavailable: true}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	decision, err := g.engine.Authorize(ctx, in)
	if err != nil {
		g.logger.Warn("policy check failed, denying",
			"service", in.Service, "tool", in.Tool, "user_id", in.UserID, "error", err)
		return Decision{Allowed: false, Reason: UnavailableMessage, Unavailable: true}
	}

	if !decision.Allowed && decision.Reason == "" {
		decision.Reason = DefaultDenyReason
	}
	return decision
}
