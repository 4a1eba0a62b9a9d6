package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/internal/domain/policy"
	"github.com/mcpgate/mcpgate/internal/domain/registry"
	"github.com/mcpgate/mcpgate/internal/domain/upstream"
	"github.com/mcpgate/mcpgate/pkg/mcp"
)

// serverName and serverVersion identify the proxy in the agent-facing
// initialize response.
const (
	serverName    = "mcpgate"
	serverVersion = "1.0.0"
)

// nullID is the literal id used on error responses when the request id is
// unknown (parse failures).
var nullID = json.RawMessage("null")

// callContext is the auxiliary JSON object appended to every forwarded tool
// result as a trailing text block.
type callContext struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	Operation  string `json:"operation"`
	DurationMs int64  `json:"durationMs"`
	Timestamp  string `json:"timestamp"`
}

// CallObserver receives tool-call outcomes for metrics. Status is one of
// "success", "error", or "denied".
type CallObserver interface {
	ToolCall(service, tool, status string)
	PolicyDenied()
}

// Dispatcher turns one inbound JSON-RPC message into at most one response.
// All three agent transports share a single dispatcher; it keeps no
// per-connection state.
type Dispatcher struct {
	registry  *registry.Registry
	gate      *policy.Gate
	upstreams *UpstreamManager
	observer  CallObserver
	logger    *slog.Logger
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(reg *registry.Registry, gate *policy.Gate, upstreams *UpstreamManager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  reg,
		gate:      gate,
		upstreams: upstreams,
		logger:    logger,
	}
}

// SetObserver attaches a tool-call observer. Call before serving traffic.
func (d *Dispatcher) SetObserver(obs CallObserver) {
	d.observer = obs
}

// Dispatch handles one raw JSON-RPC message for the given verified user.
// The returned bytes are the complete wire response, or nil when the message
// produces none (notifications, responses, id==null).
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, uc upstream.UserContext) []byte {
	msg, err := mcp.WrapMessage(raw)
	if err != nil {
		return mcp.NewErrorResponse(nullID, -32700, "Parse error")
	}

	req := msg.Request()
	if req == nil {
		// A response or other non-request from the agent; nothing to do.
		return nil
	}

	if msg.IsNotification() || msg.RawID() == nil {
		d.handleNotification(req.Method)
		return nil
	}
	rawID := msg.RawID()

	switch req.Method {
	case "initialize":
		return d.handleInitialize(rawID)
	case "tools/list":
		return d.handleToolsList(rawID)
	case "tools/call":
		return d.handleToolsCall(ctx, msg, rawID, uc)
	case "ping":
		return d.resultOrInternalError(rawID, map[string]interface{}{})
	default:
		return mcp.NewErrorResponse(rawID, -32601, "Method not found")
	}
}

// handleNotification accepts agent notifications silently.
func (d *Dispatcher) handleNotification(method string) {
	d.logger.Debug("agent notification", "method", method)
}

func (d *Dispatcher) handleInitialize(rawID json.RawMessage) []byte {
	return d.resultOrInternalError(rawID, mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities: mcp.Capabilities{
			Tools: mcp.ToolCapabilities{ListChanged: true},
		},
		ServerInfo: mcp.ServerInfo{Name: serverName, Version: serverVersion},
	})
}

func (d *Dispatcher) handleToolsList(rawID json.RawMessage) []byte {
	tools := d.registry.List()
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return d.resultOrInternalError(rawID, mcp.ListToolsResult{Tools: tools})
}

// handleToolsCall runs the full pipeline: resolve, policy check (exactly
// once), forward, decorate. Every path returns exactly one response echoing
// the request id.
func (d *Dispatcher) handleToolsCall(ctx context.Context, msg *mcp.Message, rawID json.RawMessage, uc upstream.UserContext) []byte {
	req := msg.Request()

	var params mcp.CallToolParams
	if req.Params == nil {
		return mcp.NewErrorResponse(rawID, -32602, "Missing params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(rawID, -32602, "Invalid params")
	}

	resolved := d.registry.Resolve(params.Name)
	if resolved == nil {
		return d.toolError(rawID, fmt.Sprintf("Tool '%s' not found or disabled", params.Name))
	}

	decision := d.gate.Check(ctx, policy.Input{
		Service:   resolved.Service.Name,
		Tool:      resolved.Tool.Name,
		UserID:    uc.UserID,
		TenantID:  uc.TenantID,
		Arguments: decodeArguments(params.Arguments),
	})
	if !decision.Allowed {
		if d.observer != nil {
			d.observer.PolicyDenied()
			d.observer.ToolCall(resolved.Service.Name, resolved.Tool.Name, "denied")
		}
		return d.toolError(rawID, decision.Reason)
	}

	started := time.Now()
	result, err := d.upstreams.Forward(ctx, resolved.Service, resolved.Tool.Name, params.Arguments, uc)
	if err != nil {
		if d.observer != nil {
			d.observer.ToolCall(resolved.Service.Name, resolved.Tool.Name, "error")
		}
		return d.toolError(rawID, upstreamErrorText(err))
	}

	status := "SUCCESS"
	if result.IsError {
		status = "ERROR"
	}
	if d.observer != nil {
		d.observer.ToolCall(resolved.Service.Name, resolved.Tool.Name, strings.ToLower(status))
	}
	trailer, err := json.Marshal(callContext{
		Status:     status,
		Service:    resolved.Service.Name,
		Operation:  resolved.Tool.Name,
		DurationMs: time.Since(started).Milliseconds(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		result.Content = append(result.Content, mcp.NewTextContent(string(trailer)))
	}

	return d.resultOrInternalError(rawID, result)
}

// toolError builds a tools/call result carrying an error text block with
// isError set. Tool-level failures stay inside the result object; JSON-RPC
// error objects are reserved for protocol-level failures.
func (d *Dispatcher) toolError(rawID json.RawMessage, text string) []byte {
	return d.resultOrInternalError(rawID, mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.NewTextContent(text)},
		IsError: true,
	})
}

// resultOrInternalError marshals a success response, degrading to a
// JSON-RPC internal error if the result itself cannot be serialized.
func (d *Dispatcher) resultOrInternalError(rawID json.RawMessage, result interface{}) []byte {
	raw, err := mcp.NewResultResponse(rawID, result)
	if err != nil {
		d.logger.Error("failed to marshal response", "error", err)
		return mcp.NewErrorResponse(rawID, -32603, "Internal error")
	}
	return raw
}

// decodeArguments produces the map view of the raw arguments for policy
// inspection. The raw bytes still travel to the upstream untouched.
func decodeArguments(raw json.RawMessage) map[string]interface{} {
	if raw == nil {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}

// upstreamErrorText extracts the message an agent should see for a failed
// forward. Upstream JSON-RPC errors surface their own message; transport
// failures get a generic prefix.
func upstreamErrorText(err error) string {
	var callErr *upstream.CallError
	if errors.As(err, &callErr) {
		return callErr.Message
	}
	return fmt.Sprintf("Upstream error: %v", err)
}
