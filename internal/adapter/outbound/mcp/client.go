// Package mcp provides the upstream MCP client and its transport adapters
// (stdio subprocess, streamable HTTP, websocket).
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mcpgate/mcpgate/internal/domain/upstream"
	"github.com/mcpgate/mcpgate/internal/port/outbound"
	"github.com/mcpgate/mcpgate/pkg/mcp"
)

const (
	// scannerInitialBufSize is the initial buffer size for the message scanner.
	scannerInitialBufSize = 256 * 1024 // 256KB

	// scannerMaxBufSize is the maximum message size; larger messages cause
	// bufio.ErrTooLong and tear down the connection.
	scannerMaxBufSize = 1024 * 1024 // 1MB
)

// clientName and clientVersion identify the proxy in the initialize
// handshake with upstream services.
const (
	clientName    = "mcpgate"
	clientVersion = "1.0.0"
)

// ErrClientClosed is returned for calls made after the connection ended.
var ErrClientClosed = errors.New("upstream client closed")

// NotificationHandler receives server-initiated notifications that are not
// bound to any in-flight request. The raw wire bytes are passed through so
// re-serialization preserves the exact notification format.
type NotificationHandler func(raw []byte)

// wireMessage is the minimal decode of an upstream wire message, enough to
// route it without disturbing the raw bytes.
type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type pendingCall struct {
	result chan wireMessage
}

// Client is a correlating MCP client over one upstream transport. Requests
// carry generated integer ids; responses are matched back by id. Unmatched
// server-initiated notifications go to the notification handler.
type Client struct {
	service   string
	transport outbound.Transport
	onNotify  NotificationHandler
	logger    *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]pendingCall
	closed  bool

	done chan struct{}
}

// NewClient creates a client for the given service over the transport. The
// notification handler may be nil, in which case unbound notifications are
// dropped with a log line.
func NewClient(service string, transport outbound.Transport, onNotify NotificationHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		service:   service,
		transport: transport,
		onNotify:  onNotify,
		logger:    logger.With("service", service),
		pending:   make(map[int64]pendingCall),
		done:      make(chan struct{}),
	}
}

// Connect starts the transport, begins the read loop, and performs the MCP
// initialize handshake. On handshake failure the transport is closed.
func (c *Client) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	stdin, stdout, err := c.transport.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}
	c.stdin = stdin

	go c.readLoop(stdout)

	initResult, err := c.initialize(ctx)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}
	return initResult, nil
}

// initialize performs the handshake: an initialize request followed by the
// initialized notification.
func (c *Client) initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	params, err := json.Marshal(map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": mcp.ServerInfo{
			Name:    clientName,
			Version: clientVersion,
		},
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}

	if err := c.Notify("notifications/initialized", nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// Call sends a request and waits for its response. An upstream JSON-RPC
// error comes back as *UpstreamError.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	call := pendingCall{result: make(chan wireMessage, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int64           `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := c.send(raw); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	case msg := <-call.result:
		if msg.Error != nil {
			return nil, &upstream.CallError{Code: msg.Error.Code, Message: msg.Error.Message}
		}
		return msg.Result, nil
	}
}

// Notify sends a notification (no id, no response).
func (c *Client) Notify(method string, params interface{}) error {
	raw, err := mcp.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(raw)
}

// ListTools fetches the upstream tool list.
func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	raw, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return &result, nil
}

// CallTool invokes an upstream tool. The argument bytes pass through
// unmodified.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	params, err := json.Marshal(mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	raw, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks upstream liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// Done closes when the read loop ends, for callers that watch liveness.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the transport and fails all in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.transport.Close()

	select {
	case <-c.done:
	default:
		// The read loop may never have started (transport failed early).
	}
	return err
}

// send writes one newline-delimited message. Writes are serialized so
// concurrent calls cannot interleave frames.
func (c *Client) send(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return ErrClientClosed
	}
	if _, err := c.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write upstream: %w", err)
	}
	return nil
}

// readLoop scans newline-delimited messages and routes them: responses to
// their pending call, notifications to the handler, server-to-client
// requests to a method-not-found reply.
func (c *Client) readLoop(stdout io.ReadCloser) {
	defer close(c.done)
	defer c.failPending()

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("discarding unparseable upstream message", "error", err)
			continue
		}

		switch {
		case msg.Method == "" && msg.ID != nil:
			c.dispatchResponse(msg)
		case msg.Method != "" && (msg.ID == nil || string(msg.ID) == "null"):
			c.handleNotification(raw, msg.Method)
		case msg.Method != "":
			// Server-to-client request. The proxy does not support sampling
			// or other reverse requests.
			reply := mcp.NewErrorResponse(msg.ID, -32601, "Method not found")
			if err := c.send(reply); err != nil {
				return
			}
		default:
			c.logger.Warn("discarding upstream message with no method or id")
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("upstream read loop ended", "error", err)
	}
}

// dispatchResponse delivers a response to its pending call by id.
func (c *Client) dispatchResponse(msg wireMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Warn("upstream response with non-numeric id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	call, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("upstream response with unknown id", "id", id)
		return
	}
	call.result <- msg
}

// handleNotification passes an unbound notification to the handler. Progress
// notifications stay internal; they are bound to an in-flight request.
func (c *Client) handleNotification(raw []byte, method string) {
	if method == "notifications/progress" {
		c.logger.Debug("dropping progress notification")
		return
	}
	if c.onNotify == nil {
		c.logger.Debug("dropping unbound upstream notification", "method", method)
		return
	}
	c.onNotify(raw)
}

// failPending marks the client closed and unblocks every in-flight call.
func (c *Client) failPending() {
	c.mu.Lock()
	c.closed = true
	c.pending = make(map[int64]pendingCall)
	c.mu.Unlock()
}
