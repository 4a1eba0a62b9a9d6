package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/internal/domain/upstream"
	"github.com/mcpgate/mcpgate/pkg/mcp"
)

// fakeTransport runs an in-memory MCP server over pipe pairs. serve is
// invoked once per request line and writes newline-delimited replies.
type fakeTransport struct {
	serve func(line []byte, out io.Writer)

	mu    sync.Mutex
	reqW  *io.PipeWriter
	respR *io.PipeReader
	respW *io.PipeWriter
	done  chan struct{}
}

func newFakeTransport(serve func(line []byte, out io.Writer)) *fakeTransport {
	return &fakeTransport{serve: serve, done: make(chan struct{})}
}

func (t *fakeTransport) Start(_ context.Context) (io.WriteCloser, io.ReadCloser, error) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	t.mu.Lock()
	t.reqW, t.respR, t.respW = reqW, respR, respW
	t.mu.Unlock()

	go func() {
		defer close(t.done)
		defer func() { _ = respW.Close() }()
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			t.serve(line, respW)
		}
	}()

	return reqW, respR, nil
}

func (t *fakeTransport) Wait() error {
	<-t.done
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reqW != nil {
		_ = t.reqW.Close()
	}
	if t.respR != nil {
		_ = t.respR.Close()
	}
	return nil
}

// push emits a server-initiated message outside any request/response pair.
func (t *fakeTransport) push(raw []byte) {
	t.mu.Lock()
	respW := t.respW
	t.mu.Unlock()
	_, _ = respW.Write(append(raw, '\n'))
}

// echoServe implements a minimal upstream: initialize, tools/list, a
// tools/call that echoes its arguments, and an always-failing tool.
func echoServe(line []byte, out io.Writer) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	if req.ID == nil {
		return // notification, no reply
	}

	reply := func(result interface{}) {
		raw, _ := json.Marshal(result)
		_, _ = fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%s,"result":%s}`+"\n", req.ID, raw)
	}

	switch req.Method {
	case "initialize":
		reply(mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			ServerInfo:      mcp.ServerInfo{Name: "echo", Version: "0.1.0"},
		})
	case "tools/list":
		reply(mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo"}}})
	case "tools/call":
		var params mcp.CallToolParams
		_ = json.Unmarshal(req.Params, &params)
		if params.Name == "boom" {
			_, _ = fmt.Fprintf(out,
				`{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"it broke"}}`+"\n", req.ID)
			return
		}
		reply(mcp.CallToolResult{Content: []mcp.ContentBlock{
			mcp.NewTextContent(string(params.Arguments)),
		}})
	case "ping":
		reply(map[string]interface{}{})
	default:
		_, _ = fmt.Fprintf(out,
			`{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"Method not found"}}`+"\n", req.ID)
	}
}

func connectedClient(t *testing.T, transport *fakeTransport, onNotify NotificationHandler) *Client {
	t.Helper()

	client := NewClient("echo", transport, onNotify, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	initResult, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if initResult.ProtocolVersion != mcp.ProtocolVersion {
		t.Fatalf("protocolVersion = %q", initResult.ProtocolVersion)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientCallToolPreservesArguments(t *testing.T) {
	t.Parallel()

	client := connectedClient(t, newFakeTransport(echoServe), nil)

	args := json.RawMessage(`{"count":3,"nested":{"pi":3.14},"flag":true}`)
	result, err := client.CallTool(context.Background(), "echo", args)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatal("unexpected isError")
	}
	if len(result.Content) != 1 {
		t.Fatalf("content length = %d", len(result.Content))
	}

	var text struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(result.Content[0].Raw(), &text); err != nil {
		t.Fatalf("parse content: %v", err)
	}
	if text.Text != string(args) {
		t.Errorf("echoed arguments = %s, want %s (byte fidelity)", text.Text, args)
	}
}

func TestClientUpstreamError(t *testing.T) {
	t.Parallel()

	client := connectedClient(t, newFakeTransport(echoServe), nil)

	_, err := client.CallTool(context.Background(), "boom", nil)
	var callErr *upstream.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error = %v, want *upstream.CallError", err)
	}
	if callErr.Code != -32000 || callErr.Message != "it broke" {
		t.Errorf("upstream error = %+v", callErr)
	}
}

func TestClientListToolsAndPing(t *testing.T) {
	t.Parallel()

	client := connectedClient(t, newFakeTransport(echoServe), nil)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", tools.Tools)
	}

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestClientNotificationHandler(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport(echoServe)
	got := make(chan []byte, 1)
	client := connectedClient(t, transport, func(raw []byte) { got <- raw })

	notification := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	transport.push(notification)

	select {
	case raw := <-got:
		if string(raw) != string(notification) {
			t.Errorf("notification bytes = %s, want verbatim passthrough", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler not invoked")
	}
	_ = client
}

func TestClientProgressNotificationsStayInternal(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport(echoServe)
	got := make(chan []byte, 1)
	client := connectedClient(t, transport, func(raw []byte) { got <- raw })

	transport.push([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`))
	transport.push([]byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{}}`))

	select {
	case raw := <-got:
		var msg struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(raw, &msg)
		if msg.Method != "notifications/message" {
			t.Errorf("handler saw %q, progress should be filtered", msg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the non-progress notification to arrive")
	}
	_ = client
}

func TestClientCallAfterClose(t *testing.T) {
	t.Parallel()

	client := connectedClient(t, newFakeTransport(echoServe), nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := client.Call(context.Background(), "ping", nil)
	if !errors.Is(err, ErrClientClosed) {
		t.Errorf("error = %v, want ErrClientClosed", err)
	}
}

func TestClientConnectFailsWithoutHandshake(t *testing.T) {
	t.Parallel()

	// A server that never answers: the handshake must respect the context.
	transport := newFakeTransport(func(_ []byte, _ io.Writer) {})
	client := NewClient("mute", transport, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := client.Connect(ctx); err == nil {
		t.Fatal("expected handshake failure")
	}
}
