package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/domain/credential"
	"github.com/mcpgate/mcpgate/internal/domain/identity"
	"github.com/mcpgate/mcpgate/internal/domain/policy"
	"github.com/mcpgate/mcpgate/internal/domain/registry"
	"github.com/mcpgate/mcpgate/internal/domain/session"
	"github.com/mcpgate/mcpgate/internal/service"
	"github.com/mcpgate/mcpgate/pkg/mcp"
)

// stubVerifier accepts exactly one token.
type stubVerifier struct {
	token string
	id    *identity.Identity
}

func (v *stubVerifier) Verify(_ context.Context, token string) (*identity.Identity, error) {
	if token == v.token && token != "" {
		return v.id, nil
	}
	return nil, identity.ErrInvalidToken
}

// allowAll is a policy engine that permits everything.
type allowAll struct{}

func (allowAll) Authorize(context.Context, policy.Input) (policy.Decision, error) {
	return policy.Decision{Allowed: true}, nil
}

// echoClient answers every tool call with its arguments.
type echoClient struct{}

func (echoClient) CallTool(_ context.Context, _ string, args json.RawMessage) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.NewTextContent(string(args))}}, nil
}

func (echoClient) ListTools(context.Context) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (echoClient) Close() error { return nil }

type fixture struct {
	srv      *httptest.Server
	sessions *session.Store
	router   *service.NotificationRouter
	manager  *service.UpstreamManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.New(&config.Catalog{Services: []config.ServiceDefinition{
		{
			Name:      "search",
			Transport: config.TransportStdio,
			Command:   "echo-mcp",
			Enabled:   true,
			Tools: []config.ToolDefinition{
				{Name: "web", Description: "Web search", Enabled: true},
			},
		},
	}})

	gate := policy.NewGate(allowAll{}, time.Second, nil)
	injector := credential.NewInjector(nil, time.Minute, nil)
	router := service.NewNotificationRouter(nil)
	factory := func(context.Context, *config.ServiceDefinition, map[string]string, func([]byte)) (service.UpstreamClient, error) {
		return echoClient{}, nil
	}
	manager := service.NewUpstreamManager(factory, injector, router, time.Second, nil)
	dispatcher := service.NewDispatcher(reg, gate, manager, nil)

	sessions := session.NewStore(time.Hour, nil)
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg, manager.Len)
	dispatcher.SetObserver(metrics)

	verifier := &stubVerifier{
		token: "good-token",
		id:    &identity.Identity{UserID: "u@x", TenantID: "acme"},
	}

	transport := NewTransport(
		NewHandler(dispatcher, sessions, router, manager, metrics, "http://gate.test", 8, nil),
		verifier,
		"http://gate.test",
		WithPrometheusRegistry(promReg),
	)
	srv := httptest.NewServer(transport.Routes())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, sessions: sessions, router: router, manager: manager}
}

func postMCP(t *testing.T, f *fixture, token, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMCPPostRequiresAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"wrong token", "bad-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postMCP(t, f, tt.token, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
			challenge := resp.Header.Get("WWW-Authenticate")
			if !strings.Contains(challenge, "resource_metadata=") {
				t.Errorf("WWW-Authenticate = %q, want resource_metadata pointer", challenge)
			}
		})
	}
}

func TestMCPPostDispatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := postMCP(t, f, "good-token",
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"search.web","arguments":{"q":"cats"}}}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var rpc struct {
		ID     int `json:"id"`
		Result struct {
			IsError bool `json:"isError"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		t.Fatal(err)
	}
	if rpc.ID != 7 || rpc.Result.IsError {
		t.Fatalf("response = %+v", rpc)
	}
	if rpc.Result.Content[0].Text != `{"q":"cats"}` {
		t.Errorf("echoed args = %q", rpc.Result.Content[0].Text)
	}
}

func TestMCPPostNotificationGets202(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := postMCP(t, f, "good-token", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 without credentials", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %s", body)
	}
}

func TestMetricsIsServed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "mcpgate_upstream_sessions") {
		t.Error("scrape output missing mcpgate_upstream_sessions")
	}
}

func TestMessageRejectsUnknownSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/message?sessionId=ghost",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/message",
		strings.NewReader(`{}`))
	req2.Header.Set("Authorization", "Bearer good-token")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp2.Body.Close() }()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing sessionId", resp2.StatusCode)
	}
}

func TestMessageDeliversResponseToSessionQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// Register a session directly, as the SSE handler would.
	sess := session.New("u@x", session.KindSSE, 8)
	f.sessions.Put(sess)
	f.router.Register(sess.ID, sess.Deliver)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/message?sessionId="+sess.ID,
		strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (response travels over the stream)", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("POST body = %q, want empty", body)
	}

	select {
	case payload := <-sess.Outbound():
		if !strings.Contains(string(payload), `"id":3`) {
			t.Errorf("queued response = %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response never reached the session queue")
	}
}

func TestMessageQueueFullDropsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	sess := session.New("u@x", session.KindSSE, 1)
	f.sessions.Put(sess)
	f.router.Register(sess.ID, sess.Deliver)
	if err := sess.Deliver([]byte("{}")); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/message?sessionId="+sess.ID,
		strings.NewReader(`{"jsonrpc":"2.0","id":4,"method":"ping"}`))
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if f.sessions.Get(sess.ID) != nil {
		t.Error("stuck session should have been removed")
	}
	if delivered := sess.Deliver([]byte("{}")); !errors.Is(delivered, session.ErrSessionClosed) {
		t.Errorf("Deliver after drop = %v, want ErrSessionClosed", delivered)
	}
}
