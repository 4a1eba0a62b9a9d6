package httpapi

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, f *fixture, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/mcp/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial failed with status %d: %v", resp.StatusCode, err)
		}
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSRequiresAuthAtUpgrade(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/mcp/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without credentials should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v, want 401", resp)
	}
	_ = resp.Body.Close()
}

func TestWSRequestResponse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := dialWS(t, f, "good-token")

	req := `{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"search.web","arguments":{"q":"dogs"}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(payload), `"id":11`) {
		t.Errorf("response = %s", payload)
	}
	if !strings.Contains(string(payload), `{\"q\":\"dogs\"}`) {
		t.Errorf("response = %s, want echoed arguments", payload)
	}
}

func TestWSNotificationDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := dialWS(t, f, "good-token")

	// Wait for the session to register, then route a notification to it.
	var sessionID string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if all := f.sessions.All(); len(all) == 1 {
			sessionID = all[0].ID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sessionID == "" {
		t.Fatal("websocket session never registered")
	}

	notification := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	if !f.router.Send(sessionID, notification) {
		t.Fatal("Send returned false")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != string(notification) {
		t.Errorf("frame = %s, want verbatim notification", payload)
	}
}

func TestWSDisconnectReleasesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := dialWS(t, f, "good-token")

	// Create an upstream session owned by this connection.
	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search.web","arguments":{}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	if f.manager.Len() != 1 {
		t.Fatalf("upstream sessions = %d, want 1", f.manager.Len())
	}

	_ = conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.sessions.Len() == 0 && f.manager.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sessions not released: agent=%d upstream=%d", f.sessions.Len(), f.manager.Len())
}
