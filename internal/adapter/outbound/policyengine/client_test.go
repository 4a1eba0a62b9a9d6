package policyengine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/internal/domain/policy"
)

func TestAuthorize(t *testing.T) {
	t.Parallel()

	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"allowed":false,"reason":"tool disabled for tenant"}`)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, time.Second)
	decision, err := client.Authorize(context.Background(), policy.Input{
		Service:  "github",
		Tool:     "create_issue",
		UserID:   "user-1",
		TenantID: "acme",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if decision.Allowed {
		t.Error("expected denial")
	}
	if decision.Reason != "tool disabled for tenant" {
		t.Errorf("reason = %q", decision.Reason)
	}

	if gotBody["service"] != "github" || gotBody["tool"] != "create_issue" ||
		gotBody["userId"] != "user-1" || gotBody["tenantId"] != "acme" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestAuthorizeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-200 status", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"unparseable body", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "not json")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			client := NewClient(srv.URL, time.Second)
			if _, err := client.Authorize(context.Background(), policy.Input{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAuthorizeTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, 50*time.Millisecond)
	if _, err := client.Authorize(context.Background(), policy.Input{}); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestAuthorizeConnectionRefused(t *testing.T) {
	t.Parallel()

	client := NewClient("http://127.0.0.1:1/check", time.Second)
	if _, err := client.Authorize(context.Background(), policy.Input{}); err == nil {
		t.Fatal("expected connection error")
	}
}
