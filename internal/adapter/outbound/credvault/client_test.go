package credvault

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/internal/domain/credential"
)

func TestFetchNestedShape(t *testing.T) {
	t.Parallel()

	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"credentials":{"GITHUB_TOKEN":"tok","GITHUB_ORG":"acme"}}`)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, time.Second)
	got, err := client.Fetch(context.Background(), credential.Request{
		Service:   "github",
		Operation: "create_issue",
		TenantID:  "acme",
		UserID:    "user-1",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	want := map[string]string{"GITHUB_TOKEN": "tok", "GITHUB_ORG": "acme"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Fetch() = %v, want %v", got, want)
	}
	if gotBody["service"] != "github" || gotBody["userId"] != "user-1" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestFetchFlatShape(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"API_KEY":"k"}`)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, time.Second)
	got, err := client.Fetch(context.Background(), credential.Request{Service: "s", UserID: "u"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got["API_KEY"] != "k" {
		t.Errorf("Fetch() = %v", got)
	}
}

func TestFetchNotFoundIsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, time.Second)
	got, err := client.Fetch(context.Background(), credential.Request{Service: "s", UserID: "u"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Fetch() = %v, want empty", got)
	}
}

func TestFetchServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, time.Second)
	if _, err := client.Fetch(context.Background(), credential.Request{}); err == nil {
		t.Fatal("expected error")
	}
}
