// Package credvault is the HTTP adapter for the external credential service.
package credvault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/internal/domain/credential"
)

// maxResponseSize bounds a credential service response body.
const maxResponseSize = 1 * 1024 * 1024 // 1MB

// fetchRequest is the wire shape of a credential lookup.
type fetchRequest struct {
	Service   string `json:"service"`
	Operation string `json:"operation,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	UserID    string `json:"userId"`
}

// fetchResponse is the wire shape of the lookup result. The service may
// return the mapping nested under "credentials" or as the top-level object.
type fetchResponse struct {
	Credentials map[string]string `json:"credentials"`
}

// Client calls the external credential service over HTTP. It implements
// credential.Source; the injector on top of it supplies caching and the
// degrade-to-empty behavior.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client for the credential service endpoint.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch POSTs the lookup and returns the field mapping.
func (c *Client) Fetch(ctx context.Context, req credential.Request) (map[string]string, error) {
	body, err := json.Marshal(fetchRequest{
		Service:   req.Service,
		Operation: req.Operation,
		TenantID:  req.TenantID,
		UserID:    req.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal credential request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create credential request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("credential request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read credential response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// No credentials provisioned for this identity.
		return map[string]string{}, nil
	default:
		return nil, fmt.Errorf("credential service returned status %d", resp.StatusCode)
	}

	var nested fetchResponse
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Credentials != nil {
		return nested.Credentials, nil
	}

	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("parse credential response: %w", err)
	}
	return flat, nil
}

// Compile-time check that Client implements credential.Source.
var _ credential.Source = (*Client)(nil)
