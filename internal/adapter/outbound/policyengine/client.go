// Package policyengine is the HTTP adapter for the external policy engine.
package policyengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/internal/domain/policy"
)

// maxResponseSize bounds a policy engine response body.
const maxResponseSize = 1 * 1024 * 1024 // 1MB

// checkRequest is the wire shape of a policy check.
type checkRequest struct {
	Service   string                 `json:"service"`
	Tool      string                 `json:"tool"`
	UserID    string                 `json:"userId"`
	TenantID  string                 `json:"tenantId,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// checkResponse is the wire shape of a policy decision.
type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Client calls the external policy engine over HTTP. It implements
// policy.Engine; the gate on top of it supplies the fail-closed behavior.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client for the policy engine endpoint.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Authorize POSTs the check and parses the decision. Any transport failure,
// non-200 status, or unparseable body is an error; the gate turns those into
// denials.
func (c *Client) Authorize(ctx context.Context, in policy.Input) (policy.Decision, error) {
	body, err := json.Marshal(checkRequest{
		Service:   in.Service,
		Tool:      in.Tool,
		UserID:    in.UserID,
		TenantID:  in.TenantID,
		Arguments: in.Arguments,
	})
	if err != nil {
		return policy.Decision{}, fmt.Errorf("marshal policy check: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return policy.Decision{}, fmt.Errorf("create policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("policy request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return policy.Decision{}, fmt.Errorf("read policy response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return policy.Decision{}, fmt.Errorf("policy engine returned status %d", resp.StatusCode)
	}

	var decision checkResponse
	if err := json.Unmarshal(raw, &decision); err != nil {
		return policy.Decision{}, fmt.Errorf("parse policy response: %w", err)
	}

	return policy.Decision{Allowed: decision.Allowed, Reason: decision.Reason}, nil
}

// Compile-time check that Client implements policy.Engine.
var _ policy.Engine = (*Client)(nil)
