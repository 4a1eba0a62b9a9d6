package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for field, val := range map[string]string{
		"server.session_max_age": c.Server.SessionMaxAge,
		"identity.clock_leeway":  c.Identity.ClockLeeway,
		"policy.timeout":         c.Policy.Timeout,
		"credentials.cache_ttl":  c.Credentials.CacheTTL,
		"credentials.timeout":    c.Credentials.Timeout,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", field, val)
		}
	}

	// Identity is required unless running in dev mode (where unauthenticated
	// local use is tolerated).
	if !c.DevMode {
		if c.Identity.URL == "" {
			return errors.New("identity.url is required (or set KEYCLOAK_URL)")
		}
		if c.Identity.Realm == "" {
			return errors.New("identity.realm is required (or set KEYCLOAK_REALM)")
		}
	}

	return nil
}

// Validate checks the catalog's per-service transport schema invariant:
// STDIO needs a command, HTTP_STREAM and WEBSOCKET need an endpoint.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		s := &c.Services[i]
		if s.Name == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("service %q: duplicate name", s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("service %q: command is required for STDIO transport", s.Name)
			}
		case TransportHTTPStream, TransportWebSocket:
			if s.Endpoint == "" {
				return fmt.Errorf("service %q: endpoint is required for %s transport", s.Name, s.Transport)
			}
			parsed, err := url.Parse(s.Endpoint)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return fmt.Errorf("service %q: endpoint is not a valid URL", s.Name)
			}
			if s.Transport == TransportWebSocket && parsed.Scheme != "ws" && parsed.Scheme != "wss" {
				return fmt.Errorf("service %q: websocket endpoint must use ws:// or wss://", s.Name)
			}
		default:
			return fmt.Errorf("service %q: transport must be one of %s, %s, %s",
				s.Name, TransportStdio, TransportHTTPStream, TransportWebSocket)
		}

		toolSeen := make(map[string]bool, len(s.Tools))
		for _, tool := range s.Tools {
			if tool.Name == "" {
				return fmt.Errorf("service %q: tool name is required", s.Name)
			}
			if toolSeen[tool.Name] {
				return fmt.Errorf("service %q: duplicate tool %q", s.Name, tool.Name)
			}
			toolSeen[tool.Name] = true
		}
	}
	return nil
}

// formatValidationErrors converts validator errors into actionable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config validation: %s", strings.Join(msgs, "; "))
}
