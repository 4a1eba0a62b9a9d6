// Package config provides configuration types for the mcpgate proxy.
//
// Configuration splits into two parts:
//
//   - The gateway's own settings (listener, identity provider, policy engine,
//     credential service) load from a YAML file via viper, with deployment
//     environment variables taking precedence.
//   - The service catalog (upstream MCP services and their tools) loads from
//     a separate YAML document, either a local file or a remote configuration
//     service, and is reloadable at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransportKind identifies the transport protocol for an upstream service.
type TransportKind string

const (
	// TransportStdio spawns the service as a child process speaking
	// newline-delimited JSON-RPC on stdin/stdout.
	TransportStdio TransportKind = "STDIO"
	// TransportHTTPStream connects via MCP Streamable HTTP.
	TransportHTTPStream TransportKind = "HTTP_STREAM"
	// TransportWebSocket connects via a single WebSocket framing JSON-RPC
	// both ways.
	TransportWebSocket TransportKind = "WEBSOCKET"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	// Server configures the HTTP listener and agent-session housekeeping.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Identity configures the external OIDC provider.
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`

	// Policy configures the external policy engine (or local CEL rules).
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Credentials configures the external credential service.
	Credentials CredentialConfig `yaml:"credentials" mapstructure:"credentials"`

	// Catalog locates the service catalog.
	Catalog CatalogConfig `yaml:"catalog" mapstructure:"catalog"`

	// DevMode enables development features (debug logging, local policy
	// rules defaulting to allow).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Host is the listen host. Defaults to "127.0.0.1". Env: HOST.
	Host string `yaml:"host" mapstructure:"host"`

	// Port is the listen port. Defaults to 8080. Env: PORT.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// ExternalURL is the browser-visible base URL of this gateway, used in
	// OAuth metadata and the SSE endpoint event. Defaults to
	// "http://<host>:<port>".
	ExternalURL string `yaml:"external_url" mapstructure:"external_url" validate:"omitempty,url"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// SessionMaxAge is how long an idle agent session may live before the
	// background sweep discards it (e.g. "1h"). Defaults to "1h".
	SessionMaxAge string `yaml:"session_max_age" mapstructure:"session_max_age" validate:"omitempty"`

	// QueueSize is the per-session outbound queue capacity. Defaults to 64.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`
}

// IdentityConfig locates the external OIDC provider. The internal URL is used
// for key fetches and token exchange; the external URL is what a browser can
// reach and is only ever used for the /authorize redirect.
type IdentityConfig struct {
	// URL is the internally reachable provider base (e.g.
	// "http://keycloak:8080"). Env: KEYCLOAK_URL.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// ExternalURL is the browser-visible provider base. Env:
	// KEYCLOAK_EXTERNAL_URL. Defaults to URL.
	ExternalURL string `yaml:"external_url" mapstructure:"external_url" validate:"omitempty,url"`

	// Realm is the provider realm name. Env: KEYCLOAK_REALM.
	Realm string `yaml:"realm" mapstructure:"realm"`

	// Issuer is the expected "iss" claim. Env: KEYCLOAK_ISSUER.
	// Defaults to "<ExternalURL>/realms/<Realm>".
	Issuer string `yaml:"issuer" mapstructure:"issuer"`

	// ClientID is the public client id echoed from /register.
	// Env: KEYCLOAK_CLIENT_ID.
	ClientID string `yaml:"client_id" mapstructure:"client_id"`

	// ClockLeeway tolerates clock skew when validating exp/nbf (e.g. "10s").
	// Defaults to "10s".
	ClockLeeway string `yaml:"clock_leeway" mapstructure:"clock_leeway" validate:"omitempty"`
}

// JWKSURL returns the provider's published key endpoint (internal base).
func (c IdentityConfig) JWKSURL() string {
	if c.URL == "" || c.Realm == "" {
		return ""
	}
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", c.URL, c.Realm)
}

// AuthorizeURL returns the provider's authorization endpoint on the
// browser-visible base.
func (c IdentityConfig) AuthorizeURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/auth", c.ExternalURL, c.Realm)
}

// TokenURL returns the provider's token endpoint on the internal base.
func (c IdentityConfig) TokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.URL, c.Realm)
}

// PolicyConfig configures tool-call authorization.
type PolicyConfig struct {
	// URL is the external policy engine endpoint. When empty, local Rules
	// are evaluated instead. Env: POLICY_SERVICE_URL.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Timeout bounds each policy call (e.g. "5s"). Expiry denies
	// (fail-closed). Defaults to "5s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`

	// Rules are local CEL rules, evaluated in order, first match wins.
	// Only consulted when URL is empty. Variables: service, tool, user.
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// RuleConfig is a single local policy rule.
type RuleConfig struct {
	// Name is a human-readable identifier for this rule.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Condition is a CEL expression over service, tool, and user.
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`

	// Action is "allow" or "deny".
	Action string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny"`
}

// CredentialConfig configures the external credential service.
type CredentialConfig struct {
	// URL is the credential service endpoint. When empty, all fetches
	// return empty credential maps. Env: CREDENTIAL_SERVICE_URL.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// CacheTTL is how long fetched credentials stay cached (e.g. "5m").
	// Defaults to "5m".
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty"`

	// Timeout bounds each credential fetch. Defaults to "10s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`
}

// CatalogConfig locates the service catalog document.
type CatalogConfig struct {
	// Path is a local YAML catalog file.
	Path string `yaml:"path" mapstructure:"path"`

	// ServiceURL fetches the catalog from a remote configuration service.
	// Takes precedence over Path when set. Env: CONFIG_SERVICE_URL.
	ServiceURL string `yaml:"service_url" mapstructure:"service_url" validate:"omitempty,url"`
}

// ServiceDefinition describes one upstream MCP service in the catalog.
type ServiceDefinition struct {
	// Name is the stable identifier, used as the namespace prefix.
	Name string `yaml:"name" validate:"required"`

	// DisplayName is the human-readable name prefixed onto tool
	// descriptions. Defaults to Name.
	DisplayName string `yaml:"display_name"`

	// Transport selects the connection type.
	Transport TransportKind `yaml:"transport" validate:"required,oneof=STDIO HTTP_STREAM WEBSOCKET"`

	// Enabled gates the whole service.
	Enabled bool `yaml:"enabled"`

	// Command is the executable to spawn (STDIO only).
	Command string `yaml:"command"`

	// Args are passed to the command (STDIO only).
	Args []string `yaml:"args"`

	// Endpoint is the URL of the service (HTTP_STREAM and WEBSOCKET).
	Endpoint string `yaml:"endpoint"`

	// Tools is the ordered tool list for this service.
	Tools []ToolDefinition `yaml:"tools" validate:"dive"`

	// RequiresCredentials marks services that need material from the
	// credential service before connecting.
	RequiresCredentials bool `yaml:"requires_credentials"`
}

// ToolDefinition describes one tool within a service.
type ToolDefinition struct {
	// Name is unique within its service.
	Name string `yaml:"name" validate:"required"`

	// Description is the upstream-provided tool description.
	Description string `yaml:"description"`

	// Enabled gates the individual tool.
	Enabled bool `yaml:"enabled"`

	// InputSchema is the tool's JSON-Schema object ("properties",
	// "required"). Parsed from YAML, exposed to agents as JSON verbatim.
	InputSchema map[string]interface{} `yaml:"input_schema"`
}

// InputSchemaJSON renders the tool's input schema as JSON. Returns nil when
// no schema is declared.
func (t ToolDefinition) InputSchemaJSON() json.RawMessage {
	if t.InputSchema == nil {
		return nil
	}
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil
	}
	return raw
}

// Catalog is the reloadable service catalog document.
type Catalog struct {
	Services []ServiceDefinition `yaml:"services" validate:"dive"`
}

// Service returns the definition with the given name, or nil.
func (c *Catalog) Service(name string) *ServiceDefinition {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i]
		}
	}
	return nil
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ExternalURL == "" {
		c.Server.ExternalURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SessionMaxAge == "" {
		c.Server.SessionMaxAge = "1h"
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 64
	}

	if c.Identity.ExternalURL == "" {
		c.Identity.ExternalURL = c.Identity.URL
	}
	if c.Identity.Issuer == "" && c.Identity.ExternalURL != "" && c.Identity.Realm != "" {
		c.Identity.Issuer = fmt.Sprintf("%s/realms/%s", c.Identity.ExternalURL, c.Identity.Realm)
	}
	if c.Identity.ClockLeeway == "" {
		c.Identity.ClockLeeway = "10s"
	}

	if c.Policy.Timeout == "" {
		c.Policy.Timeout = "5s"
	}

	if c.Credentials.CacheTTL == "" {
		c.Credentials.CacheTTL = "5m"
	}
	if c.Credentials.Timeout == "" {
		c.Credentials.Timeout = "10s"
	}
}

// SetDevDefaults applies permissive defaults for development mode. Applied
// before validation so a bare "dev_mode: true" config can serve traffic.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// Allow everything locally when neither a policy engine nor rules are
	// configured. Production keeps default-deny.
	if c.Policy.URL == "" && len(c.Policy.Rules) == 0 {
		c.Policy.Rules = []RuleConfig{
			{
				Name:      "dev-allow-all",
				Condition: "true",
				Action:    "allow",
			},
		}
	}
}

// Duration parses a duration field that has already passed validation,
// falling back to def on error or empty input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ListenAddr returns the host:port pair for the listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
