// Package oauth implements the authorization facade: the proxy presents
// itself as a self-contained OAuth authorization server while delegating
// every flow to the external identity provider. The facade exists because
// browser-based agents cannot tolerate cross-origin calls to the provider;
// it never holds credentials of its own.
package oauth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/internal/config"
)

// maxTokenResponseSize bounds the provider's token endpoint response.
const maxTokenResponseSize = 1 * 1024 * 1024 // 1MB

// protectedResourceMetadata is the RFC 9728 document served under
// /.well-known/oauth-protected-resource.
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// authServerMetadata is the RFC 8414 document served under
// /.well-known/oauth-authorization-server.
type authServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// registrationResponse echoes a dynamic client registration request. The
// proxy hands out the one configured public client; no registry is kept.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Facade serves the four authorization endpoints.
type Facade struct {
	externalURL string // this proxy's browser-visible origin
	identity    config.IdentityConfig
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewFacade creates the facade. externalURL is the proxy's own
// browser-visible base URL ("https://gate.example.com").
func NewFacade(externalURL string, identity config.IdentityConfig, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		externalURL: strings.TrimRight(externalURL, "/"),
		identity:    identity,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// Register mounts the facade's routes. The well-known paths match with any
// suffix: RFC 9728 clients append the resource path to the metadata URL.
func (f *Facade) Register(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-protected-resource", f.handleProtectedResource)
	mux.HandleFunc("/.well-known/oauth-protected-resource/", f.handleProtectedResource)
	mux.HandleFunc("/.well-known/oauth-authorization-server", f.handleAuthServer)
	mux.HandleFunc("/.well-known/oauth-authorization-server/", f.handleAuthServer)
	mux.HandleFunc("/authorize", f.handleAuthorize)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/register", f.handleRegister)
}

func (f *Facade) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, protectedResourceMetadata{
		Resource:               f.externalURL,
		AuthorizationServers:   []string{f.externalURL},
		BearerMethodsSupported: []string{"header", "query"},
	})
}

func (f *Facade) handleAuthServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, authServerMetadata{
		Issuer:                            f.externalURL,
		AuthorizationEndpoint:             f.externalURL + "/authorize",
		TokenEndpoint:                     f.externalURL + "/token",
		RegistrationEndpoint:              f.externalURL + "/register",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

// handleAuthorize redirects the browser to the provider's authorization
// endpoint on its externally reachable base, preserving the query string.
func (f *Facade) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := f.identity.AuthorizeURL()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleToken proxies the token exchange to the provider's internally
// reachable token endpoint and passes the response through verbatim.
func (f *Facade) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, f.identity.TokenURL(), r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/x-www-form-urlencoded"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.Warn("token proxy failed", "error", err)
		http.Error(w, "identity provider unreachable", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, io.LimitReader(resp.Body, maxTokenResponseSize))
}

// handleRegister echoes a dynamic registration response for the configured
// public client.
func (f *Facade) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RedirectURIs []string `json:"redirect_uris"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}

	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                f.identity.ClientID,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
