// Package identity verifies agent bearer tokens against the identity
// provider's JWKS and extracts the caller identity used for policy and
// credential decisions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/mcpgate/mcpgate/internal/config"
)

// jwksRefreshInterval is how long fetched keys are served before a background
// refetch. jwksMinRefreshInterval floors provider-driven refreshes at ten
// fetches per minute when the endpoint's cache headers ask for more.
const (
	jwksRefreshInterval    = 24 * time.Hour
	jwksMinRefreshInterval = 6 * time.Second
)

// Verification failure kinds. The transport layer maps all of them to 401.
var (
	ErrMissingCredential = errors.New("missing bearer token")
	ErrInvalidToken      = errors.New("invalid token")
	ErrIssuerMismatch    = errors.New("token issuer mismatch")
	ErrExpired           = errors.New("token expired")
)

// Identity is the verified caller extracted from a bearer token.
type Identity struct {
	UserID   string
	TenantID string
	Username string
	Claims   jwt.MapClaims
}

// Verifier validates bearer tokens using the provider's published JWKS.
// Keys are fetched lazily and cached; the jwk cache refreshes them in the
// background so key rotation does not interrupt traffic.
type Verifier struct {
	issuer   string
	jwksURL  string
	clientID string
	leeway   time.Duration
	keys     *jwk.Cache
}

// NewVerifier creates a verifier for the configured identity provider and
// registers its JWKS endpoint with the key cache. The context bounds the
// cache's background refresh loop.
func NewVerifier(ctx context.Context, cfg config.IdentityConfig) (*Verifier, error) {
	jwksURL := cfg.JWKSURL()
	if jwksURL == "" {
		return nil, errors.New("identity: JWKS URL is not configured")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL,
		jwk.WithRefreshInterval(jwksRefreshInterval),
		jwk.WithMinRefreshInterval(jwksMinRefreshInterval),
	); err != nil {
		return nil, fmt.Errorf("identity: failed to register JWKS URL: %w", err)
	}

	leeway, err := time.ParseDuration(cfg.ClockLeeway)
	if err != nil || leeway < 0 {
		leeway = 30 * time.Second
	}

	return &Verifier{
		issuer:   cfg.Issuer,
		jwksURL:  jwksURL,
		clientID: cfg.ClientID,
		leeway:   leeway,
		keys:     cache,
	}, nil
}

// Verify validates the token signature and standard claims and returns the
// caller identity. Any failure is one of the package's sentinel errors.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingCredential
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.signingKey(ctx, token)
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrIssuerMismatch
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return &Identity{
		UserID:   sub,
		TenantID: stringClaim(claims, "tenant_id"),
		Username: stringClaim(claims, "preferred_username"),
		Claims:   claims,
	}, nil
}

// signingKey resolves the token's kid against the cached JWKS.
func (v *Verifier) signingKey(ctx context.Context, token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.keys.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("failed to materialize key %q: %w", kid, err)
	}
	return rawKey, nil
}

// BearerFromRequest extracts the bearer token from the Authorization header.
// Returns "" when the header is absent or not a Bearer credential.
func BearerFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Challenge builds the WWW-Authenticate value returned with every 401. It
// points OAuth-aware clients at the protected-resource metadata document so
// they can discover the authorization server.
func Challenge(externalURL string) string {
	return fmt.Sprintf("Bearer resource_metadata=%q",
		strings.TrimRight(externalURL, "/")+"/.well-known/oauth-protected-resource")
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}
