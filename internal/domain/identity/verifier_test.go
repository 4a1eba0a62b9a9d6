package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/mcpgate/mcpgate/internal/config"
)

const testKeyID = "test-key-1"

// testKeySet generates an RSA key and the JWKS set publishing its public
// half under testKeyID.
func testKeySet(t *testing.T) (*rsa.PrivateKey, jwk.Set) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pubKey, err := jwk.FromRaw(priv.Public())
	if err != nil {
		t.Fatalf("build jwk: %v", err)
	}
	if err := pubKey.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := pubKey.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		t.Fatalf("set alg: %v", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(pubKey); err != nil {
		t.Fatalf("add key: %v", err)
	}
	return priv, set
}

// testIssuer starts a JWKS endpoint for a freshly generated RSA key and
// returns the server plus a signer for minting tokens against it.
func testIssuer(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()

	priv, set := testKeySet(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return srv, priv
}

func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	t.Parallel()

	if _, err := NewVerifier(context.Background(), config.IdentityConfig{}); err == nil {
		t.Error("expected error for empty identity configuration")
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	srv, priv := testIssuer(t)
	issuer := "https://idp.example.com/realms/mcpgate"

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cache := jwk.NewCache(ctx)
	if err := cache.Register(srv.URL); err != nil {
		t.Fatalf("register jwks: %v", err)
	}
	v := &Verifier{
		issuer:  issuer,
		jwksURL: srv.URL,
		leeway:  10 * time.Second,
		keys:    cache,
	}

	now := time.Now()
	base := jwt.MapClaims{
		"iss":                issuer,
		"sub":                "user-42",
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"tenant_id":          "acme",
		"preferred_username": "jdoe",
	}

	t.Run("valid token", func(t *testing.T) {
		id, err := v.Verify(ctx, signToken(t, priv, base))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if id.UserID != "user-42" || id.TenantID != "acme" || id.Username != "jdoe" {
			t.Errorf("identity = %+v", id)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		if _, err := v.Verify(ctx, ""); !errors.Is(err, ErrMissingCredential) {
			t.Errorf("error = %v, want ErrMissingCredential", err)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if _, err := v.Verify(ctx, "not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		claims := jwt.MapClaims{
			"iss": issuer,
			"sub": "user-42",
			"exp": now.Add(-time.Hour).Unix(),
		}
		if _, err := v.Verify(ctx, signToken(t, priv, claims)); !errors.Is(err, ErrExpired) {
			t.Errorf("error = %v, want ErrExpired", err)
		}
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		claims := jwt.MapClaims{
			"iss": "https://evil.example.com",
			"sub": "user-42",
			"exp": now.Add(time.Hour).Unix(),
		}
		if _, err := v.Verify(ctx, signToken(t, priv, claims)); !errors.Is(err, ErrIssuerMismatch) {
			t.Errorf("error = %v, want ErrIssuerMismatch", err)
		}
	})

	t.Run("missing sub", func(t *testing.T) {
		claims := jwt.MapClaims{
			"iss": issuer,
			"exp": now.Add(time.Hour).Unix(),
		}
		if _, err := v.Verify(ctx, signToken(t, priv, claims)); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("unsigned token rejected", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, base)
		token.Header["kid"] = testKeyID
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := v.Verify(ctx, signed); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})
}

// TestVerifyCachesJWKS verifies repeated verifications are served from the
// key cache instead of refetching the JWKS per request.
func TestVerifyCachesJWKS(t *testing.T) {
	t.Parallel()

	priv, set := testKeySet(t)
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	v, err := NewVerifier(ctx, config.IdentityConfig{URL: srv.URL, Realm: "agents"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for i := 0; i < 3; i++ {
		if _, err := v.Verify(ctx, signToken(t, priv, claims)); err != nil {
			t.Fatalf("Verify #%d: %v", i+1, err)
		}
	}

	if got := fetches.Load(); got != 1 {
		t.Errorf("JWKS fetches = %d, want 1", got)
	}
}

func TestBearerFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"no header", "", ""},
		{"wrong scheme", "Basic dXNlcg==", ""},
		{"scheme only", "Bearer", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := BearerFromRequest(r); got != tt.want {
				t.Errorf("BearerFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChallenge(t *testing.T) {
	t.Parallel()

	got := Challenge("https://gate.example.com/")
	want := `Bearer resource_metadata="https://gate.example.com/.well-known/oauth-protected-resource"`
	if got != want {
		t.Errorf("Challenge() = %s, want %s", got, want)
	}
}
