package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mcpgate/mcpgate/internal/ctxkey"
	"github.com/mcpgate/mcpgate/internal/domain/identity"
)

// TokenVerifier validates a bearer token and returns the caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*identity.Identity, error)
}

// LoggerKey is the context key for the enriched logger.
// Uses the shared key type from ctxkey to allow cross-package access
// without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// UserKey is the context key for the verified caller identity.
var UserKey = ctxkey.UserKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the
// logger. The enriched logger with a request_id field is stored under
// LoggerKey.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)
			ctx := context.WithValue(r.Context(), LoggerKey, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// IdentityFromContext retrieves the verified caller identity from context.
// Returns nil when the request did not pass the auth middleware.
func IdentityFromContext(ctx context.Context) *identity.Identity {
	if id, ok := ctx.Value(UserKey).(*identity.Identity); ok {
		return id
	}
	return nil
}

// AuthMiddleware verifies the bearer token on every request and stores the
// caller identity under UserKey. Failures get a 401 carrying the
// WWW-Authenticate challenge that points OAuth-aware clients at the metadata
// documents. allowQueryToken additionally accepts a ?token= query parameter;
// only the SSE endpoint enables it, because EventSource cannot set headers.
func AuthMiddleware(verifier TokenVerifier, externalURL string, allowQueryToken bool) func(http.Handler) http.Handler {
	challenge := identity.Challenge(externalURL)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := identity.BearerFromRequest(r)
			if token == "" && allowQueryToken {
				token = r.URL.Query().Get("token")
			}

			id, err := verifier.Verify(r.Context(), token)
			if err != nil {
				LoggerFromContext(r.Context()).Debug("authentication failed",
					"path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", challenge)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so SSE streaming keeps working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so the WebSocket upgrade keeps working behind the
// recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// MetricsMiddleware records request counts and durations per path.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			metrics.RequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
			metrics.RequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(started).Seconds())
		})
	}
}
