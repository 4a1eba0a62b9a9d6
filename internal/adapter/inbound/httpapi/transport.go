package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Transport is the inbound HTTP server. It mounts the MCP endpoints behind
// bearer authentication, the public OAuth facade and health check, and the
// Prometheus scrape endpoint.
type Transport struct {
	handler     *Handler
	verifier    TokenVerifier
	server      *http.Server
	addr        string
	externalURL string
	registry    *prometheus.Registry
	extra       func(mux *http.ServeMux)
	logger      *slog.Logger
}

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithExtraRoutes registers additional public routes on the mux before the
// server starts. The OAuth facade mounts itself through this.
func WithExtraRoutes(register func(mux *http.ServeMux)) Option {
	return func(t *Transport) {
		t.extra = register
	}
}

// WithPrometheusRegistry supplies a registry instead of the default fresh
// one. Useful when the caller registers its own collectors.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(t *Transport) {
		t.registry = reg
	}
}

// NewTransport creates the inbound server around a wired handler.
// externalURL is the browser-visible base used in 401 challenges.
func NewTransport(handler *Handler, verifier TokenVerifier, externalURL string, opts ...Option) *Transport {
	t := &Transport{
		handler:     handler,
		verifier:    verifier,
		addr:        "127.0.0.1:8080",
		externalURL: externalURL,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Registry returns the Prometheus registry the transport serves, creating
// the default one on first use.
func (t *Transport) Registry() *prometheus.Registry {
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return t.registry
}

// Routes builds the full handler chain. Exposed for tests.
func (t *Transport) Routes() http.Handler {
	auth := AuthMiddleware(t.verifier, t.externalURL, false)
	authWithQuery := AuthMiddleware(t.verifier, t.externalURL, true)

	mux := http.NewServeMux()
	mux.Handle("/mcp", auth(http.HandlerFunc(t.handler.HandleMCPPost)))
	mux.Handle("/mcp/ws", auth(http.HandlerFunc(t.handler.HandleWS)))
	mux.Handle("/sse", authWithQuery(http.HandlerFunc(t.handler.HandleSSE)))
	mux.Handle("/message", auth(http.HandlerFunc(t.handler.HandleMessage)))
	mux.HandleFunc("/health", t.handler.HandleHealth)

	reg := t.Registry()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))

	if t.extra != nil {
		t.extra(mux)
	}

	var handler http.Handler = mux
	handler = RequestIDMiddleware(t.logger)(handler)
	if t.handler.metrics != nil {
		handler = MetricsMiddleware(t.handler.metrics)(handler)
	}
	return handler
}

// Start begins accepting connections and blocks until the context is
// cancelled or the listener fails.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests, then stops the listener.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Close streaming sessions first so SSE and WebSocket loops unwind.
	for _, s := range t.handler.sessions.All() {
		s.Close()
	}

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
