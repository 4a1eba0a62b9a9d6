package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mcpgate/mcpgate/internal/adapter/inbound/httpapi"
	"github.com/mcpgate/mcpgate/internal/adapter/inbound/oauth"
	"github.com/mcpgate/mcpgate/internal/adapter/outbound/credvault"
	mcpclient "github.com/mcpgate/mcpgate/internal/adapter/outbound/mcp"
	"github.com/mcpgate/mcpgate/internal/adapter/outbound/policyengine"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/domain/credential"
	"github.com/mcpgate/mcpgate/internal/domain/identity"
	"github.com/mcpgate/mcpgate/internal/domain/policy"
	"github.com/mcpgate/mcpgate/internal/domain/registry"
	"github.com/mcpgate/mcpgate/internal/domain/session"
	"github.com/mcpgate/mcpgate/internal/port/outbound"
	"github.com/mcpgate/mcpgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server",
	Long: `Start the mcpgate proxy server.

The server loads the service catalog, connects to the identity provider's
JWKS endpoint, and begins serving the MCP endpoints. Send SIGHUP to reload
the catalog without restarting; sessions whose service definition changed
are reconnected on next use.

Examples:
  # Start with config file settings
  mcpgate start

  # Start with a specific config file
  mcpgate --config /path/to/config.yaml start

  # Local development: permissive policy, static identity
  mcpgate start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, allow-all policy when none is configured)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled; do not use in production")
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("mcpgate stopped")
	return nil
}

// run wires all components together and serves until the context ends.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	catalogLoader := config.NewCatalogLoader(cfg.Catalog)
	catalog, err := catalogLoader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load service catalog: %w", err)
	}
	reg := registry.New(catalog)
	logger.Info("service catalog loaded", "services", len(catalog.Services))

	verifier, err := buildVerifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	gate, err := buildPolicyGate(cfg, logger)
	if err != nil {
		return err
	}

	var source credential.Source
	if cfg.Credentials.URL != "" {
		source = credvault.NewClient(cfg.Credentials.URL,
			config.Duration(cfg.Credentials.Timeout, 10*time.Second))
	}
	injector := credential.NewInjector(source,
		config.Duration(cfg.Credentials.CacheTTL, 5*time.Minute), logger)

	router := service.NewNotificationRouter(logger)
	manager := service.NewUpstreamManager(upstreamFactory(logger), injector, router, 0, logger)
	dispatcher := service.NewDispatcher(reg, gate, manager, logger)

	sessions := session.NewStore(
		config.Duration(cfg.Server.SessionMaxAge, time.Hour), logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := httpapi.NewMetrics(promReg, manager.Len)
	dispatcher.SetObserver(metrics)

	handler := httpapi.NewHandler(dispatcher, sessions, router, manager, metrics,
		cfg.Server.ExternalURL, cfg.Server.QueueSize, logger)
	facade := oauth.NewFacade(cfg.Server.ExternalURL, cfg.Identity, logger)
	transport := httpapi.NewTransport(handler, verifier, cfg.Server.ExternalURL,
		httpapi.WithAddr(cfg.ListenAddr()),
		httpapi.WithLogger(logger),
		httpapi.WithPrometheusRegistry(promReg),
		httpapi.WithExtraRoutes(facade.Register),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return transport.Start(gctx)
	})

	g.Go(func() error {
		sessions.RunSweeper(gctx)
		return nil
	})

	// SIGHUP reloads the catalog. Sessions whose definition changed are
	// evicted and reconnect lazily.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				newCatalog, err := catalogLoader.Load(gctx)
				if err != nil {
					logger.Error("catalog reload failed, keeping current catalog", "error", err)
					continue
				}
				reg.Swap(newCatalog)
				evicted := manager.EvictStale(newCatalog)
				logger.Info("service catalog reloaded",
					"services", len(newCatalog.Services), "sessions_evicted", evicted)
			}
		}
	})

	err = g.Wait()

	// Agent transports are down; now drain the upstream children.
	manager.Shutdown()
	return err
}

// buildVerifier connects to the identity provider's JWKS endpoint. In dev
// mode without a configured provider, a static identity stands in.
func buildVerifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (httpapi.TokenVerifier, error) {
	if cfg.Identity.JWKSURL() == "" {
		if cfg.DevMode {
			logger.Warn("no identity provider configured; accepting any token as dev-user")
			return devVerifier{}, nil
		}
		return nil, fmt.Errorf("identity provider is not configured (set KEYCLOAK_URL and KEYCLOAK_REALM)")
	}
	verifier, err := identity.NewVerifier(ctx, cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity verifier: %w", err)
	}
	return verifier, nil
}

// buildPolicyGate selects the remote policy engine when configured, local
// CEL rules otherwise. Both sit behind the fail-closed gate.
func buildPolicyGate(cfg *config.Config, logger *slog.Logger) (*policy.Gate, error) {
	timeout := config.Duration(cfg.Policy.Timeout, 5*time.Second)

	var engine policy.Engine
	if cfg.Policy.URL != "" {
		engine = policyengine.NewClient(cfg.Policy.URL, timeout)
		logger.Info("using remote policy engine", "url", cfg.Policy.URL)
	} else {
		rules, err := policy.NewRuleEngine(cfg.Policy.Rules)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy rules: %w", err)
		}
		engine = rules
		logger.Info("using local policy rules", "rules", len(cfg.Policy.Rules))
	}
	return policy.NewGate(engine, timeout, logger), nil
}

// upstreamFactory builds connected MCP clients per service definition.
// Credentials go into the child environment for STDIO services and into
// request headers for HTTP_STREAM and WEBSOCKET services.
func upstreamFactory(logger *slog.Logger) service.ClientFactory {
	return func(ctx context.Context, def *config.ServiceDefinition, creds map[string]string, onNotify func([]byte)) (service.UpstreamClient, error) {
		var transport outbound.Transport
		switch def.Transport {
		case config.TransportStdio:
			transport = mcpclient.NewStdioTransport(def.Name, def.Command, def.Args, creds, logger)
		case config.TransportHTTPStream:
			transport = mcpclient.NewHTTPStreamTransport(def.Endpoint, mcpclient.WithHeaders(creds))
		case config.TransportWebSocket:
			transport = mcpclient.NewWSTransport(def.Endpoint, mcpclient.WithWSHeaders(creds))
		default:
			return nil, fmt.Errorf("unsupported transport %q for service %s", def.Transport, def.Name)
		}

		client := mcpclient.NewClient(def.Name, transport, onNotify, logger)
		if _, err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// devVerifier accepts anything and reports a fixed local identity.
type devVerifier struct{}

func (devVerifier) Verify(context.Context, string) (*identity.Identity, error) {
	return &identity.Identity{UserID: "dev-user", Username: "dev-user"}, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
