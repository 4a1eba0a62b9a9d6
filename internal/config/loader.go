package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// maxCatalogSize bounds the catalog document read from a remote
// configuration service.
const maxCatalogSize = 4 * 1024 * 1024 // 4MB

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// mcpgate.yaml/.yml. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("mcpgate")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MCPGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindEnvKeys()
}

// findConfigFile searches standard locations for an mcpgate config file with
// an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcpgate"),
		"/etc/mcpgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcpgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindEnvKeys binds config keys to their environment variables. The
// deployment variables (PORT, KEYCLOAK_URL, ...) are bound without the
// MCPGATE_ prefix; everything else uses the prefixed form
// (MCPGATE_SERVER_LOG_LEVEL overrides server.log_level).
func bindEnvKeys() {
	_ = viper.BindEnv("server.host", "HOST", "MCPGATE_SERVER_HOST")
	_ = viper.BindEnv("server.port", "PORT", "MCPGATE_SERVER_PORT")
	_ = viper.BindEnv("server.external_url")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.session_max_age")

	_ = viper.BindEnv("identity.url", "KEYCLOAK_URL", "MCPGATE_IDENTITY_URL")
	_ = viper.BindEnv("identity.external_url", "KEYCLOAK_EXTERNAL_URL", "MCPGATE_IDENTITY_EXTERNAL_URL")
	_ = viper.BindEnv("identity.realm", "KEYCLOAK_REALM", "MCPGATE_IDENTITY_REALM")
	_ = viper.BindEnv("identity.issuer", "KEYCLOAK_ISSUER", "MCPGATE_IDENTITY_ISSUER")
	_ = viper.BindEnv("identity.client_id", "KEYCLOAK_CLIENT_ID", "MCPGATE_IDENTITY_CLIENT_ID")

	_ = viper.BindEnv("policy.url", "POLICY_SERVICE_URL", "MCPGATE_POLICY_URL")
	_ = viper.BindEnv("policy.timeout")

	_ = viper.BindEnv("credentials.url", "CREDENTIAL_SERVICE_URL", "MCPGATE_CREDENTIALS_URL")
	_ = viper.BindEnv("credentials.cache_ttl")

	_ = viper.BindEnv("catalog.path", "CATALOG_PATH", "MCPGATE_CATALOG_PATH")
	_ = viper.BindEnv("catalog.service_url", "CONFIG_SERVICE_URL", "MCPGATE_CATALOG_SERVICE_URL")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// and returns the Config. Callers apply CLI flag overrides, then call
// SetDevDefaults/SetDefaults/Validate to complete initialization.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: run on environment variables alone.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed reports the config file viper settled on, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// CatalogLoader loads and reloads the service catalog from a local file or a
// remote configuration service.
type CatalogLoader struct {
	cfg        CatalogConfig
	httpClient *http.Client
}

// NewCatalogLoader creates a loader for the given catalog location.
func NewCatalogLoader(cfg CatalogConfig) *CatalogLoader {
	return &CatalogLoader{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Load reads, parses, and validates the catalog document. The remote
// configuration service takes precedence over the local file when both are
// configured.
func (l *CatalogLoader) Load(ctx context.Context) (*Catalog, error) {
	var (
		raw []byte
		err error
	)
	switch {
	case l.cfg.ServiceURL != "":
		raw, err = l.fetchRemote(ctx)
	case l.cfg.Path != "":
		raw, err = os.ReadFile(l.cfg.Path)
	default:
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &catalog, nil
}

// fetchRemote retrieves the catalog document from the configuration service.
func (l *CatalogLoader) fetchRemote(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.ServiceURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/yaml, application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("configuration service returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
}
