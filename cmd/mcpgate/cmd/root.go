// Package cmd provides the CLI commands for mcpgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "mcpgate - transparent MCP proxy for AI agents",
	Long: `mcpgate sits between untrusted AI agents and upstream MCP services.

Agents see one MCP server with a unified, namespaced tool catalog. mcpgate
verifies each caller against the identity provider, asks the policy engine
before every tool call, injects per-user credentials into upstream
connections, and routes upstream notifications back to the agent that owns
the session.

Quick start:
  1. Create a config file: mcpgate.yaml
  2. Create a service catalog and point catalog.path at it
  3. Run: mcpgate start

Configuration:
  Config is loaded from mcpgate.yaml in the current directory,
  $HOME/.mcpgate/, or /etc/mcpgate/.

  Deployment environment variables (PORT, KEYCLOAK_URL, POLICY_SERVICE_URL,
  CREDENTIAL_SERVICE_URL, CONFIG_SERVICE_URL, ...) override the file; other
  keys use the MCPGATE_ prefix, e.g. MCPGATE_SERVER_LOG_LEVEL=debug.

Commands:
  start       Start the proxy server
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
