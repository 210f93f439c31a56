// Package cmd provides the CLI commands for Shadowcat.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shadowcat-mcp/shadowcat/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "shadowcat",
	Short: "Shadowcat - MCP intercepting proxy",
	Long: `Shadowcat is an intercepting proxy for Model Context Protocol (MCP)
servers: a forward proxy between a local client and one upstream, and a
reverse proxy that load-balances an HTTP listener across several upstreams
with interception, authentication, rate limiting, and session affinity.

Quick start:
  1. Create a config file: shadowcat.yaml
  2. Run: shadowcat forward -- npx @modelcontextprotocol/server-filesystem /tmp
     or: shadowcat reverse

Configuration:
  Config is loaded from shadowcat.yaml in the current directory,
  $HOME/.shadowcat/, or /etc/shadowcat/.

  Environment variables can override config values with the SHADOWCAT_ prefix.
  Example: SHADOWCAT_SERVER_HTTP_ADDR=:9090

Commands:
  forward     Run the forward proxy: one local client piped to one upstream
  reverse     Run the reverse proxy: one HTTP listener load-balanced across several upstreams
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./shadowcat.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to state.json file (default: ./state.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
