// Command mcp-gateway serves the commerce capabilities over MCP, either as
// a multi-tenant HTTP endpoint or as a single-tenant stdio server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var flagLimits string

var rootCmd = &cobra.Command{
	Use:           "mcp-gateway",
	Short:         "Multi-tenant MCP server",
	Long:          "mcp-gateway serves tenant-scoped MCP tools, resources and prompts with per-tenant rate limits and streaming tool results.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLimits, "limits", "", "YAML file of per-tenant rate-limit policies, reloaded on change")
	rootCmd.AddCommand(serveCmd, stdioCmd)
}

// newLogger writes JSON logs to stderr so that stdout stays free for the
// stdio transport.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
