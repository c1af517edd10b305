// Package cmd provides the CLI commands for mcp-sse-server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mcp-sse-server",
	Short: "MCP server over streaming HTTP",
	Long: `mcp-sse-server hosts a Model Context Protocol server over long-lived
streaming HTTP connections.

Clients open a one-way stream (Server-Sent Events or newline-delimited
JSON) and receive a private reply-to URL in the first frame. All requests
are then POSTed to that URL and responses flow back over the stream.

Endpoints:
  GET  /sse            SSE event stream
  POST /messages       inbound messages for SSE sessions
  GET  /http/stream    NDJSON stream
  POST /http/messages  inbound messages for NDJSON sessions
  GET  /healthz        liveness probe
  GET  /metrics        Prometheus metrics

Configuration is read from the environment:
  MCP_ADDR                listen address (default 127.0.0.1:8001)
  MCP_RESOURCES_DIR       directory served as MCP resources (optional)
  MCP_KEEPALIVE_INTERVAL  stream keepalive period (default 15s)
  MCP_LOG_LEVEL           debug, info, warn, or error (default info)`,
	// Running without a subcommand starts the server.
	RunE:         runServe,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
