package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-sse-go/mcp"
	"github.com/ggoodman/mcp-sse-go/mcpruntime"
	"github.com/ggoodman/mcp-sse-go/streamhttp"
)

// Config is populated from the environment via envdecode.
type Config struct {
	Addr              string        `env:"MCP_ADDR,default=127.0.0.1:8001"`
	ResourcesDir      string        `env:"MCP_RESOURCES_DIR"`
	KeepaliveInterval time.Duration `env:"MCP_KEEPALIVE_INTERVAL,default=15s"`
	LogLevel          string        `env:"MCP_LOG_LEVEL,default=info"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streaming HTTP server",
	Long: `Start the MCP server and listen for streaming HTTP connections.

The server exposes the same MCP runtime over two encodings: Server-Sent
Events on /sse (messages POSTed to /messages) and newline-delimited JSON
on /http/stream (messages POSTed to /http/messages). Prometheus metrics
are served on /metrics and a liveness probe on /healthz.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := buildResources(cfg, log)
	if err != nil {
		return err
	}

	rt := mcpruntime.NewRuntime(
		mcpruntime.WithLogger(log),
		mcpruntime.WithServerInfo(mcp.ImplementationInfo{Name: "MCP-SSE", Version: Version}),
		mcpruntime.WithInstructions("Query the SAP in DFM for a technology with the get_dfm_sap tool."),
		mcpruntime.WithTools(newDFMSAPTool()),
		mcpruntime.WithResources(provider),
	)
	go func() {
		if err := rt.Watch(ctx); err != nil {
			log.Warn("resource watcher stopped", slog.String("err", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := streamhttp.NewMetrics(reg)

	sseHandler, err := streamhttp.New(rt,
		streamhttp.WithLogger(log),
		streamhttp.WithEncoding(streamhttp.EncodingSSE),
		streamhttp.WithStreamPath("/sse"),
		streamhttp.WithMessagePath("/messages"),
		streamhttp.WithKeepaliveInterval(cfg.KeepaliveInterval),
		streamhttp.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("build sse handler: %w", err)
	}
	ndjsonHandler, err := streamhttp.New(rt,
		streamhttp.WithLogger(log),
		streamhttp.WithEncoding(streamhttp.EncodingNDJSON),
		streamhttp.WithStreamPath("/http/stream"),
		streamhttp.WithMessagePath("/http/messages"),
		streamhttp.WithKeepaliveInterval(cfg.KeepaliveInterval),
		streamhttp.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("build ndjson handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/sse", sseHandler)
	mux.Handle("/messages", sseHandler)
	mux.Handle("/http/stream", ndjsonHandler)
	mux.Handle("/http/messages", ndjsonHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": sseHandler.Registry().Len() + ndjsonHandler.Registry().Len(),
		})
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"Hello": "World"})
	})

	// WriteTimeout must stay zero: it would sever long-lived streams.
	// BaseContext ties every stream to the serve context, so Shutdown is not
	// left waiting on connections that only end when the client goes away.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("server.shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

func buildResources(cfg Config, log *slog.Logger) (mcpruntime.ResourceProvider, error) {
	if cfg.ResourcesDir != "" {
		dir, err := mcpruntime.NewDirResources(cfg.ResourcesDir, log)
		if err != nil {
			return nil, err
		}
		return dir, nil
	}
	static := mcpruntime.NewStaticResources()
	static.AddText("echo://hello", "echo-hello", "text/plain", "Resource echo: hello")
	return static, nil
}

type dfmSapArgs struct {
	Technology string `json:"technology" jsonschema:"minLength=1,description=Technology to look up"`
}

func newDFMSAPTool() mcpruntime.StaticTool {
	return mcpruntime.NewTool[dfmSapArgs]("get_dfm_sap",
		func(ctx context.Context, args dfmSapArgs) (*mcp.CallToolResult, error) {
			if args.Technology == "" {
				return mcpruntime.Errorf("technology is required"), nil
			}
			return &mcp.CallToolResult{
				Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf("Querying SAP for %s", args.Technology))},
			}, nil
		},
		mcpruntime.WithToolDescription("Get the SAP in DFM for a given technology"),
	)
}
