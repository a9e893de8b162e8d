// Command verityd runs the observation-sourced entity truth engine.
//
// Usage:
//
//	verityd -config verity.yaml            # run with config file
//	verityd -db verity.db -bindings b.yaml # run with defaults
//	verityd -db verity.db -bindings b.yaml -mcp         # serve MCP tools on stdio
//	verityd -db verity.db -bindings b.yaml -integrity   # audit graph and exit
//	verityd -db verity.db -bindings b.yaml -health -fix # heal snapshots and exit
//	verityd -db verity.db -bindings b.yaml -stats       # show stats and exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/veritylabs/verity/engine"
	"github.com/veritylabs/verity/shield"
)

func main() {
	configPath := flag.String("config", "", "path to verity.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database")
	bindingsPath := flag.String("bindings", "", "path to reducer bindings YAML")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides config)")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools over stdio instead of HTTP")
	checkIntegrity := flag.Bool("integrity", false, "run graph integrity audit and exit")
	checkHealth := flag.Bool("health", false, "run snapshot health check and exit")
	fix := flag.Bool("fix", false, "with -health: heal stale snapshots")
	showStats := flag.Bool("stats", false, "show stats and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *bindingsPath, *httpAddr,
		*mcpStdio, *checkIntegrity, *checkHealth, *fix, *showStats); err != nil {
		logger.Error("verityd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, bindingsPath, httpAddr string,
	mcpStdio, checkIntegrity, checkHealth, fix, showStats bool) error {

	cfg, err := resolveConfig(configPath, dbPath, bindingsPath)
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	e, err := engine.New(*cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer e.Close()

	// One-shot: graph integrity audit.
	if checkIntegrity {
		report, err := e.ValidateGraph(ctx)
		if err != nil {
			return fmt.Errorf("integrity: %w", err)
		}
		return printJSON(report)
	}

	// One-shot: snapshot health.
	if checkHealth {
		report, err := e.CheckHealth(ctx, fix)
		if err != nil {
			return fmt.Errorf("health: %w", err)
		}
		return printJSON(report)
	}

	// One-shot: stats.
	if showStats {
		stats, err := e.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		return printJSON(stats)
	}

	// MCP over stdio: background workers plus the tool surface.
	if mcpStdio {
		go e.Start(ctx)
		srv := mcp.NewServer(&mcp.Implementation{
			Name:    "verity",
			Version: "1.0.0",
		}, nil)
		e.RegisterMCP(srv)
		logger.Info("verityd: mcp serving on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	// Daemon mode.
	go e.Start(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}
	e.RegisterHTTP(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("verityd: http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("verityd: running", "db", cfg.DBPath)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("verityd: shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func resolveConfig(configPath, dbPath, bindingsPath string) (*engine.Config, error) {
	if configPath != "" {
		return engine.LoadConfig(configPath)
	}

	cfg := &engine.Config{DBPath: dbPath, BindingsPath: bindingsPath}
	if cfg.DBPath == "" || cfg.BindingsPath == "" {
		fmt.Fprintln(os.Stderr, "usage: verityd -config <file> | -db <path> -bindings <file> [-integrity] [-health [-fix]] [-stats]")
		os.Exit(1)
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
