// Throttle-mcp exposes the proxy's catalog, routing table, and routing
// log as Model Context Protocol tools, over stdio by default or
// streamable HTTP with -http. It never proxies traffic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/throttleproxy/throttle/internal/catalog"
	"github.com/throttleproxy/throttle/internal/config"
	"github.com/throttleproxy/throttle/internal/mcptools"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/throttle.json", "path to config file")
	httpAddr := flag.String("http", "", "serve streamable HTTP on this address instead of stdio")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("throttle-mcp", version)
		os.Exit(0)
	}

	_ = godotenv.Load()

	if err := run(*configPath, *httpAddr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Stdout carries the protocol on the stdio transport, so all logging
	// goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	reg, err := catalog.LoadCatalog(cfg.ModelCatalogPath)
	if err != nil {
		return err
	}
	table, err := catalog.LoadTable(cfg.RoutingTablePath, reg)
	if err != nil {
		return err
	}

	srv, err := mcptools.NewServer(version, mcptools.Config{
		LogPath:  cfg.Logging.LogFilePath,
		Registry: reg,
		Table:    table,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if httpAddr == "" {
		logger.Info("serving MCP over stdio", "version", version)
		return srv.RunStdio(ctx)
	}

	hs := &http.Server{
		Addr:              httpAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	logger.Info("serving MCP over HTTP", "addr", httpAddr, "version", version)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
