package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	"github.com/throttleproxy/throttle/internal/app"
	"github.com/throttleproxy/throttle/internal/catalog"
	"github.com/throttleproxy/throttle/internal/classifier"
	"github.com/throttleproxy/throttle/internal/config"
	"github.com/throttleproxy/throttle/internal/dedup"
	"github.com/throttleproxy/throttle/internal/override"
	"github.com/throttleproxy/throttle/internal/provider"
	"github.com/throttleproxy/throttle/internal/provider/anthropic"
	"github.com/throttleproxy/throttle/internal/provider/google"
	"github.com/throttleproxy/throttle/internal/provider/openaicompat"
	"github.com/throttleproxy/throttle/internal/ratelimit"
	"github.com/throttleproxy/throttle/internal/router"
	"github.com/throttleproxy/throttle/internal/routelog"
	"github.com/throttleproxy/throttle/internal/server"
	"github.com/throttleproxy/throttle/internal/session"
	"github.com/throttleproxy/throttle/internal/telemetry"
	"github.com/throttleproxy/throttle/internal/worker"

	throttle "github.com/throttleproxy/throttle/internal"
)

const shutdownTimeout = 10 * time.Second

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging.Level)

	slog.Info("starting throttle", "version", version, "mode", cfg.Mode, "addr", cfg.HTTP.Addr())

	if !cfg.HTTP.Enabled {
		return errors.New("http listener disabled in config, nothing to serve")
	}

	// Catalog and routing table. Identifiers that do not resolve are
	// fatal here, never at request time.
	reg, err := catalog.LoadCatalog(cfg.ModelCatalogPath)
	if err != nil {
		return err
	}
	table, err := catalog.LoadTable(cfg.RoutingTablePath, reg)
	if err != nil {
		return err
	}
	if err := reg.ValidateAliases(cfg.Aliases); err != nil {
		return err
	}

	cls, err := classifier.New(classifier.Options{
		WeightsPath: cfg.Classifier.WeightsPath,
		SimpleMax:   cfg.Classifier.Thresholds.SimpleMax,
		ComplexMin:  cfg.Classifier.Thresholds.ComplexMin,
	})
	if err != nil {
		return err
	}

	providers, count := buildProviders(cfg)
	if count == 0 {
		return errors.New("no providers configured, set at least one API key")
	}
	slog.Info("providers configured", "count", count)

	limiter := ratelimit.NewTracker(cfg.RateLimit.Cooldown())
	sessions := session.NewStore(cfg.Session.IdleTimeout())
	cache, err := dedup.NewCache(cfg.Dedup.TTL())
	if err != nil {
		return err
	}

	rl := routelog.NewWriter(cfg.Logging.LogFilePath)
	det := override.NewDetector(cfg.Aliases, reg, rl)
	rt := router.New(reg, table, cfg.Configured, limiter)
	pipe := app.NewPipeline(cls, det, rt, sessions, reg, limiter, slog.Default())
	disp := app.NewDispatcher(providers, limiter, slog.Default())

	var promReg *prometheus.Registry
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		rt.SetSkipHook(func(modelID string) {
			metrics.RateLimitSkips.WithLabelValues(modelID).Inc()
		})
		rl.SetQueueGauge(func(queued int) {
			metrics.RoutelogQueueLen.Set(float64(queued))
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Error("tracing shutdown failed", "error", err)
			}
		}()
	}

	handler := server.New(server.Deps{
		Mode:       cfg.RoutingMode(),
		Pipeline:   pipe,
		Dispatcher: disp,
		Dedup:      cache,
		Routelog:   rl,
		Registry:   reg,
		Metrics:    metrics,
		PromReg:    promReg,
		LogPath:    cfg.Logging.LogFilePath,
		StartedAt:  time.Now(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: SSE responses stay open as long as the
		// upstream streams.
	}

	runner := worker.NewRunner(rl, worker.NewSweeper(sessions, limiter))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("throttle ready", "addr", cfg.HTTP.Addr())
	err = g.Wait()
	slog.Info("throttle stopped")
	return err
}

// setupLogging installs the default slog handler at the configured level.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openAICompatTags are the providers served by the shared
// OpenAI-compatible adapter.
var openAICompatTags = []throttle.ProviderTag{
	throttle.ProviderOpenAI,
	throttle.ProviderDeepSeek,
	throttle.ProviderXAI,
	throttle.ProviderMoonshot,
	throttle.ProviderMistral,
	throttle.ProviderOllama,
}

// buildProviders registers an adapter for every configured provider and
// returns the registry plus how many it holds.
func buildProviders(cfg *config.Config) (*provider.Registry, int) {
	resolver := &dnscache.Resolver{}
	remote := &http.Client{Transport: provider.NewTransport(resolver, true)}

	reg := provider.NewRegistry()
	count := 0

	if cfg.Configured(throttle.ProviderAnthropic) {
		p := cfg.Provider(throttle.ProviderAnthropic)
		keys := anthropic.NewKeyPool(p.APIKey, p.SetupToken, p.PreferSetupToken, cfg.RateLimit.Cooldown())
		reg.Register(anthropic.New(p.BaseURL, p.AuthType, keys, remote))
		count++
	}
	if cfg.Configured(throttle.ProviderGoogle) {
		p := cfg.Provider(throttle.ProviderGoogle)
		reg.Register(google.New(p.APIKey, p.BaseURL, remote))
		count++
	}
	for _, tag := range openAICompatTags {
		if !cfg.Configured(tag) {
			continue
		}
		p := cfg.Provider(tag)
		client := remote
		if tag == throttle.ProviderOllama {
			// Local HTTP/1.1 backend; HTTP/2 upgrade attempts stall it.
			client = &http.Client{Transport: provider.NewTransport(resolver, false)}
		}
		reg.Register(openaicompat.New(tag, p.APIKey, p.BaseURL, client))
		count++
	}
	return reg, count
}
