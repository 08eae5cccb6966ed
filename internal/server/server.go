// Package server implements the HTTP transport layer for the Throttle proxy.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/throttleproxy/throttle/internal/app"
	"github.com/throttleproxy/throttle/internal/catalog"
	"github.com/throttleproxy/throttle/internal/dedup"
	"github.com/throttleproxy/throttle/internal/routelog"
	"github.com/throttleproxy/throttle/internal/telemetry"

	throttle "github.com/throttleproxy/throttle/internal"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Mode       throttle.Mode
	Pipeline   *app.Pipeline
	Dispatcher *app.Dispatcher
	Dedup      *dedup.Cache
	Routelog   *routelog.Writer   // nil = no routing log
	Registry   *catalog.Registry
	Metrics    *telemetry.Metrics // nil = no /metrics endpoint or middleware
	PromReg    *prometheus.Registry
	LogPath    string // routing-log JSONL path read back by /stats
	StartedAt  time.Time
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}
	if s.deps.StartedAt.IsZero() {
		s.deps.StartedAt = time.Now()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// Read-only endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if deps.Metrics != nil && deps.PromReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.PromReg, promhttp.HandlerOpts{}))
	}

	// Proxy surface, one route per inbound dialect.
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	return r
}

type server struct {
	deps Deps
}
