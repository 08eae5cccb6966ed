// Package app composes the routing pipeline and upstream dispatch. The
// server layer hands it parsed requests; everything between ingress and
// the provider adapter lives here.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/throttleproxy/throttle/internal/catalog"
	"github.com/throttleproxy/throttle/internal/classifier"
	"github.com/throttleproxy/throttle/internal/override"
	"github.com/throttleproxy/throttle/internal/ratelimit"
	"github.com/throttleproxy/throttle/internal/router"
	"github.com/throttleproxy/throttle/internal/session"
	"github.com/throttleproxy/throttle/internal/telemetry"

	throttle "github.com/throttleproxy/throttle/internal"
)

// tracer emits no-op spans unless the tracing config block installed a
// real provider at startup.
var tracer = telemetry.Tracer("throttle/app")

// failureEscalationWindow bounds how long a session failure keeps its
// one-shot tier escalation armed.
const failureEscalationWindow = 5 * time.Minute

// Pipeline runs classify, override detection, routing and session
// pinning for one request. It is safe for concurrent use.
type Pipeline struct {
	classifier *classifier.Classifier
	detector   *override.Detector
	router     *router.Router
	sessions   *session.Store
	reg        *catalog.Registry
	limiter    *ratelimit.Tracker
	logger     *slog.Logger
}

// NewPipeline wires the routing stages together.
func NewPipeline(
	cls *classifier.Classifier,
	det *override.Detector,
	rt *router.Router,
	sessions *session.Store,
	reg *catalog.Registry,
	limiter *ratelimit.Tracker,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		classifier: cls,
		detector:   det,
		router:     rt,
		sessions:   sessions,
		reg:        reg,
		limiter:    limiter,
		logger:     logger,
	}
}

// Decide classifies the request and routes it to a model, applying the
// session's one-shot failure escalation and pin on the way through.
func (p *Pipeline) Decide(ctx context.Context, mode throttle.Mode, req *throttle.ParsedRequest) (throttle.Decision, classifier.Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.decide")
	defer span.End()

	cls := p.classifier.Classify(req.LastUserText(), classifier.Meta{
		MessageCount: len(req.Messages),
		System:       req.System,
	})

	// A session whose previous request failed gets one tier escalation,
	// consumed here whether or not it changes anything.
	if req.SessionID != "" && p.sessions.RecentFailure(req.SessionID, failureEscalationWindow) {
		if cls.Tier < throttle.TierComplex {
			cls.Tier++
			p.logger.LogAttrs(ctx, slog.LevelInfo, "session failure escalation",
				slog.String("session_id", req.SessionID),
				slog.String("tier", cls.Tier.String()))
		}
	}

	ov, err := p.detector.Detect(req)
	if err != nil {
		return throttle.Decision{}, cls, err
	}

	d, err := p.router.Route(mode, cls, ov)
	if err != nil {
		return d, cls, err
	}

	// Session pins hold unless the client explicitly named a model. A pin
	// only ever moves up the tier order; when the established pin outranks
	// this decision the pinned model ships instead, unless it is cooling
	// down, in which case the fresh decision serves this request and the
	// pin stays put for the next one.
	if req.SessionID != "" && !namesModel(ov.Kind) {
		pinModel, pinTier := p.sessions.Set(req.SessionID, d.Model.ID, d.Tier)
		if pinModel != d.Model.ID {
			if m, ok := p.reg.Get(pinModel); ok && !p.limiter.IsRateLimited(m.ID) {
				d.Reasoning += "; session-pinned from " + d.Model.ID + " to " + pinModel
				d.Model = m
				d.Tier = pinTier
			} else {
				d.Reasoning += "; session pin " + pinModel + " unavailable, serving routed model"
			}
		}
	}

	span.SetAttributes(
		attribute.String("throttle.model", d.Model.ID),
		attribute.String("throttle.tier", d.Tier.String()),
		attribute.Float64("throttle.score", cls.Score),
	)
	return d, cls, nil
}

// MarkFailed records a request failure against the session so the next
// request in it escalates one tier.
func (p *Pipeline) MarkFailed(sessionID string) {
	if sessionID != "" {
		p.sessions.MarkFailed(sessionID)
	}
}

// namesModel reports whether the override kind carries an explicit model
// choice that a session pin must not displace.
func namesModel(k throttle.OverrideKind) bool {
	switch k {
	case throttle.OverrideForceModel, throttle.OverrideSubAgentInherit, throttle.OverrideSubAgentStepdown, throttle.OverrideHeartbeat:
		return true
	}
	return false
}
