// Package router picks the cheapest capable model for a classified
// request: overrides short-circuit, tool calling and low confidence push
// the tier up, and the mode/tier preference list is filtered through
// provider configuration and rate-limit cooldowns.
package router

import (
	"fmt"

	"github.com/throttleproxy/throttle/internal/catalog"
	"github.com/throttleproxy/throttle/internal/classifier"
	"github.com/throttleproxy/throttle/internal/ratelimit"

	throttle "github.com/throttleproxy/throttle/internal"
)

// stepUpConfidence is the confidence floor below which a classification
// is not trusted at its own tier.
const stepUpConfidence = 0.70

// ConfiguredFunc reports whether a provider can serve traffic. The
// config layer supplies it; the router never reads credentials itself.
type ConfiguredFunc func(tag throttle.ProviderTag) bool

// Router is immutable after New.
type Router struct {
	reg        *catalog.Registry
	table      *catalog.Table
	configured ConfiguredFunc
	limiter    *ratelimit.Tracker
	onSkip     func(modelID string)
}

// New builds a router over the loaded catalog and routing table.
func New(reg *catalog.Registry, table *catalog.Table, configured ConfiguredFunc, limiter *ratelimit.Tracker) *Router {
	return &Router{reg: reg, table: table, configured: configured, limiter: limiter}
}

// SetSkipHook installs a callback invoked each time a candidate is
// passed over for an active cooldown. Must be called before the router
// starts serving.
func (r *Router) SetSkipHook(fn func(modelID string)) {
	r.onSkip = fn
}

// available reports whether a model can be dispatched right now.
func (r *Router) available(m throttle.ModelSpec) bool {
	if !r.configured(m.Provider) {
		return false
	}
	if r.limiter.IsRateLimited(m.ID) {
		if r.onSkip != nil {
			r.onSkip(m.ID)
		}
		return false
	}
	return true
}

// Route selects a model for one request. mode picks the preference
// table; cls and ov come from the classifier and override detector.
func (r *Router) Route(mode throttle.Mode, cls classifier.Result, ov throttle.Override) (throttle.Decision, error) {
	d := throttle.Decision{
		Mode:       mode,
		Override:   ov,
		Score:      cls.Score,
		Confidence: cls.Confidence,
	}

	// Overrides that name a model win outright when the target can be
	// dispatched. A rate-limited or unconfigured target falls through to
	// normal tier routing; the override tag survives for logging.
	switch ov.Kind {
	case throttle.OverrideForceModel, throttle.OverrideSubAgentInherit, throttle.OverrideSubAgentStepdown:
		if m, ok := r.reg.Get(ov.Model); ok && r.available(m) {
			d.Model = m
			d.Tier = cls.Tier
			d.Reasoning = fmt.Sprintf("%s override to %s (mode=%s, score=%.3f)", ov.Kind, m.ID, mode, cls.Score)
			return d, nil
		}
	case throttle.OverrideHeartbeat:
		// Heartbeats resolve to the cheapest configured model, not a
		// fixed id.
		for _, m := range r.reg.All() {
			if r.available(m) {
				d.Model = m
				d.Tier = throttle.TierSimple
				d.Reasoning = fmt.Sprintf("heartbeat override to cheapest model %s (mode=%s)", m.ID, mode)
				return d, nil
			}
		}
		return d, throttle.Errf(throttle.ErrNoAvailableModel, "no configured model available")
	}

	tier := cls.Tier
	var stepUp string
	if ov.Kind == throttle.OverrideToolCalling && tier < throttle.TierStandard {
		tier = throttle.TierStandard
		stepUp = "tool_calling tier floor"
	}
	if cls.Confidence < stepUpConfidence && tier < throttle.TierComplex {
		tier++
		if stepUp != "" {
			stepUp += ", "
		}
		stepUp += fmt.Sprintf("confidence %.3f below %.2f", cls.Confidence, stepUpConfidence)
	}
	d.Tier = tier

	reason := fmt.Sprintf("mode=%s tier=%s score=%.3f", mode, tier, cls.Score)
	if stepUp != "" {
		reason += " (step-up: " + stepUp + ")"
	}

	for _, id := range r.table.Preferences(mode, tier) {
		m, _ := r.reg.Get(id) // table load validated every id
		if r.available(m) {
			d.Model = m
			d.Reasoning = reason
			return d, nil
		}
	}

	// Preference list exhausted: cheapest model anywhere still beats
	// failing the request.
	for _, m := range r.reg.All() {
		if r.available(m) {
			d.Model = m
			d.Reasoning = reason + "; preference list exhausted, fell back to cheapest available " + m.ID
			return d, nil
		}
	}
	return d, throttle.Errf(throttle.ErrNoAvailableModel,
		"no model in %s/%s or global fallback is configured and not rate-limited", mode, tier)
}
