package app

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/throttleproxy/throttle/internal/provider"
	"github.com/throttleproxy/throttle/internal/ratelimit"

	throttle "github.com/throttleproxy/throttle/internal"
)

// Dispatcher sends routed requests to the adapter for the decided
// provider and feeds upstream rate limits back into the cooldown
// tracker.
type Dispatcher struct {
	providers *provider.Registry
	limiter   *ratelimit.Tracker
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher over the adapter registry.
func NewDispatcher(providers *provider.Registry, limiter *ratelimit.Tracker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{providers: providers, limiter: limiter, logger: logger}
}

// Complete runs one non-streaming exchange against the decided model.
func (d *Dispatcher) Complete(ctx context.Context, dec throttle.Decision, req *throttle.ParsedRequest) (*throttle.ProxyResponse, error) {
	adapter := d.providers.Get(dec.Model.Provider)
	if adapter == nil {
		return nil, throttle.Errf(throttle.ErrInternal, "no adapter registered for provider %s", dec.Model.Provider)
	}

	ctx, span := tracer.Start(ctx, "dispatch.complete")
	span.SetAttributes(
		attribute.String("throttle.provider", string(dec.Model.Provider)),
		attribute.String("throttle.model", dec.Model.ID),
	)
	defer span.End()

	resp, err := adapter.Complete(ctx, dec.Model.ID, req)
	if err != nil {
		span.RecordError(err)
		return nil, d.noteFailure(ctx, dec, err)
	}
	return resp, nil
}

// Stream opens one streaming exchange against the decided model. Errors
// after the stream opens arrive as events on the returned channel.
func (d *Dispatcher) Stream(ctx context.Context, dec throttle.Decision, req *throttle.ParsedRequest) (<-chan throttle.StreamEvent, error) {
	adapter := d.providers.Get(dec.Model.Provider)
	if adapter == nil {
		return nil, throttle.Errf(throttle.ErrInternal, "no adapter registered for provider %s", dec.Model.Provider)
	}

	// The span covers stream establishment only; events flow long after
	// this call returns.
	ctx, span := tracer.Start(ctx, "dispatch.stream")
	span.SetAttributes(
		attribute.String("throttle.provider", string(dec.Model.Provider)),
		attribute.String("throttle.model", dec.Model.ID),
	)
	defer span.End()

	ch, err := adapter.Stream(ctx, dec.Model.ID, req)
	if err != nil {
		span.RecordError(err)
		return nil, d.noteFailure(ctx, dec, err)
	}
	return ch, nil
}

// noteFailure marks the model's cooldown on a final 429 and returns the
// typed error. The Anthropic adapter has already exhausted its key
// failover by the time an error reaches here.
func (d *Dispatcher) noteFailure(ctx context.Context, dec throttle.Decision, err error) error {
	pe := throttle.AsProxyError(err)
	if pe.Kind == throttle.ErrUpstreamRateLimit || pe.Status == http.StatusTooManyRequests {
		d.limiter.Mark(dec.Model.ID)
		d.logger.LogAttrs(ctx, slog.LevelWarn, "model rate limited, cooling down",
			slog.String("model", dec.Model.ID),
			slog.String("provider", string(dec.Model.Provider)))
	}
	return pe
}
