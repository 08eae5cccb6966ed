package server

import (
	"context"
	"net/http"
	"time"

	"github.com/throttleproxy/throttle/internal/classifier"
	"github.com/throttleproxy/throttle/internal/dedup"
	"github.com/throttleproxy/throttle/internal/routelog"

	throttle "github.com/throttleproxy/throttle/internal"
)

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, parseMessages)
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, parseChatCompletions)
}

// handle runs the shared request path: parse, decide, then dispatch as a
// completion or a stream.
func (s *server) handle(w http.ResponseWriter, r *http.Request, parse func(*http.Request) (*throttle.ParsedRequest, error)) {
	start := time.Now()
	req, err := parse(r)
	if err != nil {
		writeProxyError(w, err)
		return
	}

	dec, cls, err := s.deps.Pipeline.Decide(r.Context(), s.deps.Mode, req)
	if err != nil {
		s.deps.Pipeline.MarkFailed(req.SessionID)
		s.recordRejected(r.Context(), req, cls, err, start)
		writeProxyError(w, err)
		return
	}
	setDecisionHeaders(w, dec)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RoutedTotal.WithLabelValues(string(dec.Mode), dec.Tier.String(), dec.Model.ID).Inc()
	}

	if req.Stream {
		s.streamCompletion(w, r, dec, req)
		return
	}
	s.completion(w, r, dec, req)
}

// completion serves a non-streaming request through the dedup cache:
// completed responses replay byte-for-byte within the TTL, and identical
// concurrent requests share a single upstream call.
func (s *server) completion(w http.ResponseWriter, r *http.Request, dec throttle.Decision, req *throttle.ParsedRequest) {
	start := time.Now()
	key := dedup.Key(req)

	if e, ok := s.deps.Dedup.Lookup(key); ok {
		if s.deps.Metrics != nil {
			s.deps.Metrics.DedupHits.Inc()
		}
		s.record(r.Context(), dec, req, key, throttle.Usage{}, "", false, start)
		writeStored(w, e)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.DedupMisses.Inc()
	}

	// usage and key annotations escape the closure so only the producer
	// logs real token counts; waiters rode for free.
	var usage throttle.Usage
	var keyType string
	var failover bool
	produce := func() (dedup.Entry, error) {
		upstreamStart := time.Now()
		resp, err := s.deps.Dispatcher.Complete(r.Context(), dec, req)
		if m := s.deps.Metrics; m != nil {
			m.UpstreamDuration.WithLabelValues(string(dec.Model.Provider), dec.Model.ID).
				Observe(time.Since(upstreamStart).Seconds())
		}
		if err != nil {
			return dedup.Entry{}, err
		}
		usage = resp.Usage
		keyType = resp.KeyType
		failover = resp.Failover
		body, err := encodeResponse(req.Dialect, dec.Model.ID, resp)
		if err != nil {
			return dedup.Entry{}, throttle.Errf(throttle.ErrInternal, "encode response: %v", err)
		}
		return dedup.Entry{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": jsonCT},
			Body:   body,
		}, nil
	}

	e, shared, err := s.deps.Dedup.Do(key, produce)
	if err != nil && shared {
		// The producer this request was waiting on failed; its failure is
		// not ours. Proceed as a fresh request.
		e, err = produce()
	}
	if err != nil {
		s.deps.Pipeline.MarkFailed(req.SessionID)
		s.noteUpstreamError(dec, err)
		s.record(r.Context(), dec, req, key, throttle.Usage{}, keyType, failover, start)
		writeProxyError(w, err)
		return
	}

	if shared {
		// A waiter served from the in-flight producer spent nothing.
		s.record(r.Context(), dec, req, key, throttle.Usage{}, "", false, start)
	} else {
		s.record(r.Context(), dec, req, key, usage, keyType, failover, start)
	}
	writeStored(w, e)
}

// writeStored writes a completed dedup entry back to the client.
func writeStored(w http.ResponseWriter, e dedup.Entry) {
	h := w.Header()
	for k, vals := range e.Header {
		h[k] = vals
	}
	w.WriteHeader(e.Status)
	w.Write(e.Body)
}

// record writes exactly one routing-log entry for the request and feeds
// the usage-derived metrics. Log failures never reach the client.
func (s *server) record(ctx context.Context, dec throttle.Decision, req *throttle.ParsedRequest, promptHash string, usage throttle.Usage, keyType string, failover bool, start time.Time) {
	cost := dec.Model.Cost(usage)

	if m := s.deps.Metrics; m != nil {
		if usage.InputTokens > 0 {
			m.TokensProcessed.WithLabelValues(dec.Model.ID, "input").Add(float64(usage.InputTokens))
		}
		if usage.OutputTokens > 0 {
			m.TokensProcessed.WithLabelValues(dec.Model.ID, "output").Add(float64(usage.OutputTokens))
		}
		if cost > 0 {
			m.EstimatedCostUSD.WithLabelValues(dec.Model.ID).Add(cost)
		}
		if failover {
			m.KeyFailoversTotal.Inc()
		}
	}

	if s.deps.Routelog == nil {
		return
	}
	e := routelog.FromDecision(throttle.RequestIDFromContext(ctx), dec)
	e.PromptHash = promptHash
	e.ClientID = req.ClientID
	e.InputTokens = usage.InputTokens
	e.OutputTokens = usage.OutputTokens
	e.CostUSD = cost
	e.LatencyMs = time.Since(start).Milliseconds()
	e.KeyType = keyType
	e.Failover = failover
	s.deps.Routelog.Record(e)
}

// recordRejected logs a request answered with an error before routing
// chose a model, so the log still holds one line per answered request.
// The entry carries the classifier's verdict and the error kind but no
// model.
func (s *server) recordRejected(ctx context.Context, req *throttle.ParsedRequest, cls classifier.Result, err error, start time.Time) {
	if s.deps.Routelog == nil {
		return
	}
	s.deps.Routelog.Record(routelog.Entry{
		RequestID:  throttle.RequestIDFromContext(ctx),
		Timestamp:  time.Now().UTC(),
		PromptHash: dedup.Key(req),
		Score:      cls.Score,
		Confidence: cls.Confidence,
		Tier:       cls.Tier.String(),
		Mode:       s.deps.Mode,
		ClientID:   req.ClientID,
		LatencyMs:  time.Since(start).Milliseconds(),
		Error:      string(throttle.AsProxyError(err).Kind),
	})
}

// noteUpstreamError feeds the upstream error counter.
func (s *server) noteUpstreamError(dec throttle.Decision, err error) {
	if s.deps.Metrics == nil {
		return
	}
	pe := throttle.AsProxyError(err)
	s.deps.Metrics.UpstreamErrors.WithLabelValues(string(dec.Model.Provider), string(pe.Kind)).Inc()
}
