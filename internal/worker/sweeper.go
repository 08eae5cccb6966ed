package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/throttleproxy/throttle/internal/ratelimit"
	"github.com/throttleproxy/throttle/internal/session"
)

const sweepInterval = 5 * time.Minute

// Sweeper periodically evicts idle session pins and lapsed rate-limit
// cooldowns so quiet deployments do not accumulate map entries.
type Sweeper struct {
	sessions *session.Store
	limiter  *ratelimit.Tracker
	interval time.Duration
}

// NewSweeper creates a Sweeper with the default interval.
func NewSweeper(sessions *session.Store, limiter *ratelimit.Tracker) *Sweeper {
	return &Sweeper{sessions: sessions, limiter: limiter, interval: sweepInterval}
}

// Name returns the worker identifier.
func (s *Sweeper) Name() string { return "sweeper" }

// Run sweeps on a fixed interval until ctx is cancelled. The sweep holds
// no locks across stores, so shutdown is never blocked here.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sessions := s.sessions.EvictIdle()
			cooldowns := s.limiter.EvictExpired()
			if sessions > 0 || cooldowns > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "sweep complete",
					slog.Int("sessions_evicted", sessions),
					slog.Int("cooldowns_evicted", cooldowns),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
