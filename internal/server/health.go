package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/throttleproxy/throttle/internal/routelog"

	throttle "github.com/throttleproxy/throttle/internal"
)

type healthResponse struct {
	Status        string        `json:"status"`
	Mode          throttle.Mode `json:"mode"`
	UptimeSeconds int64         `json:"uptime_seconds"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Mode:          s.deps.Mode,
		UptimeSeconds: int64(time.Since(s.deps.StartedAt).Seconds()),
	})
}

const defaultStatsDays = 30

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := defaultStatsDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeProxyError(w, throttle.Errf(throttle.ErrInvalidRequest, "days must be a positive integer"))
			return
		}
		days = n
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := routelog.Aggregate(s.deps.LogPath, since, s.deps.Registry.MostExpensive())
	if err != nil {
		writeProxyError(w, throttle.Errf(throttle.ErrInternal, "aggregate stats: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
