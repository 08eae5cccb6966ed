package routelog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	throttle "github.com/throttleproxy/throttle/internal"
)

// ModelStats is the per-model slice of an aggregate.
type ModelStats struct {
	Requests int     `json:"requests"`
	CostUSD  float64 `json:"cost_usd"`
}

// Stats is the aggregate served by GET /stats and the stats CLI.
type Stats struct {
	TotalRequests     int                   `json:"total_requests"`
	TotalCostUSD      float64               `json:"total_cost_usd"`
	BaselineModel     string                `json:"baseline_model"`
	BaselineCostUSD   float64               `json:"baseline_cost_usd"`
	SavingsUSD        float64               `json:"savings_usd"`
	ModelDistribution map[string]ModelStats `json:"model_distribution"`
	TierDistribution  map[string]int        `json:"tier_distribution"`
	AvgLatencyMs      float64               `json:"avg_latency_ms"`
	PeriodStart       time.Time             `json:"period_start"`
	PeriodEnd         time.Time             `json:"period_end"`
}

// scanBufSize accommodates long JSONL lines; records are small but the
// default scanner limit is tighter than it needs to be.
const scanBufSize = 256 * 1024

// Aggregate scans the log at path and totals every entry at or after
// since. baseline is the catalog's most expensive model; its rates
// price the hypothetical everything-on-the-big-model cost. A missing
// log file yields an empty aggregate, not an error.
func Aggregate(path string, since time.Time, baseline throttle.ModelSpec) (*Stats, error) {
	s := &Stats{
		BaselineModel:     baseline.ID,
		ModelDistribution: make(map[string]ModelStats),
		TierDistribution:  make(map[string]int),
		PeriodStart:       since,
		PeriodEnd:         time.Now().UTC(),
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("routelog: open %s: %w", path, err)
	}
	defer f.Close()

	if err := aggregateFrom(f, since, baseline, s); err != nil {
		return nil, err
	}
	return s, nil
}

func aggregateFrom(r io.Reader, since time.Time, baseline throttle.ModelSpec, s *Stats) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), scanBufSize)

	var totalLatency int64
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail line from a crashed writer is not fatal.
			continue
		}
		if e.Timestamp.Before(since) {
			continue
		}

		s.TotalRequests++
		s.TotalCostUSD += e.CostUSD
		s.BaselineCostUSD += baseline.Cost(throttle.Usage{
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
		})
		// Rejected requests carry no model; they count toward the
		// totals but stay out of the per-model split.
		if e.Model != "" {
			ms := s.ModelDistribution[e.Model]
			ms.Requests++
			ms.CostUSD += e.CostUSD
			s.ModelDistribution[e.Model] = ms
		}
		s.TierDistribution[e.Tier]++
		totalLatency += e.LatencyMs
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("routelog: scan: %w", err)
	}

	if s.TotalRequests > 0 {
		s.AvgLatencyMs = float64(totalLatency) / float64(s.TotalRequests)
	}
	s.SavingsUSD = s.BaselineCostUSD - s.TotalCostUSD
	return nil
}
