// Package classifier scores prompts on twelve weighted dimensions and
// maps the composite onto a complexity tier with a calibrated
// confidence. The classifier is pure: after construction it performs no
// I/O and holds no mutable state, so identical inputs always produce
// identical results.
package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	throttle "github.com/throttleproxy/throttle/internal"
)

// Meta carries the request context scored alongside the utterance text.
type Meta struct {
	MessageCount int
	System       string
}

// Result is one classification outcome.
type Result struct {
	Score      float64
	Tier       throttle.Tier
	Confidence float64
	Dimensions map[string]float64
	Elapsed    time.Duration
}

// Options configures a Classifier.
type Options struct {
	// WeightsPath optionally overrides the default dimension weights.
	// The file is a JSON object keyed by dimension name; unknown names
	// are a load error.
	WeightsPath string
	SimpleMax   float64
	ComplexMin  float64
}

// Classifier is immutable after New.
type Classifier struct {
	weights    map[string]float64
	simpleMax  float64
	complexMin float64
}

// sigmoidSteepness controls how fast confidence saturates with distance
// from the nearest tier boundary.
const sigmoidSteepness = 10.0

// New builds a classifier, merging any weights file over the defaults.
func New(opts Options) (*Classifier, error) {
	weights := make(map[string]float64, len(dimensions))
	for _, d := range dimensions {
		weights[d.name] = d.weight
	}
	if opts.WeightsPath != "" {
		data, err := os.ReadFile(opts.WeightsPath)
		if err != nil {
			return nil, fmt.Errorf("classifier: read weights: %w", err)
		}
		var overrides map[string]float64
		if err := json.Unmarshal(data, &overrides); err != nil {
			return nil, fmt.Errorf("classifier: parse weights: %w", err)
		}
		for name, w := range overrides {
			if _, ok := weights[name]; !ok {
				return nil, fmt.Errorf("classifier: weights file names unknown dimension %q", name)
			}
			weights[name] = w
		}
	}
	if opts.SimpleMax >= opts.ComplexMin {
		return nil, fmt.Errorf("classifier: simpleMax %v must be below complexMin %v", opts.SimpleMax, opts.ComplexMin)
	}
	return &Classifier{
		weights:    weights,
		simpleMax:  opts.SimpleMax,
		complexMin: opts.ComplexMin,
	}, nil
}

// Classify scores the last user utterance plus meta.
func (c *Classifier) Classify(text string, meta Meta) Result {
	start := time.Now()

	dims := make(map[string]float64, len(dimensions))
	composite := 0.0
	for _, d := range dimensions {
		v := d.score(text, meta)
		dims[d.name] = v
		composite += c.weights[d.name] * v
	}
	composite = clamp01(composite)

	tier := c.tierOf(composite)
	return Result{
		Score:      composite,
		Tier:       tier,
		Confidence: c.confidence(composite, tier),
		Dimensions: dims,
		Elapsed:    time.Since(start),
	}
}

func (c *Classifier) tierOf(score float64) throttle.Tier {
	switch {
	case score <= c.simpleMax:
		return throttle.TierSimple
	case score >= c.complexMin:
		return throttle.TierComplex
	}
	return throttle.TierStandard
}

// confidence is the sigmoid of the signed distance from the nearest
// relevant boundary; scores on a boundary come out at 0.5.
func (c *Classifier) confidence(score float64, tier throttle.Tier) float64 {
	var d float64
	switch tier {
	case throttle.TierSimple:
		d = c.simpleMax - score
	case throttle.TierComplex:
		d = score - c.complexMin
	default:
		d = math.Min(score-c.simpleMax, c.complexMin-score)
	}
	return 1 / (1 + math.Exp(-sigmoidSteepness*d))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
