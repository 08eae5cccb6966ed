package router

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/throttleproxy/throttle/internal/catalog"
	"github.com/throttleproxy/throttle/internal/classifier"
	"github.com/throttleproxy/throttle/internal/ratelimit"

	throttle "github.com/throttleproxy/throttle/internal"
)

func testCatalog(t *testing.T) (*catalog.Registry, *catalog.Table) {
	t.Helper()
	reg, err := catalog.New([]throttle.ModelSpec{
		{ID: "cheap-flash", Provider: throttle.ProviderGoogle, InputCostPerMTok: 0.1, OutputCostPerMTok: 0.4},
		{ID: "mid-sonnet", Provider: throttle.ProviderAnthropic, InputCostPerMTok: 3, OutputCostPerMTok: 15},
		{ID: "deep-chat", Provider: throttle.ProviderDeepSeek, InputCostPerMTok: 0.3, OutputCostPerMTok: 1.1},
		{ID: "big-opus", Provider: throttle.ProviderAnthropic, InputCostPerMTok: 15, OutputCostPerMTok: 75},
	})
	if err != nil {
		t.Fatal(err)
	}
	table, err := catalog.NewTable(map[string]map[string][]string{
		"eco": {
			"simple":   {"cheap-flash", "deep-chat"},
			"standard": {"deep-chat", "mid-sonnet"},
			"complex":  {"mid-sonnet", "big-opus"},
		},
		"standard": {
			"simple":   {"deep-chat"},
			"standard": {"mid-sonnet"},
			"complex":  {"big-opus"},
		},
	}, reg)
	if err != nil {
		t.Fatal(err)
	}
	return reg, table
}

func allConfigured(throttle.ProviderTag) bool { return true }

func confident(tier throttle.Tier, score float64) classifier.Result {
	return classifier.Result{Score: score, Tier: tier, Confidence: 0.99}
}

func TestRoutePreferenceOrder(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	r := New(reg, table, allConfigured, ratelimit.NewTracker(time.Minute))

	d, err := r.Route(throttle.ModeEco, confident(throttle.TierSimple, 0.1), throttle.Override{Kind: throttle.OverrideNone})
	if err != nil {
		t.Fatal(err)
	}
	if d.Model.ID != "cheap-flash" {
		t.Errorf("model = %q, want cheap-flash", d.Model.ID)
	}
	if d.Tier != throttle.TierSimple {
		t.Errorf("tier = %v, want simple", d.Tier)
	}
}

func TestRouteSkipsUnconfiguredProvider(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	noGoogle := func(tag throttle.ProviderTag) bool { return tag != throttle.ProviderGoogle }
	r := New(reg, table, noGoogle, ratelimit.NewTracker(time.Minute))

	d, err := r.Route(throttle.ModeEco, confident(throttle.TierSimple, 0.1), throttle.Override{Kind: throttle.OverrideNone})
	if err != nil {
		t.Fatal(err)
	}
	if d.Model.ID != "deep-chat" {
		t.Errorf("model = %q, want deep-chat", d.Model.ID)
	}
}

func TestRouteSkipsRateLimitedModel(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	rl := ratelimit.NewTracker(time.Minute)
	rl.Mark("cheap-flash")
	r := New(reg, table, allConfigured, rl)

	d, err := r.Route(throttle.ModeEco, confident(throttle.TierSimple, 0.1), throttle.Override{Kind: throttle.OverrideNone})
	if err != nil {
		t.Fatal(err)
	}
	if d.Model.ID != "deep-chat" {
		t.Errorf("model = %q, want deep-chat", d.Model.ID)
	}
}

func TestRouteConfidenceStepUp(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	r := New(reg, table, allConfigured, ratelimit.NewTracker(time.Minute))

	cls := classifier.Result{Score: 0.28, Tier: throttle.TierSimple, Confidence: 0.55}
	d, err := r.Route(throttle.ModeEco, cls, throttle.Override{Kind: throttle.OverrideNone})
	if err != nil {
		t.Fatal(err)
	}
	if d.Tier != throttle.TierStandard {
		t.Errorf("tier = %v, want standard after step-up", d.Tier)
	}
	if d.Model.ID != "deep-chat" {
		t.Errorf("model = %q, want deep-chat", d.Model.ID)
	}
	if !strings.Contains(d.Reasoning, "confidence") {
		t.Errorf("reasoning %q does not name the step-up cause", d.Reasoning)
	}
}

func TestRouteToolCallingFloor(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	r := New(reg, table, allConfigured, ratelimit.NewTracker(time.Minute))

	d, err := r.Route(throttle.ModeEco, confident(throttle.TierSimple, 0.1), throttle.Override{Kind: throttle.OverrideToolCalling})
	if err != nil {
		t.Fatal(err)
	}
	if d.Tier != throttle.TierStandard {
		t.Errorf("tier = %v, want standard", d.Tier)
	}
	if !strings.Contains(d.Reasoning, "tool_calling tier floor") {
		t.Errorf("reasoning %q does not mention the tool_calling tier floor", d.Reasoning)
	}
}

func TestRouteToolCallingFloorThenStepUp(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	r := New(reg, table, allConfigured, ratelimit.NewTracker(time.Minute))

	// Low confidence on top of the tool floor lands on complex.
	cls := classifier.Result{Score: 0.2, Tier: throttle.TierSimple, Confidence: 0.5}
	d, err := r.Route(throttle.ModeEco, cls, throttle.Override{Kind: throttle.OverrideToolCalling})
	if err != nil {
		t.Fatal(err)
	}
	if d.Tier != throttle.TierComplex {
		t.Errorf("tier = %v, want complex", d.Tier)
	}
}

func TestRouteForceModel(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	r := New(reg, table, allConfigured, ratelimit.NewTracker(time.Minute))

	ov := throttle.Override{Kind: throttle.OverrideForceModel, Model: "big-opus"}
	d, err := r.Route(throttle.ModeEco, confident(throttle.TierSimple, 0.1), ov)
	if err != nil {
		t.Fatal(err)
	}
	if d.Model.ID != "big-opus" {
		t.Errorf("model = %q, want big-opus", d.Model.ID)
	}
}

func TestRouteForceModelRateLimitedFallsThrough(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	rl := ratelimit.NewTracker(time.Minute)
	rl.Mark("big-opus")
	r := New(reg, table, allConfigured, rl)

	ov := throttle.Override{Kind: throttle.OverrideForceModel, Model: "big-opus"}
	d, err := r.Route(throttle.ModeEco, confident(throttle.TierSimple, 0.1), ov)
	if err != nil {
		t.Fatal(err)
	}
	if d.Model.ID != "cheap-flash" {
		t.Errorf("model = %q, want tier routing fallback cheap-flash", d.Model.ID)
	}
	if d.Override.Kind != throttle.OverrideForceModel {
		t.Errorf("override tag lost: %v", d.Override.Kind)
	}
}

func TestRouteHeartbeatCheapest(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	r := New(reg, table, allConfigured, ratelimit.NewTracker(time.Minute))

	d, err := r.Route(throttle.ModeGigachad, confident(throttle.TierComplex, 0.9), throttle.Override{Kind: throttle.OverrideHeartbeat})
	if err != nil {
		t.Fatal(err)
	}
	if d.Model.ID != "cheap-flash" {
		t.Errorf("model = %q, want cheapest cheap-flash", d.Model.ID)
	}
	if d.Tier != throttle.TierSimple {
		t.Errorf("tier = %v, want simple", d.Tier)
	}
}

func TestRouteGlobalFallback(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	rl := ratelimit.NewTracker(time.Minute)
	rl.Mark("cheap-flash")
	rl.Mark("deep-chat")
	r := New(reg, table, allConfigured, rl)

	// eco/simple lists only the two rate-limited models; the global
	// fallback picks the cheapest survivor.
	d, err := r.Route(throttle.ModeEco, confident(throttle.TierSimple, 0.1), throttle.Override{Kind: throttle.OverrideNone})
	if err != nil {
		t.Fatal(err)
	}
	if d.Model.ID != "mid-sonnet" {
		t.Errorf("model = %q, want mid-sonnet", d.Model.ID)
	}
}

func TestRouteNoAvailableModel(t *testing.T) {
	t.Parallel()

	reg, table := testCatalog(t)
	none := func(throttle.ProviderTag) bool { return false }
	r := New(reg, table, none, ratelimit.NewTracker(time.Minute))

	_, err := r.Route(throttle.ModeEco, confident(throttle.TierSimple, 0.1), throttle.Override{Kind: throttle.OverrideNone})
	var pe *throttle.ProxyError
	if !errors.As(err, &pe) || pe.Kind != throttle.ErrNoAvailableModel {
		t.Fatalf("err = %v, want no_available_model", err)
	}
}
