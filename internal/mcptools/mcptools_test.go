package mcptools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/throttleproxy/throttle/internal/catalog"
	"github.com/throttleproxy/throttle/internal/routelog"

	throttle "github.com/throttleproxy/throttle/internal"
)

var toolModels = []throttle.ModelSpec{
	{ID: "big-opus", Provider: throttle.ProviderAnthropic, InputCostPerMTok: 15, OutputCostPerMTok: 75},
	{ID: "tiny-flash", Provider: throttle.ProviderGoogle, InputCostPerMTok: 0.1, OutputCostPerMTok: 0.4},
}

func newTestServer(t *testing.T, logPath string) *Server {
	t.Helper()
	reg, err := catalog.New(toolModels)
	if err != nil {
		t.Fatal(err)
	}
	table, err := catalog.NewTable(map[string]map[string][]string{
		"standard": {
			"simple":  {"tiny-flash"},
			"complex": {"big-opus"},
		},
	}, reg)
	if err != nil {
		t.Fatal(err)
	}
	if logPath == "" {
		logPath = filepath.Join(t.TempDir(), "throttle.jsonl")
	}
	s, err := NewServer("test", Config{LogPath: logPath, Registry: reg, Table: table})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewServerRequiresCatalog(t *testing.T) {
	t.Parallel()
	_, err := NewServer("test", Config{LogPath: "x.jsonl"})
	if err == nil || !strings.Contains(err.Error(), "catalog") {
		t.Fatalf("err = %v", err)
	}
}

func TestListModelsCostAscending(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	_, out, err := s.handleListModels(context.Background(), nil, ModelsInput{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Count != 2 {
		t.Fatalf("Count = %d", out.Count)
	}
	if out.Models[0].ID != "tiny-flash" || out.Models[1].ID != "big-opus" {
		t.Errorf("order = %s, %s", out.Models[0].ID, out.Models[1].ID)
	}
	if out.Models[1].OutputCostPerMTok != 75 {
		t.Errorf("OutputCostPerMTok = %v", out.Models[1].OutputCostPerMTok)
	}
}

func TestGetRoutingModes(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	_, out, err := s.handleGetRoutingModes(context.Background(), nil, RoutingModesInput{})
	if err != nil {
		t.Fatal(err)
	}
	cell, ok := out.Modes["standard"]
	if !ok {
		t.Fatalf("modes = %v", out.Modes)
	}
	if got := cell["simple"]; len(got) != 1 || got[0] != "tiny-flash" {
		t.Errorf("simple = %v", got)
	}
	if _, ok := cell["standard"]; ok {
		t.Error("empty tier cell should be omitted")
	}
}

func TestGetStatsAggregatesLog(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "throttle.jsonl")

	entries := []routelog.Entry{
		{RequestID: "r1", Timestamp: time.Now().UTC(), Tier: "simple", Model: "tiny-flash", InputTokens: 1000, OutputTokens: 500, CostUSD: 0.0003, LatencyMs: 40},
		{RequestID: "r2", Timestamp: time.Now().UTC(), Tier: "complex", Model: "big-opus", InputTokens: 2000, OutputTokens: 800, CostUSD: 0.09, LatencyMs: 900},
	}
	var buf strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(logPath, []byte(buf.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestServer(t, logPath)
	_, stats, err := s.handleGetStats(context.Background(), nil, StatsInput{Days: 7})
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 2 {
		t.Fatalf("TotalRequests = %d", stats.TotalRequests)
	}
	if stats.BaselineModel != "big-opus" {
		t.Errorf("BaselineModel = %q", stats.BaselineModel)
	}
	if stats.ModelDistribution["tiny-flash"].Requests != 1 {
		t.Errorf("distribution = %v", stats.ModelDistribution)
	}
	if stats.SavingsUSD <= 0 {
		t.Errorf("SavingsUSD = %v", stats.SavingsUSD)
	}
}

func TestGetStatsMissingLogIsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, filepath.Join(t.TempDir(), "absent.jsonl"))

	res, stats, err := s.handleGetStats(context.Background(), nil, StatsInput{})
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if stats.TotalRequests != 0 {
		t.Errorf("TotalRequests = %d", stats.TotalRequests)
	}
}
