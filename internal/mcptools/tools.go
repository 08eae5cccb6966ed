package mcptools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/throttleproxy/throttle/internal/routelog"

	throttle "github.com/throttleproxy/throttle/internal"
)

var tiers = []throttle.Tier{throttle.TierSimple, throttle.TierStandard, throttle.TierComplex}

var (
	statsToolName    = "get_stats"
	statsDescription = "Aggregate the routing log over a trailing window: request totals, per-model and per-tier distribution, estimated spend, and savings against the most expensive catalog model."

	modelsToolName    = "list_models"
	modelsDescription = "List the model catalog in cost-ascending order with provider and per-million-token pricing."

	routingModesToolName    = "get_routing_modes"
	routingModesDescription = "Show the routing table: for each mode and complexity tier, the ordered model preference list."
)

// StatsInput selects the aggregation window for get_stats.
type StatsInput struct {
	Days int `json:"days,omitempty" jsonschema:"trailing window in days (default: 30)"`
}

func (s *Server) handleGetStats(_ context.Context, _ *mcp.CallToolRequest, input StatsInput) (*mcp.CallToolResult, *routelog.Stats, error) {
	days := input.Days
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats, err := routelog.Aggregate(s.config.LogPath, since, s.config.Registry.MostExpensive())
	if err != nil {
		s.config.Logger.Error("stats aggregation failed", slog.String("error", err.Error()))
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Failed to aggregate routing log: %v", err)},
			},
		}, nil, nil
	}
	return nil, stats, nil
}

// ModelInfo is one catalog entry in a list_models result.
type ModelInfo struct {
	ID                string  `json:"id"`
	DisplayName       string  `json:"display_name,omitempty"`
	Provider          string  `json:"provider"`
	InputCostPerMTok  float64 `json:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok"`
	MaxContextTokens  int     `json:"max_context_tokens,omitempty"`
}

// ModelsOutput is the list_models result.
type ModelsOutput struct {
	Models []ModelInfo `json:"models"`
	Count  int         `json:"count"`
}

// ModelsInput is empty; list_models takes no arguments.
type ModelsInput struct{}

func (s *Server) handleListModels(_ context.Context, _ *mcp.CallToolRequest, _ ModelsInput) (*mcp.CallToolResult, ModelsOutput, error) {
	all := s.config.Registry.All()
	out := ModelsOutput{
		Models: make([]ModelInfo, 0, len(all)),
		Count:  len(all),
	}
	for _, m := range all {
		out.Models = append(out.Models, ModelInfo{
			ID:                m.ID,
			DisplayName:       m.DisplayName,
			Provider:          string(m.Provider),
			InputCostPerMTok:  m.InputCostPerMTok,
			OutputCostPerMTok: m.OutputCostPerMTok,
			MaxContextTokens:  m.MaxContextTokens,
		})
	}
	return nil, out, nil
}

// RoutingModesOutput maps mode name to tier name to the ordered model
// preference list.
type RoutingModesOutput struct {
	Modes map[string]map[string][]string `json:"modes"`
}

// RoutingModesInput is empty; get_routing_modes takes no arguments.
type RoutingModesInput struct{}

func (s *Server) handleGetRoutingModes(_ context.Context, _ *mcp.CallToolRequest, _ RoutingModesInput) (*mcp.CallToolResult, RoutingModesOutput, error) {
	out := RoutingModesOutput{Modes: make(map[string]map[string][]string)}
	for _, mode := range s.config.Table.Modes() {
		cell := make(map[string][]string)
		for _, tier := range tiers {
			if prefs := s.config.Table.Preferences(mode, tier); len(prefs) > 0 {
				cell[tier.String()] = prefs
			}
		}
		out.Modes[string(mode)] = cell
	}
	return nil, out, nil
}
