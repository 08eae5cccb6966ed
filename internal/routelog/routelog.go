// Package routelog persists one JSONL record per completed request and
// aggregates statistics over them. Records carry a prompt hash, never
// prompt content. Writes are best-effort: a log failure is logged and
// swallowed, it never reaches the client.
package routelog

import (
	"time"

	throttle "github.com/throttleproxy/throttle/internal"
)

// Entry is one routing-log record.
type Entry struct {
	RequestID    string                `json:"request_id"`
	Timestamp    time.Time             `json:"timestamp"`
	PromptHash   string                `json:"prompt_hash"`
	Score        float64               `json:"score"`
	Confidence   float64               `json:"confidence"`
	Tier         string                `json:"tier"`
	Model        string                `json:"model"`
	Provider     throttle.ProviderTag  `json:"provider"`
	Mode         throttle.Mode         `json:"mode"`
	Override     throttle.OverrideKind `json:"override"`
	InputTokens  int                   `json:"input_tokens"`
	OutputTokens int                   `json:"output_tokens"`
	CostUSD      float64               `json:"cost_usd"`
	LatencyMs    int64                 `json:"latency_ms"`

	ParentID string `json:"parent_request_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	KeyType  string `json:"key_type,omitempty"`
	Failover bool   `json:"failover,omitempty"`

	// Error is the error kind for a request rejected before routing
	// chose a model. Such entries carry no model and no token counts.
	Error string `json:"error,omitempty"`
}

// FromDecision fills the routing fields of an entry from a decision.
func FromDecision(requestID string, d throttle.Decision) Entry {
	return Entry{
		RequestID:  requestID,
		Timestamp:  time.Now().UTC(),
		Score:      d.Score,
		Confidence: d.Confidence,
		Tier:       d.Tier.String(),
		Model:      d.Model.ID,
		Provider:   d.Model.Provider,
		Mode:       d.Mode,
		Override:   d.Override.Kind,
		ParentID:   d.Override.ParentID,
	}
}
