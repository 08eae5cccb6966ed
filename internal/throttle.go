// Package throttle defines domain types and interfaces for the Throttle
// LLM proxy. This package has no project imports -- it is the dependency root.
package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// --- Routing enumerations ---

// Mode is the user-selected routing posture. It biases the model
// preference order for each tier.
type Mode string

const (
	ModeEco      Mode = "eco"
	ModeStandard Mode = "standard"
	ModeGigachad Mode = "gigachad"
)

// ParseMode resolves a configured mode name. The legacy name
// "performance" loads as gigachad; the canonical value in logs and
// stats is always gigachad.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eco":
		return ModeEco, true
	case "standard", "":
		return ModeStandard, true
	case "gigachad", "performance":
		return ModeGigachad, true
	}
	return "", false
}

// Tier is the classifier's coarse complexity bucket. The integer
// ordering simple < standard < complex is load-bearing: session pins
// and step-ups compare tiers directly.
type Tier int

const (
	TierSimple Tier = iota
	TierStandard
	TierComplex
)

func (t Tier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierStandard:
		return "standard"
	case TierComplex:
		return "complex"
	}
	return "unknown"
}

// ParseTier resolves a tier name as it appears in routing tables and logs.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "simple":
		return TierSimple, true
	case "standard":
		return TierStandard, true
	case "complex":
		return TierComplex, true
	}
	return 0, false
}

// --- Providers ---

// ProviderTag identifies an upstream LLM backend. The set is closed:
// configuration referencing an unknown tag fails at load.
type ProviderTag string

const (
	ProviderAnthropic ProviderTag = "anthropic"
	ProviderGoogle    ProviderTag = "google"
	ProviderOpenAI    ProviderTag = "openai"
	ProviderDeepSeek  ProviderTag = "deepseek"
	ProviderXAI       ProviderTag = "xai"
	ProviderMoonshot  ProviderTag = "moonshot"
	ProviderMistral   ProviderTag = "mistral"
	ProviderOllama    ProviderTag = "ollama"
)

// ParseProviderTag resolves a provider name from configuration or a
// model catalog entry.
func ParseProviderTag(s string) (ProviderTag, bool) {
	switch t := ProviderTag(strings.ToLower(s)); t {
	case ProviderAnthropic, ProviderGoogle, ProviderOpenAI, ProviderDeepSeek,
		ProviderXAI, ProviderMoonshot, ProviderMistral, ProviderOllama:
		return t, true
	}
	return "", false
}

// Family is an upstream wire-format family. Three SSE event grammars
// exist; every provider tag speaks exactly one of them.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyGoogle    Family = "google"
	FamilyOpenAI    Family = "openai"
)

// Family returns the wire-format family the provider speaks.
func (t ProviderTag) Family() Family {
	switch t {
	case ProviderAnthropic:
		return FamilyAnthropic
	case ProviderGoogle:
		return FamilyGoogle
	default:
		return FamilyOpenAI
	}
}

// RequiresKey reports whether the backend needs an API key to count as
// configured. Ollama serves unauthenticated local traffic.
func (t ProviderTag) RequiresKey() bool {
	return t != ProviderOllama
}

// Dialect is the inbound request shape: Messages-style ("anthropic")
// or ChatCompletions-style ("openai"). It drives outbound response
// translation.
type Dialect string

const (
	DialectAnthropic Dialect = "anthropic"
	DialectOpenAI    Dialect = "openai"
)

// Family returns the wire family the dialect corresponds to, used to
// decide when streaming passthrough is byte-faithful.
func (d Dialect) Family() Family {
	if d == DialectAnthropic {
		return FamilyAnthropic
	}
	return FamilyOpenAI
}

// --- Request model ---

// Message roles accepted on ingress. Anything else is an invalid_request.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// NeutralMessage is one conversation turn reduced to plain text.
// Tool-call content blocks in raw requests are opaque and survive only
// via passthrough of the raw body.
type NeutralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ParsedRequest is the neutral representation of an inbound chat request,
// plus the routing-control headers read at ingress.
type ParsedRequest struct {
	Dialect     Dialect
	Model       string // model named by the client; informational only
	System      string
	Messages    []NeutralMessage
	MaxTokens   int
	Temperature *float64
	Stream      bool
	HasTools    bool

	// RawBody is the verbatim request body, retained when the ingress was
	// Messages-style so Anthropic-family dispatch can pass tools,
	// tool_choice, thinking and metadata through untouched.
	RawBody          []byte
	AnthropicVersion string
	AnthropicBeta    string

	// Control headers.
	ForceModel string // X-Throttle-Force-Model
	SessionID  string // X-Session-ID
	ClientID   string // X-Client-ID
	ParentID   string // X-Parent-Request-ID
}

// LastUserText returns the content of the most recent user turn, the
// text the classifier and override detector score.
func (r *ParsedRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// --- Catalog ---

// ModelSpec describes one catalog model. Loaded once at startup, never
// mutated.
type ModelSpec struct {
	ID                string      `json:"id"`
	DisplayName       string      `json:"displayName"`
	Provider          ProviderTag `json:"provider"`
	InputCostPerMTok  float64     `json:"inputCostPerMTok"`
	OutputCostPerMTok float64     `json:"outputCostPerMTok"`
	MaxContextTokens  int         `json:"maxContextTokens"`
}

// Cost estimates the USD cost of the given usage at this model's rates.
func (m ModelSpec) Cost(u Usage) float64 {
	return float64(u.InputTokens)/1e6*m.InputCostPerMTok +
		float64(u.OutputTokens)/1e6*m.OutputCostPerMTok
}

// --- Routing ---

// OverrideKind tags a classification-bypassing directive.
type OverrideKind string

const (
	OverrideNone             OverrideKind = "none"
	OverrideHeartbeat        OverrideKind = "heartbeat"
	OverrideForceModel       OverrideKind = "force_model"
	OverrideToolCalling      OverrideKind = "tool_calling"
	OverrideSubAgentInherit  OverrideKind = "sub_agent_inherit"
	OverrideSubAgentStepdown OverrideKind = "sub_agent_stepdown"
)

// Override is a tagged variant: Kind selects the directive, Model and
// ParentID carry the payload for the kinds that have one.
type Override struct {
	Kind     OverrideKind
	Model    string // force_model and sub_agent_* target id
	ParentID string // sub_agent_* source request id
}

// Decision is the outcome of routing one request.
type Decision struct {
	Model      ModelSpec
	Tier       Tier // effective tier after floors, step-ups and pins
	Mode       Mode
	Override   Override
	Score      float64
	Confidence float64
	Reasoning  string
}

// --- Upstream exchange ---

// Usage is the token accounting for one exchange. Streaming upstreams
// report running totals; the latest observed value wins.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Neutral finish reasons. Adapters map provider-native stop values in,
// dialect encoders map them back out.
const (
	FinishEnd     = "end"
	FinishLength  = "length"
	FinishToolUse = "tool_use"
)

// ProxyResponse is the neutral form of a non-streaming upstream reply.
type ProxyResponse struct {
	Model        string
	Content      string
	FinishReason string
	Usage        Usage

	// ContentBlocks holds the upstream content array verbatim when the
	// upstream is Anthropic-family, so tool_use blocks round-trip when
	// the client dialect matches.
	ContentBlocks json.RawMessage

	// Dual-key annotations, set by the Anthropic adapter.
	KeyType  string
	Failover bool
}

// StreamEvent is one upstream streaming event in both raw and decoded
// form. Event and Data preserve the upstream SSE fields so same-family
// passthrough stays byte-faithful; the decoded fields drive cross-family
// translation and token accounting.
type StreamEvent struct {
	Event string
	Data  []byte

	TextDelta    string
	FinishReason string
	Usage        *Usage // non-nil whenever the upstream reported totals
	Done         bool
	Err          error

	// Dual-key annotations, set by the Anthropic adapter on every event
	// so the mediator can log which credential actually served the stream.
	KeyType  string
	Failover bool
}

// Adapter is the interface every upstream provider family implements.
type Adapter interface {
	// Tag returns the provider identifier this adapter serves.
	Tag() ProviderTag
	// Complete sends a non-streaming request for the given catalog model.
	Complete(ctx context.Context, model string, req *ParsedRequest) (*ProxyResponse, error)
	// Stream sends a streaming request and returns the upstream event feed.
	// The channel is closed after a Done or Err event.
	Stream(ctx context.Context, model string, req *ParsedRequest) (<-chan StreamEvent, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// HashPrefix returns the first 16 hex characters of the SHA-256 of data.
// Dedup keys and routing-log prompt hashes both use this form.
func HashPrefix(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:8])
}
