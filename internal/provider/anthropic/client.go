// Package anthropic implements the Messages API adapter with dual-key
// transparent failover.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/throttleproxy/throttle/internal/provider"

	throttle "github.com/throttleproxy/throttle/internal"
)

const defaultVersion = "2023-06-01"

var _ throttle.Adapter = (*Client)(nil)

// Client is the Anthropic provider adapter.
type Client struct {
	baseURL  string
	authType string // api-key, bearer, auto
	keys     *KeyPool
	http     *http.Client
}

// New creates an Anthropic Client. The key pool decides which credential
// each request uses.
func New(baseURL, authType string, keys *KeyPool, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		authType: authType,
		keys:     keys,
		http:     client,
	}
}

// Tag returns the provider identifier.
func (c *Client) Tag() throttle.ProviderTag { return throttle.ProviderAnthropic }

// Complete sends a non-streaming Messages request with dual-key failover.
func (c *Client) Complete(ctx context.Context, model string, req *throttle.ParsedRequest) (*throttle.ProxyResponse, error) {
	body, err := buildBody(model, req, false)
	if err != nil {
		return nil, err
	}
	resp, key, failover, err := c.doWithFailover(ctx, req, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	out := parseResponse(respBody)
	out.KeyType = string(key.Type)
	out.Failover = failover
	return out, nil
}

// Stream sends a streaming Messages request. Failover runs before any
// stream byte is consumed; once the body opens the chosen key sticks.
func (c *Client) Stream(ctx context.Context, model string, req *throttle.ParsedRequest) (<-chan throttle.StreamEvent, error) {
	body, err := buildBody(model, req, true)
	if err != nil {
		return nil, err
	}
	resp, key, failover, err := c.doWithFailover(ctx, req, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan throttle.StreamEvent, 8)
	go readStream(ctx, resp.Body, ch, string(key.Type), failover)
	return ch, nil
}

// doWithFailover tries the primary key and retries exactly once with the
// fallback on 429 or 401, benching the failed key type either way.
func (c *Client) doWithFailover(ctx context.Context, req *throttle.ParsedRequest, body []byte) (*http.Response, Key, bool, error) {
	primary, fallback, haveFallback, ok := c.keys.Select()
	if !ok {
		return nil, Key{}, false, throttle.Errf(throttle.ErrUpstreamAuth, "anthropic: all keys cooling down or unset")
	}

	resp, err := c.do(ctx, req, body, primary)
	if err == nil {
		return resp, primary, false, nil
	}
	if !isKeyFailure(err) {
		return nil, Key{}, false, err
	}
	c.keys.MarkCooldown(primary.Type)
	if !haveFallback {
		return nil, Key{}, false, err
	}

	resp, err = c.do(ctx, req, body, fallback)
	if err != nil {
		return nil, Key{}, false, err
	}
	return resp, fallback, true, nil
}

func (c *Client) do(ctx context.Context, req *throttle.ParsedRequest, body []byte, key Key) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setAuth(httpReq.Header, c.authType, key.Secret)

	version := req.AnthropicVersion
	if version == "" {
		version = defaultVersion
	}
	httpReq.Header.Set("anthropic-version", version)
	if req.AnthropicBeta != "" {
		httpReq.Header.Set("anthropic-beta", req.AnthropicBeta)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(throttle.ProviderAnthropic, resp)
	}
	return resp, nil
}

// isKeyFailure reports whether the error is a 429 or 401 worth retrying
// on the other credential.
func isKeyFailure(err error) bool {
	pe := provider.ToProxyError(err)
	return pe.Status == http.StatusTooManyRequests || pe.Status == http.StatusUnauthorized
}

// nativeRequest is the Messages API body built from neutral messages.
type nativeRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	Messages    []nativeMsg  `json:"messages"`
	System      string       `json:"system,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type nativeMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildBody produces the outbound request body. A retained raw
// Messages-style body passes through untouched apart from the model and
// stream fields, so tools, tool_choice, thinking and metadata round-trip
// exactly.
func buildBody(model string, req *throttle.ParsedRequest, stream bool) ([]byte, error) {
	if len(req.RawBody) > 0 && req.Dialect == throttle.DialectAnthropic {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(req.RawBody, &raw); err != nil {
			return nil, throttle.Errf(throttle.ErrInvalidRequest, "anthropic: passthrough body: %v", err)
		}
		raw["model"], _ = json.Marshal(model)
		raw["stream"], _ = json.Marshal(stream)
		body, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("anthropic: marshal passthrough: %w", err)
		}
		return body, nil
	}

	out := nativeRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096 // Anthropic requires max_tokens
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, nativeMsg{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	return body, nil
}

// parseResponse decodes a Messages API response into the neutral form,
// keeping the content array verbatim so tool_use blocks survive when
// the client dialect matches.
func parseResponse(data []byte) *throttle.ProxyResponse {
	result := gjson.ParseBytes(data)

	var text strings.Builder
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})

	return &throttle.ProxyResponse{
		Model:         result.Get("model").String(),
		Content:       text.String(),
		FinishReason:  mapStopReason(result.Get("stop_reason").String()),
		ContentBlocks: json.RawMessage(result.Get("content").Raw),
		Usage: throttle.Usage{
			InputTokens:  int(result.Get("usage.input_tokens").Int()),
			OutputTokens: int(result.Get("usage.output_tokens").Int()),
		},
	}
}

// mapStopReason converts Anthropic stop reasons to neutral finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return throttle.FinishEnd
	case "max_tokens":
		return throttle.FinishLength
	case "tool_use":
		return throttle.FinishToolUse
	default:
		return reason
	}
}
