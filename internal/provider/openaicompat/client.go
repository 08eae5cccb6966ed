// Package openaicompat implements one adapter for every provider that
// speaks the OpenAI chat-completions wire format. The backends differ
// only in base URL and whether a bearer key is required; OpenAI,
// DeepSeek, xAI, Moonshot, Mistral and Ollama all register instances of
// this client.
package openaicompat

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

var _ throttle.Adapter = (*Client)(nil)

// Client is a parameterized OpenAI-compatible adapter.
type Client struct {
	tag     throttle.ProviderTag
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a client for the given backend. apiKey may be empty for
// keyless backends such as a local Ollama.
func New(tag throttle.ProviderTag, apiKey, baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		tag:     tag,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// Tag returns the provider identifier this instance serves.
func (c *Client) Tag() throttle.ProviderTag { return c.tag }

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMsg      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func buildBody(model string, req *throttle.ParsedRequest, stream bool) ([]byte, error) {
	out := chatRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		// Ask for usage in the final chunk; backends that ignore the
		// option simply report nothing.
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.System != "" {
		out.Messages = append(out.Messages, chatMsg{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, chatMsg{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", out.Model, err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.tag, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.tag, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.tag, resp)
	}
	return resp, nil
}

// Complete sends a non-streaming chat-completions request.
func (c *Client) Complete(ctx context.Context, model string, req *throttle.ParsedRequest) (*throttle.ProxyResponse, error) {
	body, err := buildBody(model, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.tag, err)
	}

	r := gjson.ParseBytes(respBody)
	return &throttle.ProxyResponse{
		Model:        r.Get("model").String(),
		Content:      r.Get("choices.0.message.content").String(),
		FinishReason: mapFinishReason(r.Get("choices.0.finish_reason").String()),
		Usage: throttle.Usage{
			InputTokens:  int(r.Get("usage.prompt_tokens").Int()),
			OutputTokens: int(r.Get("usage.completion_tokens").Int()),
		},
	}, nil
}

// Stream sends a streaming chat-completions request.
func (c *Client) Stream(ctx context.Context, model string, req *throttle.ParsedRequest) (<-chan throttle.StreamEvent, error) {
	body, err := buildBody(model, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan throttle.StreamEvent, 8)
	go readStream(ctx, c.tag, resp.Body, ch)
	return ch, nil
}

// mapFinishReason converts OpenAI finish reasons to neutral ones.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return throttle.FinishEnd
	case "length":
		return throttle.FinishLength
	case "tool_calls":
		return throttle.FinishToolUse
	default:
		return reason
	}
}
