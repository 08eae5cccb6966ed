// Package google implements the Gemini generateContent adapter.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/throttleproxy/throttle/internal/provider"

	throttle "github.com/throttleproxy/throttle/internal"
)

var _ throttle.Adapter = (*Client)(nil)

// Client is the Gemini provider adapter. The API key travels in the
// query string, not a header.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Gemini Client.
func New(apiKey, baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// Tag returns the provider identifier.
func (c *Client) Tag() throttle.ProviderTag { return throttle.ProviderGoogle }

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

// buildBody maps neutral messages onto Gemini roles: assistant turns
// become "model", the system prompt becomes systemInstruction.
func buildBody(req *throttle.ParsedRequest) ([]byte, error) {
	out := geminiRequest{}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == throttle.RoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		out.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}
	return body, nil
}

func (c *Client) endpoint(model, verb, extraQuery string) string {
	q := "key=" + url.QueryEscape(c.apiKey)
	if extraQuery != "" {
		q = extraQuery + "&" + q
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s?%s", c.baseURL, url.PathEscape(model), verb, q)
}

// Complete sends a non-streaming generateContent request.
func (c *Client) Complete(ctx context.Context, model string, req *throttle.ParsedRequest) (*throttle.ProxyResponse, error) {
	body, err := buildBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(model, "generateContent", ""), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("google: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(throttle.ProviderGoogle, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("google: read response: %w", err)
	}
	return parseResponse(respBody, model), nil
}

// Stream sends a streaming request via the SSE variant of the endpoint.
func (c *Client) Stream(ctx context.Context, model string, req *throttle.ParsedRequest) (<-chan throttle.StreamEvent, error) {
	body, err := buildBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(model, "streamGenerateContent", "alt=sse"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("google: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(throttle.ProviderGoogle, resp)
	}

	ch := make(chan throttle.StreamEvent, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

func parseResponse(data []byte, model string) *throttle.ProxyResponse {
	r := gjson.ParseBytes(data)

	var text strings.Builder
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text.WriteString(part.Get("text").String())
		return true
	})

	return &throttle.ProxyResponse{
		Model:        model,
		Content:      text.String(),
		FinishReason: mapFinishReason(r.Get("candidates.0.finishReason").String()),
		Usage: throttle.Usage{
			InputTokens:  int(r.Get("usageMetadata.promptTokenCount").Int()),
			OutputTokens: int(r.Get("usageMetadata.candidatesTokenCount").Int()),
		},
	}
}

// mapFinishReason converts Gemini finish reasons to neutral ones.
// Anything unmapped (SAFETY, RECITATION) passes through verbatim so
// content-filter terminations stay visible to the client.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return throttle.FinishEnd
	case "MAX_TOKENS":
		return throttle.FinishLength
	default:
		return reason
	}
}
