package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	throttle "github.com/throttleproxy/throttle/internal"
)

func chatReq(text string) *throttle.ParsedRequest {
	return &throttle.ParsedRequest{
		System:   "be terse",
		Messages: []throttle.NeutralMessage{{Role: throttle.RoleUser, Content: text}},
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ds-key" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Model != "deepseek-chat" {
			t.Errorf("model = %q", body.Model)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("system prompt must lead the message list: %+v", body.Messages)
		}
		if body.StreamOptions != nil {
			t.Error("stream_options must be absent on non-streaming requests")
		}

		w.Write([]byte(`{
			"model": "deepseek-chat",
			"choices": [{"message":{"role":"assistant","content":"42"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 2}
		}`))
	}))
	defer srv.Close()

	c := New(throttle.ProviderDeepSeek, "ds-key", srv.URL, nil)
	resp, err := c.Complete(context.Background(), "deepseek-chat", chatReq("meaning of life?"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "42" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != throttle.FinishEnd {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCompleteKeylessBackend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("keyless backend must not receive an Authorization header")
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	c := New(throttle.ProviderOllama, "", srv.URL, nil)
	if _, err := c.Complete(context.Background(), "llama3", chatReq("hi")); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := New(throttle.ProviderOpenAI, "k", srv.URL, nil)
	_, err := c.Complete(context.Background(), "gpt-x", chatReq("hi"))
	pe := throttle.AsProxyError(err)
	if pe.Kind != throttle.ErrUpstreamRateLimit {
		t.Errorf("kind = %v, want upstream_rate_limited", pe.Kind)
	}
	if pe.Provider != throttle.ProviderOpenAI {
		t.Errorf("provider = %v", pe.Provider)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
			t.Error("streaming requests must set stream_options.include_usage")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"role":"assistant","content":""}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":8,"completion_tokens":2}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := New(throttle.ProviderXAI, "x-key", srv.URL, nil)
	ch, err := c.Stream(context.Background(), "grok-fast", chatReq("hi"))
	if err != nil {
		t.Fatal(err)
	}

	var text strings.Builder
	var finish string
	var last throttle.StreamEvent
	for ev := range ch {
		if ev.Err != nil {
			t.Fatal(ev.Err)
		}
		text.WriteString(ev.TextDelta)
		if ev.FinishReason != "" {
			finish = ev.FinishReason
		}
		last = ev
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}
	if finish != throttle.FinishEnd {
		t.Errorf("finish = %q", finish)
	}
	if !last.Done {
		t.Error("[DONE] must yield a Done event")
	}
	if last.Usage == nil || last.Usage.InputTokens != 8 || last.Usage.OutputTokens != 2 {
		t.Errorf("done usage = %+v, want final chunk totals", last.Usage)
	}
}

func TestStreamClientGone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// More chunks than the channel buffers, with nobody receiving.
	var body strings.Builder
	for i := 0; i < 20; i++ {
		body.WriteString(`data: {"choices":[{"delta":{"content":"x"}}]}` + "\n\n")
	}

	ch := make(chan throttle.StreamEvent, 2)
	done := make(chan struct{})
	go func() {
		readStream(ctx, throttle.ProviderOpenAI, io.NopCloser(strings.NewReader(body.String())), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader kept running after the consumer went away")
	}
}

func TestStreamTruncated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"par"}}]}` + "\n\n"))
	}))
	defer srv.Close()

	c := New(throttle.ProviderMistral, "m-key", srv.URL, nil)
	ch, err := c.Stream(context.Background(), "mistral-small", chatReq("hi"))
	if err != nil {
		t.Fatal(err)
	}

	var last throttle.StreamEvent
	for ev := range ch {
		last = ev
	}
	if last.Err == nil {
		t.Fatal("stream without [DONE] should end with an error event")
	}
	pe := throttle.AsProxyError(last.Err)
	if pe.Kind != throttle.ErrUpstreamStream {
		t.Errorf("kind = %v, want upstream_stream_error", pe.Kind)
	}
}
