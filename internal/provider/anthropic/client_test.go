package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	throttle "github.com/throttleproxy/throttle/internal"
)

func neutralReq(text string) *throttle.ParsedRequest {
	return &throttle.ParsedRequest{
		Dialect:   throttle.DialectOpenAI,
		System:    "be helpful",
		Messages:  []throttle.NeutralMessage{{Role: throttle.RoleUser, Content: text}},
		MaxTokens: 256,
	}
}

func singleKeyPool(secret string) *KeyPool {
	return NewKeyPool(secret, "", false, time.Minute)
}

func TestCompleteNative(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["model"] != "mid-sonnet" {
			t.Errorf("model = %v", body["model"])
		}
		if body["system"] != "be helpful" {
			t.Errorf("system = %v", body["system"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_01", "model": "mid-sonnet",
			"content": [{"type":"text","text":"Hello"},{"type":"text","text":" there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "auto", singleKeyPool("sk-ant-test"), nil)
	resp, err := c.Complete(context.Background(), "mid-sonnet", neutralReq("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != throttle.FinishEnd {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.KeyType != string(KeyEnterprise) || resp.Failover {
		t.Errorf("key annotations = %q/%v", resp.KeyType, resp.Failover)
	}
}

func TestCompleteRawPassthrough(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"model":"client-chosen","stream":true,"max_tokens":64,` +
		`"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],` +
		`"tools":[{"name":"lookup"}],"metadata":{"user_id":"u1"}}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if string(body["model"]) != `"routed-model"` {
			t.Errorf("model = %s, want routed-model override", body["model"])
		}
		if string(body["stream"]) != "false" {
			t.Errorf("stream = %s, want false override", body["stream"])
		}
		if string(body["tools"]) != `[{"name":"lookup"}]` {
			t.Errorf("tools not passed through: %s", body["tools"])
		}
		if string(body["metadata"]) != `{"user_id":"u1"}` {
			t.Errorf("metadata not passed through: %s", body["metadata"])
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	req := &throttle.ParsedRequest{
		Dialect: throttle.DialectAnthropic,
		RawBody: raw,
	}
	c := New(srv.URL, "auto", singleKeyPool("sk-ant-test"), nil)
	if _, err := c.Complete(context.Background(), "routed-model", req); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteBearerAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer enterprise-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("x-api-key") != "" {
			t.Error("x-api-key should be unset for non sk-ant secrets under auto")
		}
		w.Write([]byte(`{"content":[],"usage":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "auto", singleKeyPool("enterprise-token"), nil)
	if _, err := c.Complete(context.Background(), "m", neutralReq("hi")); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteDualKeyFailover(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			if r.Header.Get("x-api-key") != "sk-ant-setup" {
				t.Errorf("first attempt key = %q, want setup token", r.Header.Get("x-api-key"))
			}
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
			return
		}
		if r.Header.Get("x-api-key") != "sk-ant-enterprise" {
			t.Errorf("second attempt key = %q, want enterprise", r.Header.Get("x-api-key"))
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	pool := NewKeyPool("sk-ant-enterprise", "sk-ant-setup", true, time.Minute)
	c := New(srv.URL, "auto", pool, nil)

	resp, err := c.Complete(context.Background(), "m", neutralReq("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Failover || resp.KeyType != string(KeyEnterprise) {
		t.Errorf("failover=%v keyType=%q, want failover on enterprise", resp.Failover, resp.KeyType)
	}
	if !pool.Cooling(KeySetupToken) {
		t.Error("setup token should be cooling after 429")
	}

	// Within the cooldown the enterprise key is primary with no fallback.
	primary, _, haveFallback, ok := pool.Select()
	if !ok || primary.Type != KeyEnterprise || haveFallback {
		t.Errorf("Select = %+v fallback=%v ok=%v, want enterprise only", primary, haveFallback, ok)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestCompleteAllKeysCooling(t *testing.T) {
	t.Parallel()

	pool := NewKeyPool("sk-ant-enterprise", "", false, time.Minute)
	pool.MarkCooldown(KeyEnterprise)
	c := New("http://unreachable.invalid", "auto", pool, nil)

	_, err := c.Complete(context.Background(), "m", neutralReq("hi"))
	pe := throttle.AsProxyError(err)
	if pe.Kind != throttle.ErrUpstreamAuth {
		t.Errorf("kind = %v, want upstream_auth_failed", pe.Kind)
	}
}

func TestKeyPoolSelectOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		prefer      bool
		wantPrimary KeyType
	}{
		{name: "prefer setup token", prefer: true, wantPrimary: KeySetupToken},
		{name: "prefer enterprise", prefer: false, wantPrimary: KeyEnterprise},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pool := NewKeyPool("ent", "sk-ant-setup", tt.prefer, time.Minute)
			primary, fallback, haveFallback, ok := pool.Select()
			if !ok || !haveFallback {
				t.Fatalf("ok=%v haveFallback=%v", ok, haveFallback)
			}
			if primary.Type != tt.wantPrimary {
				t.Errorf("primary = %v, want %v", primary.Type, tt.wantPrimary)
			}
			if fallback.Type == primary.Type {
				t.Error("fallback must be the other key type")
			}
		})
	}
}
