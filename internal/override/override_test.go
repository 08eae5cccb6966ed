package override

import (
	"errors"
	"testing"

	"github.com/throttleproxy/throttle/internal/catalog"

	throttle "github.com/throttleproxy/throttle/internal"
)

type fakeParents map[string]string

func (f fakeParents) ParentModel(id string) (string, bool) {
	m, ok := f[id]
	return m, ok
}

func testRegistry(t *testing.T) *catalog.Registry {
	t.Helper()
	reg, err := catalog.New([]throttle.ModelSpec{
		{ID: "cheap-flash", Provider: throttle.ProviderGoogle, OutputCostPerMTok: 1},
		{ID: "mid-sonnet", Provider: throttle.ProviderAnthropic, OutputCostPerMTok: 15},
		{ID: "big-opus", Provider: throttle.ProviderAnthropic, OutputCostPerMTok: 75},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func testDetector(t *testing.T, parents ParentLookup) *Detector {
	t.Helper()
	aliases := map[string]string{
		"opus":      "big-opus",
		"sonnet":    "mid-sonnet",
		"flash":     "cheap-flash",
		"grok-fast": "cheap-flash",
	}
	return NewDetector(aliases, testRegistry(t), parents)
}

func userReq(text string) *throttle.ParsedRequest {
	return &throttle.ParsedRequest{
		Messages: []throttle.NeutralMessage{{Role: throttle.RoleUser, Content: text}},
	}
}

func TestDetectHeartbeat(t *testing.T) {
	t.Parallel()

	d := testDetector(t, nil)

	tests := []struct {
		text string
		want bool
	}{
		{text: "ping", want: true},
		{text: "Ping!", want: true},
		{text: "pong", want: true},
		{text: "heartbeat", want: true},
		{text: "are you there?", want: true},
		{text: "Are you still there?", want: true},
		{text: "summarize the conversation", want: true},
		{text: "Summarise what we did", want: true},
		{text: "tldr", want: true},
		{text: "TL;DR?", want: true},
		{text: "recap please", want: true},
		{text: "give me a brief summary", want: true},
		{text: "give me a summary of the plan", want: true},
		{text: "status?", want: true},
		{text: "ping the server and report latency", want: false},
		{text: "what is a heartbeat in SSE?", want: false},
		{text: "please summarize is not how this starts", want: true},
		{text: "implement a recap feature", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got, err := d.Detect(userReq(tt.text))
			if err != nil {
				t.Fatal(err)
			}
			isHB := got.Kind == throttle.OverrideHeartbeat
			if isHB != tt.want {
				t.Errorf("Detect(%q) = %s, want heartbeat=%v", tt.text, got.Kind, tt.want)
			}
		})
	}
}

func TestDetectForceModel(t *testing.T) {
	t.Parallel()

	d := testDetector(t, nil)

	t.Run("header", func(t *testing.T) {
		t.Parallel()
		req := userReq("do something hard")
		req.ForceModel = "opus"
		got, err := d.Detect(req)
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != throttle.OverrideForceModel || got.Model != "big-opus" {
			t.Errorf("Detect = %+v, want force_model(big-opus)", got)
		}
	})

	t.Run("header is case-insensitive", func(t *testing.T) {
		t.Parallel()
		req := userReq("hi there everyone")
		req.ForceModel = "OPUS"
		got, err := d.Detect(req)
		if err != nil {
			t.Fatal(err)
		}
		if got.Model != "big-opus" {
			t.Errorf("Model = %q, want big-opus", got.Model)
		}
	})

	t.Run("unknown header alias is invalid_request", func(t *testing.T) {
		t.Parallel()
		req := userReq("anything")
		req.ForceModel = "megabrain"
		_, err := d.Detect(req)
		var pe *throttle.ProxyError
		if !errors.As(err, &pe) || pe.Kind != throttle.ErrInvalidRequest {
			t.Errorf("err = %v, want invalid_request", err)
		}
	})

	t.Run("inline prefix", func(t *testing.T) {
		t.Parallel()
		got, err := d.Detect(userReq("/sonnet rewrite this paragraph"))
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != throttle.OverrideForceModel || got.Model != "mid-sonnet" {
			t.Errorf("Detect = %+v, want force_model(mid-sonnet)", got)
		}
	})

	t.Run("inline prefix with hyphen", func(t *testing.T) {
		t.Parallel()
		got, err := d.Detect(userReq("/grok-fast quick question"))
		if err != nil {
			t.Fatal(err)
		}
		if got.Model != "cheap-flash" {
			t.Errorf("Model = %q, want cheap-flash", got.Model)
		}
	})

	t.Run("unrecognized inline prefix is content", func(t *testing.T) {
		t.Parallel()
		got, err := d.Detect(userReq("/etc/passwd is a unix file"))
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != throttle.OverrideNone {
			t.Errorf("Kind = %s, want none", got.Kind)
		}
	})

	t.Run("heartbeat beats force header", func(t *testing.T) {
		t.Parallel()
		req := userReq("ping")
		req.ForceModel = "opus"
		got, err := d.Detect(req)
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != throttle.OverrideHeartbeat {
			t.Errorf("Kind = %s, want heartbeat (rule order)", got.Kind)
		}
	})
}

func TestDetectSubAgent(t *testing.T) {
	t.Parallel()

	parents := fakeParents{
		"req-opus":    "big-opus",
		"req-floor":   "cheap-flash",
		"req-unknown": "retired-model",
	}
	d := testDetector(t, parents)

	t.Run("stepdown from parent", func(t *testing.T) {
		t.Parallel()
		req := userReq("work on the subtask")
		req.ParentID = "req-opus"
		got, err := d.Detect(req)
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != throttle.OverrideSubAgentStepdown || got.Model != "mid-sonnet" {
			t.Errorf("Detect = %+v, want sub_agent_stepdown(mid-sonnet)", got)
		}
		if got.ParentID != "req-opus" {
			t.Errorf("ParentID = %q", got.ParentID)
		}
	})

	t.Run("parent at floor inherits", func(t *testing.T) {
		t.Parallel()
		req := userReq("work on the subtask")
		req.ParentID = "req-floor"
		got, err := d.Detect(req)
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != throttle.OverrideSubAgentInherit || got.Model != "cheap-flash" {
			t.Errorf("Detect = %+v, want sub_agent_inherit(cheap-flash)", got)
		}
	})

	t.Run("parent model outside catalog inherits unchanged", func(t *testing.T) {
		t.Parallel()
		req := userReq("work on the subtask")
		req.ParentID = "req-unknown"
		got, err := d.Detect(req)
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != throttle.OverrideSubAgentInherit || got.Model != "retired-model" {
			t.Errorf("Detect = %+v, want sub_agent_inherit(retired-model)", got)
		}
	})

	t.Run("unknown parent id falls through to tools", func(t *testing.T) {
		t.Parallel()
		req := userReq("work on the subtask")
		req.ParentID = "req-ghost"
		req.HasTools = true
		got, err := d.Detect(req)
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != throttle.OverrideToolCalling {
			t.Errorf("Kind = %s, want tool_calling", got.Kind)
		}
	})
}

func TestDetectToolCallingAndNone(t *testing.T) {
	t.Parallel()

	d := testDetector(t, nil)

	req := userReq("look up the weather in Lisbon")
	req.HasTools = true
	got, err := d.Detect(req)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != throttle.OverrideToolCalling {
		t.Errorf("Kind = %s, want tool_calling", got.Kind)
	}

	got, err = d.Detect(userReq("write a haiku about rivers"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != throttle.OverrideNone {
		t.Errorf("Kind = %s, want none", got.Kind)
	}
}
