package classifier

import (
	"maps"
	"math"
	"os"
	"path/filepath"
	"testing"

	throttle "github.com/throttleproxy/throttle/internal"
)

func defaultOptions() Options {
	return Options{SimpleMax: 0.30, ComplexMin: 0.65}
}

const complexPrompt = "Implement and design a distributed database migration service, then refactor the cache layer.\n\n" +
	"1. Build the api schema and database index\n" +
	"2. Integrate the queue and set up docker containers\n" +
	"3. Deploy with encryption and oauth\n\n" +
	"First analyze the concurrency and latency trade-offs, then explain why step by step.\n" +
	"The service must handle at least 10000 requests and must not deadlock. Never block.\n" +
	"This is complex and critical for production, so be thorough and comprehensive and cover the edge cases.\n\n" +
	"```go\nfunc main() { println(\"hi\") }\n```\n\n" +
	"What is the best approach? How should I structure it?"

func TestClassifyTiers(t *testing.T) {
	t.Parallel()

	c, err := New(defaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		text string
		meta Meta
		want throttle.Tier
	}{
		{name: "ping", text: "ping", want: throttle.TierSimple},
		{name: "greeting", text: "hello!", want: throttle.TierSimple},
		{name: "affirmation", text: "sounds good", want: throttle.TierSimple},
		{name: "thanks", text: "thanks", want: throttle.TierSimple},
		{name: "loaded agentic prompt", text: complexPrompt, want: throttle.TierComplex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.Classify(tt.text, tt.meta)
			if got.Tier != tt.want {
				t.Errorf("Classify(%q).Tier = %s (score %.3f), want %s", tt.name, got.Tier, got.Score, tt.want)
			}
			if got.Score < 0 || got.Score > 1 {
				t.Errorf("score %v out of [0,1]", got.Score)
			}
			if got.Confidence < 0 || got.Confidence > 1 {
				t.Errorf("confidence %v out of [0,1]", got.Confidence)
			}
			if len(got.Dimensions) != len(dimensions) {
				t.Errorf("dimensions = %d, want %d", len(got.Dimensions), len(dimensions))
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()

	c, err := New(defaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	meta := Meta{MessageCount: 7, System: "# Role\nYou are a careful reviewer."}
	for _, text := range []string{"ping", complexPrompt, "how do I sort a slice in go?"} {
		a := c.Classify(text, meta)
		b := c.Classify(text, meta)
		if a.Score != b.Score || a.Tier != b.Tier || a.Confidence != b.Confidence {
			t.Errorf("classify(%.20q) not deterministic: %+v vs %+v", text, a, b)
		}
		if !maps.Equal(a.Dimensions, b.Dimensions) {
			t.Errorf("dimension scores differ across runs for %.20q", text)
		}
	}
}

func TestConfidenceAtBoundary(t *testing.T) {
	t.Parallel()

	// All-zero weights pin the composite to exactly 0; with simpleMax 0
	// the score sits on the boundary and confidence must be 0.5.
	weights := `{"tokenCount":0,"codePresence":0,"reasoningMarkers":0,"simpleIndicators":0,
"multiStepPatterns":0,"questionCount":0,"systemPromptSignals":0,"conversationDepth":0,
"agenticTask":0,"technicalTerms":0,"constraintCount":0,"escalationSignals":0}`
	path := filepath.Join(t.TempDir(), "weights.json")
	if err := os.WriteFile(path, []byte(weights), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := New(Options{WeightsPath: path, SimpleMax: 0, ComplexMin: 0.5})
	if err != nil {
		t.Fatal(err)
	}

	got := c.Classify("anything at all", Meta{})
	if got.Score != 0 {
		t.Fatalf("score = %v, want 0", got.Score)
	}
	if got.Tier != throttle.TierSimple {
		t.Errorf("tier = %s, want simple", got.Tier)
	}
	if math.Abs(got.Confidence-0.5) > 1e-9 {
		t.Errorf("confidence at boundary = %v, want 0.5", got.Confidence)
	}
}

func TestConfidenceGrowsWithDistance(t *testing.T) {
	t.Parallel()

	c, err := New(defaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	// "ping" clamps to score 0, the farthest point from the simple
	// boundary, so confidence should be decisively high.
	got := c.Classify("ping", Meta{MessageCount: 1})
	if got.Score != 0 {
		t.Fatalf("score = %v, want 0 (simpleIndicators should dominate)", got.Score)
	}
	wantConf := 1 / (1 + math.Exp(-sigmoidSteepness*0.30))
	if math.Abs(got.Confidence-wantConf) > 1e-9 {
		t.Errorf("confidence = %v, want %v", got.Confidence, wantConf)
	}
	if got.Confidence < 0.9 {
		t.Errorf("confidence = %v, want > 0.9 for a clear heartbeat", got.Confidence)
	}
}

func TestWeightsFile(t *testing.T) {
	t.Parallel()

	t.Run("partial override merges", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "weights.json")
		if err := os.WriteFile(path, []byte(`{"agenticTask": 0.5}`), 0o644); err != nil {
			t.Fatal(err)
		}
		c, err := New(Options{WeightsPath: path, SimpleMax: 0.30, ComplexMin: 0.65})
		if err != nil {
			t.Fatal(err)
		}
		if c.weights["agenticTask"] != 0.5 {
			t.Errorf("agenticTask = %v, want 0.5", c.weights["agenticTask"])
		}
		if c.weights["codePresence"] != 0.12 {
			t.Errorf("codePresence = %v, want default 0.12", c.weights["codePresence"])
		}
	})

	t.Run("unknown dimension fails startup", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "weights.json")
		if err := os.WriteFile(path, []byte(`{"promptVibes": 0.4}`), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := New(Options{WeightsPath: path, SimpleMax: 0.30, ComplexMin: 0.65}); err == nil {
			t.Error("unknown dimension accepted")
		}
	})

	t.Run("missing file fails startup", func(t *testing.T) {
		t.Parallel()
		if _, err := New(Options{WeightsPath: "/nonexistent/weights.json", SimpleMax: 0.30, ComplexMin: 0.65}); err == nil {
			t.Error("missing weights file accepted")
		}
	})
}

func TestDimensionSignals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		fn    func(string, Meta) float64
		text  string
		meta  Meta
		min   float64
		max   float64
	}{
		{name: "code fence saturates", fn: scoreCodePresence, text: "```py\nprint(1)\n```", min: 1, max: 1},
		{name: "inline code partial", fn: scoreCodePresence, text: "use `sort.Slice` here", min: 0.2, max: 0.8},
		{name: "prose has no code", fn: scoreCodePresence, text: "tell me about otters", min: 0, max: 0},
		{name: "reasoning markers", fn: scoreReasoningMarkers, text: "explain why, step by step", min: 0.5, max: 1},
		{name: "greeting is simple", fn: scoreSimpleIndicators, text: "hey", min: 1, max: 1},
		{name: "short is simple-ish", fn: scoreSimpleIndicators, text: "fix typo", min: 0.8, max: 0.8},
		{name: "long is not simple", fn: scoreSimpleIndicators, text: complexPrompt, min: 0, max: 0},
		{name: "enumeration", fn: scoreMultiStepPatterns, text: "1. do x\n2. do y\n3. do z", min: 0.9, max: 1},
		{name: "questions saturate", fn: scoreQuestionCount, text: "a? b? c? d? e?", min: 1, max: 1},
		{name: "no system prompt", fn: scoreSystemPromptSignals, text: "", meta: Meta{}, min: 0, max: 0},
		{name: "structured system prompt", fn: scoreSystemPromptSignals, text: "", meta: Meta{System: "# Rules\n- be terse\n- cite sources"}, min: 0.3, max: 1},
		{name: "deep conversation", fn: scoreConversationDepth, text: "", meta: Meta{MessageCount: 40}, min: 1, max: 1},
		{name: "agentic verbs", fn: scoreAgenticTask, text: "implement the parser and refactor the lexer", min: 0.7, max: 1},
		{name: "technical density", fn: scoreTechnicalTerms, text: "the api writes json to the database behind a cache", min: 0.45, max: 1},
		{name: "constraints", fn: scoreConstraintCount, text: "it must finish within 5 seconds and must not allocate", min: 0.5, max: 1},
		{name: "escalation", fn: scoreEscalationSignals, text: "urgent: production outage, be thorough", min: 0.9, max: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.fn(tt.text, tt.meta)
			if got < tt.min || got > tt.max {
				t.Errorf("score = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func BenchmarkClassify(b *testing.B) {
	c, err := New(defaultOptions())
	if err != nil {
		b.Fatal(err)
	}
	meta := Meta{MessageCount: 5, System: "You are a helpful assistant."}
	for b.Loop() {
		c.Classify(complexPrompt, meta)
	}
}
