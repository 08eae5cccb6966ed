package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/throttleproxy/throttle/internal/dedup"

	throttle "github.com/throttleproxy/throttle/internal"
)

// heartbeatEvery paces the SSE comments emitted while a slow-starting
// upstream has produced nothing yet.
const heartbeatEvery = 2 * time.Second

// streamCompletion proxies one streaming exchange, translating the
// upstream event grammar into the client's dialect. Whatever happens to
// the stream, exactly one routing-log entry is written on the way out.
func (s *server) streamCompletion(w http.ResponseWriter, r *http.Request, dec throttle.Decision, req *throttle.ParsedRequest) {
	start := time.Now()
	promptHash := dedup.Key(req)

	ch, err := s.deps.Dispatcher.Stream(r.Context(), dec, req)
	if err != nil {
		s.deps.Pipeline.MarkFailed(req.SessionID)
		s.noteUpstreamError(dec, err)
		s.record(r.Context(), dec, req, promptHash, throttle.Usage{}, "", false, start)
		writeProxyError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	m := newMediator(w, flusher, req.Dialect, dec.Model.Provider.Family(), dec.Model.ID)

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	var usage throttle.Usage
	var keyType string
	var failover bool
	var streamErr error

loop:
	for {
		select {
		case ev, open := <-ch:
			if !open {
				break loop
			}
			if ev.KeyType != "" {
				keyType = ev.KeyType
				failover = failover || ev.Failover
			}
			if ev.Usage != nil {
				// Running totals: the latest observed value wins.
				usage = *ev.Usage
			}
			if ev.Err != nil {
				streamErr = ev.Err
				break loop
			}
			m.write(ev)
			if !m.quiet() {
				heartbeat.Stop()
			}
			if ev.Done {
				m.finish(usage)
				break loop
			}

		case <-heartbeat.C:
			if m.quiet() {
				writeSSEHeartbeat(w)
				flusher.Flush()
			}

		case <-r.Context().Done():
			streamErr = r.Context().Err()
			break loop
		}
	}

	if m := s.deps.Metrics; m != nil {
		m.UpstreamDuration.WithLabelValues(string(dec.Model.Provider), dec.Model.ID).
			Observe(time.Since(start).Seconds())
	}
	if streamErr != nil {
		s.deps.Pipeline.MarkFailed(req.SessionID)
		s.noteUpstreamError(dec, streamErr)
		slog.LogAttrs(r.Context(), slog.LevelError, "stream aborted",
			slog.String("model", dec.Model.ID),
			slog.String("error", streamErr.Error()),
		)
	}
	s.record(r.Context(), dec, req, promptHash, usage, keyType, failover, start)
}

// mediator renders upstream stream events in the client's dialect.
// Same-family streams pass through byte-faithfully; cross-family streams
// synthesize the client's event grammar.
type mediator struct {
	w        http.ResponseWriter
	f        http.Flusher
	dialect  throttle.Dialect
	upstream throttle.Family
	model    string
	id       string
	created  int64

	started    bool // prologue emitted (synthesized grammars)
	wrote      bool // any real byte reached the client
	finished   bool
	lastFinish string // latest neutral finish reason observed
}

func newMediator(w http.ResponseWriter, f http.Flusher, dialect throttle.Dialect, upstream throttle.Family, model string) *mediator {
	id := uuid.NewString()
	if dialect == throttle.DialectAnthropic {
		id = "msg_" + id
	} else {
		id = "chatcmpl-" + id
	}
	return &mediator{
		w:        w,
		f:        f,
		dialect:  dialect,
		upstream: upstream,
		model:    model,
		id:       id,
		created:  time.Now().Unix(),
	}
}

// quiet reports whether nothing real has been written yet, which keeps
// the heartbeat comments flowing.
func (m *mediator) quiet() bool { return !m.wrote }

// passthrough reports whether the upstream family matches the client
// dialect, making re-emission byte-faithful.
func (m *mediator) passthrough() bool {
	return m.upstream == m.dialect.Family()
}

func (m *mediator) write(ev throttle.StreamEvent) {
	if m.passthrough() {
		m.writePassthrough(ev)
		return
	}
	if m.dialect == throttle.DialectAnthropic {
		m.writeAnthropic(ev)
		return
	}
	m.writeOpenAI(ev)
}

// writePassthrough re-emits the upstream frame unchanged.
func (m *mediator) writePassthrough(ev throttle.StreamEvent) {
	switch {
	case ev.Event != "":
		writeSSEEvent(m.w, ev.Event, ev.Data)
	case len(ev.Data) > 0:
		writeSSEData(m.w, ev.Data)
	default:
		return
	}
	m.wrote = true
	m.f.Flush()
}

// --- Synthesized Messages grammar ---

type msgStartEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Role    string          `json:"role"`
		Model   string          `json:"model"`
		Content []struct{}      `json:"content"`
		Usage   *throttle.Usage `json:"usage,omitempty"`
	} `json:"message"`
}

type blockStartEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content_block"`
}

type blockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type blockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type msgDeltaEvent struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason   string  `json:"stop_reason"`
		StopSequence *string `json:"stop_sequence"`
	} `json:"delta"`
	Usage throttle.Usage `json:"usage"`
}

// writeAnthropic renders a non-Anthropic upstream event in the Messages
// stream grammar.
func (m *mediator) writeAnthropic(ev throttle.StreamEvent) {
	if ev.FinishReason != "" {
		m.lastFinish = ev.FinishReason
	}
	if ev.TextDelta == "" {
		return
	}
	if !m.started {
		m.started = true
		var startEv msgStartEvent
		startEv.Type = "message_start"
		startEv.Message.ID = m.id
		startEv.Message.Type = "message"
		startEv.Message.Role = "assistant"
		startEv.Message.Model = m.model
		startEv.Message.Content = []struct{}{}
		startEv.Message.Usage = ev.Usage
		m.emitEvent("message_start", &startEv)

		var blockEv blockStartEvent
		blockEv.Type = "content_block_start"
		blockEv.ContentBlock.Type = "text"
		m.emitEvent("content_block_start", &blockEv)
	}

	var delta blockDeltaEvent
	delta.Type = "content_block_delta"
	delta.Delta.Type = "text_delta"
	delta.Delta.Text = ev.TextDelta
	m.emitEvent("content_block_delta", &delta)
}

// finishAnthropic closes the synthesized Messages stream.
func (m *mediator) finishAnthropic(usage throttle.Usage) {
	if !m.started {
		// An empty upstream stream still yields a well-formed grammar.
		var startEv msgStartEvent
		startEv.Type = "message_start"
		startEv.Message.ID = m.id
		startEv.Message.Type = "message"
		startEv.Message.Role = "assistant"
		startEv.Message.Model = m.model
		startEv.Message.Content = []struct{}{}
		m.emitEvent("message_start", &startEv)

		var blockEv blockStartEvent
		blockEv.Type = "content_block_start"
		blockEv.ContentBlock.Type = "text"
		m.emitEvent("content_block_start", &blockEv)
	}
	m.emitEvent("content_block_stop", &blockStopEvent{Type: "content_block_stop"})

	var deltaEv msgDeltaEvent
	deltaEv.Type = "message_delta"
	deltaEv.Delta.StopReason = anthropicStopReason(m.lastFinish)
	deltaEv.Usage = usage
	m.emitEvent("message_delta", &deltaEv)

	m.emitEvent("message_stop", map[string]string{"type": "message_stop"})
}

// --- Synthesized ChatCompletions grammar ---

type chatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
	Usage   *chatUsage        `json:"usage,omitempty"`
}

type chatChunkChoice struct {
	Index        int            `json:"index"`
	Delta        chatChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chatChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (m *mediator) chunk(delta chatChunkDelta, finish *string) *chatChunk {
	return &chatChunk{
		ID:      m.id,
		Object:  "chat.completion.chunk",
		Created: m.created,
		Model:   m.model,
		Choices: []chatChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

// writeOpenAI renders a non-OpenAI upstream event as ChatCompletions
// chunks.
func (m *mediator) writeOpenAI(ev throttle.StreamEvent) {
	if ev.FinishReason != "" {
		m.lastFinish = ev.FinishReason
	}
	if ev.TextDelta == "" {
		return
	}
	if !m.started {
		m.started = true
		m.emitData(m.chunk(chatChunkDelta{Role: "assistant"}, nil))
	}
	m.emitData(m.chunk(chatChunkDelta{Content: ev.TextDelta}, nil))
}

// finishOpenAI closes the synthesized ChatCompletions stream.
func (m *mediator) finishOpenAI(usage throttle.Usage) {
	if !m.started {
		m.started = true
		m.emitData(m.chunk(chatChunkDelta{Role: "assistant"}, nil))
	}
	finish := openaiFinishReason(m.lastFinish)
	final := m.chunk(chatChunkDelta{}, &finish)
	final.Usage = &chatUsage{
		PromptTokens:     usage.InputTokens,
		CompletionTokens: usage.OutputTokens,
		TotalTokens:      usage.InputTokens + usage.OutputTokens,
	}
	m.emitData(final)
	writeSSEDone(m.w)
	m.wrote = true
	m.f.Flush()
}

// finish closes the client stream in its dialect's grammar. Passthrough
// streams already carried their own terminator.
func (m *mediator) finish(usage throttle.Usage) {
	if m.finished {
		return
	}
	m.finished = true
	if m.passthrough() {
		if m.dialect == throttle.DialectOpenAI {
			// The upstream [DONE] sentinel is consumed by the adapter.
			writeSSEDone(m.w)
			m.wrote = true
			m.f.Flush()
		}
		return
	}
	if m.dialect == throttle.DialectAnthropic {
		m.finishAnthropic(usage)
		return
	}
	m.finishOpenAI(usage)
}

func (m *mediator) emitEvent(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("stream event marshal failed", "error", err)
		return
	}
	writeSSEEvent(m.w, event, data)
	m.wrote = true
	m.f.Flush()
}

func (m *mediator) emitData(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("stream chunk marshal failed", "error", err)
		return
	}
	writeSSEData(m.w, data)
	m.wrote = true
	m.f.Flush()
}
