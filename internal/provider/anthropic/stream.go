package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/throttleproxy/throttle/internal/provider"
	"github.com/throttleproxy/throttle/internal/provider/sseutil"

	throttle "github.com/throttleproxy/throttle/internal"
)

// readStream reads Anthropic SSE events and emits them with both the
// raw event/data fields (for byte-faithful passthrough) and the decoded
// deltas and usage (for cross-family translation and accounting).
// Usage is a running total: input tokens arrive on message_start, output
// tokens on each message_delta.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- throttle.StreamEvent, keyType string, failover bool) {
	defer close(ch)
	defer body.Close()

	var usage throttle.Usage
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		line := scanner.Text()
		event, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		ev := throttle.StreamEvent{
			Event:    currentEvent,
			Data:     []byte(data),
			KeyType:  keyType,
			Failover: failover,
		}
		switch currentEvent {
		case "message_start":
			r := gjson.Parse(data)
			usage.InputTokens = int(r.Get("message.usage.input_tokens").Int())
			usage.OutputTokens = int(r.Get("message.usage.output_tokens").Int())
			u := usage
			ev.Usage = &u

		case "content_block_delta":
			r := gjson.Parse(data)
			if r.Get("delta.type").String() == "text_delta" {
				ev.TextDelta = r.Get("delta.text").String()
			}

		case "message_delta":
			r := gjson.Parse(data)
			if v := r.Get("usage.output_tokens"); v.Exists() {
				usage.OutputTokens = int(v.Int())
			}
			if v := r.Get("usage.input_tokens"); v.Exists() {
				usage.InputTokens = int(v.Int())
			}
			ev.FinishReason = mapStopReason(r.Get("delta.stop_reason").String())
			u := usage
			ev.Usage = &u

		case "message_stop":
			ev.Done = true
		}

		if !provider.Emit(ctx, ch, ev) {
			return
		}
		if ev.Done {
			return
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		provider.Emit(ctx, ch, throttle.StreamEvent{Err: fmt.Errorf("anthropic: read stream: %w", err)})
		return
	}
	// EOF without message_stop: surface a stream error so the mediator
	// can report a truncated upstream.
	provider.Emit(ctx, ch, throttle.StreamEvent{Err: throttle.Errf(throttle.ErrUpstreamStream, "anthropic: stream ended before message_stop")})
}
