package openaicompat

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/throttleproxy/throttle/internal/provider"
	"github.com/throttleproxy/throttle/internal/provider/sseutil"

	throttle "github.com/throttleproxy/throttle/internal"
)

// readStream reads chat-completions SSE chunks: one JSON object per
// data line, terminated by the [DONE] sentinel. Usage usually rides on
// the final pre-DONE chunk; intermediate chunks from some backends carry
// running totals, so the latest observed value wins.
func readStream(ctx context.Context, tag throttle.ProviderTag, body io.ReadCloser, ch chan<- throttle.StreamEvent) {
	defer close(ch)
	defer body.Close()

	var usage throttle.Usage
	sawUsage := false
	scanner := sseutil.NewScanner(body)

	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			done := throttle.StreamEvent{Done: true}
			if sawUsage {
				cp := usage
				done.Usage = &cp
			}
			provider.Emit(ctx, ch, done)
			return
		}

		r := gjson.Parse(data)
		ev := throttle.StreamEvent{
			Data:         []byte(data),
			TextDelta:    r.Get("choices.0.delta.content").String(),
			FinishReason: mapFinishReason(r.Get("choices.0.finish_reason").String()),
		}
		if u := r.Get("usage"); u.Exists() && u.IsObject() {
			usage.InputTokens = int(u.Get("prompt_tokens").Int())
			usage.OutputTokens = int(u.Get("completion_tokens").Int())
			sawUsage = true
			cp := usage
			ev.Usage = &cp
		}

		if !provider.Emit(ctx, ch, ev) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		provider.Emit(ctx, ch, throttle.StreamEvent{Err: fmt.Errorf("%s: read stream: %w", tag, err)})
		return
	}
	provider.Emit(ctx, ch, throttle.StreamEvent{Err: throttle.Errf(throttle.ErrUpstreamStream, "%s: stream ended before [DONE]", tag)})
}
