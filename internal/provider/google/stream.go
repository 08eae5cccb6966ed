package google

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/throttleproxy/throttle/internal/provider"
	"github.com/throttleproxy/throttle/internal/provider/sseutil"

	throttle "github.com/throttleproxy/throttle/internal"
)

// readStream reads Gemini SSE chunks. The stream has no "event:" field
// and no terminal sentinel; it is EOF-terminated. Each data line is a
// full JSON response chunk, and usageMetadata carries running totals,
// so the latest observed value wins.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- throttle.StreamEvent) {
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

		r := gjson.Parse(data)
		ev := throttle.StreamEvent{
			Data:         []byte(data),
			TextDelta:    r.Get("candidates.0.content.parts.0.text").String(),
			FinishReason: mapFinishReason(r.Get("candidates.0.finishReason").String()),
		}
		if u := r.Get("usageMetadata"); u.Exists() {
			usage.InputTokens = int(u.Get("promptTokenCount").Int())
			usage.OutputTokens = int(u.Get("candidatesTokenCount").Int())
			sawUsage = true
			cp := usage
			ev.Usage = &cp
		}

		if !provider.Emit(ctx, ch, ev) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		provider.Emit(ctx, ch, throttle.StreamEvent{Err: fmt.Errorf("google: read stream: %w", err)})
		return
	}

	done := throttle.StreamEvent{Done: true}
	if sawUsage {
		cp := usage
		done.Usage = &cp
	}
	provider.Emit(ctx, ch, done)
}
