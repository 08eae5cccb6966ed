package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	throttle "github.com/throttleproxy/throttle/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorBody(kind throttle.ErrorKind, msg string) apiError {
	var e apiError
	e.Error.Type = string(kind)
	e.Error.Message = msg
	return e
}

// writeProxyError renders a typed error as the client-facing JSON body.
func writeProxyError(w http.ResponseWriter, err error) {
	pe := throttle.AsProxyError(err)
	msg := pe.Message
	if pe.Kind == throttle.ErrInternal {
		// Detail stays in the server log.
		msg = "internal server error"
	}
	writeJSON(w, pe.HTTPStatus(), errorBody(pe.Kind, msg))
}

// setDecisionHeaders exposes the routing outcome on the response, before
// any body byte.
func setDecisionHeaders(w http.ResponseWriter, d throttle.Decision) {
	h := w.Header()
	h["X-Throttle-Model"] = []string{d.Model.ID}
	h["X-Throttle-Tier"] = []string{d.Tier.String()}
	h["X-Throttle-Score"] = []string{strconv.FormatFloat(d.Score, 'f', 3, 64)}
	h["X-Throttle-Confidence"] = []string{strconv.FormatFloat(d.Confidence, 'f', 3, 64)}
}

// messagesResponse is the Messages-style completion body.
type messagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model"`
	Content      json.RawMessage `json:"content"`
	StopReason   string          `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        throttle.Usage  `json:"usage"`
}

// chatResponse is the ChatCompletions-style completion body.
type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// encodeResponse renders a neutral upstream reply in the client's
// dialect with a fresh message id.
func encodeResponse(dialect throttle.Dialect, model string, resp *throttle.ProxyResponse) ([]byte, error) {
	if dialect == throttle.DialectAnthropic {
		content := resp.ContentBlocks
		if len(content) == 0 {
			blocks, err := json.Marshal([]map[string]string{{"type": "text", "text": resp.Content}})
			if err != nil {
				return nil, err
			}
			content = blocks
		}
		return json.Marshal(&messagesResponse{
			ID:         "msg_" + uuid.NewString(),
			Type:       "message",
			Role:       "assistant",
			Model:      model,
			Content:    content,
			StopReason: anthropicStopReason(resp.FinishReason),
			Usage:      resp.Usage,
		})
	}
	return json.Marshal(&chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: openaiFinishReason(resp.FinishReason),
		}},
		Usage: chatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	})
}

// anthropicStopReason maps neutral finish reasons back to the Messages
// vocabulary.
func anthropicStopReason(reason string) string {
	switch reason {
	case throttle.FinishEnd, "":
		return "end_turn"
	case throttle.FinishLength:
		return "max_tokens"
	case throttle.FinishToolUse:
		return "tool_use"
	}
	return reason
}

// openaiFinishReason maps neutral finish reasons back to the
// ChatCompletions vocabulary.
func openaiFinishReason(reason string) string {
	switch reason {
	case throttle.FinishEnd, "":
		return "stop"
	case throttle.FinishLength:
		return "length"
	case throttle.FinishToolUse:
		return "tool_calls"
	}
	return reason
}
