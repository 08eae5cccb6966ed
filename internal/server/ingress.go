package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	throttle "github.com/throttleproxy/throttle/internal"
)

// maxBodyBytes caps inbound request bodies. Chat payloads with large
// context windows fit comfortably; anything bigger is a client error.
const maxBodyBytes = 10 << 20

// readBody reads the request body up to the cap.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, throttle.Errf(throttle.ErrInvalidRequest, "read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return nil, throttle.Errf(throttle.ErrInvalidRequest, "request body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

// parseMessages decodes a Messages-style body. The raw body is retained
// so Anthropic-family dispatch can pass opaque fields (tools, thinking,
// metadata) through untouched.
func parseMessages(r *http.Request) (*throttle.ParsedRequest, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, throttle.Errf(throttle.ErrInvalidRequest, "body is not a JSON object")
	}
	msgs := root.Get("messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return nil, throttle.Errf(throttle.ErrInvalidRequest, "messages is required")
	}

	req := &throttle.ParsedRequest{
		Dialect:   throttle.DialectAnthropic,
		Model:     root.Get("model").String(),
		System:    flattenSystem(root.Get("system")),
		MaxTokens: int(root.Get("max_tokens").Int()),
		Stream:    root.Get("stream").Bool(),
		HasTools:  len(root.Get("tools").Array()) > 0,
		RawBody:   body,
	}
	if t := root.Get("temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}

	var parseErr error
	msgs.ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		if role != throttle.RoleUser && role != throttle.RoleAssistant {
			parseErr = throttle.Errf(throttle.ErrInvalidRequest, "unsupported message role %q", role)
			return false
		}
		req.Messages = append(req.Messages, throttle.NeutralMessage{
			Role:    role,
			Content: flattenContent(m.Get("content")),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	readControlHeaders(req, r)
	return req, nil
}

// parseChatCompletions decodes a ChatCompletions-style body. Leading
// system turns fold into the system prompt; the raw body is not retained
// because no upstream receives this dialect verbatim through the proxy's
// neutral path.
func parseChatCompletions(r *http.Request) (*throttle.ParsedRequest, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, throttle.Errf(throttle.ErrInvalidRequest, "body is not a JSON object")
	}
	msgs := root.Get("messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return nil, throttle.Errf(throttle.ErrInvalidRequest, "messages is required")
	}

	req := &throttle.ParsedRequest{
		Dialect:   throttle.DialectOpenAI,
		Model:     root.Get("model").String(),
		MaxTokens: int(root.Get("max_tokens").Int()),
		Stream:    root.Get("stream").Bool(),
		HasTools:  len(root.Get("tools").Array()) > 0,
	}
	if t := root.Get("temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}

	var system []string
	var parseErr error
	msgs.ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		content := flattenContent(m.Get("content"))
		switch role {
		case "system", "developer":
			system = append(system, content)
		case throttle.RoleUser, throttle.RoleAssistant:
			req.Messages = append(req.Messages, throttle.NeutralMessage{Role: role, Content: content})
		default:
			parseErr = throttle.Errf(throttle.ErrInvalidRequest, "unsupported message role %q", role)
			return false
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(req.Messages) == 0 {
		return nil, throttle.Errf(throttle.ErrInvalidRequest, "messages must contain a user or assistant turn")
	}
	req.System = strings.Join(system, "\n")

	readControlHeaders(req, r)
	return req, nil
}

// readControlHeaders pulls the routing-control headers off the request.
func readControlHeaders(req *throttle.ParsedRequest, r *http.Request) {
	req.ForceModel = r.Header.Get("X-Throttle-Force-Model")
	req.SessionID = r.Header.Get("X-Session-ID")
	req.ClientID = r.Header.Get("X-Client-ID")
	req.ParentID = r.Header.Get("X-Parent-Request-ID")
	req.AnthropicVersion = r.Header.Get("anthropic-version")
	req.AnthropicBeta = r.Header.Get("anthropic-beta")
}

// flattenSystem reduces a Messages-style system field, which may be a
// string or an array of text blocks, to plain text.
func flattenSystem(v gjson.Result) string {
	if !v.Exists() {
		return ""
	}
	if v.Type == gjson.String {
		return v.String()
	}
	return flattenContent(v)
}

// flattenContent reduces a content field to the concatenated text of its
// text blocks. Non-text blocks (tool_use, tool_result, images) carry no
// classifiable text and survive only via raw-body passthrough.
func flattenContent(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if !v.IsArray() {
		return ""
	}
	var b strings.Builder
	v.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}
