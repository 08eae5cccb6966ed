package dedup

import (
	"encoding/json"
	"regexp"

	throttle "github.com/throttleproxy/throttle/internal"
)

// timestampPrefix matches the injected wall-clock prefix some agent
// harnesses prepend to every turn. Stripping it keeps retries of the
// same prompt dedup-equal across seconds. Anchored, so exactly one
// leading occurrence is removed; mid-message matches are content.
var timestampPrefix = regexp.MustCompile(`(?i)^\[(?:mon|tue|wed|thu|fri|sat|sun) \d{4}-\d{2}-\d{2} \d{2}:\d{2} [^\]]+\]\s*`)

// canonicalRequest fixes the field order of the hashed encoding.
type canonicalRequest struct {
	System   string                    `json:"system"`
	Messages []throttle.NeutralMessage `json:"messages"`
}

// Key derives the canonical dedup key for a request: the first 16 hex
// chars of SHA-256 over the JSON encoding of {system, messages} with
// timestamp prefixes stripped. Message order is preserved as given.
func Key(req *throttle.ParsedRequest) string {
	msgs := make([]throttle.NeutralMessage, len(req.Messages))
	for i, m := range req.Messages {
		m.Content = stripTimestamp(m.Content)
		msgs[i] = m
	}
	data, err := json.Marshal(canonicalRequest{System: req.System, Messages: msgs})
	if err != nil {
		// Plain strings cannot fail to marshal; keep a defined fallback
		// anyway so the caller never sees an empty key.
		return throttle.HashPrefix([]byte(req.System))
	}
	return throttle.HashPrefix(data)
}

func stripTimestamp(content string) string {
	return timestampPrefix.ReplaceAllString(content, "")
}
