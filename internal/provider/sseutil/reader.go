// Package sseutil holds the SSE line plumbing shared by the provider
// adapters. Each adapter owns its event semantics; this package only
// turns a response body into parsed event/data lines.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// maxLineBytes caps a single frame line. Text deltas stay tiny, but
// tool-call argument payloads can run long on a single data line.
const maxLineBytes = 256 * 1024

// NewScanner wraps an upstream body in a line scanner sized for SSE
// frames. Scan yields one line at a time with the newline stripped;
// parser state across network chunks lives inside the bufio buffer.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 8192), maxLineBytes)
	return sc
}

// ParseSSELine splits one frame line into its field and value. Blank
// lines (event boundaries), comment lines, and anything that is not an
// event or data field report ok=false.
func ParseSSELine(line string) (event, data string, ok bool) {
	switch {
	case line == "" || line[0] == ':':
		return "", "", false
	case strings.HasPrefix(line, "event:"):
		return trimFieldValue(line[len("event:"):]), "", true
	case strings.HasPrefix(line, "data:"):
		return "", trimFieldValue(line[len("data:"):]), true
	}
	return "", "", false
}

// trimFieldValue drops the single optional space after the field colon.
func trimFieldValue(v string) string {
	return strings.TrimPrefix(v, " ")
}
