package server

import (
	"net/http"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("data: ")
	sseNewlineOne  = []byte("\n")
	sseNewline     = []byte("\n\n")
	sseDone        = []byte("data: [DONE]\n\n")
	sseHeartbeat   = []byte(": heartbeat\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEEvent writes a typed SSE frame: "event: <name>\ndata: <payload>\n\n".
func writeSSEEvent(w http.ResponseWriter, event string, data []byte) {
	w.Write(sseEventPrefix)
	w.Write([]byte(event))
	w.Write(sseNewlineOne)
	writeSSEData(w, data)
}

// writeSSEData writes a single SSE data frame: "data: <payload>\n\n".
func writeSSEData(w http.ResponseWriter, data []byte) {
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseNewline)
}

// writeSSEDone writes the SSE stream termination sentinel: "data: [DONE]\n\n".
func writeSSEDone(w http.ResponseWriter) {
	w.Write(sseDone)
}

// writeSSEHeartbeat writes an SSE comment to keep intermediaries from
// timing out before the upstream produces its first byte.
func writeSSEHeartbeat(w http.ResponseWriter) {
	w.Write(sseHeartbeat)
}
