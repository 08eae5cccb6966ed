package routelog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	writeChanSize = 1000
	flushEvery    = 2 * time.Second
	drainTime     = 10 * time.Second

	// parentIndexSize bounds the in-memory request-id index consulted for
	// sub-agent inheritance. Old ids age out ring-buffer style.
	parentIndexSize = 4096
)

// Writer appends entries to the JSONL log from a single goroutine.
// Record never blocks the request path; entries are dropped with a
// warning when the channel is full. Writer also keeps the recent-entry
// index that resolves parent request ids.
type Writer struct {
	path  string
	ch    chan Entry
	gauge func(queued int)

	mu    sync.Mutex
	index map[string]string // request id -> chosen model
	ring  []string
	next  int
}

// NewWriter creates a writer appending to path. The file is opened
// lazily on the first flush so a read-only stats invocation never
// creates it.
func NewWriter(path string) *Writer {
	return &Writer{
		path:  path,
		ch:    make(chan Entry, writeChanSize),
		index: make(map[string]string, parentIndexSize),
		ring:  make([]string, parentIndexSize),
	}
}

// SetQueueGauge installs a callback fed the queue depth on every flush
// tick. Must be called before Run.
func (w *Writer) SetQueueGauge(fn func(queued int)) {
	w.gauge = fn
}

// Record enqueues an entry and indexes its request id. Model-less
// entries (requests rejected before routing) are written but never
// indexed; a sub-agent has nothing to inherit from them.
func (w *Writer) Record(e Entry) {
	if e.Model != "" {
		w.mu.Lock()
		if old := w.ring[w.next]; old != "" {
			delete(w.index, old)
		}
		w.ring[w.next] = e.RequestID
		w.index[e.RequestID] = e.Model
		w.next = (w.next + 1) % parentIndexSize
		w.mu.Unlock()
	}

	select {
	case w.ch <- e:
	default:
		slog.Warn("routing log entry dropped, channel full",
			slog.String("request_id", e.RequestID))
	}
}

// ParentModel resolves a prior request's chosen model. It implements
// the override detector's ParentLookup.
func (w *Writer) ParentModel(requestID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.index[requestID]
	return m, ok
}

// Run consumes entries until ctx is cancelled, then drains what is left.
// It implements worker.Worker.
func (w *Writer) Run(ctx context.Context) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("routelog: open %s: %w", w.path, err)
	}
	defer f.Close()
	buf := bufio.NewWriter(f)

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case e := <-w.ch:
			w.append(buf, e)

		case <-ticker.C:
			if err := buf.Flush(); err != nil {
				slog.Error("routing log flush failed", "error", err)
			}
			if w.gauge != nil {
				w.gauge(len(w.ch))
			}

		case <-ctx.Done():
			w.drain(buf)
			if err := buf.Flush(); err != nil {
				slog.Error("routing log flush failed", "error", err)
			}
			return nil
		}
	}
}

func (w *Writer) append(buf *bufio.Writer, e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		slog.Error("routing log marshal failed", "error", err)
		return
	}
	if _, err := buf.Write(line); err != nil {
		slog.Error("routing log write failed", "error", err)
		return
	}
	buf.WriteByte('\n')
}

func (w *Writer) drain(buf *bufio.Writer) {
	deadline := time.Now().Add(drainTime)
	for time.Now().Before(deadline) {
		select {
		case e := <-w.ch:
			w.append(buf, e)
		default:
			return
		}
	}
}
