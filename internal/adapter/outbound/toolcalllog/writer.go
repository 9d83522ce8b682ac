// Package toolcalllog appends one newline-delimited JSON record per
// tool call to an on-disk log file. Writes are serialized by a single
// writer goroutine that drains an internal unbounded queue, so callers
// recording a call never block on disk I/O.
package toolcalllog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one line of the tool-call log.
type Record struct {
	ID          string    `json:"id"`
	ToolName    string    `json:"toolName"`
	ServiceName string    `json:"serviceName"`
	Success     bool      `json:"success"`
	DurationMs  int64     `json:"durationMs"`
	Timestamp   time.Time `json:"timestamp"`
}

// Writer appends Records to a file, one JSON object per line.
type Writer struct {
	file   *os.File
	in     chan<- Record
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWriter opens (creating if necessary) path for append and starts
// the background writer goroutine.
func NewWriter(path string, logger *slog.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening tool-call log %s: %w", path, err)
	}

	in, out := newUnboundedQueue()
	w := &Writer{file: f, in: in, logger: logger, done: make(chan struct{})}

	go w.run(out)

	return w, nil
}

// Append enqueues rec for writing. It never blocks on disk I/O; a
// missing ID is filled in with a fresh UUID and a zero Timestamp with
// the current time.
func (w *Writer) Append(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	w.in <- rec
}

// run is the single writer task: it drains out until the channel is
// closed (by Close), writing one JSON line per record.
func (w *Writer) run(out <-chan Record) {
	defer close(w.done)
	defer func() { _ = w.file.Close() }()

	for rec := range out {
		data, err := json.Marshal(rec)
		if err != nil {
			w.logger.Error("failed to marshal tool-call log record", "error", err)
			continue
		}
		data = append(data, '\n')
		if _, err := w.file.Write(data); err != nil {
			w.logger.Error("failed to write tool-call log record", "error", err)
		}
	}
}

// Close stops accepting new records, flushes the queue, and closes the
// underlying file. It blocks until the writer goroutine drains.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.in)
	})
	<-w.done
	return nil
}

// newUnboundedQueue returns a send side that never blocks the producer
// behind a slow consumer (aside from brief lock-free contention with
// the pump goroutine) and a receive side a single consumer drains in
// FIFO order. Closing in drains any buffered records before closing out.
func newUnboundedQueue() (chan<- Record, <-chan Record) {
	in := make(chan Record)
	out := make(chan Record)

	go func() {
		defer close(out)
		var queue []Record

		for {
			if len(queue) == 0 {
				rec, ok := <-in
				if !ok {
					return
				}
				queue = append(queue, rec)
				continue
			}

			select {
			case rec, ok := <-in:
				if !ok {
					for _, q := range queue {
						out <- q
					}
					return
				}
				queue = append(queue, rec)
			case out <- queue[0]:
				queue = queue[1:]
			}
		}
	}()

	return in, out
}
