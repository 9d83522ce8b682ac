package toolcalllog

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriter_AppendWritesNewlineDelimitedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool-calls.log")
	w, err := NewWriter(path, newTestLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	w.Append(Record{ToolName: "files__read", ServiceName: "files", Success: true, DurationMs: 12})
	w.Append(Record{ToolName: "files__write", ServiceName: "files", Success: false, DurationMs: 5})

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var records []Record
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("unmarshal line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].ToolName != "files__read" || !records[0].Success {
		t.Errorf("records[0] = %+v", records[0])
	}
	if records[1].ToolName != "files__write" || records[1].Success {
		t.Errorf("records[1] = %+v", records[1])
	}
	for _, rec := range records {
		if rec.ID == "" {
			t.Error("expected generated ID to be filled in")
		}
		if rec.Timestamp.IsZero() {
			t.Error("expected generated timestamp to be filled in")
		}
	}
}

func TestWriter_AppendHandlesBurstWithoutBlocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool-calls.log")
	w, err := NewWriter(path, newTestLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 500; i++ {
		w.Append(Record{ToolName: "files__read", ServiceName: "files", Success: true})
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		count++
	}
	if count != 500 {
		t.Fatalf("count = %d, want 500", count)
	}
}
