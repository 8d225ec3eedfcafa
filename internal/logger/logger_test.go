package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a goroutine-safe writer for capturing slog output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newCaptureLogger(t *testing.T) (*Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	slogger := slog.New(slog.NewJSONHandler(buf, nil))
	l, err := New(context.Background(), slogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, buf
}

func TestLogger_NilContextRejected(t *testing.T) {
	if _, err := New(nil, nil); err == nil { //nolint:staticcheck
		t.Fatal("expected error for nil context")
	}
}

func TestLogger_CloseDrainsPendingEntries(t *testing.T) {
	l, buf := newCaptureLogger(t)

	for i := 0; i < 250; i++ {
		l.Log(CompletionLog{
			TraceID: "trace-1",
			Backend: "ollama",
			Model:   "llama3",
			Status:  200,
		})
	}

	// Close must flush everything still queued, not just full batches.
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if lines != 250 {
		t.Errorf("flushed %d entries, want 250", lines)
	}
	if l.DroppedLogs() != 0 {
		t.Errorf("dropped = %d, want 0", l.DroppedLogs())
	}
}

func TestLogger_EntryFields(t *testing.T) {
	l, buf := newCaptureLogger(t)

	l.Log(CompletionLog{
		TraceID:          "trace-9",
		SpanID:           "span-9",
		Backend:          "openai",
		Model:            "gpt-4o",
		AgentType:        "reviewer",
		PromptTokens:     12,
		CompletionTokens: 34,
		LatencyMs:        250,
		Status:           200,
		Cached:           true,
		CreatedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var record map[string]any
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("parse log line %q: %v", line, err)
	}

	if record["msg"] != "completion" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["trace_id"] != "trace-9" || record["backend"] != "openai" {
		t.Errorf("record = %v", record)
	}
	if record["agent_type"] != "reviewer" {
		t.Errorf("agent_type = %v", record["agent_type"])
	}
	if record["cached"] != true {
		t.Errorf("cached = %v", record["cached"])
	}
	if record["completion_tokens"] != float64(34) {
		t.Errorf("completion_tokens = %v", record["completion_tokens"])
	}
}

func TestLogger_NormalizeTime(t *testing.T) {
	if got := normalizeTime(time.Time{}); got.IsZero() {
		t.Error("zero time should be replaced with now")
	}
	loc := time.FixedZone("X", 3600)
	in := time.Date(2026, 1, 2, 3, 4, 5, 0, loc)
	if got := normalizeTime(in); got.Location() != time.UTC {
		t.Errorf("time not normalized to UTC: %v", got)
	}
}
