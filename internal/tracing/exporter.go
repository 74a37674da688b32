package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// FileExporter appends spans to a JSONL file, one object per line, for
// local inspection with jq.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileExporter opens (or creates) the trace file at path, creating
// parent directories as needed.
func NewFileExporter(path string) (*FileExporter, error) {
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o750); err != nil {
		return nil, fmt.Errorf("tracing: create trace dir: %w", err)
	}
	f, err := os.OpenFile(clean, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- path is cleaned above
	if err != nil {
		return nil, fmt.Errorf("tracing: open trace file: %w", err)
	}
	return &FileExporter{file: f}, nil
}

// SpanLine is the JSONL shape of one exported span.
type SpanLine struct {
	Trace     string         `json:"trace"`
	Span      string         `json:"span"`
	Parent    string         `json:"parent,omitempty"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Start     time.Time      `json:"start"`
	ElapsedMs float64        `json:"elapsed_ms"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// ExportSpans writes each span as one JSON line.
func (e *FileExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return fmt.Errorf("tracing: exporter is shut down")
	}
	enc := json.NewEncoder(e.file)
	for _, span := range spans {
		if err := enc.Encode(toLine(span)); err != nil {
			return fmt.Errorf("tracing: encode span: %w", err)
		}
	}
	return nil
}

// Shutdown closes the trace file. Idempotent.
func (e *FileExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

func toLine(span sdktrace.ReadOnlySpan) SpanLine {
	sc := span.SpanContext()
	line := SpanLine{
		Trace:     sc.TraceID().String(),
		Span:      sc.SpanID().String(),
		Name:      span.Name(),
		Kind:      span.SpanKind().String(),
		Start:     span.StartTime(),
		ElapsedMs: float64(span.EndTime().Sub(span.StartTime()).Microseconds()) / 1000.0,
		Status:    span.Status().Code.String(),
		Error:     span.Status().Description,
	}
	if span.Parent().IsValid() {
		line.Parent = span.Parent().SpanID().String()
	}
	if attrs := span.Attributes(); len(attrs) > 0 {
		line.Attrs = make(map[string]any, len(attrs))
		for _, kv := range attrs {
			line.Attrs[string(kv.Key)] = kv.Value.AsInterface()
		}
	}
	return line
}
