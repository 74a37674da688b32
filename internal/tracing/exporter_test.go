package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestFileExporterCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "traces.jsonl")
	e, err := NewFileExporter(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestFileExporterWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	e, err := NewFileExporter(path)
	require.NoError(t, err)

	stub := tracetest.SpanStub{
		Name:      "dispatch",
		StartTime: time.Now(),
		EndTime:   time.Now().Add(50 * time.Millisecond),
		Status:    sdktrace.Status{Code: codes.Error, Description: "agent unavailable"},
		Attributes: []attribute.KeyValue{
			attribute.String("task.id", "PS_000001_T1"),
			attribute.Int("attempt", 2),
		},
	}
	require.NoError(t, e.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, e.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var line SpanLine
	require.NoError(t, json.NewDecoder(f).Decode(&line))
	require.Equal(t, "dispatch", line.Name)
	require.Equal(t, "Error", line.Status)
	require.Equal(t, "agent unavailable", line.Error)
	require.Equal(t, "PS_000001_T1", line.Attrs["task.id"])
	require.EqualValues(t, 2, line.Attrs["attempt"])
	require.Greater(t, line.ElapsedMs, 0.0)
}

func TestFileExporterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"earlier"}`+"\n"), 0o600))

	e, err := NewFileExporter(path)
	require.NoError(t, err)
	stub := tracetest.SpanStub{Name: "later", StartTime: time.Now(), EndTime: time.Now().Add(time.Millisecond)}
	require.NoError(t, e.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, e.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "earlier")
	require.Contains(t, string(data), "later")
}

func TestFileExporterConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	e, err := NewFileExporter(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				stub := tracetest.SpanStub{Name: "span", StartTime: time.Now(), EndTime: time.Now().Add(time.Millisecond)}
				require.NoError(t, e.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, e.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	count := 0
	dec := json.NewDecoder(f)
	for {
		var line SpanLine
		if err := dec.Decode(&line); err != nil {
			break
		}
		require.NotEmpty(t, line.Name)
		count++
	}
	require.Equal(t, 8*50, count)
}

func TestFileExporterShutdownIdempotent(t *testing.T) {
	e, err := NewFileExporter(filepath.Join(t.TempDir(), "traces.jsonl"))
	require.NoError(t, err)
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestFileExporterEmptyBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	e, err := NewFileExporter(path)
	require.NoError(t, err)
	require.NoError(t, e.ExportSpans(context.Background(), nil))
	require.NoError(t, e.Shutdown(context.Background()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}
