// Package log provides structured logging for the apc daemon.
// Messages carry a severity, a category, and key=value fields; logging is
// disabled until Init is called, so library code may log unconditionally.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category groups related log messages.
type Category string

const (
	CatPool     Category = "pool"     // Agent pool allocation and lifecycle
	CatTask     Category = "task"     // Task store, dependencies, occupancy
	CatWorkflow Category = "workflow" // Workflow engine and instances
	CatCoord    Category = "coord"    // Coordinator agent loop
	CatLLM      Category = "llm"      // Model invocations
	CatRPC      Category = "rpc"      // Command RPC and HTTP surface
	CatState    Category = "state"    // Persistence reads/writes
	CatCache    Category = "cache"    // TTL caches
	CatIdle     Category = "idle"     // Idle monitor ticks
	CatWatch    Category = "watch"    // Plan file watcher
	CatConfig   Category = "config"   // Configuration loading
	CatSession  Category = "session"  // Session lifecycle
)

// Logger writes structured log lines to a single writer.
type Logger struct {
	mu       sync.Mutex
	closer   io.Closer
	writer   io.Writer
	enabled  bool
	minLevel Level
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// Init initializes the global logger appending to the file at path.
// Returns a cleanup function that closes the file.
func Init(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: operator-chosen log path
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	l := &Logger{closer: f, writer: f, enabled: true, minLevel: LevelDebug}
	setDefault(l)

	return func() {
		setDefault(nil)
		_ = f.Close()
	}, nil
}

// InitWriter initializes the global logger on an arbitrary writer.
// Used by the daemon for stderr logging and by tests for capture.
func InitWriter(w io.Writer) func() {
	setDefault(&Logger{writer: w, enabled: true, minLevel: LevelDebug})
	return func() { setDefault(nil) }
}

func setDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if l := current(); l != nil {
		l.mu.Lock()
		l.enabled = enabled
		l.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if l := current(); l != nil {
		l.mu.Lock()
		l.minLevel = level
		l.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	write(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	write(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	write(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	write(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value appended as a field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	write(LevelError, cat, msg, fields...)
}

func write(level Level, cat Category, msg string, fields ...any) {
	l := current()
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || level < l.minLevel || l.writer == nil {
		return
	}

	// Format: 2026-08-25T10:45:00 [WARN] [pool] message key=value
	timestamp := time.Now().Format("2006-01-02T15:04:05")
	entry := fmt.Sprintf("%s [%s] [%s] %s", timestamp, level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		entry += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	_, _ = l.writer.Write([]byte(entry))
}
