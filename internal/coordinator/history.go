package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/state"
)

// DefaultHistoryLimit bounds the per-session decision ledger.
const DefaultHistoryLimit = 50

// Outcome annotates a past decision with what its dispatch produced.
type Outcome struct {
	Success     bool      `json:"success"`
	Notes       string    `json:"notes,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Entry is one evaluation's record in the ledger.
type Entry struct {
	ID              string    `json:"id"`
	Session         string    `json:"session"`
	At              time.Time `json:"at"`
	Event           string    `json:"event"`
	EventSummary    string    `json:"eventSummary,omitempty"`
	Reasoning       string    `json:"reasoning,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	DispatchedTasks []string  `json:"dispatchedTasks,omitempty"`
	ToolCalls       int       `json:"toolCalls,omitempty"`
	DurationMs      int64     `json:"durationMs,omitempty"`
	Outcome         *Outcome  `json:"outcome,omitempty"`
}

type ledgerFile struct {
	Entries []Entry `json:"entries"`
}

// Ledger keeps the per-session sliding window of coordinator decisions,
// persisted to the session's coordinator_history.json. Sessions load
// lazily on first touch.
type Ledger struct {
	mu       sync.Mutex
	persist  *state.Store
	layout   paths.Layout
	limit    int
	sessions map[string][]Entry
	loaded   map[string]bool
}

// NewLedger builds a ledger backed by the given store and layout.
// limit <= 0 means DefaultHistoryLimit.
func NewLedger(persist *state.Store, layout paths.Layout, limit int) *Ledger {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Ledger{
		persist:  persist,
		layout:   layout,
		limit:    limit,
		sessions: make(map[string][]Entry),
		loaded:   make(map[string]bool),
	}
}

// Append records an entry and persists the window.
func (l *Ledger) Append(session string, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoadedLocked(session)

	window := append(l.sessions[session], e)
	if len(window) > l.limit {
		window = window[len(window)-l.limit:]
	}
	l.sessions[session] = window

	return l.saveLocked(session)
}

// Recent returns the newest n entries, newest first. n <= 0 means all.
func (l *Ledger) Recent(session string, n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoadedLocked(session)

	window := l.sessions[session]
	if n <= 0 || n > len(window) {
		n = len(window)
	}
	out := make([]Entry, 0, n)
	for i := len(window) - 1; i >= len(window)-n; i-- {
		out = append(out, window[i])
	}
	return out
}

// AnnotateOutcome walks the ledger newest to oldest and stamps the
// first un-annotated entry that dispatched taskID. Reports whether an
// entry was found.
func (l *Ledger) AnnotateOutcome(session, taskID string, oc Outcome) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoadedLocked(session)

	window := l.sessions[session]
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Outcome != nil {
			continue
		}
		for _, dispatched := range window[i].DispatchedTasks {
			if dispatched == taskID {
				out := oc
				window[i].Outcome = &out
				if err := l.saveLocked(session); err != nil {
					log.Warn(log.CatCoord, "outcome annotation not persisted",
						"session", session, "task", taskID, "error", err)
				}
				return true
			}
		}
	}
	return false
}

// Forget drops a session's in-memory window; the file stays on disk.
func (l *Ledger) Forget(session string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, session)
	delete(l.loaded, session)
}

func (l *Ledger) saveLocked(session string) error {
	if err := l.layout.EnsureSession(session); err != nil {
		return err
	}
	return l.persist.Save(l.layout.CoordinatorHistoryFile(session), ledgerFile{Entries: l.sessions[session]})
}

func (l *Ledger) ensureLoadedLocked(session string) {
	if l.loaded[session] {
		return
	}
	l.loaded[session] = true

	var file ledgerFile
	err := l.persist.Load(l.layout.CoordinatorHistoryFile(session), &file)
	switch {
	case err == nil:
		l.sessions[session] = file.Entries
	case errors.Is(err, state.ErrNotExist):
	default:
		log.Warn(log.CatCoord, "coordinator history unreadable, starting empty",
			"session", session, "error", err)
	}
}
