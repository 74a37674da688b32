package workflow

import (
	"errors"
	"sync"

	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/state"
)

// historyLimit is the per-session sliding window of kept summaries.
const historyLimit = 100

type historyFile struct {
	Summaries []Summary `json:"summaries"`
}

// History keeps the per-session sliding window of completed-workflow
// summaries, persisted to the session's workflow_history.json. Sessions
// load lazily on first touch.
type History struct {
	mu       sync.Mutex
	persist  *state.Store
	layout   paths.Layout
	limit    int
	sessions map[string][]Summary
	loaded   map[string]bool
}

// NewHistory builds a history backed by the given store and layout.
func NewHistory(persist *state.Store, layout paths.Layout) *History {
	return &History{
		persist:  persist,
		layout:   layout,
		limit:    historyLimit,
		sessions: make(map[string][]Summary),
		loaded:   make(map[string]bool),
	}
}

// Append records a summary and persists the window.
func (h *History) Append(session string, s Summary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureLoadedLocked(session)

	window := append(h.sessions[session], s)
	if len(window) > h.limit {
		window = window[len(window)-h.limit:]
	}
	h.sessions[session] = window

	if err := h.layout.EnsureSession(session); err != nil {
		return err
	}
	return h.persist.Save(h.layout.WorkflowHistoryFile(session), historyFile{Summaries: window})
}

// Recent returns the newest n summaries, newest first. n <= 0 means all.
func (h *History) Recent(session string, n int) []Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureLoadedLocked(session)

	window := h.sessions[session]
	if n <= 0 || n > len(window) {
		n = len(window)
	}
	out := make([]Summary, 0, n)
	for i := len(window) - 1; i >= len(window)-n; i-- {
		out = append(out, window[i])
	}
	return out
}

// Forget drops a session's in-memory window; the file stays on disk.
func (h *History) Forget(session string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, session)
	delete(h.loaded, session)
}

func (h *History) ensureLoadedLocked(session string) {
	if h.loaded[session] {
		return
	}
	h.loaded[session] = true

	var file historyFile
	err := h.persist.Load(h.layout.WorkflowHistoryFile(session), &file)
	switch {
	case err == nil:
		h.sessions[session] = file.Summaries
	case errors.Is(err, state.ErrNotExist):
	default:
		log.Warn(log.CatWorkflow, "workflow history unreadable, starting empty",
			"session", session, "error", err)
	}
}
