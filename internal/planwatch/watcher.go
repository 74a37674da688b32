// Package planwatch watches session plan files for writes and
// broadcasts line-level change summaries. The plan file is owned by the
// external planning subsystem; the daemon only observes it.
package planwatch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/session"
	"github.com/apc-dev/apc/internal/taskid"
	"github.com/apc-dev/apc/internal/workflow"
)

// DefaultDebounce coalesces editor write bursts on one plan file.
const DefaultDebounce = 500 * time.Millisecond

// Options wires the watcher. Engine, Coordinator, and Broadcast are
// required. Sessions, when set, lets the watcher move a session whose
// plan just materialized into reviewing.
type Options struct {
	Layout      paths.Layout
	Engine      *workflow.Engine
	Coordinator *coordinator.Agent
	Broadcast   *broadcast.Broadcaster
	Sessions    *session.Store

	Debounce time.Duration
}

// Watcher tails every session's plan.md under the plans directory.
// Session directories appearing after Start are picked up from the
// parent watch.
type Watcher struct {
	layout   paths.Layout
	engine   *workflow.Engine
	coord    *coordinator.Agent
	bcast    *broadcast.Broadcaster
	sessions *session.Store

	debounce time.Duration
	fsw      *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
	last   map[string]string
}

// New validates the wiring and returns an unstarted watcher.
func New(opts Options) (*Watcher, error) {
	switch {
	case opts.Engine == nil:
		return nil, fault.New(fault.Validation, "plan watcher requires a workflow engine")
	case opts.Coordinator == nil:
		return nil, fault.New(fault.Validation, "plan watcher requires a coordinator agent")
	case opts.Broadcast == nil:
		return nil, fault.New(fault.Validation, "plan watcher requires a broadcaster")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{
		layout:   opts.Layout,
		engine:   opts.Engine,
		coord:    opts.Coordinator,
		bcast:    opts.Broadcast,
		sessions: opts.Sessions,
		debounce: opts.Debounce,
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
		last:     make(map[string]string),
	}, nil
}

// Start registers the filesystem watches and spawns the event loop.
// Existing plan files are primed as the diff baseline so the first
// external edit reports against what is on disk, not against empty.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fault.Wrap(fault.Resource, err, "plan watcher init")
	}
	w.fsw = fsw

	root := w.layout.PlansDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		_ = fsw.Close()
		return fault.Wrap(fault.Resource, err, "plans dir")
	}
	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return fault.Wrap(fault.Resource, err, "watching plans dir")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		_ = fsw.Close()
		return fault.Wrap(fault.Resource, err, "listing plans dir")
	}
	for _, e := range entries {
		if !e.IsDir() || taskid.ValidateSession(e.Name()) != nil {
			continue
		}
		w.addSession(e.Name())
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts the loop and releases the filesystem watch.
func (w *Watcher) Stop() {
	close(w.done)
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
}

func (w *Watcher) addSession(sess string) {
	dir := w.layout.PlanDir(sess)
	if err := w.fsw.Add(dir); err != nil {
		log.Warn(log.CatWatch, "session plan dir not watchable", "session", sess, "error", err)
		return
	}
	if data, err := os.ReadFile(w.layout.PlanFile(sess)); err == nil {
		w.mu.Lock()
		w.last[sess] = string(data)
		w.mu.Unlock()
	}
	log.Debug(log.CatWatch, "watching plan", "session", sess)
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatch, "plan watch error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	name := filepath.Base(ev.Name)

	// a session directory appearing under the plans root
	if taskid.ValidateSession(name) == nil {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.addSession(name)
		}
		return
	}
	if name != "plan.md" {
		return
	}
	sess := filepath.Base(filepath.Dir(ev.Name))
	if taskid.ValidateSession(sess) != nil {
		return
	}
	w.schedule(sess)
}

// schedule arms or rewinds the session's debounce timer.
func (w *Watcher) schedule(sess string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[sess]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[sess] = time.AfterFunc(w.debounce, func() { w.flush(sess) })
}

// flush recomputes the plan diff for one session after its debounce
// window closed.
func (w *Watcher) flush(sess string) {
	w.mu.Lock()
	delete(w.timers, sess)
	w.mu.Unlock()

	data, err := os.ReadFile(w.layout.PlanFile(sess))
	if err != nil {
		log.Warn(log.CatWatch, "plan unreadable after change", "session", sess, "error", err)
		return
	}
	text := string(data)

	w.mu.Lock()
	old := w.last[sess]
	w.last[sess] = text
	w.mu.Unlock()

	if strings.TrimSpace(text) != "" {
		w.advanceSession(sess)
	}

	added, removed := diffStats(old, text)
	if added == 0 && removed == 0 {
		return
	}

	revising := w.revisionActive(sess)
	if revising {
		// the revision agent owns the file right now; keep the
		// session's evaluations quiet until the workflow finishes
		w.coord.PauseEvaluations(sess, "plan revision in flight")
	}
	log.Info(log.CatWatch, "plan changed",
		"session", sess, "added", added, "removed", removed, "revising", revising)
	w.bcast.Publish(broadcast.SessionUpdated, sess, map[string]any{
		"planChanged":    true,
		"linesAdded":     added,
		"linesRemoved":   removed,
		"revisionActive": revising,
	})
}

// advanceSession moves a session whose plan just materialized into
// reviewing and pins the plan path. The planning hop belongs to the
// external subsystem, so no_plan steps through planning on the way.
func (w *Watcher) advanceSession(sess string) {
	if w.sessions == nil {
		return
	}
	s, err := w.sessions.Get(sess)
	if err != nil {
		return // plan dir without a registered session
	}
	switch s.Status {
	case session.StatusNoPlan, session.StatusPlanning:
	default:
		return
	}
	if s.Status == session.StatusNoPlan {
		if _, err := w.sessions.Transition(sess, session.StatusPlanning); err != nil {
			log.Warn(log.CatWatch, "session not advanced", "session", sess, "error", err)
			return
		}
	}
	if _, err := w.sessions.Transition(sess, session.StatusReviewing); err != nil {
		log.Warn(log.CatWatch, "session not advanced", "session", sess, "error", err)
		return
	}
	if _, err := w.sessions.SetPlanPath(sess, w.layout.PlanFile(sess)); err != nil {
		log.Warn(log.CatWatch, "plan path not recorded", "session", sess, "error", err)
	}
	log.Info(log.CatWatch, "plan ready for review", "session", sess)
	w.bcast.Publish(broadcast.SessionUpdated, sess, map[string]any{
		"status":    string(session.StatusReviewing),
		"planReady": true,
	})
}

func (w *Watcher) revisionActive(sess string) bool {
	for _, inst := range w.engine.NonTerminal(sess) {
		if inst.Type() == workflow.TypePlanningRevision {
			return true
		}
	}
	return false
}

// diffStats counts added and removed lines between two plan revisions.
func diffStats(old, new string) (added, removed int) {
	if old == new {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(old, new)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
