package task

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/session"
	"github.com/apc-dev/apc/internal/state"
	"github.com/apc-dev/apc/internal/taskid"
)

// ErrTaskNotFound wraps lookups of unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Store is the task repository. One mutex guards the graph, the
// occupancy table, the conflict-wait registry, and agent assignments,
// so check-then-act sequences stay atomic.
type Store struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	loaded map[string]bool

	occupancies map[string][]Occupancy
	waiters     []ConflictWaiter
	assignments map[string]Assignment

	persist *state.Store
	layout  paths.Layout
	clk     clock.Clock
}

type tasksFile struct {
	Tasks []*Task `json:"tasks"`
}

// NewStore builds an empty repository persisting through persist into
// the layout's per-session tasks files.
func NewStore(persist *state.Store, layout paths.Layout, clk clock.Clock) *Store {
	return &Store{
		tasks:       make(map[string]*Task),
		loaded:      make(map[string]bool),
		occupancies: make(map[string][]Occupancy),
		assignments: make(map[string]Assignment),
		persist:     persist,
		layout:      layout,
		clk:         clk,
	}
}

// Create validates and registers a new task, then recomputes readiness
// for its session.
func (s *Store) Create(spec Spec) (*Task, error) {
	id := taskid.Normalize(spec.ID)
	if err := taskid.Validate(id); err != nil {
		return nil, err
	}
	sess, _ := taskid.SessionOf(id)
	if strings.TrimSpace(spec.Description) == "" {
		return nil, fault.New(fault.Validation, "task %s requires a description", id)
	}
	typ := spec.Type
	if typ == "" {
		typ = TypeImplementation
	}
	if typ != TypeImplementation && typ != TypeErrorFix {
		return nil, fault.New(fault.Validation, "unknown task type %q", typ)
	}
	deps := make([]string, 0, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		dep = taskid.Normalize(dep)
		if err := taskid.Validate(dep); err != nil {
			return nil, fault.Wrap(fault.Validation, err, "dependency of %s", id)
		}
		if dep == id {
			return nil, fault.New(fault.Validation, "task %s cannot depend on itself", id)
		}
		deps = append(deps, dep)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(sess)
	if _, ok := s.tasks[id]; ok {
		return nil, fault.New(fault.Precondition, "task %s already exists", id)
	}
	for _, dep := range deps {
		if s.reachesLocked(dep, id) {
			return nil, fault.New(fault.Validation,
				"dependency %s -> %s would close a cycle", id, dep)
		}
	}
	now := s.clk.Now()
	t := &Task{
		ID:            id,
		Session:       sess,
		Description:   spec.Description,
		Type:          typ,
		Priority:      spec.Priority,
		Dependencies:  deps,
		Status:        StatusCreated,
		TargetFiles:   spec.TargetFiles,
		UnityPipeline: spec.UnityPipeline,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.tasks[id] = t
	s.recomputeLocked()
	if err := s.saveSessionLocked(sess); err != nil {
		delete(s.tasks, id)
		s.recomputeLocked()
		return nil, err
	}
	log.Info(log.CatTask, "task created", "task", id, "deps", len(deps))
	return t.Clone(), nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*Task, error) {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List returns the session's tasks sorted by ID.
func (s *Store) List(sess string) ([]*Task, error) {
	sess = taskid.Normalize(sess)
	if err := taskid.ValidateSession(sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(sess)
	var out []*Task
	for _, t := range s.tasks {
		if t.Session == sess {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ready returns the session's startable ready tasks sorted by priority
// (descending), then ID.
func (s *Store) Ready(sess string) []*Task {
	sess = taskid.Normalize(sess)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(sess)
	s.recomputeLocked()
	var out []*Task
	for _, t := range s.tasks {
		if t.Session == sess && t.Status == StatusReady && !t.Paused && !t.Orphaned {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateReadyTasks recomputes the ready/blocked flags across every
// loaded session. Idempotent; called before each coordinator
// evaluation.
func (s *Store) UpdateReadyTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeLocked()
}

// AddDependency adds task -> dependsOn, refusing edges that would close
// a cycle, then persists and recomputes.
func (s *Store) AddDependency(id, dependsOn string) ([]string, error) {
	id = taskid.Normalize(id)
	dependsOn = taskid.Normalize(dependsOn)
	if err := taskid.Validate(dependsOn); err != nil {
		return nil, err
	}
	if id == dependsOn {
		return nil, fault.New(fault.Validation, "task %s cannot depend on itself", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	for _, dep := range t.Dependencies {
		if dep == dependsOn {
			return append([]string(nil), t.Dependencies...), nil
		}
	}
	if s.reachesLocked(dependsOn, id) {
		return nil, fault.New(fault.Validation,
			"dependency %s -> %s would close a cycle", id, dependsOn)
	}
	t.Dependencies = append(t.Dependencies, dependsOn)
	sort.Strings(t.Dependencies)
	t.UpdatedAt = s.clk.Now()
	s.recomputeLocked()
	if err := s.saveSessionLocked(t.Session); err != nil {
		return nil, err
	}
	return append([]string(nil), t.Dependencies...), nil
}

// RemoveDependency drops task -> dependsOn if present.
func (s *Store) RemoveDependency(id, dependsOn string) ([]string, error) {
	id = taskid.Normalize(id)
	dependsOn = taskid.Normalize(dependsOn)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	kept := t.Dependencies[:0]
	for _, dep := range t.Dependencies {
		if dep != dependsOn {
			kept = append(kept, dep)
		}
	}
	t.Dependencies = kept
	t.UpdatedAt = s.clk.Now()
	s.recomputeLocked()
	if err := s.saveSessionLocked(t.Session); err != nil {
		return nil, err
	}
	return append([]string(nil), t.Dependencies...), nil
}

// Dependencies returns the task's direct dependencies.
func (s *Store) Dependencies(id string) ([]string, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return t.Dependencies, nil
}

// Dependents returns the tasks that directly depend on id.
func (s *Store) Dependents(id string) ([]string, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return t.Dependents, nil
}

// SetActiveWorkflow points the task at its one active workflow. A task
// already owned by a different workflow refuses the pointer.
func (s *Store) SetActiveWorkflow(id, workflowID string) error {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if t.ActiveWorkflow != "" && t.ActiveWorkflow != workflowID {
		return fault.New(fault.Precondition,
			"task %s already has active workflow %s", id, t.ActiveWorkflow)
	}
	t.ActiveWorkflow = workflowID
	t.UpdatedAt = s.clk.Now()
	return s.saveSessionLocked(t.Session)
}

// ClearActiveWorkflow releases the pointer when the owning workflow
// finishes. Orphaned tasks are deleted at this point.
func (s *Store) ClearActiveWorkflow(id, workflowID string) error {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if t.ActiveWorkflow != workflowID {
		return nil
	}
	t.ActiveWorkflow = ""
	t.UpdatedAt = s.clk.Now()
	if t.Orphaned {
		return s.deleteLocked(t, "orphaned task removed after workflow finished")
	}
	return s.saveSessionLocked(t.Session)
}

// MarkInProgress records that a workflow started executing the task.
func (s *Store) MarkInProgress(id string) error {
	return s.setStatus(id, StatusInProgress)
}

// MarkAwaitingDecision parks the task for the coordinator.
func (s *Store) MarkAwaitingDecision(id string) error {
	return s.setStatus(id, StatusAwaitingDecision)
}

// MarkSucceeded finishes the task and recomputes dependents.
func (s *Store) MarkSucceeded(id string) error {
	return s.setStatus(id, StatusSucceeded)
}

// RecordFailure accumulates a failed attempt: bumps the counter, stores
// the fix summary, and parks the task awaiting a decision.
func (s *Store) RecordFailure(id, errorText string) error {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	t.PreviousAttempts++
	t.PreviousFixSummary = errorText
	t.Status = StatusAwaitingDecision
	t.UpdatedAt = s.clk.Now()
	log.Warn(log.CatTask, "task attempt failed",
		"task", id, "attempts", t.PreviousAttempts)
	return s.saveSessionLocked(t.Session)
}

// Pause excludes the task from dispatch until resumed.
func (s *Store) Pause(id, reason string) (*Task, error) {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	t.Paused = true
	t.PauseReason = reason
	t.UpdatedAt = s.clk.Now()
	if err := s.saveSessionLocked(t.Session); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Resume lifts a pause.
func (s *Store) Resume(id string) (*Task, error) {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	t.Paused = false
	t.PauseReason = ""
	t.UpdatedAt = s.clk.Now()
	if err := s.saveSessionLocked(t.Session); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// SetPendingQuestion records a clarification question raised for the task.
func (s *Store) SetPendingQuestion(id, question string) error {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	t.PendingQuestion = question
	t.UpdatedAt = s.clk.Now()
	return s.saveSessionLocked(t.Session)
}

// MarkOrphaned flags the task for deletion once its workflow finishes.
func (s *Store) MarkOrphaned(id string) error {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	t.Orphaned = true
	t.UpdatedAt = s.clk.Now()
	return s.saveSessionLocked(t.Session)
}

// IsOrphaned reports the orphan flag.
func (s *Store) IsOrphaned(id string) bool {
	t, err := s.Get(id)
	return err == nil && t.Orphaned
}

// Remove deletes the task, or marks it orphaned if a workflow still
// owns it (the delete happens when that workflow finishes). The bool
// reports whether the task is gone already.
func (s *Store) Remove(id, reason string) (bool, error) {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return false, err
	}
	if t.ActiveWorkflow != "" {
		t.Orphaned = true
		t.UpdatedAt = s.clk.Now()
		log.Info(log.CatTask, "task orphaned pending workflow finish",
			"task", id, "workflow", t.ActiveWorkflow, "reason", reason)
		return false, s.saveSessionLocked(t.Session)
	}
	return true, s.deleteLocked(t, reason)
}

// TasksFilePath returns the absolute per-session tasks.json path so
// readers can consume the listing straight from disk.
func (s *Store) TasksFilePath(sess string) string {
	return s.layout.TasksFile(taskid.Normalize(sess))
}

// Unregister drops a session's tasks from memory. The reserved
// error-resolution session is never dropped. Persisted files stay.
func (s *Store) Unregister(sess string) {
	sess = taskid.Normalize(sess)
	if sess == session.ErrorSessionID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.Session == sess {
			delete(s.tasks, id)
		}
	}
	delete(s.loaded, sess)
	log.Info(log.CatTask, "session tasks unregistered", "session", sess)
}

// CountByStatus returns per-status counts for one session.
func (s *Store) CountByStatus(sess string) map[Status]int {
	sess = taskid.Normalize(sess)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(sess)
	counts := make(map[Status]int)
	for _, t := range s.tasks {
		if t.Session == sess {
			counts[t.Status]++
		}
	}
	return counts
}

func (s *Store) setStatus(id string, status Status) error {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	prev := t.Status
	t.Status = status
	t.UpdatedAt = s.clk.Now()
	if status == StatusSucceeded {
		t.PendingQuestion = ""
		s.recomputeLocked()
	}
	if err := s.saveSessionLocked(t.Session); err != nil {
		return err
	}
	log.Debug(log.CatTask, "task status changed", "task", id, "from", prev, "to", status)
	return nil
}

// getLocked resolves an ID, loading its session file on first touch.
// Callers hold s.mu.
func (s *Store) getLocked(id string) (*Task, error) {
	if err := taskid.Validate(id); err != nil {
		return nil, err
	}
	sess, _ := taskid.SessionOf(id)
	s.ensureLoadedLocked(sess)
	t, ok := s.tasks[id]
	if !ok {
		return nil, fault.Wrap(fault.Resource, ErrTaskNotFound, "task %s", id)
	}
	return t, nil
}

// ensureLoadedLocked loads a session's tasks file once. Callers hold s.mu.
func (s *Store) ensureLoadedLocked(sess string) {
	if sess == "" || s.loaded[sess] {
		return
	}
	s.loaded[sess] = true
	var file tasksFile
	if err := s.persist.Load(s.layout.TasksFile(sess), &file); err != nil {
		if !errors.Is(err, state.ErrNotExist) {
			log.Warn(log.CatTask, "tasks file unreadable", "session", sess, "error", err)
		}
		return
	}
	for _, t := range file.Tasks {
		if _, exists := s.tasks[t.ID]; !exists {
			s.tasks[t.ID] = t
		}
	}
	log.Info(log.CatTask, "session tasks loaded", "session", sess, "count", len(file.Tasks))
}

// saveSessionLocked persists one session's tasks. Callers hold s.mu.
func (s *Store) saveSessionLocked(sess string) error {
	file := tasksFile{}
	for _, t := range s.tasks {
		if t.Session == sess {
			file.Tasks = append(file.Tasks, t)
		}
	}
	sort.Slice(file.Tasks, func(i, j int) bool { return file.Tasks[i].ID < file.Tasks[j].ID })
	return s.persist.Save(s.layout.TasksFile(sess), file)
}

// deleteLocked removes the task and strips it from every dependency
// list so dependents can unblock. Callers hold s.mu.
func (s *Store) deleteLocked(t *Task, reason string) error {
	delete(s.tasks, t.ID)
	touched := map[string]bool{t.Session: true}
	for _, other := range s.tasks {
		kept := other.Dependencies[:0]
		for _, dep := range other.Dependencies {
			if dep != t.ID {
				kept = append(kept, dep)
			} else {
				touched[other.Session] = true
			}
		}
		other.Dependencies = kept
	}
	s.recomputeLocked()
	log.Info(log.CatTask, "task deleted", "task", t.ID, "reason", reason)
	for sess := range touched {
		if err := s.saveSessionLocked(sess); err != nil {
			return err
		}
	}
	return nil
}

// recomputeLocked refreshes dependents lists and the ready/blocked
// flags. A task is ready iff every dependency is succeeded; unknown
// dependencies count as unfinished. Callers hold s.mu.
func (s *Store) recomputeLocked() {
	// Cross-session dependencies must be loaded before the status pass,
	// and loading can reveal further sessions, so run to a fixpoint.
	for {
		pending := map[string]bool{}
		for _, t := range s.tasks {
			for _, dep := range t.Dependencies {
				if sess, ok := taskid.SessionOf(dep); ok && !s.loaded[sess] {
					pending[sess] = true
				}
			}
		}
		if len(pending) == 0 {
			break
		}
		for sess := range pending {
			s.ensureLoadedLocked(sess)
		}
	}

	for _, t := range s.tasks {
		t.Dependents = t.Dependents[:0]
	}
	for _, t := range s.tasks {
		for _, dep := range t.Dependencies {
			if d, ok := s.tasks[dep]; ok {
				d.Dependents = append(d.Dependents, t.ID)
			}
		}
	}
	for _, t := range s.tasks {
		sort.Strings(t.Dependents)
		switch t.Status {
		case StatusCreated, StatusReady, StatusBlocked:
			if s.depsSucceededLocked(t) {
				t.Status = StatusReady
			} else {
				t.Status = StatusBlocked
			}
		}
	}
}

func (s *Store) depsSucceededLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// reachesLocked reports whether `to` is reachable from `from` over
// forward dependency edges. Callers hold s.mu.
func (s *Store) reachesLocked(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		t, ok := s.tasks[cur]
		if !ok {
			continue
		}
		for _, dep := range t.Dependencies {
			if dep == to {
				return true
			}
			stack = append(stack, dep)
		}
	}
	return false
}
