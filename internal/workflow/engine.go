package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apc-dev/apc/internal/cachemanager"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/metrics"
	"github.com/apc-dev/apc/internal/pubsub"
	"github.com/apc-dev/apc/internal/taskid"
)

// DefaultArchiveGrace is how long a finished workflow's runtime object
// stays reachable before it is replaced by an Archived record.
const DefaultArchiveGrace = 5 * time.Minute

// EngineOptions configures a workflow engine.
type EngineOptions struct {
	Registry     *Registry
	Deps         Deps
	History      *History
	Metrics      *metrics.Metrics
	ArchiveGrace time.Duration
}

// Engine owns every workflow instance: dispatch, event fan-out,
// terminal cleanup and archival. Instances run on their own goroutines;
// their lifetimes are decoupled from the dispatching caller.
type Engine struct {
	registry *Registry
	deps     Deps
	history  *History
	metrics  *metrics.Metrics
	grace    time.Duration

	mu        sync.Mutex
	workflows map[string]*Instance
	archived  map[string]Archived
	closed    bool

	archive *cachemanager.InMemory[*Instance]
	events  *pubsub.Broker[Event]

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewEngine builds an engine. The archive janitor runs every minute as
// a backstop; the periodic cleanup calls EvictCompleted explicitly.
func NewEngine(opts EngineOptions) *Engine {
	grace := opts.ArchiveGrace
	if grace <= 0 {
		grace = DefaultArchiveGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry:   opts.Registry,
		deps:       opts.Deps,
		history:    opts.History,
		metrics:    opts.Metrics,
		grace:      grace,
		workflows:  make(map[string]*Instance),
		archived:   make(map[string]Archived),
		archive:    cachemanager.NewInMemory[*Instance]("workflow-archive", grace, time.Minute),
		events:     pubsub.New[Event](),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	e.archive.OnEvicted(e.archiveEvicted)
	return e
}

// Registry returns the type registry the engine dispatches from.
func (e *Engine) Registry() *Registry { return e.registry }

// Subscribe returns the engine-level event stream: every event of every
// instance, fanned out to all subscribers.
func (e *Engine) Subscribe(ctx context.Context) <-chan Event {
	return e.events.Subscribe(ctx)
}

// Dispatch instantiates and starts a workflow. For task-implementation
// dispatches it enforces the at-most-one rule: no second non-terminal
// workflow may hold the same task id.
func (e *Engine) Dispatch(ctx context.Context, session, wtype string, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, factory, err := e.registry.Get(wtype)
	if err != nil {
		return "", err
	}
	if wtype == TypeTaskImplementation || wtype == TypeErrorResolution {
		if err := taskid.Validate(in.TaskID); err != nil {
			return "", fault.Wrap(fault.Validation, err, "dispatching %s", wtype)
		}
	}

	id := uuid.NewString()
	inst := factory(id, session, in, e.deps)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fault.New(fault.Precondition, "engine is shut down")
	}
	if wtype == TypeTaskImplementation {
		want := taskid.Normalize(in.TaskID)
		for otherID, other := range e.workflows {
			if !other.Status().IsTerminal() && strings.EqualFold(other.TaskID(), want) {
				e.mu.Unlock()
				return "", fault.New(fault.Precondition,
					"task %s already has active workflow %s, inspect it before dispatching again", want, otherID)
			}
		}
	}
	e.workflows[id] = inst
	e.mu.Unlock()

	sub := inst.Subscribe(e.baseCtx)
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		for ev := range sub {
			e.events.Publish(ev)
		}
	}()
	go func() {
		defer e.wg.Done()
		err := inst.Start(e.baseCtx)
		e.finalize(inst, err)
	}()

	log.Info(log.CatWorkflow, "workflow dispatched",
		"workflow", id, "type", wtype, "session", session, "task", in.TaskID)
	return id, nil
}

// Get returns a live instance. During the archival grace the finished
// instance is still live.
func (e *Engine) Get(id string) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.workflows[id]
	return inst, ok
}

// GetArchived returns the archive record for an evicted workflow.
func (e *Engine) GetArchived(id string) (Archived, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.archived[id]
	return rec, ok
}

// ArchivedFor returns archive records, optionally filtered by session,
// ordered by finish time then id.
func (e *Engine) ArchivedFor(session string) []Archived {
	e.mu.Lock()
	out := make([]Archived, 0, len(e.archived))
	for _, rec := range e.archived {
		if session == "" || rec.Session == session {
			out = append(out, rec)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].FinishedAt.Before(out[j].FinishedAt)
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	return out
}

// GetProgress resolves a workflow id to its progress snapshot. Archived
// workflows report a not_found status with an archival message rather
// than an error.
func (e *Engine) GetProgress(id string) (Progress, error) {
	e.mu.Lock()
	inst, live := e.workflows[id]
	rec, gone := e.archived[id]
	e.mu.Unlock()

	switch {
	case live:
		return inst.Progress(), nil
	case gone:
		return Progress{
			WorkflowID: id,
			Type:       rec.Type,
			Session:    rec.Session,
			Status:     "not_found",
			Message:    "completed and archived",
			TaskID:     rec.TaskID,
			StartedAt:  rec.StartedAt,
		}, nil
	default:
		return Progress{}, fault.New(fault.Resource, "workflow %s not found", id)
	}
}

// List returns progress snapshots of live instances, optionally
// filtered by session, ordered by start time then id.
func (e *Engine) List(session string) []Progress {
	e.mu.Lock()
	instances := make([]*Instance, 0, len(e.workflows))
	for _, inst := range e.workflows {
		if session == "" || inst.Session() == session {
			instances = append(instances, inst)
		}
	}
	e.mu.Unlock()

	out := make([]Progress, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Progress())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	return out
}

// NonTerminal returns the live instances that have not finished,
// optionally filtered by session.
func (e *Engine) NonTerminal(session string) []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Instance
	for _, inst := range e.workflows {
		if session != "" && inst.Session() != session {
			continue
		}
		if !inst.Status().IsTerminal() {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ActiveForTask reports the non-terminal workflow holding the task id.
func (e *Engine) ActiveForTask(taskID string) (string, bool) {
	want := taskid.Normalize(taskID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, inst := range e.workflows {
		if !inst.Status().IsTerminal() && strings.EqualFold(inst.TaskID(), want) {
			return id, true
		}
	}
	return "", false
}

// Cancel requests cancellation of a live workflow.
func (e *Engine) Cancel(id, reason string) error {
	inst, ok := e.Get(id)
	if !ok {
		return fault.New(fault.Resource, "workflow %s not found", id)
	}
	inst.Cancel(reason)
	return nil
}

// CancelSession cancels every non-terminal workflow of a session and
// returns how many were asked to stop.
func (e *Engine) CancelSession(session, reason string) int {
	instances := e.NonTerminal(session)
	for _, inst := range instances {
		inst.Cancel(reason)
	}
	return len(instances)
}

// HandleEventResponse routes an out-of-band response to an instance.
func (e *Engine) HandleEventResponse(id, kind string, payload map[string]any) error {
	inst, ok := e.Get(id)
	if !ok {
		return fault.New(fault.Resource, "workflow %s not found", id)
	}
	inst.HandleEventResponse(kind, payload)
	return nil
}

// Summaries returns the newest n completed-workflow summaries for a
// session, newest first.
func (e *Engine) Summaries(session string, n int) []Summary {
	return e.history.Recent(session, n)
}

// ActiveCount returns the number of non-terminal instances, optionally
// filtered by session.
func (e *Engine) ActiveCount(session string) int {
	return len(e.NonTerminal(session))
}

// LiveCount returns the number of live runtime objects, finished ones
// in grace included.
func (e *Engine) LiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workflows)
}

// EvictCompleted archives finished workflows older than maxAge and
// returns how many were evicted. The TTL janitor covers the same ground
// in the background; this entry point exists for the periodic cleanup
// and for tests that drive a fake clock.
func (e *Engine) EvictCompleted(maxAge time.Duration) int {
	now := e.deps.Clock.Now()
	e.mu.Lock()
	var old []string
	for id, inst := range e.workflows {
		sum := inst.Summarize()
		if Status(sum.Status).IsTerminal() && !sum.FinishedAt.IsZero() && now.Sub(sum.FinishedAt) >= maxAge {
			old = append(old, id)
		}
	}
	e.mu.Unlock()

	evicted := 0
	for _, id := range old {
		// Terminal but not yet archived means finalize is still running;
		// the next sweep picks it up.
		if _, ok := e.archive.Get(context.Background(), id); !ok {
			continue
		}
		_ = e.archive.Delete(context.Background(), id)
		evicted++
	}
	return evicted
}

// Shutdown cancels every non-terminal workflow and waits for run
// goroutines to drain, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	for _, inst := range e.NonTerminal("") {
		inst.Cancel("daemon shutting down")
	}
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn(log.CatWorkflow, "engine shutdown timed out with workflows still draining",
			"live", e.LiveCount())
		e.events.Close()
		return ctx.Err()
	}
	e.events.Close()
	return nil
}

// finalize runs the mandatory terminal cleanup for one instance:
// history, metrics, the task-status hook, archival scheduling, and
// subscription disposal.
func (e *Engine) finalize(inst *Instance, runErr error) {
	sum := inst.Summarize()
	if !Status(sum.Status).IsTerminal() {
		// Start refused (already started elsewhere); nothing to clean.
		log.Warn(log.CatWorkflow, "finalize on non-terminal workflow skipped",
			"workflow", inst.ID(), "status", sum.Status, "error", runErr)
		return
	}

	if err := e.history.Append(sum.Session, sum); err != nil {
		log.ErrorErr(log.CatWorkflow, "workflow history append failed", err,
			"workflow", sum.WorkflowID, "session", sum.Session)
	}
	e.metrics.WorkflowFinished(sum.Type, sum.Status)

	e.applyTaskOutcome(sum)

	e.archive.Set(context.Background(), sum.WorkflowID, inst, e.grace)
	inst.Dispose()
}

// applyTaskOutcome moves the bound task according to the terminal
// status: succeeded marks it done, failed records the attempt, a
// cancellation hands it back for a decision. Orphaned tasks are deleted
// when the binding clears.
func (e *Engine) applyTaskOutcome(sum Summary) {
	tid := sum.TaskID
	if tid == "" {
		return
	}
	if !e.deps.Tasks.IsOrphaned(tid) {
		var err error
		switch Status(sum.Status) {
		case StatusSucceeded:
			err = e.deps.Tasks.MarkSucceeded(tid)
		case StatusFailed:
			err = e.deps.Tasks.RecordFailure(tid, sum.Error)
		case StatusCancelled:
			err = e.deps.Tasks.MarkAwaitingDecision(tid)
		}
		if err != nil {
			log.Warn(log.CatWorkflow, "task outcome not applied",
				"workflow", sum.WorkflowID, "task", tid, "status", sum.Status, "error", err)
		}
	}
	if err := e.deps.Tasks.ClearActiveWorkflow(tid, sum.WorkflowID); err != nil {
		log.Warn(log.CatWorkflow, "active workflow not cleared",
			"workflow", sum.WorkflowID, "task", tid, "error", err)
	}
}

// archiveEvicted swaps the runtime object for its archive record. Runs
// from the cache hook, on explicit eviction or janitor expiry.
func (e *Engine) archiveEvicted(id string, inst *Instance) {
	sum := inst.Summarize()
	rec := Archived{
		WorkflowID: sum.WorkflowID,
		Type:       sum.Type,
		Session:    sum.Session,
		Status:     sum.Status,
		TaskID:     sum.TaskID,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
		ArchivedAt: e.deps.Clock.Now(),
	}
	e.mu.Lock()
	delete(e.workflows, id)
	e.archived[id] = rec
	e.mu.Unlock()
	log.Debug(log.CatWorkflow, "workflow archived", "workflow", id, "status", sum.Status)
}
