package orchestrator

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/session"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/taskid"
	"github.com/apc-dev/apc/internal/workflow"
)

// DispatchWorkflow instantiates and starts a workflow for the session.
// Task-bound types get their task marked in-progress and the
// workflow recorded as the task's active workflow; types that pause
// evaluations suspend the session's coordinator until they finish.
func (o *Orchestrator) DispatchWorkflow(ctx context.Context, sess, wtype string, in workflow.Input) (string, error) {
	if _, err := o.sessions.Get(sess); err != nil {
		return "", err
	}
	meta, ok := o.engine.Registry().Metadata(wtype)
	if !ok {
		return "", fault.New(fault.Validation, "unknown workflow type %q", wtype)
	}

	id, err := o.engine.Dispatch(ctx, sess, wtype, in)
	if err != nil {
		return "", err
	}
	o.putSpec(id, dispatchSpec{Session: sess, Type: wtype, Input: in})

	if in.TaskID != "" && bindsTask(wtype) {
		if err := o.tasks.SetActiveWorkflow(in.TaskID, id); err != nil {
			log.Warn(log.CatTask, "active workflow not recorded",
				"task", in.TaskID, "workflow", id, "error", err)
		}
		if err := o.tasks.MarkInProgress(in.TaskID); err != nil {
			log.Warn(log.CatTask, "in-progress mark failed",
				"task", in.TaskID, "error", err)
		}
	}
	if meta.PausesEvaluations {
		o.coord.PauseEvaluations(sess, meta.DisplayName+" in flight")
	}
	return id, nil
}

// bindsTask reports whether the workflow type owns its task's
// lifecycle. Shared research workflows reference tasks without driving
// their status.
func bindsTask(wtype string) bool {
	return wtype == workflow.TypeTaskImplementation ||
		wtype == workflow.TypeErrorResolution
}

// StartTaskWorkflow is the guarded entry for executing one task. The
// per-task-id lock serializes concurrent starts; the checks behind it
// refuse unapproved sessions, duplicate claims, paused tasks, and
// unmet dependencies (when the type requires them complete).
func (o *Orchestrator) StartTaskWorkflow(ctx context.Context, sess, taskID, wtype string, in workflow.Input) (string, error) {
	taskID = taskid.Normalize(taskID)
	if err := taskid.Validate(taskID); err != nil {
		return "", err
	}
	unlock := o.lockTask(taskID)
	defer unlock()

	s, err := o.sessions.Get(sess)
	if err != nil {
		return "", err
	}
	if s.Status != session.StatusApproved {
		return "", fault.New(fault.Precondition,
			"session %s is %s; execution requires an approved plan", sess, s.Status)
	}
	t, err := o.tasks.Get(taskID)
	if err != nil {
		return "", err
	}
	if t.Session != sess {
		return "", fault.New(fault.Validation,
			"task %s belongs to session %s", taskID, t.Session)
	}
	if wtype == "" {
		wtype = workflow.TypeTaskImplementation
	}
	if wf, active := o.engine.ActiveForTask(taskID); active {
		return "", fault.New(fault.Precondition,
			"task %s is already claimed by workflow %s", taskID, wf)
	}
	meta, ok := o.engine.Registry().Metadata(wtype)
	if !ok {
		return "", fault.New(fault.Validation, "unknown workflow type %q", wtype)
	}
	if meta.RequiresCompleteDependencies {
		if t.Paused {
			return "", fault.New(fault.Precondition,
				"task %s is paused: %s", taskID, t.PauseReason)
		}
		if missing := o.unmetDependencies(t); len(missing) > 0 {
			return "", fault.New(fault.Precondition,
				"task %s has unmet dependencies: %s", taskID, strings.Join(missing, ", "))
		}
	}
	in.TaskID = taskID
	return o.DispatchWorkflow(ctx, sess, wtype, in)
}

func (o *Orchestrator) unmetDependencies(t *task.Task) []string {
	var missing []string
	for _, dep := range t.Dependencies {
		d, err := o.tasks.Get(dep)
		if err != nil || d.Status != task.StatusSucceeded {
			missing = append(missing, dep)
		}
	}
	return missing
}

// lockTask returns the unlock for the task's start mutex, creating it
// on first use. Lock objects are never removed; the id space is small.
func (o *Orchestrator) lockTask(id string) func() {
	o.startMu.Lock()
	mu, ok := o.startLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		o.startLocks[id] = mu
	}
	o.startMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// CancelSession cancels every non-terminal workflow of the session. A
// session stuck in planning or revising with nothing running gets its
// agents reclaimed and its status reset to reviewing when a plan file
// exists, no_plan otherwise.
func (o *Orchestrator) CancelSession(sess, reason string) (*session.Session, error) {
	s, err := o.sessions.Get(sess)
	if err != nil {
		return nil, err
	}
	cancelled := o.engine.CancelSession(sess, reason)

	stuck := cancelled == 0 &&
		(s.Status == session.StatusPlanning || s.Status == session.StatusRevising)
	if stuck {
		if freed := o.pool.ReleaseSessionAgents(sess); len(freed) > 0 {
			log.Info(log.CatState, "reclaimed agents from stuck session",
				"session", sess, "agents", strings.Join(freed, ","))
		}
		target := session.StatusNoPlan
		if _, statErr := os.Stat(o.layout.PlanFile(sess)); statErr == nil {
			target = session.StatusReviewing
		}
		if reset, terr := o.sessions.Transition(sess, target); terr != nil {
			log.Warn(log.CatState, "stuck session reset refused",
				"session", sess, "target", string(target), "error", terr)
		} else {
			s = reset
		}
		o.coord.ResumeEvaluations(sess)
	}

	s, err = o.sessions.Get(sess)
	if err != nil {
		return nil, err
	}
	o.bcast.Publish(broadcast.SessionUpdated, sess, map[string]any{
		"status":             string(s.Status),
		"cancelledWorkflows": cancelled,
		"reason":             reason,
	})
	return s, nil
}

// CompleteSession closes out an approved session: terminal status,
// persisted, broadcast, and its tasks evicted from memory. The task
// store refuses to unregister the singleton error session.
func (o *Orchestrator) CompleteSession(sess string) (*session.Session, error) {
	s, err := o.sessions.Get(sess)
	if err != nil {
		return nil, err
	}
	if s.Status != session.StatusApproved {
		return nil, fault.New(fault.Precondition,
			"session %s is %s; only approved sessions can complete", sess, s.Status)
	}
	s, err = o.sessions.Transition(sess, session.StatusCompleted)
	if err != nil {
		return nil, err
	}
	o.tasks.Unregister(sess)
	o.bcast.Publish(broadcast.SessionUpdated, sess, map[string]any{
		"status": string(session.StatusCompleted),
	})
	return s, nil
}

// ExecStart kicks off execution for an approved session by queueing the
// coordinator trigger. The coordinator decides what actually runs.
func (o *Orchestrator) ExecStart(sess string) error {
	s, err := o.sessions.Get(sess)
	if err != nil {
		return err
	}
	if s.Status != session.StatusApproved {
		return fault.New(fault.Precondition,
			"session %s is %s; execution requires an approved plan", sess, s.Status)
	}
	o.coord.QueueEvent(sess, coordinator.EventExecutionStarted,
		map[string]any{"reason": "execution started"})
	return nil
}

// TriggerEvaluation queues a manual coordinator evaluation.
func (o *Orchestrator) TriggerEvaluation(sess, reason string) error {
	if _, err := o.sessions.Get(sess); err != nil {
		return err
	}
	if reason == "" {
		reason = "manual trigger"
	}
	o.coord.QueueEvent(sess, coordinator.EventManualEvaluation,
		map[string]any{"reason": reason})
	return nil
}
