package orchestrator

import (
	"sort"
	"strings"

	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/workflow"
)

// arbitrate decides a declared occupancy conflict. The declaring
// instance is blocked in its claim loop: cancel_others answers with
// conflictResolved once the occupants are cancelled (the claim retries,
// with bounded rounds absorbing teardown lag); wait_for_others parks
// the declarer until its blockers finish; abort_if_occupied gives up.
func (o *Orchestrator) arbitrate(ev workflow.Event) {
	c := ev.Conflict
	if c == nil {
		return
	}
	blockers := o.occupantsOf(c.TaskIDs, ev.WorkflowID)
	log.Info(log.CatWorkflow, "arbitrating conflict",
		"workflow", ev.WorkflowID, "resolution", string(c.Resolution),
		"tasks", strings.Join(c.TaskIDs, ","), "blockers", len(blockers))

	// Occupants can finish between declaration and arbitration. A
	// conflict with no live blockers is stale: let the claim retry.
	if len(blockers) == 0 {
		if err := o.engine.HandleEventResponse(ev.WorkflowID,
			workflow.ResponseConflictResolved, nil); err != nil {
			log.Warn(log.CatWorkflow, "conflict response lost",
				"workflow", ev.WorkflowID, "error", err)
		}
		return
	}

	switch c.Resolution {
	case task.ResolutionCancelOthers:
		for _, wf := range blockers {
			if err := o.engine.Cancel(wf, "preempted: "+c.Reason); err != nil {
				log.Warn(log.CatWorkflow, "preempt cancel failed",
					"workflow", wf, "error", err)
			}
		}
		if err := o.engine.HandleEventResponse(ev.WorkflowID,
			workflow.ResponseConflictResolved, nil); err != nil {
			log.Warn(log.CatWorkflow, "conflict response lost",
				"workflow", ev.WorkflowID, "error", err)
		}
	case task.ResolutionWaitForOthers:
		o.tasks.RegisterWaitingForConflicts(ev.WorkflowID, c.TaskIDs, blockers)
		o.markWaiting(ev.WorkflowID)
		if err := o.engine.Cancel(ev.WorkflowID,
			"parked until "+strings.Join(blockers, ",")+" finish"); err != nil {
			log.Warn(log.CatWorkflow, "park cancel failed",
				"workflow", ev.WorkflowID, "error", err)
		}
	case task.ResolutionAbortIfOccupied:
		if err := o.engine.Cancel(ev.WorkflowID,
			"tasks occupied: "+strings.Join(c.TaskIDs, ",")); err != nil {
			log.Warn(log.CatWorkflow, "abort cancel failed",
				"workflow", ev.WorkflowID, "error", err)
		}
	default:
		log.Warn(log.CatWorkflow, "unknown conflict resolution",
			"workflow", ev.WorkflowID, "resolution", string(c.Resolution))
	}
}

// occupantsOf collects the distinct workflows holding any of the tasks,
// excluding the asking workflow itself.
func (o *Orchestrator) occupantsOf(taskIDs []string, exclude string) []string {
	seen := map[string]bool{exclude: true}
	var out []string
	for _, id := range taskIDs {
		for _, wf := range o.tasks.OccupantOf(id) {
			if !seen[wf] {
				seen[wf] = true
				out = append(out, wf)
			}
		}
	}
	sort.Strings(out)
	return out
}

// redispatchWaiters restarts every parked workflow whose blocker set
// just emptied, replaying the dispatch that originally created it.
func (o *Orchestrator) redispatchWaiters(finished string) {
	for _, w := range o.tasks.TakeWaitersFor(finished) {
		spec, ok := o.takeSpec(w.Workflow)
		o.clearWaiting(w.Workflow)
		if !ok {
			log.Warn(log.CatWorkflow, "unblocked waiter has no dispatch record",
				"workflow", w.Workflow)
			continue
		}
		id, err := o.DispatchWorkflow(o.ctx, spec.Session, spec.Type, spec.Input)
		if err != nil {
			log.ErrorErr(log.CatWorkflow, "waiter re-dispatch failed", err,
				"was", w.Workflow, "session", spec.Session)
			continue
		}
		log.Info(log.CatWorkflow, "re-dispatched after conflict wait",
			"was", w.Workflow, "now", id)
	}
}

func (o *Orchestrator) putSpec(id string, spec dispatchSpec) {
	o.specMu.Lock()
	o.specs[id] = spec
	o.specMu.Unlock()
}

func (o *Orchestrator) takeSpec(id string) (dispatchSpec, bool) {
	o.specMu.Lock()
	defer o.specMu.Unlock()
	spec, ok := o.specs[id]
	if ok {
		delete(o.specs, id)
	}
	return spec, ok
}

func (o *Orchestrator) markWaiting(id string) {
	o.specMu.Lock()
	o.waiting[id] = true
	o.specMu.Unlock()
}

func (o *Orchestrator) clearWaiting(id string) {
	o.specMu.Lock()
	delete(o.waiting, id)
	o.specMu.Unlock()
}

func (o *Orchestrator) isWaiting(id string) bool {
	o.specMu.Lock()
	defer o.specMu.Unlock()
	return o.waiting[id]
}
