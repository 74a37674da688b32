package orchestrator

import (
	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/workflow"
)

// eventLoop consumes the engine-level event broker until the
// subscription closes. Every handler here must return promptly: slow
// work (LLM calls, process spawns) lives elsewhere.
func (o *Orchestrator) eventLoop(events <-chan workflow.Event) {
	defer o.wg.Done()
	for ev := range events {
		o.handleEngineEvent(ev)
	}
}

func (o *Orchestrator) handleEngineEvent(ev workflow.Event) {
	switch ev.Kind {
	case workflow.EventAgentNeeded:
		if ev.AgentRequest != nil {
			o.enqueueAgentRequest(*ev.AgentRequest)
		}
	case workflow.EventAgentWorkStarted:
		if ws := ev.WorkStarted; ws != nil {
			o.pool.PromoteToBusy(ws.Agent, ev.WorkflowID, ws.TaskID)
		}
	case workflow.EventAgentDemoted:
		if ev.Agent != "" {
			o.pool.DemoteToBench(ev.Agent)
		}
	case workflow.EventAgentReleased:
		o.handleAgentReleased(ev)
	case workflow.EventConflictDeclared:
		o.arbitrate(ev)
	case workflow.EventComplete:
		o.handleComplete(ev)
	case workflow.EventWorkflowEvent:
		if c := ev.Custom; c != nil {
			o.bcast.Publish(broadcast.WorkflowEvent, ev.Session, map[string]any{
				"workflowId": ev.WorkflowID,
				"event":      c.Type,
				"payload":    c.Payload,
			})
		}
	case workflow.EventProgress, workflow.EventOccupancyDeclared, workflow.EventOccupancyReleased:
		// progress is pollable; occupancy bookkeeping lives in the
		// task store already.
	}
}

// handleComplete relays a terminal workflow outcome: annotate the
// coordinator ledger, resume evaluations the workflow type paused,
// queue the coordinator trigger, broadcast, and unblock conflict
// waiters. Parked waiters skip the outcome plumbing; their cancellation
// is scaffolding, not a result.
func (o *Orchestrator) handleComplete(ev workflow.Event) {
	res := ev.Result
	if res == nil {
		return
	}
	if o.isWaiting(ev.WorkflowID) {
		log.Debug(log.CatWorkflow, "parked workflow unwound",
			"workflow", ev.WorkflowID)
		return
	}
	spec, _ := o.takeSpec(ev.WorkflowID)

	if spec.Input.TaskID != "" {
		notes := res.Error
		if notes == "" {
			notes = res.Output
		}
		o.coord.RecordOutcome(ev.Session, spec.Input.TaskID, res.Success, notes)
	}
	if meta, ok := o.engine.Registry().Metadata(ev.Type); ok && meta.PausesEvaluations {
		o.coord.ResumeEvaluations(ev.Session)
	}

	evType := coordinator.EventWorkflowCompleted
	if !res.Success {
		evType = coordinator.EventWorkflowFailed
	}
	payload := map[string]any{
		"workflowId": ev.WorkflowID,
		"type":       ev.Type,
		"status":     string(res.Status),
	}
	if spec.Input.TaskID != "" {
		payload["taskId"] = spec.Input.TaskID
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	o.coord.QueueEvent(ev.Session, evType, payload)

	o.bcast.Publish(broadcast.WorkflowCompleted, ev.Session, map[string]any{
		"workflowId": ev.WorkflowID,
		"type":       ev.Type,
		"status":     string(res.Status),
		"success":    res.Success,
		"taskId":     spec.Input.TaskID,
	})

	o.redispatchWaiters(ev.WorkflowID)
}

// handleAgentReleased syncs the task store and pool, then nudges the
// coordinator when the session still has actionable work. Sessions
// whose every task is succeeded or in progress have nothing for a
// freed agent to pick up.
func (o *Orchestrator) handleAgentReleased(ev workflow.Event) {
	if ev.Agent == "" {
		return
	}
	o.tasks.UnassignAgent(ev.Agent)
	o.pool.Release([]string{ev.Agent})
	if o.sessionWantsAgents(ev.Session) {
		o.coord.QueueEvent(ev.Session, coordinator.EventAgentAvailable,
			map[string]any{"agent": ev.Agent})
	}
}

func (o *Orchestrator) sessionWantsAgents(sess string) bool {
	ts, err := o.tasks.List(sess)
	if err != nil {
		return false
	}
	for _, t := range ts {
		if t.Status != task.StatusSucceeded && t.Status != task.StatusInProgress {
			return true
		}
	}
	return false
}
