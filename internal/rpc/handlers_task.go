package rpc

import (
	"context"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/taskid"
	"github.com/apc-dev/apc/internal/workflow"
)

func (r *Router) taskCreate(_ context.Context, p params) (any, error) {
	id, err := p.str("task")
	if err != nil {
		return nil, err
	}
	desc, err := p.str("description")
	if err != nil {
		return nil, err
	}
	deps, err := p.optStrs("dependencies")
	if err != nil {
		return nil, err
	}
	targets, err := p.optStrs("targetFiles")
	if err != nil {
		return nil, err
	}
	priority, err := p.optInt("priority", 0)
	if err != nil {
		return nil, err
	}
	return r.deps.Tasks.Create(task.Spec{
		ID:            id,
		Description:   desc,
		Type:          task.Type(p.optStr("type")),
		Priority:      priority,
		Dependencies:  deps,
		TargetFiles:   targets,
		UnityPipeline: p.optBool("unityPipeline"),
	})
}

func (r *Router) taskList(_ context.Context, p params) (any, error) {
	sess, err := p.str("session")
	if err != nil {
		return nil, err
	}
	tasks, err := r.deps.Tasks.List(sess)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks}, nil
}

func (r *Router) taskGet(_ context.Context, p params) (any, error) {
	id, err := p.str("task")
	if err != nil {
		return nil, err
	}
	return r.deps.Tasks.Get(id)
}

// taskStart dispatches a workflow for one task. The session is derived
// from the task id when the caller leaves it out.
func (r *Router) taskStart(ctx context.Context, p params) (any, error) {
	id, err := p.str("task")
	if err != nil {
		return nil, err
	}
	sess := p.optStr("session")
	if sess == "" {
		derived, ok := taskid.SessionOf(id)
		if !ok {
			return nil, fault.New(fault.Validation, "cannot derive session from task id %q", id)
		}
		sess = derived
	}
	wtype := p.optStr("type")
	if wtype == "" {
		wtype = workflow.TypeTaskImplementation
	}
	workflowID, err := r.deps.Orch.StartTaskWorkflow(ctx, sess, id, wtype, workflow.Input{TaskID: id})
	if err != nil {
		return nil, err
	}
	return map[string]any{"workflow": workflowID}, nil
}

func (r *Router) taskPause(_ context.Context, p params) (any, error) {
	id, err := p.str("task")
	if err != nil {
		return nil, err
	}
	reason := p.optStr("reason")
	t, err := r.deps.Tasks.Pause(id, reason)
	if err != nil {
		return nil, err
	}
	r.deps.Coordinator.QueueEvent(t.Session, coordinator.EventTaskPaused, map[string]any{
		"task":   t.ID,
		"reason": reason,
	})
	return t, nil
}

func (r *Router) taskResume(_ context.Context, p params) (any, error) {
	id, err := p.str("task")
	if err != nil {
		return nil, err
	}
	t, err := r.deps.Tasks.Resume(id)
	if err != nil {
		return nil, err
	}
	r.deps.Coordinator.QueueEvent(t.Session, coordinator.EventTaskResumed, map[string]any{
		"task": t.ID,
	})
	return t, nil
}

func (r *Router) taskRemove(_ context.Context, p params) (any, error) {
	id, err := p.str("task")
	if err != nil {
		return nil, err
	}
	reason, err := p.str("reason")
	if err != nil {
		return nil, err
	}
	removed, err := r.deps.Tasks.Remove(id, reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": removed}, nil
}

func (r *Router) taskAddDep(_ context.Context, p params) (any, error) {
	id, err := p.str("task")
	if err != nil {
		return nil, err
	}
	dependsOn, err := p.str("dependsOn")
	if err != nil {
		return nil, err
	}
	deps, err := r.deps.Tasks.AddDependency(id, dependsOn)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dependencies": deps}, nil
}

func (r *Router) taskRemoveDep(_ context.Context, p params) (any, error) {
	id, err := p.str("task")
	if err != nil {
		return nil, err
	}
	dependsOn, err := p.str("dependsOn")
	if err != nil {
		return nil, err
	}
	deps, err := r.deps.Tasks.RemoveDependency(id, dependsOn)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dependencies": deps}, nil
}

func (r *Router) taskAgentList(_ context.Context, p params) (any, error) {
	sess, err := p.str("session")
	if err != nil {
		return nil, err
	}
	return map[string]any{"assignments": r.deps.Tasks.AgentAssignments(sess)}, nil
}

type depEdge struct {
	Task      string `json:"task"`
	DependsOn string `json:"dependsOn"`
}

// depsList renders the session's dependency graph as an edge list and
// announces where the backing tasks file lives, so external tools can
// watch it directly.
func (r *Router) depsList(_ context.Context, p params) (any, error) {
	sess, err := p.str("session")
	if err != nil {
		return nil, err
	}
	tasks, err := r.deps.Tasks.List(sess)
	if err != nil {
		return nil, err
	}
	edges := make([]depEdge, 0)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			edges = append(edges, depEdge{Task: t.ID, DependsOn: dep})
		}
	}
	r.deps.Broadcast.Publish(broadcast.DepsList, sess, map[string]any{
		"edges": len(edges),
	})
	return map[string]any{
		"tasksFile": r.deps.Tasks.TasksFilePath(sess),
		"edges":     edges,
	}, nil
}
