package rpc

import (
	"context"

	"github.com/apc-dev/apc/internal/pool"
	"github.com/apc-dev/apc/internal/rendezvous"
	"github.com/apc-dev/apc/internal/taskid"
)

func (r *Router) workflowList(_ context.Context, p params) (any, error) {
	sess := p.optStr("session")
	return map[string]any{
		"workflows": r.deps.Engine.List(sess),
		"archived":  r.deps.Engine.ArchivedFor(sess),
	}, nil
}

func (r *Router) workflowGet(_ context.Context, p params) (any, error) {
	id, err := p.str("workflow")
	if err != nil {
		return nil, err
	}
	return r.deps.Engine.GetProgress(id)
}

func (r *Router) workflowCancel(_ context.Context, p params) (any, error) {
	id, err := p.str("workflow")
	if err != nil {
		return nil, err
	}
	if err := r.deps.Engine.Cancel(id, p.optStr("reason")); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": true}, nil
}

func (r *Router) workflowEvent(_ context.Context, p params) (any, error) {
	id, err := p.str("workflow")
	if err != nil {
		return nil, err
	}
	kind, err := p.str("type")
	if err != nil {
		return nil, err
	}
	payload, err := p.optMap("payload")
	if err != nil {
		return nil, err
	}
	if err := r.deps.Engine.HandleEventResponse(id, kind, payload); err != nil {
		return nil, err
	}
	return map[string]any{"handled": true}, nil
}

func (r *Router) poolStatus(_ context.Context, _ params) (any, error) {
	return map[string]any{
		"agents": r.deps.Pool.Snapshot(),
		"counts": r.deps.Pool.CountByState(),
	}, nil
}

func (r *Router) poolResize(_ context.Context, p params) (any, error) {
	size, err := p.int("size")
	if err != nil {
		return nil, err
	}
	n, err := r.deps.Pool.Resize(size)
	if err != nil {
		return nil, err
	}
	// Resize may have freed capacity for parked agent requests.
	r.deps.Orch.PumpAgents()
	return map[string]any{"size": n}, nil
}

func (r *Router) poolRelease(_ context.Context, p params) (any, error) {
	name, err := p.str("agent")
	if err != nil {
		return nil, err
	}
	released := r.deps.Pool.ForceRelease(name)
	if released {
		r.deps.Orch.PumpAgents()
	}
	return map[string]any{"released": released}, nil
}

// agentStart is the external runner's acknowledgement that an agent
// process picked up its assignment.
func (r *Router) agentStart(_ context.Context, p params) (any, error) {
	name, err := p.str("agent")
	if err != nil {
		return nil, err
	}
	workflowID, err := p.str("workflow")
	if err != nil {
		return nil, err
	}
	busy := r.deps.Pool.PromoteToBusy(name, workflowID, p.optStr("task"))
	return map[string]any{"busy": busy}, nil
}

// agentComplete delivers a stage completion from an external agent to
// whatever workflow is waiting on it. No waiter means the report is
// dropped, not queued; delivered says which happened.
func (r *Router) agentComplete(_ context.Context, p params) (any, error) {
	sess, err := p.str("session")
	if err != nil {
		return nil, err
	}
	if err := taskid.ValidateSession(sess); err != nil {
		return nil, err
	}
	workflowID, err := p.str("workflow")
	if err != nil {
		return nil, err
	}
	stage, err := p.str("stage")
	if err != nil {
		return nil, err
	}
	result, err := p.str("result")
	if err != nil {
		return nil, err
	}
	payload, err := p.optMap("data")
	if err != nil {
		return nil, err
	}
	delivered := r.deps.Rendezvous.SignalCompletion(rendezvous.Signal{
		WorkflowID: workflowID,
		Stage:      stage,
		TaskID:     p.optStr("task"),
		Result:     result,
		Payload:    payload,
	})
	return map[string]any{"delivered": delivered}, nil
}

func (r *Router) rolesList(_ context.Context, _ params) (any, error) {
	return map[string]any{"roles": pool.Roles()}, nil
}
