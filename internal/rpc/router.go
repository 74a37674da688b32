package rpc

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/config"
	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/metrics"
	"github.com/apc-dev/apc/internal/orchestrator"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/pool"
	"github.com/apc-dev/apc/internal/rendezvous"
	"github.com/apc-dev/apc/internal/session"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/workflow"
)

// Deps wires the router to the daemon's components. Orch, Sessions,
// Tasks, Pool, Engine, Coordinator, Rendezvous, Broadcast, Templates,
// and Runtime are required.
type Deps struct {
	Orch        *orchestrator.Orchestrator
	Sessions    *session.Store
	Tasks       *task.Store
	Pool        *pool.Pool
	Engine      *workflow.Engine
	Coordinator *coordinator.Agent
	Rendezvous  *rendezvous.Rendezvous
	Broadcast   *broadcast.Broadcaster
	Templates   *coordinator.TemplateStore
	Runtime     *config.Runtime

	Layout  paths.Layout
	Clock   clock.Clock
	Metrics *metrics.Metrics

	// Version is reported by system.status.
	Version string
}

// handler executes one command against the wired components.
type handler func(ctx context.Context, p params) (any, error)

// Router dispatches command envelopes. Command names are a
// compatibility surface: renaming one breaks every client.
type Router struct {
	deps     Deps
	handlers map[string]handler
}

// NewRouter validates the wiring and registers the command table.
func NewRouter(deps Deps) (*Router, error) {
	switch {
	case deps.Orch == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the orchestrator")
	case deps.Sessions == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the session store")
	case deps.Tasks == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the task store")
	case deps.Pool == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the agent pool")
	case deps.Engine == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the workflow engine")
	case deps.Coordinator == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the coordinator agent")
	case deps.Rendezvous == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the rendezvous")
	case deps.Broadcast == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the broadcaster")
	case deps.Templates == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the template store")
	case deps.Runtime == nil:
		return nil, fault.New(fault.Validation, "rpc router requires the runtime config")
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewReal()
	}
	r := &Router{deps: deps}
	r.handlers = map[string]handler{
		"session.list":     r.sessionList,
		"session.get":      r.sessionGet,
		"session.create":   r.sessionCreate,
		"session.approve":  r.sessionApprove,
		"session.complete": r.sessionComplete,
		"session.cancel":   r.sessionCancel,

		"plan.get":    r.planGet,
		"plan.status": r.planStatus,
		"exec.start":  r.execStart,

		"workflow.list":   r.workflowList,
		"workflow.get":    r.workflowGet,
		"workflow.cancel": r.workflowCancel,
		"workflow.event":  r.workflowEvent,

		"pool.status":    r.poolStatus,
		"pool.resize":    r.poolResize,
		"pool.release":   r.poolRelease,
		"agent.start":    r.agentStart,
		"agent.complete": r.agentComplete,
		"roles.list":     r.rolesList,

		"task.create":    r.taskCreate,
		"task.list":      r.taskList,
		"task.get":       r.taskGet,
		"task.start":     r.taskStart,
		"task.pause":     r.taskPause,
		"task.resume":    r.taskResume,
		"task.remove":    r.taskRemove,
		"task.addDep":    r.taskAddDep,
		"task.removeDep": r.taskRemoveDep,
		"taskAgent.list": r.taskAgentList,
		"deps.list":      r.depsList,

		"unity.reportError": r.unityReportError,
		"unity.status":      r.unityStatus,

		"coordinator.evaluate": r.coordinatorEvaluate,
		"coordinator.history":  r.coordinatorHistory,
		"coordinator.pause":    r.coordinatorPause,
		"coordinator.resume":   r.coordinatorResume,

		"process.pause":  r.processPause,
		"process.resume": r.processResume,
		"process.list":   r.processList,

		"config.get":   r.configGet,
		"config.set":   r.configSet,
		"folders.list": r.foldersList,

		"prompts.list": r.promptsList,
		"prompts.get":  r.promptsGet,
		"prompts.set":  r.promptsSet,

		"system.status": r.systemStatus,
		"system.ping":   r.systemPing,

		"user.ask":       r.userAsk,
		"user.respond":   r.userRespond,
		"user.questions": r.userQuestions,
	}
	return r, nil
}

// Commands returns the registered command names, for diagnostics.
func (r *Router) Commands() []string {
	out := make([]string, 0, len(r.handlers))
	for cmd := range r.handlers {
		out = append(out, cmd)
	}
	return out
}

// Dispatch executes one envelope and always returns a reply envelope.
func (r *Router) Dispatch(ctx context.Context, req Request) Response {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	cmd := strings.TrimSpace(req.Cmd)
	h, ok := r.handlers[cmd]
	if !ok {
		r.deps.Metrics.RPCRequest("unknown", false)
		return failure(id, fault.New(fault.Validation,
			"unknown command %q: want <category>.<action>, e.g. task.start", cmd))
	}

	data, err := h(ctx, params(req.Params))
	if err != nil {
		log.Warn(log.CatRPC, "command failed", "cmd", cmd, "error", err)
		r.deps.Metrics.RPCRequest(cmd, false)
		return failure(id, err)
	}
	log.Debug(log.CatRPC, "command handled", "cmd", cmd)
	r.deps.Metrics.RPCRequest(cmd, true)
	return Response{ID: id, Success: true, Data: data}
}
