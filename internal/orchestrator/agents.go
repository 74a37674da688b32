package orchestrator

import (
	"sort"

	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/workflow"
)

func (o *Orchestrator) enqueueAgentRequest(req workflow.AgentRequest) {
	if req.Fulfill == nil {
		log.Warn(log.CatPool, "agent request without callback dropped",
			"workflow", req.WorkflowID)
		return
	}
	o.queueMu.Lock()
	o.agentQueue = append(o.agentQueue, req)
	depth := len(o.agentQueue)
	o.queueMu.Unlock()
	log.Debug(log.CatPool, "agent request queued",
		"workflow", req.WorkflowID, "role", req.Role, "depth", depth)
	o.PumpAgents()
}

// PumpAgents drains the agent request queue: highest priority first,
// FIFO within a priority. A CAS flag keeps drains from interleaving;
// requests that cannot be fulfilled stay queued for the next pump.
// Agent shortage is transient, so unfulfilled requests are not errors.
func (o *Orchestrator) PumpAgents() {
	if !o.pumping.CompareAndSwap(false, true) {
		return
	}
	defer o.pumping.Store(false)
	for {
		o.queueMu.Lock()
		if len(o.agentQueue) == 0 {
			o.queueMu.Unlock()
			return
		}
		batch := o.agentQueue
		o.agentQueue = nil
		o.queueMu.Unlock()

		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].Priority > batch[j].Priority
		})

		var parked []workflow.AgentRequest
		for _, req := range batch {
			if !o.fulfill(req) {
				parked = append(parked, req)
			}
		}

		o.queueMu.Lock()
		fresh := len(o.agentQueue) > 0
		o.agentQueue = append(parked, o.agentQueue...)
		o.queueMu.Unlock()
		if !fresh {
			return
		}
	}
}

// fulfill tries one request: the requesting workflow's bench first
// (agents demoted between phases keep their reservation), then a fresh
// pool allocation. Returns false when no agent is available.
func (o *Orchestrator) fulfill(req workflow.AgentRequest) bool {
	var agent string
	if bench := o.pool.BenchedFor(req.WorkflowID); len(bench) > 0 {
		agent = bench[0]
	} else {
		names, err := o.pool.Allocate(o.ctx, req.Session, req.WorkflowID, 1, req.Role)
		if err != nil {
			log.Warn(log.CatPool, "agent allocation refused",
				"workflow", req.WorkflowID, "role", req.Role, "error", err)
			return false
		}
		if len(names) == 0 {
			return false
		}
		agent = names[0]
	}
	if req.TaskID != "" {
		if err := o.tasks.AssignAgent(req.TaskID, agent, req.WorkflowID); err != nil {
			log.Warn(log.CatPool, "agent assignment not recorded",
				"task", req.TaskID, "agent", agent, "error", err)
		}
	}
	log.Info(log.CatPool, "agent request fulfilled",
		"agent", agent, "workflow", req.WorkflowID, "role", req.Role)
	req.Fulfill(agent)
	return true
}
