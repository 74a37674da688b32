package task

import (
	"sort"

	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/taskid"
)

// OccupancyKind says whether an occupancy tolerates co-holders.
type OccupancyKind string

const (
	// OccupancyExclusive admits no other workflow on the same tasks.
	OccupancyExclusive OccupancyKind = "exclusive"
	// OccupancyShared coexists with other shared occupancies.
	OccupancyShared OccupancyKind = "shared"
)

// Occupancy is one workflow's claim over a set of tasks.
type Occupancy struct {
	Workflow string        `json:"workflow"`
	TaskIDs  []string      `json:"taskIds"`
	Kind     OccupancyKind `json:"kind"`
	Reason   string        `json:"reason,omitempty"`
}

// ConflictResolution tells the arbiter what to do when a declared
// conflict hits existing occupancies.
type ConflictResolution string

const (
	// ResolutionCancelOthers cancels the occupying workflows.
	ResolutionCancelOthers ConflictResolution = "cancel_others"
	// ResolutionWaitForOthers parks the declarer until occupants finish.
	ResolutionWaitForOthers ConflictResolution = "wait_for_others"
	// ResolutionAbortIfOccupied gives up immediately.
	ResolutionAbortIfOccupied ConflictResolution = "abort_if_occupied"
)

// Conflict is a workflow's declared claim plus how to resolve overlap.
type Conflict struct {
	TaskIDs    []string           `json:"taskIds"`
	Resolution ConflictResolution `json:"resolution"`
	Reason     string             `json:"reason,omitempty"`
}

// ConflictHit names one task held by another workflow.
type ConflictHit struct {
	TaskID            string `json:"taskId"`
	OccupyingWorkflow string `json:"occupyingWorkflow"`
}

// ConflictWaiter records a workflow waiting for blockers to finish
// before it re-dispatches.
type ConflictWaiter struct {
	Workflow    string          `json:"workflow"`
	WantedTasks []string        `json:"wantedTasks"`
	Blockers    map[string]bool `json:"blockers"`
}

// Assignment is one row of the task/agent registry.
type Assignment struct {
	Agent    string `json:"agent"`
	TaskID   string `json:"taskId"`
	Workflow string `json:"workflow"`
}

// CheckConflicts reports which of the wanted tasks are occupied in a
// way that conflicts with an occupancy of the given kind. Two
// occupancies conflict iff they share a task and at least one is
// exclusive.
func (s *Store) CheckConflicts(workflow string, taskIDs []string, kind OccupancyKind) []ConflictHit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkConflictsLocked(workflow, normalizeAll(taskIDs), kind)
}

// DeclareOccupancy records the claim unconditionally.
func (s *Store) DeclareOccupancy(workflow string, taskIDs []string, kind OccupancyKind, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declareLocked(workflow, normalizeAll(taskIDs), kind, reason)
}

// TryDeclareOccupancy checks and declares under one critical section.
// When conflicts exist, nothing is declared and the hits are returned.
func (s *Store) TryDeclareOccupancy(workflow string, taskIDs []string, kind OccupancyKind, reason string) []ConflictHit {
	ids := normalizeAll(taskIDs)
	s.mu.Lock()
	defer s.mu.Unlock()
	if hits := s.checkConflictsLocked(workflow, ids, kind); len(hits) > 0 {
		return hits
	}
	s.declareLocked(workflow, ids, kind, reason)
	return nil
}

// ReleaseOccupancy drops a workflow's claims. With taskIDs it trims
// only those tasks from the workflow's rows; without, every row goes.
// Returns the task IDs actually released.
func (s *Store) ReleaseOccupancy(workflow string, taskIDs ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.occupancies[workflow]
	if !ok {
		return nil
	}
	var released []string
	if len(taskIDs) == 0 {
		for _, row := range rows {
			released = append(released, row.TaskIDs...)
		}
		delete(s.occupancies, workflow)
	} else {
		drop := map[string]bool{}
		for _, id := range normalizeAll(taskIDs) {
			drop[id] = true
		}
		var kept []Occupancy
		for _, row := range rows {
			var remaining []string
			for _, id := range row.TaskIDs {
				if drop[id] {
					released = append(released, id)
				} else {
					remaining = append(remaining, id)
				}
			}
			if len(remaining) > 0 {
				row.TaskIDs = remaining
				kept = append(kept, row)
			}
		}
		if len(kept) == 0 {
			delete(s.occupancies, workflow)
		} else {
			s.occupancies[workflow] = kept
		}
	}
	sort.Strings(released)
	if len(released) > 0 {
		log.Debug(log.CatTask, "occupancy released", "workflow", workflow, "tasks", released)
	}
	return released
}

// Occupancies returns a copy of every live occupancy row, ordered by
// workflow then first task.
func (s *Store) Occupancies() []Occupancy {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Occupancy
	for _, rows := range s.occupancies {
		for _, row := range rows {
			dup := row
			dup.TaskIDs = append([]string(nil), row.TaskIDs...)
			out = append(out, dup)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Workflow != out[j].Workflow {
			return out[i].Workflow < out[j].Workflow
		}
		return out[i].TaskIDs[0] < out[j].TaskIDs[0]
	})
	return out
}

// OccupantOf returns the workflows holding the task, sorted.
func (s *Store) OccupantOf(taskID string) []string {
	taskID = taskid.Normalize(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for wf, rows := range s.occupancies {
		for _, row := range rows {
			for _, id := range row.TaskIDs {
				if id == taskID {
					out = append(out, wf)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// RegisterWaitingForConflicts parks a workflow until every blocking
// workflow has finished.
func (s *Store) RegisterWaitingForConflicts(workflow string, wantedTasks, blockingWorkflows []string) {
	if len(blockingWorkflows) == 0 {
		return
	}
	blockers := make(map[string]bool, len(blockingWorkflows))
	for _, wf := range blockingWorkflows {
		blockers[wf] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters = append(s.waiters, ConflictWaiter{
		Workflow:    workflow,
		WantedTasks: normalizeAll(wantedTasks),
		Blockers:    blockers,
	})
	log.Info(log.CatTask, "workflow waiting for conflicts",
		"workflow", workflow, "blockers", len(blockers))
}

// TakeWaitersFor removes the finished workflow from every waiter's
// blocker set and pops the waiters that are now unblocked.
func (s *Store) TakeWaitersFor(finishedWorkflow string) []ConflictWaiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []ConflictWaiter
	kept := s.waiters[:0]
	for _, w := range s.waiters {
		delete(w.Blockers, finishedWorkflow)
		if len(w.Blockers) == 0 {
			ready = append(ready, w)
		} else {
			kept = append(kept, w)
		}
	}
	s.waiters = kept
	return ready
}

// AssignAgent records agent -> task for the workflow and validates the
// task exists.
func (s *Store) AssignAgent(taskID, agent, workflowID string) error {
	taskID = taskid.Normalize(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(taskID); err != nil {
		return err
	}
	if prev, ok := s.assignments[agent]; ok && prev.TaskID != taskID {
		return fault.New(fault.Precondition,
			"agent %s is already assigned to %s", agent, prev.TaskID)
	}
	s.assignments[agent] = Assignment{Agent: agent, TaskID: taskID, Workflow: workflowID}
	return nil
}

// UnassignAgent drops the agent's row, if any.
func (s *Store) UnassignAgent(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, agent)
}

// AgentAssignments lists assignments whose task belongs to the session,
// sorted by agent.
func (s *Store) AgentAssignments(sess string) []Assignment {
	sess = taskid.Normalize(sess)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Assignment
	for _, a := range s.assignments {
		if owner, ok := taskid.SessionOf(a.TaskID); ok && owner == sess {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (s *Store) checkConflictsLocked(workflow string, taskIDs []string, kind OccupancyKind) []ConflictHit {
	wanted := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = true
	}
	var hits []ConflictHit
	for wf, rows := range s.occupancies {
		if wf == workflow {
			continue
		}
		for _, row := range rows {
			for _, id := range row.TaskIDs {
				if wanted[id] && (row.Kind == OccupancyExclusive || kind == OccupancyExclusive) {
					hits = append(hits, ConflictHit{TaskID: id, OccupyingWorkflow: wf})
				}
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].TaskID != hits[j].TaskID {
			return hits[i].TaskID < hits[j].TaskID
		}
		return hits[i].OccupyingWorkflow < hits[j].OccupyingWorkflow
	})
	return hits
}

func (s *Store) declareLocked(workflow string, taskIDs []string, kind OccupancyKind, reason string) {
	s.occupancies[workflow] = append(s.occupancies[workflow], Occupancy{
		Workflow: workflow,
		TaskIDs:  taskIDs,
		Kind:     kind,
		Reason:   reason,
	})
	log.Debug(log.CatTask, "occupancy declared",
		"workflow", workflow, "tasks", taskIDs, "kind", kind)
}

func normalizeAll(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, taskid.Normalize(id))
	}
	return out
}
