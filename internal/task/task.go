// Package task is the authoritative task repository: dependency graph,
// status recompute, workflow occupancy, and the task/agent assignment
// table. Tasks persist per session and load on first touch.
package task

import (
	"time"
)

// Status is a task's lifecycle status. There is no terminal failure:
// failed attempts accumulate and leave the task awaiting a decision.
type Status string

const (
	// StatusCreated means the task exists but readiness was not computed yet.
	StatusCreated Status = "created"
	// StatusReady means every dependency has succeeded.
	StatusReady Status = "ready"
	// StatusBlocked means at least one dependency has not succeeded.
	StatusBlocked Status = "blocked"
	// StatusInProgress means a workflow is executing the task.
	StatusInProgress Status = "in_progress"
	// StatusAwaitingDecision means the last attempt finished without
	// success and the coordinator must decide what happens next.
	StatusAwaitingDecision Status = "awaiting_decision"
	// StatusSucceeded means the task is done.
	StatusSucceeded Status = "succeeded"
)

// Type distinguishes planned work from error fixes.
type Type string

const (
	TypeImplementation Type = "implementation"
	TypeErrorFix       Type = "error_fix"
)

// Task is one unit of work, identified globally as PS_NNNNNN_T<n>.
type Task struct {
	ID           string   `json:"id"`
	Session      string   `json:"session"`
	Description  string   `json:"description"`
	Type         Type     `json:"type"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
	Status       Status   `json:"status"`

	PreviousAttempts   int    `json:"previousAttempts,omitempty"`
	PreviousFixSummary string `json:"previousFixSummary,omitempty"`

	TargetFiles    []string `json:"targetFiles,omitempty"`
	ActiveWorkflow string   `json:"activeWorkflow,omitempty"`
	UnityPipeline  bool     `json:"unityPipeline,omitempty"`

	Paused      bool   `json:"paused,omitempty"`
	PauseReason string `json:"pauseReason,omitempty"`
	Orphaned    bool   `json:"orphaned,omitempty"`

	PendingQuestion string `json:"pendingQuestion,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Startable reports whether a workflow may pick the task up right now.
// Blocked tasks are startable only by workflow types that waive the
// dependency gate.
func (t *Task) Startable() bool {
	if t.Paused || t.Orphaned {
		return false
	}
	switch t.Status {
	case StatusReady, StatusAwaitingDecision, StatusCreated, StatusBlocked:
		return t.ActiveWorkflow == ""
	default:
		return false
	}
}

// Clone returns a deep copy safe to hand outside the store's lock.
func (t *Task) Clone() *Task {
	dup := *t
	dup.Dependencies = append([]string(nil), t.Dependencies...)
	dup.Dependents = append([]string(nil), t.Dependents...)
	dup.TargetFiles = append([]string(nil), t.TargetFiles...)
	return &dup
}

// Spec carries the caller-supplied fields for task creation.
type Spec struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	Type          Type     `json:"type,omitempty"`
	Priority      int      `json:"priority,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	TargetFiles   []string `json:"targetFiles,omitempty"`
	UnityPipeline bool     `json:"unityPipeline,omitempty"`
}
