package workflow

import (
	"time"

	"github.com/apc-dev/apc/internal/task"
)

// EventKind tags the variants of the workflow event union.
type EventKind string

const (
	EventProgress          EventKind = "onProgress"
	EventComplete          EventKind = "onComplete"
	EventAgentNeeded       EventKind = "onAgentNeeded"
	EventAgentReleased     EventKind = "onAgentReleased"
	EventAgentDemoted      EventKind = "onAgentDemotedToBench"
	EventWorkflowEvent     EventKind = "onWorkflowEvent"
	EventAgentWorkStarted  EventKind = "onAgentWorkStarted"
	EventOccupancyDeclared EventKind = "onTaskOccupancyDeclared"
	EventOccupancyReleased EventKind = "onTaskOccupancyReleased"
	EventConflictDeclared  EventKind = "onTaskConflictDeclared"
)

// Event is the kind-tagged union every workflow instance publishes.
// Exactly the variant field matching Kind is set.
type Event struct {
	Kind       EventKind `json:"kind"`
	WorkflowID string    `json:"workflowId"`
	Type       string    `json:"type"`
	Session    string    `json:"session"`
	At         time.Time `json:"at"`

	Progress      *Progress       `json:"progress,omitempty"`
	Result        *Result         `json:"result,omitempty"`
	AgentRequest  *AgentRequest   `json:"agentRequest,omitempty"`
	Agent         string          `json:"agent,omitempty"`
	WorkStarted   *WorkStarted    `json:"workStarted,omitempty"`
	Custom        *CustomEvent    `json:"custom,omitempty"`
	Occupancy     *task.Occupancy `json:"occupancy,omitempty"`
	ReleasedTasks []string        `json:"releasedTasks,omitempty"`
	Conflict      *task.Conflict  `json:"conflict,omitempty"`
}

// Result is the terminal outcome published with onComplete.
type Result struct {
	Status  Status `json:"status"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AgentRequest asks the agent queue pump for one agent of a role.
// Fulfill is invoked by the pump with the allocated agent's name; it
// must not block. Requests that cannot be fulfilled stay queued.
type AgentRequest struct {
	WorkflowID string `json:"workflowId"`
	Session    string `json:"session"`
	Role       string `json:"role"`
	TaskID     string `json:"taskId,omitempty"`
	Priority   int    `json:"priority"`

	Fulfill func(agent string) `json:"-"`
}

// WorkStarted reports an agent beginning a stage; the pump promotes the
// agent to busy on receipt.
type WorkStarted struct {
	Agent  string `json:"agent"`
	TaskID string `json:"taskId,omitempty"`
	Stage  string `json:"stage"`
}

// CustomEvent is a free-form workflow event (onWorkflowEvent).
type CustomEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Progress is the externally visible execution snapshot of a workflow.
// Status is a plain string so archived lookups can report shapes
// outside the live FSM.
type Progress struct {
	WorkflowID  string    `json:"workflowId"`
	Type        string    `json:"type"`
	Session     string    `json:"session,omitempty"`
	Status      string    `json:"status"`
	Phase       string    `json:"phase,omitempty"`
	PhaseIndex  int       `json:"phaseIndex"`
	TotalPhases int       `json:"totalPhases"`
	Percent     float64   `json:"percent"`
	Message     string    `json:"message,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
	LogPath     string    `json:"logPath,omitempty"`
}

// Summary is the record kept for a finished workflow; the per-session
// history holds a sliding window of these.
type Summary struct {
	WorkflowID string    `json:"workflowId"`
	Type       string    `json:"type"`
	Session    string    `json:"session"`
	Status     string    `json:"status"`
	TaskID     string    `json:"taskId,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Output     string    `json:"output,omitempty"`
	LogPath    string    `json:"logPath,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
}

// Archived is the lightweight stand-in left behind once a finished
// workflow's runtime object is evicted.
type Archived struct {
	WorkflowID string    `json:"workflowId"`
	Type       string    `json:"type"`
	Session    string    `json:"session"`
	Status     string    `json:"status"`
	TaskID     string    `json:"taskId,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	ArchivedAt time.Time `json:"archivedAt"`
}
