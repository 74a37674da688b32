// Package runner defines the contract for launching external agent CLI
// processes. The daemon never spawns processes itself; workflows hand a
// Request to a Launcher and then block on the completion rendezvous.
package runner

import (
	"context"
	"sync"

	"github.com/apc-dev/apc/internal/log"
)

// Request describes one agent launch. The launcher decides how the
// request becomes a process; the daemon only cares that the stage
// eventually signals the rendezvous.
type Request struct {
	WorkflowID   string `json:"workflowId"`
	WorkflowType string `json:"workflowType"`
	Stage        string `json:"stage"`
	Session      string `json:"session"`
	Agent        string `json:"agent"`
	Role         string `json:"role"`
	TaskID       string `json:"taskId,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// Launcher starts an external agent for one workflow stage. Launch
// returns once the agent is accepted, not when it completes; completion
// arrives through rendezvous.SignalCompletion.
type Launcher interface {
	Launch(ctx context.Context, req Request) error
}

// Func adapts a function to the Launcher interface.
type Func func(ctx context.Context, req Request) error

func (f Func) Launch(ctx context.Context, req Request) error { return f(ctx, req) }

// LogLauncher records launch requests without starting anything. It is
// the default launcher when no process runner is wired in, and keeps a
// bounded tail of recent requests for inspection over RPC.
type LogLauncher struct {
	mu     sync.Mutex
	recent []Request
	limit  int
}

// NewLogLauncher keeps the last limit requests; limit <= 0 means 50.
func NewLogLauncher(limit int) *LogLauncher {
	if limit <= 0 {
		limit = 50
	}
	return &LogLauncher{limit: limit}
}

func (l *LogLauncher) Launch(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.Info(log.CatWorkflow, "agent launch requested",
		"workflow", req.WorkflowID,
		"stage", req.Stage,
		"agent", req.Agent,
		"role", req.Role,
		"task", req.TaskID)

	l.mu.Lock()
	l.recent = append(l.recent, req)
	if len(l.recent) > l.limit {
		l.recent = l.recent[len(l.recent)-l.limit:]
	}
	l.mu.Unlock()
	return nil
}

// Recent returns the recorded requests, oldest first.
func (l *LogLauncher) Recent() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Request, len(l.recent))
	copy(out, l.recent)
	return out
}
