// Package paths computes the _AiDevLog directory layout under a workspace
// root. Every persisted artifact of the daemon lives below this layout;
// components receive a Layout instead of building paths themselves.
package paths

import (
	"os"
	"path/filepath"
)

const (
	aiDevLogDir        = "_AiDevLog"
	plansDir           = "Plans"
	contextDir         = "Context"
	stateDir           = "state"
	promptsDir         = "prompts"
	coordinatorsDir    = "coordinators"
	pausedProcessesDir = ".paused_processes"
)

// Layout resolves persisted-state paths relative to a workspace root.
type Layout struct {
	root string
}

// NewLayout creates a Layout rooted at root ("." when empty).
func NewLayout(root string) Layout {
	if root == "" {
		root = "."
	}
	return Layout{root: filepath.Clean(root)}
}

// Root returns the workspace root.
func (l Layout) Root() string { return l.root }

// AiDevLogDir returns <root>/_AiDevLog.
func (l Layout) AiDevLogDir() string { return filepath.Join(l.root, aiDevLogDir) }

// PlansDir returns the directory holding one subdirectory per session.
func (l Layout) PlansDir() string { return filepath.Join(l.AiDevLogDir(), plansDir) }

// PlanDir returns the directory for one session's artifacts.
func (l Layout) PlanDir(session string) string { return filepath.Join(l.PlansDir(), session) }

// PlanFile returns the session's plan.md (owned by the planning subsystem).
func (l Layout) PlanFile(session string) string { return filepath.Join(l.PlanDir(session), "plan.md") }

// RequirementFile returns the session's original requirement text.
func (l Layout) RequirementFile(session string) string {
	return filepath.Join(l.PlanDir(session), "requirement.md")
}

// TasksFile returns the session's tasks.json.
func (l Layout) TasksFile(session string) string {
	return filepath.Join(l.PlanDir(session), "tasks.json")
}

// WorkflowHistoryFile returns the session's workflow_history.json.
func (l Layout) WorkflowHistoryFile(session string) string {
	return filepath.Join(l.PlanDir(session), "workflow_history.json")
}

// CoordinatorHistoryFile returns the session's coordinator_history.json.
func (l Layout) CoordinatorHistoryFile(session string) string {
	return filepath.Join(l.PlanDir(session), "coordinator_history.json")
}

// CoordinatorsDir returns the session's evaluation audit directory.
func (l Layout) CoordinatorsDir(session string) string {
	return filepath.Join(l.PlanDir(session), coordinatorsDir)
}

// ContextDir returns the persistent context index (external context gatherer).
func (l Layout) ContextDir() string { return filepath.Join(l.AiDevLogDir(), contextDir) }

// StateDir returns the daemon's registry-snapshot directory.
func (l Layout) StateDir() string { return filepath.Join(l.AiDevLogDir(), stateDir) }

// SessionsFile returns the session registry snapshot.
func (l Layout) SessionsFile() string { return filepath.Join(l.StateDir(), "sessions.json") }

// PoolFile returns the agent pool snapshot.
func (l Layout) PoolFile() string { return filepath.Join(l.StateDir(), "pool.json") }

// PromptsDir returns the per-user coordinator template override directory.
func (l Layout) PromptsDir() string { return filepath.Join(l.AiDevLogDir(), promptsDir) }

// PromptFile returns the override file for one template name.
func (l Layout) PromptFile(name string) string {
	return filepath.Join(l.PromptsDir(), name+".md")
}

// PausedProcessesDir returns the external process manager's pause ledger.
func (l Layout) PausedProcessesDir() string {
	return filepath.Join(l.StateDir(), pausedProcessesDir)
}

// PausedProcessFile returns the pause record for one process id.
func (l Layout) PausedProcessFile(procID string) string {
	return filepath.Join(l.PausedProcessesDir(), procID+".json")
}

// EnsureSession creates the session's plan directory tree (including the
// coordinators audit dir).
func (l Layout) EnsureSession(session string) error {
	return os.MkdirAll(l.CoordinatorsDir(session), 0o755)
}

// EnsureBase creates the directories the daemon writes outside any session.
func (l Layout) EnsureBase() error {
	for _, dir := range []string{l.PlansDir(), l.ContextDir(), l.StateDir(), l.PromptsDir(), l.PausedProcessesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
