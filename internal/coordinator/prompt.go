package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/config"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/pool"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/workflow"
)

// taskBreakdownHeading anchors plan truncation: whatever else gets cut,
// the region from this heading onward survives.
const taskBreakdownHeading = "## Task Breakdown"

// truncatedMarker replaces elided plan content.
const truncatedMarker = "\n\n[... plan content truncated ...]\n\n"

// PromptBuilder assembles the evaluation input from live daemon state.
type PromptBuilder struct {
	layout    paths.Layout
	templates *TemplateStore
	runtime   *config.Runtime
	registry  *workflow.Registry
	tasks     *task.Store
	engine    *workflow.Engine
	pool      *pool.Pool
	ledger    *Ledger
	clk       clock.Clock
}

// PromptSources carries everything the builder reads.
type PromptSources struct {
	Layout    paths.Layout
	Templates *TemplateStore
	Runtime   *config.Runtime
	Registry  *workflow.Registry
	Tasks     *task.Store
	Engine    *workflow.Engine
	Pool      *pool.Pool
	Ledger    *Ledger
	Clock     clock.Clock
}

// NewPromptBuilder wires a builder over the given sources.
func NewPromptBuilder(src PromptSources) *PromptBuilder {
	clk := src.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &PromptBuilder{
		layout:    src.Layout,
		templates: src.Templates,
		runtime:   src.Runtime,
		registry:  src.Registry,
		tasks:     src.Tasks,
		engine:    src.Engine,
		pool:      src.Pool,
		ledger:    src.Ledger,
		clk:       clk,
	}
}

// Build renders the full evaluation prompt for one session and its
// triggering (possibly batched) event.
func (b *PromptBuilder) Build(ctx context.Context, session string, ev Event) (string, error) {
	var sb strings.Builder

	intro, err := b.templates.Get(ctx, TemplateRoleIntro)
	if err != nil {
		return "", err
	}
	sb.WriteString(renderTemplate(intro.Content, map[string]string{
		"sessionId":          session,
		"timestamp":          b.clk.Now().UTC().Format("2006-01-02T15:04:05Z"),
		"WORKFLOW_SELECTION": b.workflowSelection(),
	}))

	sb.WriteString("\n\n## Triggering Event\n\n")
	b.writeEvent(&sb, ev)

	sb.WriteString("\n## Plan\n\n")
	b.writePlan(&sb, session)

	sb.WriteString("\n## Decision History\n\n")
	b.writeHistory(&sb, session)

	sb.WriteString("\n## Current State\n\n")
	b.writeState(&sb, session)

	instructions, err := b.templates.Get(ctx, TemplateDecisionInstructions)
	if err != nil {
		return "", err
	}
	sb.WriteString("\n")
	sb.WriteString(instructions.Content)

	return sb.String(), nil
}

// workflowSelection renders the registry's dispatchable types, hiding
// Unity-only entries unless Unity features are enabled.
func (b *PromptBuilder) workflowSelection() string {
	var sb strings.Builder
	for _, meta := range b.registry.Selection() {
		if meta.Type == workflow.TypeErrorResolution && !b.runtime.UnityEnabled() {
			continue
		}
		fmt.Fprintf(&sb, "- `%s` — %s", meta.Type, meta.Description)
		if meta.RequiresCompleteDependencies {
			sb.WriteString(" (requires complete dependencies)")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *PromptBuilder) writeEvent(sb *strings.Builder, ev Event) {
	fmt.Fprintf(sb, "Type: `%s` at %s\n", ev.Type, ev.At.UTC().Format("15:04:05"))
	if len(ev.Payload) > 0 {
		raw, err := json.MarshalIndent(ev.Payload, "", "  ")
		if err == nil {
			fmt.Fprintf(sb, "\n```json\n%s\n```\n", raw)
		}
	}
}

// writePlan emits the requirement text plus the plan file, truncated to
// the configured budget while preserving the task-breakdown region.
func (b *PromptBuilder) writePlan(sb *strings.Builder, session string) {
	if req, err := os.ReadFile(b.layout.RequirementFile(session)); err == nil {
		sb.WriteString("### Requirement\n\n")
		sb.Write(req)
		sb.WriteString("\n\n")
	}

	planRaw, err := os.ReadFile(b.layout.PlanFile(session))
	if err != nil {
		sb.WriteString("(no plan file on disk)\n")
		return
	}
	sb.WriteString(truncatePlan(string(planRaw), b.runtime.PlanBudgetChars()))
	sb.WriteString("\n")
}

// truncatePlan cuts content down to budget characters. The region from
// the Task Breakdown heading onward is kept whole whenever it fits; the
// preamble absorbs the cut.
func truncatePlan(content string, budget int) string {
	if budget <= 0 || len(content) <= budget {
		return content
	}

	idx := strings.Index(content, taskBreakdownHeading)
	if idx < 0 {
		return content[:budget] + truncatedMarker
	}

	breakdown := content[idx:]
	if len(breakdown) >= budget {
		// The breakdown alone blows the budget; keep its head.
		return breakdown[:budget] + truncatedMarker
	}

	headBudget := budget - len(breakdown) - len(truncatedMarker)
	if headBudget <= 0 {
		return breakdown
	}
	if headBudget >= idx {
		headBudget = idx
	}
	return content[:headBudget] + truncatedMarker + breakdown
}

func (b *PromptBuilder) writeHistory(sb *strings.Builder, session string) {
	entries := b.ledger.Recent(session, b.runtime.HistoryContext())
	if len(entries) == 0 {
		sb.WriteString("(no prior decisions)\n")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(sb, "- [%s] %s", e.At.UTC().Format("15:04:05"), e.Event)
		if len(e.DispatchedTasks) > 0 {
			fmt.Fprintf(sb, " → dispatched %s", strings.Join(e.DispatchedTasks, ", "))
		}
		if e.Reasoning != "" {
			fmt.Fprintf(sb, " — %s", e.Reasoning)
		}
		if e.Outcome != nil {
			if e.Outcome.Success {
				sb.WriteString(" [outcome: success]")
			} else {
				fmt.Fprintf(sb, " [outcome: failed: %s]", e.Outcome.Notes)
			}
		}
		sb.WriteString("\n")
	}
}

func (b *PromptBuilder) writeState(sb *strings.Builder, session string) {
	b.writeTasks(sb, session)
	b.writeWorkflows(sb, session)
	b.writeAgents(sb)
	b.writeQuestions(sb, session)
}

func (b *PromptBuilder) writeTasks(sb *strings.Builder, session string) {
	all, err := b.tasks.List(session)
	if err != nil {
		sb.WriteString("### Tasks\n\n(task source unavailable)\n\n")
		return
	}

	var ready, inProgress, parked []*task.Task
	for _, t := range all {
		switch {
		case t.Status == task.StatusReady && !t.Paused:
			ready = append(ready, t)
		case t.Status == task.StatusInProgress || t.Status == task.StatusAwaitingDecision:
			inProgress = append(inProgress, t)
		case t.Status == task.StatusBlocked || t.Paused:
			parked = append(parked, t)
		}
	}

	sb.WriteString("### Tasks\n\n")
	writeTaskGroup(sb, "Ready", ready)
	writeTaskGroup(sb, "In progress", inProgress)
	writeTaskGroup(sb, "Blocked / paused", parked)

	counts := b.tasks.CountByStatus(session)
	keys := make([]string, 0, len(counts))
	for status := range counts {
		keys = append(keys, string(status))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[task.Status(k)]))
	}
	fmt.Fprintf(sb, "Counts: %s\n\n", strings.Join(parts, " "))
}

func writeTaskGroup(sb *strings.Builder, label string, tasks []*task.Task) {
	if len(tasks) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", label)
	for _, t := range tasks {
		fmt.Fprintf(sb, "- `%s` [%s] %s", t.ID, t.Status, t.Description)
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(sb, " (deps: %s)", strings.Join(t.Dependencies, ", "))
		}
		if t.PreviousAttempts > 0 {
			fmt.Fprintf(sb, " (attempts: %d)", t.PreviousAttempts)
		}
		if t.Paused {
			fmt.Fprintf(sb, " (paused: %s)", t.PauseReason)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func (b *PromptBuilder) writeWorkflows(sb *strings.Builder, session string) {
	sb.WriteString("### Active Workflows\n\n")
	live := b.engine.List(session)
	active := 0
	for _, p := range live {
		if workflow.Status(p.Status).IsTerminal() {
			continue
		}
		active++
		fmt.Fprintf(sb, "- `%s` %s [%s] phase %s (%.0f%%)", p.WorkflowID, p.Type, p.Status, p.Phase, p.Percent)
		if p.TaskID != "" {
			fmt.Fprintf(sb, " task `%s`", p.TaskID)
		}
		sb.WriteString("\n")
	}
	if active == 0 {
		sb.WriteString("(none)\n")
	}
	sb.WriteString("\n")
}

func (b *PromptBuilder) writeAgents(sb *strings.Builder) {
	sb.WriteString("### Agents\n\n")
	var available, working []string
	for _, a := range b.pool.Snapshot() {
		switch a.State {
		case pool.StateAvailable:
			available = append(available, a.Name)
		case pool.StateAllocated, pool.StateBusy:
			desc := fmt.Sprintf("%s (%s, %s", a.Name, a.State, a.Role)
			if a.Task != "" {
				desc += ", task " + a.Task
			}
			desc += ")"
			working = append(working, desc)
		}
	}
	fmt.Fprintf(sb, "Available (%d): %s\n", len(available), strings.Join(available, ", "))
	if len(working) > 0 {
		fmt.Fprintf(sb, "Working (%d): %s\n", len(working), strings.Join(working, "; "))
	}
	sb.WriteString("\n")
}

func (b *PromptBuilder) writeQuestions(sb *strings.Builder, session string) {
	all, err := b.tasks.List(session)
	if err != nil {
		return
	}
	var pending []*task.Task
	for _, t := range all {
		if t.PendingQuestion != "" {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return
	}
	sb.WriteString("### Pending User Questions\n\n")
	for _, t := range pending {
		fmt.Fprintf(sb, "- `%s`: %s\n", t.ID, t.PendingQuestion)
	}
	sb.WriteString("\n")
}
