package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/pubsub"
	"github.com/apc-dev/apc/internal/rendezvous"
	"github.com/apc-dev/apc/internal/runner"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/taskid"
)

// maxConflictRounds bounds how often a blocked instance retries its
// occupancy claim after the arbiter reports resolution.
const maxConflictRounds = 3

// ResponseConflictResolved is the HandleEventResponse type the conflict
// arbiter sends after clearing the occupants a blocked instance hit.
const ResponseConflictResolved = "conflictResolved"

// Deps are the collaborators a workflow instance runs against.
type Deps struct {
	Tasks       *task.Store
	Launcher    runner.Launcher
	Rendezvous  *rendezvous.Rendezvous
	Clock       clock.Clock
	WaitTimeout time.Duration
}

type response struct {
	Type    string
	Payload map[string]any
}

// Instance is one running workflow. All exported methods are safe for
// concurrent use; Start may be called once.
type Instance struct {
	id      string
	session string
	meta    Metadata
	input   Input
	deps    Deps

	broker *pubsub.Broker[Event]

	mu           sync.Mutex
	status       Status
	phaseIdx     int
	message      string
	agent        string
	outputs      []string
	startedAt    time.Time
	finishedAt   time.Time
	result       Result
	cancelReason string
	cancel       context.CancelFunc

	responses chan response
}

func newInstance(id, session string, meta Metadata, in Input, deps Deps) *Instance {
	in.TaskID = taskid.Normalize(in.TaskID)
	return &Instance{
		id:        id,
		session:   session,
		meta:      meta,
		input:     in,
		deps:      deps,
		broker:    pubsub.New[Event](),
		status:    StatusPending,
		phaseIdx:  -1,
		responses: make(chan response, 4),
	}
}

func (w *Instance) ID() string      { return w.id }
func (w *Instance) Type() string    { return w.meta.Type }
func (w *Instance) Session() string { return w.session }
func (w *Instance) TaskID() string  { return w.input.TaskID }

// Meta returns the registry metadata the instance was built from.
func (w *Instance) Meta() Metadata { return w.meta }

// Status returns the current lifecycle status.
func (w *Instance) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Result returns the terminal result; zero until the instance finishes.
func (w *Instance) Result() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// Subscribe returns a channel of this instance's events.
func (w *Instance) Subscribe(ctx context.Context) <-chan Event {
	return w.broker.Subscribe(ctx)
}

// Progress returns the externally visible execution snapshot.
func (w *Instance) Progress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progressLocked()
}

func (w *Instance) progressLocked() Progress {
	total := len(w.meta.Phases)
	phase := ""
	done := 0
	if w.phaseIdx >= 0 && w.phaseIdx < total {
		phase = w.meta.Phases[w.phaseIdx].Name
		done = w.phaseIdx
	}
	percent := 0.0
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}
	if w.status == StatusSucceeded {
		percent = 100
	}
	return Progress{
		WorkflowID:  w.id,
		Type:        w.meta.Type,
		Session:     w.session,
		Status:      string(w.status),
		Phase:       phase,
		PhaseIndex:  w.phaseIdx,
		TotalPhases: total,
		Percent:     percent,
		Message:     w.message,
		TaskID:      w.input.TaskID,
		StartedAt:   w.startedAt,
		UpdatedAt:   w.deps.Clock.Now(),
	}
}

// Summarize builds the history record for a finished instance.
func (w *Instance) Summarize() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	dur := int64(0)
	if !w.finishedAt.IsZero() && !w.startedAt.IsZero() {
		dur = w.finishedAt.Sub(w.startedAt).Milliseconds()
	}
	return Summary{
		WorkflowID: w.id,
		Type:       w.meta.Type,
		Session:    w.session,
		Status:     string(w.status),
		TaskID:     w.input.TaskID,
		Success:    w.result.Success,
		Error:      w.result.Error,
		Output:     w.result.Output,
		StartedAt:  w.startedAt,
		FinishedAt: w.finishedAt,
		DurationMs: dur,
	}
}

// Start runs the instance to a terminal status. It blocks until the
// instance finishes and returns the run error (nil on success).
func (w *Instance) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.status != StatusPending {
		status := w.status
		w.mu.Unlock()
		return fault.New(fault.Precondition, "workflow %s already started (status %s)", w.id, status)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancel = cancel
	w.status = StatusRunning
	w.startedAt = w.deps.Clock.Now()
	w.mu.Unlock()

	log.Info(log.CatWorkflow, "workflow started",
		"workflow", w.id, "type", w.meta.Type, "session", w.session, "task", w.input.TaskID)

	return w.finish(w.run(runCtx))
}

// Cancel requests termination. Safe to call at any point; a pending
// instance finishes immediately, a running one is interrupted at its
// next suspension point.
func (w *Instance) Cancel(reason string) {
	w.mu.Lock()
	if w.status.IsTerminal() {
		w.mu.Unlock()
		return
	}
	if w.cancelReason == "" {
		w.cancelReason = reason
	}
	pending := w.status == StatusPending
	cancel := w.cancel
	w.mu.Unlock()

	if pending {
		_ = w.finish(context.Canceled)
		return
	}
	if cancel != nil {
		cancel()
	}
}

// HandleEventResponse delivers an out-of-band response to the instance,
// e.g. the arbiter reporting a resolved conflict. Unconsumed responses
// are dropped once the small buffer fills.
func (w *Instance) HandleEventResponse(kind string, payload map[string]any) {
	select {
	case w.responses <- response{Type: kind, Payload: payload}:
	default:
		log.Warn(log.CatWorkflow, "event response dropped, buffer full",
			"workflow", w.id, "responseType", kind)
	}
}

// Dispose closes the instance's event broker. Must be called exactly
// once after the terminal transition; subscribers drain buffered events
// and then observe the closed channel.
func (w *Instance) Dispose() {
	w.broker.Close()
}

// EmitWorkflowEvent publishes a free-form event on the instance stream.
func (w *Instance) EmitWorkflowEvent(kind string, payload map[string]any) {
	w.publish(Event{Kind: EventWorkflowEvent, Custom: &CustomEvent{Type: kind, Payload: payload}})
}

// run executes the occupancy claim and the phase script.
func (w *Instance) run(ctx context.Context) error {
	if err := w.claimOccupancy(ctx); err != nil {
		return err
	}
	for idx, phase := range w.meta.Phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.setPhase(idx, "")
		if phase.Kind != PhaseExternal {
			continue
		}
		if err := w.runStage(ctx, idx, phase); err != nil {
			return err
		}
	}
	return nil
}

// claimOccupancy declares the instance's task claim, riding out
// conflicts through the arbiter protocol: emit the conflict, block,
// retry when the arbiter reports resolution.
func (w *Instance) claimOccupancy(ctx context.Context) error {
	targets := occupancyTargets(w.input)
	if len(targets) == 0 {
		return nil
	}
	reason := w.input.Reason
	if reason == "" {
		reason = w.meta.DisplayName
	}

	for round := 0; ; round++ {
		hits := w.deps.Tasks.TryDeclareOccupancy(w.id, targets, w.meta.Occupancy, reason)
		if len(hits) == 0 {
			w.publish(Event{Kind: EventOccupancyDeclared, Occupancy: &task.Occupancy{
				Workflow: w.id,
				TaskIDs:  targets,
				Kind:     w.meta.Occupancy,
				Reason:   reason,
			}})
			if round > 0 {
				w.transition(StatusRunning, "conflict resolved")
			}
			return nil
		}
		if round >= maxConflictRounds {
			return fault.New(fault.Precondition,
				"occupancy conflict on %s unresolved after %d rounds", strings.Join(targets, ","), round)
		}

		conflicted := make([]string, 0, len(hits))
		for _, h := range hits {
			conflicted = append(conflicted, h.TaskID)
		}
		log.Info(log.CatWorkflow, "occupancy conflict declared",
			"workflow", w.id, "tasks", strings.Join(conflicted, ","), "resolution", string(w.meta.Resolution))
		w.publish(Event{Kind: EventConflictDeclared, Conflict: &task.Conflict{
			TaskIDs:    conflicted,
			Resolution: w.meta.Resolution,
			Reason:     reason,
		}})
		if w.Status() != StatusBlocked {
			w.transition(StatusBlocked, "waiting on occupancy conflict")
		}

		if _, err := w.waitResponse(ctx, ResponseConflictResolved); err != nil {
			return err
		}
	}
}

// runStage drives one external phase: secure an agent, launch the CLI,
// block on the completion rendezvous.
func (w *Instance) runStage(ctx context.Context, idx int, phase PhaseSpec) error {
	agent, err := w.ensureAgent(ctx)
	if err != nil {
		return err
	}

	w.publish(Event{Kind: EventAgentWorkStarted, WorkStarted: &WorkStarted{
		Agent:  agent,
		TaskID: w.input.TaskID,
		Stage:  phase.Stage,
	}})

	if err := w.deps.Launcher.Launch(ctx, runner.Request{
		WorkflowID:   w.id,
		WorkflowType: w.meta.Type,
		Stage:        phase.Stage,
		Session:      w.session,
		Agent:        agent,
		Role:         w.meta.Role,
		TaskID:       w.input.TaskID,
		Prompt:       w.input.Prompt,
	}); err != nil {
		return fault.Wrap(fault.ExternalFailure, err, "launching %s agent for stage %s", w.meta.Role, phase.Stage)
	}

	sig, err := w.deps.Rendezvous.WaitForCompletion(ctx, w.id, phase.Stage, w.deps.WaitTimeout, w.input.TaskID)
	if err != nil {
		return err
	}
	if out, ok := sig.Payload["output"].(string); ok && out != "" {
		w.mu.Lock()
		w.outputs = append(w.outputs, out)
		w.mu.Unlock()
	}
	if !sig.Success() {
		detail := ""
		if msg, ok := sig.Payload["error"].(string); ok {
			detail = ": " + msg
		}
		return fault.New(fault.ExternalFailure, "stage %s reported %s%s", phase.Stage, sig.Result, detail)
	}

	if w.hasLaterExternal(idx) {
		w.publish(Event{Kind: EventAgentDemoted, Agent: agent})
	}
	return nil
}

// ensureAgent returns the instance's agent, requesting one from the
// queue pump on first use. Unfulfillable requests stay queued, so the
// wait is bounded only by cancellation.
func (w *Instance) ensureAgent(ctx context.Context) (string, error) {
	w.mu.Lock()
	if w.agent != "" {
		agent := w.agent
		w.mu.Unlock()
		return agent, nil
	}
	w.mu.Unlock()

	got := make(chan string, 1)
	w.publish(Event{Kind: EventAgentNeeded, AgentRequest: &AgentRequest{
		WorkflowID: w.id,
		Session:    w.session,
		Role:       w.meta.Role,
		TaskID:     w.input.TaskID,
		Priority:   w.input.Priority,
		Fulfill: func(agent string) {
			select {
			case got <- agent:
			default:
			}
		},
	}})

	select {
	case agent := <-got:
		w.mu.Lock()
		w.agent = agent
		w.mu.Unlock()
		return agent, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// waitResponse blocks until a response of the wanted type arrives.
// Responses of other types are logged and skipped.
func (w *Instance) waitResponse(ctx context.Context, want string) (response, error) {
	for {
		select {
		case r := <-w.responses:
			if r.Type == want {
				return r, nil
			}
			log.Debug(log.CatWorkflow, "unexpected event response skipped",
				"workflow", w.id, "got", r.Type, "want", want)
		case <-ctx.Done():
			return response{}, ctx.Err()
		}
	}
}

func (w *Instance) hasLaterExternal(idx int) bool {
	for _, p := range w.meta.Phases[idx+1:] {
		if p.Kind == PhaseExternal {
			return true
		}
	}
	return false
}

func (w *Instance) setPhase(idx int, msg string) {
	w.mu.Lock()
	w.phaseIdx = idx
	w.message = msg
	p := w.progressLocked()
	w.mu.Unlock()
	w.publish(Event{Kind: EventProgress, Progress: &p})
}

// transition moves the live status between running and blocked.
func (w *Instance) transition(target Status, msg string) {
	w.mu.Lock()
	if !w.status.CanTransitionTo(target) {
		log.Warn(log.CatWorkflow, "illegal workflow transition skipped",
			"workflow", w.id, "from", string(w.status), "to", string(target))
		w.mu.Unlock()
		return
	}
	w.status = target
	w.message = msg
	p := w.progressLocked()
	w.mu.Unlock()
	w.publish(Event{Kind: EventProgress, Progress: &p})
}

// finish performs the single terminal transition: release the occupancy
// claim and the held agent, then publish onComplete.
func (w *Instance) finish(runErr error) error {
	w.mu.Lock()
	if w.status.IsTerminal() {
		w.mu.Unlock()
		return runErr
	}
	target := StatusSucceeded
	switch {
	case w.cancelReason != "" || errors.Is(runErr, context.Canceled):
		target = StatusCancelled
	case runErr != nil:
		target = StatusFailed
	}
	w.status = target
	w.finishedAt = w.deps.Clock.Now()
	agent := w.agent
	w.agent = ""

	res := Result{Status: target, Success: target == StatusSucceeded}
	if len(w.outputs) > 0 {
		res.Output = strings.Join(w.outputs, "\n\n")
	}
	switch target {
	case StatusCancelled:
		res.Error = w.cancelReason
		if res.Error == "" {
			res.Error = "cancelled"
		}
	case StatusFailed:
		res.Error = runErr.Error()
	}
	w.result = res
	w.mu.Unlock()

	if released := w.deps.Tasks.ReleaseOccupancy(w.id); len(released) > 0 {
		w.publish(Event{Kind: EventOccupancyReleased, ReleasedTasks: released})
	}
	if agent != "" {
		w.publish(Event{Kind: EventAgentReleased, Agent: agent})
	}
	w.publish(Event{Kind: EventComplete, Result: &res})

	if target == StatusFailed {
		log.Error(log.CatWorkflow, "workflow failed",
			"workflow", w.id, "type", w.meta.Type, "error", res.Error)
	} else {
		log.Info(log.CatWorkflow, "workflow finished",
			"workflow", w.id, "type", w.meta.Type, "status", string(target))
	}
	return runErr
}

// publish stamps the event envelope and fans it out.
func (w *Instance) publish(ev Event) {
	ev.WorkflowID = w.id
	ev.Type = w.meta.Type
	ev.Session = w.session
	ev.At = w.deps.Clock.Now()
	w.broker.Publish(ev)
}
