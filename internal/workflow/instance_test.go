package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/rendezvous"
	"github.com/apc-dev/apc/internal/runner"
	"github.com/apc-dev/apc/internal/state"
	"github.com/apc-dev/apc/internal/task"
)

const testWaitTimeout = 2 * time.Second

type instanceEnv struct {
	clk   *clock.Fake
	tasks *task.Store
	rdv   *rendezvous.Rendezvous
}

func newInstanceEnv(t *testing.T) *instanceEnv {
	t.Helper()
	clk := clock.NewFake()
	layout := paths.NewLayout(t.TempDir())
	return &instanceEnv{
		clk:   clk,
		tasks: task.NewStore(state.NewStore(), layout, clk),
		rdv:   rendezvous.New(clk, nil),
	}
}

func (e *instanceEnv) deps(l runner.Launcher) Deps {
	return Deps{
		Tasks:       e.tasks,
		Launcher:    l,
		Rendezvous:  e.rdv,
		Clock:       e.clk,
		WaitTimeout: testWaitTimeout,
	}
}

// signalling returns a launcher that answers every accepted launch with
// a completion signal, retrying until the stage waiter is registered.
func signalling(rdv *rendezvous.Rendezvous, result string, payload func(req runner.Request) map[string]any) runner.Launcher {
	return runner.Func(func(ctx context.Context, req runner.Request) error {
		sig := rendezvous.Signal{
			WorkflowID: req.WorkflowID,
			Stage:      req.Stage,
			TaskID:     req.TaskID,
			Result:     result,
		}
		if payload != nil {
			sig.Payload = payload(req)
		}
		go func() {
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if rdv.SignalCompletion(sig) {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
		return nil
	})
}

// silentLauncher accepts launches and never signals completion.
func silentLauncher() runner.Launcher {
	return runner.Func(func(ctx context.Context, req runner.Request) error { return nil })
}

// recorder drains an instance's event stream and fulfills agent
// requests with a fixed agent name. done closes when the stream ends.
type recorder struct {
	done chan struct{}

	mu     sync.Mutex
	events []Event
}

func record(sub <-chan Event, agent string) *recorder {
	r := &recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range sub {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			if ev.Kind == EventAgentNeeded && ev.AgentRequest != nil && agent != "" {
				ev.AgentRequest.Fulfill(agent)
			}
		}
	}()
	return r
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

// phases lists the distinct phase names seen in progress events, in order.
func (r *recorder) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind != EventProgress || ev.Progress == nil || ev.Progress.Phase == "" {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != ev.Progress.Phase {
			out = append(out, ev.Progress.Phase)
		}
	}
	return out
}

func buildInstance(t *testing.T, id, wtype, session string, in Input, deps Deps) *Instance {
	t.Helper()
	_, factory, err := DefaultRegistry().Get(wtype)
	require.NoError(t, err)
	return factory(id, session, in, deps)
}

func TestTaskImplementationHappyPath(t *testing.T) {
	env := newInstanceEnv(t)
	launcher := signalling(env.rdv, "success", func(req runner.Request) map[string]any {
		return map[string]any{"output": req.Stage + " done"}
	})
	inst := buildInstance(t, "wf-1", TypeTaskImplementation, "PS_000001",
		Input{TaskID: "PS_000001_T001", Prompt: "wire the importer"}, env.deps(launcher))
	rec := record(inst.Subscribe(context.Background()), "athena")

	require.NoError(t, inst.Start(context.Background()))
	require.Equal(t, StatusSucceeded, inst.Status())

	res := inst.Result()
	require.True(t, res.Success)
	require.Equal(t, "implementation done\n\nverification done", res.Output)
	require.Empty(t, res.Error)

	p := inst.Progress()
	require.Equal(t, float64(100), p.Percent)
	require.Equal(t, "ps_000001_t001", p.TaskID)

	require.Empty(t, env.tasks.Occupancies())

	inst.Dispose()
	<-rec.done

	require.Equal(t, 1, rec.count(EventAgentNeeded))
	require.Equal(t, 2, rec.count(EventAgentWorkStarted))
	require.Equal(t, 1, rec.count(EventAgentDemoted))
	require.Equal(t, 1, rec.count(EventAgentReleased))
	require.Equal(t, 1, rec.count(EventOccupancyDeclared))
	require.Equal(t, 1, rec.count(EventOccupancyReleased))
	require.Equal(t, 1, rec.count(EventComplete))
	require.Equal(t, []string{"preparing", "implementing", "verifying"}, rec.phases())

	done, ok := rec.find(EventComplete)
	require.True(t, ok)
	require.Equal(t, StatusSucceeded, done.Result.Status)

	err := inst.Start(context.Background())
	require.True(t, fault.IsKind(err, fault.Precondition), err)
}

func TestStageTimeoutFailsWorkflow(t *testing.T) {
	env := newInstanceEnv(t)
	inst := buildInstance(t, "wf-1", TypeTaskImplementation, "PS_000001",
		Input{TaskID: "PS_000001_T001"}, env.deps(silentLauncher()))
	rec := record(inst.Subscribe(context.Background()), "athena")

	errCh := make(chan error, 1)
	go func() { errCh <- inst.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return env.rdv.Live() == 1 && env.clk.Timers() >= 1
	}, 2*time.Second, time.Millisecond)

	env.clk.Advance(testWaitTimeout)

	err := <-errCh
	require.True(t, fault.IsKind(err, fault.ExternalTimeout), err)
	require.Equal(t, StatusFailed, inst.Status())
	require.Contains(t, inst.Result().Error, "no completion signal")
	require.Empty(t, env.tasks.Occupancies())

	sum := inst.Summarize()
	require.Equal(t, string(StatusFailed), sum.Status)
	require.Equal(t, testWaitTimeout.Milliseconds(), sum.DurationMs)

	inst.Dispose()
	<-rec.done
	require.Equal(t, 1, rec.count(EventAgentReleased))
	require.Equal(t, 1, rec.count(EventOccupancyReleased))
}

func TestStageFailureSignal(t *testing.T) {
	env := newInstanceEnv(t)
	launcher := signalling(env.rdv, "failure", func(req runner.Request) map[string]any {
		return map[string]any{"error": "compile error", "output": "partial diff"}
	})
	inst := buildInstance(t, "wf-1", TypeErrorResolution, "PS_000001",
		Input{TaskID: "PS_000001_T001"}, env.deps(launcher))
	rec := record(inst.Subscribe(context.Background()), "hermes")

	err := inst.Start(context.Background())
	require.True(t, fault.IsKind(err, fault.ExternalFailure), err)
	require.Equal(t, StatusFailed, inst.Status())

	res := inst.Result()
	require.Contains(t, res.Error, "stage analysis reported failure")
	require.Contains(t, res.Error, "compile error")
	require.Equal(t, "partial diff", res.Output)

	inst.Dispose()
	<-rec.done
	// The fix stage never ran.
	require.Equal(t, 1, rec.count(EventAgentWorkStarted))
	require.Equal(t, 1, rec.count(EventAgentReleased))
}

func TestCancelDuringStage(t *testing.T) {
	env := newInstanceEnv(t)
	inst := buildInstance(t, "wf-1", TypeTaskImplementation, "PS_000001",
		Input{TaskID: "PS_000001_T001"}, env.deps(silentLauncher()))
	rec := record(inst.Subscribe(context.Background()), "athena")

	errCh := make(chan error, 1)
	go func() { errCh <- inst.Start(context.Background()) }()

	require.Eventually(t, func() bool { return env.rdv.Live() == 1 }, 2*time.Second, time.Millisecond)
	inst.Cancel("user asked")

	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Equal(t, StatusCancelled, inst.Status())
	require.Equal(t, "user asked", inst.Result().Error)
	require.Empty(t, env.tasks.Occupancies())
	require.Zero(t, env.rdv.Live())

	inst.Dispose()
	<-rec.done
	require.Equal(t, 1, rec.count(EventAgentReleased))
}

func TestConflictBlocksUntilResolved(t *testing.T) {
	env := newInstanceEnv(t)
	env.tasks.DeclareOccupancy("wf-other", []string{"PS_000001_T001"}, task.OccupancyExclusive, "implementing")

	launcher := signalling(env.rdv, "success", nil)
	inst := buildInstance(t, "wf-rev", TypePlanningRevision, "PS_000001",
		Input{TaskID: "PS_000001_T001", Reason: "plan drift"}, env.deps(launcher))
	rec := record(inst.Subscribe(context.Background()), "apollo")

	errCh := make(chan error, 1)
	go func() { errCh <- inst.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		_, ok := rec.find(EventConflictDeclared)
		return ok && inst.Status() == StatusBlocked
	}, 2*time.Second, time.Millisecond)

	ev, _ := rec.find(EventConflictDeclared)
	require.Equal(t, []string{"ps_000001_t001"}, ev.Conflict.TaskIDs)
	require.Equal(t, task.ResolutionCancelOthers, ev.Conflict.Resolution)
	require.Equal(t, "plan drift", ev.Conflict.Reason)

	// The arbiter clears the occupant and reports back. An unrelated
	// response arriving first must not unblock the claim.
	env.tasks.ReleaseOccupancy("wf-other")
	inst.HandleEventResponse("userInput", map[string]any{"answer": "yes"})
	inst.HandleEventResponse(ResponseConflictResolved, nil)

	require.NoError(t, <-errCh)
	require.Equal(t, StatusSucceeded, inst.Status())

	inst.Dispose()
	<-rec.done
	require.Equal(t, 1, rec.count(EventOccupancyDeclared))
	require.Equal(t, 1, rec.count(EventOccupancyReleased))
}

func TestConflictArbiterCancelsRequester(t *testing.T) {
	env := newInstanceEnv(t)
	env.tasks.DeclareOccupancy("wf-other", []string{"PS_000001_T001"}, task.OccupancyExclusive, "implementing")

	inst := buildInstance(t, "wf-2", TypeTaskImplementation, "PS_000001",
		Input{TaskID: "PS_000001_T001"}, env.deps(silentLauncher()))
	rec := record(inst.Subscribe(context.Background()), "athena")

	errCh := make(chan error, 1)
	go func() { errCh <- inst.Start(context.Background()) }()

	require.Eventually(t, func() bool { return inst.Status() == StatusBlocked }, 2*time.Second, time.Millisecond)
	inst.Cancel("task occupied, aborting")

	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Equal(t, StatusCancelled, inst.Status())
	require.Equal(t, "task occupied, aborting", inst.Result().Error)

	// The requester never held the claim; the occupant keeps it.
	require.Equal(t, []string{"wf-other"}, env.tasks.OccupantOf("PS_000001_T001"))

	inst.Dispose()
	<-rec.done
	require.Zero(t, rec.count(EventOccupancyDeclared))
	require.Zero(t, rec.count(EventOccupancyReleased))
	require.Zero(t, rec.count(EventAgentNeeded))
}

func TestConflictUnresolvedAfterRetries(t *testing.T) {
	env := newInstanceEnv(t)
	env.tasks.DeclareOccupancy("wf-other", []string{"PS_000001_T001"}, task.OccupancyExclusive, "implementing")

	inst := buildInstance(t, "wf-fix", TypeErrorResolution, "PS_000001",
		Input{TaskID: "PS_000001_T001"}, env.deps(silentLauncher()))
	rec := record(inst.Subscribe(context.Background()), "hermes")

	errCh := make(chan error, 1)
	go func() { errCh <- inst.Start(context.Background()) }()
	require.Eventually(t, func() bool { return inst.Status() == StatusBlocked }, 2*time.Second, time.Millisecond)

	// The arbiter keeps reporting success while the occupant stays put.
	for i := 0; i < maxConflictRounds; i++ {
		inst.HandleEventResponse(ResponseConflictResolved, nil)
	}

	err := <-errCh
	require.True(t, fault.IsKind(err, fault.Precondition), err)
	require.Equal(t, StatusFailed, inst.Status())
	require.Contains(t, inst.Result().Error, "unresolved after 3 rounds")

	inst.Dispose()
	<-rec.done
	require.Equal(t, maxConflictRounds, rec.count(EventConflictDeclared))
}

func TestSharedClaimsCoexist(t *testing.T) {
	env := newInstanceEnv(t)
	env.tasks.DeclareOccupancy("wf-other", []string{"PS_000001_T001"}, task.OccupancyShared, "context scan")

	launcher := signalling(env.rdv, "success", func(req runner.Request) map[string]any {
		return map[string]any{"output": "summary.md"}
	})
	inst := buildInstance(t, "wf-ctx", TypeContextGathering, "PS_000001",
		Input{TaskIDs: []string{"PS_000001_T001", "PS_000001_T002"}}, env.deps(launcher))
	rec := record(inst.Subscribe(context.Background()), "iris")

	require.NoError(t, inst.Start(context.Background()))
	require.Equal(t, StatusSucceeded, inst.Status())
	require.Equal(t, "summary.md", inst.Result().Output)

	// Only the other workflow's claim survives the finish.
	require.Equal(t, []string{"wf-other"}, env.tasks.OccupantOf("PS_000001_T001"))

	inst.Dispose()
	<-rec.done
	ev, ok := rec.find(EventOccupancyDeclared)
	require.True(t, ok)
	require.Equal(t, []string{"ps_000001_t001", "ps_000001_t002"}, ev.Occupancy.TaskIDs)
	require.Equal(t, task.OccupancyShared, ev.Occupancy.Kind)
	require.Equal(t, []string{"scanning", "summarizing"}, rec.phases())
}

func TestCancelBeforeStart(t *testing.T) {
	env := newInstanceEnv(t)
	inst := buildInstance(t, "wf-1", TypeContextGathering, "PS_000001",
		Input{TaskIDs: []string{"PS_000001_T001"}}, env.deps(silentLauncher()))

	inst.Cancel("session closed")
	require.Equal(t, StatusCancelled, inst.Status())
	require.Equal(t, "session closed", inst.Result().Error)

	err := inst.Start(context.Background())
	require.True(t, fault.IsKind(err, fault.Precondition), err)
	inst.Dispose()
}
