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

// swappable lets a test pick the launcher after the engine is built.
// The zero value accepts launches and never signals.
type swappable struct {
	mu sync.Mutex
	l  runner.Launcher
}

func (s *swappable) set(l runner.Launcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l = l
}

func (s *swappable) Launch(ctx context.Context, req runner.Request) error {
	s.mu.Lock()
	l := s.l
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Launch(ctx, req)
}

type engineEnv struct {
	clk      *clock.Fake
	tasks    *task.Store
	rdv      *rendezvous.Rendezvous
	launcher *swappable
	eng      *Engine
	rec      *recorder
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	clk := clock.NewFake()
	layout := paths.NewLayout(t.TempDir())
	persist := state.NewStore()
	tasks := task.NewStore(persist, layout, clk)
	rdv := rendezvous.New(clk, nil)
	launcher := &swappable{}

	eng := NewEngine(EngineOptions{
		Registry: DefaultRegistry(),
		Deps: Deps{
			Tasks:       tasks,
			Launcher:    launcher,
			Rendezvous:  rdv,
			Clock:       clk,
			WaitTimeout: testWaitTimeout,
		},
		History: NewHistory(persist, layout),
	})

	env := &engineEnv{
		clk:      clk,
		tasks:    tasks,
		rdv:      rdv,
		launcher: launcher,
		eng:      eng,
		rec:      record(eng.Subscribe(context.Background()), "athena"),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, eng.Shutdown(ctx))
		<-env.rec.done
	})
	return env
}

func mustCreateTask(t *testing.T, tasks *task.Store, id string) {
	t.Helper()
	_, err := tasks.Create(task.Spec{ID: id, Description: "exercise the engine"})
	require.NoError(t, err)
}

func (e *engineEnv) progressStatus(t *testing.T, id string) string {
	t.Helper()
	p, err := e.eng.GetProgress(id)
	require.NoError(t, err)
	return p.Status
}

func TestDispatchRunsWorkflowToCompletion(t *testing.T) {
	env := newEngineEnv(t)
	env.launcher.set(signalling(env.rdv, "success", func(req runner.Request) map[string]any {
		return map[string]any{"output": req.Stage + " ok"}
	}))
	mustCreateTask(t, env.tasks, "PS_000001_T001")

	id, err := env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "PS_000001_T001", Prompt: "add importer"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.progressStatus(t, id) == string(StatusSucceeded)
	}, 5*time.Second, time.Millisecond)

	// Terminal cleanup lands shortly after the status flips.
	require.Eventually(t, func() bool {
		tk, err := env.tasks.Get("PS_000001_T001")
		return err == nil && tk.Status == task.StatusSucceeded
	}, 5*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return len(env.eng.Summaries("PS_000001", 0)) == 1
	}, 5*time.Second, time.Millisecond)
	sum := env.eng.Summaries("PS_000001", 0)[0]
	require.Equal(t, id, sum.WorkflowID)
	require.Equal(t, string(StatusSucceeded), sum.Status)
	require.True(t, sum.Success)
	require.Equal(t, "implementation ok\n\nverification ok", sum.Output)

	// The runtime object stays live through the archival grace.
	require.Equal(t, 1, env.eng.LiveCount())
	require.Zero(t, env.eng.ActiveCount(""))
	require.Empty(t, env.tasks.Occupancies())
}

func TestAtMostOneWorkflowPerTask(t *testing.T) {
	env := newEngineEnv(t)
	mustCreateTask(t, env.tasks, "PS_000001_T001")

	id1, err := env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "PS_000001_T001"})
	require.NoError(t, err)

	// A second dispatch for the same task is refused, case-insensitively.
	_, err = env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "ps_000001_t001"})
	require.True(t, fault.IsKind(err, fault.Precondition), err)
	require.Contains(t, err.Error(), id1)

	got, ok := env.eng.ActiveForTask("PS_000001_T001")
	require.True(t, ok)
	require.Equal(t, id1, got)

	require.NoError(t, env.eng.Cancel(id1, "making room"))
	require.Eventually(t, func() bool {
		return env.progressStatus(t, id1) == string(StatusCancelled)
	}, 5*time.Second, time.Millisecond)

	// Terminal workflows do not hold the task.
	_, err = env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "PS_000001_T001"})
	require.NoError(t, err)
}

func TestFailedWorkflowRecordsTaskFailure(t *testing.T) {
	env := newEngineEnv(t)
	mustCreateTask(t, env.tasks, "PS_000001_T001")

	id, err := env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "PS_000001_T001"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.rdv.Live() == 1 && env.clk.Timers() >= 1
	}, 5*time.Second, time.Millisecond)
	env.clk.Advance(testWaitTimeout)

	require.Eventually(t, func() bool {
		return env.progressStatus(t, id) == string(StatusFailed)
	}, 5*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		tk, err := env.tasks.Get("PS_000001_T001")
		return err == nil && tk.Status == task.StatusAwaitingDecision && tk.PreviousAttempts == 1
	}, 5*time.Second, time.Millisecond)
	tk, err := env.tasks.Get("PS_000001_T001")
	require.NoError(t, err)
	require.Contains(t, tk.PreviousFixSummary, "no completion signal")

	require.Eventually(t, func() bool {
		sums := env.eng.Summaries("PS_000001", 1)
		return len(sums) == 1 && sums[0].Status == string(StatusFailed)
	}, 5*time.Second, time.Millisecond)
}

func TestEvictCompletedArchives(t *testing.T) {
	env := newEngineEnv(t)
	env.launcher.set(signalling(env.rdv, "success", nil))
	mustCreateTask(t, env.tasks, "PS_000001_T001")

	id, err := env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "PS_000001_T001"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.progressStatus(t, id) == string(StatusSucceeded)
	}, 5*time.Second, time.Millisecond)

	// Too young to evict.
	require.Zero(t, env.eng.EvictCompleted(DefaultArchiveGrace))

	env.clk.Advance(DefaultArchiveGrace)
	require.Eventually(t, func() bool {
		return env.eng.EvictCompleted(DefaultArchiveGrace) == 1
	}, 5*time.Second, time.Millisecond)

	_, ok := env.eng.Get(id)
	require.False(t, ok)
	require.Zero(t, env.eng.LiveCount())

	p, err := env.eng.GetProgress(id)
	require.NoError(t, err)
	require.Equal(t, "not_found", p.Status)
	require.Equal(t, "completed and archived", p.Message)
	require.Equal(t, "ps_000001_t001", p.TaskID)

	rec, ok := env.eng.GetArchived(id)
	require.True(t, ok)
	require.Equal(t, string(StatusSucceeded), rec.Status)
	require.False(t, rec.ArchivedAt.IsZero())

	// Evicted means gone, not re-countable.
	require.Zero(t, env.eng.EvictCompleted(DefaultArchiveGrace))
}

func TestCancelSession(t *testing.T) {
	env := newEngineEnv(t)
	mustCreateTask(t, env.tasks, "PS_000001_T001")
	mustCreateTask(t, env.tasks, "PS_000001_T002")
	mustCreateTask(t, env.tasks, "PS_000002_T001")

	dispatch := func(session, tid string) string {
		id, err := env.eng.Dispatch(context.Background(), session, TypeTaskImplementation, Input{TaskID: tid})
		require.NoError(t, err)
		return id
	}
	a := dispatch("PS_000001", "PS_000001_T001")
	b := dispatch("PS_000001", "PS_000001_T002")
	c := dispatch("PS_000002", "PS_000002_T001")

	require.Equal(t, 2, env.eng.ActiveCount("PS_000001"))
	require.Equal(t, 2, env.eng.CancelSession("PS_000001", "session stopping"))

	require.Eventually(t, func() bool {
		return env.progressStatus(t, a) == string(StatusCancelled) &&
			env.progressStatus(t, b) == string(StatusCancelled)
	}, 5*time.Second, time.Millisecond)

	// The other session keeps running.
	require.NotEqual(t, string(StatusCancelled), env.progressStatus(t, c))
	require.Equal(t, 1, env.eng.ActiveCount(""))

	require.Eventually(t, func() bool {
		tk, err := env.tasks.Get("PS_000001_T001")
		return err == nil && tk.Status == task.StatusAwaitingDecision
	}, 5*time.Second, time.Millisecond)

	require.Len(t, env.eng.List("PS_000001"), 2)
	require.Len(t, env.eng.List(""), 3)
}

func TestShutdownDrainsWorkflows(t *testing.T) {
	env := newEngineEnv(t)
	mustCreateTask(t, env.tasks, "PS_000001_T001")

	id, err := env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "PS_000001_T001"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.progressStatus(t, id) != string(StatusPending)
	}, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.eng.Shutdown(ctx))

	require.Equal(t, string(StatusCancelled), env.progressStatus(t, id))

	_, err = env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "PS_000001_T001"})
	require.True(t, fault.IsKind(err, fault.Precondition), err)

	// The engine stream is closed.
	select {
	case <-env.rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine event stream still open after shutdown")
	}
}

func TestDispatchValidation(t *testing.T) {
	env := newEngineEnv(t)

	_, err := env.eng.Dispatch(context.Background(), "PS_000001", "code_review", Input{})
	require.True(t, fault.IsKind(err, fault.Validation), err)

	_, err = env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "TASK-7"})
	require.True(t, fault.IsKind(err, fault.Validation), err)

	_, err = env.eng.Dispatch(context.Background(), "PS_000001", TypeErrorResolution, Input{})
	require.True(t, fault.IsKind(err, fault.Validation), err)
}

func TestUnknownWorkflowLookups(t *testing.T) {
	env := newEngineEnv(t)

	_, err := env.eng.GetProgress("missing")
	require.True(t, fault.IsKind(err, fault.Resource), err)

	err = env.eng.Cancel("missing", "because")
	require.True(t, fault.IsKind(err, fault.Resource), err)

	err = env.eng.HandleEventResponse("missing", ResponseConflictResolved, nil)
	require.True(t, fault.IsKind(err, fault.Resource), err)
}

func TestWorkflowEventFanout(t *testing.T) {
	env := newEngineEnv(t)
	mustCreateTask(t, env.tasks, "PS_000001_T001")

	id, err := env.eng.Dispatch(context.Background(), "PS_000001", TypeTaskImplementation,
		Input{TaskID: "PS_000001_T001"})
	require.NoError(t, err)

	inst, ok := env.eng.Get(id)
	require.True(t, ok)
	inst.EmitWorkflowEvent("buildStarted", map[string]any{"target": "editor"})

	require.Eventually(t, func() bool {
		ev, ok := env.rec.find(EventWorkflowEvent)
		return ok && ev.Custom != nil && ev.Custom.Type == "buildStarted" && ev.WorkflowID == id
	}, 5*time.Second, time.Millisecond)
}
