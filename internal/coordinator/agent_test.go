package coordinator

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/config"
	"github.com/apc-dev/apc/internal/llm"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/pool"
	"github.com/apc-dev/apc/internal/state"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/workflow"
)

const testSession = "PS_000001"

type agentFixture struct {
	agent  *Agent
	clk    *clock.Fake
	stub   *llm.Stub
	ledger *Ledger
	layout paths.Layout
}

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func newAgentFixture(t *testing.T, responses ...llm.Response) *agentFixture {
	t.Helper()

	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureBase())

	clk := clock.NewFake()
	persist := state.NewStore()
	ledger := NewLedger(persist, layout, 0)
	registry := workflow.NewRegistry()
	engine := workflow.NewEngine(workflow.EngineOptions{Registry: registry})
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	agents, err := pool.New(pool.Options{Size: 2, Clock: clk})
	require.NoError(t, err)

	builder := NewPromptBuilder(PromptSources{
		Layout:    layout,
		Templates: NewTemplateStore(layout),
		Runtime:   config.NewRuntime(defaultConfig(t)),
		Registry:  registry,
		Tasks:     task.NewStore(persist, layout, clk),
		Engine:    engine,
		Pool:      agents,
		Ledger:    ledger,
		Clock:     clk,
	})

	stub := llm.NewStub(responses...)
	ag, err := New(Options{
		Invoker: stub,
		Builder: builder,
		Ledger:  ledger,
		Layout:  layout,
		Clock:   clk,
		Model:   "claude-test",
	})
	require.NoError(t, err)
	ag.Start()
	t.Cleanup(ag.Stop)

	return &agentFixture{agent: ag, clk: clk, stub: stub, ledger: ledger, layout: layout}
}

// settle lets the loop goroutine drain the event channel.
func settle() { time.Sleep(20 * time.Millisecond) }

// waitTimer blocks until the loop has an armed timer, so a following
// Advance is guaranteed to reach it.
func waitTimer(t *testing.T, clk *clock.Fake) {
	t.Helper()
	require.Eventually(t, func() bool { return clk.Timers() > 0 },
		2*time.Second, 5*time.Millisecond)
}

func waitRequests(t *testing.T, stub *llm.Stub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(stub.Requests()) >= n },
		2*time.Second, 5*time.Millisecond)
}

func waitEntries(t *testing.T, ledger *Ledger, session string, n int) []Entry {
	t.Helper()
	require.Eventually(t, func() bool { return len(ledger.Recent(session, 0)) >= n },
		2*time.Second, 5*time.Millisecond)
	return ledger.Recent(session, 0)
}

func TestAgentRequiresCoreDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestAgentStopBeforeStartIsSafe(t *testing.T) {
	fx := newAgentFixture(t)
	fx.agent.Stop()
	fx.agent.Stop()
}

func TestAgentEvaluatesAfterDebounce(t *testing.T) {
	fx := newAgentFixture(t)

	fx.agent.QueueEvent(testSession, EventWorkflowCompleted, map[string]any{"workflowId": "wf-1"})
	waitTimer(t, fx.clk)

	// Quiet period not yet over.
	require.Empty(t, fx.stub.Requests())

	fx.clk.Advance(DefaultDebounce)
	waitRequests(t, fx.stub, 1)

	entries := waitEntries(t, fx.ledger, testSession, 1)
	require.Equal(t, EventWorkflowCompleted, entries[0].Event)
	require.Equal(t, "nothing to do", entries[0].Reasoning)
	require.InDelta(t, 0.1, entries[0].Confidence, 1e-9)
	require.NotEmpty(t, entries[0].ID)

	req := fx.stub.Requests()[0]
	require.Equal(t, "claude-test", req.Model)
	require.Contains(t, req.Prompt, "## Triggering Event")
	require.Contains(t, req.Prompt, testSession)
}

func TestAgentWritesAuditFiles(t *testing.T) {
	fx := newAgentFixture(t)

	fx.agent.QueueEvent(testSession, EventAgentAvailable, nil)
	waitTimer(t, fx.clk)
	fx.clk.Advance(DefaultDebounce)
	waitEntries(t, fx.ledger, testSession, 1)

	files, err := os.ReadDir(fx.layout.CoordinatorsDir(testSession))
	require.NoError(t, err)
	require.Len(t, files, 2)

	var havePrompt, haveOutput bool
	for _, f := range files {
		if strings.HasSuffix(f.Name(), "_prompt.txt") {
			havePrompt = true
		}
		if strings.HasSuffix(f.Name(), "_output.txt") {
			haveOutput = true
		}
	}
	require.True(t, havePrompt)
	require.True(t, haveOutput)
}

func TestAgentDebounceSlidesOnNewEvents(t *testing.T) {
	fx := newAgentFixture(t)

	fx.agent.QueueEvent(testSession, EventWorkflowCompleted, nil)
	waitTimer(t, fx.clk)
	fx.clk.Advance(1 * time.Second)
	settle()

	// Second event resets the quiet period.
	fx.agent.QueueEvent(testSession, EventAgentAvailable, nil)
	settle()
	fx.clk.Advance(1 * time.Second)
	settle()
	require.Empty(t, fx.stub.Requests())

	fx.clk.Advance(1 * time.Second)
	waitRequests(t, fx.stub, 1)

	// Both events collapsed into one evaluation.
	require.Len(t, fx.stub.Requests(), 1)
	require.Contains(t, fx.stub.Requests()[0].Prompt, "batch_events")
}

func TestAgentMaxWaitCapsDeferral(t *testing.T) {
	fx := newAgentFixture(t)

	fx.agent.QueueEvent(testSession, EventWorkflowCompleted, nil)
	settle()

	// A steady stream of events keeps resetting the quiet period, but
	// once the first queued event is maxWait old the batch fires anyway.
	for i := 0; i < 10; i++ {
		fx.clk.Advance(1 * time.Second)
		settle()
		fx.agent.QueueEvent(testSession, EventAgentAvailable, nil)
		settle()
	}

	waitRequests(t, fx.stub, 1)
	require.Len(t, fx.stub.Requests(), 1)
	require.Contains(t, fx.stub.Requests()[0].Prompt, "batch_events")
}

func TestAgentCooldownSpacesEvaluations(t *testing.T) {
	fx := newAgentFixture(t)

	fx.agent.QueueEvent(testSession, EventWorkflowCompleted, nil)
	waitTimer(t, fx.clk)
	fx.clk.Advance(DefaultDebounce)
	waitEntries(t, fx.ledger, testSession, 1)
	settle()

	// An event right after an evaluation must wait out the cooldown
	// plus a fresh debounce.
	fx.agent.QueueEvent(testSession, EventAgentAvailable, nil)
	waitTimer(t, fx.clk)

	fx.clk.Advance(DefaultDebounce)
	settle()
	require.Len(t, fx.stub.Requests(), 1)

	fx.clk.Advance(DefaultCooldown)
	waitRequests(t, fx.stub, 2)
	entries := waitEntries(t, fx.ledger, testSession, 2)
	require.Equal(t, EventAgentAvailable, entries[0].Event)
}

func TestAgentPausedSessionIsSkipped(t *testing.T) {
	fx := newAgentFixture(t)

	fx.agent.PauseEvaluations(testSession, "planning in flight")
	reason, paused := fx.agent.PausedReason(testSession)
	require.True(t, paused)
	require.Equal(t, "planning in flight", reason)

	fx.agent.QueueEvent(testSession, EventWorkflowCompleted, nil)
	waitTimer(t, fx.clk)
	fx.clk.Advance(DefaultDebounce)
	settle()
	require.Empty(t, fx.stub.Requests())

	// Skipped batches start no cooldown: after resume the next event
	// only needs the debounce.
	fx.agent.ResumeEvaluations(testSession)
	fx.agent.QueueEvent(testSession, EventAgentAvailable, nil)
	waitTimer(t, fx.clk)
	fx.clk.Advance(DefaultDebounce)
	waitRequests(t, fx.stub, 1)
}

func TestAgentCollapsesBurstByPriority(t *testing.T) {
	fx := newAgentFixture(t)

	fx.agent.QueueEvent(testSession, EventAgentAvailable, nil)
	fx.agent.QueueEvent(testSession, EventWorkflowCompleted, map[string]any{"workflowId": "wf-9"})
	fx.agent.QueueEvent(testSession, EventUnityError, map[string]any{"error": "NullReferenceException"})
	waitTimer(t, fx.clk)
	fx.clk.Advance(DefaultDebounce)

	waitRequests(t, fx.stub, 1)
	require.Len(t, fx.stub.Requests(), 1)

	entries := waitEntries(t, fx.ledger, testSession, 1)
	require.Equal(t, EventUnityError, entries[0].Event)
	require.Contains(t, fx.stub.Requests()[0].Prompt, "batch_events")
}

func TestAgentEvaluatesSessionsIndependently(t *testing.T) {
	fx := newAgentFixture(t)
	other := "PS_000002"

	fx.agent.QueueEvent(testSession, EventWorkflowCompleted, nil)
	fx.agent.QueueEvent(other, EventWorkflowFailed, nil)
	waitTimer(t, fx.clk)
	fx.clk.Advance(DefaultDebounce)

	waitRequests(t, fx.stub, 2)
	require.Len(t, waitEntries(t, fx.ledger, testSession, 1), 1)
	require.Len(t, waitEntries(t, fx.ledger, other, 1), 1)
	require.Equal(t, EventWorkflowFailed, fx.ledger.Recent(other, 0)[0].Event)
}

func TestAgentRetriesWithBackoffThenRecordsFailure(t *testing.T) {
	fx := newAgentFixture(t)
	fx.stub.Fail(errors.New("api unreachable"))

	fx.agent.QueueEvent(testSession, EventWorkflowCompleted, nil)
	waitTimer(t, fx.clk)
	fx.clk.Advance(DefaultDebounce)
	waitRequests(t, fx.stub, 1)

	for i, backoff := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		waitTimer(t, fx.clk)
		fx.clk.Advance(backoff)
		waitRequests(t, fx.stub, i+2)
	}
	require.Len(t, fx.stub.Requests(), 4)

	entries := waitEntries(t, fx.ledger, testSession, 1)
	require.Contains(t, entries[0].Reasoning, "evaluation failed")
	require.Contains(t, entries[0].Reasoning, "api unreachable")
	require.Empty(t, entries[0].DispatchedTasks)
}

func TestAgentExtractsDispatchedTasksFromToolCalls(t *testing.T) {
	fx := newAgentFixture(t, llm.Response{
		Text: "Starting the unblocked work.\n\nREASONING: T1 has no remaining dependencies\nCONFIDENCE: 0.9",
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "apc", Argv: []string{"task", "start", "ps_000001_t1"}},
			{ID: "c2", Name: "apc", Argv: []string{"task", "list"}},
			{ID: "c3", Name: "apc", Argv: []string{"task", "start", "not-a-task"}},
		},
	})

	fx.agent.QueueEvent(testSession, EventAgentAvailable, nil)
	waitTimer(t, fx.clk)
	fx.clk.Advance(DefaultDebounce)

	entries := waitEntries(t, fx.ledger, testSession, 1)
	require.Equal(t, []string{"PS_000001_T1"}, entries[0].DispatchedTasks)
	require.Equal(t, 3, entries[0].ToolCalls)
	require.Equal(t, "T1 has no remaining dependencies", entries[0].Reasoning)
	require.InDelta(t, 0.9, entries[0].Confidence, 1e-9)
}

func TestAgentRecordOutcomeAnnotatesDispatch(t *testing.T) {
	fx := newAgentFixture(t, llm.Response{
		Text: "REASONING: dispatching\nCONFIDENCE: 0.8",
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "apc", Argv: []string{"task", "start", "PS_000001_T1"}},
		},
	})

	fx.agent.QueueEvent(testSession, EventAgentAvailable, nil)
	waitTimer(t, fx.clk)
	fx.clk.Advance(DefaultDebounce)
	waitEntries(t, fx.ledger, testSession, 1)

	fx.agent.RecordOutcome(testSession, "PS_000001_T1", true, "merged cleanly")

	entries := fx.ledger.Recent(testSession, 0)
	require.NotNil(t, entries[0].Outcome)
	require.True(t, entries[0].Outcome.Success)
	require.Equal(t, "merged cleanly", entries[0].Outcome.Notes)
}

func TestExtractReasoning(t *testing.T) {
	require.Equal(t, "", extractReasoning("no markers here"))
	require.Equal(t, "short and sweet",
		extractReasoning("preamble\nREASONING: short and sweet\nCONFIDENCE: 0.5"))

	long := strings.Repeat("x", 600)
	got := extractReasoning("REASONING: " + long)
	require.Len(t, got, reasoningLimit)
}

func TestExtractConfidence(t *testing.T) {
	require.Zero(t, extractConfidence("no markers"))
	require.Zero(t, extractConfidence("CONFIDENCE: not-a-number"))
	require.InDelta(t, 0.85, extractConfidence("REASONING: ok\nCONFIDENCE: 0.85"), 1e-9)
	require.InDelta(t, 1.0, extractConfidence("CONFIDENCE: 7"), 1e-9)
	require.Zero(t, extractConfidence("CONFIDENCE: -3"))
}
