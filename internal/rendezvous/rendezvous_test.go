package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/fault"
)

type waitResult struct {
	sig Signal
	err error
}

func startWait(r *Rendezvous, workflow, stage string, timeout time.Duration, task string) <-chan waitResult {
	out := make(chan waitResult, 1)
	go func() {
		sig, err := r.WaitForCompletion(context.Background(), workflow, stage, timeout, task)
		out <- waitResult{sig: sig, err: err}
	}()
	return out
}

func waitForLive(t *testing.T, r *Rendezvous, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Live() != n {
		if time.Now().After(deadline) {
			t.Fatalf("never reached %d live waits, have %d", n, r.Live())
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForTimers(t *testing.T, clk *clock.Fake, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Timers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("never saw %d armed timers", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSignalDelivered(t *testing.T) {
	clk := clock.NewFake()
	r := New(clk, nil)

	res := startWait(r, "wf-1", "implementing", time.Minute, "PS_000001_T001")
	waitForLive(t, r, 1)

	delivered := r.SignalCompletion(Signal{
		WorkflowID: "wf-1",
		Stage:      "implementing",
		TaskID:     "PS_000001_T001",
		Result:     "success",
		Payload:    map[string]any{"files": 3.0},
	})
	require.True(t, delivered)

	got := <-res
	require.NoError(t, got.err)
	require.True(t, got.sig.Success())
	require.Equal(t, "wf-1", got.sig.WorkflowID)
	require.Equal(t, clk.Now(), got.sig.SignaledAt)
	require.Equal(t, 0, r.Live())
}

func TestWaitTimesOut(t *testing.T) {
	clk := clock.NewFake()
	r := New(clk, nil)

	res := startWait(r, "wf-1", "verifying", 30*time.Second, "")
	waitForLive(t, r, 1)
	waitForTimers(t, clk, 1)

	clk.Advance(30 * time.Second)

	got := <-res
	require.Error(t, got.err)
	require.True(t, fault.IsKind(got.err, fault.ExternalTimeout))
	require.Equal(t, 0, r.Live())

	// The late signal finds nobody.
	require.False(t, r.SignalCompletion(Signal{WorkflowID: "wf-1", Stage: "verifying", Result: "success"}))
}

func TestSignalBeatsTimeout(t *testing.T) {
	// Both the signal and the timer may be ready when the waiter wakes;
	// the signal must win every time because it removed the map row.
	for i := 0; i < 50; i++ {
		clk := clock.NewFake()
		r := New(clk, nil)

		res := startWait(r, "wf-1", "fixing", time.Second, "")
		waitForLive(t, r, 1)
		waitForTimers(t, clk, 1)

		require.True(t, r.SignalCompletion(Signal{WorkflowID: "wf-1", Stage: "fixing", Result: "success"}))
		clk.Advance(time.Second)

		got := <-res
		require.NoError(t, got.err)
		require.Equal(t, "success", got.sig.Result)
	}
}

func TestDoubleWaitRefused(t *testing.T) {
	clk := clock.NewFake()
	r := New(clk, nil)

	res := startWait(r, "wf-1", "implementing", time.Minute, "")
	waitForLive(t, r, 1)

	_, err := r.WaitForCompletion(context.Background(), "wf-1", "implementing", time.Minute, "")
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.Precondition))

	// Distinct task key is a distinct wait.
	res2 := startWait(r, "wf-1", "implementing", time.Minute, "PS_000001_T002")
	waitForLive(t, r, 2)

	r.SignalCompletion(Signal{WorkflowID: "wf-1", Stage: "implementing", Result: "success"})
	r.SignalCompletion(Signal{WorkflowID: "wf-1", Stage: "implementing", TaskID: "ps_000001_t002", Result: "success"})
	require.NoError(t, (<-res).err)
	require.NoError(t, (<-res2).err)
}

func TestCancelPendingSignal(t *testing.T) {
	clk := clock.NewFake()
	r := New(clk, nil)

	resA := startWait(r, "wf-1", "implementing", time.Hour, "")
	resB := startWait(r, "wf-1", "verifying", time.Hour, "")
	resC := startWait(r, "wf-2", "implementing", time.Hour, "")
	waitForLive(t, r, 3)

	require.Equal(t, 2, r.CancelPendingSignal("wf-1", "", ""))

	for _, res := range []<-chan waitResult{resA, resB} {
		got := <-res
		require.Error(t, got.err)
		require.True(t, fault.IsKind(got.err, fault.Internal))
	}
	require.Equal(t, 1, r.Live())

	require.Equal(t, 1, r.CancelPendingSignal("wf-2", "implementing", ""))
	require.Error(t, (<-resC).err)
	require.Equal(t, 0, r.Live())

	require.Equal(t, 0, r.CancelPendingSignal("wf-9", "", ""))
}

func TestContextCancelStopsWait(t *testing.T) {
	clk := clock.NewFake()
	r := New(clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan waitResult, 1)
	go func() {
		sig, err := r.WaitForCompletion(ctx, "wf-1", "scanning", time.Hour, "")
		out <- waitResult{sig: sig, err: err}
	}()
	waitForLive(t, r, 1)

	cancel()
	got := <-out
	require.ErrorIs(t, got.err, context.Canceled)
	require.Equal(t, 0, r.Live())
}

func TestUnmatchedSignalDropped(t *testing.T) {
	r := New(clock.NewFake(), nil)
	require.False(t, r.SignalCompletion(Signal{WorkflowID: "wf-9", Stage: "implementing", Result: "success"}))
	require.Equal(t, 0, r.Live())
}

func TestPurgeStale(t *testing.T) {
	clk := clock.NewFake()
	r := New(clk, nil)

	resOld := startWait(r, "wf-1", "implementing", 24*time.Hour, "")
	waitForLive(t, r, 1)

	clk.Advance(10 * time.Minute)

	resNew := startWait(r, "wf-2", "implementing", 24*time.Hour, "")
	waitForLive(t, r, 2)

	require.Equal(t, 1, r.PurgeStale(5*time.Minute))
	got := <-resOld
	require.True(t, fault.IsKind(got.err, fault.Internal))
	require.Equal(t, 1, r.Live())

	r.SignalCompletion(Signal{WorkflowID: "wf-2", Stage: "implementing", Result: "success"})
	require.NoError(t, (<-resNew).err)
}
