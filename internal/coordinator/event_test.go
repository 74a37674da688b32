package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	ordered := []string{
		EventUnityError,
		EventWorkflowFailed,
		EventWorkflowCompleted,
		EventUserResponded,
		EventAgentAvailable,
		EventTaskPaused,
		EventTaskResumed,
		EventManualEvaluation,
		EventExecutionStarted,
		EventWorkflowBlocked,
	}
	for i := 1; i < len(ordered); i++ {
		require.Less(t, priorityOf(ordered[i-1]), priorityOf(ordered[i]),
			"%s should outrank %s", ordered[i-1], ordered[i])
	}
	require.Equal(t, len(eventPriority), priorityOf("something_unknown"))
}

func TestCombineEventsSinglePassesThrough(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := Event{Session: "PS_000001", Type: EventAgentAvailable, At: at}

	got := combineEvents([]Event{ev})
	require.Equal(t, ev, got)
	require.Nil(t, got.Payload)
}

func TestCombineEventsPicksHighestPriority(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{Session: "PS_000001", Type: EventAgentAvailable, At: at},
		{Session: "PS_000001", Type: EventWorkflowFailed, At: at.Add(time.Second),
			Payload: map[string]any{"workflowId": "wf-1"}},
		{Session: "PS_000001", Type: EventManualEvaluation, At: at.Add(2 * time.Second)},
	}

	got := combineEvents(events)
	require.Equal(t, EventWorkflowFailed, got.Type)
	require.Equal(t, "PS_000001", got.Session)
	// The synthetic event is stamped with the last arrival.
	require.Equal(t, at.Add(2*time.Second), got.At)

	require.Equal(t, "batch_events", got.Payload["kind"])
	summaries, ok := got.Payload["events"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, summaries, 3)
	require.Equal(t, EventAgentAvailable, summaries[0]["type"])
	require.Equal(t, EventWorkflowFailed, summaries[1]["type"])
	require.NotContains(t, summaries[0], "payload")
	require.Contains(t, summaries[1], "payload")
}

func TestDescribeEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.Equal(t, EventAgentAvailable,
		describeEvent(Event{Type: EventAgentAvailable}))

	require.Equal(t, "manual_evaluation: operator kick",
		describeEvent(Event{Type: EventManualEvaluation, Payload: map[string]any{"reason": "operator kick"}}))

	batch := combineEvents([]Event{
		{Type: EventAgentAvailable, At: at},
		{Type: EventWorkflowCompleted, At: at.Add(time.Second)},
	})
	desc := describeEvent(batch)
	require.Contains(t, desc, "batch of 2")
	require.Contains(t, desc, EventAgentAvailable)
	require.Contains(t, desc, EventWorkflowCompleted)
}
