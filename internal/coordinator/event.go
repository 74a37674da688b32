package coordinator

import (
	"fmt"
	"strings"
	"time"
)

// Event types the agent reacts to. The constant order here is
// incidental; firing priority comes from eventPriority.
const (
	EventUnityError        = "unity_error"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCompleted = "workflow_completed"
	EventUserResponded     = "user_responded"
	EventAgentAvailable    = "agent_available"
	EventTaskPaused        = "task_paused"
	EventTaskResumed       = "task_resumed"
	EventManualEvaluation  = "manual_evaluation"
	EventExecutionStarted  = "execution_started"
	EventWorkflowBlocked   = "workflow_blocked"
)

// eventPriority ranks event types for batch collapsing; lower is more
// urgent. Unknown types sort last.
var eventPriority = map[string]int{
	EventUnityError:        0,
	EventWorkflowFailed:    1,
	EventWorkflowCompleted: 2,
	EventUserResponded:     3,
	EventAgentAvailable:    4,
	EventTaskPaused:        5,
	EventTaskResumed:       6,
	EventManualEvaluation:  7,
	EventExecutionStarted:  8,
	EventWorkflowBlocked:   9,
}

// Event is one queued coordinator trigger.
type Event struct {
	Session string         `json:"session"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// priorityOf returns the firing rank of an event type.
func priorityOf(eventType string) int {
	if p, ok := eventPriority[eventType]; ok {
		return p
	}
	return len(eventPriority)
}

// combineEvents collapses a batch into one synthetic event carrying the
// highest-priority type present plus a summary of everything queued.
// A single-event batch passes through unchanged.
func combineEvents(events []Event) Event {
	if len(events) == 1 {
		return events[0]
	}

	best := events[0]
	for _, ev := range events[1:] {
		if priorityOf(ev.Type) < priorityOf(best.Type) {
			best = ev
		}
	}

	summaries := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		s := map[string]any{
			"type": ev.Type,
			"at":   ev.At,
		}
		if len(ev.Payload) > 0 {
			s["payload"] = ev.Payload
		}
		summaries = append(summaries, s)
	}

	return Event{
		Session: best.Session,
		Type:    best.Type,
		Payload: map[string]any{
			"kind":   "batch_events",
			"events": summaries,
		},
		At: events[len(events)-1].At,
	}
}

// describeEvent renders a one-line human summary for the history ledger
// and the prompt's triggering-event section.
func describeEvent(ev Event) string {
	if ev.Payload == nil {
		return ev.Type
	}
	if ev.Payload["kind"] == "batch_events" {
		if raw, ok := ev.Payload["events"].([]map[string]any); ok {
			types := make([]string, 0, len(raw))
			for _, e := range raw {
				if t, ok := e["type"].(string); ok {
					types = append(types, t)
				}
			}
			return fmt.Sprintf("%s (batch of %d: %s)", ev.Type, len(raw), strings.Join(types, ", "))
		}
		return fmt.Sprintf("%s (batch)", ev.Type)
	}
	if reason, ok := ev.Payload["reason"].(string); ok && reason != "" {
		return fmt.Sprintf("%s: %s", ev.Type, reason)
	}
	return ev.Type
}
