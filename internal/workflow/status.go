package workflow

// Status is the lifecycle state of a workflow instance.
//
//	pending ──▶ running ──▶ succeeded
//	              │ ▲           failed
//	              ▼ │           cancelled
//	            blocked
//
// pending and blocked may also cancel; blocked may fail when its
// conflict cannot be resolved. succeeded, failed and cancelled are
// terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusBlocked, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusBlocked:   {StatusRunning, StatusFailed, StatusCancelled},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func (s Status) String() string { return string(s) }

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	targets, ok := validTransitions[s]
	return ok && len(targets) == 0
}

// CanTransitionTo reports whether target is reachable from s in one step.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ValidTargets returns the statuses reachable from s in one step.
func (s Status) ValidTargets() []Status {
	targets := validTransitions[s]
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}
