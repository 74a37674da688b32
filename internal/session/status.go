package session

// Status represents the lifecycle state of a planning session.
// Valid transitions:
//
//	NoPlan    -> Planning, Cancelled
//	Planning  -> Reviewing, NoPlan, Cancelled
//	Reviewing -> Approved, Revising, Cancelled
//	Revising  -> Reviewing, Cancelled
//	Approved  -> Completed, Revising, Cancelled
//	Completed -> (terminal)
//	Cancelled -> (terminal)
type Status string

const (
	// StatusNoPlan indicates the session exists but has no plan yet.
	StatusNoPlan Status = "no_plan"
	// StatusPlanning indicates a plan is being drafted.
	StatusPlanning Status = "planning"
	// StatusReviewing indicates the plan awaits user review.
	StatusReviewing Status = "reviewing"
	// StatusRevising indicates the plan is being reworked after feedback.
	StatusRevising Status = "revising"
	// StatusApproved indicates the user approved the plan for execution.
	// Only approved sessions drive the coordinator.
	StatusApproved Status = "approved"
	// StatusCompleted indicates every task in the session succeeded.
	StatusCompleted Status = "completed"
	// StatusCancelled indicates the session was abandoned.
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the allowed status transitions for sessions.
// The key is the current status, the value is a set of valid targets.
var validTransitions = map[Status]map[Status]bool{
	StatusNoPlan: {
		StatusPlanning:  true,
		StatusCancelled: true,
	},
	StatusPlanning: {
		StatusReviewing: true,
		StatusNoPlan:    true,
		StatusCancelled: true,
	},
	StatusReviewing: {
		StatusApproved:  true,
		StatusRevising:  true,
		StatusCancelled: true,
	},
	StatusRevising: {
		StatusReviewing: true,
		StatusCancelled: true,
	},
	StatusApproved: {
		StatusCompleted: true,
		StatusRevising:  true,
		StatusCancelled: true,
	},
	// Terminal statuses have no valid transitions
	StatusCompleted: {},
	StatusCancelled: {},
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo returns true if moving from the current status to
// target is valid according to the session state machine.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all statuses reachable from the current status.
func (s Status) ValidTargets() []Status {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]Status, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}
