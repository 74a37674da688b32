// Package session tracks planning sessions and their lifecycle. A
// session owns the tasks and workflows that share its ID prefix; only
// approved sessions drive the coordinator.
package session

import (
	"time"

	"github.com/apc-dev/apc/internal/fault"
)

// ErrorSessionID is the reserved singleton session that owns
// error-resolution work not attributable to a planned session.
const ErrorSessionID = "PS_999999"

// Session is one planning session.
type Session struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	PlanPath   string     `json:"planPath,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
}

// TransitionTo moves the session to target, enforcing the state machine.
func (s *Session) TransitionTo(target Status, now time.Time) error {
	if !s.Status.CanTransitionTo(target) {
		return fault.New(fault.Precondition,
			"session %s cannot transition from %s to %s", s.ID, s.Status, target)
	}
	s.Status = target
	s.UpdatedAt = now
	if target == StatusApproved && s.ApprovedAt == nil {
		at := now
		s.ApprovedAt = &at
	}
	return nil
}

// IsTerminal reports whether the session reached a terminal status.
func (s *Session) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Clone returns a copy safe to hand outside the store's lock.
func (s *Session) Clone() *Session {
	dup := *s
	if s.ApprovedAt != nil {
		at := *s.ApprovedAt
		dup.ApprovedAt = &at
	}
	return &dup
}
