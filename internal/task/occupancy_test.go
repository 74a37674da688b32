package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apc-dev/apc/internal/fault"
)

func TestSharedOccupanciesCoexist(t *testing.T) {
	s := newTestStore(t)
	s.DeclareOccupancy("wf-1", []string{"PS_000001_T1"}, OccupancyShared, "context read")

	hits := s.CheckConflicts("wf-2", []string{"PS_000001_T1"}, OccupancyShared)
	require.Empty(t, hits)
}

func TestExclusiveConflictsBothWays(t *testing.T) {
	s := newTestStore(t)
	s.DeclareOccupancy("wf-1", []string{"PS_000001_T1"}, OccupancyShared, "context read")

	// Shared holder vs exclusive request.
	hits := s.CheckConflicts("wf-2", []string{"PS_000001_T1"}, OccupancyExclusive)
	require.Equal(t, []ConflictHit{{TaskID: "PS_000001_T1", OccupyingWorkflow: "wf-1"}}, hits)

	// Exclusive holder vs shared request.
	s.DeclareOccupancy("wf-3", []string{"PS_000001_T2"}, OccupancyExclusive, "implementing")
	hits = s.CheckConflicts("wf-4", []string{"PS_000001_T2"}, OccupancyShared)
	require.Len(t, hits, 1)
}

func TestOwnOccupancyNeverConflicts(t *testing.T) {
	s := newTestStore(t)
	s.DeclareOccupancy("wf-1", []string{"PS_000001_T1"}, OccupancyExclusive, "implementing")
	require.Empty(t, s.CheckConflicts("wf-1", []string{"PS_000001_T1"}, OccupancyExclusive))
}

func TestTryDeclareOccupancyAtomic(t *testing.T) {
	s := newTestStore(t)

	hits := s.TryDeclareOccupancy("wf-1", []string{"PS_000001_T1", "PS_000001_T2"}, OccupancyExclusive, "impl")
	require.Empty(t, hits)

	hits = s.TryDeclareOccupancy("wf-2", []string{"PS_000001_T2"}, OccupancyExclusive, "revision")
	require.Len(t, hits, 1)
	require.Equal(t, "wf-1", hits[0].OccupyingWorkflow)

	// The refused declare left no row behind.
	require.Equal(t, []string{"wf-1"}, s.OccupantOf("PS_000001_T2"))
}

func TestReleaseOccupancyFullAndPartial(t *testing.T) {
	s := newTestStore(t)
	s.DeclareOccupancy("wf-1", []string{"PS_000001_T1", "PS_000001_T2"}, OccupancyExclusive, "impl")

	released := s.ReleaseOccupancy("wf-1", "PS_000001_T1")
	require.Equal(t, []string{"PS_000001_T1"}, released)
	require.Equal(t, []string{"wf-1"}, s.OccupantOf("PS_000001_T2"))
	require.Empty(t, s.OccupantOf("PS_000001_T1"))

	released = s.ReleaseOccupancy("wf-1")
	require.Equal(t, []string{"PS_000001_T2"}, released)
	require.Empty(t, s.Occupancies())

	require.Empty(t, s.ReleaseOccupancy("wf-unknown"))
}

func TestConflictWaiters(t *testing.T) {
	s := newTestStore(t)
	s.RegisterWaitingForConflicts("wf-waiting", []string{"PS_000001_T3"}, []string{"wf-a", "wf-b"})

	// First blocker finishing is not enough.
	require.Empty(t, s.TakeWaitersFor("wf-a"))

	ready := s.TakeWaitersFor("wf-b")
	require.Len(t, ready, 1)
	require.Equal(t, "wf-waiting", ready[0].Workflow)
	require.Equal(t, []string{"PS_000001_T3"}, ready[0].WantedTasks)

	// Popped waiters do not come back.
	require.Empty(t, s.TakeWaitersFor("wf-b"))
}

func TestRegisterWaiterWithoutBlockersIsNoop(t *testing.T) {
	s := newTestStore(t)
	s.RegisterWaitingForConflicts("wf-waiting", []string{"PS_000001_T1"}, nil)
	require.Empty(t, s.TakeWaitersFor("anything"))
}

func TestAgentAssignments(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "PS_000001_T1")
	mustCreate(t, s, "PS_000002_T1")

	require.NoError(t, s.AssignAgent("PS_000001_T1", "athena", "wf-1"))
	require.NoError(t, s.AssignAgent("PS_000002_T1", "boreas", "wf-2"))

	err := s.AssignAgent("PS_000002_T1", "athena", "wf-2")
	require.Equal(t, fault.Precondition, fault.KindOf(err))

	got := s.AgentAssignments("PS_000001")
	require.Len(t, got, 1)
	require.Equal(t, "athena", got[0].Agent)
	require.Equal(t, "wf-1", got[0].Workflow)

	s.UnassignAgent("athena")
	require.Empty(t, s.AgentAssignments("PS_000001"))

	// Re-assignment after unassign is allowed.
	require.NoError(t, s.AssignAgent("PS_000001_T1", "athena", "wf-3"))
}

func TestAssignAgentUnknownTask(t *testing.T) {
	s := newTestStore(t)
	err := s.AssignAgent("PS_000001_T9", "athena", "wf-1")
	require.Equal(t, fault.Resource, fault.KindOf(err))
}
