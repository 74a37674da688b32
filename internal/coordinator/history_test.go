package coordinator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/state"
)

func ledgerEntry(id string, at time.Time, tasks ...string) Entry {
	return Entry{
		ID:              id,
		Session:         "PS_000001",
		At:              at,
		Event:           EventAgentAvailable,
		Reasoning:       "dispatching ready work",
		Confidence:      0.8,
		DispatchedTasks: tasks,
	}
}

func TestLedgerRecentNewestFirst(t *testing.T) {
	l := NewLedger(state.NewStore(), paths.NewLayout(t.TempDir()), 0)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append("PS_000001",
			ledgerEntry(fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	recent := l.Recent("PS_000001", 2)
	require.Len(t, recent, 2)
	require.Equal(t, "ev-2", recent[0].ID)
	require.Equal(t, "ev-1", recent[1].ID)

	require.Len(t, l.Recent("PS_000001", 0), 3)
	require.Empty(t, l.Recent("PS_000009", 0))
}

func TestLedgerWindowTrims(t *testing.T) {
	l := NewLedger(state.NewStore(), paths.NewLayout(t.TempDir()), 0)

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < DefaultHistoryLimit+10; i++ {
		require.NoError(t, l.Append("PS_000001", ledgerEntry(fmt.Sprintf("ev-%03d", i), at)))
	}

	all := l.Recent("PS_000001", 0)
	require.Len(t, all, DefaultHistoryLimit)
	require.Equal(t, fmt.Sprintf("ev-%03d", DefaultHistoryLimit+9), all[0].ID)
	require.Equal(t, "ev-010", all[len(all)-1].ID)
}

func TestLedgerWindowNeverExceedsLimit(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 20).Draw(rt, "limit")
		l := NewLedger(state.NewStore(), paths.NewLayout(t.TempDir()), limit)

		n := rapid.IntRange(0, 60).Draw(rt, "appends")
		at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		for i := 0; i < n; i++ {
			if err := l.Append("PS_000001", ledgerEntry(fmt.Sprintf("ev-%d", i), at)); err != nil {
				rt.Fatalf("append: %v", err)
			}
		}

		got := l.Recent("PS_000001", 0)
		if len(got) > limit {
			rt.Fatalf("window has %d entries, limit %d", len(got), limit)
		}
		if n > 0 {
			want := fmt.Sprintf("ev-%d", n-1)
			if got[0].ID != want {
				rt.Fatalf("newest entry %q, want %q", got[0].ID, want)
			}
		}
	})
}

func TestLedgerPersistsAcrossInstances(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	persist := state.NewStore()

	l := NewLedger(persist, layout, 0)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append("PS_000001", ledgerEntry("ev-1", at, "PS_000001_T1")))

	reloaded := NewLedger(persist, layout, 0)
	got := reloaded.Recent("PS_000001", 0)
	require.Len(t, got, 1)
	require.Equal(t, "ev-1", got[0].ID)
	require.Equal(t, []string{"PS_000001_T1"}, got[0].DispatchedTasks)
	require.InDelta(t, 0.8, got[0].Confidence, 1e-9)
}

func TestLedgerAnnotateOutcome(t *testing.T) {
	l := NewLedger(state.NewStore(), paths.NewLayout(t.TempDir()), 0)

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append("PS_000001", ledgerEntry("ev-1", at, "PS_000001_T1")))
	require.NoError(t, l.Append("PS_000001", ledgerEntry("ev-2", at.Add(time.Minute), "PS_000001_T1")))

	oc := Outcome{Success: true, Notes: "merged", CompletedAt: at.Add(2 * time.Minute)}
	require.True(t, l.AnnotateOutcome("PS_000001", "PS_000001_T1", oc))

	// Newest matching entry gets the outcome.
	got := l.Recent("PS_000001", 0)
	require.NotNil(t, got[0].Outcome)
	require.True(t, got[0].Outcome.Success)
	require.Nil(t, got[1].Outcome)

	// A second annotation for the same task lands on the older entry.
	require.True(t, l.AnnotateOutcome("PS_000001", "PS_000001_T1",
		Outcome{Success: false, Notes: "reverted", CompletedAt: at.Add(3 * time.Minute)}))
	got = l.Recent("PS_000001", 0)
	require.NotNil(t, got[1].Outcome)
	require.False(t, got[1].Outcome.Success)
	// The first annotation is untouched.
	require.True(t, got[0].Outcome.Success)

	require.False(t, l.AnnotateOutcome("PS_000001", "PS_000001_T9", oc))
	require.False(t, l.AnnotateOutcome("PS_000002", "PS_000001_T1", oc))
}

func TestLedgerForgetReloadsFromDisk(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	l := NewLedger(state.NewStore(), layout, 0)

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append("PS_000001", ledgerEntry("ev-1", at)))

	l.Forget("PS_000001")

	got := l.Recent("PS_000001", 0)
	require.Len(t, got, 1)
	require.Equal(t, "ev-1", got[0].ID)
}
