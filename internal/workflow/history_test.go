package workflow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/state"
)

func historySummary(id string, at time.Time) Summary {
	return Summary{
		WorkflowID: id,
		Type:       TypeTaskImplementation,
		Session:    "PS_000001",
		Status:     string(StatusSucceeded),
		Success:    true,
		StartedAt:  at,
		FinishedAt: at.Add(time.Minute),
		DurationMs: time.Minute.Milliseconds(),
	}
}

func TestHistoryRecentNewestFirst(t *testing.T) {
	h := NewHistory(state.NewStore(), paths.NewLayout(t.TempDir()))

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		sum := historySummary(fmt.Sprintf("wf-%d", i), base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, h.Append("PS_000001", sum))
	}

	recent := h.Recent("PS_000001", 2)
	require.Len(t, recent, 2)
	require.Equal(t, "wf-2", recent[0].WorkflowID)
	require.Equal(t, "wf-1", recent[1].WorkflowID)

	require.Len(t, h.Recent("PS_000001", 0), 3)
	require.Len(t, h.Recent("PS_000001", 50), 3)
	require.Empty(t, h.Recent("PS_000009", 0))
}

func TestHistoryWindowTrims(t *testing.T) {
	h := NewHistory(state.NewStore(), paths.NewLayout(t.TempDir()))

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < historyLimit+25; i++ {
		require.NoError(t, h.Append("PS_000001", historySummary(fmt.Sprintf("wf-%03d", i), at)))
	}

	all := h.Recent("PS_000001", 0)
	require.Len(t, all, historyLimit)
	require.Equal(t, "wf-124", all[0].WorkflowID)
	require.Equal(t, "wf-025", all[len(all)-1].WorkflowID)
}

func TestHistoryPersistsAcrossInstances(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	persist := state.NewStore()

	h := NewHistory(persist, layout)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, h.Append("PS_000001", historySummary("wf-1", at)))

	reloaded := NewHistory(persist, layout)
	got := reloaded.Recent("PS_000001", 0)
	require.Len(t, got, 1)
	require.Equal(t, "wf-1", got[0].WorkflowID)
	require.True(t, got[0].Success)
	require.Equal(t, time.Minute.Milliseconds(), got[0].DurationMs)
}

func TestHistoryForgetReloadsFromDisk(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	h := NewHistory(state.NewStore(), layout)

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, h.Append("PS_000001", historySummary("wf-1", at)))

	h.Forget("PS_000001")

	// The window reloads lazily from the persisted file.
	got := h.Recent("PS_000001", 0)
	require.Len(t, got, 1)
	require.Equal(t, "wf-1", got[0].WorkflowID)
}
