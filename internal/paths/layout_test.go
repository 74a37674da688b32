package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayout_SessionPaths(t *testing.T) {
	l := NewLayout("/work")

	require.Equal(t, filepath.Join("/work", "_AiDevLog", "Plans", "PS_000001"), l.PlanDir("PS_000001"))
	require.Equal(t, filepath.Join("/work", "_AiDevLog", "Plans", "PS_000001", "plan.md"), l.PlanFile("PS_000001"))
	require.Equal(t, filepath.Join("/work", "_AiDevLog", "Plans", "PS_000001", "tasks.json"), l.TasksFile("PS_000001"))
	require.Equal(t, filepath.Join("/work", "_AiDevLog", "Plans", "PS_000001", "coordinators"), l.CoordinatorsDir("PS_000001"))
	require.Equal(t, filepath.Join("/work", "_AiDevLog", "state", "pool.json"), l.PoolFile())
	require.Equal(t, filepath.Join("/work", "_AiDevLog", "state", ".paused_processes", "p1.json"), l.PausedProcessFile("p1"))
}

func TestLayout_EmptyRootIsCwd(t *testing.T) {
	l := NewLayout("")
	require.Equal(t, ".", l.Root())
	require.Equal(t, filepath.Join("_AiDevLog", "Plans"), l.PlansDir())
}

func TestLayout_EnsureSession(t *testing.T) {
	l := NewLayout(t.TempDir())

	require.NoError(t, l.EnsureSession("PS_000042"))

	info, err := os.Stat(l.CoordinatorsDir("PS_000042"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestLayout_EnsureBase(t *testing.T) {
	l := NewLayout(t.TempDir())

	require.NoError(t, l.EnsureBase())

	for _, dir := range []string{l.PlansDir(), l.ContextDir(), l.StateDir(), l.PromptsDir(), l.PausedProcessesDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		require.True(t, info.IsDir(), dir)
	}
}
