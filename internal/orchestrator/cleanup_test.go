package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/session"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/workflow"
)

func TestCleanupSweepsOldState(t *testing.T) {
	env := newOrchEnv(t, func(o *Options) {
		o.CleanupInterval = time.Hour
		o.SessionAge = 50 * time.Millisecond
		o.ArchiveGrace = 50 * time.Millisecond
	})
	env.launcher.set(signalling(env.rdv, "success"))
	env.approve(t, testSession)
	env.mustTask(t, testTask)

	_, err := env.orch.StartTaskWorkflow(context.Background(), testSession, testTask, "", workflow.Input{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.taskStatus(t, testTask) == task.StatusSucceeded
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, env.eng.LiveCount())

	_, err = env.orch.CompleteSession(testSession)
	require.NoError(t, err)

	env.clk.Advance(100 * time.Millisecond)

	// a finished instance enters the archive a beat after its task
	// outcome lands; sweep until it is gone
	require.Eventually(t, func() bool {
		env.orch.runCleanup()
		return env.eng.LiveCount() == 0
	}, 5*time.Second, time.Millisecond)

	_, err = env.sessions.Get(testSession)
	require.Error(t, err)

	// the error session is never swept
	_, err = env.sessions.Get(session.ErrorSessionID)
	require.NoError(t, err)

	_, ok := env.tap.findWhere(broadcast.WorkflowsCleaned, func(ev broadcast.Event) bool {
		return ev.Payload["sessionsRemoved"] == 1
	})
	require.True(t, ok)
	_, ok = env.tap.findWhere(broadcast.WorkflowsCleaned, func(ev broadcast.Event) bool {
		return ev.Payload["evicted"] == 1
	})
	require.True(t, ok)
}

func TestCleanupLeavesFreshStateAlone(t *testing.T) {
	env := newOrchEnv(t, func(o *Options) {
		o.CleanupInterval = time.Hour
	})
	env.launcher.set(signalling(env.rdv, "success"))
	env.approve(t, testSession)
	env.mustTask(t, testTask)

	_, err := env.orch.StartTaskWorkflow(context.Background(), testSession, testTask, "", workflow.Input{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.taskStatus(t, testTask) == task.StatusSucceeded
	}, 5*time.Second, time.Millisecond)

	_, err = env.orch.CompleteSession(testSession)
	require.NoError(t, err)

	// defaults: hours of grace, nothing qualifies yet
	env.orch.runCleanup()
	require.Equal(t, 1, env.eng.LiveCount())
	_, err = env.sessions.Get(testSession)
	require.NoError(t, err)
}
