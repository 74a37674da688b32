package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apc-dev/apc/internal/fault"
)

func TestParseArgv(t *testing.T) {
	cases := []struct {
		name string
		argv []string
		cmd  string
		want map[string]any
	}{
		{
			name: "leading apc token is optional",
			argv: []string{"apc", "task", "start", "PS_000001_T3"},
			cmd:  "task.start",
			want: map[string]any{"task": "PS_000001_T3"},
		},
		{
			name: "flag with separate value",
			argv: []string{"task", "pause", "PS_000001_T3", "--reason", "stuck on review"},
			cmd:  "task.pause",
			want: map[string]any{"task": "PS_000001_T3", "reason": "stuck on review"},
		},
		{
			name: "flag with equals value",
			argv: []string{"workflow", "cancel", "wf_0001", "--reason=duplicate"},
			cmd:  "workflow.cancel",
			want: map[string]any{"workflow": "wf_0001", "reason": "duplicate"},
		},
		{
			name: "three positionals",
			argv: []string{"apc", "user", "ask", "PS_000001", "PS_000001_T3", "which format wins?"},
			cmd:  "user.ask",
			want: map[string]any{
				"session":  "PS_000001",
				"task":     "PS_000001_T3",
				"question": "which format wins?",
			},
		},
		{
			name: "optional positional omitted",
			argv: []string{"user", "questions"},
			cmd:  "user.questions",
			want: nil,
		},
		{
			name: "value-less flag is a switch",
			argv: []string{"user", "questions", "PS_000001", "--includeAnswered"},
			cmd:  "user.questions",
			want: map[string]any{"session": "PS_000001", "includeAnswered": true},
		},
		{
			name: "config set",
			argv: []string{"config", "set", "unity.enabled", "true"},
			cmd:  "config.set",
			want: map[string]any{"key": "unity.enabled", "value": "true"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ParseArgv(tc.argv)
			require.NoError(t, err)
			require.Equal(t, tc.cmd, req.Cmd)
			if tc.want == nil {
				require.Nil(t, req.Params)
			} else {
				require.Equal(t, tc.want, req.Params)
			}
		})
	}
}

func TestParseArgvRejectsBadShapes(t *testing.T) {
	for _, argv := range [][]string{
		{},
		{"apc"},
		{"apc", "task"},
		{"--task", "start"},
		{"task", "--start"},
		{"task", "start", "A", "B"}, // task.start takes one positional
		{"pool", "status", "extra"},
	} {
		_, err := ParseArgv(argv)
		require.Error(t, err, "argv %v", argv)
		require.True(t, fault.IsKind(err, fault.Validation), "argv %v", argv)
	}
}

func TestExecuteToolBeforeBind(t *testing.T) {
	exec := NewToolExecutor()
	_, err := exec.ExecuteTool(context.Background(), []string{"system", "ping"})
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.Precondition))
}

func TestExecuteToolDispatchesThroughRouter(t *testing.T) {
	env := newRPCEnv(t)
	exec := NewToolExecutor()
	exec.Bind(env.router)

	out, err := exec.ExecuteTool(context.Background(), []string{"apc", "system", "ping"})
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.True(t, resp.Success)

	// command failures come back inside the envelope, not as errors,
	// so the model can read them and adjust
	out, err = exec.ExecuteTool(context.Background(), []string{"task", "get", "PS_000001_T9"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.False(t, resp.Success)
	require.Equal(t, fault.Resource.Code(), resp.Error)

	// parse failures too
	out, err = exec.ExecuteTool(context.Background(), []string{"apc"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.False(t, resp.Success)
	require.Equal(t, fault.Validation.Code(), resp.Error)
}
