package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, 19777, cfg.APIPort)
	require.Equal(t, 4, cfg.Pool.Size)
	require.Equal(t, 5*time.Second, cfg.Pool.RestCooldown())
	require.Equal(t, 2*time.Second, cfg.Coordinator.Debounce())
	require.Equal(t, 10*time.Second, cfg.Coordinator.MaxWait())
	require.Equal(t, 10*time.Second, cfg.Coordinator.Cooldown())
	require.Equal(t, 50, cfg.Coordinator.HistoryLimit)
	require.Equal(t, 10*time.Minute, cfg.Workflow.WaitTimeout())
	require.Equal(t, 5*time.Minute, cfg.Workflow.ArchiveGrace())
	require.Equal(t, 5*time.Minute, cfg.Idle.TriggerCooldown())
	require.Equal(t, 4*time.Hour, cfg.Cleanup.SessionAge())
	require.Equal(t, "ANTHROPIC_API_KEY", cfg.LLM.APIKeyEnv)
	require.False(t, cfg.Unity.Enabled)
	require.True(t, cfg.Metrics.Enabled)
	require.False(t, cfg.Tracing.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("pool.size", 2)
	v.Set("pool.roster", []string{"athena", "hermes"})
	v.Set("coordinator.debounce_ms", 500)
	v.Set("coordinator.max_wait_ms", 3000)

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Pool.Size)
	require.Equal(t, []string{"athena", "hermes"}, cfg.Pool.Roster)
	require.Equal(t, 500*time.Millisecond, cfg.Coordinator.Debounce())
}

func TestRuntimeSetValidates(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)

	r := NewRuntime(cfg)
	require.False(t, r.UnityEnabled())
	require.Equal(t, 10, r.HistoryContext())

	require.NoError(t, r.Set("unity.enabled", "true"))
	require.True(t, r.UnityEnabled())

	require.NoError(t, r.Set("coordinator.history_context", 25))
	got, ok := r.Get("coordinator.history_context")
	require.True(t, ok)
	require.Equal(t, 25, got)

	require.Error(t, r.Set("coordinator.history_context", 0))
	require.Error(t, r.Set("coordinator.plan_budget_chars", 10))
	require.Error(t, r.Set("api_port", 8080))
	require.Error(t, r.Set("unity.enabled", 3.14))

	_, ok = r.Get("api_port")
	require.False(t, ok)

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, true, snap["unity.enabled"])
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		set  func(v *viper.Viper)
	}{
		{"negative pool size", func(v *viper.Viper) { v.Set("pool.size", -1) }},
		{"zero debounce", func(v *viper.Viper) { v.Set("coordinator.debounce_ms", 0) }},
		{"max wait below debounce", func(v *viper.Viper) {
			v.Set("coordinator.debounce_ms", 5000)
			v.Set("coordinator.max_wait_ms", 1000)
		}},
		{"unknown exporter", func(v *viper.Viper) { v.Set("tracing.exporter", "jaeger") }},
		{"sample rate out of range", func(v *viper.Viper) { v.Set("tracing.sample_rate", 1.5) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			tc.set(v)
			_, err := Load(v)
			require.Error(t, err)
		})
	}
}
