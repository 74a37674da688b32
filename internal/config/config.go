// Package config provides configuration types and defaults for the apc
// daemon. Values resolve through viper: flags override environment
// (prefix APC), which overrides the config file, which overrides the
// defaults seeded by SetDefaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	// WorkspaceRoot is the directory containing _AiDevLog. Default: ".".
	WorkspaceRoot string `mapstructure:"workspace_root"`

	// APIPort is the daemon HTTP port. Default: 19777.
	APIPort int `mapstructure:"api_port"`

	Pool        PoolConfig        `mapstructure:"pool"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Idle        IdleConfig        `mapstructure:"idle"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
	Unity       UnityConfig       `mapstructure:"unity"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// PoolConfig configures the agent pool.
type PoolConfig struct {
	// Size is the initial number of agents drawn from the roster. Default: 4.
	Size int `mapstructure:"size"`

	// Roster overrides the canonical agent name roster. Empty = built-in.
	Roster []string `mapstructure:"roster"`

	// RestCooldownMs is the resting period after release. Default: 5000.
	RestCooldownMs int `mapstructure:"rest_cooldown_ms"`
}

// RestCooldown returns the resting period as a duration.
func (p PoolConfig) RestCooldown() time.Duration {
	return time.Duration(p.RestCooldownMs) * time.Millisecond
}

// CoordinatorConfig configures the coordinator agent loop.
type CoordinatorConfig struct {
	// Model is the evaluation model id. Default: claude-sonnet-4-5.
	Model string `mapstructure:"model"`

	// DebounceMs is the quiet period before an evaluation fires. Default: 2000.
	DebounceMs int `mapstructure:"debounce_ms"`

	// MaxWaitMs is the ceiling from the first queued event. Default: 10000.
	MaxWaitMs int `mapstructure:"max_wait_ms"`

	// CooldownMs is the post-evaluation quiet period. Default: 10000.
	CooldownMs int `mapstructure:"cooldown_ms"`

	// HistoryLimit bounds the per-session decision ledger. Default: 50.
	HistoryLimit int `mapstructure:"history_limit"`

	// HistoryContext is how many ledger entries enter the prompt. Default: 10.
	HistoryContext int `mapstructure:"history_context"`

	// EvalTimeoutMs bounds one LLM attempt. Default: 120000.
	EvalTimeoutMs int `mapstructure:"eval_timeout_ms"`

	// PlanBudgetChars truncates plan content in the prompt. Default: 24000.
	PlanBudgetChars int `mapstructure:"plan_budget_chars"`
}

func (c CoordinatorConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c CoordinatorConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

func (c CoordinatorConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

func (c CoordinatorConfig) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMs) * time.Millisecond
}

// LLMConfig configures the model client.
type LLMConfig struct {
	// APIKeyEnv names the environment variable holding the API key.
	// Default: ANTHROPIC_API_KEY.
	APIKeyEnv string `mapstructure:"api_key_env"`

	// MaxTokens is the response token cap. Default: 4096.
	MaxTokens int `mapstructure:"max_tokens"`

	// Temperature is the sampling temperature. Default: 0.2.
	Temperature float64 `mapstructure:"temperature"`
}

// WorkflowConfig configures workflow execution.
type WorkflowConfig struct {
	// WaitTimeoutMs is the default completion-signal wait. Default: 600000.
	WaitTimeoutMs int `mapstructure:"wait_timeout_ms"`

	// ArchiveGraceMs is how long terminal workflows stay live before
	// archival. Default: 300000.
	ArchiveGraceMs int `mapstructure:"archive_grace_ms"`
}

func (w WorkflowConfig) WaitTimeout() time.Duration {
	return time.Duration(w.WaitTimeoutMs) * time.Millisecond
}

func (w WorkflowConfig) ArchiveGrace() time.Duration {
	return time.Duration(w.ArchiveGraceMs) * time.Millisecond
}

// IdleConfig configures the idle monitor.
type IdleConfig struct {
	// TickMs is the monitor period. Default: 10000.
	TickMs int `mapstructure:"tick_ms"`

	// IdleThresholdMs is how long a fully idle session waits before a
	// nudge. Default: 60000.
	IdleThresholdMs int `mapstructure:"idle_threshold_ms"`

	// TriggerCooldownMs is the minimum spacing between nudges for one
	// session. Default: 300000.
	TriggerCooldownMs int `mapstructure:"trigger_cooldown_ms"`
}

func (i IdleConfig) Tick() time.Duration {
	return time.Duration(i.TickMs) * time.Millisecond
}

func (i IdleConfig) IdleThreshold() time.Duration {
	return time.Duration(i.IdleThresholdMs) * time.Millisecond
}

func (i IdleConfig) TriggerCooldown() time.Duration {
	return time.Duration(i.TriggerCooldownMs) * time.Millisecond
}

// CleanupConfig configures the periodic cleanup loop.
type CleanupConfig struct {
	// IntervalMs is the cleanup period. Default: 300000.
	IntervalMs int `mapstructure:"interval_ms"`

	// SessionAgeMs evicts completed sessions older than this. Default:
	// 14400000 (4 h).
	SessionAgeMs int `mapstructure:"session_age_ms"`
}

func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c CleanupConfig) SessionAge() time.Duration {
	return time.Duration(c.SessionAgeMs) * time.Millisecond
}

// UnityConfig gates Unity-specific features.
type UnityConfig struct {
	// Enabled exposes unity workflows in coordinator prompts. Default: false.
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled mounts /metrics on the daemon. Default: true.
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the span exporter: none, file, stdout, otlp.
	// Default: stdout.
	Exporter string `mapstructure:"exporter"`

	// FilePath receives spans when Exporter is "file".
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the gRPC collector address when Exporter is "otlp".
	// Default: localhost:4317.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate is the trace sampling ratio in [0,1]. Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// SetDefaults seeds every key's default into v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace_root", ".")
	v.SetDefault("api_port", 19777)

	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.rest_cooldown_ms", 5000)

	v.SetDefault("coordinator.model", "claude-sonnet-4-5")
	v.SetDefault("coordinator.debounce_ms", 2000)
	v.SetDefault("coordinator.max_wait_ms", 10000)
	v.SetDefault("coordinator.cooldown_ms", 10000)
	v.SetDefault("coordinator.history_limit", 50)
	v.SetDefault("coordinator.history_context", 10)
	v.SetDefault("coordinator.eval_timeout_ms", 120000)
	v.SetDefault("coordinator.plan_budget_chars", 24000)

	v.SetDefault("llm.api_key_env", "ANTHROPIC_API_KEY")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)

	v.SetDefault("workflow.wait_timeout_ms", 600000)
	v.SetDefault("workflow.archive_grace_ms", 300000)

	v.SetDefault("idle.tick_ms", 10000)
	v.SetDefault("idle.idle_threshold_ms", 60000)
	v.SetDefault("idle.trigger_cooldown_ms", 300000)

	v.SetDefault("cleanup.interval_ms", 300000)
	v.SetDefault("cleanup.session_age_ms", 14400000)

	v.SetDefault("unity.enabled", false)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Load unmarshals v into a validated Config.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size must be >= 0, got %d", c.Pool.Size)
	}
	if c.Coordinator.DebounceMs <= 0 {
		return fmt.Errorf("coordinator.debounce_ms must be > 0, got %d", c.Coordinator.DebounceMs)
	}
	if c.Coordinator.MaxWaitMs < c.Coordinator.DebounceMs {
		return fmt.Errorf("coordinator.max_wait_ms (%d) must be >= debounce_ms (%d)",
			c.Coordinator.MaxWaitMs, c.Coordinator.DebounceMs)
	}
	if c.Coordinator.HistoryLimit <= 0 {
		return fmt.Errorf("coordinator.history_limit must be > 0, got %d", c.Coordinator.HistoryLimit)
	}
	switch c.Tracing.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be one of none|file|stdout|otlp, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0,1], got %v", c.Tracing.SampleRate)
	}
	return nil
}
