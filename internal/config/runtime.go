package config

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// Runtime holds the handful of settings tunable through config.set
// while the daemon runs. Everything else requires a restart.
type Runtime struct {
	unityEnabled    atomic.Bool
	historyContext  atomic.Int64
	planBudgetChars atomic.Int64
}

// NewRuntime seeds the tunable settings from the loaded config.
func NewRuntime(cfg Config) *Runtime {
	r := &Runtime{}
	r.unityEnabled.Store(cfg.Unity.Enabled)
	r.historyContext.Store(int64(cfg.Coordinator.HistoryContext))
	r.planBudgetChars.Store(int64(cfg.Coordinator.PlanBudgetChars))
	return r
}

// UnityEnabled reports whether Unity workflows appear in coordinator
// prompts and unity.* RPCs are armed.
func (r *Runtime) UnityEnabled() bool { return r.unityEnabled.Load() }

// HistoryContext is how many ledger entries enter the prompt.
func (r *Runtime) HistoryContext() int { return int(r.historyContext.Load()) }

// PlanBudgetChars is the plan truncation budget for prompts.
func (r *Runtime) PlanBudgetChars() int { return int(r.planBudgetChars.Load()) }

// Snapshot returns the tunable keys and their current values.
func (r *Runtime) Snapshot() map[string]any {
	return map[string]any{
		"unity.enabled":                 r.UnityEnabled(),
		"coordinator.history_context":   r.HistoryContext(),
		"coordinator.plan_budget_chars": r.PlanBudgetChars(),
	}
}

// Get returns one tunable key's current value.
func (r *Runtime) Get(key string) (any, bool) {
	v, ok := r.Snapshot()[key]
	return v, ok
}

// Set updates one tunable key from a string or typed value. Unknown
// keys and unparsable values are rejected.
func (r *Runtime) Set(key string, value any) error {
	switch key {
	case "unity.enabled":
		b, err := toBool(value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
		r.unityEnabled.Store(b)
	case "coordinator.history_context":
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
		if n <= 0 {
			return fmt.Errorf("setting %s: must be > 0, got %d", key, n)
		}
		r.historyContext.Store(int64(n))
	case "coordinator.plan_budget_chars":
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
		if n < 1000 {
			return fmt.Errorf("setting %s: must be >= 1000, got %d", key, n)
		}
		r.planBudgetChars.Store(int64(n))
	default:
		return fmt.Errorf("key %q is not runtime-tunable", key)
	}
	return nil
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("expected int, got %T", v)
	}
}
