package rpc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apc-dev/apc/internal/fault"
)

// params wraps a request's parameter map with typed, validating getters.
// JSON decoding yields float64 for numbers and []any for arrays; the CLI
// and the tool executor pass native Go values; both shapes are accepted.
type params map[string]any

// str returns a required non-empty string parameter.
func (p params) str(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fault.New(fault.Validation, "missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fault.New(fault.Validation, "parameter %q must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fault.New(fault.Validation, "parameter %q must not be empty", key)
	}
	return s, nil
}

// optStr returns a string parameter or "" when absent.
func (p params) optStr(key string) string {
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

// optInt returns an integer parameter or def when absent.
func (p params) optInt(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fault.New(fault.Validation, "parameter %q: %v", key, err)
	}
	return n, nil
}

// int returns a required integer parameter.
func (p params) int(key string) (int, error) {
	v, ok := p[key]
	if !ok {
		return 0, fault.New(fault.Validation, "missing required parameter %q", key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fault.New(fault.Validation, "parameter %q: %v", key, err)
	}
	return n, nil
}

// optBool returns a boolean parameter or false when absent.
func (p params) optBool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	default:
		return false
	}
}

// optStrs returns a string-array parameter or nil when absent.
func (p params) optStrs(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch arr := v.(type) {
	case []string:
		return arr, nil
	case []any:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			s, ok := e.(string)
			if !ok {
				return nil, fault.New(fault.Validation, "parameter %q must be an array of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fault.New(fault.Validation, "parameter %q must be an array of strings", key)
	}
}

// optMap returns an object parameter or nil when absent.
func (p params) optMap(key string) (map[string]any, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fault.New(fault.Validation, "parameter %q must be an object", key)
	}
	return m, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%T is not an integer", v)
	}
}
