// Package taskid validates and normalizes global task identifiers.
//
// A global task id addresses a task across all sessions and has the form
// PS_NNNNNN_T<digits> with an optional single-letter or _SUFFIX tail:
// PS_000001_T1, PS_000001_T7A, PS_000001_T24_EVENTS. Bare ids like T1 and
// run-on tails like PS_000001_T24EVENTS are rejected. Matching is performed
// on the normalized (uppercased) form.
package taskid

import (
	"regexp"
	"strings"

	"github.com/apc-dev/apc/internal/fault"
)

var (
	taskPattern    = regexp.MustCompile(`^PS_\d{6}_T\d+([A-Z]|_[A-Z0-9_]+)?$`)
	sessionPattern = regexp.MustCompile(`^PS_\d{6}$`)
)

const sessionIDLen = len("PS_000000")

// Normalize trims and uppercases an id. It does not validate.
func Normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// IsValid reports whether id normalizes to a well-formed global task id.
func IsValid(id string) bool {
	return taskPattern.MatchString(Normalize(id))
}

// Validate returns a validation fault unless id normalizes to a well-formed
// global task id.
func Validate(id string) error {
	if !IsValid(id) {
		return fault.New(fault.Validation,
			"invalid task id %q: want the global form PS_NNNNNN_T<n> (e.g. PS_000001_T1, PS_000001_T7A, PS_000001_T24_EVENTS)", id)
	}
	return nil
}

// SessionOf extracts the owning session id (PS_NNNNNN) from a global task
// id. Returns false when id is not a valid global task id.
func SessionOf(id string) (string, bool) {
	norm := Normalize(id)
	if !taskPattern.MatchString(norm) {
		return "", false
	}
	return norm[:sessionIDLen], true
}

// IsValidSession reports whether id normalizes to a session id (PS_NNNNNN).
func IsValidSession(id string) bool {
	return sessionPattern.MatchString(Normalize(id))
}

// ValidateSession returns a validation fault unless id normalizes to a
// session id.
func ValidateSession(id string) error {
	if !IsValidSession(id) {
		return fault.New(fault.Validation, "invalid session id %q: want PS_NNNNNN (e.g. PS_000001)", id)
	}
	return nil
}
