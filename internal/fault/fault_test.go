package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(Validation, "bad task id %q", "T1")
	require.Equal(t, Validation, KindOf(err))
	require.Equal(t, `bad task id "T1"`, err.Error())
}

func TestKindOf_Wrapped(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Fatal, cause, "writing tasks.json")

	// Survives further %w wrapping.
	outer := fmt.Errorf("persisting session: %w", err)

	require.Equal(t, Fatal, KindOf(outer))
	require.ErrorIs(t, outer, cause)
	require.Equal(t, "writing tasks.json: disk full", err.Error())
	require.Equal(t, "writing tasks.json", err.Message())
}

func TestKindOf_PlainError(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindCodes(t *testing.T) {
	cases := map[Kind]string{
		Validation:      "validation_error",
		Precondition:    "precondition_error",
		Resource:        "resource_error",
		ExternalTimeout: "external_timeout",
		ExternalFailure: "external_failure",
		Internal:        "internal_error",
		Fatal:           "fatal_error",
		CoordinatorEval: "coordinator_eval_failure",
		KindUnknown:     "unknown_error",
	}
	for kind, code := range cases {
		require.Equal(t, code, kind.Code())
	}
}

func TestIsKind(t *testing.T) {
	err := New(Precondition, "session not approved")
	require.True(t, IsKind(err, Precondition))
	require.False(t, IsKind(err, Validation))
}
