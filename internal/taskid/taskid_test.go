package taskid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/apc-dev/apc/internal/fault"
)

func TestIsValid(t *testing.T) {
	valid := []string{
		"PS_000001_T1",
		"PS_000001_T7A",
		"PS_000001_T24_EVENTS",
		"PS_123456_T99",
		"PS_000002_T3_FIX_2",
		"ps_000001_t1",   // normalized before matching
		" PS_000001_T1 ", // trimmed
	}
	for _, id := range valid {
		require.True(t, IsValid(id), "expected valid: %q", id)
	}

	invalid := []string{
		"",
		"T1",
		"PS_000001",
		"PS_000001_T",
		"PS_000001_T24EVENTS", // run-on suffix needs an underscore
		"PS_1_T1",             // session digits must be exactly six
		"PS_0000001_T1",
		"PX_000001_T1",
		"PS_000001_T1AB", // tail letter is single
		"PS_000001_T1-A",
	}
	for _, id := range invalid {
		require.False(t, IsValid(id), "expected invalid: %q", id)
	}
}

func TestValidate_ReturnsValidationFault(t *testing.T) {
	err := Validate("T1")
	require.Error(t, err)
	require.Equal(t, fault.Validation, fault.KindOf(err))
	require.Contains(t, err.Error(), "PS_NNNNNN_T")

	require.NoError(t, Validate("PS_000001_T24_EVENTS"))
}

func TestSessionOf(t *testing.T) {
	session, ok := SessionOf("ps_000042_t7a")
	require.True(t, ok)
	require.Equal(t, "PS_000042", session)

	_, ok = SessionOf("T7A")
	require.False(t, ok)
}

func TestSessionValidation(t *testing.T) {
	require.True(t, IsValidSession("PS_000001"))
	require.True(t, IsValidSession("ps_000001"))
	require.False(t, IsValidSession("PS_000001_T1"))
	require.False(t, IsValidSession("PS_1"))

	err := ValidateSession("nope")
	require.Error(t, err)
	require.Equal(t, fault.Validation, fault.KindOf(err))
}

// Property: normalize is a fixpoint for every valid id. Normalizing a
// normalized id changes nothing, and validity is preserved.
func TestNormalize_PropertyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`PS_[0-9]{6}_T[1-9][0-9]{0,3}([A-Z]|_[A-Z0-9_]{1,8})?`).Draw(t, "id")

		norm := Normalize(id)
		require.True(t, IsValid(norm))
		require.Equal(t, norm, Normalize(norm))

		// Lowercasing the input must not change the normalized form.
		require.Equal(t, norm, Normalize(strings.ToLower(norm)))
	})
}

// Property: ids that drop the session prefix or glue letters onto the
// numeric tail never validate.
func TestValidate_PropertyRejectsMalformed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bare := rapid.StringMatching(`T[0-9]{1,4}`).Draw(t, "bare")
		require.False(t, IsValid(bare))

		runOn := rapid.StringMatching(`PS_[0-9]{6}_T[0-9]{1,3}[A-Z]{2,6}`).Draw(t, "runOn")
		require.False(t, IsValid(runOn))
	})
}
