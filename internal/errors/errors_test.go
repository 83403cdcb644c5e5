package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeUpstreamFailure, cause, "marketplace unreachable")

	require.ErrorIs(t, err, cause)
	require.Equal(t, CodeUpstreamFailure, CodeOf(err))
	require.Contains(t, err.Error(), "marketplace unreachable")
	require.Contains(t, err.Error(), "dial tcp: refused")
}

func TestCodeOfThroughFmtWrapping(t *testing.T) {
	base := New(CodeNotFound, "")
	wrapped := fmt.Errorf("lookup job: %w", base)

	require.Equal(t, CodeNotFound, CodeOf(wrapped))
	require.Equal(t, "resource not found", base.Message())
	require.True(t, stdErrors.Is(wrapped, New(CodeNotFound, "other message")))
	require.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
}

func TestRegisterAndAttributes(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{
		Message:    "registered",
		Severity:   SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusTeapot,
	})

	err := New(code, "")
	require.Equal(t, "registered", err.Message())
	require.True(t, RetryableError(err))
	require.Equal(t, SeverityWarning, SeverityOf(err))
	require.Equal(t, http.StatusTeapot, HTTPStatusOf(err))

	overridden := New(code, "x", WithRetryable(false), WithSeverity(SeverityCritical))
	require.False(t, overridden.Retryable())
	require.Equal(t, SeverityCritical, overridden.Severity())
}

func TestUnknownDefaults(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, HTTPStatusOf(stdErrors.New("boom")))
	require.Equal(t, SeverityCritical, SeverityOf(stdErrors.New("boom")))
	require.False(t, ShouldAlert(nil))
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeConflict, "dup", WithMetadata("job_id", "j-1"))
	md := err.Metadata()
	md["job_id"] = "mutated"
	require.Equal(t, "j-1", err.Metadata()["job_id"])
}
