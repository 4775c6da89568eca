package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
)

func TestKindOfClassifiesFaults(t *testing.T) {
	t.Parallel()
	err := New(KindValidation, "bad output")
	require.Equal(t, KindValidation, KindOf(err))
	require.Equal(t, KindValidation, KindOf(fmt.Errorf("activity: %w", err)))
	require.Equal(t, KindService, KindOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	cases := map[Kind]bool{
		KindValidation:    false,
		KindConfiguration: false,
		KindAuth:          false,
		KindNotFound:      false,
		KindTimeout:       true,
		KindService:       true,
		KindContainer:     true,
	}
	for kind, want := range cases {
		require.Equal(t, want, New(kind, "x").Retryable(), "kind %s", kind)
	}
}

func TestToTemporalMarksTerminalKindsNonRetryable(t *testing.T) {
	t.Parallel()
	err := ToTemporal(New(KindValidation, "schema mismatch").WithComponent("core.text.block"))
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.True(t, appErr.NonRetryable())
	require.Equal(t, string(KindValidation), appErr.Type())

	err = ToTemporal(New(KindTimeout, "deadline breached"))
	require.ErrorAs(t, err, &appErr)
	require.False(t, appErr.NonRetryable())
}

func TestToTemporalRoundTripsKind(t *testing.T) {
	t.Parallel()
	err := ToTemporal(New(KindContainer, "exit 1").WithDetail("exitCode", 1))
	require.Equal(t, KindContainer, KindOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := Wrap(KindService, "secret store unavailable", cause)
	require.ErrorIs(t, err, cause)
}

func TestStderrTail(t *testing.T) {
	t.Parallel()
	short := []byte("permission denied")
	require.Equal(t, "permission denied", StderrTail(short))

	long := []byte(strings.Repeat("x", 600) + "tail-marker")
	tail := StderrTail(long)
	require.Len(t, tail, StderrTailLimit)
	require.True(t, strings.HasSuffix(tail, "tail-marker"))
}

func TestErrorStringIncludesComponent(t *testing.T) {
	t.Parallel()
	err := New(KindNotFound, "unknown component").WithComponent("recon.subfinder.scan")
	require.Contains(t, err.Error(), "recon.subfinder.scan")
	require.Contains(t, err.Error(), "not_found")
}
