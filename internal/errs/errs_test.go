package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain error", errors.New("boom"), 1},
		{"transport", Transport("connect", errors.New("refused")), 3},
		{"protocol send side", ProtocolInternal("encode", errors.New("bad")), 1},
		{"protocol input", ProtocolUser("decode", errors.New("bad")), 2},
		{"policy denied", PolicyDenied("authorize", "denied"), 5},
		{"approval", ApprovalRequired("authorize", "npm publish"), 5},
		{"protected path", ProtectedPath("sync", ".git/config"), 5},
		{"execution failed", ExecutionFailed("exec", 7), 1},
		{"timed out", TimedOut("exec", errors.New("deadline")), 1},
		{"conflict", SyncConflict("sync", []string{"a.txt"}), 2},
		{"size guard", SizeGuardExceeded("sync", 10, 5), 2},
		{"config", Config("load", errors.New("bad yaml")), 2},
		{"unsupported", Unsupported("pty", errors.New("no pty")), 4},
		{"wrapped", fmt.Errorf("failed to run: %w", Transport("dial", errors.New("x"))), 3},
		{"exit error", &ExitError{Code: 42}, 42},
		{"wrapped exit error", fmt.Errorf("cmd: %w", &ExitError{Code: 9}), 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := Transport("connect", inner)

	assert.Equal(t, "connect: connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.True(t, Is(err, ClassTransport))
	assert.False(t, Is(err, ClassPolicyDenied))
	assert.Equal(t, KindDependencyUnavailable, KindOf(err))
}

func TestDetail(t *testing.T) {
	err := SyncConflict("sync", []string{"b.txt", "a.txt"})

	got, ok := As(fmt.Errorf("wrap: %w", err))
	require.True(t, ok)
	assert.Equal(t, []string{"paths"}, got.DetailKeys())
	assert.Equal(t, []string{"b.txt", "a.txt"}, got.Detail["paths"])
	assert.Contains(t, got.Error(), "2 conflicting path(s)")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "dependency_unavailable", KindDependencyUnavailable.String())
	assert.Equal(t, "safety_violation", KindSafetyViolation.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
