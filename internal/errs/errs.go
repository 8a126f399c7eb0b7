// Package errs defines the broker's error taxonomy and its mapping onto
// process exit codes.
//
// Every failure surfaced to a caller is classified twice: by Class, which
// names what went wrong (a transport failure, a policy denial, a sync
// conflict), and by Kind, which decides the exit code. A Class always maps to
// exactly one Kind, except ProtocolError which depends on which side caused
// the malformed frame.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the exit-code level classification.
type Kind int

const (
	// KindOK is never attached to an error; it exists so ExitCode(nil)
	// has a named value.
	KindOK Kind = 0

	// KindInternal is an unexpected failure inside the broker or agent.
	KindInternal Kind = 1

	// KindUser is bad input: invalid flags, config, profile or a sync
	// that needs the caller to decide.
	KindUser Kind = 2

	// KindDependencyUnavailable means a required collaborator (the guest
	// agent, ssh, a socket) could not be reached.
	KindDependencyUnavailable Kind = 3

	// KindUnsupported means a prerequisite is missing or the operation is
	// not supported by this platform or agent.
	KindUnsupported Kind = 4

	// KindSafetyViolation means policy or protected-path rules refused
	// the operation.
	KindSafetyViolation Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindInternal:
		return "internal"
	case KindUser:
		return "user"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	case KindUnsupported:
		return "unsupported"
	case KindSafetyViolation:
		return "safety_violation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Class names the failure.
type Class string

const (
	ClassTransport         Class = "transport_error"
	ClassProtocol          Class = "protocol_error"
	ClassPolicyDenied      Class = "policy_denied"
	ClassApprovalRequired  Class = "approval_required"
	ClassProtectedPath     Class = "protected_path"
	ClassExecutionFailed   Class = "execution_failed"
	ClassTimedOut          Class = "timed_out"
	ClassSyncConflict      Class = "sync_conflict"
	ClassSizeGuardExceeded Class = "size_guard_exceeded"
	ClassConfig            Class = "config_error"
	ClassUnsupported       Class = "unsupported"
	ClassInternal          Class = "internal_error"
)

// Error is a classified failure. Detail carries structured diagnostics
// (attempted transport strategies, the protected path, conflicting paths)
// that the doctor and --json outputs render.
type Error struct {
	Class  Class
	Kind   Kind
	Op     string
	Err    error
	Detail map[string]any
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Class))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode returns the process exit code for this error.
func (e *Error) ExitCode() int { return int(e.Kind) }

// With attaches a diagnostic key/value and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// DetailKeys returns the detail keys in sorted order.
func (e *Error) DetailKeys() []string {
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newError(class Class, kind Kind, op string, err error) *Error {
	return &Error{Class: class, Kind: kind, Op: op, Err: err}
}

// Transport classifies a connect/send/recv failure.
func Transport(op string, err error) *Error {
	return newError(ClassTransport, KindDependencyUnavailable, op, err)
}

// ProtocolInternal is a malformed or unsupported frame produced on our side.
func ProtocolInternal(op string, err error) *Error {
	return newError(ClassProtocol, KindInternal, op, err)
}

// ProtocolUser is a malformed or unsupported frame caused by caller input.
func ProtocolUser(op string, err error) *Error {
	return newError(ClassProtocol, KindUser, op, err)
}

func PolicyDenied(op, reason string) *Error {
	return newError(ClassPolicyDenied, KindSafetyViolation, op, errors.New(reason))
}

func ApprovalRequired(op, cmd string) *Error {
	return newError(ClassApprovalRequired, KindSafetyViolation, op,
		fmt.Errorf("command requires approval: %s", cmd)).With("cmd", cmd)
}

func ProtectedPath(op, path string) *Error {
	return newError(ClassProtectedPath, KindSafetyViolation, op,
		fmt.Errorf("refusing to modify protected path %s", path)).With("path", path)
}

// ExecutionFailed reports a non-zero exit of the guest command.
func ExecutionFailed(op string, exitCode int) *Error {
	return newError(ClassExecutionFailed, KindInternal, op,
		fmt.Errorf("command exited with status %d", exitCode)).With("exit_code", exitCode)
}

func TimedOut(op string, err error) *Error {
	return newError(ClassTimedOut, KindInternal, op, err)
}

func SyncConflict(op string, paths []string) *Error {
	return newError(ClassSyncConflict, KindUser, op,
		fmt.Errorf("%d conflicting path(s): %s", len(paths), strings.Join(paths, ", "))).With("paths", paths)
}

func SizeGuardExceeded(op string, pending, limit uint64) *Error {
	return newError(ClassSizeGuardExceeded, KindUser, op,
		fmt.Errorf("pending writes of %d bytes exceed size guard of %d bytes", pending, limit)).
		With("pending_bytes", pending).With("size_guard_bytes", limit)
}

func Config(op string, err error) *Error {
	return newError(ClassConfig, KindUser, op, err)
}

func Unsupported(op string, err error) *Error {
	return newError(ClassUnsupported, KindUnsupported, op, err)
}

func Internal(op string, err error) *Error {
	return newError(ClassInternal, KindInternal, op, err)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given class.
func Is(err error, class Class) bool {
	e, ok := As(err)
	return ok && e.Class == class
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// exitCoder is implemented by errors that carry their own exit code, such
// as ExitError.
type exitCoder interface {
	ExitCode() int
}

// ExitCode maps err onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return int(KindInternal)
}

// ExitError carries an exit code chosen by the command itself, such as the
// guest command's status passed through by "world exec". The error message
// has already been shown (or there is none to show).
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) ExitCode() int {
	return e.Code
}
