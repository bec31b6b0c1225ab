package domain

import (
	"errors"
	"fmt"
)

// Operation-level errors returned across the core boundary. Callers match
// them with errors.Is; nothing in the core panics past its boundary.
var (
	// ErrInvalidTransition rejects a command not legal from the current
	// container state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound reports an unknown package name or preference key.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable reports that the durable store could not be
	// reached. The operation in progress fails; the next tick or command
	// retries.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ErrorKind classifies executor failures so callers and the audit log get
// a machine-readable cause alongside the captured stderr.
type ErrorKind string

const (
	KindToolNotFound     ErrorKind = "tool_not_found"
	KindNonZeroExit      ErrorKind = "non_zero_exit"
	KindTimeout          ErrorKind = "timeout"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindCanceled         ErrorKind = "canceled"
)

// ExecError is the normalized failure of one external tool invocation.
type ExecError struct {
	Kind   ErrorKind
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("executor failure (%s): %s", e.Kind, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("executor failure (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("executor failure (%s)", e.Kind)
}

func (e *ExecError) Unwrap() error { return e.Err }

// AsExecError unwraps err into an *ExecError if one is in its chain.
func AsExecError(err error) (*ExecError, bool) {
	var ee *ExecError
	ok := errors.As(err, &ee)
	return ee, ok
}
