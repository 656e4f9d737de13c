package machinery

import (
	"errors"
	"fmt"

	"github.com/burrow-sandbox/burrow/pkg/types"
)

// Sentinel errors backends raise to steer the manager
var (
	// ErrStateReached means the requested action is a no-op because the
	// machine is already in the target state. Treated as success.
	ErrStateReached = errors.New("machine already reached the requested state")

	// ErrNotSupported means the backend cannot perform the capability.
	// The action fails but the machine is not disabled.
	ErrNotSupported = errors.New("action not supported by this machinery")
)

// Error is the generic machinery failure: the backend tried and could
// not complete the call. Recoverable; the machine is not disabled.
type Error struct {
	Machine string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("machinery %s failed for machine %s: %v", e.Op, e.Machine, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UnexpectedStateError means the machine is in a state that is
// inconsistent with the requested action. The machine is disabled.
type UnexpectedStateError struct {
	Machine string
	State   types.MachineState
	Op      string
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("machine %s has unexpected state %s for %s", e.Machine, e.State, e.Op)
}

// UnhandledStateError means the backend reported a state the manager
// does not know. The machine is disabled.
type UnhandledStateError struct {
	Machine  string
	RawState string
}

func (e *UnhandledStateError) Error() string {
	return fmt.Sprintf("machinery returned unhandled state %q for machine %s", e.RawState, e.Machine)
}

// NetCaptureError wraps network capture start/stop failures. These are
// logged but never fail the enclosing machine action.
type NetCaptureError struct {
	Machine string
	Err     error
}

func (e *NetCaptureError) Error() string {
	return fmt.Sprintf("network capture failed for machine %s: %v", e.Machine, e.Err)
}

func (e *NetCaptureError) Unwrap() error {
	return e.Err
}

// Disables reports whether the error is one the manager must respond to
// by disabling the machine
func Disables(err error) bool {
	var unexpected *UnexpectedStateError
	var unhandled *UnhandledStateError
	return errors.As(err, &unexpected) || errors.As(err, &unhandled)
}
