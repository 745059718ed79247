package controller

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/spm/types"
)

// Sentinel errors for controller failure classification.
var (
	// ErrSetupFailed indicates the session could not be started on every stage.
	ErrSetupFailed = errors.New("session setup failed")

	// ErrStepFailed indicates a decode step failed after the session was active.
	ErrStepFailed = errors.New("step failed")

	// ErrInvalidRequest indicates a request rejected before any session state
	// was created.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNodeLost indicates a node holding one of the session's stages became
	// unreachable or left.
	ErrNodeLost = errors.New("node lost")
)

// Error is a terminal session failure. Cause carries the underlying
// transport, cache, planning or sampling error, so errors.Is matches both
// the controller kind and the root cause.
type Error struct {
	Kind      error
	SessionID types.SessionID
	// Step is the decode step that failed, or -1 during setup.
	Step int
	// Stage is the pipeline stage involved, or -1 if none.
	Stage int
	Cause error
}

func (e *Error) Error() string {
	where := fmt.Sprintf("session %s", e.SessionID)
	if e.Step >= 0 {
		where += fmt.Sprintf(" step %d", e.Step)
	}
	if e.Stage >= 0 {
		where += fmt.Sprintf(" stage %d", e.Stage)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", where, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %v", where, e.Kind)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NodeLostError is the cancellation cause recorded when the registry reports
// a stage's node lost.
type NodeLostError struct {
	NodeID types.NodeID
	Status types.NodeStatus
}

func (e *NodeLostError) Error() string {
	return fmt.Sprintf("node %s is %s", e.NodeID, e.Status)
}

// Is matches ErrNodeLost.
func (e *NodeLostError) Is(target error) bool {
	return target == ErrNodeLost
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
