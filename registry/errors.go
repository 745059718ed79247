package registry

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/spm/types"
)

// Sentinel errors for registry failure classification.
var (
	// ErrDuplicateNode indicates a Ready node with the same id already exists.
	ErrDuplicateNode = errors.New("duplicate node")

	// ErrUnknownNode indicates the node id is not registered.
	ErrUnknownNode = errors.New("unknown node")

	// ErrHandshakeFailed indicates the capability handshake did not succeed.
	ErrHandshakeFailed = errors.New("capability handshake failed")
)

// Error wraps a registry failure with the node it concerns.
type Error struct {
	Kind   error
	NodeID types.NodeID
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node %s: %v: %v", e.NodeID, e.Kind, e.Err)
	}
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}
