package plan

import (
	"errors"
	"fmt"
)

// Sentinel errors for planning failure classification.
var (
	// ErrInsufficientCapacity indicates the ready nodes cannot hold every layer.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrInvalidPlan indicates a plan violates the partition invariant.
	ErrInvalidPlan = errors.New("invalid plan")
)

// Error is a planning failure. Kind is one of the sentinel errors above.
type Error struct {
	Kind error
	// Need is the number of layers to place.
	Need int
	// Have is the total declared capacity of the ready nodes.
	Have int
	// Msg is an optional detail for ErrInvalidPlan.
	Msg string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%v: need %d layers, ready nodes hold %d", e.Kind, e.Need, e.Have)
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func invalid(format string, args ...any) error {
	return &Error{Kind: ErrInvalidPlan, Msg: fmt.Sprintf(format, args...)}
}
