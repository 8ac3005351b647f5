package task

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying every failure the facade can surface.
var (
	// ErrInvalidArgument marks bad inputs to a facade call.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks lookups of unknown task IDs.
	ErrNotFound = errors.New("task not found")

	// ErrIllegalState marks operations against a task in the wrong state,
	// e.g. cancelling a terminal task or starting a non-pending one.
	ErrIllegalState = errors.New("illegal state")

	// ErrAlreadyExists marks double registration of a task ID.
	ErrAlreadyExists = errors.New("task already exists")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidArgument reports whether err wraps ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsIllegalState reports whether err wraps ErrIllegalState.
func IsIllegalState(err error) bool { return errors.Is(err, ErrIllegalState) }

func invalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
