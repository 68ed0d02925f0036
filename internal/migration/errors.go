package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a second transition is created while
	// one is still pending or in progress.
	ErrConflict = errors.New("another transition is already active")

	// ErrInvalidState is returned when an operation is not valid for the
	// transition's current status or approval state.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrNotFound is returned for unknown transition ids.
	ErrNotFound = errors.New("transition not found")

	// ErrNotApproved signals a close attempt under an unapproved manual
	// gate. It indicates a logic defect in the evaluator, never a
	// condition to retry.
	ErrNotApproved = errors.New("close attempted without manual approval")
)

// ExecutionError wraps a failed venue call for a single position. It is
// retryable by construction: the next tick re-derives the action from
// live state and tries again.
type ExecutionError struct {
	PositionID string
	Venue      string
	Op         string // "close" or "tighten_stop"
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s on %s: %v", e.Op, e.PositionID, e.Venue, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
