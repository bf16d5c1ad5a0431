package engine

import (
	"errors"
	"fmt"

	"meterline/internal/status"
)

// Sentinels for errors.Is checks. Structured variants below carry the detail
// the API layer surfaces to callers.
var (
	// ErrBusy means an entity lock could not be acquired in time. Safe to retry.
	ErrBusy = errors.New("entity busy")

	// ErrStaleWrite means the optimistic version check failed. The caller
	// should re-read and retry.
	ErrStaleWrite = errors.New("stale write")

	// ErrInvalidState guards operations that require a specific current state
	// without being a table transition (e.g. paying a cancelled installment).
	ErrInvalidState = errors.New("invalid state for operation")
)

// ConflictError reports a violated uniqueness invariant, e.g. a second active
// assignment on a round.
type ConflictError struct {
	Kind       status.Kind
	EntityID   string
	ConflictID string
	Message    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s: %s", e.Kind, e.EntityID, e.Message)
}

// PreconditionError reports a transition that is legal in isolation but
// blocked by child state. BlockingID/BlockingCode name the first
// non-conforming child (lowest code, deterministic).
type PreconditionError struct {
	Kind          status.Kind
	EntityID      string
	Event         status.Event
	BlockingID    string
	BlockingCode  string
	BlockingState string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: round %s is %s",
		e.Event, e.Kind, e.EntityID, e.BlockingCode, e.BlockingState)
}

// BusyError wraps ErrBusy with the entity that timed out.
type BusyError struct {
	Kind     status.Kind
	EntityID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s %s: lock wait timed out", e.Kind, e.EntityID)
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// StaleWriteError wraps ErrStaleWrite with the entity whose version moved.
type StaleWriteError struct {
	Kind     status.Kind
	EntityID string
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("%s %s: row changed since read", e.Kind, e.EntityID)
}

func (e *StaleWriteError) Unwrap() error { return ErrStaleWrite }

// InvalidStateError wraps ErrInvalidState with context.
type InvalidStateError struct {
	Kind     status.Kind
	EntityID string
	State    string
	Wanted   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s, want %s", e.Kind, e.EntityID, e.State, e.Wanted)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// Retryable reports whether the caller may safely retry the same call.
// Only lock timeouts and optimistic-concurrency failures qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrStaleWrite)
}
