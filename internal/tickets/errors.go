package tickets

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no ticket has the requested id.
	ErrNotFound = errors.New("ticket not found")

	// ErrInvalidTransition means the requested status change skips or reverses the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidSeverity = errors.New("invalid severity")
	ErrInvalidTicket   = errors.New("invalid ticket")

	// ErrStoreUnavailable wraps adapter I/O failures that survived retries.
	ErrStoreUnavailable = errors.New("ticket store unavailable")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ticket %s cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError names the missing ticket.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ticket '%s' not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// retryable reports whether an adapter error is worth another attempt.
// Domain errors are final.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidSeverity),
		errors.Is(err, ErrInvalidTicket),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
