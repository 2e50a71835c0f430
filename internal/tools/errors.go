package tools

import "errors"

// Tool registry errors.
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolNotAllowed is returned when registering a name outside the closed set.
	ErrToolNotAllowed = errors.New("tool is not in the allowlist")

	// ErrToolExecuteNil is returned when a tool has no execute function.
	ErrToolExecuteNil = errors.New("tool execute function cannot be nil")

	// ErrMutatingMismatch is returned when a state-changing tool is registered as read-only.
	ErrMutatingMismatch = errors.New("mutating tool registered as read-only")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrMissingRequiredArg is returned when a required argument is missing.
	ErrMissingRequiredArg = errors.New("missing required argument")
)

// Error is a failure the user should see verbatim. Message is the legible
// text; Err carries the cause for errors.Is.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Failure builds an *Error.
func Failure(cause error, message string) error {
	return &Error{Message: message, Err: cause}
}

// Message returns the user-facing text for a tool error.
func Message(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return "Error: " + err.Error()
}
