package reminder

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyOwner        = errors.New("owner is empty")
	ErrEmptyLabel        = errors.New("task is empty")
	ErrLabelTooLong      = errors.New("task is too long")
	ErrInvalidRecurrence = errors.New("recurrence must be once or daily")
	ErrInvalidTime       = errors.New("time must be HH:MM or YYYY-MM-DD HH:MM (24-hour)")
	ErrInPast            = errors.New("time is in the past")
	ErrInvalidTimezone   = errors.New("unknown timezone")
)

// ValidationError is returned for bad user input. Nothing is persisted
// when one is returned.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
