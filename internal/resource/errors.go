package resource

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("resource record not found")
	// ErrNotPending is returned when a transition's source state does not match.
	ErrNotPending = errors.New("resource record is not in the expected state")
	// ErrStoreUnavailable marks store failures that are worth retrying.
	ErrStoreUnavailable = errors.New("resource store unavailable")
)

// ValidationError rejects a submission before any store access.
type ValidationError struct {
	Reason string
	URLs   []string
}

func (e *ValidationError) Error() string {
	if len(e.URLs) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.URLs, ", "))
}

// Invalid builds a ValidationError.
func Invalid(reason string, urls ...string) *ValidationError {
	return &ValidationError{Reason: reason, URLs: urls}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Unavailable wraps err so callers can detect it with errors.Is(err, ErrStoreUnavailable).
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
