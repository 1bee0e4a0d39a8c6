package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a group or message does not exist.
	ErrNotFound = errors.New("chat: not found")

	// ErrNotMember is returned when a user acts on a group they do not belong to.
	ErrNotMember = errors.New("chat: not a member of group")

	// ErrBanned is returned when a user is banned from the group.
	ErrBanned = errors.New("chat: banned from group")
)

// ValidationError rejects a malformed or disallowed inbound command.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "chat: invalid: " + e.Reason
	}
	return fmt.Sprintf("chat: invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
