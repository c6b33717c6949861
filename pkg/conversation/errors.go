package conversation

import (
	"errors"
	"fmt"
)

// Sentinel errors the transport layer maps to HTTP statuses.
var (
	// ErrNotFound marks an unknown conversation or event id.
	ErrNotFound = errors.New("conversation not found")
	// ErrConflict marks an illegal state transition, like pausing a
	// finished conversation.
	ErrConflict = errors.New("conflicting conversation state")
	// ErrClosed marks operations against a closed conversation.
	ErrClosed = errors.New("conversation is closed")
	// ErrPersistence marks a failed event or metadata write. The
	// conversation is in ERROR and further mutations keep failing.
	ErrPersistence = errors.New("conversation persistence failed")
)

// ValidationError reports a malformed request. The transport layer maps it
// to 400 with the message as detail.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError builds a formatted ValidationError.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
