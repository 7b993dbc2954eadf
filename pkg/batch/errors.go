package batch

import (
	"errors"
	"fmt"
)

// Common errors returned by the batch engine.
var (
	// ErrDeserialization is matched by every payload or validation error.
	// Such errors abort the batch before any sub-request runs.
	ErrDeserialization = errors.New("batch deserialization failed")

	// ErrGroupRepeatLimit is recorded when a group end hook keeps asking for
	// repeats beyond Config.MaxGroupRepeats.
	ErrGroupRepeatLimit = errors.New("atomicity group repeat limit exceeded")

	// ErrNilResponse is recorded when a handler returns neither a response nor
	// an error.
	ErrNilResponse = errors.New("resource handler returned no response")

	// ErrNoHandler is returned by NewProcessor without a resource handler.
	ErrNoHandler = errors.New("resource handler is required")
)

// DeserializationError describes an invalid batch payload.
type DeserializationError struct {
	// RequestID is the offending sub-request, if known.
	RequestID string

	// Property is the offending JSON property or header, if any.
	Property string

	Message string
	Err     error
}

// Error implements the error interface.
func (e *DeserializationError) Error() string {
	msg := e.Message
	if e.Property != "" {
		msg = fmt.Sprintf("%s (property %q)", msg, e.Property)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("request %q: %s", e.RequestID, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDeserialization, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDeserialization, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// Is makes every DeserializationError match ErrDeserialization.
func (e *DeserializationError) Is(target error) bool {
	return target == ErrDeserialization
}

// Deserializationf builds a DeserializationError for request id.
func Deserializationf(id, format string, args ...any) *DeserializationError {
	return &DeserializationError{RequestID: id, Message: fmt.Sprintf(format, args...)}
}
