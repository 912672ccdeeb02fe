package rates

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("no active rate configuration")
	ErrInvalidConfig       = errors.New("invalid rate configuration")
	ErrOverlappingInterval = errors.New("rate configuration overlaps an existing interval")
)

// ValidationError rejects a configuration before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: ErrInvalidConfig}
}
