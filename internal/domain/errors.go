package domain

import (
	"errors"
	"fmt"
)

// Domain const errors
var (
	ErrNotFound  = errors.New("resource not found")
	ErrNoSession = errors.New("no valid session")
)

// ValidationError carries a user-visible message for a rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}
