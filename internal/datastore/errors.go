package datastore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnknownSystem      = errors.New("unknown system")
	ErrUnknownStream      = errors.New("unknown command stream")
	ErrUnknownCommand     = errors.New("unknown command")
	ErrIncompatibleSchema = errors.New("incompatible record structure")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotSupported       = errors.New("operation not supported by backend")
	ErrClosed             = errors.New("closed")
)

// FieldError is one violation found while validating a payload.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Path == "" {
		return f.Message
	}
	return f.Path + ": " + f.Message
}

// ValidationError rejects a request before anything was written.
type ValidationError struct {
	Subject    string
	Violations []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	subject := e.Subject
	if subject == "" {
		subject = "request"
	}
	return fmt.Sprintf("invalid %s: %s", subject, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

func Invalid(subject string, violations ...FieldError) error {
	return &ValidationError{Subject: subject, Violations: violations}
}

// IsValidation reports whether the caller must reject the request as malformed.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrUnknownSystem) ||
		errors.Is(err, ErrUnknownStream) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrIncompatibleSchema)
}

func IsConflict(err error) bool { return errors.Is(err, ErrAlreadyExists) }
