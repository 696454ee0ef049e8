// Package apperr defines the typed rejections returned by the job core.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds. Match with errors.Is.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrForbidden         = errors.New("forbidden")
	ErrMissingFields     = errors.New("missing fields")
	ErrExternalService   = errors.New("external service error")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
)

// Error is a rejection with an actionable message.
type Error struct {
	Kind    error
	Message string
	Fields  []string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error() + ": " + e.Message
	if len(e.Fields) > 0 {
		msg += " (" + strings.Join(e.Fields, ", ") + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches the sentinel kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func InvalidTransition(format string, args ...any) error {
	return &Error{Kind: ErrInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &Error{Kind: ErrForbidden, Message: fmt.Sprintf(format, args...)}
}

// MissingFields lists the absent field names.
func MissingFields(message string, fields ...string) error {
	return &Error{Kind: ErrMissingFields, Message: message, Fields: fields}
}

// External wraps an upstream failure, keeping the upstream message.
func External(service string, cause error) error {
	return &Error{Kind: ErrExternalService, Message: service, Cause: cause}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidInput(format string, args ...any) error {
	return &Error{Kind: ErrInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// FieldsOf returns the field list carried by a MissingFields error, if any.
func FieldsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}
