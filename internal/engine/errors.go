package engine

import (
	"errors"
	"fmt"
)

// Error represents a mutation the engine refused or could not complete.
//
// Transport failures never surface here: remote writes are retried from the
// outbox and reported through the Notifier.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Collection and ID identify the affected record, when known.
	Collection string
	ID         string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates a draft is missing required fields or is
	// otherwise invalid. Nothing was changed.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNotFound indicates a referenced record does not exist locally.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeDecode indicates a stored or imported value could not be read.
	ErrCodeDecode ErrorCode = "DECODE"

	// ErrCodePersist indicates the local store rejected a write. The
	// in-memory change was rolled back.
	ErrCodePersist ErrorCode = "PERSIST"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Collection != "" && e.ID != "" {
		msg = fmt.Sprintf("%s (%s/%s)", msg, e.Collection, e.ID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsValidationError reports whether err is a validation error.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeValidation
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

func validationError(collection, format string, args ...any) *Error {
	return &Error{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf(format, args...),
		Collection: collection,
	}
}

func notFound(collection, id string) *Error {
	return &Error{
		Code:       ErrCodeNotFound,
		Message:    "record does not exist",
		Collection: collection,
		ID:         id,
	}
}

func persistError(action string, err error) *Error {
	return &Error{
		Code:    ErrCodePersist,
		Message: action + " was not saved",
		Err:     err,
	}
}
