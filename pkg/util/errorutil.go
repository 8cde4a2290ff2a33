package util

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrorKind classifies how a failure should be surfaced: rejections and
// not-found conditions become user-visible notices, infrastructure failures
// are logged and the in-flight operation aborts.
type ErrorKind string

const (
	KindRejection      ErrorKind = "rejection"
	KindNotFound       ErrorKind = "not_found"
	KindInfrastructure ErrorKind = "infrastructure"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code    string
	Kind    ErrorKind
	Message string
	Details map[string]any
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewRejection builds a validation-rejection error (oversized content, banned
// phrase, malformed reply, unauthorized actor).
func NewRejection(code, message string, details map[string]any) error {
	return &DomainError{Code: code, Kind: KindRejection, Message: message, Details: details}
}

// NewNotFound builds a not-found condition for the named resource.
func NewNotFound(resource string, details map[string]any) error {
	return &DomainError{
		Code:    "NOT_FOUND",
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: details,
	}
}

// NewInfrastructure wraps a transient persistence or transport failure.
func NewInfrastructure(err error) error {
	return &DomainError{
		Code:    "INFRASTRUCTURE",
		Kind:    KindInfrastructure,
		Message: "infrastructure failure",
		Err:     err,
	}
}

// ToDomainError converts generic errors to DomainError, classifying missing
// rows as not-found so callers can tell them apart from real failures.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &DomainError{
			Code:    "NOT_FOUND",
			Kind:    KindNotFound,
			Message: "resource not found",
			Err:     err,
		}
	}
	return &DomainError{
		Code:    "INFRASTRUCTURE",
		Kind:    KindInfrastructure,
		Message: "infrastructure failure",
		Err:     err,
	}
}

// IsNotFound reports whether err is a not-found condition.
func IsNotFound(err error) bool {
	de := ToDomainError(err)
	return de != nil && de.Kind == KindNotFound
}
