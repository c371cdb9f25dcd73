package registry

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// ErrorKind classifies service failures so transports can map them to
// status codes without string matching.
type ErrorKind int

const (
	// KindInternal is the catch-all for unexpected failures.
	KindInternal ErrorKind = iota
	// KindNotFound means the requested agent or capability does not exist.
	KindNotFound
	// KindValidation means the payload, a name, a version, or a selector
	// was malformed.
	KindValidation
	// KindSecurityViolation means a policy check rejected the registration.
	KindSecurityViolation
	// KindConflict means the registration collides with an existing agent.
	KindConflict
	// KindTransient means the operation may succeed if retried.
	KindTransient
)

// ServiceError is the error type returned by all Service operations.
type ServiceError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match by kind: errors.Is(err, &ServiceError{Kind: KindNotFound}).
func (e *ServiceError) Is(target error) bool {
	var t *ServiceError
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus maps the error kind to its wire status code.
func (e *ServiceError) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindSecurityViolation:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindString returns the wire name of the error kind.
func (e *ServiceError) KindString() string {
	switch e.Kind {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_error"
	case KindSecurityViolation:
		return "security_violation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// NewNotFound builds a not_found error.
func NewNotFound(format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError builds a validation_error.
func NewValidationError(format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewSecurityViolation builds a security_violation error.
func NewSecurityViolation(format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: KindSecurityViolation, Message: fmt.Sprintf(format, args...)}
}

// NewConflict builds a conflict error.
func NewConflict(format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NewTransient wraps a retryable failure.
func NewTransient(err error, format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: KindTransient, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewInternal wraps an unexpected failure.
func NewInternal(err error, format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsServiceError extracts a *ServiceError from any error chain, wrapping
// unknown errors as internal.
func AsServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return &ServiceError{Kind: KindInternal, Message: "internal error", Err: err}
}

// NewCorrelationID returns an opaque id logged alongside 500 responses so
// operators can match a client report to the server log line.
func NewCorrelationID() string {
	return uuid.NewString()
}
