// Package errors defines the typed error taxonomy for the QKMS core.
// Every expected business outcome (not found, expired, consumed, unauthorized,
// ...) is a distinct code so that callers can decide whether a retry can ever
// help, and so the HTTP layer can map errors to status codes mechanically.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure. The set is closed.
type Code string

const (
	// CodeValidation indicates a malformed or incomplete request.
	CodeValidation Code = "validation_error"
	// CodeAuthenticationFailed indicates the caller identity itself is invalid.
	CodeAuthenticationFailed Code = "authentication_failed"
	// CodeUnauthorized indicates an authenticated caller that is not the
	// intended party for the key material.
	CodeUnauthorized Code = "unauthorized"
	// CodeNotFound indicates the requested record does not exist (or is not
	// visible in the caller's KM instance).
	CodeNotFound Code = "not_found"
	// CodeExpired indicates the key's expires_at is in the past.
	CodeExpired Code = "expired"
	// CodeConsumed indicates the key has already been consumed. Retry never helps.
	CodeConsumed Code = "consumed"
	// CodeEncryptionFailure indicates an authentication-tag mismatch or a
	// one-time-pad length mismatch during decryption.
	CodeEncryptionFailure Code = "encryption_failure"
	// CodeServiceUnavailable indicates the remote key management service could
	// not be reached. Retry may help.
	CodeServiceUnavailable Code = "service_unavailable"
	// CodeKeyAgreement indicates the channel simulator could not reach the
	// requested key size, or the two parties' copies diverged. Fatal for the session.
	CodeKeyAgreement Code = "key_agreement_failure"
	// CodeInternal is the fallback for unexpected failures.
	CodeInternal Code = "internal_error"
)

// Error is the structured error carried across all layers of the service.
type Error struct {
	code       Code
	httpStatus int
	message    string
	cause      error
	metadata   map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error classification code.
func (e *Error) Code() Code { return e.code }

// HTTPStatus returns the HTTP status code this error maps to.
func (e *Error) HTTPStatus() int { return e.httpStatus }

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error to the chain.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// WithMetadata attaches a context key/value pair for logging and responses.
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

// Metadata returns all attached metadata.
func (e *Error) Metadata() map[string]interface{} { return e.metadata }

// New creates an Error with an explicit code, HTTP status, and message.
func New(code Code, httpStatus int, message string) *Error {
	return &Error{code: code, httpStatus: httpStatus, message: message}
}

// ================================================================================
// Predefined Constructors
// ================================================================================

// ErrValidation creates a validation_error (HTTP 400).
func ErrValidation(message string) *Error {
	return New(CodeValidation, http.StatusBadRequest, message)
}

// ErrMissingField creates a validation_error for an absent request field.
func ErrMissingField(field string) *Error {
	return ErrValidation(fmt.Sprintf("missing required field: %s", field)).
		WithMetadata("field", field)
}

// ErrAuthenticationFailed creates an authentication_failed error (HTTP 401).
func ErrAuthenticationFailed(message string) *Error {
	return New(CodeAuthenticationFailed, http.StatusUnauthorized, message)
}

// ErrUnauthorized creates an unauthorized error (HTTP 403).
func ErrUnauthorized(message string) *Error {
	return New(CodeUnauthorized, http.StatusForbidden, message)
}

// ErrKeyNotFound creates a not_found error for a key id (HTTP 404).
func ErrKeyNotFound(keyID string) *Error {
	return New(CodeNotFound, http.StatusNotFound, fmt.Sprintf("key %s not found", keyID)).
		WithMetadata("key_id", keyID)
}

// ErrNotFound creates a generic not_found error (HTTP 404).
func ErrNotFound(message string) *Error {
	return New(CodeNotFound, http.StatusNotFound, message)
}

// ErrKeyExpired creates an expired error (HTTP 410).
func ErrKeyExpired(keyID string) *Error {
	return New(CodeExpired, http.StatusGone, fmt.Sprintf("key %s has expired", keyID)).
		WithMetadata("key_id", keyID)
}

// ErrKeyConsumed creates a consumed error (HTTP 410).
func ErrKeyConsumed(keyID string) *Error {
	return New(CodeConsumed, http.StatusGone, fmt.Sprintf("key %s has already been consumed", keyID)).
		WithMetadata("key_id", keyID)
}

// ErrEncryptionFailure creates an encryption_failure error. It never leaves the
// crypto dispatch layer as an HTTP response, so the status is advisory.
func ErrEncryptionFailure(message string) *Error {
	return New(CodeEncryptionFailure, http.StatusUnprocessableEntity, message)
}

// ErrServiceUnavailable creates a service_unavailable error (HTTP 503).
func ErrServiceUnavailable(message string) *Error {
	return New(CodeServiceUnavailable, http.StatusServiceUnavailable, message)
}

// ErrKeyAgreement creates a key_agreement_failure error (HTTP 500).
func ErrKeyAgreement(message string) *Error {
	return New(CodeKeyAgreement, http.StatusInternalServerError, message)
}

// ErrInternal creates an internal_error (HTTP 500).
func ErrInternal(message string) *Error {
	return New(CodeInternal, http.StatusInternalServerError, message)
}

// ================================================================================
// Classification Helpers
// ================================================================================

// CodeOf extracts the Code from an error chain, or CodeInternal if none is present.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return CodeInternal
}

// HTTPStatusOf extracts the HTTP status from an error chain, defaulting to 500.
func HTTPStatusOf(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		return e.httpStatus
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

// IsExpired reports whether err is an expired error.
func IsExpired(err error) bool { return IsCode(err, CodeExpired) }

// IsConsumed reports whether err is a consumed error.
func IsConsumed(err error) bool { return IsCode(err, CodeConsumed) }

// IsUnauthorized reports whether err is an unauthorized error.
func IsUnauthorized(err error) bool { return IsCode(err, CodeUnauthorized) }

// IsEncryptionFailure reports whether err is an encryption_failure error.
func IsEncryptionFailure(err error) bool { return IsCode(err, CodeEncryptionFailure) }

// IsServiceUnavailable reports whether err is a service_unavailable error.
func IsServiceUnavailable(err error) bool { return IsCode(err, CodeServiceUnavailable) }

// IsRetryable reports whether a retry of the same operation can ever succeed.
// Only transient transport-level failures qualify; consumed, expired, and
// unauthorized outcomes are final.
func IsRetryable(err error) bool { return IsCode(err, CodeServiceUnavailable) }

// ================================================================================
// HTTP Response Shape
// ================================================================================

// ErrorResponse is the JSON error envelope returned by the REST surface.
type ErrorResponse struct {
	Status   string                 `json:"status"`
	Error    string                 `json:"error"`
	Code     string                 `json:"code"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToErrorResponse converts any error into the REST error envelope.
func ToErrorResponse(err error) *ErrorResponse {
	var e *Error
	if stderrors.As(err, &e) {
		return &ErrorResponse{
			Status:   "error",
			Error:    e.message,
			Code:     string(e.code),
			Metadata: e.metadata,
		}
	}
	return &ErrorResponse{
		Status: "error",
		Error:  "an unexpected error occurred",
		Code:   string(CodeInternal),
	}
}
