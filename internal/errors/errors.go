// Package errors defines the service error taxonomy shared by all core
// components. Errors carry a kind (client, infrastructure, fatal), a stable
// machine-readable code and the HTTP status the transport layer should use.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// KindClient covers malformed input, invalid credentials, rate limiting
	// and duplicate deposits. Never retried automatically.
	KindClient Kind = "client"
	// KindInfrastructure covers store and chain endpoint failures. Surfaced
	// distinctly so callers know a retry may help.
	KindInfrastructure Kind = "infrastructure"
	// KindFatal covers unrecoverable conditions such as entropy source
	// exhaustion during credential issuance.
	KindFatal Kind = "fatal"
)

// Code identifies a specific error outcome.
type Code string

const (
	CodeMissingCredential  Code = "MISSING_CREDENTIAL"
	CodeInvalidCredential  Code = "INVALID_CREDENTIAL"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeMalformedReference Code = "MALFORMED_REFERENCE"
	CodeNotConfirmed       Code = "NOT_CONFIRMED"
	CodeExecutionFailed    Code = "EXECUTION_FAILED"
	CodeNoMatchingTransfer Code = "NO_MATCHING_TRANSFER"
	CodeAmountOutOfBounds  Code = "AMOUNT_OUT_OF_BOUNDS"
	CodeAlreadyClaimed     Code = "ALREADY_CLAIMED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeForbidden          Code = "FORBIDDEN"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeInternal           Code = "INTERNAL"
	CodeEntropyExhausted   Code = "ENTROPY_EXHAUSTED"
)

// ServiceError is the canonical error type returned by core components.
type ServiceError struct {
	Kind       Kind
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *ServiceError) Unwrap() error { return e.cause }

// Is matches on code so sentinel-style comparisons work across wrapping.
func (e *ServiceError) Is(target error) bool {
	var se *ServiceError
	if errors.As(target, &se) {
		return e.Code == se.Code
	}
	return false
}

// WithDetails attaches a key/value pair for the structured error body.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetServiceError unwraps err to a *ServiceError, or nil if none is present.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// IsClient reports whether err is a client-kind service error.
func IsClient(err error) bool {
	se := GetServiceError(err)
	return se != nil && se.Kind == KindClient
}

// IsInfrastructure reports whether err is an infrastructure-kind service error.
func IsInfrastructure(err error) bool {
	se := GetServiceError(err)
	return se != nil && se.Kind == KindInfrastructure
}

// MissingCredential indicates no credential was presented.
func MissingCredential() *ServiceError {
	return &ServiceError{
		Kind:       KindClient,
		Code:       CodeMissingCredential,
		Message:    "authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InvalidCredential collapses "no such credential" and "wrong secret" into a
// single outcome so callers cannot probe for credential existence.
func InvalidCredential() *ServiceError {
	return &ServiceError{
		Kind:       KindClient,
		Code:       CodeInvalidCredential,
		Message:    "invalid credential",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// RateLimitExceeded indicates the subject exhausted its bucket for an action
// class. RetryAfter is seconds until the next token becomes available.
func RateLimitExceeded(remaining int, retryAfter float64) *ServiceError {
	e := &ServiceError{
		Kind:       KindClient,
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}
	return e.WithDetails("remaining", remaining).WithDetails("retry_after_seconds", retryAfter)
}

// MalformedReference indicates the transaction reference fails the canonical
// hash format check.
func MalformedReference(ref string) *ServiceError {
	e := &ServiceError{
		Kind:       KindClient,
		Code:       CodeMalformedReference,
		Message:    "malformed transaction reference",
		HTTPStatus: http.StatusBadRequest,
	}
	return e.WithDetails("reference", ref)
}

// NotConfirmed indicates the transaction has no receipt yet.
func NotConfirmed() *ServiceError {
	return &ServiceError{
		Kind:       KindClient,
		Code:       CodeNotConfirmed,
		Message:    "transaction not yet confirmed",
		HTTPStatus: http.StatusConflict,
	}
}

// ExecutionFailed indicates the on-chain execution reverted.
func ExecutionFailed() *ServiceError {
	return &ServiceError{
		Kind:       KindClient,
		Code:       CodeExecutionFailed,
		Message:    "transaction execution failed",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NoMatchingTransfer indicates the receipt carries no transfer event from the
// expected token contract to the treasury address.
func NoMatchingTransfer() *ServiceError {
	return &ServiceError{
		Kind:       KindClient,
		Code:       CodeNoMatchingTransfer,
		Message:    "no matching transfer to treasury",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// AmountOutOfBounds indicates the transferred amount falls outside the
// configured deposit bounds.
func AmountOutOfBounds(amount, min, max int64) *ServiceError {
	e := &ServiceError{
		Kind:       KindClient,
		Code:       CodeAmountOutOfBounds,
		Message:    "deposit amount out of bounds",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
	return e.WithDetails("amount", amount).WithDetails("min", min).WithDetails("max", max)
}

// AlreadyClaimed indicates the transaction reference was credited before.
func AlreadyClaimed(ref string) *ServiceError {
	e := &ServiceError{
		Kind:       KindClient,
		Code:       CodeAlreadyClaimed,
		Message:    "transaction already claimed",
		HTTPStatus: http.StatusConflict,
	}
	return e.WithDetails("reference", ref)
}

// NotFound indicates a referenced record does not exist.
func NotFound(resource string) *ServiceError {
	e := &ServiceError{
		Kind:       KindClient,
		Code:       CodeNotFound,
		Message:    "not found",
		HTTPStatus: http.StatusNotFound,
	}
	return e.WithDetails("resource", resource)
}

// Forbidden indicates the caller lacks permission for the operation.
func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "forbidden"
	}
	return &ServiceError{
		Kind:       KindClient,
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest indicates malformed request input outside the specific gates.
func BadRequest(message string) *ServiceError {
	return &ServiceError{
		Kind:       KindClient,
		Code:       CodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unavailable indicates a collaborating system (record store, chain endpoint)
// failed or timed out. Safe for the caller to retry.
func Unavailable(subsystem string, cause error) *ServiceError {
	e := &ServiceError{
		Kind:       KindInfrastructure,
		Code:       CodeUnavailable,
		Message:    "verification infrastructure unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		cause:      cause,
	}
	return e.WithDetails("subsystem", subsystem)
}

// Internal indicates an unexpected failure inside the core.
func Internal(message string, cause error) *ServiceError {
	return &ServiceError{
		Kind:       KindInfrastructure,
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		cause:      cause,
	}
}

// EntropyExhausted indicates the system entropy source failed during
// issuance. The operation must abort; a weak credential is never returned.
func EntropyExhausted(cause error) *ServiceError {
	return &ServiceError{
		Kind:       KindFatal,
		Code:       CodeEntropyExhausted,
		Message:    "entropy source exhausted",
		HTTPStatus: http.StatusInternalServerError,
		cause:      cause,
	}
}
