// Package errors defines the service error taxonomy shared by every layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies an error category.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeInvalidToken  Code = "INVALID_TOKEN"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeRateLimited   Code = "RATE_LIMIT_EXCEEDED"
	CodeChain         Code = "CHAIN_ERROR"
	CodeEventNotFound Code = "EVENT_NOT_FOUND"
	CodeDecode        Code = "DECODE_ERROR"
	CodeTimeout       Code = "TIMEOUT"
	CodeCrypto        Code = "CRYPTO_ERROR"
	CodeConversion    Code = "CONVERSION_ERROR"
	CodeUnavailable   Code = "SERVICE_UNAVAILABLE"
	CodeInternal      Code = "INTERNAL_ERROR"
)

// ServiceError is the error type returned across package boundaries.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches any ServiceError with the same code, so the package sentinels
// work with errors.Is.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails attaches a detail field and returns the receiver.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrValidation    = &ServiceError{Code: CodeValidation}
	ErrUnauthorized  = &ServiceError{Code: CodeUnauthorized}
	ErrForbidden     = &ServiceError{Code: CodeForbidden}
	ErrNotFound      = &ServiceError{Code: CodeNotFound}
	ErrChain         = &ServiceError{Code: CodeChain}
	ErrEventNotFound = &ServiceError{Code: CodeEventNotFound}
	ErrDecode        = &ServiceError{Code: CodeDecode}
	ErrTimeout       = &ServiceError{Code: CodeTimeout}
	ErrCrypto        = &ServiceError{Code: CodeCrypto}
	ErrConversion    = &ServiceError{Code: CodeConversion}
	ErrUnavailable   = &ServiceError{Code: CodeUnavailable}
)

func newError(code Code, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func Validation(message string) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, message, nil)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Unauthorized"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "Invalid or expired token", err)
}

func Forbidden(message string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

// NotPurchased reports a requester without a recorded purchase.
func NotPurchased(buyer, contentID string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, "content has not been purchased by this account", nil).
		WithDetails("buyer", buyer).
		WithDetails("content", contentID)
}

func NotFound(resource string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, resource+" not found", nil)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, "Rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Chain reports a failed or reverted ledger interaction.
func Chain(message string, err error) *ServiceError {
	return newError(CodeChain, http.StatusBadGateway, message, err)
}

// EventNotFound reports a receipt that lacks the expected event.
func EventNotFound(event, emitter string) *ServiceError {
	return newError(CodeEventNotFound, http.StatusInternalServerError, "event "+event+" not found in receipt", nil).
		WithDetails("event", event).
		WithDetails("emitter", emitter)
}

// Decode reports a payload that does not match its expected schema.
func Decode(what string, err error) *ServiceError {
	return newError(CodeDecode, http.StatusInternalServerError, "decode "+what, err)
}

func Timeout(message string) *ServiceError {
	return newError(CodeTimeout, http.StatusGatewayTimeout, message, nil)
}

// Crypto reports an encryption or decryption failure. The wrapped error is
// never exposed to clients.
func Crypto(message string, err error) *ServiceError {
	return newError(CodeCrypto, http.StatusInternalServerError, message, err)
}

func Conversion(message string, err error) *ServiceError {
	return newError(CodeConversion, http.StatusBadRequest, message, err)
}

func Unavailable(message string, err error) *ServiceError {
	return newError(CodeUnavailable, http.StatusServiceUnavailable, message, err)
}

func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError extracts the first ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if stderrors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// KindOf returns the code of err, or CodeInternal for foreign errors.
func KindOf(err error) Code {
	if err == nil {
		return ""
	}
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Code
	}
	return CodeInternal
}

// Is reports whether err has the given code.
func Is(err error, code Code) bool {
	return err != nil && KindOf(err) == code
}
