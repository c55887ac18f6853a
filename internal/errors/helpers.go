package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewAPIError creates an error for a failed backend call. Server errors, timeouts
// and rate limiting are retryable; everything else is not.
func NewAPIError(code ErrorCode, endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, code, fmt.Sprintf("%s call failed", endpoint)).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)

	appErr.Retryable = isRetryableStatus(statusCode)
	return appErr
}

// NewTransportError wraps a network level failure, which is always retryable
func NewTransportError(code ErrorCode, endpoint string, err error) *AppError {
	return WrapRetryable(err, code, fmt.Sprintf("%s request failed", endpoint)).
		WithContext("endpoint", endpoint)
}

// NewMalformedPayloadError records a payload that could not be decoded
func NewMalformedPayloadError(source string, err error) *AppError {
	return Wrap(err, ErrCodeMalformedPayload, fmt.Sprintf("malformed %s payload", source)).
		WithContext("source", source)
}

// NewSessionStoreError creates a session store error with operation context
func NewSessionStoreError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeSessionStore, fmt.Sprintf("session store %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Local session storage failed")
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

func isRetryableStatus(statusCode int) bool {
	return statusCode >= http.StatusInternalServerError ||
		statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout
}
