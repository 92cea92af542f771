package llm

import (
	"context"
	"errors"
	"time"
)

// Error represents a provider-neutral LLM error.
type Error struct {
	Type        ErrorType
	Message     string
	Retryable   bool
	RetryAfter  *time.Duration
	StatusCode  int
	Code        string // Vendor error code, e.g. "model_decommissioned"
	ProviderErr error  // Original provider-specific error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeCancelled       ErrorType = "cancelled"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeQuotaExceeded   ErrorType = "quota_exceeded"
	ErrorTypeRequestTooLarge ErrorType = "request_too_large"
	ErrorTypeUnknown         ErrorType = "unknown"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ProviderErr != nil {
		return e.Message + ": " + e.ProviderErr.Error()
	}
	return e.Message
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.ProviderErr
}

func hasType(err error, t ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == t
	}
	return false
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsNetworkError checks if an error is a transport failure that survived retries.
func IsNetworkError(err error) bool { return hasType(err, ErrorTypeNetwork) }

// IsTimeoutError checks if an error is a deadline expiry.
func IsTimeoutError(err error) bool { return hasType(err, ErrorTypeTimeout) }

// IsCancelledError checks if an error is a caller-initiated cancellation.
func IsCancelledError(err error) bool { return hasType(err, ErrorTypeCancelled) }

// IsProviderError checks if an error is a vendor-reported failure.
func IsProviderError(err error) bool { return hasType(err, ErrorTypeProvider) }

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool { return hasType(err, ErrorTypeRateLimit) }

// IsQuotaExceededError checks if an error came from a denied rate-limit check.
func IsQuotaExceededError(err error) bool { return hasType(err, ErrorTypeQuotaExceeded) }

// IsRequestTooLargeError checks if an error is a request too large error.
func IsRequestTooLargeError(err error) bool { return hasType(err, ErrorTypeRequestTooLarge) }

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// IsFallbackEligible reports whether a failure of the primary provider may be
// answered by switching to a secondary provider. Timeouts, cancellations and
// validation failures are never eligible.
func IsFallbackEligible(err error) bool {
	var llmErr *Error
	if !errors.As(err, &llmErr) {
		return false
	}
	switch llmErr.Type {
	case ErrorTypeNetwork, ErrorTypeProvider, ErrorTypeRateLimit, ErrorTypeUnknown:
		return true
	default:
		return false
	}
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// NewValidationError creates a new validation error.
func NewValidationError(message string) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewNetworkError creates a new network error.
func NewNetworkError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeNetwork,
		Message:     message,
		Retryable:   true,
		ProviderErr: providerErr,
	}
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeTimeout,
		Message:     message,
		ProviderErr: providerErr,
	}
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeCancelled,
		Message:     message,
		ProviderErr: providerErr,
	}
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, retryAfter *time.Duration, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRateLimit,
		Message:     message,
		Retryable:   true,
		RetryAfter:  retryAfter,
		ProviderErr: providerErr,
	}
}

// NewQuotaExceededError creates an error for a denied rate-limit check.
func NewQuotaExceededError(message string, resetAt time.Time) *Error {
	var retryAfter *time.Duration
	if !resetAt.IsZero() {
		d := time.Until(resetAt)
		retryAfter = &d
	}
	return &Error{
		Type:       ErrorTypeQuotaExceeded,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// NewRequestTooLargeError creates a new request too large error.
func NewRequestTooLargeError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRequestTooLarge,
		Message:     message,
		Retryable:   true,
		ProviderErr: providerErr,
	}
}

// NewProviderError creates a new provider error.
func NewProviderError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeProvider,
		Message:     message,
		Retryable:   false,
		ProviderErr: providerErr,
	}
}

// NewUnknownError creates an error for failures outside the other categories.
func NewUnknownError(message string, err error) *Error {
	return &Error{
		Type:        ErrorTypeUnknown,
		Message:     message,
		ProviderErr: err,
	}
}

// FromContext converts a finished context into a timeout or cancellation
// error. Expiry of a deadline installed with context.WithTimeoutCause is
// reported through its cause.
func FromContext(ctx context.Context, message string) *Error {
	cause := context.Cause(ctx)
	if cause == nil {
		return nil
	}
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, ErrDeadline) {
		return NewTimeoutError(message, cause)
	}
	return NewCancelledError(message, cause)
}

// ErrDeadline is the cancellation cause used for request timeouts.
var ErrDeadline = errors.New("request deadline exceeded")
