package shielderrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code classifies a shield error so callers can branch without string
// matching.
type Code string

const (
	CodeRateLimitExceeded Code = "rate_limit_exceeded"
	CodeThrottleExceeded  Code = "throttle_exceeded"
	CodeCircuitOpen       Code = "circuit_open"
	CodeOverloadRejected  Code = "overload_rejected"
	CodeTimeout           Code = "operation_timeout"
	CodeConfiguration     Code = "configuration_error"
	CodeStorage           Code = "storage_error"
)

// Error is a structured error carrying the admission taxonomy plus retry
// metadata. Rejection outcomes are usually returned as decision values;
// an Error is produced when the caller asked for an error-shaped result
// (Execute paths) or when infrastructure failed.
type Error struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	Key        string        `json:"key,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"-"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is reports whether target is an *Error with the same code, so wrapped
// and annotated instances still match the taxonomy singletons.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// HTTPStatus maps the code to the status a transport adapter should write.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeRateLimitExceeded, CodeThrottleExceeded:
		return http.StatusTooManyRequests
	case CodeCircuitOpen, CodeOverloadRejected:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Taxonomy singletons. Compare with errors.Is.
var (
	ErrRateLimitExceeded = &Error{
		Code:      CodeRateLimitExceeded,
		Message:   "rate limit exceeded",
		Retryable: true,
	}

	ErrThrottleExceeded = &Error{
		Code:      CodeThrottleExceeded,
		Message:   "throttle limit exceeded",
		Retryable: true,
	}

	ErrCircuitOpen = &Error{
		Code:      CodeCircuitOpen,
		Message:   "circuit breaker is open",
		Retryable: true,
	}

	ErrOverloadRejected = &Error{
		Code:      CodeOverloadRejected,
		Message:   "system is overloaded",
		Retryable: true,
	}

	ErrConfiguration = &Error{
		Code:    CodeConfiguration,
		Message: "invalid configuration",
	}

	ErrStorage = &Error{
		Code:    CodeStorage,
		Message: "storage backend failure",
	}
)

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: retryable(code),
	}
}

// Wrap wraps an error with a taxonomy code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Retryable:  retryable(code),
		underlying: err,
	}
}

func retryable(code Code) bool {
	switch code {
	case CodeRateLimitExceeded, CodeThrottleExceeded, CodeCircuitOpen, CodeOverloadRejected, CodeTimeout:
		return true
	}
	return false
}

// WithDetails returns a copy with a details string attached.
func (e *Error) WithDetails(details string) *Error {
	c := *e
	c.Details = details
	return &c
}

// WithKey returns a copy tagged with the protection key that produced it.
func (e *Error) WithKey(key string) *Error {
	c := *e
	c.Key = key
	return &c
}

// WithRetryAfter returns a copy carrying the wait hint for the caller.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := *e
	c.RetryAfter = d
	return &c
}

// AsError extracts a *Error from err, unwrapping as needed.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
