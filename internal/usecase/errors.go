package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorBackend      ErrorCode = "BACKEND_ERROR"
	ErrorDispatch     ErrorCode = "DISPATCH_ERROR"
	ErrorCancelled    ErrorCode = "CANCELLED"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is returned by RelayService for failures the caller may want to
// classify. Superseded deliveries are outcomes, not errors.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
