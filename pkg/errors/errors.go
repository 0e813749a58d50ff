package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrPageNotFound   = errors.New("page not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
	ErrThrottled      = errors.New("throttled")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`

	// Upstream names the unavailable dependency for UPSTREAM_UNAVAILABLE errors.
	Upstream string `json:"-"`
	// RetryAfter is set on conflicts that resolve by waiting.
	RetryAfter time.Duration `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error for a single entity lookup.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// PageNotFound creates a 404 error for a page number past the last page.
func PageNotFound(page int) *AppError {
	return &AppError{
		Code:    "PAGE_NOT_FOUND",
		Message: fmt.Sprintf("Invalid page (%d): That page contains no results", page),
		Status:  http.StatusNotFound,
		Err:     ErrPageNotFound,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "BAD_REQUEST",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// Conflict creates a 409 error. A positive retryAfter is reported to the
// client as the number of seconds to wait.
func Conflict(message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       "CONFLICT",
		Message:    message,
		Status:     http.StatusConflict,
		Err:        ErrConflict,
		RetryAfter: retryAfter,
	}
}

// Throttled creates a 429 error.
func Throttled(retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       "THROTTLED",
		Message:    "Request was throttled.",
		Status:     http.StatusTooManyRequests,
		Err:        ErrThrottled,
		RetryAfter: retryAfter,
	}
}

// Upstream creates a 503 error naming the dependency that failed.
func Upstream(name string, err error) *AppError {
	return &AppError{
		Code:     "UPSTREAM_UNAVAILABLE",
		Message:  fmt.Sprintf("%s unavailable", name),
		Status:   http.StatusServiceUnavailable,
		Err:      errors.Join(ErrServiceUnavail, err),
		Upstream: name,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// As returns the AppError in err's chain, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPageNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
