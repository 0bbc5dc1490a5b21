package spawner

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aatumaykin/seorunner/internal/sanitizer"
)

type ErrorCode string

const (
	ErrCodeInitFailed ErrorCode = "INIT_FAILED"
	ErrCodeAuth       ErrorCode = "AUTH_ERROR"
	ErrCodePermission ErrorCode = "PERMISSION_ERROR"
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeTool       ErrorCode = "TOOL_ERROR"
	ErrCodeTimeout    ErrorCode = "TIMEOUT"
	ErrCodeCrash      ErrorCode = "CRASH"
	ErrCodeSpawn      ErrorCode = "SPAWN_ERROR"
)

// Error is a classified invocation failure.
type Error struct {
	Code    ErrorCode
	Message string
	// Stderr is the redacted tail of the worker's stderr, when captured.
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the code to the status the calling layer responds with.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Code)
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code ErrorCode) int {
	switch code {
	case ErrCodeAuth:
		return http.StatusUnauthorized
	case ErrCodePermission:
		return http.StatusForbidden
	case ErrCodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the code from err, or returns "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Classify guesses a failure category from worker error text. The worker's
// wording is not a stable contract, so this is best-effort.
func Classify(text string) ErrorCode {
	switch {
	case sanitizer.ContainsAny(text, "permission", "forbidden"):
		return ErrCodePermission
	case sanitizer.ContainsAny(text, "unauthorized", "invalid_grant"):
		return ErrCodeAuth
	case sanitizer.ContainsAny(text, "invalid", "bad request"):
		return ErrCodeValidation
	default:
		return ErrCodeTool
	}
}
