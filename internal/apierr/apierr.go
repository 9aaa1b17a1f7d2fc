package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error carries an HTTP-ish status so consumers and handlers can tell
// terminal business conditions apart from transient failures.
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Unprocessable(msg string) *Error {
	return New(http.StatusUnprocessableEntity, "unprocessable_entity", errors.New(msg))
}

func TooManyRequests(msg string) *Error {
	return New(http.StatusTooManyRequests, "too_many_requests", errors.New(msg))
}

func NotFound(msg string) *Error {
	return New(http.StatusNotFound, "not_found", errors.New(msg))
}

func BadRequest(msg string) *Error {
	return New(http.StatusBadRequest, "validation_error", errors.New(msg))
}

// StatusOf returns the status carried by err, or 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

func IsUnprocessable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusUnprocessableEntity
}

func IsTooManyRequests(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusTooManyRequests
}
