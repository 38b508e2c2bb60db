package engine

import (
	"errors"
	"fmt"
)

// Status is an engine status code.
type Status int

// Engine status codes.
const (
	StatusOK Status = iota
	StatusNotFound
	StatusConflict
	StatusUnsupported
	StatusCorrupt
	StatusInvalidConfig
	StatusBusy
	StatusIOError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not found"
	case StatusConflict:
		return "conflict"
	case StatusUnsupported:
		return "unsupported"
	case StatusCorrupt:
		return "corrupt"
	case StatusInvalidConfig:
		return "invalid config"
	case StatusBusy:
		return "busy"
	case StatusIOError:
		return "i/o error"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Error is a failure reported by the engine, carrying its status code.
type Error struct {
	Status Status
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Cause != nil:
		return fmt.Sprintf("engine: %s: %s: %s", e.Status, e.Msg, e.Cause)
	case e.Msg != "":
		return fmt.Sprintf("engine: %s: %s", e.Status, e.Msg)
	case e.Cause != nil:
		return fmt.Sprintf("engine: %s: %s", e.Status, e.Cause)
	default:
		return fmt.Sprintf("engine: %s", e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports status equality, so errors.Is(err, &Error{Status: X}) works for
// sentinel matching.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Status == other.Status
}

// Sentinel errors for the most common statuses.
var (
	ErrNotFound    = &Error{Status: StatusNotFound}
	ErrConflict    = &Error{Status: StatusConflict}
	ErrUnsupported = &Error{Status: StatusUnsupported}
	ErrCorrupt     = &Error{Status: StatusCorrupt}
)

// Errf creates a new engine error with a formatted message.
func Errf(status Status, format string, args ...interface{}) *Error {
	return &Error{Status: status, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying failure with a status code.
func Wrap(status Status, err error) *Error {
	return &Error{Status: status, Cause: err}
}

// StatusOf extracts the status code of an error, or StatusIOError if the
// error is not an engine error. A nil error maps to StatusOK.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusIOError
}

// IsNotFound reports whether err is an engine not-found error.
func IsNotFound(err error) bool {
	return StatusOf(err) == StatusNotFound
}
