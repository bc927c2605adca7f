// Package apperr classifies reconciliation failures so the controller can
// decide between retrying with backoff and surfacing a degraded status.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	SourceUnavailable   Code = "SourceUnavailable"
	RevisionNotFound    Code = "RevisionNotFound"
	ClusterUnreachable  Code = "ClusterUnreachable"
	PermissionDenied    Code = "PermissionDenied"
	ConflictingIdentity Code = "ConflictingIdentity"
	PartialApplyFailure Code = "PartialApplyFailure"
	Timeout             Code = "Timeout"
)

type Error struct {
	Code Code
	Err  error
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the taxonomy code from err, or empty when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether backoff retries can make progress.
// ConflictingIdentity needs a source change and PermissionDenied a config
// change, so both are surfaced as degraded immediately; the loop still
// retries them at the backoff cap rather than giving up.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ConflictingIdentity, PermissionDenied:
		return false
	default:
		return true
	}
}
