package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for propagation decisions: per-connection
// errors are reported to the originating connection only, moderation errors
// go back to the administrative caller.
type ErrorKind string

const (
	KindValidation  ErrorKind = "VALIDATION"
	KindNotFound    ErrorKind = "NOT_FOUND"
	KindForbidden   ErrorKind = "FORBIDDEN"
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindBlocked     ErrorKind = "BLOCKED"
	KindConflict    ErrorKind = "CONFLICT"
	KindTransient   ErrorKind = "TRANSIENT"
)

type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func ValidationError(message string) *Error  { return NewError(KindValidation, message) }
func NotFoundError(message string) *Error    { return NewError(KindNotFound, message) }
func ForbiddenError(message string) *Error   { return NewError(KindForbidden, message) }
func RateLimitedError(message string) *Error { return NewError(KindRateLimited, message) }
func BlockedError(message string) *Error     { return NewError(KindBlocked, message) }
func ConflictError(message string) *Error    { return NewError(KindConflict, message) }
func TransientError(message string, cause error) *Error {
	return WrapError(KindTransient, message, cause)
}

// KindOf returns the kind of err, or KindTransient for untyped errors, so
// unknown failures are never presented as anything more specific than a
// generic failure.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
