package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for protocol mapping and local recovery.
type ErrorKind string

const (
	KindValidation     ErrorKind = "VALIDATION"
	KindNotFound       ErrorKind = "NOT_FOUND"
	KindForbidden      ErrorKind = "FORBIDDEN"
	KindConflict       ErrorKind = "CONFLICT"
	KindBroadcastEmpty ErrorKind = "BROADCAST_EMPTY"
	KindDBBusy         ErrorKind = "DB_BUSY"
	KindDBCorrupt      ErrorKind = "DB_CORRUPT"
	KindDBIntegrity    ErrorKind = "DB_INTEGRITY"
	KindIO             ErrorKind = "IO"
	KindLockStale      ErrorKind = "LOCK_STALE"
	KindLockHeld       ErrorKind = "LOCK_HELD"
	KindOversize       ErrorKind = "OVERSIZE"
	KindCancelled      ErrorKind = "CANCELLED"
	KindTimeout        ErrorKind = "TIMEOUT"
	KindShutdown       ErrorKind = "SHUTDOWN"
	KindPoolBusy       ErrorKind = "POOL_BUSY"
)

// Error is the unified kinded error. Details carries structured context
// (offending reservation ids, patterns) for machine consumption.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches on kind so errors.Is(err, &Error{Kind: KindNotFound}) matches
// any *Error of that kind in err's chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errf constructs a kinded error.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithDetail returns e with one structured detail attached.
func (e *Error) WithDetail(key string, val any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = val
	return e
}

// KindOf extracts the kind of err, or empty when err carries no kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the first *Error in err's chain (the one KindOf
// returns) has the given kind; kinds of errors wrapped beneath it are not
// consulted.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
