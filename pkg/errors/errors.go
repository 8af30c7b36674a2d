// Package errors provides error wrapping utilities for context-aware error messages
// and the failure kinds reported by upgrade runs.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure so callers can decide between abort, rollback and retry.
type Kind string

const (
	KindUnknown            Kind = ""
	KindRuntimeUnavailable Kind = "RuntimeUnavailable"
	KindDumpFailed         Kind = "DumpFailed"
	KindVerificationFailed Kind = "VerificationFailed"
	KindShutdownTimeout    Kind = "ShutdownTimeout"
	KindConfigWriteFailed  Kind = "ConfigWriteFailed"
	KindRestoreFailed      Kind = "RestoreFailed"
	KindArgumentError      Kind = "ArgumentError"
	KindNotFound           Kind = "NotFound"
	KindLocked             Kind = "Locked"
)

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: stderrors.New(msg)}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithKind tags err with kind. A nil err stays nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the outermost Kind found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Is mirrors the standard library so callers need a single errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As mirrors the standard library so callers need a single errors import.
func As(err error, target any) bool { return stderrors.As(err, target) }
