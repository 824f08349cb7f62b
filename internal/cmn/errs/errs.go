// Package errs defines the typed error kinds that cross component
// boundaries, per the error-handling design: everything but EngineCrashed
// is recoverable locally by the caller that sees it.
package errs

import "github.com/pkg/errors"

type Kind int

const (
	KindTransport Kind = iota
	KindRemoteDead
	KindPreAllocInsufficient
	KindRequestFinishedMidMigration
	KindGroupInitTimeout
	KindEngineCrashed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRemoteDead:
		return "remote-dead"
	case KindPreAllocInsufficient:
		return "pre-alloc-insufficient"
	case KindRequestFinishedMidMigration:
		return "request-finished-mid-migration"
	case KindGroupInitTimeout:
		return "group-init-timeout"
	case KindEngineCrashed:
		return "engine-crashed"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can switch on
// the failure mode without string-matching.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String() + ": " + e.Message + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Cause() error  { return e.cause }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, cause error, msg string) error {
	return &Error{Kind: kind, Message: msg, cause: errors.WithStack(cause)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.cause
			continue
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = cause.Cause()
	}
	return false
}

var (
	ErrTransport                 = func(cause error, msg string) error { return Wrap(KindTransport, cause, msg) }
	ErrRemoteDead                = func(cause error, msg string) error { return Wrap(KindRemoteDead, cause, msg) }
	ErrPreAllocInsufficient      = func(msg string) error { return New(KindPreAllocInsufficient, msg) }
	ErrRequestFinishedMidMigration = func(reqID string) error {
		return New(KindRequestFinishedMidMigration, "request "+reqID+" finished before migration completed")
	}
	ErrGroupInitTimeout = func(group string) error { return New(KindGroupInitTimeout, "group "+group+" failed to initialize in time") }
	ErrEngineCrashed    = func(instanceID string, cause error) error {
		return Wrap(KindEngineCrashed, cause, "engine crashed on instance "+instanceID)
	}
)
