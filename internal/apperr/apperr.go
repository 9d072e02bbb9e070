// Package apperr defines the typed error kinds shared by the automation components.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and boundary mapping.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound: the referenced entity is absent.
	KindNotFound
	// KindInvalidState: the operation is not valid for the current state.
	KindInvalidState
	// KindConflict: an optimistic claim lost a race. Expected under overlapping deliveries.
	KindConflict
	// KindTransport: an outbound call failed and may be retried.
	KindTransport
	// KindConfiguration: a required threshold or secret is missing. Aborts the invocation.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "transport"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrInvalidState  = &Error{Kind: KindInvalidState}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrConfiguration = &Error{Kind: KindConfiguration}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// E builds an error of kind k.
func E(k Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind k to err.
func Wrap(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// NotFound is shorthand for E(KindNotFound, ...).
func NotFound(op, format string, args ...interface{}) *Error {
	return E(KindNotFound, op, format, args...)
}

// InvalidState is shorthand for E(KindInvalidState, ...).
func InvalidState(op, format string, args ...interface{}) *Error {
	return E(KindInvalidState, op, format, args...)
}

// Conflict is shorthand for E(KindConflict, ...).
func Conflict(op, format string, args ...interface{}) *Error {
	return E(KindConflict, op, format, args...)
}

// Configuration is shorthand for E(KindConfiguration, ...).
func Configuration(op, format string, args ...interface{}) *Error {
	return E(KindConfiguration, op, format, args...)
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsConflict reports whether err is a lost optimistic claim.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err is KindNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConfiguration reports whether err should abort the whole invocation.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
