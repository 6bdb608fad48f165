package transaction

import (
	"errors"
	"fmt"
)

// Kind classifies transaction failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotActive
	KindIllegalState
	KindTimeout
	KindConflict
	KindAborted
	KindUnsupported
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotActive:
		return "transaction not active"
	case KindIllegalState:
		return "illegal state"
	case KindTimeout:
		return "transaction timeout"
	case KindConflict:
		return "transaction conflict"
	case KindAborted:
		return "transaction aborted"
	case KindUnsupported:
		return "unsupported operation"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the transaction layer and by the store
// adapters once engine failures have been translated.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels below by kind, so errors.Is(err, ErrTimeout)
// holds for any timeout error in the chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrNotActive       = &Error{Kind: KindNotActive}
	ErrIllegalState    = &Error{Kind: KindIllegalState}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrAborted         = &Error{Kind: KindAborted}
	ErrUnsupported     = &Error{Kind: KindUnsupported}
	ErrFatal           = &Error{Kind: KindFatal}
)

// NewError builds an error of the given kind wrapping cause, which may be nil.
func NewError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether running the whole unit of work again in a fresh
// transaction may succeed: the chain holds a timeout or conflict and nothing fatal.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrFatal) {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConflict)
}
