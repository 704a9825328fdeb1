// Package faults defines the error kinds the service branches on. Callers
// classify with [KindOf] or errors.As rather than matching message strings.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed import/update payloads, oversized note
	// content, and malformed connections.
	KindValidation
	// KindNotFound means neither a static record nor live content exists.
	KindNotFound
	// KindConflict is a version/ETag mismatch on a conditional write.
	KindConflict
	// KindPersistence is a snapshot or record store read/write failure.
	KindPersistence
	// KindProtocol is a malformed binary transport message.
	KindProtocol
	// KindResourceLimit means note/connection counts exceed configured maxima.
	KindResourceLimit
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPersistence:
		return "persistence"
	case KindProtocol:
		return "protocol"
	case KindResourceLimit:
		return "resource_limit"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

func ResourceLimit(format string, args ...interface{}) *Error {
	return newf(KindResourceLimit, format, args...)
}

// Persistence wraps a storage fault with context.
func Persistence(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindPersistence, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Protocol wraps a transport decode/apply fault with context.
func Protocol(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from anywhere in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
