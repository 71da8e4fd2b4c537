package hero

import (
	"fmt"
)

// ErrorKind classifies failures of the loader and the launch driver.
type ErrorKind int

const (
	KindMalformedContainer ErrorKind = iota + 1
	KindInvalidHostEntry
	KindUnresolvedSymbol
	KindNoApertureForSegment
	KindUnmappedSegment
	KindUnsupportedArgumentOffset
	KindArgumentBufferOverflow
	// KindProtocolViolation is fatal, the mailbox has no way to resynchronize once it happens.
	KindProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedContainer:
		return "malformed container"
	case KindInvalidHostEntry:
		return "invalid host entry"
	case KindUnresolvedSymbol:
		return "unresolved symbol"
	case KindNoApertureForSegment:
		return "no aperture for segment"
	case KindUnmappedSegment:
		return "unmapped segment"
	case KindUnsupportedArgumentOffset:
		return "unsupported argument offset"
	case KindArgumentBufferOverflow:
		return "argument buffer overflow"
	case KindProtocolViolation:
		return "mailbox protocol violation"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error is returned by every operation of this package that fails for one of the reasons described by ErrorKind.
// Symbol is set for unresolved or invalid entries, Addr for segment and mailbox failures. Err is the underlying cause,
// if any.
type Error struct {
	Kind   ErrorKind
	Symbol string
	Addr   uint64
	Err    error

	message string
}

func (e *Error) Error() string {
	msg := "hero: " + e.Kind.String()
	if e.message != "" {
		msg += ": " + e.message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is match any *Error of the same kind, so callers can compare against the Err* values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Err:     cause,
		message: fmt.Sprintf(format, args...),
	}
}

// Sentinels for errors.Is
var (
	ErrMalformedContainer        = &Error{Kind: KindMalformedContainer}
	ErrInvalidHostEntry          = &Error{Kind: KindInvalidHostEntry}
	ErrUnresolvedSymbol          = &Error{Kind: KindUnresolvedSymbol}
	ErrNoApertureForSegment      = &Error{Kind: KindNoApertureForSegment}
	ErrUnmappedSegment           = &Error{Kind: KindUnmappedSegment}
	ErrUnsupportedArgumentOffset = &Error{Kind: KindUnsupportedArgumentOffset}
	ErrArgumentBufferOverflow    = &Error{Kind: KindArgumentBufferOverflow}
	ErrProtocolViolation         = &Error{Kind: KindProtocolViolation}
)
