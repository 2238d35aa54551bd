// Package bridgeerr defines the error taxonomy used on both sides of the bridge.
//
// Errors are categorized by Kind. Every kind is flattened into the string error
// field of a Failure envelope at the client boundary, so callers never need to
// parse them structurally; the kinds exist to make construction uniform and to
// drive retry decisions inside the bridge:
//
//	transport, timeout -> retried by the handshake probe, then surfaced
//	protocol, engine   -> never retried
//	not_ready          -> avoided by Client.ensureReady
//	closed             -> channel torn down by Terminate or a worker crash
package bridgeerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a bridge failure.
type Kind string

const (
	KindTransport Kind = "transport"
	KindTimeout   Kind = "timeout"
	KindProtocol  Kind = "protocol"
	KindNotReady  Kind = "not_ready"
	KindEngine    Kind = "engine"
	KindClosed    Kind = "closed"
)

// Error is the structured error type produced by bridge components.
type Error struct {
	Kind   Kind
	Op     string // operation name, e.g. "generateProof"
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: KindTimeout})
// works as a kind test.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func newError(kind Kind, op string, cause error, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Detail: detail, Cause: cause}
}

// Transport reports an unreachable channel, spawn failure or delivery failure.
func Transport(op string, cause error, format string, args ...any) *Error {
	return newError(KindTransport, op, cause, format, args...)
}

// Timeout reports an attempt that exceeded its window.
func Timeout(op string, format string, args ...any) *Error {
	return newError(KindTimeout, op, nil, format, args...)
}

// Protocol reports an envelope or message that could not be decoded.
func Protocol(op string, cause error, format string, args ...any) *Error {
	return newError(KindProtocol, op, cause, format, args...)
}

// NotReady reports a business call made before a successful initialize.
func NotReady(op string) *Error {
	return newError(KindNotReady, op, nil, "worker not initialized, call initialize first")
}

// Engine wraps a fault raised by the external engine.
func Engine(op string, cause error, format string, args ...any) *Error {
	return newError(KindEngine, op, cause, format, args...)
}

// Closed reports a call on a channel or client that has been torn down.
func Closed(op string, format string, args ...any) *Error {
	return newError(KindClosed, op, nil, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain.
// Errors that carry no kind are treated as transport failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// Retryable reports whether the handshake probe may retry after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}
