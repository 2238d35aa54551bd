// Package envelope implements the success-or-failure value that crosses the
// client/worker boundary.
//
// An Envelope carries an explicit discriminant written at construction time.
// Which variant a value is never depends on which payload field happens to be
// set, so a Failure whose error payload is the zero value is still a Failure
// after a round trip through the wire codec.
package envelope

import "fmt"

// Tag is the discriminant of an Envelope.
type Tag string

const (
	TagSuccess Tag = "ok"
	TagFailure Tag = "err"
)

// Envelope is a tagged union: exactly one of a success value T or a failure E.
// The zero Envelope has no tag and is rejected by the codec.
type Envelope[T, E any] struct {
	tag   Tag
	value T
	err   E
}

// Result is the envelope shape used at the client boundary: errors are strings.
type Result[T any] = Envelope[T, string]

// Success wraps a value.
func Success[T, E any](v T) Envelope[T, E] {
	return Envelope[T, E]{tag: TagSuccess, value: v}
}

// Failure wraps an error payload.
func Failure[T, E any](e E) Envelope[T, E] {
	return Envelope[T, E]{tag: TagFailure, err: e}
}

// Ok is Success for string-error envelopes.
func Ok[T any](v T) Result[T] {
	return Success[T, string](v)
}

// Fail is Failure for string-error envelopes.
func Fail[T any](format string, args ...any) Result[T] {
	if len(args) > 0 {
		format = fmt.Sprintf(format, args...)
	}
	return Failure[T, string](format)
}

// FromError flattens err into a Failure carrying err.Error().
func FromError[T any](err error) Result[T] {
	return Failure[T, string](err.Error())
}

// Recast re-types a failure so it can be propagated from one operation to another.
// It panics when r is a success, which would silently drop the value.
func Recast[U, T any](r Result[T]) Result[U] {
	if r.tag != TagFailure {
		panic("envelope: Recast on a success envelope")
	}
	return Failure[U, string](r.err)
}

func (e Envelope[T, E]) Tag() Tag {
	return e.tag
}

func (e Envelope[T, E]) IsSuccess() bool {
	return e.tag == TagSuccess
}

func (e Envelope[T, E]) IsFailure() bool {
	return e.tag == TagFailure
}

// Value returns the success value and true, or the zero T and false.
func (e Envelope[T, E]) Value() (T, bool) {
	if e.tag != TagSuccess {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Err returns the failure payload and true, or the zero E and false.
func (e Envelope[T, E]) Err() (E, bool) {
	if e.tag != TagFailure {
		var zero E
		return zero, false
	}
	return e.err, true
}

func (e Envelope[T, E]) String() string {
	switch e.tag {
	case TagSuccess:
		return fmt.Sprintf("Success(%v)", e.value)
	case TagFailure:
		return fmt.Sprintf("Failure(%v)", e.err)
	default:
		return "Envelope(<untagged>)"
	}
}
