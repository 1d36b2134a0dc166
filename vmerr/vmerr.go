// Package vmerr defines the error kinds raised by the VM execution and
// audit core, in the style of tailang's PosError: a small typed wrapper
// carrying structured context around an underlying cause.
package vmerr

import "fmt"

type Kind string

const (
	KindMalformedLog       Kind = "malformed-log"
	KindAssertionMismatch  Kind = "assertion-mismatch"
	KindCapacity           Kind = "capacity"
	KindMethodNotSupported Kind = "method-not-supported"
	KindGuestError         Kind = "guest-error"
	KindStoreError         Kind = "store-error"
	KindClosed             Kind = "closed"
	KindVerifierMismatch   Kind = "verifier-mismatch"
)

// Error wraps a cause with a Kind so callers can branch on Is/As without
// parsing message strings.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
