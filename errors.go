package dbus

import (
	"errors"
	"fmt"

	"github.com/wirebus/dbus/fragments"
)

// Errors reported by the wire parsers and the connection engine.
var (
	// ErrNotEnoughData indicates that a parser reached the end of the
	// available bytes partway through a value.
	ErrNotEnoughData = fragments.ErrNotEnoughData
	// ErrNumberTooBig indicates a length field that exceeds the
	// protocol's caps.
	ErrNumberTooBig = fragments.ErrNumberTooBig
	// ErrOverflow indicates an outgoing array that exceeds the
	// protocol's caps.
	ErrOverflow = fragments.ErrOverflow
	// ErrWrongType indicates a value that does not conform to the
	// type signature in effect at its position.
	ErrWrongType = errors.New("value does not match type signature")
	// ErrInvalidBoolean indicates a boolean wire value other than 0
	// or 1.
	ErrInvalidBoolean = errors.New("invalid boolean wire value")
	// ErrInvalidProtocol indicates a framed message that violates
	// the wire contract. Receiving one is fatal to the connection.
	ErrInvalidProtocol = errors.New("message violates the DBus wire protocol")
	// ErrDisconnected indicates that the connection has been closed,
	// either explicitly or after a protocol or socket error.
	ErrDisconnected = errors.New("connection closed")
	// ErrTimedOut indicates that a pending method call's timer
	// elapsed before a reply arrived.
	ErrTimedOut = errors.New("method call timed out")
	// ErrSerialExhausted indicates that the serial counter wrapped
	// all the way around onto a still-pending method call.
	ErrSerialExhausted = errors.New("no free message serial")
)

// InvalidStringError is the error returned when a string fails the
// validation grammar of its DBus string kind.
type InvalidStringError struct {
	// Kind is the name of the string kind that rejected the input.
	Kind string
}

func (e InvalidStringError) Error() string {
	return fmt.Sprintf("string is not a valid %s", e.Kind)
}

// SignatureError is the error returned when a type signature fails
// to parse.
type SignatureError struct {
	// Sig is the signature that failed to parse.
	Sig string
	// Offset is the byte offset within Sig at which parsing failed.
	Offset int
	// Reason is an explanation of the failure.
	Reason string
}

func (e SignatureError) Error() string {
	return fmt.Sprintf("invalid type signature %q at offset %d: %s", e.Sig, e.Offset, e.Reason)
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name ErrorName
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}
