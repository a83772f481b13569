package tdbus

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations on a closed connection.
var ErrNotConnected = errors.New("not connected")

// NameError is the error returned when a header field is assigned a
// string that does not satisfy the DBus name grammar for that field.
type NameError struct {
	// Field is the header field being assigned ("path", "interface",
	// "member", "error name", "destination").
	Field string
	// Value is the offending string.
	Value string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

// SignatureError is the error returned when a type signature fails
// validation.
type SignatureError struct {
	// Sig is the offending signature string.
	Sig string
	// Reason explains what is wrong with it.
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid signature %q: %s", e.Sig, e.Reason)
}

// CallError is the error carried by an error reply to a method call.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation, if the reply carried
	// one.
	Detail string
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}
