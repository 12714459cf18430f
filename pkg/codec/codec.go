// Package codec serializes the Raft RPC value types for the wire.
// Round-trip is identity on every defined field; malformed input fails
// with ErrMalformed.
package codec

import (
	"errors"
	"fmt"
)

// ErrMalformed reports bytes that do not decode to a well-formed message
var ErrMalformed = errors.New("malformed message")

// MalformedError carries the reject reason; it unwraps to ErrMalformed
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

func malformed(format string, args ...interface{}) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// Serializer is the byte codec consumed by transports. Marshal accepts
// exactly the six RPC value types; Unmarshal returns one of them.
type Serializer interface {
	Marshal(msg interface{}) ([]byte, error)
	Unmarshal(data []byte) (interface{}, error)
}
