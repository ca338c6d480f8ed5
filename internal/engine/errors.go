package engine

import (
	"errors"
	"fmt"

	"pcodelift/internal/pcode"
)

var (
	// ErrUnimplemented is returned by decoders for instructions they can
	// decode but not lower. The instruction length is still reported.
	ErrUnimplemented = errors.New("instruction semantics not implemented")
	// ErrBadData is returned for bytes that do not form a valid instruction.
	ErrBadData = errors.New("bad instruction data")
	// ErrClosed is returned by calls on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrNoEngine is returned when no engine is registered for a processor.
	ErrNoEngine = errors.New("no engine for processor")
	// ErrSessionActive is the panic value of a reentrant session call.
	ErrSessionActive = errors.New("session already active")
)

// DecodeError reports a failed top-level call.
type DecodeError struct {
	Op   string // disassemble, translate or length
	Addr pcode.Address
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Op, e.Addr, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AdapterPanicError wraps a value recovered from a panicking LoadImage.
type AdapterPanicError struct {
	Value any
}

func (e *AdapterPanicError) Error() string {
	return fmt.Sprintf("load image panicked: %v", e.Value)
}

// ProtocolError is the panic value raised when a decoder breaks the engine
// contract. It is never returned as an error.
type ProtocolError struct {
	Addr   pcode.Address
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine protocol violation at %s: %s", e.Addr, e.Reason)
}

func protocolf(addr pcode.Address, format string, args ...any) {
	panic(&ProtocolError{Addr: addr, Reason: fmt.Sprintf(format, args...)})
}
