package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProgram is matched by every *TransformError.
	ErrInvalidProgram = errors.New("invalid program")

	// ErrStackExhausted is returned when an invocation needs more interpreter
	// stack or frames than the configured limits allow.
	ErrStackExhausted = errors.New("interpreter stack exhausted")

	// ErrCancelled is returned when the invocation's context is done at a
	// safepoint.
	ErrCancelled = errors.New("invocation cancelled")

	// ErrUnhandledException is matched by every *UnhandledError.
	ErrUnhandledException = errors.New("unhandled managed exception")

	// ErrManagerDestroyed is returned for work against a destroyed memory
	// manager.
	ErrManagerDestroyed = errors.New("memory manager destroyed")

	// ErrArgumentCount is returned when an invocation passes the wrong number
	// of arguments.
	ErrArgumentCount = errors.New("wrong number of arguments")

	// ErrBadArguments is returned when an argument's stack type does not
	// match its parameter.
	ErrBadArguments = errors.New("argument does not match parameter type")

	// ErrThreadBusy is returned when a thread that is already executing is
	// asked to start another invocation.
	ErrThreadBusy = errors.New("thread is already executing")
)

// Reason classifies transform failures.
type Reason int

const (
	ReasonTruncated Reason = iota + 1
	ReasonUnknownOpcode
	ReasonUnsupported
	ReasonStackUnderflow
	ReasonStackOverflow
	ReasonStackMismatch
	ReasonInvalidStackType
	ReasonBranchOutOfRange
	ReasonBadBranchTarget
	ReasonUnresolvedToken
	ReasonBadClause
	ReasonBadControlFlow
	ReasonBadLocal
	ReasonNoBody
	ReasonResourceExhausted
)

var reasonNames = map[Reason]string{
	ReasonTruncated:         "truncated instruction",
	ReasonUnknownOpcode:     "unknown opcode",
	ReasonUnsupported:       "unsupported construct",
	ReasonStackUnderflow:    "stack underflow",
	ReasonStackOverflow:     "stack overflow",
	ReasonStackMismatch:     "stack mismatch",
	ReasonInvalidStackType:  "invalid stack type",
	ReasonBranchOutOfRange:  "branch out of range",
	ReasonBadBranchTarget:   "bad branch target",
	ReasonUnresolvedToken:   "unresolved token",
	ReasonBadClause:         "bad exception clause",
	ReasonBadControlFlow:    "bad control flow",
	ReasonBadLocal:          "bad argument or local index",
	ReasonNoBody:            "method has no body",
	ReasonResourceExhausted: "resource exhausted",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// TransformError describes why a method could not be transformed.
type TransformError struct {
	Method   string
	Reason   Reason
	ILOffset int // -1 when the failure is not tied to an instruction
	Err      error
}

func (e *TransformError) Error() string {
	var loc string
	if e.ILOffset >= 0 {
		loc = fmt.Sprintf(" at IL_%04x", e.ILOffset)
	}
	if e.Err != nil {
		return fmt.Sprintf("transform %s%s: %s: %v", e.Method, loc, e.Reason, e.Err)
	}
	return fmt.Sprintf("transform %s%s: %s", e.Method, loc, e.Reason)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Is makes every transform failure match ErrInvalidProgram.
func (e *TransformError) Is(target error) bool {
	return target == ErrInvalidProgram
}

// ReasonOf returns the transform failure reason carried by err, or zero.
func ReasonOf(err error) Reason {
	var te *TransformError
	if errors.As(err, &te) {
		return te.Reason
	}
	return 0
}

// UnhandledError is returned by Invoke when a managed exception escapes the
// outermost frame.
type UnhandledError struct {
	Exception *ManagedException
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("unhandled exception: %v", e.Exception)
}

func (e *UnhandledError) Unwrap() error { return e.Exception }

// Is makes every unhandled error match ErrUnhandledException.
func (e *UnhandledError) Is(target error) bool {
	return target == ErrUnhandledException
}
