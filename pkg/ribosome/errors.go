package ribosome

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing the guest ABI.
type ErrorKind string

const (
	ErrKindPointerMap         ErrorKind = "pointer_map"
	ErrKindDeserialize        ErrorKind = "deserialize"
	ErrKindSerialize          ErrorKind = "serialize"
	ErrKindMemory             ErrorKind = "memory"
	ErrKindGuest              ErrorKind = "guest"
	ErrKindHost               ErrorKind = "host"
	ErrKindCompile            ErrorKind = "compile"
	ErrKindCall               ErrorKind = "call"
	ErrKindCacheUninitialized ErrorKind = "cache_uninitialized"
)

// WasmError is the typed error crossing the ABI, carrying the file/line of
// origin so app developers can find the failing guest code.
type WasmError struct {
	Kind    ErrorKind `msgpack:"kind"`
	Message string    `msgpack:"message"`
	File    string    `msgpack:"file,omitempty"`
	Line    uint32    `msgpack:"line,omitempty"`
}

// Error implements error.
func (e *WasmError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s error at %s:%d: %s", e.Kind, e.File, e.Line, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// ErrBudgetExceeded surfaces when a guest call exhausts its metering
// budget. Validation maps it to an Abandoned verdict rather than hanging.
var ErrBudgetExceeded = errors.New("guest call exceeded metering budget")

// ErrNonDeterministicHostCall surfaces when an integrity callback reaches
// for a host function outside the deterministic subset.
var ErrNonDeterministicHostCall = errors.New("non-deterministic host function called during validate")

// ErrUnknownFunction surfaces when a call names a function the zome does
// not export.
var ErrUnknownFunction = errors.New("zome does not export function")

func hostError(msg string) *WasmError {
	return &WasmError{Kind: ErrKindHost, Message: msg}
}
