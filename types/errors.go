package types

import "fmt"

// OutOfGasError is returned once the combined instruction-metered and
// externally-metered cost exceeds the invocation's gas limit. It is fatal to
// the invocation: the host call that detects it must not complete its effect,
// and the failure propagates through the interpreter as a trap.
type OutOfGasError struct {
	Limit          uint64
	Used           uint64
	UsedExternally uint64
}

func (e OutOfGasError) Error() string {
	return fmt.Sprintf("out of gas: limit %d, used %d, used externally %d",
		e.Limit, e.Used, e.UsedExternally)
}

// Kinds of guest memory faults. Every one of them is recoverable at the
// host-call boundary; the guest must not be able to crash the host through
// malformed pointers.
const (
	MemoryRead     = "read"
	MemoryWrite    = "write"
	MemoryAllocate = "allocate"
)

// MemoryError reports a violation of the guest memory marshaling protocol:
// a null pointer, an out-of-bounds access, a destination buffer that is too
// small, or a failed re-entrant allocation.
type MemoryError struct {
	Op     string // one of MemoryRead, MemoryWrite, MemoryAllocate
	Detail string
}

func (e MemoryError) Error() string {
	return fmt.Sprintf("wasm memory %s error: %s", e.Op, e.Detail)
}

// StoreError wraps a failure reported by the encrypted storage collaborator.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("encrypted store %s failed: %v", e.Op, e.Err)
}

func (e StoreError) Unwrap() error { return e.Err }

// QueryError wraps a failure reported by the cross-module query collaborator,
// e.g. a malformed payload or a downstream rejection.
type QueryError struct {
	Err error
}

func (e QueryError) Error() string {
	return fmt.Sprintf("chain query failed: %v", e.Err)
}

func (e QueryError) Unwrap() error { return e.Err }
