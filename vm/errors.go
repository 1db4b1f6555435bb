package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Resource exhaustion
// ---------------------------------------------------------------------------

// ErrResourceExhausted is wrapped by every recoverable out-of-space condition.
// A compilation that fails with it may be retried after the next collection.
var ErrResourceExhausted = errors.New("resource exhausted")

var (
	ErrCompilerAreaExhausted = fmt.Errorf("compiler area exhausted: %w", ErrResourceExhausted)
	ErrArenaExhausted        = fmt.Errorf("no contiguous space in compiler area: %w", ErrResourceExhausted)
	ErrCallInfoTableFull     = fmt.Errorf("call info table full: %w", ErrResourceExhausted)
	ErrCodeOverflow          = fmt.Errorf("compiled method overflow: %w", ErrResourceExhausted)
	ErrHeapExhausted         = fmt.Errorf("heap exhausted: %w", ErrResourceExhausted)
)

// ---------------------------------------------------------------------------
// State errors
// ---------------------------------------------------------------------------

var (
	ErrCompilerBusy       = errors.New("compiler area is owned by another compilation")
	ErrCollectionDisabled = errors.New("collection is disabled")
	ErrStaleHandle        = errors.New("stale handle")
	ErrNotCompiled        = errors.New("method has no installed code")
	ErrJITStopped         = errors.New("jit compiler stopped")
)

// ---------------------------------------------------------------------------
// Call info consistency
// ---------------------------------------------------------------------------

var (
	ErrNoCallInfo        = errors.New("no call info record")
	ErrMalformedCallInfo = errors.New("malformed call info table")
)

// CallInfoError reports a failed call-info lookup. The collector treats it as
// fatal: a frame it cannot describe cannot be scanned.
type CallInfoError struct {
	Method        Handle
	ReturnAddress Address
	CodeOffset    int
	Err           error
}

func (e *CallInfoError) Error() string {
	return fmt.Sprintf("call info for %s at offset %d (return address %#x): %v",
		e.Method, e.CodeOffset, uint32(e.ReturnAddress), e.Err)
}

func (e *CallInfoError) Unwrap() error {
	return e.Err
}
