package vm

import "fmt"

// ---------------------------------------------------------------------------
// Tuning options
// ---------------------------------------------------------------------------

const (
	DefaultHeapSize               = 4 << 20
	DefaultCompilerAreaSize       = 256 << 10
	DefaultInitialCapacity        = 512
	DefaultMaxCodeSize            = 64 << 10
	DefaultCodeExpansionDelta     = 512
	DefaultCallInfoExpansionDelta = 256
	DefaultQueueSize              = 100
)

// Options holds the tuning constants of the heap and the compiler.
type Options struct {
	HeapSize         int // total arena bytes
	CompilerAreaSize int // bytes at the top of the arena reserved for compilation

	InitialCapacity        int  // dynamic bytes of a fresh compiled method
	MaxCodeSize            int  // code size at which a compilation has overflown
	CodeExpansionDelta     int  // minimum growth when code runs out of room
	CallInfoExpansionDelta int  // minimum growth when the call-info table runs out of room
	PadOnExhaustion        bool // drive the nop primitive to overflow on literal pool exhaustion

	QueueSize int // pending JIT requests
}

// DefaultOptions returns the built-in tuning.
func DefaultOptions() Options {
	return Options{
		HeapSize:               DefaultHeapSize,
		CompilerAreaSize:       DefaultCompilerAreaSize,
		InitialCapacity:        DefaultInitialCapacity,
		MaxCodeSize:            DefaultMaxCodeSize,
		CodeExpansionDelta:     DefaultCodeExpansionDelta,
		CallInfoExpansionDelta: DefaultCallInfoExpansionDelta,
		QueueSize:              DefaultQueueSize,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.HeapSize == 0 {
		o.HeapSize = d.HeapSize
	}
	if o.CompilerAreaSize == 0 {
		o.CompilerAreaSize = d.CompilerAreaSize
	}
	if o.InitialCapacity == 0 {
		o.InitialCapacity = d.InitialCapacity
	}
	if o.MaxCodeSize == 0 {
		o.MaxCodeSize = d.MaxCodeSize
	}
	if o.CodeExpansionDelta == 0 {
		o.CodeExpansionDelta = d.CodeExpansionDelta
	}
	if o.CallInfoExpansionDelta == 0 {
		o.CallInfoExpansionDelta = d.CallInfoExpansionDelta
	}
	if o.QueueSize == 0 {
		o.QueueSize = d.QueueSize
	}
	return o
}

// Validate reports inconsistent tuning.
func (o Options) Validate() error {
	switch {
	case o.HeapSize <= 0 || o.HeapSize > 1<<31:
		return fmt.Errorf("heap size %d out of range", o.HeapSize)
	case o.CompilerAreaSize <= 0 || o.CompilerAreaSize >= o.HeapSize:
		return fmt.Errorf("compiler area %d must be positive and smaller than the heap (%d)", o.CompilerAreaSize, o.HeapSize)
	case o.InitialCapacity < 0 || CompiledMethodHeaderSize+o.InitialCapacity > o.CompilerAreaSize:
		return fmt.Errorf("initial capacity %d does not fit the compiler area", o.InitialCapacity)
	case o.MaxCodeSize <= 0 || o.MaxCodeSize > MaxCompiledMethodSize:
		return fmt.Errorf("max code size %d out of range", o.MaxCodeSize)
	case o.CodeExpansionDelta <= 0:
		return fmt.Errorf("code expansion delta %d must be positive", o.CodeExpansionDelta)
	case o.CallInfoExpansionDelta <= 0:
		return fmt.Errorf("call info expansion delta %d must be positive", o.CallInfoExpansionDelta)
	case o.QueueSize < 0:
		return fmt.Errorf("queue size %d must not be negative", o.QueueSize)
	}
	return nil
}
