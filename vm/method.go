package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Method: the source form the JIT compiles
// ---------------------------------------------------------------------------

// Method is a bytecode method. Its heap object holds the bytecode so that
// compiled code can name its owner by handle and keep it alive.
type Method struct {
	Name     string
	NumArgs  int // the receiver is argument 0
	NumTemps int // arguments plus locals
	Bytecode []byte
	Literals []Literal

	handle Handle
}

// NewMethod allocates the heap object of a method.
func NewMethod(heap *ObjectHeap, name string, numArgs, numTemps int, bytecode []byte, literals []Literal) (*Method, error) {
	if numArgs < 1 || numTemps < numArgs {
		return nil, fmt.Errorf("method %s: %d args and %d temps", name, numArgs, numTemps)
	}
	for i, lit := range literals {
		if lit.kind == literalInvalid {
			return nil, fmt.Errorf("method %s: literal %d is empty", name, i)
		}
	}
	hd, err := heap.Allocate(KindMethod, len(bytecode))
	if err != nil {
		return nil, fmt.Errorf("method %s: %w", name, err)
	}
	if err := heap.Write(hd, 0, bytecode); err != nil {
		return nil, err
	}
	return &Method{
		Name:     name,
		NumArgs:  numArgs,
		NumTemps: numTemps,
		Bytecode: bytecode,
		Literals: literals,
		handle:   hd,
	}, nil
}

// Handle returns the heap handle of the method.
func (m *Method) Handle() Handle {
	return m.handle
}

// GetLiteral returns the literal at index.
func (m *Method) GetLiteral(index int) Literal {
	if index < 0 || index >= len(m.Literals) {
		panic(fmt.Sprintf("literal index %d out of range [0, %d)", index, len(m.Literals)))
	}
	return m.Literals[index]
}

// ScanRoots reports the method object and its reference literals.
func (m *Method) ScanRoots(visit func(Handle)) {
	visit(m.handle)
	for _, lit := range m.Literals {
		if lit.IsRef() {
			visit(lit.ref)
		}
	}
}

// Disassemble returns a listing of the method's bytecode.
func (m *Method) Disassemble() string {
	return Disassemble(m.Bytecode)
}

func (m *Method) String() string {
	return fmt.Sprintf("%s/%d", m.Name, m.NumArgs)
}

// ---------------------------------------------------------------------------
// MethodBuilder
// ---------------------------------------------------------------------------

// MethodBuilder helps construct Method instances.
type MethodBuilder struct {
	name     string
	numArgs  int
	numTemps int
	literals []Literal
	bytecode *BytecodeBuilder
}

// NewMethodBuilder creates a builder for a method taking numArgs arguments,
// the receiver included.
func NewMethodBuilder(name string, numArgs int) *MethodBuilder {
	return &MethodBuilder{
		name:     name,
		numArgs:  numArgs,
		numTemps: numArgs,
		bytecode: NewBytecodeBuilder(),
	}
}

// AddLocal adds a temporary and returns its index.
func (b *MethodBuilder) AddLocal() int {
	idx := b.numTemps
	b.numTemps++
	return idx
}

// AddLiteral adds a literal and returns its index.
func (b *MethodBuilder) AddLiteral(lit Literal) int {
	lit.check()
	b.literals = append(b.literals, lit)
	return len(b.literals) - 1
}

// Bytecode returns the bytecode builder for direct emission.
func (b *MethodBuilder) Bytecode() *BytecodeBuilder {
	return b.bytecode
}

// Build allocates the method in heap.
func (b *MethodBuilder) Build(heap *ObjectHeap) (*Method, error) {
	return NewMethod(heap, b.name, b.numArgs, b.numTemps, b.bytecode.Bytes(), b.literals)
}
