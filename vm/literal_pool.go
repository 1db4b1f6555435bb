package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Literal
// ---------------------------------------------------------------------------

// LiteralKind says which half of a Literal is populated.
type LiteralKind uint8

const (
	literalInvalid LiteralKind = iota
	LiteralKindRef
	LiteralKindImm
)

// Literal is an operand for generated code: either a heap reference or a
// 32-bit immediate, never both.
type Literal struct {
	kind LiteralKind
	ref  Handle
	imm  int32
}

// LiteralRef returns a literal holding a heap reference.
func LiteralRef(h Handle) Literal {
	if h == NilHandle {
		panic("vm: reference literal needs an object")
	}
	return Literal{kind: LiteralKindRef, ref: h}
}

// LiteralImm returns a literal holding a 32-bit immediate.
func LiteralImm(v int32) Literal {
	return Literal{kind: LiteralKindImm, imm: v}
}

// Kind returns the populated half.
func (l Literal) Kind() LiteralKind { return l.kind }

// IsRef reports whether the literal is a heap reference.
func (l Literal) IsRef() bool { return l.kind == LiteralKindRef }

// Ref returns the heap reference, or NilHandle for an immediate.
func (l Literal) Ref() Handle { return l.ref }

// Imm returns the immediate, or zero for a reference.
func (l Literal) Imm() int32 { return l.imm }

func (l Literal) String() string {
	switch l.kind {
	case LiteralKindRef:
		return "ref " + l.ref.String()
	case LiteralKindImm:
		return fmt.Sprintf("imm %d", l.imm)
	default:
		return "invalid"
	}
}

func (l Literal) check() {
	switch l.kind {
	case LiteralKindRef:
		if l.ref == NilHandle || l.imm != 0 {
			panic("vm: malformed reference literal")
		}
	case LiteralKindImm:
		if l.ref != NilHandle {
			panic("vm: malformed immediate literal")
		}
	default:
		panic("vm: literal has neither a reference nor an immediate")
	}
}

// ---------------------------------------------------------------------------
// LiteralPoolElement
// ---------------------------------------------------------------------------

// LiteralPoolElementSize is the compiler-area footprint of one element.
const LiteralPoolElementSize = 24

// NotYetBound marks an element whose use site is not known yet.
const NotYetBound = -1

const (
	lpeRefOffset   = 0
	lpeImmOffset   = 8
	lpePatchOffset = 12
	lpeSlotOffset  = 16
	lpeBCIOffset   = 20
	lpeNoBCI       = -1
)

// LiteralPoolElement is a literal queued for the pool that follows the code
// of the method under construction. It lives in the compiler area and is
// released with it.
type LiteralPoolElement struct {
	heap   *ObjectHeap
	handle Handle
}

func initLiteralPoolElementLocked(h *ObjectHeap, hd Handle, lit Literal, bci int) {
	base := int(h.entries[hd.index()].addr)
	mem := h.mem
	binary.LittleEndian.PutUint64(mem[base+lpeRefOffset:], uint64(lit.ref))
	writeUint32(mem, base+lpeImmOffset, uint32(lit.imm))
	writeInt32(mem, base+lpePatchOffset, NotYetBound)
	writeInt32(mem, base+lpeSlotOffset, NotYetBound)
	writeInt32(mem, base+lpeBCIOffset, int32(bci))
}

// Handle returns the heap handle of the element.
func (e *LiteralPoolElement) Handle() Handle {
	return e.handle
}

func (e *LiteralPoolElement) field(offset int) int32 {
	e.heap.mu.Lock()
	defer e.heap.mu.Unlock()
	base := e.baseLocked()
	return int32(readUint32(e.heap.mem, base+offset))
}

func (e *LiteralPoolElement) setField(offset int, v int32) {
	e.heap.mu.Lock()
	defer e.heap.mu.Unlock()
	base := e.baseLocked()
	writeInt32(e.heap.mem, base+offset, v)
}

func (e *LiteralPoolElement) baseLocked() int {
	ent, err := e.heap.entryLocked(e.handle)
	if err != nil {
		panic(fmt.Sprintf("vm: literal pool element used after release: %v", err))
	}
	return int(ent.addr)
}

// Literal returns the value the element holds.
func (e *LiteralPoolElement) Literal() Literal {
	e.heap.mu.Lock()
	defer e.heap.mu.Unlock()
	base := e.baseLocked()
	ref := Handle(binary.LittleEndian.Uint64(e.heap.mem[base+lpeRefOffset:]))
	if ref != NilHandle {
		return Literal{kind: LiteralKindRef, ref: ref}
	}
	return Literal{kind: LiteralKindImm, imm: int32(readUint32(e.heap.mem, base+lpeImmOffset))}
}

// IsBound reports whether a use site has been bound.
func (e *LiteralPoolElement) IsBound() bool {
	return e.PatchOffset() != NotYetBound
}

// PatchOffset returns the code offset of the 32-bit displacement that refers
// to the element, or NotYetBound.
func (e *LiteralPoolElement) PatchOffset() int {
	return int(e.field(lpePatchOffset))
}

// Bind records the code offset of the 32-bit pc-relative displacement that
// loads the element. The displacement is patched when the pool is flushed.
func (e *LiteralPoolElement) Bind(patchOffset int) {
	if patchOffset < 0 {
		panic(fmt.Sprintf("vm: literal bound to negative offset %d", patchOffset))
	}
	if e.IsBound() {
		panic("vm: literal pool element already bound")
	}
	e.setField(lpePatchOffset, int32(patchOffset))
}

// SlotOffset returns the code offset of the element's pool slot, or
// NotYetBound before the pool is flushed.
func (e *LiteralPoolElement) SlotOffset() int {
	return int(e.field(lpeSlotOffset))
}

func (e *LiteralPoolElement) setSlotOffset(offset int) {
	e.setField(lpeSlotOffset, int32(offset))
}

// BCI returns the bytecode index the literal was requested for, or -1.
func (e *LiteralPoolElement) BCI() int {
	return int(e.field(lpeBCIOffset))
}

// SetBCI records the bytecode index the literal was requested for.
func (e *LiteralPoolElement) SetBCI(bci int) {
	e.setField(lpeBCIOffset, int32(bci))
}

func (e *LiteralPoolElement) String() string {
	if !e.IsBound() {
		return "<LiteralPoolElement: unbound>"
	}
	lit := e.Literal()
	if lit.IsRef() {
		return fmt.Sprintf("<LiteralPoolElement: bci=%d, oop=%s>", e.BCI(), lit.ref)
	}
	return fmt.Sprintf("<LiteralPoolElement: bci=%d, imm32=%d>", e.BCI(), lit.imm)
}
