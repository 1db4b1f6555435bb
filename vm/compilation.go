package vm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Backend
// ---------------------------------------------------------------------------

// Backend turns a method's bytecode into native code through a Compilation.
type Backend interface {
	// Name identifies the backend in logs and cache keys.
	Name() string

	// Generate emits the code of m. Resource exhaustion is reported through
	// the Compilation and need not be returned.
	Generate(c *Compilation, m *Method) error

	// EmitNop emits the smallest no-op instruction.
	EmitNop(c *Compilation)
}

// ---------------------------------------------------------------------------
// Compilation
// ---------------------------------------------------------------------------

// CompilationState tracks the lifecycle of a compilation attempt.
type CompilationState int

const (
	CompilationActive CompilationState = iota
	CompilationExhausted
	CompilationFinished
	CompilationAborted
)

func (s CompilationState) String() string {
	switch s {
	case CompilationActive:
		return "active"
	case CompilationExhausted:
		return "exhausted"
	case CompilationFinished:
		return "finished"
	case CompilationAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Compilation is one attempt at compiling a method. It owns the heap's
// compiler area from NewCompilation until Finish or Abort.
type Compilation struct {
	ID uuid.UUID

	heap    *ObjectHeap
	opts    Options
	method  *Method
	backend Backend

	cm       *CompiledMethod
	callInfo *CallInfoWriter
	literals []*LiteralPoolElement
	relocs   []Relocation

	state     CompilationState
	overflown bool
	err       error
}

// NewCompilation claims the compiler area of heap and allocates the compiled
// method for m. ErrCompilerBusy means another compilation owns the area.
func NewCompilation(heap *ObjectHeap, m *Method, backend Backend) (*Compilation, error) {
	opts := heap.Options()

	heap.mu.Lock()
	cm, err := newCompiledMethodLocked(heap, m.handle, opts.InitialCapacity, 0)
	heap.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := &Compilation{
		ID:      uuid.New(),
		heap:    heap,
		opts:    opts,
		method:  m,
		backend: backend,
		cm:      cm,
	}
	c.callInfo = NewCallInfoWriter(cm, opts.CallInfoExpansionDelta)
	jitLog().Debugf("compilation %s: %s started", c.ID, m)
	return c, nil
}

// Method returns the method being compiled.
func (c *Compilation) Method() *Method { return c.method }

// CompiledMethod returns the compiled method under construction.
func (c *Compilation) CompiledMethod() *CompiledMethod { return c.cm }

// CallInfo returns the call-info writer of the compiled method.
func (c *Compilation) CallInfo() *CallInfoWriter { return c.callInfo }

// State returns the lifecycle state.
func (c *Compilation) State() CompilationState { return c.state }

// Literals returns the literal pool elements allocated so far.
func (c *Compilation) Literals() []*LiteralPoolElement { return c.literals }

// Err returns the error that ended an exhausted compilation.
func (c *Compilation) Err() error { return c.err }

func (c *Compilation) checkActive(op string) {
	if c.state == CompilationFinished || c.state == CompilationAborted {
		panic(fmt.Sprintf("vm: %s on %s compilation", op, c.state))
	}
}

// ---------------------------------------------------------------------------
// Code emission
// ---------------------------------------------------------------------------

// CodeOffset returns the offset at which the next byte will be emitted.
func (c *Compilation) CodeOffset() int {
	return c.cm.CodeSize()
}

// HasOverflown reports whether the compiled method reached the maximum code
// size or could not grow. Emission after overflow is discarded.
func (c *Compilation) HasOverflown() bool {
	return c.overflown
}

func (c *Compilation) overflow(reason string) {
	if !c.overflown {
		jitLog().Warningf("compilation %s: %s overflown at %d bytes: %s", c.ID, c.method, c.CodeOffset(), reason)
	}
	c.overflown = true
}

// Emit appends code bytes, growing the compiled method as needed.
func (c *Compilation) Emit(code ...byte) {
	c.checkActive("Emit")
	if c.overflown || len(code) == 0 {
		return
	}
	if c.CodeOffset()+len(code) > c.opts.MaxCodeSize {
		c.overflow("maximum code size")
		return
	}
	if err := c.ensureCodeRoom(len(code)); err != nil {
		c.overflow(err.Error())
		return
	}
	c.heap.mu.Lock()
	c.cm.appendCodeLocked(code)
	c.heap.mu.Unlock()
}

func (c *Compilation) ensureCodeRoom(n int) error {
	hd := c.cm.snapshot()
	room := hd.codeRoom()
	if room >= n {
		return nil
	}
	delta := alignUp(max(n-room, c.opts.CodeExpansionDelta), objectAlignment)
	guard := c.heap.DisableCollection()
	defer guard.Release()
	return c.cm.ExpandCodeSpace(delta)
}

// PatchCode overwrites already emitted code.
func (c *Compilation) PatchCode(offset int, data []byte) {
	c.checkActive("PatchCode")
	if c.overflown {
		return
	}
	c.cm.patchCode(offset, data)
}

// PatchInt32 overwrites a 32-bit little-endian value in emitted code.
func (c *Compilation) PatchInt32(offset int, v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	c.PatchCode(offset, buf[:])
}

// AddBranchRelocation records a 32-bit relative branch displacement at
// offset.
func (c *Compilation) AddBranchRelocation(offset int) {
	c.checkActive("AddBranchRelocation")
	c.relocs = append(c.relocs, Relocation{Kind: RelocBranch, Offset: offset})
	c.cm.SetHasBranchRelocation()
}

// ---------------------------------------------------------------------------
// Literal pool
// ---------------------------------------------------------------------------

// AllocateLiteral allocates a literal pool element for lit. The allocation
// happens only when the compiler area has more than one element of headroom;
// it never triggers a collection. Otherwise the compilation becomes
// exhausted and ErrCompilerAreaExhausted is returned.
func (c *Compilation) AllocateLiteral(lit Literal) (*LiteralPoolElement, error) {
	c.checkActive("AllocateLiteral")
	lit.check()
	if c.state == CompilationExhausted {
		return nil, ErrCompilerAreaExhausted
	}

	if c.heap.FreeMemoryForCompilerWithoutGC() > LiteralPoolElementSize {
		guard := c.heap.DisableCollection()
		c.heap.mu.Lock()
		hd, err := c.heap.allocateTempLocked(KindLiteralPoolElement, LiteralPoolElementSize)
		if err == nil {
			initLiteralPoolElementLocked(c.heap, hd, lit, lpeNoBCI)
		}
		c.heap.mu.Unlock()
		guard.Release()
		if err != nil {
			panic(fmt.Sprintf("vm: literal pool allocation failed with headroom: %v", err))
		}
		elem := &LiteralPoolElement{heap: c.heap, handle: hd}
		c.literals = append(c.literals, elem)
		return elem, nil
	}
	return nil, c.exhaust(ErrCompilerAreaExhausted)
}

// exhaust moves the compilation to the exhausted state. With
// PadOnExhaustion the backend's nop primitive is driven until the method
// overflows.
func (c *Compilation) exhaust(err error) error {
	jitLog().Warningf("compilation %s: %s: %s", c.ID, c.method, err)
	if c.opts.PadOnExhaustion && c.backend != nil {
		limit := c.opts.MaxCodeSize + 1
		for i := 0; !c.overflown; i++ {
			if i > limit {
				panic(fmt.Sprintf("vm: nop primitive of %s does not advance the code", c.backend.Name()))
			}
			before := c.CodeOffset()
			c.backend.EmitNop(c)
			c.backend.EmitNop(c)
			if !c.overflown && c.CodeOffset() == before {
				panic(fmt.Sprintf("vm: nop primitive of %s emitted nothing", c.backend.Name()))
			}
		}
	}
	c.state = CompilationExhausted
	c.err = err
	return err
}

// flushLiteralPool places every bound literal in an aligned slot after the
// code and patches the displacement that loads it.
func (c *Compilation) flushLiteralPool() {
	first := true
	for _, elem := range c.literals {
		if !elem.IsBound() {
			continue
		}
		if first {
			for c.CodeOffset()%8 != 0 && !c.overflown {
				c.Emit(0)
			}
			first = false
		}
		slot := c.CodeOffset()
		lit := elem.Literal()
		var buf [8]byte
		if lit.IsRef() {
			binary.LittleEndian.PutUint64(buf[:], uint64(lit.ref))
		} else {
			binary.LittleEndian.PutUint64(buf[:], uint64(int64(lit.imm)))
		}
		c.Emit(buf[:]...)
		if c.overflown {
			return
		}
		patch := elem.PatchOffset()
		if patch+4 > slot {
			panic(fmt.Sprintf("vm: literal bound at %d overlaps its slot at %d", patch, slot))
		}
		c.PatchInt32(patch, int32(slot-(patch+4)))
		elem.setSlotOffset(slot)
		if lit.IsRef() {
			c.relocs = append(c.relocs, Relocation{Kind: RelocOop, Offset: slot})
			c.cm.SetHasOopRelocation()
		}
	}
}

// ---------------------------------------------------------------------------
// Finish and abort
// ---------------------------------------------------------------------------

// Generate runs the backend and finishes the compilation.
func (c *Compilation) Generate() (*CompiledMethod, error) {
	if c.backend == nil {
		c.Abort()
		return nil, errors.New("compilation has no backend")
	}
	if err := c.backend.Generate(c, c.method); err != nil {
		c.Abort()
		return nil, err
	}
	return c.Finish()
}

// Finish flushes the literal pool, commits the call-info table followed by
// the relocation stream, shrinks the method, installs it in the main area
// and flushes the instruction cache. On failure the attempt is aborted and
// no code is returned.
func (c *Compilation) Finish() (*CompiledMethod, error) {
	c.checkActive("Finish")
	fail := func(err error) (*CompiledMethod, error) {
		c.Abort()
		jitLog().Infof("compilation %s: %s failed: %s", c.ID, c.method, err)
		return nil, err
	}
	if c.state == CompilationExhausted {
		return fail(c.err)
	}
	if c.overflown {
		return fail(ErrCodeOverflow)
	}

	c.flushLiteralPool()
	if c.overflown {
		return fail(ErrCodeOverflow)
	}
	if err := c.callInfo.AppendTrailer(EncodeRelocations(c.relocs)); err != nil {
		return fail(err)
	}
	if err := c.callInfo.CommitTable(); err != nil {
		return fail(err)
	}

	c.heap.mu.Lock()
	installed, err := c.heap.installLocked(c.cm.handle)
	c.heap.mu.Unlock()
	if err != nil {
		c.state = CompilationAborted
		return nil, fmt.Errorf("install %s: %w", c.method, err)
	}
	cm := &CompiledMethod{heap: c.heap, handle: installed}
	if err := cm.FlushICache(); err != nil {
		c.heap.Free(installed)
		c.state = CompilationAborted
		return nil, fmt.Errorf("flush %s: %w", c.method, err)
	}
	c.state = CompilationFinished
	jitLog().Infof("compilation %s: %s installed as %s (%d bytes code, %d call sites)",
		c.ID, c.method, installed, cm.CodeSize(), c.callInfo.Count())
	return cm, nil
}

// Abort discards the compiled method and releases the compiler area.
func (c *Compilation) Abort() {
	if c.state == CompilationFinished || c.state == CompilationAborted {
		return
	}
	c.heap.mu.Lock()
	if c.heap.compiling == c.cm.handle {
		c.heap.resetCompilerAreaLocked()
	}
	c.heap.mu.Unlock()
	c.state = CompilationAborted
	jitLog().Debugf("compilation %s: %s aborted", c.ID, c.method)
}
