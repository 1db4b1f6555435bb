package vm

import (
	"errors"
	"fmt"
	"testing"
)

// literalTestCompilation starts a compilation whose compiler area leaves
// exactly headroom bytes once the compiled method is allocated.
func literalTestCompilation(t *testing.T, headroom int, configure func(*Options), backend Backend) (*ObjectHeap, *Compilation) {
	t.Helper()
	opts := DefaultOptions()
	opts.InitialCapacity = 256
	opts.CompilerAreaSize = CompiledMethodHeaderSize + 256 + headroom
	if configure != nil {
		configure(&opts)
	}
	h := newTestHeap(t, opts)
	m := newTestMethod(t, h, "literals", []byte{byte(OpReturnSelf)})
	c, err := NewCompilation(h, m, backend)
	if err != nil {
		t.Fatalf("NewCompilation: %v", err)
	}
	if got := h.FreeMemoryForCompilerWithoutGC(); got != headroom {
		t.Fatalf("headroom %d, want %d", got, headroom)
	}
	return h, c
}

func TestLiteralAllocationWithHeadroom(t *testing.T) {
	h, c := literalTestCompilation(t, 32, nil, &fakeBackend{})
	elem, err := c.AllocateLiteral(LiteralImm(7))
	if err != nil {
		t.Fatalf("AllocateLiteral: %v", err)
	}
	if h.CollectionDisabled() {
		t.Error("guard still held after allocation")
	}
	if elem.IsBound() || elem.PatchOffset() != NotYetBound || elem.SlotOffset() != NotYetBound {
		t.Errorf("fresh element is bound: patch=%d slot=%d", elem.PatchOffset(), elem.SlotOffset())
	}
	if elem.BCI() != -1 {
		t.Errorf("BCI = %d, want -1", elem.BCI())
	}
	if lit := elem.Literal(); lit.IsRef() || lit.Imm() != 7 {
		t.Errorf("Literal = %s", lit)
	}
	if got := h.FreeMemoryForCompilerWithoutGC(); got != 32-LiteralPoolElementSize {
		t.Errorf("headroom after allocation = %d", got)
	}
	if kind, _ := h.KindOf(elem.Handle()); kind != KindLiteralPoolElement {
		t.Errorf("element kind = %s", kind)
	}
	if c.State() != CompilationActive {
		t.Errorf("state = %s", c.State())
	}
	c.Abort()
	if h.IsValid(elem.Handle()) {
		t.Error("element survived the compiler area reset")
	}
}

func TestLiteralAllocationExhaustion(t *testing.T) {
	for _, headroom := range []int{0, 8, LiteralPoolElementSize} {
		t.Run(fmt.Sprintf("headroom %d", headroom), func(t *testing.T) {
			backend := &fakeBackend{}
			h, c := literalTestCompilation(t, headroom, nil, backend)
			elem, err := c.AllocateLiteral(LiteralImm(1))
			if elem != nil {
				t.Error("element returned on exhaustion")
			}
			if !errors.Is(err, ErrCompilerAreaExhausted) || !errors.Is(err, ErrResourceExhausted) {
				t.Fatalf("AllocateLiteral error = %v", err)
			}
			if c.State() != CompilationExhausted || !errors.Is(c.Err(), ErrCompilerAreaExhausted) {
				t.Errorf("state = %s, err = %v", c.State(), c.Err())
			}
			if backend.nops != 0 {
				t.Errorf("nop primitive driven %d times without padding", backend.nops)
			}
			if h.FreeMemoryForCompilerWithoutGC() != headroom {
				t.Error("failed allocation consumed headroom")
			}
			if _, err := c.AllocateLiteral(LiteralImm(2)); !errors.Is(err, ErrCompilerAreaExhausted) {
				t.Errorf("allocation after exhaustion: %v", err)
			}
			if _, err := c.Finish(); !errors.Is(err, ErrCompilerAreaExhausted) {
				t.Errorf("Finish error = %v", err)
			}
		})
	}
}

func TestLiteralAllocationSecondElementExhausts(t *testing.T) {
	_, c := literalTestCompilation(t, 48, nil, &fakeBackend{})
	if _, err := c.AllocateLiteral(LiteralImm(1)); err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	if _, err := c.AllocateLiteral(LiteralImm(2)); !errors.Is(err, ErrCompilerAreaExhausted) {
		t.Fatalf("second allocation with 24 bytes of headroom: %v", err)
	}
	if len(c.Literals()) != 1 {
		t.Errorf("Literals = %d", len(c.Literals()))
	}
}

func TestLiteralExhaustionPadsToOverflow(t *testing.T) {
	backend := &fakeBackend{}
	_, c := literalTestCompilation(t, 0, func(o *Options) {
		o.PadOnExhaustion = true
		o.MaxCodeSize = 40
	}, backend)
	c.Emit(0xAA, 0xBB, 0xCC)

	if _, err := c.AllocateLiteral(LiteralImm(1)); !errors.Is(err, ErrCompilerAreaExhausted) {
		t.Fatalf("AllocateLiteral error = %v", err)
	}
	if !c.HasOverflown() {
		t.Fatal("padding did not reach overflow")
	}
	if c.CodeOffset() != 40 {
		t.Errorf("code offset = %d, want 40", c.CodeOffset())
	}
	if backend.nops < 37 {
		t.Errorf("nop primitive driven %d times", backend.nops)
	}
	if c.State() != CompilationExhausted {
		t.Errorf("state = %s", c.State())
	}
}

func TestLiteralExhaustionPadRequiresProgress(t *testing.T) {
	backend := &fakeBackend{silentNop: true}
	_, c := literalTestCompilation(t, 0, func(o *Options) { o.PadOnExhaustion = true }, backend)
	expectPanic(t, "nop primitive that emits nothing", func() { c.AllocateLiteral(LiteralImm(1)) })
}

func TestLiteralPoolElementBind(t *testing.T) {
	_, c := literalTestCompilation(t, 64, nil, &fakeBackend{})
	elem, err := c.AllocateLiteral(LiteralImm(-3))
	if err != nil {
		t.Fatal(err)
	}
	if s := elem.String(); s != "<LiteralPoolElement: unbound>" {
		t.Errorf("String = %q", s)
	}
	elem.SetBCI(12)
	elem.Bind(5)
	if !elem.IsBound() || elem.PatchOffset() != 5 {
		t.Errorf("bound=%t patch=%d", elem.IsBound(), elem.PatchOffset())
	}
	if s := elem.String(); s != "<LiteralPoolElement: bci=12, imm32=-3>" {
		t.Errorf("String = %q", s)
	}
	expectPanic(t, "second bind", func() { elem.Bind(9) })

	other, err := c.AllocateLiteral(LiteralImm(0))
	if err != nil {
		t.Fatal(err)
	}
	expectPanic(t, "negative bind", func() { other.Bind(-2) })
	c.Abort()
}

func TestLiteralPoolElementReference(t *testing.T) {
	h, c := literalTestCompilation(t, 64, nil, &fakeBackend{})
	obj, err := h.Allocate(KindData, 8)
	if err != nil {
		t.Fatal(err)
	}
	elem, err := c.AllocateLiteral(LiteralRef(obj))
	if err != nil {
		t.Fatal(err)
	}
	elem.SetBCI(0)
	elem.Bind(1)
	want := fmt.Sprintf("<LiteralPoolElement: bci=0, oop=%s>", obj)
	if s := elem.String(); s != want {
		t.Errorf("String = %q, want %q", s, want)
	}

	if _, err := h.Collect(nil); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !h.IsValid(obj) {
		t.Error("object referenced from the literal pool was collected")
	}
	if !h.IsValid(c.Method().Handle()) {
		t.Error("method under compilation was collected")
	}
	c.Abort()
}

func TestLiteralConstructors(t *testing.T) {
	expectPanic(t, "nil reference literal", func() { LiteralRef(NilHandle) })
	_, c := literalTestCompilation(t, 64, nil, &fakeBackend{})
	defer c.Abort()
	expectPanic(t, "empty literal", func() { c.AllocateLiteral(Literal{}) })
	if LiteralImm(5).Kind() != LiteralKindImm {
		t.Error("LiteralImm kind")
	}
}
