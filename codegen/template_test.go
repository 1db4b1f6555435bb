package codegen

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
)

func newTestHeap(t *testing.T, opts vm.Options) *vm.ObjectHeap {
	t.Helper()
	heap, err := vm.NewObjectHeap(opts)
	if err != nil {
		t.Fatalf("NewObjectHeap: %v", err)
	}
	return heap
}

func compile(t *testing.T, heap *vm.ObjectHeap, m *vm.Method) *vm.CompiledMethod {
	t.Helper()
	c, err := vm.NewCompilation(heap, m, New())
	if err != nil {
		t.Fatalf("NewCompilation: %v", err)
	}
	cm, err := c.Generate()
	if err != nil {
		t.Fatalf("compile %s: %v", m, err)
	}
	return cm
}

func records(t *testing.T, cm *vm.CompiledMethod) []*vm.CallInfoRecord {
	t.Helper()
	recs, err := vm.Records(cm)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	return recs
}

func equalBools(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGenerateSendRecordsCallInfo(t *testing.T) {
	heap := newTestHeap(t, vm.DefaultOptions())
	b := vm.NewMethodBuilder("plus:", 2)
	b.Bytecode().EmitByte(vm.OpPushTemp, 0)
	b.Bytecode().EmitByte(vm.OpPushTemp, 1)
	b.Bytecode().Emit(vm.OpSendPlus)
	b.Bytecode().Emit(vm.OpReturnTop)
	m, err := b.Build(heap)
	if err != nil {
		t.Fatal(err)
	}

	cm := compile(t, heap, m)
	recs := records(t, cm)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.BCI() != 4 {
		t.Errorf("bci = %d, want 4", rec.BCI())
	}
	if want := []bool{true, true, true, true}; !equalBools(rec.Stackmap(), want) {
		t.Errorf("stack map = %v, want %v", rec.Stackmap(), want)
	}

	code := cm.Code()
	if code[rec.CodeOffset()-5] != opCall {
		t.Errorf("record offset %d does not follow a call: % X", rec.CodeOffset(), code[rec.CodeOffset()-5:rec.CodeOffset()])
	}

	relocs, err := cm.Relocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(relocs) != 1 || relocs[0].Kind != vm.RelocBranch || relocs[0].Offset != rec.CodeOffset()-4 {
		t.Errorf("relocations = %v, want one branch at %d", relocs, rec.CodeOffset()-4)
	}
	if cm.Flags()&vm.FlagHasBranchRelocation == 0 {
		t.Error("branch relocation flag not set")
	}

	found, err := vm.FindCallInfo(cm, cm.Entry()+vm.Address(rec.CodeOffset()))
	if err != nil {
		t.Fatalf("FindCallInfo: %v", err)
	}
	if found.BCI() != rec.BCI() {
		t.Errorf("FindCallInfo bci = %d, want %d", found.BCI(), rec.BCI())
	}
}

func TestGenerateTracksTemporaryKinds(t *testing.T) {
	heap := newTestHeap(t, vm.DefaultOptions())
	b := vm.NewMethodBuilder("count", 1)
	local := b.AddLocal()
	b.Bytecode().EmitInt8(vm.OpPushInt8, 5)
	b.Bytecode().EmitByte(vm.OpStoreTemp, byte(local))
	b.Bytecode().Emit(vm.OpPOP)
	b.Bytecode().Emit(vm.OpPushSelf)
	b.Bytecode().EmitByte(vm.OpPushTemp, byte(local))
	b.Bytecode().Emit(vm.OpSendPlus)
	b.Bytecode().Emit(vm.OpReturnTop)
	m, err := b.Build(heap)
	if err != nil {
		t.Fatal(err)
	}

	recs := records(t, compile(t, heap, m))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if want := []bool{true, false, true, false}; !equalBools(recs[0].Stackmap(), want) {
		t.Errorf("stack map = %v, want %v", recs[0].Stackmap(), want)
	}
}

func TestGenerateReferenceStoredInLocal(t *testing.T) {
	heap := newTestHeap(t, vm.DefaultOptions())
	b := vm.NewMethodBuilder("alias", 1)
	local := b.AddLocal()
	b.Bytecode().Emit(vm.OpPushSelf)
	b.Bytecode().EmitByte(vm.OpStoreTemp, byte(local))
	b.Bytecode().Emit(vm.OpPOP)
	b.Bytecode().EmitByte(vm.OpPushTemp, byte(local))
	b.Bytecode().EmitSend(3, 0)
	b.Bytecode().Emit(vm.OpReturnTop)
	m, err := b.Build(heap)
	if err != nil {
		t.Fatal(err)
	}

	recs := records(t, compile(t, heap, m))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if want := []bool{true, true, true}; !equalBools(recs[0].Stackmap(), want) {
		t.Errorf("stack map = %v, want %v", recs[0].Stackmap(), want)
	}
}

func TestGenerateReusesEqualStackmaps(t *testing.T) {
	heap := newTestHeap(t, vm.DefaultOptions())
	b := vm.NewMethodBuilder("twice", 1)
	b.Bytecode().Emit(vm.OpPushSelf)
	b.Bytecode().Emit(vm.OpSendSize)
	b.Bytecode().Emit(vm.OpPOP)
	b.Bytecode().Emit(vm.OpPushSelf)
	b.Bytecode().Emit(vm.OpSendSize)
	b.Bytecode().Emit(vm.OpReturnTop)
	m, err := b.Build(heap)
	if err != nil {
		t.Fatal(err)
	}

	recs := records(t, compile(t, heap, m))
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].SameAsPrevious() {
		t.Error("first record cannot reuse a stack map")
	}
	if !recs[1].SameAsPrevious() {
		t.Error("second record should reuse the first stack map")
	}
	if !equalBools(recs[0].Stackmap(), recs[1].Stackmap()) {
		t.Errorf("stack maps differ: %v vs %v", recs[0].Stackmap(), recs[1].Stackmap())
	}
}

func TestGenerateImmediateLiteral(t *testing.T) {
	heap := newTestHeap(t, vm.DefaultOptions())
	b := vm.NewMethodBuilder("answer", 1)
	idx := b.AddLiteral(vm.LiteralImm(42))
	b.Bytecode().EmitUint16(vm.OpPushLiteral, uint16(idx))
	b.Bytecode().Emit(vm.OpReturnTop)
	m, err := b.Build(heap)
	if err != nil {
		t.Fatal(err)
	}

	c, err := vm.NewCompilation(heap, m, New())
	if err != nil {
		t.Fatal(err)
	}
	if err := New().Generate(c, m); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(c.Literals()) != 1 {
		t.Fatalf("got %d literals, want 1", len(c.Literals()))
	}
	elem := c.Literals()[0]
	patch := elem.PatchOffset()
	if elem.BCI() != 0 {
		t.Errorf("literal bci = %d, want 0", elem.BCI())
	}
	cm, err := c.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	code := cm.Code()
	disp := int32(binary.LittleEndian.Uint32(code[patch:]))
	slot := patch + 4 + int(disp)
	if slot%8 != 0 {
		t.Errorf("literal slot %d not aligned", slot)
	}
	if v := binary.LittleEndian.Uint64(code[slot:]); v != 42 {
		t.Errorf("literal slot holds %d, want 42", v)
	}
	if cm.Flags()&vm.FlagHasOopRelocation != 0 {
		t.Error("immediate literal must not set the oop relocation flag")
	}
}

func TestGenerateReferenceLiteralSurvivesCollection(t *testing.T) {
	heap := newTestHeap(t, vm.DefaultOptions())
	garbage, err := heap.Allocate(vm.KindData, 64)
	if err != nil {
		t.Fatal(err)
	}
	target, err := heap.Allocate(vm.KindData, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := heap.Write(target, 0, []byte("literal")); err != nil {
		t.Fatal(err)
	}

	b := vm.NewMethodBuilder("constant", 1)
	idx := b.AddLiteral(vm.LiteralRef(target))
	b.Bytecode().EmitUint16(vm.OpPushLiteral, uint16(idx))
	b.Bytecode().Emit(vm.OpReturnTop)
	m, err := b.Build(heap)
	if err != nil {
		t.Fatal(err)
	}
	cm := compile(t, heap, m)
	if cm.Flags()&vm.FlagHasOopRelocation == 0 {
		t.Fatal("reference literal should set the oop relocation flag")
	}

	stats, err := heap.Collect([]vm.Handle{cm.Handle()})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if heap.IsValid(garbage) {
		t.Error("unreferenced object survived")
	}
	if !heap.IsValid(target) {
		t.Fatal("object referenced from compiled code was freed")
	}
	if !heap.IsValid(m.Handle()) {
		t.Error("owning method was freed")
	}
	if stats.Moved == 0 {
		t.Error("expected compaction to move objects")
	}
	data, err := heap.Read(target, 0, 7)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "literal" {
		t.Errorf("moved object holds %q", data)
	}
}

func TestGenerateConditionalJump(t *testing.T) {
	heap := newTestHeap(t, vm.DefaultOptions())
	b := vm.NewMethodBuilder("choose", 1)
	bc := b.Bytecode()
	taken := bc.NewLabel()
	bc.Emit(vm.OpPushTrue)
	bc.EmitJump(vm.OpJumpTrue, taken)
	bc.Emit(vm.OpPushNil)
	bc.Emit(vm.OpReturnTop)
	bc.Mark(taken)
	bc.Emit(vm.OpPushSelf)
	bc.Emit(vm.OpReturnTop)
	m, err := b.Build(heap)
	if err != nil {
		t.Fatal(err)
	}

	code := compile(t, heap, m).Code()
	at := bytes.Index(code, []byte{0x0F, 0x80 | CondE})
	if at < 0 {
		t.Fatalf("no conditional branch in % X", code)
	}
	disp := int32(binary.LittleEndian.Uint32(code[at+2:]))
	target := at + 6 + int(disp)
	loadSelf := []byte{0x48, 0x8B, 0x85, 0xF8, 0xFF, 0xFF, 0xFF}
	if target < 0 || target+len(loadSelf) > len(code) || !bytes.Equal(code[target:target+len(loadSelf)], loadSelf) {
		t.Errorf("branch lands at %d, not on the receiver load", target)
	}
}

func TestGenerateRejectsUnsupportedBytecode(t *testing.T) {
	heap := newTestHeap(t, vm.DefaultOptions())
	m, err := vm.NewMethod(heap, "odd", 1, 1, []byte{0xFF}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := vm.NewCompilation(heap, m, New())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Generate(); !errors.Is(err, ErrUnsupportedBytecode) {
		t.Fatalf("Generate error = %v, want ErrUnsupportedBytecode", err)
	}
	if c.State() != vm.CompilationAborted {
		t.Errorf("state = %s, want aborted", c.State())
	}
	if free := heap.FreeMemoryForCompilerWithoutGC(); free != vm.DefaultCompilerAreaSize {
		t.Errorf("compiler area not released: %d bytes free", free)
	}
}

func TestGenerateRejectsInvalidBytecode(t *testing.T) {
	tests := []struct {
		name     string
		bytecode []byte
	}{
		{"temp out of range", []byte{byte(vm.OpPushTemp), 5, byte(vm.OpReturnTop)}},
		{"stack underflow", []byte{byte(vm.OpPOP), byte(vm.OpReturnNil)}},
		{"jump into operand", []byte{byte(vm.OpJump), 0xFE, 0xFF, byte(vm.OpReturnNil)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			heap := newTestHeap(t, vm.DefaultOptions())
			m, err := vm.NewMethod(heap, tt.name, 1, 1, tt.bytecode, nil)
			if err != nil {
				t.Fatal(err)
			}
			c, err := vm.NewCompilation(heap, m, New())
			if err != nil {
				t.Fatal(err)
			}
			if _, err := c.Generate(); !errors.Is(err, ErrInvalidBytecode) {
				t.Fatalf("Generate error = %v, want ErrInvalidBytecode", err)
			}
		})
	}
}

func TestGenerateLiteralPoolExhaustion(t *testing.T) {
	opts := vm.DefaultOptions()
	opts.InitialCapacity = 512
	opts.CompilerAreaSize = vm.CompiledMethodHeaderSize + 512 + 16
	heap := newTestHeap(t, opts)

	b := vm.NewMethodBuilder("answer", 1)
	idx := b.AddLiteral(vm.LiteralImm(42))
	b.Bytecode().EmitUint16(vm.OpPushLiteral, uint16(idx))
	b.Bytecode().Emit(vm.OpReturnTop)
	m, err := b.Build(heap)
	if err != nil {
		t.Fatal(err)
	}

	c, err := vm.NewCompilation(heap, m, New())
	if err != nil {
		t.Fatal(err)
	}
	err = New().Generate(c, m)
	if !errors.Is(err, vm.ErrCompilerAreaExhausted) || !errors.Is(err, vm.ErrResourceExhausted) {
		t.Fatalf("Generate error = %v, want compiler area exhaustion", err)
	}
	if c.State() != vm.CompilationExhausted {
		t.Errorf("state = %s, want exhausted", c.State())
	}
	if _, err := c.Finish(); !errors.Is(err, vm.ErrCompilerAreaExhausted) {
		t.Errorf("Finish error = %v", err)
	}
}

func TestGenerateLiteralPoolExhaustionPads(t *testing.T) {
	opts := vm.DefaultOptions()
	opts.InitialCapacity = 512
	opts.CompilerAreaSize = vm.CompiledMethodHeaderSize + 512 + 16
	opts.MaxCodeSize = 64
	opts.PadOnExhaustion = true
	heap := newTestHeap(t, opts)

	b := vm.NewMethodBuilder("answer", 1)
	idx := b.AddLiteral(vm.LiteralImm(42))
	b.Bytecode().EmitUint16(vm.OpPushLiteral, uint16(idx))
	b.Bytecode().Emit(vm.OpReturnTop)
	m, err := b.Build(heap)
	if err != nil {
		t.Fatal(err)
	}

	c, err := vm.NewCompilation(heap, m, New())
	if err != nil {
		t.Fatal(err)
	}
	if err := New().Generate(c, m); !errors.Is(err, vm.ErrCompilerAreaExhausted) {
		t.Fatalf("Generate error = %v", err)
	}
	if !c.HasOverflown() {
		t.Error("padding should drive the compilation to overflow")
	}
	if c.CodeOffset() != opts.MaxCodeSize {
		t.Errorf("code offset = %d, want %d", c.CodeOffset(), opts.MaxCodeSize)
	}
	c.Abort()
}

func TestEmitNop(t *testing.T) {
	heap := newTestHeap(t, vm.DefaultOptions())
	m, err := vm.NewMethod(heap, "nop", 1, 1, []byte{byte(vm.OpReturnSelf)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := vm.NewCompilation(heap, m, New())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Abort()
	New().EmitNop(c)
	if c.CodeOffset() != 1 {
		t.Errorf("nop emitted %d bytes", c.CodeOffset())
	}
	if New().Name() != "amd64-template" {
		t.Errorf("Name = %q", New().Name())
	}
}
