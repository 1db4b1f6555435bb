package codegen

import "encoding/binary"

// ---------------------------------------------------------------------------
// x86-64 encoder
// ---------------------------------------------------------------------------
//
// Only the handful of encodings the template generator needs: frame setup,
// rbp-relative slot moves, rip-relative literal loads, rel32 calls and
// branches. All operands are 64-bit; registers are limited to the eight
// legacy ones so no REX.R/REX.B extension is needed.

// Emitter receives machine code. *vm.Compilation implements it.
type Emitter interface {
	Emit(code ...byte)
	CodeOffset() int
}

// Reg is a legacy x86-64 general purpose register.
type Reg byte

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
)

func (r Reg) String() string {
	names := [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi"}
	if int(r) < len(names) {
		return names[r]
	}
	return "???"
}

// Condition codes for Jcc.
const (
	CondE  byte = 0x4
	CondNE byte = 0x5
)

const (
	rexW     = 0x48
	opNop    = 0x90
	opCall   = 0xE8
	opJmp    = 0xE9
	opLeave  = 0xC9
	opRet    = 0xC3
	rmRIPRel = 5
)

// Assembler encodes instructions into an Emitter.
type Assembler struct {
	out Emitter
}

// NewAssembler returns an assembler writing to out.
func NewAssembler(out Emitter) *Assembler {
	return &Assembler{out: out}
}

func (a *Assembler) emit(b ...byte) { a.out.Emit(b...) }

func (a *Assembler) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.out.Emit(buf[:]...)
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

// Offset returns the offset of the next instruction.
func (a *Assembler) Offset() int {
	return a.out.CodeOffset()
}

// Nop emits a one-byte nop.
func (a *Assembler) Nop() {
	a.emit(opNop)
}

// Push emits push reg.
func (a *Assembler) Push(r Reg) {
	a.emit(0x50 + byte(r))
}

// MovRegReg emits mov dst, src.
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(rexW, 0x89, modrm(3, byte(src), byte(dst)))
}

// SubRSP emits sub rsp, imm32.
func (a *Assembler) SubRSP(imm int32) {
	a.emit(rexW, 0x81, modrm(3, 5, byte(RSP)))
	a.emitU32(uint32(imm))
}

// LoadMem emits mov dst, [base+disp32]. rsp as a base needs a SIB byte and
// is not supported.
func (a *Assembler) LoadMem(dst, base Reg, disp int32) {
	if base == RSP {
		panic("codegen: rsp-based addressing is not supported")
	}
	a.emit(rexW, 0x8B, modrm(2, byte(dst), byte(base)))
	a.emitU32(uint32(disp))
}

// LoadSlot emits mov dst, [rbp+disp32].
func (a *Assembler) LoadSlot(dst Reg, disp int32) {
	a.LoadMem(dst, RBP, disp)
}

// StoreSlot emits mov [rbp+disp32], src.
func (a *Assembler) StoreSlot(disp int32, src Reg) {
	a.emit(rexW, 0x89, modrm(2, byte(src), byte(RBP)))
	a.emitU32(uint32(disp))
}

// StoreSlotImm emits mov qword [rbp+disp32], imm32 (sign extended).
func (a *Assembler) StoreSlotImm(disp int32, imm int32) {
	a.emit(rexW, 0xC7, modrm(2, 0, byte(RBP)))
	a.emitU32(uint32(disp))
	a.emitU32(uint32(imm))
}

// LeaSlot emits lea dst, [rbp+disp32].
func (a *Assembler) LeaSlot(dst Reg, disp int32) {
	a.emit(rexW, 0x8D, modrm(2, byte(dst), byte(RBP)))
	a.emitU32(uint32(disp))
}

// MovRegImm32 emits mov r32, imm32, zero extending into the full register.
func (a *Assembler) MovRegImm32(r Reg, imm int32) {
	a.emit(0xB8 + byte(r))
	a.emitU32(uint32(imm))
}

// XorRegReg32 emits xor r32, r32.
func (a *Assembler) XorRegReg32(dst, src Reg) {
	a.emit(0x31, modrm(3, byte(src), byte(dst)))
}

// LoadRIPRelative emits mov dst, [rip+disp32] with a zero displacement and
// returns the offset of the displacement for later patching.
func (a *Assembler) LoadRIPRelative(dst Reg) int {
	a.emit(rexW, 0x8B, modrm(0, byte(dst), rmRIPRel))
	at := a.Offset()
	a.emitU32(0)
	return at
}

// CmpRegImm8 emits cmp reg, imm8.
func (a *Assembler) CmpRegImm8(r Reg, imm int8) {
	a.emit(rexW, 0x83, modrm(3, 7, byte(r)), byte(imm))
}

// CallRel32 emits call rel32 with a zero displacement and returns the
// offset of the displacement.
func (a *Assembler) CallRel32() int {
	a.emit(opCall)
	at := a.Offset()
	a.emitU32(0)
	return at
}

// JmpRel32 emits jmp rel32 and returns the offset of the displacement.
func (a *Assembler) JmpRel32() int {
	a.emit(opJmp)
	at := a.Offset()
	a.emitU32(0)
	return at
}

// JccRel32 emits a conditional rel32 branch and returns the offset of the
// displacement.
func (a *Assembler) JccRel32(cond byte) int {
	a.emit(0x0F, 0x80|cond)
	at := a.Offset()
	a.emitU32(0)
	return at
}

// Leave emits leave.
func (a *Assembler) Leave() {
	a.emit(opLeave)
}

// Ret emits ret.
func (a *Assembler) Ret() {
	a.emit(opRet)
}

// ---------------------------------------------------------------------------
// Buffer: a standalone Emitter
// ---------------------------------------------------------------------------

// Buffer collects code in memory.
type Buffer struct {
	code []byte
}

func (b *Buffer) Emit(code ...byte) { b.code = append(b.code, code...) }
func (b *Buffer) CodeOffset() int   { return len(b.code) }

// Bytes returns the collected code.
func (b *Buffer) Bytes() []byte { return b.code }
