package codegen

import (
	"fmt"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
)

// ---------------------------------------------------------------------------
// Frame layout
// ---------------------------------------------------------------------------
//
// Compiled code keeps every temporary and operand stack entry in memory:
//
//	[rbp-8]             slot 0 (the receiver)
//	[rbp-8*(i+1)]       slot i
//	[rbp-8*(t+d+1)]     operand d, with t temporaries
//
// Arguments arrive as an array of handles in rdi. A send passes the address
// of the receiver slot in rdi (arguments follow at descending addresses),
// the selector in esi and the argument count in edx, and returns the result
// in rax. The runtime send stub is reached through a rel32 call that is
// linked at install time.

// Immediate encodings of the constants.
const (
	valueNil   = 0
	valueTrue  = 1
	valueFalse = 2
)

// specialSelectorBase offsets the selectors of the optimized sends so they
// never collide with literal selectors.
const specialSelectorBase = 0x10000

func slotDisp(slot int) int32 {
	return int32(-8 * (slot + 1))
}

// ---------------------------------------------------------------------------
// AMD64 template backend
// ---------------------------------------------------------------------------

// AMD64 is a template code generator: each bytecode expands to a fixed
// instruction sequence. It implements vm.Backend.
type AMD64 struct{}

// New returns the amd64 template backend.
func New() *AMD64 {
	return &AMD64{}
}

// Name implements vm.Backend.
func (*AMD64) Name() string { return "amd64-template" }

// EmitNop implements vm.Backend.
func (*AMD64) EmitNop(c *vm.Compilation) {
	c.Emit(opNop)
}

type fixup struct {
	at     int // offset of the rel32 displacement
	target int // bci
}

// generator holds the state of one Generate call.
type generator struct {
	c      *vm.Compilation
	m      *vm.Method
	an     *analysis
	asm    *Assembler
	labels map[int]int // bci -> code offset
	fixups []fixup
}

// Generate implements vm.Backend.
func (b *AMD64) Generate(c *vm.Compilation, m *vm.Method) error {
	an, err := analyze(m)
	if err != nil {
		return err
	}
	g := &generator{
		c:      c,
		m:      m,
		an:     an,
		asm:    NewAssembler(c),
		labels: make(map[int]int),
	}
	g.prologue()

	fallsThrough := true
	for _, in := range an.instrs {
		if c.HasOverflown() {
			// Finish reports the overflow.
			return nil
		}
		if _, ok := an.before[in.BCI]; !ok {
			continue
		}
		g.labels[in.BCI] = g.asm.Offset()
		if err := g.instruction(in); err != nil {
			return err
		}
		switch in.Op {
		case vm.OpJump, vm.OpReturnTop, vm.OpReturnSelf, vm.OpReturnNil:
			fallsThrough = false
		default:
			fallsThrough = true
		}
	}
	if fallsThrough {
		g.asm.XorRegReg32(RAX, RAX)
		g.epilogue()
	}
	if c.HasOverflown() {
		return nil
	}
	for _, f := range g.fixups {
		target, ok := g.labels[f.target]
		if !ok {
			return fmt.Errorf("%w: %s: jump to unreachable bci %d", ErrInvalidBytecode, m, f.target)
		}
		c.PatchInt32(f.at, int32(target-(f.at+4)))
	}
	return nil
}

func (g *generator) prologue() {
	a := g.asm
	a.Push(RBP)
	a.MovRegReg(RBP, RSP)
	slots := g.m.NumTemps + g.an.maxDepth
	frame := (8*slots + 15) &^ 15
	if frame > 0 {
		a.SubRSP(int32(frame))
	}
	for i := 0; i < g.m.NumArgs; i++ {
		a.LoadMem(RAX, RDI, int32(8*i))
		a.StoreSlot(slotDisp(i), RAX)
	}
	for i := g.m.NumArgs; i < g.m.NumTemps; i++ {
		a.StoreSlotImm(slotDisp(i), valueNil)
	}
}

func (g *generator) epilogue() {
	g.asm.Leave()
	g.asm.Ret()
}

// top returns the slot of operand stack entry depth-1-k before in.
func (g *generator) top(in vm.Instruction, k int) int {
	return g.m.NumTemps + len(g.an.before[in.BCI]) - 1 - k
}

func (g *generator) instruction(in vm.Instruction) error {
	a := g.asm
	push := g.m.NumTemps + len(g.an.before[in.BCI])

	switch in.Op {
	case vm.OpNOP, vm.OpPOP:
	case vm.OpDUP:
		a.LoadSlot(RAX, slotDisp(g.top(in, 0)))
		a.StoreSlot(slotDisp(push), RAX)
	case vm.OpPushNil:
		a.StoreSlotImm(slotDisp(push), valueNil)
	case vm.OpPushTrue:
		a.StoreSlotImm(slotDisp(push), valueTrue)
	case vm.OpPushFalse:
		a.StoreSlotImm(slotDisp(push), valueFalse)
	case vm.OpPushInt8, vm.OpPushInt32:
		a.StoreSlotImm(slotDisp(push), int32(in.Operand))
	case vm.OpPushSelf:
		a.LoadSlot(RAX, slotDisp(0))
		a.StoreSlot(slotDisp(push), RAX)
	case vm.OpPushTemp:
		a.LoadSlot(RAX, slotDisp(in.Operand))
		a.StoreSlot(slotDisp(push), RAX)
	case vm.OpStoreTemp:
		a.LoadSlot(RAX, slotDisp(g.top(in, 0)))
		a.StoreSlot(slotDisp(in.Operand), RAX)
	case vm.OpPushLiteral:
		return g.pushLiteral(in, push)
	case vm.OpSend:
		return g.send(in, in.Operand, in.Argc)
	case vm.OpSendPlus, vm.OpSendMinus, vm.OpSendTimes, vm.OpSendLT, vm.OpSendGT,
		vm.OpSendEQ, vm.OpSendAt, vm.OpSendAtPut, vm.OpSendSize:
		return g.send(in, specialSelectorBase+int(in.Op), in.Op.Info().Pops-1)
	case vm.OpJump:
		g.fixups = append(g.fixups, fixup{at: a.JmpRel32(), target: in.JumpTarget()})
	case vm.OpJumpTrue, vm.OpJumpFalse:
		value := int8(valueTrue)
		if in.Op == vm.OpJumpFalse {
			value = valueFalse
		}
		a.LoadSlot(RAX, slotDisp(g.top(in, 0)))
		a.CmpRegImm8(RAX, value)
		g.fixups = append(g.fixups, fixup{at: a.JccRel32(CondE), target: in.JumpTarget()})
	case vm.OpReturnTop:
		a.LoadSlot(RAX, slotDisp(g.top(in, 0)))
		g.epilogue()
	case vm.OpReturnSelf:
		a.LoadSlot(RAX, slotDisp(0))
		g.epilogue()
	case vm.OpReturnNil:
		a.XorRegReg32(RAX, RAX)
		g.epilogue()
	default:
		return fmt.Errorf("%w: %s: %s at bci %d", ErrUnsupportedBytecode, g.m, in.Op, in.BCI)
	}
	return nil
}

// pushLiteral loads a literal through the pool: the load is emitted with a
// zero displacement that the pool patches when it places the literal.
func (g *generator) pushLiteral(in vm.Instruction, push int) error {
	elem, err := g.c.AllocateLiteral(g.m.GetLiteral(in.Operand))
	if err != nil {
		return fmt.Errorf("%s: bci %d: %w", g.m, in.BCI, err)
	}
	elem.SetBCI(in.BCI)
	at := g.asm.LoadRIPRelative(RAX)
	if g.c.HasOverflown() {
		return nil
	}
	elem.Bind(at)
	g.asm.StoreSlot(slotDisp(push), RAX)
	return nil
}

// send calls the runtime and records the stack map at the return address.
func (g *generator) send(in vm.Instruction, selector, argc int) error {
	a := g.asm
	receiver := g.top(in, argc)
	a.LeaSlot(RDI, slotDisp(receiver))
	a.MovRegImm32(RSI, int32(selector))
	a.MovRegImm32(RDX, int32(argc))
	disp := a.CallRel32()
	if g.c.HasOverflown() {
		return nil
	}
	g.c.AddBranchRelocation(disp)

	ret := a.Offset()
	size := g.m.NumTemps + len(g.an.before[in.BCI])
	w := g.c.CallInfo()
	if err := w.StartRecord(ret, in.BCI, size); err != nil {
		return fmt.Errorf("%s: bci %d: %w", g.m, in.BCI, err)
	}
	for i := 0; i < size; i++ {
		if g.an.isRef(in.BCI, i) {
			w.WriteOopTagAt(i)
		}
	}
	w.CommitRecord()

	a.StoreSlot(slotDisp(receiver), RAX)
	return nil
}
