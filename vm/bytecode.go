package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single source-method bytecode.
type Opcode byte

// Stack operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Constants
const (
	OpPushNil     Opcode = 0x10 // push nil
	OpPushTrue    Opcode = 0x11 // push true
	OpPushFalse   Opcode = 0x12 // push false
	OpPushSelf    Opcode = 0x13 // push the receiver
	OpPushInt8    Opcode = 0x14 // push 8-bit signed integer
	OpPushInt32   Opcode = 0x15 // push 32-bit signed integer
	OpPushLiteral Opcode = 0x16 // push literal (16-bit index)
)

// Temporaries
const (
	OpPushTemp  Opcode = 0x20 // push temporary or argument (8-bit index)
	OpStoreTemp Opcode = 0x23 // store top of stack into temporary (8-bit index)
)

// Sends
const (
	OpSend Opcode = 0x30 // send (16-bit selector, 8-bit argc)
)

// Arithmetic and comparison sends
const (
	OpSendPlus  Opcode = 0x40 // +
	OpSendMinus Opcode = 0x41 // -
	OpSendTimes Opcode = 0x42 // *
	OpSendLT    Opcode = 0x45 // <
	OpSendGT    Opcode = 0x46 // >
	OpSendEQ    Opcode = 0x49 // =
	OpSendAt    Opcode = 0x4B // at:
	OpSendAtPut Opcode = 0x4C // at:put:
	OpSendSize  Opcode = 0x4D // size
)

// Control flow
const (
	OpJump      Opcode = 0x60 // unconditional jump (16-bit offset)
	OpJumpTrue  Opcode = 0x61 // pop, jump if true (16-bit offset)
	OpJumpFalse Opcode = 0x62 // pop, jump if false (16-bit offset)
)

// Returns
const (
	OpReturnTop  Opcode = 0x70 // return top of stack
	OpReturnSelf Opcode = 0x71 // return the receiver
	OpReturnNil  Opcode = 0x72 // return nil
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo describes an opcode's encoding and stack behavior. Pops is -1
// for sends, whose pop count is argc+1.
type OpcodeInfo struct {
	Name         string
	OperandBytes int
	Pops         int
	Pushes       int
	Call         bool // compiled code calls into the runtime
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0, 0, 0, false},
	OpPOP: {"POP", 0, 1, 0, false},
	OpDUP: {"DUP", 0, 1, 2, false},

	OpPushNil:     {"PUSH_NIL", 0, 0, 1, false},
	OpPushTrue:    {"PUSH_TRUE", 0, 0, 1, false},
	OpPushFalse:   {"PUSH_FALSE", 0, 0, 1, false},
	OpPushSelf:    {"PUSH_SELF", 0, 0, 1, false},
	OpPushInt8:    {"PUSH_INT8", 1, 0, 1, false},
	OpPushInt32:   {"PUSH_INT32", 4, 0, 1, false},
	OpPushLiteral: {"PUSH_LITERAL", 2, 0, 1, false},

	OpPushTemp:  {"PUSH_TEMP", 1, 0, 1, false},
	OpStoreTemp: {"STORE_TEMP", 1, 1, 1, false},

	OpSend: {"SEND", 3, -1, 1, true},

	OpSendPlus:  {"SEND_PLUS", 0, 2, 1, true},
	OpSendMinus: {"SEND_MINUS", 0, 2, 1, true},
	OpSendTimes: {"SEND_TIMES", 0, 2, 1, true},
	OpSendLT:    {"SEND_LT", 0, 2, 1, true},
	OpSendGT:    {"SEND_GT", 0, 2, 1, true},
	OpSendEQ:    {"SEND_EQ", 0, 2, 1, true},
	OpSendAt:    {"SEND_AT", 0, 2, 1, true},
	OpSendAtPut: {"SEND_AT_PUT", 0, 3, 1, true},
	OpSendSize:  {"SEND_SIZE", 0, 1, 1, true},

	OpJump:      {"JUMP", 2, 0, 0, false},
	OpJumpTrue:  {"JUMP_TRUE", 2, 1, 0, false},
	OpJumpFalse: {"JUMP_FALSE", 2, 1, 0, false},

	OpReturnTop:  {"RETURN_TOP", 0, 1, 0, false},
	OpReturnSelf: {"RETURN_SELF", 0, 0, 0, false},
	OpReturnNil:  {"RETURN_NIL", 0, 0, 0, false},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Known reports whether op is defined.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

func (op Opcode) String() string {
	return op.Info().Name
}

// ---------------------------------------------------------------------------
// BytecodeBuilder
// ---------------------------------------------------------------------------

// BytecodeBuilder assembles source-method bytecode.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates an empty builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the assembled bytecode.
func (b *BytecodeBuilder) Bytes() []byte { return b.bytes }

// Len returns the current length.
func (b *BytecodeBuilder) Len() int { return len(b.bytes) }

// Emit appends an opcode without operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with an 8-bit operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand.
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, operand)
}

// EmitInt32 appends an opcode with a 32-bit operand.
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// EmitSend appends a SEND.
func (b *BytecodeBuilder) EmitSend(selector uint16, argc uint8) {
	b.bytes = append(b.bytes, byte(OpSend))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, selector)
	b.bytes = append(b.bytes, argc)
}

// Label is a jump target. Forward references are patched when it is marked.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{}
}

// EmitJump appends a jump to label. Offsets are relative to the end of the
// instruction.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		b.bytes = binary.LittleEndian.AppendUint16(b.bytes, uint16(int16(label.position-(len(b.bytes)+2))))
		return
	}
	label.refs = append(label.refs, len(b.bytes))
	b.bytes = append(b.bytes, 0, 0)
}

// Mark resolves label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)
	for _, ref := range label.refs {
		binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(int16(label.position-(ref+2))))
	}
	label.refs = nil
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Instruction is one decoded bytecode.
type Instruction struct {
	Op      Opcode
	BCI     int
	Operand int // index, immediate, selector or jump offset
	Argc    int // SEND only
	Next    int // bci of the following instruction
}

// JumpTarget returns the bci a jump lands on.
func (in Instruction) JumpTarget() int {
	return in.Next + in.Operand
}

// DecodeInstruction decodes the instruction at bci.
func DecodeInstruction(code []byte, bci int) (Instruction, error) {
	if bci < 0 || bci >= len(code) {
		return Instruction{}, fmt.Errorf("bci %d outside %d bytes of bytecode", bci, len(code))
	}
	op := Opcode(code[bci])
	info, ok := opcodeTable[op]
	if !ok {
		return Instruction{}, fmt.Errorf("bci %d: unknown opcode %#02x", bci, byte(op))
	}
	in := Instruction{Op: op, BCI: bci, Next: bci + 1 + info.OperandBytes}
	if in.Next > len(code) {
		return Instruction{}, fmt.Errorf("bci %d: %s operands truncated", bci, info.Name)
	}
	operands := code[bci+1 : in.Next]
	switch op {
	case OpPushInt8:
		in.Operand = int(int8(operands[0]))
	case OpPushTemp, OpStoreTemp:
		in.Operand = int(operands[0])
	case OpPushInt32:
		in.Operand = int(int32(binary.LittleEndian.Uint32(operands)))
	case OpPushLiteral:
		in.Operand = int(binary.LittleEndian.Uint16(operands))
	case OpJump, OpJumpTrue, OpJumpFalse:
		in.Operand = int(int16(binary.LittleEndian.Uint16(operands)))
	case OpSend:
		in.Operand = int(binary.LittleEndian.Uint16(operands))
		in.Argc = int(operands[2])
	}
	return in, nil
}

// Disassemble returns a listing of bytecode, one instruction per line.
func Disassemble(code []byte) string {
	var sb strings.Builder
	for bci := 0; bci < len(code); {
		in, err := DecodeInstruction(code, bci)
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		if err != nil {
			fmt.Fprintf(&sb, "%04d  ?? %v", bci, err)
			break
		}
		switch in.Op.Info().OperandBytes {
		case 0:
			fmt.Fprintf(&sb, "%04d  %s", in.BCI, in.Op)
		default:
			switch in.Op {
			case OpJump, OpJumpTrue, OpJumpFalse:
				fmt.Fprintf(&sb, "%04d  %s %d (-> %04d)", in.BCI, in.Op, in.Operand, in.JumpTarget())
			case OpSend:
				fmt.Fprintf(&sb, "%04d  %s selector=%d argc=%d", in.BCI, in.Op, in.Operand, in.Argc)
			default:
				fmt.Fprintf(&sb, "%04d  %s %d", in.BCI, in.Op, in.Operand)
			}
		}
		bci = in.Next
	}
	return sb.String()
}
