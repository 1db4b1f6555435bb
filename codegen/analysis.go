package codegen

import (
	"errors"
	"fmt"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
)

var (
	// ErrUnsupportedBytecode means the method stays interpreted.
	ErrUnsupportedBytecode = errors.New("unsupported bytecode")
	// ErrInvalidBytecode reports bytecode that cannot be executed at all.
	ErrInvalidBytecode = errors.New("invalid bytecode")
)

// slotKind tells whether a frame slot may hold a heap reference.
type slotKind uint8

const (
	kindValue slotKind = iota
	kindRef
)

func join(a, b slotKind) slotKind {
	if a == kindRef || b == kindRef {
		return kindRef
	}
	return kindValue
}

// analysis is the result of abstract interpretation over slot kinds.
type analysis struct {
	instrs []vm.Instruction
	index  map[int]int // bci -> position in instrs

	// Operand stack kinds before each reachable bci, and the kinds flowing
	// into each jump target.
	before map[int][]slotKind
	joins  map[int][]slotKind

	tempRef  []bool
	maxDepth int
}

// maxAnalysisPasses bounds the fixed-point iteration. Kinds only move from
// value to ref, so the bound is never reached by valid bytecode.
const maxAnalysisPasses = 64

func analyze(m *vm.Method) (*analysis, error) {
	an := &analysis{
		index:   make(map[int]int),
		tempRef: make([]bool, m.NumTemps),
		joins:   make(map[int][]slotKind),
	}
	for i := 0; i < m.NumArgs; i++ {
		an.tempRef[i] = true
	}
	for bci := 0; bci < len(m.Bytecode); {
		in, err := vm.DecodeInstruction(m.Bytecode, bci)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedBytecode, m, err)
		}
		if err := an.check(m, in); err != nil {
			return nil, err
		}
		an.index[bci] = len(an.instrs)
		an.instrs = append(an.instrs, in)
		bci = in.Next
	}
	for _, in := range an.instrs {
		switch in.Op {
		case vm.OpJump, vm.OpJumpTrue, vm.OpJumpFalse:
			if _, ok := an.index[in.JumpTarget()]; !ok {
				return nil, fmt.Errorf("%w: %s: bci %d jumps to %d, not an instruction", ErrInvalidBytecode, m, in.BCI, in.JumpTarget())
			}
		}
	}

	for pass := 0; pass < maxAnalysisPasses; pass++ {
		changed, err := an.pass(m)
		if err != nil {
			return nil, err
		}
		if !changed {
			return an, nil
		}
	}
	return nil, fmt.Errorf("%w: %s: slot kinds do not converge", ErrInvalidBytecode, m)
}

func (an *analysis) check(m *vm.Method, in vm.Instruction) error {
	switch in.Op {
	case vm.OpPushTemp, vm.OpStoreTemp:
		if in.Operand >= m.NumTemps {
			return fmt.Errorf("%w: %s: bci %d uses temp %d of %d", ErrInvalidBytecode, m, in.BCI, in.Operand, m.NumTemps)
		}
	case vm.OpPushLiteral:
		if in.Operand >= len(m.Literals) {
			return fmt.Errorf("%w: %s: bci %d uses literal %d of %d", ErrInvalidBytecode, m, in.BCI, in.Operand, len(m.Literals))
		}
	}
	return nil
}

// pass interprets the method once. It reports whether joins or temp kinds
// changed, in which case another pass is needed.
func (an *analysis) pass(m *vm.Method) (bool, error) {
	changed := false
	an.before = make(map[int][]slotKind)
	var cur []slotKind
	reachable := true

	mergeInto := func(target int, st []slotKind) error {
		prev, ok := an.joins[target]
		if !ok {
			an.joins[target] = append([]slotKind(nil), st...)
			changed = true
			return nil
		}
		if len(prev) != len(st) {
			return fmt.Errorf("%w: %s: stack depth %d and %d meet at bci %d", ErrInvalidBytecode, m, len(prev), len(st), target)
		}
		for i := range prev {
			if k := join(prev[i], st[i]); k != prev[i] {
				prev[i] = k
				changed = true
			}
		}
		return nil
	}

	for _, in := range an.instrs {
		if st, ok := an.joins[in.BCI]; ok {
			if reachable {
				if len(st) != len(cur) {
					return false, fmt.Errorf("%w: %s: stack depth %d and %d meet at bci %d", ErrInvalidBytecode, m, len(cur), len(st), in.BCI)
				}
				merged := make([]slotKind, len(cur))
				for i := range cur {
					merged[i] = join(cur[i], st[i])
				}
				cur = merged
			} else {
				cur = append([]slotKind(nil), st...)
			}
			reachable = true
		}
		if !reachable {
			continue
		}
		an.before[in.BCI] = append([]slotKind(nil), cur...)

		info := in.Op.Info()
		pops := info.Pops
		if in.Op == vm.OpSend {
			pops = in.Argc + 1
		}
		if len(cur) < pops {
			return false, fmt.Errorf("%w: %s: stack underflow at bci %d", ErrInvalidBytecode, m, in.BCI)
		}

		switch in.Op {
		case vm.OpNOP:
		case vm.OpPOP:
			cur = cur[:len(cur)-1]
		case vm.OpDUP:
			cur = append(cur, cur[len(cur)-1])
		case vm.OpPushNil, vm.OpPushTrue, vm.OpPushFalse, vm.OpPushInt8, vm.OpPushInt32:
			cur = append(cur, kindValue)
		case vm.OpPushSelf:
			cur = append(cur, kindRef)
		case vm.OpPushLiteral:
			k := kindValue
			if m.GetLiteral(in.Operand).IsRef() {
				k = kindRef
			}
			cur = append(cur, k)
		case vm.OpPushTemp:
			k := kindValue
			if an.tempRef[in.Operand] {
				k = kindRef
			}
			cur = append(cur, k)
		case vm.OpStoreTemp:
			if cur[len(cur)-1] == kindRef && !an.tempRef[in.Operand] {
				an.tempRef[in.Operand] = true
				changed = true
			}
		case vm.OpSend, vm.OpSendPlus, vm.OpSendMinus, vm.OpSendTimes, vm.OpSendLT, vm.OpSendGT,
			vm.OpSendEQ, vm.OpSendAt, vm.OpSendAtPut, vm.OpSendSize:
			cur = append(cur[:len(cur)-pops], kindRef)
		case vm.OpJump:
			if err := mergeInto(in.JumpTarget(), cur); err != nil {
				return false, err
			}
			reachable = false
		case vm.OpJumpTrue, vm.OpJumpFalse:
			cur = cur[:len(cur)-1]
			if err := mergeInto(in.JumpTarget(), cur); err != nil {
				return false, err
			}
		case vm.OpReturnTop, vm.OpReturnSelf, vm.OpReturnNil:
			reachable = false
		default:
			return false, fmt.Errorf("%w: %s: %s at bci %d", ErrUnsupportedBytecode, m, in.Op, in.BCI)
		}
		if len(cur) > an.maxDepth {
			an.maxDepth = len(cur)
		}
	}
	return changed, nil
}

// isRef reports whether frame slot i may hold a reference just before bci.
// Slots are the temporaries followed by the operand stack.
func (an *analysis) isRef(bci, slot int) bool {
	if slot < len(an.tempRef) {
		return an.tempRef[slot]
	}
	return an.before[bci][slot-len(an.tempRef)] == kindRef
}
