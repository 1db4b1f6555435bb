package main

import (
	"github.com/emtee40/phoneJ2ME-cldc/vm"
)

// sample builds one method in a heap.
type sample struct {
	name  string
	build func(h *vm.ObjectHeap) (*vm.Method, error)
}

var samples = []sample{
	{"identity", func(h *vm.ObjectHeap) (*vm.Method, error) {
		mb := vm.NewMethodBuilder("identity", 1)
		mb.Bytecode().Emit(vm.OpReturnSelf)
		return mb.Build(h)
	}},

	{"sum:", func(h *vm.ObjectHeap) (*vm.Method, error) {
		mb := vm.NewMethodBuilder("sum:", 2)
		b := mb.Bytecode()
		b.EmitByte(vm.OpPushTemp, 0)
		b.EmitByte(vm.OpPushTemp, 1)
		b.Emit(vm.OpSendPlus)
		b.Emit(vm.OpReturnTop)
		return mb.Build(h)
	}},

	{"max:", func(h *vm.ObjectHeap) (*vm.Method, error) {
		mb := vm.NewMethodBuilder("max:", 2)
		b := mb.Bytecode()
		other := b.NewLabel()
		b.EmitByte(vm.OpPushTemp, 0)
		b.EmitByte(vm.OpPushTemp, 1)
		b.Emit(vm.OpSendGT)
		b.EmitJump(vm.OpJumpFalse, other)
		b.EmitByte(vm.OpPushTemp, 0)
		b.Emit(vm.OpReturnTop)
		b.Mark(other)
		b.EmitByte(vm.OpPushTemp, 1)
		b.Emit(vm.OpReturnTop)
		return mb.Build(h)
	}},

	{"scaled:", func(h *vm.ObjectHeap) (*vm.Method, error) {
		mb := vm.NewMethodBuilder("scaled:", 2)
		factor := mb.AddLiteral(vm.LiteralImm(1000))
		b := mb.Bytecode()
		b.EmitByte(vm.OpPushTemp, 1)
		b.EmitUint16(vm.OpPushLiteral, uint16(factor))
		b.Emit(vm.OpSendTimes)
		b.Emit(vm.OpReturnTop)
		return mb.Build(h)
	}},

	{"greet:", func(h *vm.ObjectHeap) (*vm.Method, error) {
		greeting, err := h.Allocate(vm.KindData, 5)
		if err != nil {
			return nil, err
		}
		if err := h.Write(greeting, 0, []byte("hello")); err != nil {
			return nil, err
		}
		mb := vm.NewMethodBuilder("greet:", 2)
		lit := mb.AddLiteral(vm.LiteralRef(greeting))
		b := mb.Bytecode()
		b.EmitByte(vm.OpPushTemp, 1)
		b.EmitUint16(vm.OpPushLiteral, uint16(lit))
		b.EmitSend(1, 1)
		b.Emit(vm.OpReturnTop)
		return mb.Build(h)
	}},

	{"countdown:", func(h *vm.ObjectHeap) (*vm.Method, error) {
		mb := vm.NewMethodBuilder("countdown:", 2)
		acc := mb.AddLocal()
		b := mb.Bytecode()
		loop, exit := b.NewLabel(), b.NewLabel()
		b.EmitInt8(vm.OpPushInt8, 0)
		b.EmitByte(vm.OpStoreTemp, byte(acc))
		b.Emit(vm.OpPOP)
		b.Mark(loop)
		b.EmitByte(vm.OpPushTemp, 1)
		b.EmitInt8(vm.OpPushInt8, 0)
		b.Emit(vm.OpSendGT)
		b.EmitJump(vm.OpJumpFalse, exit)
		b.EmitByte(vm.OpPushTemp, byte(acc))
		b.EmitByte(vm.OpPushTemp, 1)
		b.Emit(vm.OpSendPlus)
		b.EmitByte(vm.OpStoreTemp, byte(acc))
		b.Emit(vm.OpPOP)
		b.EmitByte(vm.OpPushTemp, 1)
		b.EmitInt8(vm.OpPushInt8, 1)
		b.Emit(vm.OpSendMinus)
		b.EmitByte(vm.OpStoreTemp, 1)
		b.Emit(vm.OpPOP)
		b.EmitJump(vm.OpJump, loop)
		b.Mark(exit)
		b.EmitByte(vm.OpPushTemp, byte(acc))
		b.Emit(vm.OpReturnTop)
		return mb.Build(h)
	}},
}
