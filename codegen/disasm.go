package codegen

import (
	"fmt"
	"strings"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
	"golang.org/x/arch/x86/x86asm"
)

// Disassemble lists x86-64 code, one instruction per line. Bytes that do
// not decode, such as literal pool slots, are shown as db.
func Disassemble(code []byte) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, ok := decode(code[offset:])
		if !ok {
			fmt.Fprintf(&sb, "0x%04x: db 0x%02x\n", offset, code[offset])
			offset++
			continue
		}
		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		fmt.Fprintf(&sb, "0x%04x: %-24s %s\n", offset, strings.Join(hexBytes, " "), inst)
		offset += inst.Len
	}
	return sb.String()
}

// decode reads one instruction. Truncated or invalid input can come back
// from x86asm without an error but with no opcode.
func decode(code []byte) (x86asm.Inst, bool) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Op == 0 || inst.Len <= 0 {
		return x86asm.Inst{}, false
	}
	return inst, true
}

// decodeAll decodes code[:end] and returns the instruction starting at each
// offset. It fails on the first byte that does not decode.
func decodeAll(code []byte, end int) (map[int]x86asm.Inst, error) {
	insts := make(map[int]x86asm.Inst)
	for offset := 0; offset < end; {
		inst, ok := decode(code[offset:end])
		if !ok {
			return insts, fmt.Errorf("offset %d: undecodable byte 0x%02x", offset, code[offset])
		}
		insts[offset] = inst
		offset += inst.Len
	}
	return insts, nil
}

// VerifyCallSites checks that every call-info record of cm sits right after
// a call instruction. The code is decoded up to the last record.
func VerifyCallSites(cm *vm.CompiledMethod) error {
	records, err := vm.Records(cm)
	if err != nil || len(records) == 0 {
		return err
	}
	insts, err := decodeAll(cm.Code(), records[len(records)-1].CodeOffset())
	if err != nil {
		return err
	}
	endingAt := make(map[int]x86asm.Inst, len(insts))
	for start, inst := range insts {
		endingAt[start+inst.Len] = inst
	}
	for _, rec := range records {
		if inst, ok := endingAt[rec.CodeOffset()]; !ok || inst.Op != x86asm.CALL {
			return fmt.Errorf("call info record %d at offset %d does not follow a call", rec.Index(), rec.CodeOffset())
		}
	}
	return nil
}
