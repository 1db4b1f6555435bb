package vm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Relocation stream
// ---------------------------------------------------------------------------
//
// Each entry is value(kind) value(code offset delta). Offsets are ascending;
// the first delta is relative to the entry point.

// RelocationKind identifies what a relocation entry points at.
type RelocationKind uint8

const (
	// RelocOop marks an 8-byte heap handle embedded in the code.
	RelocOop RelocationKind = 1
	// RelocBranch marks a 32-bit relative branch displacement.
	RelocBranch RelocationKind = 2
)

func (k RelocationKind) String() string {
	switch k {
	case RelocOop:
		return "oop"
	case RelocBranch:
		return "branch"
	default:
		return fmt.Sprintf("reloc(%d)", uint8(k))
	}
}

// Relocation is one decoded relocation entry.
type Relocation struct {
	Kind   RelocationKind
	Offset int
}

// EncodeRelocations sorts relocs by offset and returns their stream form.
func EncodeRelocations(relocs []Relocation) []byte {
	sorted := make([]Relocation, len(relocs))
	copy(sorted, relocs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var out []byte
	prev := 0
	for _, r := range sorted {
		out = AppendValue(out, int(r.Kind))
		out = AppendValue(out, r.Offset-prev)
		prev = r.Offset
	}
	return out
}

// DecodeRelocations parses a relocation stream.
func DecodeRelocations(buf []byte) ([]Relocation, error) {
	var relocs []Relocation
	offset := 0
	for pos := 0; pos < len(buf); {
		kind, n := DecodeValue(buf[pos:])
		if n == 0 {
			return nil, fmt.Errorf("relocation kind at %d: truncated", pos)
		}
		pos += n
		delta, n := DecodeValue(buf[pos:])
		if n == 0 {
			return nil, fmt.Errorf("relocation delta at %d: truncated", pos)
		}
		pos += n
		switch RelocationKind(kind) {
		case RelocOop, RelocBranch:
		default:
			return nil, fmt.Errorf("relocation at %d: unknown kind %d", pos, kind)
		}
		offset += delta
		relocs = append(relocs, Relocation{Kind: RelocationKind(kind), Offset: offset})
	}
	return relocs, nil
}

// Relocations decodes the relocation stream of a compiled method.
func (cm *CompiledMethod) Relocations() ([]Relocation, error) {
	var relocs []Relocation
	err := cm.withMetadata(func(hd header, meta []byte) error {
		stream, err := relocationStream(hd, meta)
		if err != nil {
			return err
		}
		relocs, err = DecodeRelocations(stream)
		return err
	})
	return relocs, err
}

func relocationStream(hd header, meta []byte) ([]byte, error) {
	if hd.relocSize > len(meta) {
		return nil, fmt.Errorf("relocation size %d exceeds metadata of %d bytes", hd.relocSize, len(meta))
	}
	return meta[len(meta)-hd.relocSize:], nil
}

// embeddedHandlesLocked returns the heap handles embedded at oop relocations.
func (cm *CompiledMethod) embeddedHandlesLocked() ([]Handle, error) {
	hd, _ := cm.headerLocked()
	if hd.relocSize == 0 {
		return nil, nil
	}
	mem := cm.heap.mem
	start := hd.metadataStart()
	stream, err := relocationStream(hd, mem[start:start+hd.metadataSize])
	if err != nil {
		return nil, err
	}
	relocs, err := DecodeRelocations(stream)
	if err != nil {
		return nil, err
	}
	var handles []Handle
	for _, r := range relocs {
		if r.Kind != RelocOop {
			continue
		}
		if r.Offset+8 > hd.codeSize {
			return nil, fmt.Errorf("oop relocation at %d outside code of %d bytes", r.Offset, hd.codeSize)
		}
		handles = append(handles, Handle(binary.LittleEndian.Uint64(mem[hd.entry()+r.Offset:])))
	}
	return handles, nil
}
