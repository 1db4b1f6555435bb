package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotRelocatable is returned when restoring code that embeds heap
// references, which are meaningless outside the heap that produced them.
var ErrNotRelocatable = errors.New("compiled code embeds heap references")

// CodeImage is the position-independent form of an installed compiled
// method: code, metadata and the split between call info and relocations.
type CodeImage struct {
	Flags          CompiledMethodFlags
	Code           []byte
	Metadata       []byte
	RelocationSize int
}

// Image captures the position-independent form of cm.
func (cm *CompiledMethod) Image() CodeImage {
	hd := cm.snapshot()
	return CodeImage{
		Flags:          hd.flags &^ flagShrunk,
		Code:           cm.Code(),
		Metadata:       cm.Metadata(),
		RelocationSize: hd.relocSize,
	}
}

// Restore installs img as compiled code owned by m. The image's call-info
// table is validated before the code is flushed.
func Restore(heap *ObjectHeap, m *Method, img CodeImage) (*CompiledMethod, error) {
	if img.Flags&FlagHasOopRelocation != 0 {
		return nil, ErrNotRelocatable
	}
	if img.RelocationSize < 0 || img.RelocationSize > len(img.Metadata) {
		return nil, fmt.Errorf("restore %s: relocation size %d outside metadata of %d bytes", m, img.RelocationSize, len(img.Metadata))
	}
	size := len(img.Code) + len(img.Metadata)
	if size > MaxCompiledMethodSize {
		return nil, fmt.Errorf("restore %s: %d bytes exceed the compiled method limit", m, size)
	}

	heap.mu.Lock()
	hd, err := heap.allocateMainLocked(KindCompiledMethod, CompiledMethodHeaderSize+size)
	if err != nil {
		heap.mu.Unlock()
		return nil, err
	}
	base := int(heap.entries[hd.index()].addr)
	mem := heap.mem
	binary.LittleEndian.PutUint64(mem[base+cmMethodOffset:], uint64(m.handle))
	writeUint32(mem, base+cmFlagsAndSizeOffset, uint32(img.Flags|flagShrunk)<<cmSizeBits|uint32(size))
	writeUint32(mem, base+cmCodeSizeOffset, uint32(len(img.Code)))
	writeUint32(mem, base+cmMetadataSizeOffset, uint32(len(img.Metadata)))
	writeUint32(mem, base+cmRelocationSizeOffset, uint32(img.RelocationSize))
	copy(mem[base+CompiledMethodHeaderSize:], img.Code)
	copy(mem[base+CompiledMethodHeaderSize+len(img.Code):], img.Metadata)
	heap.mu.Unlock()

	cm := &CompiledMethod{heap: heap, handle: hd}
	if _, err := Records(cm); err != nil {
		heap.Free(hd)
		return nil, fmt.Errorf("restore %s: %w", m, err)
	}
	relocs, err := cm.Relocations()
	if err != nil {
		heap.Free(hd)
		return nil, fmt.Errorf("restore %s: %w", m, err)
	}
	for _, r := range relocs {
		if r.Kind == RelocOop {
			heap.Free(hd)
			return nil, ErrNotRelocatable
		}
	}
	if err := cm.FlushICache(); err != nil {
		heap.Free(hd)
		return nil, fmt.Errorf("restore %s: %w", m, err)
	}
	return cm, nil
}
