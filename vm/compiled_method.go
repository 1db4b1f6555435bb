package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// CompiledMethod layout
// ---------------------------------------------------------------------------
//
//	[0:8]   owning method handle
//	[8:12]  flags (high 8 bits) | dynamic size (low 24 bits)
//	[12:16] code size
//	[16:20] metadata size
//	[20:24] relocation size
//	[24:]   code ... gap ... metadata
//
// The metadata region always abuts the end of the object. It holds the
// call-info table followed by the relocation stream.

const (
	CompiledMethodHeaderSize = 24

	cmMethodOffset         = 0
	cmFlagsAndSizeOffset   = 8
	cmCodeSizeOffset       = 12
	cmMetadataSizeOffset   = 16
	cmRelocationSizeOffset = 20

	cmSizeBits = 24
	cmSizeMask = 1<<cmSizeBits - 1

	// MaxCompiledMethodSize bounds the dynamic size of a compiled method.
	MaxCompiledMethodSize = cmSizeMask
)

// CompiledMethodFlags are stored in the high byte of the size word.
type CompiledMethodFlags uint8

const (
	FlagHasBranchRelocation CompiledMethodFlags = 1 << iota
	FlagHasOopRelocation

	flagShrunk CompiledMethodFlags = 1 << 7
)

func readUint32(mem []byte, at int) uint32 {
	return binary.LittleEndian.Uint32(mem[at:])
}

func writeUint32(mem []byte, at int, v uint32) {
	binary.LittleEndian.PutUint32(mem[at:], v)
}

func readUint64(mem []byte, at int) uint64 {
	return binary.LittleEndian.Uint64(mem[at:])
}

func writeInt32(mem []byte, at int, v int32) {
	writeUint32(mem, at, uint32(v))
}

// ---------------------------------------------------------------------------
// CompiledMethod
// ---------------------------------------------------------------------------

// CompiledMethod is a view of a compiled-code heap object: a header, native
// code growing from the entry point, and metadata at the end. The view is a
// handle; every access resolves the object's current address.
type CompiledMethod struct {
	heap   *ObjectHeap
	handle Handle
}

// CompiledMethodAt returns a view of the compiled method named by hd.
func (h *ObjectHeap) CompiledMethodAt(hd Handle) (*CompiledMethod, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.entryLocked(hd)
	if err != nil {
		return nil, err
	}
	if e.kind != KindCompiledMethod {
		return nil, fmt.Errorf("%s is a %s, not a compiled method", hd, e.kind)
	}
	return &CompiledMethod{heap: h, handle: hd}, nil
}

// newCompiledMethodLocked allocates the compiled method under construction
// with capacity dynamic bytes and initialMetadata of them reserved for
// metadata.
func newCompiledMethodLocked(h *ObjectHeap, owner Handle, capacity, initialMetadata int) (*CompiledMethod, error) {
	if capacity > MaxCompiledMethodSize || initialMetadata > capacity {
		return nil, ErrArenaExhausted
	}
	hd, err := h.beginCompiledMethodLocked(CompiledMethodHeaderSize + capacity)
	if err != nil {
		return nil, err
	}
	base := int(h.entries[hd.index()].addr)
	binary.LittleEndian.PutUint64(h.mem[base+cmMethodOffset:], uint64(owner))
	writeUint32(h.mem, base+cmFlagsAndSizeOffset, uint32(capacity))
	writeUint32(h.mem, base+cmMetadataSizeOffset, uint32(initialMetadata))
	return &CompiledMethod{heap: h, handle: hd}, nil
}

// Handle returns the heap handle of the compiled method.
func (cm *CompiledMethod) Handle() Handle {
	return cm.handle
}

// Heap returns the heap holding the compiled method.
func (cm *CompiledMethod) Heap() *ObjectHeap {
	return cm.heap
}

// header is a decoded snapshot of the compiled method header.
type header struct {
	base         int
	method       Handle
	flags        CompiledMethodFlags
	size         int
	codeSize     int
	metadataSize int
	relocSize    int
}

func (hd header) entry() int         { return hd.base + CompiledMethodHeaderSize }
func (hd header) metadataStart() int { return hd.entry() + hd.size - hd.metadataSize }

func (cm *CompiledMethod) headerLocked() (header, *objectEntry) {
	e, err := cm.heap.entryLocked(cm.handle)
	if err != nil {
		panic(fmt.Sprintf("vm: compiled method %s: %v", cm.handle, err))
	}
	mem := cm.heap.mem
	base := int(e.addr)
	fs := readUint32(mem, base+cmFlagsAndSizeOffset)
	return header{
		base:         base,
		method:       Handle(binary.LittleEndian.Uint64(mem[base+cmMethodOffset:])),
		flags:        CompiledMethodFlags(fs >> cmSizeBits),
		size:         int(fs & cmSizeMask),
		codeSize:     int(readUint32(mem, base+cmCodeSizeOffset)),
		metadataSize: int(readUint32(mem, base+cmMetadataSizeOffset)),
		relocSize:    int(readUint32(mem, base+cmRelocationSizeOffset)),
	}, e
}

func (cm *CompiledMethod) writeSizeAndFlagsLocked(hd header) {
	writeUint32(cm.heap.mem, hd.base+cmFlagsAndSizeOffset, uint32(hd.flags)<<cmSizeBits|uint32(hd.size))
}

func (cm *CompiledMethod) snapshot() header {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	hd, _ := cm.headerLocked()
	return hd
}

// Address returns the current address of the object.
func (cm *CompiledMethod) Address() Address {
	return Address(cm.snapshot().base)
}

// Entry returns the address of the first instruction. It is stable only
// between growth, shrink and install of the method.
func (cm *CompiledMethod) Entry() Address {
	return Address(cm.snapshot().entry())
}

// Method returns the handle of the owning source method.
func (cm *CompiledMethod) Method() Handle { return cm.snapshot().method }

// Size returns the dynamic size: code, gap and metadata.
func (cm *CompiledMethod) Size() int { return cm.snapshot().size }

// CodeSize returns the bytes of emitted code.
func (cm *CompiledMethod) CodeSize() int { return cm.snapshot().codeSize }

// MetadataSize returns the bytes of the metadata region.
func (cm *CompiledMethod) MetadataSize() int { return cm.snapshot().metadataSize }

// RelocationSize returns the bytes of the relocation stream at the end of
// the metadata region.
func (cm *CompiledMethod) RelocationSize() int { return cm.snapshot().relocSize }

// Flags returns the relocation flags.
func (cm *CompiledMethod) Flags() CompiledMethodFlags {
	return cm.snapshot().flags &^ flagShrunk
}

// IsShrunk reports whether the one-time shrink has happened.
func (cm *CompiledMethod) IsShrunk() bool {
	return cm.snapshot().flags&flagShrunk != 0
}

// SetHasBranchRelocation marks the method as containing relative branches
// that must be fixed when the code moves.
func (cm *CompiledMethod) SetHasBranchRelocation() {
	cm.setFlags(FlagHasBranchRelocation)
}

// SetHasOopRelocation marks the method as embedding heap references.
func (cm *CompiledMethod) SetHasOopRelocation() {
	cm.setFlags(FlagHasOopRelocation)
}

func (cm *CompiledMethod) setFlags(f CompiledMethodFlags) {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	hd, _ := cm.headerLocked()
	hd.flags |= f
	cm.writeSizeAndFlagsLocked(hd)
}

// Code returns a copy of the emitted code.
func (cm *CompiledMethod) Code() []byte {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	hd, _ := cm.headerLocked()
	out := make([]byte, hd.codeSize)
	copy(out, cm.heap.mem[hd.entry():])
	return out
}

// Metadata returns a copy of the metadata region.
func (cm *CompiledMethod) Metadata() []byte {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	hd, _ := cm.headerLocked()
	out := make([]byte, hd.metadataSize)
	copy(out, cm.heap.mem[hd.metadataStart():])
	return out
}

// withMetadata runs fn over the live metadata bytes under the heap lock.
func (cm *CompiledMethod) withMetadata(fn func(hd header, meta []byte) error) error {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	hd, _ := cm.headerLocked()
	start := hd.metadataStart()
	return fn(hd, cm.heap.mem[start:start+hd.metadataSize])
}

// CodeOffsetOf converts an address inside the code to a code offset.
func (cm *CompiledMethod) CodeOffsetOf(addr Address) int {
	return int(addr) - cm.snapshot().entry()
}

// Contains reports whether addr lies within the code, including the
// address just past the last instruction.
func (cm *CompiledMethod) Contains(addr Address) bool {
	hd := cm.snapshot()
	return int(addr) >= hd.entry() && int(addr) <= hd.entry()+hd.codeSize
}

func (cm *CompiledMethod) String() string {
	hd := cm.snapshot()
	return fmt.Sprintf("<CompiledMethod %s: entry=%#x code=%d metadata=%d size=%d>",
		cm.handle, hd.entry(), hd.codeSize, hd.metadataSize, hd.size)
}

// ---------------------------------------------------------------------------
// Growth and shrink
// ---------------------------------------------------------------------------

func (cm *CompiledMethod) checkUnderConstructionLocked(e *objectEntry, op string) {
	if cm.heap.compiling != cm.handle || !cm.heap.inCompilerArea(e.addr) {
		panic(fmt.Sprintf("vm: %s on compiled method %s that is not under construction", op, cm.handle))
	}
}

// Expand grows the method in place by delta bytes and resizes the metadata
// region to newMetadataSize. The existing metadata bytes move to the start
// of the new metadata region; code bytes never move. If the compiler area
// has no room the method is left unchanged and ErrArenaExhausted returned.
func (cm *CompiledMethod) Expand(delta, newMetadataSize int) error {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	return cm.expandLocked(delta, newMetadataSize)
}

func (cm *CompiledMethod) expandLocked(delta, newMetadataSize int) error {
	hd, e := cm.headerLocked()
	cm.checkUnderConstructionLocked(e, "expand")
	if hd.flags&flagShrunk != 0 {
		panic("vm: expand after shrink")
	}
	if delta < 0 {
		panic(fmt.Sprintf("vm: negative expansion %d", delta))
	}
	if newMetadataSize < hd.metadataSize || newMetadataSize > hd.metadataSize+delta {
		panic(fmt.Sprintf("vm: metadata size %d invalid for expansion of %d (current %d)",
			newMetadataSize, delta, hd.metadataSize))
	}
	newSize := hd.size + delta
	if newSize > MaxCompiledMethodSize {
		return ErrArenaExhausted
	}
	if err := cm.heap.resizeCompiledLocked(e, CompiledMethodHeaderSize+newSize); err != nil {
		return err
	}

	mem := cm.heap.mem
	oldStart := hd.metadataStart()
	newStart := hd.entry() + newSize - newMetadataSize
	copy(mem[newStart:newStart+hd.metadataSize], mem[oldStart:oldStart+hd.metadataSize])
	clear(mem[oldStart:newStart])

	hd.size = newSize
	cm.writeSizeAndFlagsLocked(hd)
	writeUint32(mem, hd.base+cmMetadataSizeOffset, uint32(newMetadataSize))
	return nil
}

// ExpandCodeSpace grows the method by delta bytes of code room, keeping the
// metadata size.
func (cm *CompiledMethod) ExpandCodeSpace(delta int) error {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	hd, _ := cm.headerLocked()
	return cm.expandLocked(delta, hd.metadataSize)
}

// Shrink trims the method to finalCodeSize bytes of code followed by the
// first finalMetadataSize bytes of the metadata region, and returns the
// freed space to the compiler area. The entry point does not move. Shrink
// happens once per method.
func (cm *CompiledMethod) Shrink(finalCodeSize, finalMetadataSize int) {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()

	hd, e := cm.headerLocked()
	cm.checkUnderConstructionLocked(e, "shrink")
	if hd.flags&flagShrunk != 0 {
		panic("vm: compiled method already shrunk")
	}
	if finalCodeSize < hd.codeSize || finalMetadataSize < 0 || finalMetadataSize > hd.metadataSize ||
		finalCodeSize+hd.metadataSize > hd.size {
		panic(fmt.Sprintf("vm: shrink to code %d metadata %d invalid (code %d metadata %d size %d)",
			finalCodeSize, finalMetadataSize, hd.codeSize, hd.metadataSize, hd.size))
	}

	mem := cm.heap.mem
	oldStart := hd.metadataStart()
	newStart := hd.entry() + finalCodeSize
	copy(mem[newStart:newStart+finalMetadataSize], mem[oldStart:oldStart+finalMetadataSize])

	newSize := finalCodeSize + finalMetadataSize
	if err := cm.heap.resizeCompiledLocked(e, CompiledMethodHeaderSize+newSize); err != nil {
		panic(fmt.Sprintf("vm: shrink failed: %v", err))
	}
	hd.size = newSize
	hd.flags |= flagShrunk
	cm.writeSizeAndFlagsLocked(hd)
	writeUint32(mem, hd.base+cmCodeSizeOffset, uint32(finalCodeSize))
	writeUint32(mem, hd.base+cmMetadataSizeOffset, uint32(finalMetadataSize))
	clear(mem[hd.entry()+newSize : alignUp(hd.entry()+newSize, objectAlignment)])
}

// ---------------------------------------------------------------------------
// Code access for the owning compilation
// ---------------------------------------------------------------------------

// codeRoom returns the bytes available for code without growth.
func (hd header) codeRoom() int {
	return hd.size - hd.metadataSize - hd.codeSize
}

func (cm *CompiledMethod) appendCodeLocked(code []byte) {
	hd, _ := cm.headerLocked()
	if len(code) > hd.codeRoom() {
		panic("vm: code append without room")
	}
	copy(cm.heap.mem[hd.entry()+hd.codeSize:], code)
	writeUint32(cm.heap.mem, hd.base+cmCodeSizeOffset, uint32(hd.codeSize+len(code)))
}

func (cm *CompiledMethod) patchCode(offset int, data []byte) {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	hd, _ := cm.headerLocked()
	if offset < 0 || offset+len(data) > hd.codeSize {
		panic(fmt.Sprintf("vm: patch [%d:%d] outside code of %d bytes", offset, offset+len(data), hd.codeSize))
	}
	copy(cm.heap.mem[hd.entry()+offset:], data)
}

func (cm *CompiledMethod) writeMetadata(offset int, data []byte) {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	hd, _ := cm.headerLocked()
	if offset < 0 || offset+len(data) > hd.metadataSize {
		panic(fmt.Sprintf("vm: metadata write [%d:%d] outside region of %d bytes", offset, offset+len(data), hd.metadataSize))
	}
	copy(cm.heap.mem[hd.metadataStart()+offset:], data)
}

func (cm *CompiledMethod) setRelocationSize(n int) {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	hd, _ := cm.headerLocked()
	writeUint32(cm.heap.mem, hd.base+cmRelocationSizeOffset, uint32(n))
}

// ---------------------------------------------------------------------------
// Instruction cache
// ---------------------------------------------------------------------------

// FlushICache makes the method's code visible to instruction fetch. It must
// follow any write to the code and precede execution.
func (cm *CompiledMethod) FlushICache() error {
	f := cm.heap.icacheFlusher()
	if f == nil {
		return nil
	}
	hd := cm.snapshot()
	return f.FlushICache(Address(hd.entry()), cm.Code())
}
