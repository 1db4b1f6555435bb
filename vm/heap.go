package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Addresses and handles
// ---------------------------------------------------------------------------

// Address is a byte offset into an ObjectHeap arena. The first bytes of the
// arena are reserved, so no object lives at address zero.
type Address uint32

// Handle names a heap object by handle-table index (low 32 bits) and
// generation (high 32 bits). Objects move; handles do not.
type Handle uint64

// NilHandle refers to no object.
const NilHandle Handle = 0

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

// IsNil reports whether h refers to no object.
func (h Handle) IsNil() bool { return h == NilHandle }

func (h Handle) String() string {
	if h == NilHandle {
		return "nil"
	}
	return fmt.Sprintf("#%d.%d", h.index(), h.generation())
}

// ObjectKind classifies heap objects.
type ObjectKind uint8

const (
	KindFree ObjectKind = iota
	KindData
	KindMethod
	KindCompiledMethod
	KindLiteralPoolElement
)

func (k ObjectKind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindData:
		return "data"
	case KindMethod:
		return "method"
	case KindCompiledMethod:
		return "compiled-method"
	case KindLiteralPoolElement:
		return "literal-pool-element"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ---------------------------------------------------------------------------
// ObjectHeap
// ---------------------------------------------------------------------------

const (
	objectAlignment = 8
	heapReserved    = 8
)

type objectEntry struct {
	addr       Address
	size       int
	generation uint32
	kind       ObjectKind
	marked     bool
}

// ICacheFlusher makes freshly written code visible to instruction fetch.
type ICacheFlusher interface {
	FlushICache(entry Address, code []byte) error
}

// ObjectHeap is a single byte arena split into a compacted main area and a
// compiler area. In the compiler area the compiled method under
// construction grows upward from the area's start while temporary compiler
// objects are allocated downward from the end; the gap between them is the
// compiler's headroom.
type ObjectHeap struct {
	mu sync.Mutex

	mem         []byte
	entries     []objectEntry
	freeEntries []uint32

	top           Address // main area bump pointer
	compilerStart Address
	compilerTop   Address // end of the compiled method under construction
	tempBottom    Address // lowest temporary compiler object

	compiling       Handle
	compilerObjects []uint32

	guarded bool
	flusher ICacheFlusher
	opts    Options

	collections uint64
}

// NewObjectHeap creates a heap sized by opts.
func NewObjectHeap(opts Options) (*ObjectHeap, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	size := alignUp(opts.HeapSize, objectAlignment)
	start := size - alignUp(opts.CompilerAreaSize, objectAlignment)
	if start <= heapReserved {
		return nil, fmt.Errorf("compiler area %d leaves no main area", opts.CompilerAreaSize)
	}
	h := &ObjectHeap{
		mem:           make([]byte, size),
		entries:       make([]objectEntry, 1, 64),
		top:           heapReserved,
		compilerStart: Address(start),
		compilerTop:   Address(start),
		tempBottom:    Address(size),
		opts:          opts,
	}
	heapLog().Debugf("heap created: %d bytes, compiler area at %#x", size, start)
	return h, nil
}

// Options returns the tuning the heap was created with.
func (h *ObjectHeap) Options() Options {
	return h.opts
}

// SetICacheFlusher installs the instruction-cache flush primitive.
func (h *ObjectHeap) SetICacheFlusher(f ICacheFlusher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flusher = f
}

func (h *ObjectHeap) icacheFlusher() ICacheFlusher {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flusher
}

// ---------------------------------------------------------------------------
// Handle table
// ---------------------------------------------------------------------------

func (h *ObjectHeap) newEntry(addr Address, size int, kind ObjectKind) Handle {
	var idx uint32
	if n := len(h.freeEntries); n > 0 {
		idx = h.freeEntries[n-1]
		h.freeEntries = h.freeEntries[:n-1]
	} else {
		h.entries = append(h.entries, objectEntry{})
		idx = uint32(len(h.entries) - 1)
	}
	e := &h.entries[idx]
	e.generation++
	e.addr = addr
	e.size = size
	e.kind = kind
	e.marked = false
	return makeHandle(idx, e.generation)
}

func (h *ObjectHeap) releaseEntry(idx uint32) {
	e := &h.entries[idx]
	e.kind = KindFree
	e.addr = 0
	e.size = 0
	e.marked = false
	h.freeEntries = append(h.freeEntries, idx)
}

// entryLocked resolves a handle. The returned pointer is valid until the
// handle table grows.
func (h *ObjectHeap) entryLocked(hd Handle) (*objectEntry, error) {
	idx := hd.index()
	if hd == NilHandle || idx == 0 || int(idx) >= len(h.entries) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, hd)
	}
	e := &h.entries[idx]
	if e.kind == KindFree || e.generation != hd.generation() {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, hd)
	}
	return e, nil
}

func (h *ObjectHeap) inCompilerArea(addr Address) bool {
	return addr >= h.compilerStart
}

// ---------------------------------------------------------------------------
// Main area
// ---------------------------------------------------------------------------

// Allocate reserves size zeroed bytes in the main area. It never collects:
// ErrHeapExhausted tells the caller to collect at its next safepoint.
func (h *ObjectHeap) Allocate(kind ObjectKind, size int) (Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocateMainLocked(kind, size)
}

func (h *ObjectHeap) allocateMainLocked(kind ObjectKind, size int) (Handle, error) {
	if size < 0 || kind == KindFree {
		panic(fmt.Sprintf("vm: invalid allocation of %d bytes of kind %s", size, kind))
	}
	n := alignUp(max(size, 1), objectAlignment)
	if int(h.top)+n > int(h.compilerStart) {
		return NilHandle, ErrHeapExhausted
	}
	addr := h.top
	h.top += Address(n)
	clear(h.mem[addr : int(addr)+n])
	return h.newEntry(addr, size, kind), nil
}

// Free releases an object explicitly. Main-area space is reclaimed by the
// next compaction.
func (h *ObjectHeap) Free(hd Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.entryLocked(hd)
	if err != nil {
		return err
	}
	if h.inCompilerArea(e.addr) {
		return fmt.Errorf("free %s: compiler area objects are released with the compiler area", hd)
	}
	h.releaseEntry(hd.index())
	return nil
}

// IsValid reports whether hd names a live object.
func (h *ObjectHeap) IsValid(hd Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.entryLocked(hd)
	return err == nil
}

// AddressOf returns the current address of an object. The address is only
// stable while collection is disabled.
func (h *ObjectHeap) AddressOf(hd Handle) (Address, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.entryLocked(hd)
	if err != nil {
		return 0, err
	}
	return e.addr, nil
}

// KindOf returns the kind of an object.
func (h *ObjectHeap) KindOf(hd Handle) (ObjectKind, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.entryLocked(hd)
	if err != nil {
		return KindFree, err
	}
	return e.kind, nil
}

// SizeOf returns the byte size of an object.
func (h *ObjectHeap) SizeOf(hd Handle) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.entryLocked(hd)
	if err != nil {
		return 0, err
	}
	return e.size, nil
}

// Read copies n bytes of an object starting at offset.
func (h *ObjectHeap) Read(hd Handle, offset, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.entryLocked(hd)
	if err != nil {
		return nil, err
	}
	if offset < 0 || n < 0 || offset+n > e.size {
		return nil, fmt.Errorf("read %s [%d:%d] out of bounds (size %d)", hd, offset, offset+n, e.size)
	}
	start := int(e.addr) + offset
	out := make([]byte, n)
	copy(out, h.mem[start:start+n])
	return out, nil
}

// Write copies data into an object starting at offset.
func (h *ObjectHeap) Write(hd Handle, offset int, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.entryLocked(hd)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(data) > e.size {
		return fmt.Errorf("write %s [%d:%d] out of bounds (size %d)", hd, offset, offset+len(data), e.size)
	}
	copy(h.mem[int(e.addr)+offset:], data)
	return nil
}

// ---------------------------------------------------------------------------
// Compiler area
// ---------------------------------------------------------------------------

// FreeMemoryForCompilerWithoutGC returns the bytes available to the
// compiler without a collection: the gap between the compiled method under
// construction and the lowest temporary compiler object.
func (h *ObjectHeap) FreeMemoryForCompilerWithoutGC() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.compilerFreeLocked()
}

func (h *ObjectHeap) compilerFreeLocked() int {
	return int(h.tempBottom) - int(h.compilerTop)
}

// beginCompiledMethodLocked claims the compiler area and allocates the
// compiled method under construction at its start.
func (h *ObjectHeap) beginCompiledMethodLocked(size int) (Handle, error) {
	if h.compiling != NilHandle {
		return NilHandle, ErrCompilerBusy
	}
	n := alignUp(size, objectAlignment)
	if int(h.compilerStart)+n > int(h.tempBottom) {
		return NilHandle, ErrArenaExhausted
	}
	clear(h.mem[h.compilerStart : int(h.compilerStart)+n])
	hd := h.newEntry(h.compilerStart, size, KindCompiledMethod)
	h.compilerTop = h.compilerStart + Address(n)
	h.compiling = hd
	h.compilerObjects = append(h.compilerObjects, hd.index())
	return hd, nil
}

// allocateTempLocked allocates a temporary compiler object from the top of
// the compiler area. It never collects.
func (h *ObjectHeap) allocateTempLocked(kind ObjectKind, size int) (Handle, error) {
	n := alignUp(max(size, 1), objectAlignment)
	if int(h.tempBottom)-n < int(h.compilerTop) {
		return NilHandle, ErrCompilerAreaExhausted
	}
	h.tempBottom -= Address(n)
	clear(h.mem[h.tempBottom : int(h.tempBottom)+n])
	hd := h.newEntry(h.tempBottom, size, kind)
	h.compilerObjects = append(h.compilerObjects, hd.index())
	return hd, nil
}

// resizeCompiledLocked changes the footprint of the compiled method under
// construction. On failure nothing is modified.
func (h *ObjectHeap) resizeCompiledLocked(e *objectEntry, size int) error {
	n := alignUp(size, objectAlignment)
	end := int(e.addr) + n
	if end > int(h.tempBottom) {
		return ErrArenaExhausted
	}
	oldEnd := int(h.compilerTop)
	if end > oldEnd {
		clear(h.mem[oldEnd:end])
	}
	e.size = size
	h.compilerTop = Address(end)
	return nil
}

// resetCompilerAreaLocked releases every compiler area object and the
// ownership of the area.
func (h *ObjectHeap) resetCompilerAreaLocked() {
	for _, idx := range h.compilerObjects {
		if h.entries[idx].kind != KindFree {
			h.releaseEntry(idx)
		}
	}
	h.compilerObjects = h.compilerObjects[:0]
	h.compiling = NilHandle
	h.compilerTop = h.compilerStart
	h.tempBottom = Address(len(h.mem))
}

// installLocked copies the compiled method under construction into the main
// area and resets the compiler area. The compiler area is reset even when
// the copy fails.
func (h *ObjectHeap) installLocked(hd Handle) (Handle, error) {
	defer h.resetCompilerAreaLocked()
	e, err := h.entryLocked(hd)
	if err != nil {
		return NilHandle, err
	}
	src, size := e.addr, e.size
	installed, err := h.allocateMainLocked(KindCompiledMethod, size)
	if err != nil {
		return NilHandle, err
	}
	dst := h.entries[installed.index()].addr
	copy(h.mem[dst:int(dst)+size], h.mem[src:int(src)+size])
	return installed, nil
}

// ---------------------------------------------------------------------------
// Collection guard
// ---------------------------------------------------------------------------

// CollectionGuard excludes collection while raw addresses into heap objects
// are live. Guards do not nest.
type CollectionGuard struct {
	heap     *ObjectHeap
	released bool
}

// DisableCollection acquires the collection guard. It panics if the guard is
// already held.
func (h *ObjectHeap) DisableCollection() *CollectionGuard {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.guarded {
		panic("vm: collection guard is not reentrant")
	}
	h.guarded = true
	return &CollectionGuard{heap: h}
}

// Release re-enables collection. Releasing twice is a no-op.
func (g *CollectionGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.heap.mu.Lock()
	g.heap.guarded = false
	g.heap.mu.Unlock()
}

// CollectionDisabled reports whether a guard is held.
func (h *ObjectHeap) CollectionDisabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guarded
}

// ---------------------------------------------------------------------------
// Lookup and statistics
// ---------------------------------------------------------------------------

// FindCompiledMethod returns the installed compiled method whose code
// contains addr.
func (h *ObjectHeap) FindCompiledMethod(addr Address) (*CompiledMethod, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 1; i < len(h.entries); i++ {
		e := &h.entries[i]
		if e.kind != KindCompiledMethod || h.inCompilerArea(e.addr) {
			continue
		}
		entry := e.addr + CompiledMethodHeaderSize
		code := int(readUint32(h.mem, int(e.addr)+cmCodeSizeOffset))
		if addr >= entry && int(addr) <= int(entry)+code {
			return &CompiledMethod{heap: h, handle: makeHandle(uint32(i), e.generation)}, nil
		}
	}
	return nil, fmt.Errorf("%w: address %#x is not in compiled code", ErrNoCallInfo, uint32(addr))
}

// HeapStats summarizes arena usage.
type HeapStats struct {
	MainUsed        int
	MainFree        int
	CompilerFree    int
	Objects         int
	CompiledMethods int
	Collections     uint64
}

// Stats returns current arena usage.
func (h *ObjectHeap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HeapStats{
		MainUsed:     int(h.top),
		MainFree:     int(h.compilerStart) - int(h.top),
		CompilerFree: h.compilerFreeLocked(),
		Collections:  h.collections,
	}
	for i := 1; i < len(h.entries); i++ {
		switch h.entries[i].kind {
		case KindFree:
		case KindCompiledMethod:
			s.Objects++
			s.CompiledMethods++
		default:
			s.Objects++
		}
	}
	return s
}
