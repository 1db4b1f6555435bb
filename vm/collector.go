package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// RootScanner reports heap handles that must survive a collection.
type RootScanner interface {
	ScanRoots(visit func(Handle))
}

// RootScannerFunc adapts a function to RootScanner.
type RootScannerFunc func(visit func(Handle))

func (f RootScannerFunc) ScanRoots(visit func(Handle)) { f(visit) }

// ---------------------------------------------------------------------------
// Heap collection: mark, sweep, slide-compact
// ---------------------------------------------------------------------------

type objectMove struct {
	from, end, to Address
}

// CollectStats describes one collection.
type CollectStats struct {
	Roots          int
	Marked         int
	Freed          int
	Moved          int
	BytesReclaimed int
	FramesScanned  int
	Duration       time.Duration
	Timestamp      time.Time

	moves []objectMove
}

// Relocate maps an address inside an object that was moved by the
// collection to its new location. Other addresses are returned unchanged.
func (s *CollectStats) Relocate(addr Address) Address {
	i := sort.Search(len(s.moves), func(i int) bool { return s.moves[i].end > addr })
	if i < len(s.moves) && addr >= s.moves[i].from {
		m := s.moves[i]
		return addr - m.from + m.to
	}
	return addr
}

// Collect marks everything reachable from roots, frees the rest of the main
// area and compacts it. Objects in the compiler area are not moved and are
// treated as roots. It returns ErrCollectionDisabled while a guard is held.
func (h *ObjectHeap) Collect(roots []Handle) (*CollectStats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.guarded {
		return nil, ErrCollectionDisabled
	}

	start := time.Now()
	stats := &CollectStats{Timestamp: start, Roots: len(roots)}

	work := make([]Handle, 0, len(roots)+len(h.compilerObjects))
	work = append(work, roots...)
	for _, idx := range h.compilerObjects {
		if e := &h.entries[idx]; e.kind != KindFree {
			work = append(work, makeHandle(idx, e.generation))
		}
	}
	if err := h.markLocked(work, stats); err != nil {
		h.clearMarksLocked()
		return nil, err
	}
	h.sweepLocked(stats)
	h.compactLocked(stats)
	h.clearMarksLocked()

	h.collections++
	stats.Duration = time.Since(start)
	gcLog().Infof("collection %d: marked %d, freed %d (%d bytes), moved %d in %s",
		h.collections, stats.Marked, stats.Freed, stats.BytesReclaimed, stats.Moved, stats.Duration)
	return stats, nil
}

// Collections returns the number of completed collections.
func (h *ObjectHeap) Collections() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collections
}

func (h *ObjectHeap) markLocked(work []Handle, stats *CollectStats) error {
	for len(work) > 0 {
		hd := work[len(work)-1]
		work = work[:len(work)-1]
		if hd == NilHandle {
			continue
		}
		e, err := h.entryLocked(hd)
		if err != nil {
			gcLog().Debugf("ignoring root %s: %s", hd, err)
			continue
		}
		if e.marked {
			continue
		}
		e.marked = true
		stats.Marked++

		switch e.kind {
		case KindCompiledMethod:
			cm := &CompiledMethod{heap: h, handle: hd}
			hdr, _ := cm.headerLocked()
			work = append(work, hdr.method)
			embedded, err := cm.embeddedHandlesLocked()
			if err != nil {
				return fmt.Errorf("trace %s: %w", hd, err)
			}
			work = append(work, embedded...)
		case KindLiteralPoolElement:
			work = append(work, Handle(readUint64(h.mem, int(e.addr)+lpeRefOffset)))
		}
	}
	return nil
}

func (h *ObjectHeap) sweepLocked(stats *CollectStats) {
	for i := 1; i < len(h.entries); i++ {
		e := &h.entries[i]
		if e.kind == KindFree || e.marked || h.inCompilerArea(e.addr) {
			continue
		}
		stats.Freed++
		stats.BytesReclaimed += alignUp(max(e.size, 1), objectAlignment)
		h.releaseEntry(uint32(i))
	}
}

func (h *ObjectHeap) compactLocked(stats *CollectStats) {
	live := make([]uint32, 0, len(h.entries))
	for i := 1; i < len(h.entries); i++ {
		e := &h.entries[i]
		if e.kind != KindFree && !h.inCompilerArea(e.addr) {
			live = append(live, uint32(i))
		}
	}
	sort.Slice(live, func(a, b int) bool { return h.entries[live[a]].addr < h.entries[live[b]].addr })

	cursor := Address(heapReserved)
	for _, idx := range live {
		e := &h.entries[idx]
		n := Address(alignUp(max(e.size, 1), objectAlignment))
		if e.addr != cursor {
			copy(h.mem[cursor:cursor+n], h.mem[e.addr:e.addr+n])
			stats.moves = append(stats.moves, objectMove{from: e.addr, end: e.addr + n, to: cursor})
			stats.Moved++
			e.addr = cursor
		}
		cursor += n
	}
	clear(h.mem[cursor:h.top])
	h.top = cursor
}

func (h *ObjectHeap) clearMarksLocked() {
	for i := range h.entries {
		h.entries[i].marked = false
	}
}

// ---------------------------------------------------------------------------
// Native stacks
// ---------------------------------------------------------------------------

// Frame is an activation of compiled code. Slots holds the temporaries
// followed by the operand stack, in stack-map order. Whether a slot holds a
// handle is known only from the call-info record of the return address.
type Frame struct {
	ReturnAddress Address
	Slots         []uint64
}

// Stack is a thread's compiled frames, innermost first.
type Stack struct {
	Frames []*Frame
}

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

// DefaultCollectInterval is the default period of background collection.
const DefaultCollectInterval = 30 * time.Second

// Collector drives heap collections: it gathers roots from registered
// scanners and native stacks, collects, and relocates frame return
// addresses into moved code.
type Collector struct {
	heap     *ObjectHeap
	reader   *CallInfoReader
	interval time.Duration
	enabled  atomic.Bool

	mu      sync.Mutex
	roots   []RootScanner
	stacks  []*Stack
	onDone  []func(*CollectStats)
	stop    chan struct{}
	stopped chan struct{}

	collectCount atomic.Uint64
	lastStats    atomic.Value // *CollectStats
}

// NewCollector creates a collector for heap. Use DefaultCollectInterval for
// the background period.
func NewCollector(heap *ObjectHeap, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	c := &Collector{
		heap:     heap,
		reader:   NewCallInfoReader(),
		interval: interval,
	}
	c.enabled.Store(true)
	return c
}

// AddRoots registers a root scanner.
func (c *Collector) AddRoots(r RootScanner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots = append(c.roots, r)
}

// AddStack registers a native stack for scanning.
func (c *Collector) AddStack(s *Stack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stacks = append(c.stacks, s)
}

// RemoveStack unregisters a native stack.
func (c *Collector) RemoveStack(s *Stack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, st := range c.stacks {
		if st == s {
			c.stacks = append(c.stacks[:i], c.stacks[i+1:]...)
			return
		}
	}
}

// OnCollect registers fn to run after every successful collection.
func (c *Collector) OnCollect(fn func(*CollectStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDone = append(c.onDone, fn)
}

// scanFrame reports the handles a frame keeps alive. A frame whose return
// address has no call-info record cannot be scanned; that is fatal.
func (c *Collector) scanFrame(f *Frame, visit func(Handle)) {
	cm, err := c.heap.FindCompiledMethod(f.ReturnAddress)
	if err != nil {
		panic(fmt.Sprintf("vm: frame return address %#x: %v", uint32(f.ReturnAddress), err))
	}
	rec, err := c.reader.Find(cm, f.ReturnAddress)
	if err != nil {
		panic(fmt.Sprintf("vm: scanning frame: %v", err))
	}
	if rec.StackmapSize() > len(f.Slots) {
		panic(fmt.Sprintf("vm: frame at %#x has %d slots, stack map needs %d",
			uint32(f.ReturnAddress), len(f.Slots), rec.StackmapSize()))
	}
	visit(cm.Handle())
	for i := 0; i < rec.StackmapSize(); i++ {
		if rec.OopTagAt(i) {
			visit(Handle(f.Slots[i]))
		}
	}
}

// CollectNow gathers roots and collects immediately.
func (c *Collector) CollectNow() (*CollectStats, error) {
	c.mu.Lock()
	roots := append([]RootScanner(nil), c.roots...)
	stacks := append([]*Stack(nil), c.stacks...)
	hooks := append(([]func(*CollectStats))(nil), c.onDone...)
	c.mu.Unlock()

	var handles []Handle
	visit := func(h Handle) { handles = append(handles, h) }
	for _, r := range roots {
		r.ScanRoots(visit)
	}
	frames := 0
	for _, s := range stacks {
		for _, f := range s.Frames {
			c.scanFrame(f, visit)
			frames++
		}
	}

	stats, err := c.heap.Collect(handles)
	if err != nil {
		gcLog().Debugf("collection skipped: %s", err)
		return nil, err
	}
	stats.FramesScanned = frames
	if stats.Moved > 0 {
		for _, s := range stacks {
			for _, f := range s.Frames {
				f.ReturnAddress = stats.Relocate(f.ReturnAddress)
			}
		}
	}
	c.collectCount.Add(1)
	c.lastStats.Store(stats)
	for _, fn := range hooks {
		fn(stats)
	}
	return stats, nil
}

// CollectCount returns the number of collections performed.
func (c *Collector) CollectCount() uint64 {
	return c.collectCount.Load()
}

// LastStats returns statistics of the most recent collection, or nil.
func (c *Collector) LastStats() *CollectStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CollectStats)
}

// SetEnabled enables or disables background collection.
func (c *Collector) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Start begins periodic collection. Calling Start twice is harmless.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.loop(c.stop, c.stopped)
}

// Stop halts periodic collection and waits for the loop to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	stopCh, stoppedCh := c.stop, c.stopped
	c.stop, c.stopped = nil, nil
	c.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

func (c *Collector) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if c.enabled.Load() {
				c.CollectNow()
			}
		}
	}
}
