// Package execmem keeps read+execute copies of installed compiled code.
//
// A Mirror is installed on an ObjectHeap as its instruction-cache flusher.
// Every flush maps fresh pages, copies the code in while they are writable
// and then flips them to read+execute, so no mapping is ever writable and
// executable at once.
package execmem

import (
	"errors"
	"sort"
	"sync"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
	"github.com/tliron/commonlog"
)

// ErrUnsupported is returned by FlushICache on platforms without mmap.
var ErrUnsupported = errors.New("execmem: executable memory is not supported on this platform")

func mirrorLog() commonlog.Logger { return commonlog.GetLogger("cldc.execmem") }

// Mirror maps installed code entry points to their executable copies.
type Mirror struct {
	mu      sync.Mutex
	regions map[vm.Address]*region
	flushes uint64
}

type region struct {
	mem  []byte // whole pages
	size int    // code bytes at the start of mem
}

// New returns an empty mirror.
func New() *Mirror {
	return &Mirror{regions: make(map[vm.Address]*region)}
}

// Code returns the executable copy of the code installed at entry.
func (m *Mirror) Code(entry vm.Address) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[entry]
	if !ok {
		return nil, false
	}
	return r.mem[:r.size:r.size], true
}

// Entries returns the mirrored entry points in ascending order.
func (m *Mirror) Entries() []vm.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]vm.Address, 0, len(m.regions))
	for entry := range m.regions {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Flushes returns the number of successful flushes.
func (m *Mirror) Flushes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// Relocate re-keys every mirror after a collection moved code. relocate is
// typically (*vm.CollectStats).Relocate. The code bytes do not change when
// a compiled method moves, so the mappings are kept.
func (m *Mirror) Relocate(relocate func(vm.Address) vm.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := make(map[vm.Address]*region, len(m.regions))
	for entry, r := range m.regions {
		moved[relocate(entry)] = r
	}
	m.regions = moved
}

// Release unmaps the copy installed at entry.
func (m *Mirror) Release(entry vm.Address) error {
	m.mu.Lock()
	r, ok := m.regions[entry]
	delete(m.regions, entry)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return unmap(r.mem)
}

// Close unmaps every copy.
func (m *Mirror) Close() error {
	m.mu.Lock()
	regions := m.regions
	m.regions = make(map[vm.Address]*region)
	m.mu.Unlock()
	var errs []error
	for _, r := range regions {
		if err := unmap(r.mem); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mirror) install(entry vm.Address, r *region) {
	m.mu.Lock()
	old := m.regions[entry]
	m.regions[entry] = r
	m.flushes++
	m.mu.Unlock()
	if old != nil {
		if err := unmap(old.mem); err != nil {
			mirrorLog().Warningf("unmapping stale code at %#x: %s", uint32(entry), err)
		}
	}
}
