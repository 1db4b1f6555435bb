//go:build unix

package execmem

import (
	"fmt"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
	"golang.org/x/sys/unix"
)

// FlushICache copies code into fresh read+execute pages registered under
// entry, replacing any previous copy.
func (m *Mirror) FlushICache(entry vm.Address, code []byte) error {
	if len(code) == 0 {
		return nil
	}
	pageSize := unix.Getpagesize()
	size := (len(code) + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("execmem: map %d bytes: %w", size, err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return fmt.Errorf("execmem: protect code at %#x: %w", uint32(entry), err)
	}
	m.install(entry, &region{mem: mem, size: len(code)})
	mirrorLog().Debugf("mirrored %d bytes at %#x", len(code), uint32(entry))
	return nil
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
