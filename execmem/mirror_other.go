//go:build !unix

package execmem

import "github.com/emtee40/phoneJ2ME-cldc/vm"

// FlushICache always fails: there is no executable memory to flush into.
func (m *Mirror) FlushICache(entry vm.Address, code []byte) error {
	return ErrUnsupported
}

func unmap([]byte) error { return nil }
