//go:build !unix

package execmem

import (
	"errors"
	"testing"
)

func TestMirrorUnsupported(t *testing.T) {
	m := New()
	if err := m.FlushICache(64, []byte{0xC3}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("FlushICache = %v", err)
	}
	if len(m.Entries()) != 0 {
		t.Error("unsupported flush registered code")
	}
}
