package vm

import (
	"bytes"
	"errors"
	"testing"
)

func newTestCompiledMethod(t *testing.T, h *ObjectHeap, capacity, metadata int) *CompiledMethod {
	t.Helper()
	h.mu.Lock()
	cm, err := newCompiledMethodLocked(h, NilHandle, capacity, metadata)
	h.mu.Unlock()
	if err != nil {
		t.Fatalf("newCompiledMethodLocked: %v", err)
	}
	return cm
}

func appendCode(cm *CompiledMethod, code []byte) {
	cm.heap.mu.Lock()
	defer cm.heap.mu.Unlock()
	cm.appendCodeLocked(code)
}

func expectPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", what)
		}
	}()
	fn()
}

// ---------------------------------------------------------------------------
// Layout
// ---------------------------------------------------------------------------

func TestCompiledMethodLayout(t *testing.T) {
	h := newTestHeap(t, DefaultOptions())
	cm := newTestCompiledMethod(t, h, 64, 16)

	if cm.Size() != 64 || cm.MetadataSize() != 16 || cm.CodeSize() != 0 {
		t.Fatalf("size=%d metadata=%d code=%d", cm.Size(), cm.MetadataSize(), cm.CodeSize())
	}
	if cm.Entry() != cm.Address()+CompiledMethodHeaderSize {
		t.Errorf("entry %#x not after the header at %#x", uint32(cm.Entry()), uint32(cm.Address()))
	}
	appendCode(cm, []byte{1, 2, 3})
	if !cm.Contains(cm.Entry() + 3) {
		t.Error("address just past the code should be contained")
	}
	if cm.Contains(cm.Entry() + 4) {
		t.Error("address beyond the code should not be contained")
	}
	if off := cm.CodeOffsetOf(cm.Entry() + 2); off != 2 {
		t.Errorf("CodeOffsetOf = %d", off)
	}
	cm.SetHasBranchRelocation()
	cm.SetHasOopRelocation()
	if cm.Flags() != FlagHasBranchRelocation|FlagHasOopRelocation {
		t.Errorf("Flags = %#x", cm.Flags())
	}
	if cm.Size() != 64 {
		t.Errorf("flags clobbered the size: %d", cm.Size())
	}
}

func TestCompiledMethodAtRejectsOtherKinds(t *testing.T) {
	h := newTestHeap(t, DefaultOptions())
	data, _ := h.Allocate(KindData, 8)
	if _, err := h.CompiledMethodAt(data); err == nil {
		t.Error("CompiledMethodAt accepted a data object")
	}
}

func TestCompilerAreaOwnedByOneMethod(t *testing.T) {
	h := newTestHeap(t, DefaultOptions())
	newTestCompiledMethod(t, h, 64, 0)
	h.mu.Lock()
	_, err := newCompiledMethodLocked(h, NilHandle, 64, 0)
	h.mu.Unlock()
	if !errors.Is(err, ErrCompilerBusy) {
		t.Errorf("second compiled method: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Expand
// ---------------------------------------------------------------------------

func TestExpandMovesMetadataKeepsCode(t *testing.T) {
	h := newTestHeap(t, DefaultOptions())
	cm := newTestCompiledMethod(t, h, 64, 16)
	code := []byte("0123456789")
	meta := []byte("ABCDEFGHIJKLMNOP")
	appendCode(cm, code)
	cm.writeMetadata(0, meta)
	entry := cm.Entry()
	free := h.FreeMemoryForCompilerWithoutGC()

	if err := cm.Expand(32, 24); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if cm.Entry() != entry {
		t.Errorf("entry moved from %#x to %#x", uint32(entry), uint32(cm.Entry()))
	}
	if cm.Size() != 96 || cm.MetadataSize() != 24 {
		t.Errorf("size=%d metadata=%d, want 96 and 24", cm.Size(), cm.MetadataSize())
	}
	if !bytes.Equal(cm.Code(), code) {
		t.Errorf("code changed: %q", cm.Code())
	}
	got := cm.Metadata()
	if !bytes.Equal(got[:16], meta) {
		t.Errorf("metadata not moved to region start: %q", got)
	}
	if !bytes.Equal(got[16:], make([]byte, 8)) {
		t.Errorf("new metadata bytes not zero: % X", got[16:])
	}
	if h.FreeMemoryForCompilerWithoutGC() != free-32 {
		t.Errorf("headroom %d, want %d", h.FreeMemoryForCompilerWithoutGC(), free-32)
	}
}

func TestExpandCodeSpaceKeepsMetadataSize(t *testing.T) {
	h := newTestHeap(t, DefaultOptions())
	cm := newTestCompiledMethod(t, h, 32, 8)
	cm.writeMetadata(0, []byte("metadata"))

	if err := cm.ExpandCodeSpace(16); err != nil {
		t.Fatalf("ExpandCodeSpace: %v", err)
	}
	if cm.MetadataSize() != 8 || string(cm.Metadata()) != "metadata" {
		t.Errorf("metadata = %q (%d bytes)", cm.Metadata(), cm.MetadataSize())
	}
	if room := cm.snapshot().codeRoom(); room != 40 {
		t.Errorf("code room = %d, want 40", room)
	}
}

func TestExpandFailureLeavesMethodUnchanged(t *testing.T) {
	h := newTestHeap(t, smallOptions())
	cm := newTestCompiledMethod(t, h, 64, 16)
	appendCode(cm, []byte{0x90, 0x90})
	cm.writeMetadata(0, bytes.Repeat([]byte{7}, 16))
	before := cm.snapshot()
	beforeMeta := cm.Metadata()
	free := h.FreeMemoryForCompilerWithoutGC()

	err := cm.Expand(free+8, 16)
	if !errors.Is(err, ErrArenaExhausted) || !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Expand error = %v, want arena exhaustion", err)
	}
	if after := cm.snapshot(); after != before {
		t.Errorf("header changed: %+v -> %+v", before, after)
	}
	if !bytes.Equal(cm.Metadata(), beforeMeta) {
		t.Error("metadata changed")
	}
	if h.FreeMemoryForCompilerWithoutGC() != free {
		t.Error("headroom changed")
	}
}

func TestExpandRejectsBadMetadataSize(t *testing.T) {
	h := newTestHeap(t, DefaultOptions())
	cm := newTestCompiledMethod(t, h, 64, 16)
	expectPanic(t, "shrinking metadata", func() { cm.Expand(8, 8) })
	expectPanic(t, "metadata beyond delta", func() { cm.Expand(8, 32) })
	expectPanic(t, "negative delta", func() { cm.Expand(-8, 16) })
}

// ---------------------------------------------------------------------------
// Shrink
// ---------------------------------------------------------------------------

func TestShrinkOnce(t *testing.T) {
	h := newTestHeap(t, DefaultOptions())
	cm := newTestCompiledMethod(t, h, 128, 32)
	appendCode(cm, []byte("codecode"))
	cm.writeMetadata(0, []byte("tableXXXX"))
	entry := cm.Entry()
	free := h.FreeMemoryForCompilerWithoutGC()

	cm.Shrink(cm.CodeSize(), 5)
	if !cm.IsShrunk() {
		t.Error("IsShrunk = false")
	}
	if cm.Size() != 13 || cm.MetadataSize() != 5 {
		t.Errorf("size=%d metadata=%d, want 13 and 5", cm.Size(), cm.MetadataSize())
	}
	if cm.Entry() != entry {
		t.Error("entry moved")
	}
	if string(cm.Code()) != "codecode" || string(cm.Metadata()) != "table" {
		t.Errorf("code=%q metadata=%q", cm.Code(), cm.Metadata())
	}
	// 128+24 bytes shrink to 13+24, rounded to 40.
	if got := h.FreeMemoryForCompilerWithoutGC(); got != free+152-40 {
		t.Errorf("headroom %d, want %d", got, free+152-40)
	}
	expectPanic(t, "second shrink", func() { cm.Shrink(cm.CodeSize(), 5) })
	expectPanic(t, "expand after shrink", func() { cm.Expand(8, 5) })
}

func TestShrinkRejectsLostCode(t *testing.T) {
	h := newTestHeap(t, DefaultOptions())
	cm := newTestCompiledMethod(t, h, 64, 16)
	appendCode(cm, []byte("abcdef"))
	expectPanic(t, "code below emitted size", func() { cm.Shrink(3, 0) })
	expectPanic(t, "metadata beyond region", func() { cm.Shrink(6, 17) })
}
