package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Call-info table format
// ---------------------------------------------------------------------------
//
// The table starts the metadata region of a compiled method:
//
//	header: uint16 little endian, count in the low 12 bits, type in the high 4
//	record: value(offset delta) value(bci) value(size<<1 | same) [map bytes]
//
// Map bytes are present unless the same bit is set, in which case the record
// reuses the stack map of the nearest preceding record that carried one.

const (
	CallInfoTableHeaderSize = 2
	CallInfoTypeCompressed  = 1
	MaxCallInfoRecords      = 1<<callInfoLengthWidth - 1

	callInfoLengthWidth = 12
	callInfoLengthMask  = 1<<callInfoLengthWidth - 1
	callInfoSameBit     = 0x1
)

type callInfoWriterState int

const (
	writerIdle callInfoWriterState = iota
	writerRecording
	writerCommitted
)

func (s callInfoWriterState) String() string {
	switch s {
	case writerIdle:
		return "idle"
	case writerRecording:
		return "recording"
	default:
		return "committed"
	}
}

// ---------------------------------------------------------------------------
// CallInfoWriter
// ---------------------------------------------------------------------------

// CallInfoWriter appends call-info records to the metadata of the compiled
// method under construction. Records must be written in ascending code
// offset order, one at a time: StartRecord, WriteOopTagAt for each reference
// slot, CommitRecord. CommitTable finishes the table and shrinks the method.
type CallInfoWriter struct {
	cm             *CompiledMethod
	expansionDelta int

	state    callInfoWriterState
	used     int // table bytes in use, header included
	count    int
	trailer  int
	hasLast  bool
	lastCode int

	codeOffset   int
	bci          int
	stackmapSize int
	stackmap     []byte

	prevStackmap     []byte
	prevStackmapSize int
	hasPrevStackmap  bool

	scratch []byte
}

// NewCallInfoWriter returns a writer for cm. expansionDelta is the minimum
// metadata growth; zero selects DefaultCallInfoExpansionDelta.
func NewCallInfoWriter(cm *CompiledMethod, expansionDelta int) *CallInfoWriter {
	if expansionDelta <= 0 {
		expansionDelta = DefaultCallInfoExpansionDelta
	}
	return &CallInfoWriter{
		cm:             cm,
		expansionDelta: expansionDelta,
		used:           CallInfoTableHeaderSize,
	}
}

// Count returns the number of committed records.
func (w *CallInfoWriter) Count() int {
	return w.count
}

// Used returns the table bytes written so far, header included.
func (w *CallInfoWriter) Used() int {
	return w.used
}

// IsCommitted reports whether CommitTable has run.
func (w *CallInfoWriter) IsCommitted() bool {
	return w.state == writerCommitted
}

// reserve makes sure n bytes after the used part of the table fit in the
// metadata region, growing the method if needed.
func (w *CallInfoWriter) reserve(n int) error {
	meta := w.cm.MetadataSize()
	need := w.used + n - meta
	if need <= 0 {
		return nil
	}
	delta := alignUp(max(need, w.expansionDelta), objectAlignment)
	guard := w.cm.heap.DisableCollection()
	defer guard.Release()
	if err := w.cm.Expand(delta, meta+delta); err != nil {
		callInfoLog().Warningf("call info table of %s cannot grow by %d: %s", w.cm.handle, delta, err)
		return err
	}
	callInfoLog().Debugf("call info table of %s grown by %d bytes", w.cm.handle, delta)
	return nil
}

// StartRecord opens a record for the call whose return address is at
// codeOffset. Room for the worst-case encoding is reserved up front.
func (w *CallInfoWriter) StartRecord(codeOffset, bci, stackmapSize int) error {
	switch w.state {
	case writerRecording:
		panic("vm: StartRecord while a record is open")
	case writerCommitted:
		panic("vm: StartRecord after CommitTable")
	}
	if w.trailer > 0 {
		panic("vm: StartRecord after the table trailer")
	}
	if codeOffset < 0 || bci < 0 || stackmapSize < 0 {
		panic(fmt.Sprintf("vm: negative call info field (offset %d, bci %d, stack map %d)", codeOffset, bci, stackmapSize))
	}
	if w.hasLast && codeOffset <= w.lastCode {
		panic(fmt.Sprintf("vm: call info offset %d not after previous record at %d", codeOffset, w.lastCode))
	}
	if codeOffset > w.cm.CodeSize() {
		panic(fmt.Sprintf("vm: call info offset %d beyond emitted code (%d bytes)", codeOffset, w.cm.CodeSize()))
	}
	if w.count >= MaxCallInfoRecords {
		return ErrCallInfoTableFull
	}

	delta := codeOffset
	if w.hasLast {
		delta -= w.lastCode
	}
	worst := EncodedValueLen(delta) + EncodedValueLen(bci) +
		EncodedValueLen(stackmapSize<<1|callInfoSameBit) + StackmapBytes(stackmapSize)
	if err := w.reserve(worst); err != nil {
		return err
	}

	w.codeOffset = codeOffset
	w.bci = bci
	w.stackmapSize = stackmapSize
	w.stackmap = append(w.stackmap[:0], make([]byte, StackmapBytes(stackmapSize))...)
	w.state = writerRecording
	return nil
}

// WriteOopTagAt marks stack-map entry index as holding a heap reference.
func (w *CallInfoWriter) WriteOopTagAt(index int) {
	if w.state != writerRecording {
		panic(fmt.Sprintf("vm: WriteOopTagAt while %s", w.state))
	}
	if index < 0 || index >= w.stackmapSize {
		panic(fmt.Sprintf("vm: stack map index %d out of range [0, %d)", index, w.stackmapSize))
	}
	byteOffset, bitOffset := StackmapBitOffsets(index)
	w.stackmap[byteOffset] |= 1 << bitOffset
}

// CommitRecord encodes the open record into the table.
func (w *CallInfoWriter) CommitRecord() {
	if w.state != writerRecording {
		panic(fmt.Sprintf("vm: CommitRecord while %s", w.state))
	}
	same := w.hasPrevStackmap && w.stackmapSize > 0 &&
		w.stackmapSize == w.prevStackmapSize && bytes.Equal(w.stackmap, w.prevStackmap)

	delta := w.codeOffset
	if w.hasLast {
		delta -= w.lastCode
	}
	sizeField := w.stackmapSize << 1
	if same {
		sizeField |= callInfoSameBit
	}
	buf := w.scratch[:0]
	buf = AppendValue(buf, delta)
	buf = AppendValue(buf, w.bci)
	buf = AppendValue(buf, sizeField)
	if !same {
		buf = append(buf, w.stackmap...)
		w.prevStackmap = append(w.prevStackmap[:0], w.stackmap...)
		w.prevStackmapSize = w.stackmapSize
		w.hasPrevStackmap = true
	}
	w.cm.writeMetadata(w.used, buf)
	w.scratch = buf

	callInfoLog().Debugf("call info record %d: offset=%d bci=%d map=%d same=%t",
		w.count, w.codeOffset, w.bci, w.stackmapSize, same)

	w.used += len(buf)
	w.count++
	w.lastCode = w.codeOffset
	w.hasLast = true
	w.state = writerIdle
}

// AppendTrailer places b directly after the records. The trailer is part of
// the committed metadata but not of the table; the relocation stream is
// stored this way.
func (w *CallInfoWriter) AppendTrailer(b []byte) error {
	if w.state != writerIdle {
		panic(fmt.Sprintf("vm: AppendTrailer while %s", w.state))
	}
	if w.trailer > 0 {
		panic("vm: table trailer already written")
	}
	if len(b) == 0 {
		return nil
	}
	if err := w.reserve(len(b)); err != nil {
		return err
	}
	w.cm.writeMetadata(w.used, b)
	w.used += len(b)
	w.trailer = len(b)
	return nil
}

// CommitTable writes the table header and shrinks the compiled method to
// its code followed by the table and trailer.
func (w *CallInfoWriter) CommitTable() error {
	if w.state != writerIdle {
		panic(fmt.Sprintf("vm: CommitTable while %s", w.state))
	}
	if err := w.reserve(0); err != nil {
		return err
	}
	var hdr [CallInfoTableHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(w.count)|uint16(CallInfoTypeCompressed)<<callInfoLengthWidth)
	w.cm.writeMetadata(0, hdr[:])
	w.cm.setRelocationSize(w.trailer)
	w.state = writerCommitted

	w.cm.Shrink(w.cm.CodeSize(), w.used)
	callInfoLog().Debugf("call info table of %s committed: %d records, %d bytes", w.cm.handle, w.count, w.used)
	return nil
}
