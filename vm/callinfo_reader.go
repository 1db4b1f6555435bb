package vm

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// CallInfoRecord
// ---------------------------------------------------------------------------

// CallInfoRecord is one decoded call-info record.
type CallInfoRecord struct {
	index        int
	codeOffset   int
	bci          int
	stackmapSize int
	same         bool
	stackmap     []byte
}

// Index returns the position of the record in its table.
func (r *CallInfoRecord) Index() int { return r.index }

// CodeOffset returns the return-address offset the record describes.
func (r *CallInfoRecord) CodeOffset() int { return r.codeOffset }

// BCI returns the bytecode index of the call.
func (r *CallInfoRecord) BCI() int { return r.bci }

// StackmapSize returns the number of stack-map entries.
func (r *CallInfoRecord) StackmapSize() int { return r.stackmapSize }

// SameAsPrevious reports whether the record reused the preceding stack map.
func (r *CallInfoRecord) SameAsPrevious() bool { return r.same }

// OopTagAt reports whether stack-map entry index holds a heap reference.
func (r *CallInfoRecord) OopTagAt(index int) bool {
	if index < 0 || index >= r.stackmapSize {
		panic(fmt.Sprintf("vm: stack map index %d out of range [0, %d)", index, r.stackmapSize))
	}
	byteOffset, bitOffset := StackmapBitOffsets(index)
	return r.stackmap[byteOffset]&(1<<bitOffset) != 0
}

// Stackmap returns the reference bits as a bool slice.
func (r *CallInfoRecord) Stackmap() []bool {
	out := make([]bool, r.stackmapSize)
	for i := range out {
		out[i] = r.OopTagAt(i)
	}
	return out
}

func (r *CallInfoRecord) String() string {
	bits := make([]byte, r.stackmapSize)
	for i := range bits {
		bits[i] = '0'
		if r.OopTagAt(i) {
			bits[i] = '1'
		}
	}
	same := ""
	if r.same {
		same = " (same)"
	}
	return fmt.Sprintf("#%d offset=%d bci=%d map[%d]=%s%s", r.index, r.codeOffset, r.bci, r.stackmapSize, bits, same)
}

// ---------------------------------------------------------------------------
// Table decoding
// ---------------------------------------------------------------------------

// callInfoCursor is a position in a table: the next record to decode and the
// state carried across records.
type callInfoCursor struct {
	index      int
	pos        int
	codeOffset int
	mapPos     int
	mapSize    int
	last       *CallInfoRecord
}

func newCallInfoCursor() callInfoCursor {
	return callInfoCursor{pos: CallInfoTableHeaderSize, mapPos: -1}
}

// decodeCallInfoHeader returns the record count of a table.
func decodeCallInfoHeader(table []byte) (int, error) {
	if len(table) < CallInfoTableHeaderSize {
		return 0, fmt.Errorf("%w: table of %d bytes has no header", ErrMalformedCallInfo, len(table))
	}
	hdr := binary.LittleEndian.Uint16(table)
	if typ := hdr >> callInfoLengthWidth; typ != CallInfoTypeCompressed {
		return 0, fmt.Errorf("%w: unknown table type %d", ErrMalformedCallInfo, typ)
	}
	return int(hdr & callInfoLengthMask), nil
}

// next decodes the record at the cursor and advances past it.
func (c *callInfoCursor) next(table []byte) (*CallInfoRecord, error) {
	malformed := func(what string) error {
		return fmt.Errorf("%w: record %d at byte %d: %s", ErrMalformedCallInfo, c.index, c.pos, what)
	}
	pos := c.pos
	if pos > len(table) {
		return nil, malformed("past end of table")
	}
	delta, n := DecodeValue(table[pos:])
	if n == 0 {
		return nil, malformed("truncated offset")
	}
	pos += n
	bci, n := DecodeValue(table[pos:])
	if n == 0 {
		return nil, malformed("truncated bci")
	}
	pos += n
	sizeField, n := DecodeValue(table[pos:])
	if n == 0 {
		return nil, malformed("truncated stack map size")
	}
	pos += n

	size := sizeField >> 1
	same := sizeField&callInfoSameBit != 0
	nbytes := StackmapBytes(size)
	mapPos := c.mapPos
	if same {
		if c.mapPos < 0 || c.mapSize != size {
			return nil, malformed("reuses a stack map that does not exist")
		}
	} else {
		if pos+nbytes > len(table) {
			return nil, malformed("truncated stack map")
		}
		mapPos = pos
		pos += nbytes
	}
	if c.index > 0 && delta == 0 {
		return nil, malformed("offset does not increase")
	}

	rec := &CallInfoRecord{
		index:        c.index,
		codeOffset:   c.codeOffset + delta,
		bci:          bci,
		stackmapSize: size,
		same:         same,
		stackmap:     append([]byte(nil), table[mapPos:mapPos+nbytes]...),
	}
	c.index++
	c.pos = pos
	c.codeOffset = rec.codeOffset
	c.mapPos = mapPos
	c.mapSize = size
	c.last = rec
	return rec, nil
}

func callInfoTable(hd header, meta []byte) ([]byte, error) {
	if hd.relocSize > len(meta) {
		return nil, fmt.Errorf("%w: relocation size %d exceeds metadata of %d bytes", ErrMalformedCallInfo, hd.relocSize, len(meta))
	}
	return meta[:len(meta)-hd.relocSize], nil
}

// Records decodes every record of cm's call-info table.
func Records(cm *CompiledMethod) ([]*CallInfoRecord, error) {
	var records []*CallInfoRecord
	err := cm.withMetadata(func(hd header, meta []byte) error {
		table, err := callInfoTable(hd, meta)
		if err != nil {
			return err
		}
		count, err := decodeCallInfoHeader(table)
		if err != nil {
			return err
		}
		cur := newCallInfoCursor()
		for cur.index < count {
			rec, err := cur.next(table)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// ---------------------------------------------------------------------------
// CallInfoReader
// ---------------------------------------------------------------------------

// CallInfoReader finds the call-info record for a return address. It
// remembers where the last lookup ended so that walking the frames of one
// method in ascending order does not rescan the table.
type CallInfoReader struct {
	mu     sync.Mutex
	method Handle
	cursor callInfoCursor
	cached bool

	hits   uint64
	misses uint64
}

// NewCallInfoReader returns a reader with an empty cache.
func NewCallInfoReader() *CallInfoReader {
	return &CallInfoReader{}
}

// FindCallInfo looks up a record without a cache.
func FindCallInfo(cm *CompiledMethod, returnAddress Address) (*CallInfoRecord, error) {
	return NewCallInfoReader().Find(cm, returnAddress)
}

// Find returns the record whose code offset equals the offset of
// returnAddress in cm. Failure is a *CallInfoError.
func (r *CallInfoReader) Find(cm *CompiledMethod, returnAddress Address) (*CallInfoRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *CallInfoRecord
	var offset int
	err := cm.withMetadata(func(hd header, meta []byte) error {
		offset = int(returnAddress) - hd.entry()
		if offset < 0 || offset > hd.codeSize {
			return ErrNoCallInfo
		}
		table, err := callInfoTable(hd, meta)
		if err != nil {
			return err
		}
		count, err := decodeCallInfoHeader(table)
		if err != nil {
			return err
		}

		cur := newCallInfoCursor()
		if r.cached && r.method == cm.handle && r.cursor.last != nil && r.cursor.last.codeOffset <= offset {
			if r.cursor.last.codeOffset == offset {
				found = r.cursor.last
				r.hits++
				return nil
			}
			cur = r.cursor
		}
		for cur.index < count {
			rec, err := cur.next(table)
			if err != nil {
				return err
			}
			if rec.codeOffset == offset {
				found = rec
				r.method = cm.handle
				r.cursor = cur
				r.cached = true
				r.misses++
				return nil
			}
			if rec.codeOffset > offset {
				break
			}
		}
		return ErrNoCallInfo
	})
	if err != nil {
		return nil, &CallInfoError{Method: cm.handle, ReturnAddress: returnAddress, CodeOffset: offset, Err: err}
	}
	return found, nil
}

// Invalidate drops the cached position.
func (r *CallInfoReader) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = false
	r.cursor = callInfoCursor{}
}

// CacheStats returns the number of lookups answered from the cached record
// and the number that decoded the table.
func (r *CallInfoReader) CacheStats() (hits, misses uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.misses
}
