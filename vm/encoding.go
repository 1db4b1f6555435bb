package vm

// ---------------------------------------------------------------------------
// Variable-length value encoding
// ---------------------------------------------------------------------------
//
// Values are written as groups of 7 data bits, least significant group
// first. The terminal byte of a value has valueEndBit set; every other byte
// has it clear. Call-info records and the relocation stream use this form.

const (
	valueEndBit  = 0x80
	valueBitMask = 0x7f
	valueBits    = 7

	// maxEncodedValueLen bounds the bytes of any value that fits an int.
	maxEncodedValueLen = 10
)

// EncodedValueLen returns the number of bytes AppendValue writes for v.
func EncodedValueLen(v int) int {
	if v < 0 {
		panic("vm: negative encoded value")
	}
	n := 1
	for v > valueBitMask {
		v >>= valueBits
		n++
	}
	return n
}

// AppendValue appends the encoding of v to dst.
func AppendValue(dst []byte, v int) []byte {
	if v < 0 {
		panic("vm: negative encoded value")
	}
	for v > valueBitMask {
		dst = append(dst, byte(v&valueBitMask))
		v >>= valueBits
	}
	return append(dst, byte(v)|valueEndBit)
}

// DecodeValue decodes one value from the start of buf. It returns the value
// and the number of bytes consumed, or n == 0 when buf holds no terminated
// value.
func DecodeValue(buf []byte) (v int, n int) {
	shift := uint(0)
	for i, b := range buf {
		if i >= maxEncodedValueLen-1 && b&valueEndBit == 0 {
			return 0, 0
		}
		v |= int(b&valueBitMask) << shift
		if b&valueEndBit != 0 {
			if v < 0 {
				return 0, 0
			}
			return v, i + 1
		}
		shift += valueBits
	}
	return 0, 0
}

// ---------------------------------------------------------------------------
// Stack map bit addressing
// ---------------------------------------------------------------------------

// StackmapBitOffsets maps a stack-map index to the byte holding its bit and
// the bit position inside that byte.
func StackmapBitOffsets(index int) (byteOffset, bitOffset int) {
	return index >> 3, index & 7
}

// StackmapBytes returns the number of bytes a stack map of size entries uses.
func StackmapBytes(size int) int {
	return (size + 7) >> 3
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
