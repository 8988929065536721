package core

import "unsafe"

const (
	// CacheLineSize is a common cache line size, typically 64 bytes.
	// Walker and log-density slots are padded to multiples of it so that two
	// workers updating neighbouring walkers never write the same line.
	CacheLineSize = 64

	// Float64Size is the width in bytes of one coordinate.
	Float64Size = 8
)

// IsAligned checks if a pointer (represented as a uintptr) is aligned to a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// AlignedBytes allocates a byte slice with its underlying array aligned to CacheLineSize.
// The slice length and capacity are both size.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	// The extra space needed to reach a boundary is at most CacheLineSize - 1.
	buf := make([]byte, size+CacheLineSize-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}

	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}

// bytesAligned reports whether the first element of b sits on a cache line boundary.
func bytesAligned(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return IsAligned(uintptr(unsafe.Pointer(&b[0])))
}

// asFloat64s reinterprets an 8-byte aligned byte slice as []float64.
func asFloat64s(b []byte) []float64 {
	if len(b) < Float64Size {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/Float64Size)
}
