package core

import (
	"fmt"
)

// SlotArena is a single pre-allocated, cache-aligned byte buffer divided into
// n equally sized slots. Slot i starts at i*stride. Callers address slots by
// index only; the stride and the padding inside each slot stay private.
type SlotArena struct {
	buffer []byte    // raw aligned memory, len = stride*slots
	words  []float64 // float64 view over buffer
	stride int       // bytes between slot starts, multiple of CacheLineSize
	width  int       // float64 words exposed per slot
	slots  int
}

// NewSlotArena allocates an arena of slots slots, each exposing width float64
// words and padded to stride bytes.
func NewSlotArena(slots, width, stride int) (*SlotArena, error) {
	if slots <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: slots=%d width=%d", ErrInvalidShape, slots, width)
	}
	if stride%CacheLineSize != 0 || stride < width*Float64Size {
		return nil, fmt.Errorf("%w: stride %d cannot hold %d words on cache line boundaries", ErrMisaligned, stride, width)
	}

	buf := AlignedBytes(stride * slots)
	if len(buf) != stride*slots || !bytesAligned(buf) {
		return nil, fmt.Errorf("%w: failed to allocate %d aligned bytes", ErrMisaligned, stride*slots)
	}

	return &SlotArena{
		buffer: buf,
		words:  asFloat64s(buf),
		stride: stride,
		width:  width,
		slots:  slots,
	}, nil
}

// Slot returns the width-long view of slot i. The view aliases the arena.
func (a *SlotArena) Slot(i int) []float64 {
	off := i * (a.stride / Float64Size)
	return a.words[off : off+a.width : off+a.width]
}

// Slots returns the number of slots.
func (a *SlotArena) Slots() int { return a.slots }

// Width returns the number of exposed float64 words per slot.
func (a *SlotArena) Width() int { return a.width }

// Stride returns the byte distance between slot starts.
func (a *SlotArena) Stride() int { return a.stride }

// Bytes returns the raw buffer. Used only by transports moving whole arenas.
func (a *SlotArena) Bytes() []byte { return a.buffer }

// Range returns the raw bytes backing slots [i0, i1).
func (a *SlotArena) Range(i0, i1 int) []byte {
	return a.buffer[i0*a.stride : i1*a.stride]
}

// SameLayout reports whether b can be copied into a byte for byte.
func (a *SlotArena) SameLayout(b *SlotArena) bool {
	return a != nil && b != nil && a.slots == b.slots && a.width == b.width && a.stride == b.stride
}

// Zero clears every slot.
func (a *SlotArena) Zero() {
	clear(a.buffer)
}
