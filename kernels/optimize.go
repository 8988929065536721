package kernels

// CacheLineSize mirrors core.CacheLineSize; kernels stays free of core imports.
const CacheLineSize = 64

// AlignedCopy copies src into dst one cache line at a time. Slices of
// different lengths are left untouched and false is returned.
func AlignedCopy(dst, src []byte) bool {
	if len(dst) != len(src) {
		return false
	}
	for i := 0; i < len(src); i += CacheLineSize {
		end := i + CacheLineSize
		if end > len(src) {
			end = len(src)
		}
		copy(dst[i:end], src[i:end])
	}
	return true
}

// ScratchPool hands out reusable float64 vectors of a fixed width so that
// parallel regions do not allocate a proposal vector per worker per call.
type ScratchPool struct {
	buffers chan []float64
	width   int
}

// NewScratchPool creates a pool of up to poolSize vectors of length width.
func NewScratchPool(width, poolSize int) *ScratchPool {
	if poolSize < 1 {
		poolSize = 1
	}
	return &ScratchPool{
		buffers: make(chan []float64, poolSize),
		width:   width,
	}
}

// Width returns the vector length served by the pool.
func (p *ScratchPool) Width() int { return p.width }

// Get retrieves a vector from the pool, allocating when it is empty.
func (p *ScratchPool) Get() []float64 {
	select {
	case buf := <-p.buffers:
		return buf[:p.width]
	default:
		return make([]float64, p.width)
	}
}

// Put returns a vector to the pool. Vectors of the wrong size are dropped.
func (p *ScratchPool) Put(buf []float64) {
	if cap(buf) < p.width {
		return
	}
	select {
	case p.buffers <- buf:
	default:
		// Pool full, let GC handle it
	}
}
