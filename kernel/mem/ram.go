package mem

// RAM simulates the physical address space as a single contiguous byte
// arena. A freestanding kernel addresses real RAM directly through
// unsafe.Pointer arithmetic over a fixed physical base; this module instead
// hands out Go byte slices keyed by Frame, the substitution the rest of the
// core is built around so every other package stays architecture-agnostic.
type RAM struct {
	bytes []byte
}

// NewRAM allocates a simulated RAM arena large enough for frameCount frames.
func NewRAM(frameCount uint64) *RAM {
	return &RAM{bytes: make([]byte, frameCount*PageSize)}
}

// FrameCount returns the number of frames backed by this arena.
func (r *RAM) FrameCount() uint64 {
	return uint64(len(r.bytes)) / PageSize
}

// Bytes returns the PageSize-byte slice backing frame f. The returned slice
// aliases the arena; writes through it are visible to every other holder of
// the same frame, exactly as writes to a shared physical page would be.
func (r *RAM) Bytes(f Frame) []byte {
	start := uint64(f) * PageSize
	return r.bytes[start : start+PageSize]
}

// Range returns the contiguous slice backing frameCount frames starting at
// f, for callers (buddy-backed regions) that need a multi-frame span as a
// single flat arena.
func (r *RAM) Range(f Frame, frameCount uint64) []byte {
	start := uint64(f) * PageSize
	end := start + frameCount*PageSize
	return r.bytes[start:end]
}
