// Package pmm implements the physical frame allocator: it hands out and
// reclaims 4 KiB physical frames from a fixed-size pool using a bitmap.
package pmm

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

const wordBits = 64

// errOutOfMemory is returned when the frame pool is exhausted.
var errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical frames"}

// BitmapAllocator tracks frame reservations for a fixed-size pool of
// physical frames using one bit per frame: 0 is free, 1 is in use.
//
// AllocFrame performs a linear scan of the bitmap from index 0 for the
// first free frame (first-fit). The scan order is an implementation detail;
// callers must not depend on which frame is returned first.
type BitmapAllocator struct {
	ram *mem.RAM

	bitmap     []uint64
	totalCount uint64
	usedCount  uint64

	// scanCursor starts the next scan past the leading run of words that
	// are fully allocated. It never skips past a word that might contain a
	// free bit: freeing a frame below it moves it back to that frame's word.
	scanCursor uint64

	lock sync.Spinlock
}

// New creates a BitmapAllocator over ram, with the first reservedFrames
// frames pre-marked in_use, standing in for the reserved low-memory
// boundary a real boot loader leaves behind.
func New(ram *mem.RAM, reservedFrames uint64) *BitmapAllocator {
	total := ram.FrameCount()
	a := &BitmapAllocator{
		ram:        ram,
		bitmap:     make([]uint64, (total+wordBits-1)/wordBits),
		totalCount: total,
	}

	for f := uint64(0); f < reservedFrames && f < total; f++ {
		a.setBit(f)
		a.usedCount++
	}

	return a
}

// FramesTotal returns the size of the frame pool.
func (a *BitmapAllocator) FramesTotal() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.totalCount
}

// FramesUsed returns the number of frames currently marked in_use. It
// always equals the popcount of the bitmap.
func (a *BitmapAllocator) FramesUsed() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.usedCount
}

// AllocFrame reserves and returns the first free frame, or InvalidFrame and
// errOutOfMemory if the pool is exhausted. The caller is responsible for any
// reclaim policy; AllocFrame never reclaims on its own.
func (a *BitmapAllocator) AllocFrame() (mem.Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	for word := a.scanCursor; word < uint64(len(a.bitmap)); word++ {
		if a.bitmap[word] == ^uint64(0) {
			continue
		}

		for bit := uint64(0); bit < wordBits; bit++ {
			frame := word*wordBits + bit
			if frame >= a.totalCount {
				break
			}
			if a.bitmap[word]&(1<<bit) == 0 {
				a.bitmap[word] |= 1 << bit
				a.usedCount++
				if a.bitmap[word] == ^uint64(0) {
					a.scanCursor = word + 1
				}
				return mem.Frame(frame), nil
			}
		}
	}

	return mem.InvalidFrame, errOutOfMemory
}

// FreeFrame marks frame as free. Freeing an already-free frame is a caller
// contract violation; this implementation tolerates it silently rather than
// panicking, so a buggy caller cannot crash the core, but it never
// decrements usedCount below what the bitmap actually reports.
func (a *BitmapAllocator) FreeFrame(f mem.Frame) {
	a.lock.Acquire()
	defer a.lock.Release()

	idx := uint64(f)
	if idx >= a.totalCount {
		return
	}

	word := idx / wordBits
	mask := uint64(1) << (idx % wordBits)
	if a.bitmap[word]&mask == 0 {
		// already free; caller contract violation, tolerated silently.
		return
	}

	a.bitmap[word] &^= mask
	a.usedCount--
	if word < a.scanCursor {
		a.scanCursor = word
	}
}

// Bytes returns the simulated backing bytes for frame f.
func (a *BitmapAllocator) Bytes(f mem.Frame) []byte {
	return a.ram.Bytes(f)
}

func (a *BitmapAllocator) setBit(frame uint64) {
	a.bitmap[frame/wordBits] |= 1 << (frame % wordBits)
}
