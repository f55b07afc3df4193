// Package buddy implements the buddy allocator: a power-of-two region
// allocator over a contiguous zone of frames that splits blocks on
// allocation shortfall and coalesces them back together on free.
//
// Buddy blocks are tracked by zone-relative frame index rather than by
// pointer: a block's buddy at order k is found by XORing its
// block-size-relative index with 1, never by XORing absolute addresses.
package buddy

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/kfmt"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

// MaxOrder is the largest supported block order: a single order-MaxOrder
// block spans the entire zone.
const MaxOrder = 11

var (
	errInvalidSize = &kernel.Error{Module: "buddy", Message: "invalid allocation size"}
	errOutOfMemory = &kernel.Error{Module: "buddy", Message: "zone exhausted or request too large"}
)

// logf tags a diagnostic line with this package's prefix through
// kfmt.PrefixWriter rather than folding the tag into the format string.
func logf(format string, args ...interface{}) {
	w := kfmt.PrefixWriter{Sink: kfmt.Writer(), Prefix: []byte("[buddy] ")}
	kfmt.Fprintf(&w, format, args...)
}

// Allocator manages a zone of 1<<maxOrder frames as a buddy system, where
// maxOrder is the order New settled on.
type Allocator struct {
	ram *mem.RAM

	// zoneFrames is the total size of the zone in frames; always a power
	// of two no larger than ram's frame count.
	zoneFrames uint64
	maxOrder   int

	// freeBlocks[order] holds the zone-relative starting frame index of
	// every free block of that order, keyed for O(1) membership tests and
	// removal instead of a traditional intrusive free-list header.
	freeBlocks []map[uint64]struct{}

	// allocatedOrder records the order a live allocation was made at, so
	// Free can determine how large a block to coalesce and detect
	// double-frees.
	allocatedOrder map[uint64]int

	lock sync.Spinlock
}

// New creates a buddy allocator over the first 1<<maxOrder frames of ram.
// maxOrder must be <= MaxOrder. Any frames beyond the zone are left untouched
// by this allocator.
func New(ram *mem.RAM, maxOrder int) *Allocator {
	if maxOrder > MaxOrder {
		maxOrder = MaxOrder
	}

	zoneFrames := uint64(1) << uint(maxOrder)
	if zoneFrames > ram.FrameCount() {
		zoneFrames = ram.FrameCount()
		maxOrder = floorLog2(zoneFrames)
		zoneFrames = uint64(1) << uint(maxOrder)
	}

	a := &Allocator{
		ram:            ram,
		zoneFrames:     zoneFrames,
		maxOrder:       maxOrder,
		freeBlocks:     make([]map[uint64]struct{}, maxOrder+1),
		allocatedOrder: make(map[uint64]int),
	}
	for i := range a.freeBlocks {
		a.freeBlocks[i] = make(map[uint64]struct{})
	}
	a.freeBlocks[maxOrder][0] = struct{}{}

	return a
}

func floorLog2(v uint64) int {
	order := 0
	for v > 1 {
		v >>= 1
		order++
	}
	return order
}

// orderForSize returns the smallest order whose block size (in bytes) is
// >= size, or an error if size is zero or exceeds the zone.
func (a *Allocator) orderForSize(size mem.Size) (int, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidSize
	}

	framesNeeded := (uint64(size) + mem.PageSize - 1) / mem.PageSize
	if framesNeeded == 0 {
		framesNeeded = 1
	}

	order := floorLog2(framesNeeded)
	if uint64(1)<<uint(order) < framesNeeded {
		order++
	}
	if order > a.maxOrder {
		return 0, errOutOfMemory
	}
	return order, nil
}

// Alloc reserves a block large enough for size bytes and returns the frame
// at its start. Alloc(0) returns InvalidFrame and an error without touching
// any free list.
func (a *Allocator) Alloc(size mem.Size) (mem.Frame, *kernel.Error) {
	order, err := a.orderForSize(size)
	if err != nil {
		return mem.InvalidFrame, err
	}
	return a.AllocOrder(order)
}

// AllocOrder reserves a single block of the given order.
func (a *Allocator) AllocOrder(order int) (mem.Frame, *kernel.Error) {
	if order < 0 || order > a.maxOrder {
		return mem.InvalidFrame, errOutOfMemory
	}

	a.lock.Acquire()
	defer a.lock.Release()

	// find smallest j >= order with a non-empty free list
	j := order
	for j <= a.maxOrder && len(a.freeBlocks[j]) == 0 {
		j++
	}
	if j > a.maxOrder {
		return mem.InvalidFrame, errOutOfMemory
	}

	blockStart := a.popAny(j)

	// split down to the requested order, pushing the upper buddy halves
	// back onto their respective free lists.
	for j > order {
		j--
		blockSize := uint64(1) << uint(j)
		upperHalf := blockStart + blockSize
		a.freeBlocks[j][upperHalf] = struct{}{}
	}

	a.allocatedOrder[blockStart] = order
	return mem.Frame(blockStart), nil
}

// Free releases a block previously returned by Alloc/AllocOrder, coalescing
// it with its buddy repeatedly while the buddy is free, up to MaxOrder.
// Freeing a frame that this allocator did not hand out (or has already
// freed) is a corruption signal: it is logged and the call is a no-op.
func (a *Allocator) Free(f mem.Frame) {
	a.lock.Acquire()
	defer a.lock.Release()

	blockStart := uint64(f)
	order, ok := a.allocatedOrder[blockStart]
	if !ok {
		logf("double-free or invalid free of frame %d ignored\n", f)
		return
	}
	delete(a.allocatedOrder, blockStart)

	for order < a.maxOrder {
		blockSize := uint64(1) << uint(order)
		buddyIndex := (blockStart / blockSize) ^ 1
		buddyStart := buddyIndex * blockSize

		if _, free := a.freeBlocks[order][buddyStart]; !free {
			break
		}

		delete(a.freeBlocks[order], buddyStart)
		if buddyStart < blockStart {
			blockStart = buddyStart
		}
		order++
	}

	a.freeBlocks[order][blockStart] = struct{}{}
}

// popAny removes and returns an arbitrary free block of the given order. Go
// map iteration order is randomized; callers must not assume a scan order.
func (a *Allocator) popAny(order int) uint64 {
	for k := range a.freeBlocks[order] {
		delete(a.freeBlocks[order], k)
		return k
	}
	panic("popAny called on empty free list")
}

// Bytes returns the simulated backing bytes for frame f.
func (a *Allocator) Bytes(f mem.Frame) []byte {
	return a.ram.Bytes(f)
}

// Region returns the contiguous bytes backing an allocation of frameCount
// frames starting at f, as handed back by AllocOrder.
func (a *Allocator) Region(f mem.Frame, frameCount uint64) []byte {
	return a.ram.Range(f, frameCount)
}

// OrderFrames returns the number of frames a block of the given order spans.
func OrderFrames(order int) uint64 {
	return uint64(1) << uint(order)
}

// ZoneFrames returns the total number of frames managed by this allocator.
func (a *Allocator) ZoneFrames() uint64 {
	return a.zoneFrames
}

// FreeFrames returns the number of currently free frames across all orders,
// used for statistics reporting.
func (a *Allocator) FreeFrames() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()

	var free uint64
	for order, blocks := range a.freeBlocks {
		free += uint64(len(blocks)) << uint(order)
	}
	return free
}
