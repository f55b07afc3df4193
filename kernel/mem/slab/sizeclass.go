package slab

import (
	"fmt"

	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/buddy"
)

// SizeClasses is the generic size-class schedule shared by all three
// variants' raw alloc(size) entry point.
var SizeClasses = []mem.Size{16, 32, 64, 96, 128, 192, 256, 384, 512, 768, 1024, 1536, 2048, 3072, 4096, 6144, 8192}

// classFor returns the index of the smallest size class able to hold size,
// or -1 if size exceeds the largest class.
func classFor(size mem.Size) int {
	for i, class := range SizeClasses {
		if class >= size {
			return i
		}
	}
	return -1
}

// Family is a raw alloc(size) entry point backed by one Cache per
// documented size class, all of the same variant.
type Family struct {
	variant string
	caches  []Cache
}

// NewSlabFamily builds a SLAB-backed size-class family; objsPerRegion
// controls the slab granularity for every class.
func NewSlabFamily(objsPerRegion int, backing *buddy.Allocator) *Family {
	f := &Family{variant: "slab"}
	for _, class := range SizeClasses {
		name := fmt.Sprintf("slab-%d", class)
		f.caches = append(f.caches, NewSlabCache(name, class, objsPerRegion, backing, nil))
	}
	return f
}

// NewSlobFamily builds a SLOB-backed size-class family sharing one region
// size across all classes (SLOB doesn't need one region per class, but
// keeping the family shape uniform lets the façade treat every variant the
// same way).
func NewSlobFamily(regionSize mem.Size, backing *buddy.Allocator) *Family {
	f := &Family{variant: "slob"}
	for _, class := range SizeClasses {
		name := fmt.Sprintf("slob-%d", class)
		f.caches = append(f.caches, NewSlobCache(name, class, regionSize, backing))
	}
	return f
}

// NewSlubFamily builds a SLUB-backed size-class family.
func NewSlubFamily(objsPerRegion, batchLimit, numCPUs int, backing *buddy.Allocator) *Family {
	f := &Family{variant: "slub"}
	for _, class := range SizeClasses {
		name := fmt.Sprintf("slub-%d", class)
		f.caches = append(f.caches, NewSlubCache(name, class, objsPerRegion, batchLimit, numCPUs, backing))
	}
	return f
}

// Alloc picks the smallest size class that fits size and allocates from it.
func (f *Family) Alloc(size mem.Size) (Handle, *kernel.Error) {
	class := classFor(size)
	if class < 0 {
		return InvalidHandle, errInvalidSize
	}
	h, err := f.caches[class].Alloc()
	if err != nil {
		return InvalidHandle, err
	}
	return encodeClass(class, h), nil
}

// Free releases a handle previously returned by Alloc.
func (f *Family) Free(h Handle) {
	class, inner := decodeClass(h)
	if class < 0 || class >= len(f.caches) {
		return
	}
	f.caches[class].Free(inner)
}

// Bytes returns the payload for a handle previously returned by Alloc.
func (f *Family) Bytes(h Handle) []byte {
	class, inner := decodeClass(h)
	return f.caches[class].Bytes(inner)
}

// Destroy tears down every per-class cache.
func (f *Family) Destroy() {
	for _, c := range f.caches {
		c.Destroy()
	}
}

// A Family-level handle steals the top byte of the region index space (8
// bits, plenty for 17 documented classes) to carry the class, since no
// single cache needs anywhere near 2^24 regions.
const classShift = 56

func encodeClass(class int, h Handle) Handle {
	return Handle(class)<<classShift | (h &^ (Handle(0xFF) << classShift))
}

func decodeClass(h Handle) (int, Handle) {
	class := int(h >> classShift)
	inner := h &^ (Handle(0xFF) << classShift)
	return class, inner
}
