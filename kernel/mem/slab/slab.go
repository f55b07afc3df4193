package slab

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/buddy"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

// SlabCache implements the SLAB object-cache variant: each cache owns a full,
// partial and empty list of slab regions. Allocation prefers a partial
// region, falls back to an empty one, and only asks the buddy allocator for
// a fresh region when neither exists. Free migrates a region between the
// lists according to the slab invariant: a region is in exactly
// one list; empty ⇔ free_objs == total_objs; full ⇔ free_objs == 0.
type SlabCache struct {
	name    string
	objSize mem.Size
	objsPer int
	backing *buddy.Allocator
	ctor    func([]byte)

	regions []*region // stable-index arena; never shrinks

	full    []int
	partial []int
	empty   []int

	lock sync.Spinlock
}

// NewSlabCache creates a cache of objSize-byte objects, objsPerRegion per
// backing region, drawing regions from backing as needed.
func NewSlabCache(name string, objSize mem.Size, objsPerRegion int, backing *buddy.Allocator, ctor func([]byte)) *SlabCache {
	return &SlabCache{
		name:    name,
		objSize: objSize,
		objsPer: objsPerRegion,
		backing: backing,
		ctor:    ctor,
	}
}

func (c *SlabCache) Name() string      { return c.name }
func (c *SlabCache) ObjSize() mem.Size { return c.objSize }

func (c *SlabCache) Alloc() (Handle, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	var regionIdx int
	switch {
	case len(c.partial) > 0:
		regionIdx = c.popFrom(&c.partial)
	case len(c.empty) > 0:
		regionIdx = c.popFrom(&c.empty)
	default:
		r, err := newRegion(c.backing, c.objSize, c.objsPer)
		if err != nil {
			return InvalidHandle, err
		}
		c.regions = append(c.regions, r)
		regionIdx = len(c.regions) - 1
	}

	r := c.regions[regionIdx]
	objIdx := r.takeFree()

	if r.isFull() {
		c.full = append(c.full, regionIdx)
	} else {
		c.partial = append(c.partial, regionIdx)
	}

	if c.ctor != nil {
		c.ctor(r.payload(objIdx))
	}

	return makeHandle(regionIdx, objIdx), nil
}

func (c *SlabCache) Free(h Handle) {
	c.lock.Acquire()
	defer c.lock.Release()

	regionIdx, objIdx := h.split()
	if regionIdx < 0 || regionIdx >= len(c.regions) {
		logCorruption(c.name, h)
		return
	}
	r := c.regions[regionIdx]

	wasFull := r.isFull()
	if !r.give(objIdx) {
		logCorruption(c.name, h)
		return
	}

	switch {
	case r.isEmpty():
		c.removeFrom(&c.partial, regionIdx)
		c.removeFrom(&c.full, regionIdx)
		c.empty = append(c.empty, regionIdx)
	case wasFull:
		c.removeFrom(&c.full, regionIdx)
		c.partial = append(c.partial, regionIdx)
	}
}

func (c *SlabCache) Bytes(h Handle) []byte {
	regionIdx, objIdx := h.split()
	return c.regions[regionIdx].payload(objIdx)
}

// Destroy releases every backing region to the buddy allocator.
func (c *SlabCache) Destroy() {
	c.lock.Acquire()
	defer c.lock.Release()

	for _, r := range c.regions {
		c.backing.Free(r.frame)
	}
	c.regions = nil
	c.full, c.partial, c.empty = nil, nil, nil
}

func (c *SlabCache) popFrom(list *[]int) int {
	n := len(*list)
	v := (*list)[n-1]
	*list = (*list)[:n-1]
	return v
}

func (c *SlabCache) removeFrom(list *[]int, v int) {
	for i, x := range *list {
		if x == v {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}
