package slab

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/buddy"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

// cpuCache is one logical CPU's local object pool: a bounded batch array
// plus an unbounded fallback list absorbing whatever doesn't fit in the
// batch. The fallback list is a plain slice rather than an intrusive
// singly-linked list threaded through object headers, which also sidesteps
// needing a cross-region link wider than a region-local object index.
type cpuCache struct {
	batch    []Handle
	fallback []Handle
}

// SlubCache implements the SLUB object-cache variant: each logical CPU drains and
// refills a small batch array from the cache's partial region list, with a
// fallback list absorbing anything that doesn't fit back in the batch.
// Intended for the SERVER/SMP system mode. Only cpus[0] is ever touched by
// this single-CPU implementation, but the per-CPU array shape is preserved
// so the contract is identical to a multi-CPU build.
type SlubCache struct {
	name       string
	objSize    mem.Size
	objsPer    int
	batchLimit int
	backing    *buddy.Allocator

	regions []*region
	partial []int

	cpus []cpuCache

	lock sync.Spinlock
}

// NewSlubCache creates a cache of objSize-byte objects. batchLimit bounds
// each per-CPU batch array; numCPUs sizes the per-CPU array (1 in a
// single-CPU build).
func NewSlubCache(name string, objSize mem.Size, objsPerRegion, batchLimit, numCPUs int, backing *buddy.Allocator) *SlubCache {
	if numCPUs < 1 {
		numCPUs = 1
	}
	return &SlubCache{
		name:       name,
		objSize:    objSize,
		objsPer:    objsPerRegion,
		batchLimit: batchLimit,
		backing:    backing,
		cpus:       make([]cpuCache, numCPUs),
	}
}

func (c *SlubCache) Name() string      { return c.name }
func (c *SlubCache) ObjSize() mem.Size { return c.objSize }

func (c *SlubCache) Alloc() (Handle, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	cpu := &c.cpus[0]

	if n := len(cpu.batch); n > 0 {
		h := cpu.batch[n-1]
		cpu.batch = cpu.batch[:n-1]
		c.markAllocated(h)
		return h, nil
	}

	if n := len(cpu.fallback); n > 0 {
		h := cpu.fallback[n-1]
		cpu.fallback = cpu.fallback[:n-1]
		c.markAllocated(h)
		return h, nil
	}

	if err := c.refill(); err != nil {
		return InvalidHandle, err
	}

	if n := len(cpu.batch); n > 0 {
		h := cpu.batch[n-1]
		cpu.batch = cpu.batch[:n-1]
		c.markAllocated(h)
		return h, nil
	}

	return InvalidHandle, errOutOfMemory
}

// markAllocated restores a handle's header magic to allocMagic. Objects
// sitting in a per-CPU batch or fallback list carry freeMagic between a
// Free and the next Alloc that hands them back out.
func (c *SlubCache) markAllocated(h Handle) {
	regionIdx, objIdx := h.split()
	putMagic(c.regions[regionIdx].header(objIdx), allocMagic)
}

// refill drains up to batchLimit free objects from the partial region list
// into cpus[0]'s batch, allocating a fresh region via the buddy allocator
// if no partial region has room.
func (c *SlubCache) refill() *kernel.Error {
	cpu := &c.cpus[0]

	for len(cpu.batch) < c.batchLimit {
		if len(c.partial) == 0 {
			r, err := newRegion(c.backing, c.objSize, c.objsPer)
			if err != nil {
				if len(cpu.batch) > 0 {
					return nil
				}
				return err
			}
			c.regions = append(c.regions, r)
			c.partial = append(c.partial, len(c.regions)-1)
		}

		regionIdx := c.partial[len(c.partial)-1]
		r := c.regions[regionIdx]

		for !r.isFull() && len(cpu.batch) < c.batchLimit {
			objIdx := r.takeFree()
			cpu.batch = append(cpu.batch, makeHandle(regionIdx, objIdx))
		}

		if r.isFull() {
			c.partial = c.partial[:len(c.partial)-1]
		}
	}

	return nil
}

func (c *SlubCache) Free(h Handle) {
	c.lock.Acquire()
	defer c.lock.Release()

	regionIdx, objIdx := h.split()
	if regionIdx < 0 || regionIdx >= len(c.regions) {
		logCorruption(c.name, h)
		return
	}
	hdr := c.regions[regionIdx].header(objIdx)
	if getMagic(hdr) != allocMagic {
		logCorruption(c.name, h)
		return
	}
	putMagic(hdr, freeMagic)

	cpu := &c.cpus[0]
	if len(cpu.batch) < c.batchLimit {
		cpu.batch = append(cpu.batch, h)
		return
	}
	cpu.fallback = append(cpu.fallback, h)
}

func (c *SlubCache) Bytes(h Handle) []byte {
	regionIdx, objIdx := h.split()
	return c.regions[regionIdx].payload(objIdx)
}

func (c *SlubCache) Destroy() {
	c.lock.Acquire()
	defer c.lock.Release()
	for _, r := range c.regions {
		c.backing.Free(r.frame)
	}
	c.regions = nil
	c.partial = nil
	c.cpus = make([]cpuCache, len(c.cpus))
}
