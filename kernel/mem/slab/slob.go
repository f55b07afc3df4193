package slab

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/buddy"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

// slobHeaderSize is the per-block bookkeeping size for SLOB: a 4-byte
// magic, a 4-byte free-list link and a 4-byte payload size. It is wider
// than the common headerSize because, unlike SLAB/SLUB's fixed slot grid,
// SLOB blocks carry their own size and must not let that metadata alias the
// caller's payload.
const slobHeaderSize = 12

// minSlobBlock is the smallest payload a free block can have: it must be
// able to hold its own size metadata once split off.
const minSlobBlock = 8

// slobRegion is a single buddy-backed arena managed as a best-fit free
// list of variable-size blocks, split and coalesced on every request.
type slobRegion struct {
	frame      mem.Frame
	frameCount uint64
	data       []byte
	freeHead   int32 // byte offset of the first free block, -1 if none
}

// SlobCache implements the SLOB object-cache variant: a single best-fit free list
// per region, favouring low fragmentation overhead over allocation speed.
// Intended for the EMBEDDED system mode.
type SlobCache struct {
	name       string
	objSize    mem.Size // 0 means "generic": AllocSize chooses the size per call
	regionSize mem.Size
	backing    *buddy.Allocator

	regions []*slobRegion

	lock sync.Spinlock
}

// NewSlobCache creates a fixed-object-size SLOB cache. regionSize controls
// how much backing memory is requested from the buddy allocator each time
// every region is exhausted.
func NewSlobCache(name string, objSize mem.Size, regionSize mem.Size, backing *buddy.Allocator) *SlobCache {
	return &SlobCache{name: name, objSize: objSize, regionSize: regionSize, backing: backing}
}

// NewGenericSlob creates a SLOB cache with no fixed object size, for use as
// the backing store of a raw alloc(size) size-class family.
func NewGenericSlob(name string, regionSize mem.Size, backing *buddy.Allocator) *SlobCache {
	return NewSlobCache(name, 0, regionSize, backing)
}

func (c *SlobCache) Name() string      { return c.name }
func (c *SlobCache) ObjSize() mem.Size { return c.objSize }

func (c *SlobCache) Alloc() (Handle, *kernel.Error) {
	return c.AllocSize(c.objSize)
}

// AllocSize allocates a block of exactly size bytes of payload, independent
// of the cache's nominal object size. Used by the generic size-class family.
func (c *SlobCache) AllocSize(size mem.Size) (Handle, *kernel.Error) {
	if size == 0 {
		return InvalidHandle, errInvalidSize
	}

	c.lock.Acquire()
	defer c.lock.Release()

	need := int(size)

	for regionIdx, r := range c.regions {
		if off, ok := r.bestFit(need); ok {
			objIdx := r.takeAt(off, need)
			return makeHandle(regionIdx, objIdx), nil
		}
	}

	r, err := c.newRegion(size)
	if err != nil {
		return InvalidHandle, err
	}
	c.regions = append(c.regions, r)
	regionIdx := len(c.regions) - 1

	off, ok := r.bestFit(need)
	if !ok {
		return InvalidHandle, errOutOfMemory
	}
	objIdx := r.takeAt(off, need)
	return makeHandle(regionIdx, objIdx), nil
}

func (c *SlobCache) newRegion(minSize mem.Size) (*slobRegion, *kernel.Error) {
	regionBytes := c.regionSize
	if regionBytes < minSize+slobHeaderSize {
		regionBytes = minSize + slobHeaderSize
	}

	frame, err := c.backing.Alloc(regionBytes)
	if err != nil {
		return nil, err
	}
	framesNeeded := (uint64(regionBytes) + mem.PageSize - 1) / mem.PageSize
	if framesNeeded == 0 {
		framesNeeded = 1
	}
	data := c.backing.Region(frame, framesNeeded)

	r := &slobRegion{frame: frame, frameCount: framesNeeded, data: data, freeHead: 0}
	h := r.header(0)
	putMagic(h, freeMagic)
	putNext(h, -1)
	r.putSize(0, len(data)-slobHeaderSize)
	return r, nil
}

func (c *SlobCache) Free(h Handle) {
	c.lock.Acquire()
	defer c.lock.Release()

	regionIdx, off := h.split()
	if regionIdx < 0 || regionIdx >= len(c.regions) {
		logCorruption(c.name, h)
		return
	}
	r := c.regions[regionIdx]
	if !r.free(off) {
		logCorruption(c.name, h)
		return
	}
}

func (c *SlobCache) Bytes(h Handle) []byte {
	regionIdx, off := h.split()
	r := c.regions[regionIdx]
	size := r.getSize(off)
	return r.data[off+slobHeaderSize : off+slobHeaderSize+size]
}

func (c *SlobCache) Destroy() {
	c.lock.Acquire()
	defer c.lock.Release()
	for _, r := range c.regions {
		c.backing.Free(r.frame)
	}
	c.regions = nil
}

// --- slobRegion internals -------------------------------------------------

func (r *slobRegion) header(off int) []byte {
	return r.data[off : off+slobHeaderSize]
}

func (r *slobRegion) putSize(off, size int) {
	b := r.data[off+8 : off+12]
	b[0] = byte(size)
	b[1] = byte(size >> 8)
	b[2] = byte(size >> 16)
	b[3] = byte(size >> 24)
}

func (r *slobRegion) getSize(off int) int {
	b := r.data[off+8 : off+12]
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16 | int(b[3])<<24
}

// bestFit scans the free list for the smallest block able to hold need
// bytes, returning its offset.
func (r *slobRegion) bestFit(need int) (int, bool) {
	best := -1
	bestSize := -1
	cur := r.freeHead
	for cur != -1 {
		off := int(cur)
		size := r.getSize(off)
		if size >= need && (best == -1 || size < bestSize) {
			best = off
			bestSize = size
		}
		cur = getNext(r.header(off)[0:8])
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// takeAt removes the free block at off from the free list, splitting off a
// trailing free remainder if it's large enough to be useful, and marks the
// (possibly shrunk) block allocated. The offset is reused directly as the
// object index encoded into the returned Handle.
func (r *slobRegion) takeAt(off, need int) int {
	size := r.getSize(off)
	r.unlink(off)

	remainder := size - need
	if remainder >= slobHeaderSize+minSlobBlock {
		newFreeOff := off + slobHeaderSize + need
		newFreeSize := remainder - slobHeaderSize
		h := r.header(newFreeOff)
		putMagic(h, freeMagic)
		r.putSize(newFreeOff, newFreeSize)
		r.pushFree(newFreeOff)
		size = need
	}

	h := r.header(off)
	putMagic(h, allocMagic)
	r.putSize(off, size)
	return off
}

func (r *slobRegion) free(off int) bool {
	h := r.header(off)
	if getMagic(h) != allocMagic {
		return false
	}

	size := r.getSize(off)
	blockStart, blockSize := off, size

	// attempt to coalesce with any free block whose range touches ours.
	merged := true
	for merged {
		merged = false
		cur := r.freeHead
		for cur != -1 {
			candOff := int(cur)
			candSize := r.getSize(candOff)
			next := getNext(r.header(candOff)[0:8])

			if candOff+slobHeaderSize+candSize == blockStart {
				r.unlink(candOff)
				blockStart = candOff
				blockSize += slobHeaderSize + candSize
				merged = true
				break
			}
			if blockStart+slobHeaderSize+blockSize == candOff {
				r.unlink(candOff)
				blockSize += slobHeaderSize + candSize
				merged = true
				break
			}
			cur = next
		}
	}

	bh := r.header(blockStart)
	putMagic(bh, freeMagic)
	r.putSize(blockStart, blockSize)
	r.pushFree(blockStart)
	return true
}

func (r *slobRegion) pushFree(off int) {
	h := r.header(off)
	putNext(h[0:8], r.freeHead)
	r.freeHead = int32(off)
}

func (r *slobRegion) unlink(off int) {
	if int(r.freeHead) == off {
		r.freeHead = getNext(r.header(off)[0:8])
		return
	}
	cur := r.freeHead
	for cur != -1 {
		h := r.header(int(cur))
		next := getNext(h[0:8])
		if int(next) == off {
			putNext(h[0:8], getNext(r.header(off)[0:8]))
			return
		}
		cur = next
	}
}
