package slab

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/buddy"
)

// region is a buddy-allocated slot grid backing a fixed-size cache: each
// slot holds headerSize bytes of bookkeeping followed by objSize bytes of
// payload. Shared by the SLAB and SLUB variants, which differ only in how
// they route allocations through a region's free list.
type region struct {
	frame      mem.Frame
	frameCount uint64
	data       []byte

	slotSize   int
	totalObjs  int
	freeObjs   int
	freeHead   int32 // index of the first free slot, -1 if none
}

func newRegion(backing *buddy.Allocator, objSize mem.Size, objsPerRegion int) (*region, *kernel.Error) {
	slotSize := headerSize + int(objSize)
	totalBytes := mem.Size(slotSize * objsPerRegion)

	frame, err := backing.Alloc(totalBytes)
	if err != nil {
		return nil, err
	}
	framesNeeded := (uint64(totalBytes) + mem.PageSize - 1) / mem.PageSize
	if framesNeeded == 0 {
		framesNeeded = 1
	}

	data := backing.Region(frame, framesNeeded)

	r := &region{
		frame:      frame,
		frameCount: framesNeeded,
		data:       data,
		slotSize:   slotSize,
		totalObjs:  objsPerRegion,
		freeObjs:   objsPerRegion,
		freeHead:   0,
	}

	for i := 0; i < objsPerRegion; i++ {
		h := r.header(i)
		putMagic(h, freeMagic)
		if i == objsPerRegion-1 {
			putNext(h, -1)
		} else {
			putNext(h, int32(i+1))
		}
	}

	return r, nil
}

func (r *region) header(objIdx int) []byte {
	start := objIdx * r.slotSize
	return r.data[start : start+headerSize]
}

func (r *region) payload(objIdx int) []byte {
	start := objIdx*r.slotSize + headerSize
	return r.data[start : start+r.slotSize-headerSize]
}

// takeFree pops the first free slot and marks it allocated, returning its
// index. The caller must have already checked freeObjs > 0.
func (r *region) takeFree() int {
	idx := int(r.freeHead)
	h := r.header(idx)
	r.freeHead = getNext(h)
	r.freeObjs--
	putMagic(h, allocMagic)
	putNext(h, -1)
	return idx
}

// give returns a slot to the region's free list, after validating its
// magic. Returns false if the slot was not actually allocated.
func (r *region) give(objIdx int) bool {
	h := r.header(objIdx)
	if getMagic(h) != allocMagic {
		return false
	}
	putMagic(h, freeMagic)
	putNext(h, r.freeHead)
	r.freeHead = int32(objIdx)
	r.freeObjs++
	return true
}

func (r *region) isEmpty() bool { return r.freeObjs == r.totalObjs }
func (r *region) isFull() bool  { return r.freeObjs == 0 }
