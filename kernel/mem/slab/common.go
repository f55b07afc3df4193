// Package slab implements the object allocators: SLAB, SLOB and SLUB
// caches built on top of the buddy allocator.
//
// All three variants share one contract (Create/Alloc/Free/Destroy) and one
// corruption detector: every live object carries a magic value in its
// header, and Free refuses to recycle an object whose magic doesn't match,
// logging the event instead of trusting the caller.
//
// Objects are never handed back as raw pointers: Alloc returns a Handle, an
// opaque integer, and callers fetch the object's bytes with Bytes(handle).
package slab

import (
	"encoding/binary"

	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/kfmt"
	"github.com/kkmonlee/kmOS/kernel/mem"
)

// headerSize is the size in bytes of the per-object bookkeeping header
// prepended to every object's payload, regardless of variant.
const headerSize = 8

const (
	allocMagic uint32 = 0xA110CA7E
	freeMagic  uint32 = 0xF4EEF4EE
)

var (
	errOutOfMemory = &kernel.Error{Module: "slab", Message: "cache exhausted and backing allocator failed"}
	errInvalidSize = &kernel.Error{Module: "slab", Message: "invalid object size"}
)

// Handle identifies a live object without exposing a pointer. Its encoding
// is private to each variant.
type Handle uint64

// InvalidHandle is returned by Alloc on failure.
const InvalidHandle Handle = ^Handle(0)

func makeHandle(regionIdx, objIdx int) Handle {
	return Handle(uint32(regionIdx))<<32 | Handle(uint32(objIdx))
}

func (h Handle) split() (regionIdx, objIdx int) {
	return int(uint32(h >> 32)), int(uint32(h))
}

func putMagic(header []byte, magic uint32) {
	binary.LittleEndian.PutUint32(header[0:4], magic)
}

func getMagic(header []byte) uint32 {
	return binary.LittleEndian.Uint32(header[0:4])
}

func putNext(header []byte, next int32) {
	binary.LittleEndian.PutUint32(header[4:8], uint32(next))
}

func getNext(header []byte) int32 {
	return int32(binary.LittleEndian.Uint32(header[4:8]))
}

// logCorruption reports a Free call on an object whose header magic doesn't
// match what was last written to it, per the package's log-and-ignore
// corruption policy.
func logCorruption(cacheName string, h Handle) {
	w := kfmt.PrefixWriter{Sink: kfmt.Writer(), Prefix: []byte("[slab] ")}
	kfmt.Fprintf(&w, "cache %q: free of corrupt or already-freed object %d ignored\n", cacheName, h)
}

// Cache is the contract all three object-allocator variants satisfy.
type Cache interface {
	Name() string
	ObjSize() mem.Size
	Alloc() (Handle, *kernel.Error)
	Free(h Handle)
	Bytes(h Handle) []byte
	Destroy()
}
