// Package stack implements the stack/region allocator: a bump-pointer
// arena over a growable list of physical frames with checkpoint/restore
// semantics. There is no free(ptr); lifetime is strictly LIFO, released
// only by restore or reset.
package stack

import (
	"encoding/binary"

	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/kfmt"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/pmm"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

// frameHeaderSize reserves room at the start of every backing frame for the
// {magic, canary} integrity pair checked on every bump and on Destroy.
const frameHeaderSize = 16

const (
	frameMagic uint32 = 0x57AC1DEA
	canaryWord uint32 = 0xC0FFEE11
)

var (
	errInvalidSize   = &kernel.Error{Module: "stack", Message: "invalid allocation size"}
	errOverflow      = &kernel.Error{Module: "stack", Message: "stack exceeds its configured maximum size"}
	errBadCheckpoint = &kernel.Error{Module: "stack", Message: "invalid or already-consumed checkpoint"}
	errCorruptFrame  = &kernel.Error{Module: "stack", Message: "frame integrity check failed"}
)

// logf tags a diagnostic line with this package's prefix through
// kfmt.PrefixWriter rather than folding the tag into the format string.
func logf(format string, args ...interface{}) {
	w := kfmt.PrefixWriter{Sink: kfmt.Writer(), Prefix: []byte("[stack] ")}
	kfmt.Fprintf(&w, format, args...)
}

// Handle names a checkpoint previously returned by Checkpoint.
type Handle int

type bumpState struct {
	frameIdx int
	offset   int
}

// Allocator is a LIFO region allocator backed by frames drawn from a
// physical frame allocator, growing its frame list by doubling (1, 2, 4, …)
// up to maxBytes.
type Allocator struct {
	backing  *pmm.BitmapAllocator
	maxBytes mem.Size

	frames      []mem.Frame
	nextGrow    uint64 // frames to request on the next growth
	cur         bumpState
	checkpoints []bumpState

	lock sync.Spinlock
}

// New creates a stack allocator drawing frames from backing, capped at
// maxBytes total.
func New(backing *pmm.BitmapAllocator, maxBytes mem.Size) *Allocator {
	a := &Allocator{backing: backing, maxBytes: maxBytes, nextGrow: 1}
	return a
}

func (a *Allocator) totalBytes() mem.Size {
	return mem.Size(uint64(len(a.frames)) * mem.PageSize)
}

// grow appends nextGrow freshly allocated frames to the frame list,
// doubling nextGrow for the following call, and writes the integrity
// header into each of the new frames.
func (a *Allocator) grow() *kernel.Error {
	want := a.nextGrow
	if a.totalBytes()+mem.Size(want*mem.PageSize) > a.maxBytes {
		// shrink the request to whatever still fits, if anything does.
		remaining := (uint64(a.maxBytes) - uint64(a.totalBytes())) / mem.PageSize
		if remaining == 0 {
			return errOverflow
		}
		want = remaining
	}

	start := len(a.frames)
	for i := uint64(0); i < want; i++ {
		f, err := a.backing.AllocFrame()
		if err != nil {
			// roll back any frames obtained in this partial growth.
			for _, rf := range a.frames[start:] {
				a.backing.FreeFrame(rf)
			}
			a.frames = a.frames[:start]
			return err
		}
		a.frames = append(a.frames, f)
		a.writeHeader(len(a.frames) - 1)
	}

	a.nextGrow *= 2
	return nil
}

func (a *Allocator) writeHeader(frameIdx int) {
	b := a.backing.Bytes(a.frames[frameIdx])
	binary.LittleEndian.PutUint32(b[0:4], frameMagic)
	binary.LittleEndian.PutUint32(b[4:8], canaryWord)
}

func (a *Allocator) checkHeader(frameIdx int) bool {
	b := a.backing.Bytes(a.frames[frameIdx])
	return binary.LittleEndian.Uint32(b[0:4]) == frameMagic &&
		binary.LittleEndian.Uint32(b[4:8]) == canaryWord
}

func alignUp(v, align int) int {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Alloc carves size bytes, aligned to align, out of the current bump
// position, growing the frame list if the current frame lacks room. A
// single allocation must fit within one frame; larger requests fail.
func (a *Allocator) Alloc(size mem.Size, align int) ([]byte, *kernel.Error) {
	if size == 0 {
		return nil, errInvalidSize
	}
	if align <= 0 {
		align = 1
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if err := a.ensureInit(); err != nil {
		return nil, err
	}

	offset := alignUp(a.cur.offset, align)
	if offset+int(size) > mem.PageSize {
		if int(size)+frameHeaderSize > mem.PageSize {
			return nil, errInvalidSize
		}
		if err := a.grow(); err != nil {
			return nil, err
		}
		a.cur = bumpState{frameIdx: len(a.frames) - 1, offset: frameHeaderSize}
		offset = alignUp(a.cur.offset, align)
	}

	if !a.checkHeader(a.cur.frameIdx) {
		logf("frame %d integrity check failed\n", a.cur.frameIdx)
		return nil, errCorruptFrame
	}

	frameBytes := a.backing.Bytes(a.frames[a.cur.frameIdx])
	region := frameBytes[offset : offset+int(size)]
	a.cur.offset = offset + int(size)

	return region, nil
}

// ensureInit grows the first backing frame on first use, so cur always
// names a real, header-initialized position once any frame exists.
func (a *Allocator) ensureInit() *kernel.Error {
	if len(a.frames) != 0 {
		return nil
	}
	if err := a.grow(); err != nil {
		return err
	}
	a.cur = bumpState{frameIdx: 0, offset: frameHeaderSize}
	return nil
}

// Checkpoint captures the current bump position and returns a handle that
// Restore can later rewind to.
func (a *Allocator) Checkpoint() (Handle, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if err := a.ensureInit(); err != nil {
		return 0, err
	}

	a.checkpoints = append(a.checkpoints, a.cur)
	return Handle(len(a.checkpoints) - 1), nil
}

// Restore rewinds the bump pointer to the position captured by h, and
// invalidates h along with every checkpoint taken after it.
func (a *Allocator) Restore(h Handle) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	if int(h) < 0 || int(h) >= len(a.checkpoints) {
		return errBadCheckpoint
	}

	a.cur = a.checkpoints[h]
	a.checkpoints = a.checkpoints[:h]
	return nil
}

// Reset rewinds the bump pointer to the very start of the frame list and
// discards every outstanding checkpoint.
func (a *Allocator) Reset() {
	a.lock.Acquire()
	defer a.lock.Release()

	a.checkpoints = nil
	if len(a.frames) == 0 {
		a.cur = bumpState{}
		return
	}
	a.cur = bumpState{frameIdx: 0, offset: frameHeaderSize}
}

// Destroy returns every backing frame to the physical frame allocator.
func (a *Allocator) Destroy() {
	a.lock.Acquire()
	defer a.lock.Release()

	for i, f := range a.frames {
		if !a.checkHeader(i) {
			logf("frame %d integrity check failed at destroy\n", i)
		}
		a.backing.FreeFrame(f)
	}
	a.frames = nil
	a.checkpoints = nil
	a.cur = bumpState{}
	a.nextGrow = 1
}
