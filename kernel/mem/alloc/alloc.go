// Package alloc implements the unified allocator façade: it classifies
// every request by size and flags, picks an allocator according to the
// active system mode, and falls back to the buddy allocator (and then to
// swap-driven reclaim) on failure.
package alloc

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/buddy"
	"github.com/kkmonlee/kmOS/kernel/mem/slab"
	"github.com/kkmonlee/kmOS/kernel/mem/stack"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

// Flag is a bitmask of allocation hints, combinable freely.
type Flag uint32

const (
	// KERNEL is the default context; it has no bit of its own.
	KERNEL Flag = 0
	USER   Flag = 1 << iota
	DMA
	ATOMIC
	ZERO
	TEMP
	SCOPED
)

// SizeClass buckets a request by size.
type SizeClass int

const (
	Tiny SizeClass = iota
	Small
	Medium
	Large
	Huge
)

func classify(size mem.Size) SizeClass {
	switch {
	case size < 64:
		return Tiny
	case size < 512:
		return Small
	case size < 4096:
		return Medium
	case size < 65536:
		return Large
	default:
		return Huge
	}
}

// Mode selects which object-allocator variant backs Tiny/Small/Medium
// requests. Large/Huge always go to the buddy allocator regardless of mode.
type Mode int

const (
	Embedded Mode = iota
	Desktop
	Server
	Realtime
)

// Policy is a bitmask refining dispatch beyond the mode table.
type Policy uint32

const (
	// PolicyAllowStack permits TEMP/SCOPED requests to use the stack
	// allocator.
	PolicyAllowStack Policy = 1 << iota

	// PolicyAllowReclaim permits the buddy-exhaustion path to ask the
	// reclaimer to free pages before the retry.
	PolicyAllowReclaim
)

// DefaultPolicy enables every dispatch refinement.
const DefaultPolicy = PolicyAllowStack | PolicyAllowReclaim

// Reclaimer is the capability the façade calls into when the buddy
// allocator is exhausted and the request isn't ATOMIC: it asks the swap
// manager to free up pages and reports how many it actually freed.
type Reclaimer interface {
	Reclaim(pages uint64) uint64
}

var (
	errInvalidSize = &kernel.Error{Module: "alloc", Message: "invalid allocation size"}
	errOutOfMemory = &kernel.Error{Module: "alloc", Message: "allocation failed after fallback and reclaim"}
)

// kind tags which backing allocator produced a Ptr, so Free can route back
// without needing to scan an address-range registry; that accounting is
// unnecessary once allocations are already opaque handles.
type kind int

const (
	kindBuddy kind = iota
	kindSlab
	kindSlob
	kindSlub
	kindStack
)

// Ptr is an opaque allocation handle returned by Alloc, standing in for a
// raw pointer.
type Ptr struct {
	kind  kind
	inner uint64

	// frames records how many frames a kindBuddy allocation spans, so
	// Bytes can expose the whole region rather than just its first page.
	frames uint64

	// stackBytes carries the payload directly for kindStack, since stack
	// allocations are bump-pointer slices rather than indices into an
	// allocator-owned arena.
	stackBytes []byte
}

// Allocator is the façade: one per kernel, wired to the buddy allocator, the
// three object-allocator families and the stack allocator, with a switchable
// system-mode policy.
type Allocator struct {
	mode   Mode
	policy Policy

	buddyAlloc *buddy.Allocator
	stackAlloc *stack.Allocator
	reclaimer  Reclaimer

	slabFamily *slab.Family
	slobFamily *slab.Family
	slubFamily *slab.Family

	stats     Stats
	statsLock sync.Spinlock
}

// Stats counts façade activity per backing allocator. Stack allocations
// have no matching free (they're released by checkpoint/restore), so they
// are counted but excluded from ActiveAllocations.
type Stats struct {
	BuddyAllocs, BuddyFrees uint64
	SlabAllocs, SlabFrees   uint64
	SlobAllocs, SlobFrees   uint64
	SlubAllocs, SlubFrees   uint64
	StackAllocs             uint64

	ActiveAllocations uint64
	ReclaimAttempts   uint64
}

const (
	defaultObjsPerRegion = 64
	defaultBatchLimit    = 8
	defaultNumCPUs       = 1
)

// New creates a façade over the given backing allocators in the given
// initial mode. stackAlloc and reclaimer may be nil: without a stack
// allocator, TEMP/SCOPED requests fall through to the mode policy; without
// a reclaimer, a buddy-exhaustion retry always fails.
func New(mode Mode, buddyAlloc *buddy.Allocator, stackAlloc *stack.Allocator, reclaimer Reclaimer) *Allocator {
	return &Allocator{
		mode:       mode,
		policy:     DefaultPolicy,
		buddyAlloc: buddyAlloc,
		stackAlloc: stackAlloc,
		reclaimer:  reclaimer,
		slabFamily: slab.NewSlabFamily(defaultObjsPerRegion, buddyAlloc),
		slobFamily: slab.NewSlobFamily(mem.Size(defaultObjsPerRegion*4096), buddyAlloc),
		slubFamily: slab.NewSlubFamily(defaultObjsPerRegion, defaultBatchLimit, defaultNumCPUs, buddyAlloc),
	}
}

// SetMode switches the system-mode policy at runtime.
func (a *Allocator) SetMode(mode Mode) { a.mode = mode }

func (a *Allocator) Mode() Mode { return a.mode }

// SetPolicy replaces the dispatch-refinement mask at runtime.
func (a *Allocator) SetPolicy(p Policy) { a.policy = p }

func (a *Allocator) Policy() Policy { return a.policy }

// Stats returns a snapshot of the façade's activity counters.
func (a *Allocator) Stats() Stats {
	a.statsLock.Acquire()
	defer a.statsLock.Release()
	return a.stats
}

func (a *Allocator) noteAlloc(k kind) {
	a.statsLock.Acquire()
	defer a.statsLock.Release()

	switch k {
	case kindBuddy:
		a.stats.BuddyAllocs++
	case kindSlab:
		a.stats.SlabAllocs++
	case kindSlob:
		a.stats.SlobAllocs++
	case kindSlub:
		a.stats.SlubAllocs++
	case kindStack:
		a.stats.StackAllocs++
		return
	}
	a.stats.ActiveAllocations++
}

func (a *Allocator) noteFree(k kind) {
	a.statsLock.Acquire()
	defer a.statsLock.Release()

	switch k {
	case kindBuddy:
		a.stats.BuddyFrees++
	case kindSlab:
		a.stats.SlabFrees++
	case kindSlob:
		a.stats.SlobFrees++
	case kindSlub:
		a.stats.SlubFrees++
	case kindStack:
		return
	}
	if a.stats.ActiveAllocations > 0 {
		a.stats.ActiveAllocations--
	}
}

// SetReclaimer attaches the reclaimer a buddy-exhaustion retry falls back
// to, for callers that construct the façade before its swap manager exists.
func (a *Allocator) SetReclaimer(r Reclaimer) { a.reclaimer = r }

// familyForMode returns the object-allocator family backing
// Tiny/Small/Medium requests under the active mode.
func (a *Allocator) familyForMode() (*slab.Family, kind) {
	switch a.mode {
	case Embedded:
		return a.slobFamily, kindSlob
	case Server:
		return a.slubFamily, kindSlub
	default: // Desktop, Realtime
		return a.slabFamily, kindSlab
	}
}

// Alloc is the façade's main entry point: classify, apply flag overrides,
// apply mode policy, and fall back to buddy-then-reclaim on failure.
func (a *Allocator) Alloc(size mem.Size, flags Flag) (Ptr, *kernel.Error) {
	if size == 0 {
		return Ptr{}, errInvalidSize
	}

	p, err := a.allocRaw(size, flags)
	if err != nil {
		return Ptr{}, err
	}
	a.noteAlloc(p.kind)

	if flags&ZERO != 0 {
		kernel.Memset(a.Bytes(p), 0)
	}
	return p, nil
}

func (a *Allocator) allocRaw(size mem.Size, flags Flag) (Ptr, *kernel.Error) {
	if flags&DMA != 0 {
		return a.allocBuddyWithFallback(size, flags)
	}

	if flags&(TEMP|SCOPED) != 0 && a.stackAlloc != nil && a.policy&PolicyAllowStack != 0 {
		if b, err := a.stackAlloc.Alloc(size, 1); err == nil {
			return Ptr{kind: kindStack, stackBytes: b}, nil
		}
		// stack exhausted or request too large for one frame: fall through
		// to the ordinary mode policy rather than failing outright.
	}

	class := classify(size)
	if class == Large || class == Huge {
		return a.allocBuddyWithFallback(size, flags)
	}

	family, k := a.familyForMode()
	h, ferr := family.Alloc(size)
	if ferr == nil {
		return Ptr{kind: k, inner: uint64(h)}, nil
	}

	return a.allocBuddyWithFallback(size, flags)
}

// allocBuddyWithFallback tries the buddy allocator; on failure it asks the
// reclaimer (if any, and if the request isn't ATOMIC) to free pages and
// retries exactly once.
func (a *Allocator) allocBuddyWithFallback(size mem.Size, flags Flag) (Ptr, *kernel.Error) {
	pagesNeeded := (uint64(size) + mem.PageSize - 1) / mem.PageSize

	f, err := a.buddyAlloc.Alloc(size)
	if err == nil {
		return Ptr{kind: kindBuddy, inner: uint64(f), frames: pagesNeeded}, nil
	}

	if flags&ATOMIC != 0 || a.reclaimer == nil || a.policy&PolicyAllowReclaim == 0 {
		return Ptr{}, errOutOfMemory
	}

	a.statsLock.Acquire()
	a.stats.ReclaimAttempts++
	a.statsLock.Release()
	a.reclaimer.Reclaim(pagesNeeded)

	f, err = a.buddyAlloc.Alloc(size)
	if err != nil {
		return Ptr{}, errOutOfMemory
	}
	return Ptr{kind: kindBuddy, inner: uint64(f), frames: pagesNeeded}, nil
}

// AllocPages allocates a block of 2^order frames directly from the buddy
// allocator, bypassing classification.
func (a *Allocator) AllocPages(order int) (Ptr, *kernel.Error) {
	f, err := a.buddyAlloc.AllocOrder(order)
	if err != nil {
		return Ptr{}, err
	}
	a.noteAlloc(kindBuddy)
	return Ptr{kind: kindBuddy, inner: uint64(f), frames: buddy.OrderFrames(order)}, nil
}

// Calloc allocates count*size bytes, zeroed.
func (a *Allocator) Calloc(count, size mem.Size) (Ptr, *kernel.Error) {
	return a.Alloc(count*size, ZERO)
}

// Realloc allocates a new block of newSize bytes, copies over
// min(oldSize, newSize) bytes, and frees p. oldSize must be the size
// originally requested for p (the façade does not track per-allocation
// sizes beyond what the owning allocator already knows).
func (a *Allocator) Realloc(p Ptr, oldSize, newSize mem.Size, flags Flag) (Ptr, *kernel.Error) {
	np, err := a.Alloc(newSize, flags&^ZERO)
	if err != nil {
		return Ptr{}, err
	}

	src := a.Bytes(p)
	dst := a.Bytes(np)
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	if mem.Size(n) > oldSize {
		n = int(oldSize)
	}
	if mem.Size(n) > newSize {
		n = int(newSize)
	}
	kernel.Memcopy(dst[:n], src[:n])

	if flags&ZERO != 0 && len(dst) > n {
		kernel.Memset(dst[n:], 0)
	}

	a.Free(p)
	return np, nil
}

// Bytes returns the payload for a live Ptr.
func (a *Allocator) Bytes(p Ptr) []byte {
	switch p.kind {
	case kindBuddy:
		frames := p.frames
		if frames == 0 {
			frames = 1
		}
		return a.buddyAlloc.Region(mem.Frame(p.inner), frames)
	case kindSlab:
		return a.slabFamily.Bytes(slab.Handle(p.inner))
	case kindSlob:
		return a.slobFamily.Bytes(slab.Handle(p.inner))
	case kindSlub:
		return a.slubFamily.Bytes(slab.Handle(p.inner))
	case kindStack:
		return p.stackBytes
	default:
		return nil
	}
}

// Free releases p back to its owning allocator. A Ptr of unrecognized kind
// (zero value, or otherwise corrupt) is forwarded to the buddy allocator as
// a last resort.
func (a *Allocator) Free(p Ptr) {
	switch p.kind {
	case kindBuddy:
		a.buddyAlloc.Free(mem.Frame(p.inner))
		a.noteFree(kindBuddy)
	case kindSlab:
		a.slabFamily.Free(slab.Handle(p.inner))
		a.noteFree(kindSlab)
	case kindSlob:
		a.slobFamily.Free(slab.Handle(p.inner))
		a.noteFree(kindSlob)
	case kindSlub:
		a.slubFamily.Free(slab.Handle(p.inner))
		a.noteFree(kindSlub)
	case kindStack:
		// no free(ptr) for the stack allocator; released by Checkpoint/
		// Restore/Reset only.
	default:
		a.buddyAlloc.Free(mem.Frame(p.inner))
		a.noteFree(kindBuddy)
	}
}
