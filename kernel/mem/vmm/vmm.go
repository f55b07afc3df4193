package vmm

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/kfmt"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/buddy"
	"github.com/kkmonlee/kmOS/kernel/mem/pmm"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

var (
	errOutOfMemory   = &kernel.Error{Module: "vmm", Message: "out of table or data frames"}
	errNotMapped     = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}
	errAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
)

// logf tags a diagnostic line with this package's prefix through
// kfmt.PrefixWriter rather than folding the tag into the format string.
func logf(format string, args ...interface{}) {
	w := kfmt.PrefixWriter{Sink: kfmt.Writer(), Prefix: []byte("[vmm] ")}
	kfmt.Fprintf(&w, format, args...)
}

// MapFlags carries the per-mapping bits a caller of Map controls directly;
// Present is always set by Map itself.
type MapFlags struct {
	Writable      bool
	User          bool
	WriteThrough  bool
	CacheDisabled bool
	Global        bool
}

// FaultError mirrors the error-code bits a real page fault delivers
// alongside the faulting address.
type FaultError struct {
	Present bool // the page was present (a protection fault, not not-present)
	Write   bool // the access that faulted was a write
	User    bool // the access happened in user mode
}

// FaultResult is HandleFault's verdict.
type FaultResult int

const (
	FaultHandled FaultResult = iota
	FaultFatal
)

func (r FaultResult) String() string {
	if r == FaultHandled {
		return "handled"
	}
	return "fatal"
}

// WriteFaultHandler is implemented by the copy-on-write manager: given the
// address space and faulting address of a write to a present, read-only
// page in the COW-eligible range, it either resolves the fault (returns
// true) or reports it isn't actually a COW page (false), in which case the
// fault falls through to the next dispatch step.
type WriteFaultHandler interface {
	HandleWriteFault(as *AddressSpace, vaddr uint32) bool
}

// SwapInHandler is implemented by the swap manager: given the address
// space, faulting address, and the device/slot pair decoded from the leaf
// entry's swap encoding, it brings the page back in and installs the
// mapping, reporting whether it succeeded.
type SwapInHandler interface {
	SwapIn(as *AddressSpace, vaddr uint32, device uint8, slot uint32) bool
}

// Manager owns every live address space's page tables and
// dispatches faults. Table pages (both levels) are drawn
// from the buddy allocator and user/kernel data frames from the physical
// frame allocator, keeping table pressure and data pressure in
// separate pools.
type Manager struct {
	tables *buddy.Allocator
	frames *pmm.BitmapAllocator

	lock sync.Spinlock

	spaces  []*AddressSpace
	current *AddressSpace
	nextID  int

	// kernelTop is the canonical snapshot of every top-level entry at or
	// above KernelSplitTopIndex. Every address space's kernel-range slots
	// are copies of this table, kept in sync by propagateKernelSlot
	// whenever a new kernel leaf table is created.
	kernelTop [topEntries]uint32

	lazyHeapStart, lazyHeapEnd uint32
	cowStart, cowEnd           uint32

	writeFaultHandler WriteFaultHandler
	swapInHandler     SwapInHandler
}

// New creates a VMM manager with no address spaces yet.
func New(tables *buddy.Allocator, frames *pmm.BitmapAllocator) *Manager {
	return &Manager{tables: tables, frames: frames}
}

func (m *Manager) SetWriteFaultHandler(h WriteFaultHandler) { m.writeFaultHandler = h }
func (m *Manager) SetSwapInHandler(h SwapInHandler)         { m.swapInHandler = h }

// SetLazyHeapRange marks [start, end) as the demand-paged kernel heap: a
// not-present fault in this range allocates and maps a frame instead of
// failing.
func (m *Manager) SetLazyHeapRange(start, end uint32) {
	m.lazyHeapStart, m.lazyHeapEnd = start, end
}

// SetCOWRange marks [start, end) as eligible for copy-on-write write-fault
// delegation.
func (m *Manager) SetCOWRange(start, end uint32) {
	m.cowStart, m.cowEnd = start, end
}

func (m *Manager) Current() *AddressSpace { return m.current }

// CreateAddressSpace allocates a fresh top-level table and seeds its
// kernel-range slots from the canonical snapshot, so every address space
// shares the same kernel mappings from the moment it exists.
func (m *Manager) CreateAddressSpace() (*AddressSpace, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	topFrame, err := m.tables.AllocOrder(0)
	if err != nil {
		return nil, errOutOfMemory
	}

	as := &AddressSpace{
		id:         m.nextID,
		topFrame:   topFrame,
		topTable:   m.tables.Bytes(topFrame),
		leafFrames: make(map[int]mem.Frame),
	}
	m.nextID++

	for i := KernelSplitTopIndex; i < topEntries; i++ {
		if m.kernelTop[i] != 0 {
			as.setTopEntry(i, m.kernelTop[i])
			as.leafFrames[i] = mem.Frame(DecodePTE(m.kernelTop[i]).Frame)
		}
	}

	m.spaces = append(m.spaces, as)
	return as, nil
}

// DestroyAddressSpace tears down as: every user-range leaf table is freed
// along with every data frame still present in it, and finally the
// top-level table. Shared kernel leaf tables are left alone. This manager
// does not consult copy-on-write state: any still-present entry is treated
// as exclusively owned and its frame freed, so mappings under COW sharing
// must be settled first through the COW manager's Cleanup, which clears
// those entries and resolves their refcounts. core.MemoryCore's
// DestroyAddressSpace wrapper runs the two in that order.
func (m *Manager) DestroyAddressSpace(as *AddressSpace) {
	m.lock.Acquire()
	defer m.lock.Release()

	for topIdx, leafFrame := range as.leafFrames {
		if isKernelTopIndex(topIdx) {
			continue
		}
		leaf := m.tables.Bytes(leafFrame)
		for leafIdx := 0; leafIdx < leafEntries; leafIdx++ {
			raw := getEntry(leaf, leafIdx)
			pte := DecodePTE(raw)
			if pte.Present {
				m.frames.FreeFrame(mem.Frame(pte.Frame))
			}
		}
		m.tables.Free(leafFrame)
	}
	m.tables.Free(as.topFrame)

	for i, s := range m.spaces {
		if s == as {
			m.spaces = append(m.spaces[:i], m.spaces[i+1:]...)
			break
		}
	}
	if m.current == as {
		m.current = nil
	}
}

// Switch makes as the active address space (the CR3-load equivalent).
func (m *Manager) Switch(as *AddressSpace) { m.current = as }

// ensureLeaf returns the leaf table backing topIdx in as, allocating and
// installing one (propagating to every address space if topIdx falls in
// the kernel range) if it doesn't exist yet.
func (m *Manager) ensureLeaf(as *AddressSpace, topIdx int) ([]byte, *kernel.Error) {
	if raw := as.topEntry(topIdx); raw&bitPresent != 0 {
		pte := DecodePTE(raw)
		leafFrame := mem.Frame(pte.Frame)
		as.leafFrames[topIdx] = leafFrame
		return m.tables.Bytes(leafFrame), nil
	}

	if isKernelTopIndex(topIdx) && m.kernelTop[topIdx]&bitPresent != 0 {
		// another address space raced us to create this kernel leaf since
		// as was created; adopt it rather than allocating a duplicate.
		pte := DecodePTE(m.kernelTop[topIdx])
		leafFrame := mem.Frame(pte.Frame)
		as.setTopEntry(topIdx, m.kernelTop[topIdx])
		as.leafFrames[topIdx] = leafFrame
		return m.tables.Bytes(leafFrame), nil
	}

	leafFrame, err := m.tables.AllocOrder(0)
	if err != nil {
		return nil, errOutOfMemory
	}

	entry := PTE{Present: true, Writable: true, User: !isKernelTopIndex(topIdx), Frame: uint32(leafFrame)}
	raw := entry.Encode()
	as.setTopEntry(topIdx, raw)
	as.leafFrames[topIdx] = leafFrame

	if isKernelTopIndex(topIdx) {
		m.propagateKernelSlot(topIdx, raw, leafFrame)
	}

	return m.tables.Bytes(leafFrame), nil
}

// propagateKernelSlot records a newly created kernel leaf table in the
// canonical snapshot and installs it into every other live address space,
// so a kernel mapping made through one address space is immediately
// visible through all the others, matching real shared-kernel-range paging.
func (m *Manager) propagateKernelSlot(topIdx int, raw uint32, leafFrame mem.Frame) {
	m.kernelTop[topIdx] = raw
	for _, other := range m.spaces {
		if other.topEntry(topIdx)&bitPresent == 0 {
			other.setTopEntry(topIdx, raw)
			other.leafFrames[topIdx] = leafFrame
		}
	}
}

// Map installs a mapping from vaddr to f in as, allocating a leaf table on
// demand.
func (m *Manager) Map(as *AddressSpace, vaddr uint32, f mem.Frame, flags MapFlags) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	topIdx, leafIdx, _ := splitVAddr(vaddr)
	leaf, err := m.ensureLeaf(as, topIdx)
	if err != nil {
		return err
	}

	entry := PTE{
		Present:       true,
		Writable:      flags.Writable,
		User:          flags.User,
		WriteThrough:  flags.WriteThrough,
		CacheDisabled: flags.CacheDisabled,
		Global:        flags.Global,
		Frame:         uint32(f),
	}
	putEntry(leaf, leafIdx, entry.Encode())
	return nil
}

// Unmap clears vaddr's mapping in as and returns its data frame to the
// physical frame allocator. Unmapping an address with no mapping is a
// no-op.
func (m *Manager) Unmap(as *AddressSpace, vaddr uint32) {
	m.lock.Acquire()
	defer m.lock.Release()

	topIdx, leafIdx, _ := splitVAddr(vaddr)
	if as.topEntry(topIdx)&bitPresent == 0 {
		return
	}
	leafFrame := as.leafFrames[topIdx]
	leaf := m.tables.Bytes(leafFrame)

	raw := getEntry(leaf, leafIdx)
	pte := DecodePTE(raw)
	putEntry(leaf, leafIdx, 0)
	if pte.Present {
		m.frames.FreeFrame(mem.Frame(pte.Frame))
	}
}

// Translate returns the physical frame mapped at vaddr in as, or
// (InvalidFrame, false) if no mapping exists (including a swapped-out
// page; callers wanting fault-style resolution should go through
// HandleFault instead).
func (m *Manager) Translate(as *AddressSpace, vaddr uint32) (mem.Frame, bool) {
	m.lock.Acquire()
	defer m.lock.Release()

	topIdx, leafIdx, _ := splitVAddr(vaddr)
	if as.topEntry(topIdx)&bitPresent == 0 {
		return mem.InvalidFrame, false
	}
	leafFrame := as.leafFrames[topIdx]
	leaf := m.tables.Bytes(leafFrame)

	raw := getEntry(leaf, leafIdx)
	pte := DecodePTE(raw)
	if !pte.Present {
		return mem.InvalidFrame, false
	}
	return mem.Frame(pte.Frame), true
}

// rawLeafEntry reads the raw 32-bit leaf entry at vaddr in as, reporting
// whether a leaf table exists at all for its top-level index.
func (m *Manager) rawLeafEntry(as *AddressSpace, vaddr uint32) (raw uint32, haveLeaf bool) {
	topIdx, leafIdx, _ := splitVAddr(vaddr)
	if as.topEntry(topIdx)&bitPresent == 0 {
		return 0, false
	}
	leaf := m.tables.Bytes(as.leafFrames[topIdx])
	return getEntry(leaf, leafIdx), true
}

// GetPTERaw exposes the raw leaf entry at vaddr for the COW and swap managers to inspect
// directly (refcount bookkeeping, swap-handle decoding) without VMM having
// to know anything about their semantics.
func (m *Manager) GetPTERaw(as *AddressSpace, vaddr uint32) (raw uint32, ok bool) {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.rawLeafEntry(as, vaddr)
}

// SetPTERaw overwrites the raw leaf entry at vaddr, allocating a leaf table
// on demand. Used by the COW manager to install a copied page and by the swap manager to install a
// swap handle or the page brought back in by swap_in.
func (m *Manager) SetPTERaw(as *AddressSpace, vaddr uint32, raw uint32) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	topIdx, leafIdx, _ := splitVAddr(vaddr)
	leaf, err := m.ensureLeaf(as, topIdx)
	if err != nil {
		return err
	}
	putEntry(leaf, leafIdx, raw)
	return nil
}

// AllocDataFrame and FreeDataFrame expose the frame allocator to the COW and swap managers, so they don't need
// their own physical-frame-allocator reference.
func (m *Manager) AllocDataFrame() (mem.Frame, *kernel.Error) { return m.frames.AllocFrame() }
func (m *Manager) FreeDataFrame(f mem.Frame)                  { m.frames.FreeFrame(f) }
func (m *Manager) DataBytes(f mem.Frame) []byte               { return m.frames.Bytes(f) }

func inRange(v, start, end uint32) bool { return v >= start && v < end }

// HandleFault dispatches a page fault in a fixed order: COW-eligible write
// fault, then lazy kernel heap, then swap, then fatal.
func (m *Manager) HandleFault(vaddr uint32, ferr FaultError) FaultResult {
	as := m.current
	if as == nil {
		logf("fault at %#x with no active address space\n", vaddr)
		return FaultFatal
	}

	if ferr.Present && ferr.Write && inRange(vaddr, m.cowStart, m.cowEnd) && m.writeFaultHandler != nil {
		raw, haveLeaf := m.rawLeafEntry(as, vaddr)
		if haveLeaf {
			pte := DecodePTE(raw)
			if pte.Present && !pte.Writable {
				if m.writeFaultHandler.HandleWriteFault(as, vaddr) {
					return FaultHandled
				}
			}
		}
	}

	if !ferr.Present && inRange(vaddr, m.lazyHeapStart, m.lazyHeapEnd) {
		f, err := m.frames.AllocFrame()
		if err == nil {
			if merr := m.Map(as, vaddr, f, MapFlags{Writable: true}); merr == nil {
				return FaultHandled
			}
			m.frames.FreeFrame(f)
		}
	}

	if !ferr.Present {
		raw, haveLeaf := m.rawLeafEntry(as, vaddr)
		if haveLeaf && IsSwapEncoded(raw) && m.swapInHandler != nil {
			pte := DecodePTE(raw)
			if m.swapInHandler.SwapIn(as, vaddr, pte.SwapDevice, pte.SwapSlot) {
				return FaultHandled
			}
		}
	}

	logf("fatal fault at %#x (present=%v write=%v user=%v)\n", vaddr, ferr.Present, ferr.Write, ferr.User)
	return FaultFatal
}
