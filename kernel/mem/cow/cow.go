// Package cow implements the copy-on-write manager: it lets two address
// spaces share physical frames read-only after a fork, splitting them apart
// lazily on the first write.
package cow

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/kfmt"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/vmm"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

var (
	errOutOfMemory  = &kernel.Error{Module: "cow", Message: "out of data frames for copy-on-write split"}
	errOverlapsArea = &kernel.Error{Module: "cow", Message: "range overlaps an existing tracked area"}
)

// logf tags a diagnostic line with this package's prefix through
// kfmt.PrefixWriter rather than folding the tag into the format string.
func logf(format string, args ...interface{}) {
	w := kfmt.PrefixWriter{Sink: kfmt.Writer(), Prefix: []byte("[cow] ")}
	kfmt.Fprintf(&w, format, args...)
}

// area is a half-open virtual range [Start, End) tracked for an address
// space, used by cleanup to know which PTEs to walk without scanning the
// whole address space.
type area struct {
	Start, End uint32
}

// descriptor is the refcounted record for one physical frame shared
// copy-on-write across one or more address spaces.
type descriptor struct {
	refcount int
}

// Manager holds no address-space state of its own beyond the
// bookkeeping needed to fork ranges and clean them up; the page tables
// themselves live in the VMM, reached through the vmm.Manager handed to New.
type Manager struct {
	vm *vmm.Manager

	lock        sync.Spinlock
	descriptors map[mem.Frame]*descriptor
	areas       map[*vmm.AddressSpace][]area
}

// New creates a copy-on-write manager over vm. Callers must also register
// it as vm's write-fault handler via vm.SetWriteFaultHandler(m) for
// HandleWriteFault to actually be consulted during fault dispatch.
func New(vm *vmm.Manager) *Manager {
	return &Manager{
		vm:          vm,
		descriptors: make(map[mem.Frame]*descriptor),
		areas:       make(map[*vmm.AddressSpace][]area),
	}
}

func (m *Manager) addArea(as *vmm.AddressSpace, start, end uint32) *kernel.Error {
	list := m.areas[as]
	for _, a := range list {
		if start < a.End && a.Start < end {
			return errOverlapsArea
		}
	}
	list = append(list, area{Start: start, End: end})
	m.areas[as] = list
	return nil
}

func (m *Manager) descriptorFor(f mem.Frame) *descriptor {
	d, ok := m.descriptors[f]
	if !ok {
		// The frame already has one mapping (the parent's, pre-fork) before
		// Fork ever reaches this frame, so a brand new descriptor starts at
		// refcount 1 rather than 0; Fork's own increment below then accounts
		// for the child's new mapping.
		d = &descriptor{refcount: 1}
		m.descriptors[f] = d
	}
	return d
}

// Fork shares every present mapping in [start, end) of parent with child:
// the parent's entries are marked read-only, the child gets identical
// read-only entries over the same frames, and each shared frame's
// descriptor refcount is incremented. Both address spaces' non-present
// entries in the range are left untouched.
func (m *Manager) Fork(child, parent *vmm.AddressSpace, start, end uint32) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if err := m.addArea(parent, start, end); err != nil {
		return err
	}
	if err := m.addArea(child, start, end); err != nil {
		return err
	}

	for vaddr := start; vaddr < end; vaddr += mem.PageSize {
		raw, ok := m.vm.GetPTERaw(parent, vaddr)
		if !ok {
			continue
		}
		pte := vmm.DecodePTE(raw)
		if !pte.Present {
			continue
		}

		pte.Writable = false
		if err := m.vm.SetPTERaw(parent, vaddr, pte.Encode()); err != nil {
			return err
		}
		if err := m.vm.SetPTERaw(child, vaddr, pte.Encode()); err != nil {
			return err
		}

		m.descriptorFor(mem.Frame(pte.Frame)).refcount++
	}

	return nil
}

// HandleWriteFault implements vmm.WriteFaultHandler. It resolves a write
// fault on a present, read-only page that is actually COW-tracked; for any
// other present read-only page (one this manager never forked) it reports
// false so dispatch can fall through.
func (m *Manager) HandleWriteFault(as *vmm.AddressSpace, vaddr uint32) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	raw, ok := m.vm.GetPTERaw(as, vaddr)
	if !ok {
		return false
	}
	pte := vmm.DecodePTE(raw)
	if !pte.Present || pte.Writable {
		return false
	}

	d, tracked := m.descriptors[mem.Frame(pte.Frame)]
	if !tracked {
		return false
	}

	if d.refcount <= 1 {
		// sole remaining owner: just reclaim write access in place.
		delete(m.descriptors, mem.Frame(pte.Frame))
		pte.Writable = true
		if err := m.vm.SetPTERaw(as, vaddr, pte.Encode()); err != nil {
			logf("failed to reinstate write access at %#x: %v\n", vaddr, err)
			return false
		}
		return true
	}

	newFrame, err := m.vm.AllocDataFrame()
	if err != nil {
		logf("copy-on-write split at %#x failed: %v\n", vaddr, err)
		return false
	}
	copy(m.vm.DataBytes(newFrame), m.vm.DataBytes(mem.Frame(pte.Frame)))

	newPTE := pte
	newPTE.Frame = uint32(newFrame)
	newPTE.Writable = true
	if err := m.vm.SetPTERaw(as, vaddr, newPTE.Encode()); err != nil {
		m.vm.FreeDataFrame(newFrame)
		return false
	}

	d.refcount--
	return true
}

// Cleanup releases every COW-tracked mapping reachable from as's tracked
// areas: each entry is cleared from as's page table first, then its
// descriptor is decremented and, at zero, the backing frame is freed. The
// mapping must be removed before the reference is dropped, or a stale
// present entry would keep pointing at a frame the allocator may already
// have handed to someone else. Called as part of destroying an address
// space, before the VMM frees the space's remaining non-tracked mappings.
func (m *Manager) Cleanup(as *vmm.AddressSpace) {
	m.lock.Acquire()
	defer m.lock.Release()

	for _, a := range m.areas[as] {
		for vaddr := a.Start; vaddr < a.End; vaddr += mem.PageSize {
			raw, ok := m.vm.GetPTERaw(as, vaddr)
			if !ok {
				continue
			}
			pte := vmm.DecodePTE(raw)
			if !pte.Present {
				continue
			}

			d, tracked := m.descriptors[mem.Frame(pte.Frame)]
			if !tracked {
				continue
			}

			if err := m.vm.SetPTERaw(as, vaddr, 0); err != nil {
				logf("failed to clear mapping at %#x during cleanup: %v\n", vaddr, err)
				continue
			}

			d.refcount--
			if d.refcount <= 0 {
				delete(m.descriptors, mem.Frame(pte.Frame))
				m.vm.FreeDataFrame(mem.Frame(pte.Frame))
			}
		}
	}

	delete(m.areas, as)
}

// Validate checks every tracked descriptor has a positive refcount,
// returning a corruption error naming the first violation found. It never
// mutates state; Sweep is what actually repairs a violation.
func (m *Manager) Validate() *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	for f, d := range m.descriptors {
		if d.refcount <= 0 {
			return kernel.Errorf("cow", "frame %d has a non-positive refcount (%d)", f, d.refcount)
		}
	}
	return nil
}

// Sweep removes any descriptor left at a non-positive refcount (a sign of a
// missed Cleanup call) and returns its frame to the physical allocator. It
// reports how many descriptors it repaired.
func (m *Manager) Sweep() int {
	m.lock.Acquire()
	defer m.lock.Release()

	repaired := 0
	for f, d := range m.descriptors {
		if d.refcount <= 0 {
			delete(m.descriptors, f)
			m.vm.FreeDataFrame(f)
			repaired++
		}
	}
	return repaired
}

// RefCount reports the current descriptor refcount for f, or 0 if f isn't
// tracked. Exposed for statistics and tests.
func (m *Manager) RefCount(f mem.Frame) int {
	m.lock.Acquire()
	defer m.lock.Release()

	if d, ok := m.descriptors[f]; ok {
		return d.refcount
	}
	return 0
}

// TrackedFrames reports how many distinct frames are currently shared
// copy-on-write, for the statistics surface.
func (m *Manager) TrackedFrames() int {
	m.lock.Acquire()
	defer m.lock.Release()
	return len(m.descriptors)
}

// TotalRefs sums every live descriptor's refcount: the number of
// (address space, vaddr) mappings currently aliasing a shared frame.
func (m *Manager) TotalRefs() int {
	m.lock.Acquire()
	defer m.lock.Release()

	total := 0
	for _, d := range m.descriptors {
		total += d.refcount
	}
	return total
}
