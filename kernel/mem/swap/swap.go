// Package swap implements the swap manager: it moves pages between
// physical frames and device-backed slots under memory pressure, backing
// the VMM's not-present fault handling and the façade's reclaim path.
package swap

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/kfmt"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/replace"
	"github.com/kkmonlee/kmOS/kernel/mem/vmm"
	"github.com/kkmonlee/kmOS/kernel/sync"
)

// slotsPerDevice is the fixed bitmap size activated for every device. Slot 0
// is always reserved for the device's FileHeader, leaving
// slotsPerDevice-1 slots for actual page data.
const slotsPerDevice = 65536

const wordBits = 64

var (
	errNoDevice   = &kernel.Error{Module: "swap", Message: "no device at that index"}
	errDeviceFull = &kernel.Error{Module: "swap", Message: "device has no free slots"}
	errNotPresent = &kernel.Error{Module: "swap", Message: "address has no present mapping to swap out"}
	errBadPage    = &kernel.Error{Module: "swap", Message: "slot is marked bad"}
)

// logf tags a diagnostic line with this package's prefix through
// kfmt.PrefixWriter rather than folding the tag into the format string.
func logf(format string, args ...interface{}) {
	w := kfmt.PrefixWriter{Sink: kfmt.Writer(), Prefix: []byte("[swap] ")}
	kfmt.Fprintf(&w, format, args...)
}

// Pressure is the memory-pressure level replacement auto-tuning and reclaim
// urgency are driven by.
type Pressure int

const (
	PressureNone Pressure = iota
	PressureLow
	PressureMedium
	PressureHigh
	PressureCritical
)

// PressureFromUsage classifies (used/total) frame usage into a Pressure
// level using a fixed threshold table. allocFailed forces Critical
// regardless of the percentage, matching the table's "or alloc failure"
// clause.
func PressureFromUsage(used, total uint64, allocFailed bool) Pressure {
	if allocFailed || total == 0 {
		return PressureCritical
	}
	pct := used * 100 / total
	switch {
	case pct >= 98:
		return PressureCritical
	case pct < 50:
		return PressureNone
	case pct < 80:
		return PressureLow
	case pct < 90:
		return PressureMedium
	default: // 90-97
		return PressureHigh
	}
}

type device struct {
	dev      Device
	priority int
	bitmap   []uint64 // slot 0 is pre-marked used (reserved for the header)
	used     uint64
	badPages map[uint32]bool
}

func newDevice(d Device, priority int) *device {
	dv := &device{
		dev:      d,
		priority: priority,
		bitmap:   make([]uint64, (slotsPerDevice+wordBits-1)/wordBits),
		badPages: make(map[uint32]bool),
	}
	dv.setBit(0)
	dv.used = 1
	return dv
}

// hasFreeSlot reports whether dv can still satisfy an allocSlot call.
func (d *device) hasFreeSlot() bool { return d.used < slotsPerDevice }

func (d *device) setBit(slot uint32) { d.bitmap[slot/wordBits] |= 1 << (slot % wordBits) }
func (d *device) clearBit(slot uint32) { d.bitmap[slot/wordBits] &^= 1 << (slot % wordBits) }
func (d *device) bitSet(slot uint32) bool {
	return d.bitmap[slot/wordBits]&(1<<(slot%wordBits)) != 0
}

func (d *device) allocSlot() (uint32, *kernel.Error) {
	for word := range d.bitmap {
		if d.bitmap[word] == ^uint64(0) {
			continue
		}
		for bit := uint32(0); bit < wordBits; bit++ {
			slot := uint32(word)*wordBits + bit
			if slot >= slotsPerDevice {
				break
			}
			if d.bitmap[word]&(1<<bit) == 0 && !d.badPages[slot] {
				d.bitmap[word] |= 1 << bit
				d.used++
				return slot, nil
			}
		}
	}
	return 0, errDeviceFull
}

// markBad reserves slot permanently. The bitmap bit is set alongside the
// bad-page record so used always stays equal to the bitmap's popcount.
func (d *device) markBad(slot uint32) {
	if d.badPages[slot] {
		return
	}
	d.badPages[slot] = true
	if !d.bitSet(slot) {
		d.setBit(slot)
		d.used++
	}
}

func (d *device) freeSlot(slot uint32) {
	if !d.bitSet(slot) {
		return
	}
	d.clearBit(slot)
	d.used--
}

// pageOwner records which address space and virtual address currently map
// a tracked frame, the reverse mapping Reclaim needs to actually swap a
// replacement-manager victim out.
type pageOwner struct {
	as    *vmm.AddressSpace
	vaddr uint32
}

// Manager owns every activated device, the reverse mapping from
// tracked frames to their (address space, vaddr) owner, and implements
// both vmm.SwapInHandler and alloc.Reclaimer so the VMM and façade can drive it
// without depending on this package directly.
type Manager struct {
	vm      *vmm.Manager
	replace *replace.Manager

	lock    sync.Spinlock
	devices map[uint8]*device
	owners  map[mem.Frame]pageOwner

	swapIns, swapOuts, reclaimAttempts uint64
}

// Stats is the cumulative swap activity for the statistics surface.
type Stats struct {
	SwapIns         uint64
	SwapOuts        uint64
	ReclaimAttempts uint64
	ActiveDevices   int
}

// Stats returns a snapshot of the manager's activity counters.
func (m *Manager) Stats() Stats {
	m.lock.Acquire()
	defer m.lock.Release()
	return Stats{
		SwapIns:         m.swapIns,
		SwapOuts:        m.swapOuts,
		ReclaimAttempts: m.reclaimAttempts,
		ActiveDevices:   len(m.devices),
	}
}

// New creates a swap manager with no devices activated yet.
func New(vm *vmm.Manager, replace *replace.Manager) *Manager {
	return &Manager{
		vm:      vm,
		replace: replace,
		devices: make(map[uint8]*device),
		owners:  make(map[mem.Frame]pageOwner),
	}
}

// SwapOn activates d at deviceIdx with the given priority. Higher priority
// values are preferred by SwapOut's device selection. If d already holds a
// valid FileHeader at slot 0 (from a previous SwapOff), its bad-page list is
// restored.
func (m *Manager) SwapOn(deviceIdx uint8, d Device, priority int) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if err := d.Activate(); err != nil {
		return err
	}

	dv := newDevice(d, priority)

	buf := make([]byte, mem.PageSize)
	if err := d.ReadPage(0, buf); err == nil {
		if hdr, herr := DecodeFileHeader(buf); herr == nil {
			for _, slot := range hdr.BadPages {
				dv.markBad(slot)
			}
		}
	}

	m.devices[deviceIdx] = dv
	return nil
}

// SwapOff persists a FileHeader recording the device's bad-page list and
// deactivates it. Any slots still holding live data are simply abandoned;
// callers are expected to have already migrated live pages off the device.
func (m *Manager) SwapOff(deviceIdx uint8) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	dv, ok := m.devices[deviceIdx]
	if !ok {
		return errNoDevice
	}

	hdr := FileHeader{LastPageCount: uint32(dv.used)}
	for slot := range dv.badPages {
		hdr.BadPages = append(hdr.BadPages, slot)
	}
	buf := make([]byte, mem.PageSize)
	copy(buf, hdr.Encode())
	dv.dev.WritePage(0, buf)

	err := dv.dev.Deactivate()
	delete(m.devices, deviceIdx)
	return err
}

// MarkBad permanently excludes slot on deviceIdx from future allocation.
func (m *Manager) MarkBad(deviceIdx uint8, slot uint32) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	dv, ok := m.devices[deviceIdx]
	if !ok {
		return errNoDevice
	}
	dv.markBad(slot)
	return nil
}

// bestDevice picks the highest-priority active device that still has a free
// slot, breaking ties in favor of the lower device index.
func (m *Manager) bestDevice() (uint8, bool) {
	var best uint8
	var bestPriority int
	found := false

	for idx, dv := range m.devices {
		if !dv.hasFreeSlot() {
			continue
		}
		if !found || dv.priority > bestPriority || (dv.priority == bestPriority && idx < best) {
			best, bestPriority, found = idx, dv.priority, true
		}
	}
	return best, found
}

// ActiveDevices reports how many devices are currently activated, for the
// statistics surface.
func (m *Manager) ActiveDevices() int {
	m.lock.Acquire()
	defer m.lock.Release()
	return len(m.devices)
}

// Close deactivates every remaining active device, persisting each one's
// FileHeader.
func (m *Manager) Close() {
	m.lock.Acquire()
	indices := make([]uint8, 0, len(m.devices))
	for idx := range m.devices {
		indices = append(indices, idx)
	}
	m.lock.Release()

	for _, idx := range indices {
		m.SwapOff(idx)
	}
}

// TrackPage registers f as swappable: the replacement manager starts tracking it as an eviction
// candidate, and this manager remembers which mapping to rewrite if it's
// ever chosen as a victim.
func (m *Manager) TrackPage(f mem.Frame, as *vmm.AddressSpace, vaddr uint32) {
	m.lock.Acquire()
	defer m.lock.Release()

	m.owners[f] = pageOwner{as: as, vaddr: vaddr}
	m.replace.AddPage(f)
}

// UntrackPage stops treating f as swappable (it was freed by some other
// path, e.g. explicit Unmap or a COW cleanup).
func (m *Manager) UntrackPage(f mem.Frame) {
	m.lock.Acquire()
	defer m.lock.Release()

	delete(m.owners, f)
	m.replace.RemovePage(f)
}

// ForgetAddressSpace drops swappability tracking for every frame owned by
// as, for callers tearing the whole space down. Only the tracking is
// removed; the frames themselves are freed by whoever owns the teardown.
func (m *Manager) ForgetAddressSpace(as *vmm.AddressSpace) {
	m.lock.Acquire()
	defer m.lock.Release()

	for f, own := range m.owners {
		if own.as == as {
			delete(m.owners, f)
			m.replace.RemovePage(f)
		}
	}
}

// NoteAccess forwards to the replacement manager so repeated translations
// of a tracked page keep its recency/access-count bookkeeping current.
func (m *Manager) NoteAccess(f mem.Frame) {
	m.replace.NoteAccess(f)
}

// SwapOut writes the page currently mapped at vaddr in as out to deviceIdx
// and replaces its mapping with a swap-encoded entry.
func (m *Manager) SwapOut(as *vmm.AddressSpace, vaddr uint32, deviceIdx uint8) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	dv, ok := m.devices[deviceIdx]
	if !ok {
		return errNoDevice
	}

	raw, haveLeaf := m.vm.GetPTERaw(as, vaddr)
	if !haveLeaf {
		return errNotPresent
	}
	pte := vmm.DecodePTE(raw)
	if !pte.Present {
		return errNotPresent
	}

	slot, err := dv.allocSlot()
	if err != nil {
		return err
	}

	if err := dv.dev.WritePage(slot, m.vm.DataBytes(mem.Frame(pte.Frame))); err != nil {
		dv.freeSlot(slot)
		return err
	}

	swapPTE := vmm.PTE{SwapDevice: deviceIdx, SwapSlot: slot}
	if err := m.vm.SetPTERaw(as, vaddr, swapPTE.Encode()); err != nil {
		dv.freeSlot(slot)
		return err
	}

	f := mem.Frame(pte.Frame)
	m.vm.FreeDataFrame(f)
	delete(m.owners, f)
	m.replace.RemovePage(f)
	m.swapOuts++
	return nil
}

// SwapIn implements vmm.SwapInHandler: it reads the page back from device
// and reinstalls a present mapping. The original Writable/User bits aren't
// recoverable from the swap encoding (device_index and slot_offset alone
// fill every bit left once Present is clear), so the reinstalled mapping is
// writable and its User bit is inferred from which side of the kernel/user
// split vaddr falls on.
func (m *Manager) SwapIn(as *vmm.AddressSpace, vaddr uint32, deviceIdx uint8, slot uint32) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	dv, ok := m.devices[deviceIdx]
	if !ok {
		kfmt.Printf("[swap] swap_in referenced unknown device %d\n", deviceIdx)
		return false
	}
	if dv.badPages[slot] {
		kfmt.Printf("[swap] swap_in referenced bad slot %d on device %d\n", slot, deviceIdx)
		return false
	}

	f, err := m.vm.AllocDataFrame()
	if err != nil {
		return false
	}

	if err := dv.dev.ReadPage(slot, m.vm.DataBytes(f)); err != nil {
		m.vm.FreeDataFrame(f)
		return false
	}

	isKernel := vaddr >= uint32(vmm.KernelSplitTopIndex)<<22
	newPTE := vmm.PTE{Present: true, Writable: true, User: !isKernel, Frame: uint32(f)}
	if err := m.vm.SetPTERaw(as, vaddr, newPTE.Encode()); err != nil {
		m.vm.FreeDataFrame(f)
		return false
	}

	dv.freeSlot(slot)
	m.owners[f] = pageOwner{as: as, vaddr: vaddr}
	m.replace.AddPage(f)
	m.swapIns++
	return true
}

// Reclaim implements alloc.Reclaimer: it asks the replacement manager for victims and swaps
// each one out until it has freed pages frames or run out of victims or
// devices.
func (m *Manager) Reclaim(pages uint64) uint64 {
	m.lock.Acquire()
	devIdx, haveDevice := m.bestDevice()
	m.lock.Release()
	if !haveDevice {
		return 0
	}

	var reclaimed uint64
	for reclaimed < pages {
		f, ok := m.replace.FindVictim()
		if !ok {
			break
		}

		m.lock.Acquire()
		m.reclaimAttempts++
		own, tracked := m.owners[f]
		m.lock.Release()

		if !tracked {
			m.replace.RemovePage(f)
			continue
		}

		if err := m.SwapOut(own.as, own.vaddr, devIdx); err != nil {
			break
		}
		reclaimed++
	}
	return reclaimed
}
