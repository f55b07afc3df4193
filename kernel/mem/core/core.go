// Package core assembles the memory layers into one subsystem: it owns
// construction in dependency order, teardown in reverse, and the
// statistics surface a caller queries across every layer at once.
package core

import (
	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/alloc"
	"github.com/kkmonlee/kmOS/kernel/mem/buddy"
	"github.com/kkmonlee/kmOS/kernel/mem/cow"
	"github.com/kkmonlee/kmOS/kernel/mem/pmm"
	"github.com/kkmonlee/kmOS/kernel/mem/replace"
	"github.com/kkmonlee/kmOS/kernel/mem/stack"
	"github.com/kkmonlee/kmOS/kernel/mem/swap"
	"github.com/kkmonlee/kmOS/kernel/mem/vmm"
)

// Config sizes and configures every layer. New uses every field exactly as
// given, zero values included; start from Default() and override fields to
// get the stock sizing.
type Config struct {
	DataFrames     uint64 // size of the physical frame pool
	ReservedFrames uint64 // low-memory frames pre-marked in use

	TableZoneOrder int // log2(frame count) of the buddy table/object zone

	StackMaxBytes mem.Size // cap on the stack allocator

	Mode alloc.Mode // initial façade system-mode policy

	LazyHeapStart, LazyHeapEnd uint32 // demand-paged kernel heap range
	COWStart, COWEnd           uint32 // copy-on-write-eligible range
}

// Default returns a Config sized for a small teaching instance.
func Default() Config {
	return Config{
		DataFrames:     4096,
		ReservedFrames: 16,
		TableZoneOrder: buddy.MaxOrder,
		StackMaxBytes:  mem.Size(256 * mem.PageSize),
		Mode:           alloc.Desktop,
		LazyHeapStart:  uint32(vmm.KernelSplitTopIndex) << 22,
		LazyHeapEnd:    uint32(vmm.KernelSplitTopIndex)<<22 + 0x10000000,
		COWStart:       0,
		COWEnd:         uint32(vmm.KernelSplitTopIndex) << 22,
	}
}

// MemoryCore wires every layer together behind one handle.
type MemoryCore struct {
	Frames  *pmm.BitmapAllocator
	Tables  *buddy.Allocator
	Stack   *stack.Allocator
	Facade  *alloc.Allocator
	VMM     *vmm.Manager
	COW     *cow.Manager
	Replace *replace.Manager
	Swap    *swap.Manager
}

// New constructs every layer in dependency order: frames, buddy, stack, a façade
// with no reclaimer yet, the VMM, the COW manager (registered as the write-fault handler),
// replacement, and swap (registered as the swap-in handler and finally attached to the façade as
// its reclaimer).
func New(cfg Config) *MemoryCore {
	dataRAM := mem.NewRAM(cfg.DataFrames)
	frames := pmm.New(dataRAM, cfg.ReservedFrames)

	tableRAM := mem.NewRAM(uint64(1) << uint(cfg.TableZoneOrder))
	tables := buddy.New(tableRAM, cfg.TableZoneOrder)

	st := stack.New(frames, cfg.StackMaxBytes)

	facade := alloc.New(cfg.Mode, tables, st, nil)

	vm := vmm.New(tables, frames)
	vm.SetLazyHeapRange(cfg.LazyHeapStart, cfg.LazyHeapEnd)
	vm.SetCOWRange(cfg.COWStart, cfg.COWEnd)

	cowMgr := cow.New(vm)
	vm.SetWriteFaultHandler(cowMgr)

	replaceMgr := replace.New()

	swapMgr := swap.New(vm, replaceMgr)
	vm.SetSwapInHandler(swapMgr)

	facade.SetReclaimer(swapMgr)

	return &MemoryCore{
		Frames:  frames,
		Tables:  tables,
		Stack:   st,
		Facade:  facade,
		VMM:     vm,
		COW:     cowMgr,
		Replace: replaceMgr,
		Swap:    swapMgr,
	}
}

// Close tears down every layer in reverse construction order.
func (c *MemoryCore) Close() {
	c.Swap.Close()
	c.Stack.Destroy()
}

// Stats is the external statistics surface spanning every layer.
type Stats struct {
	FramesUsed  uint64
	FramesTotal uint64

	BuddyFreeFrames uint64
	BuddyZoneFrames uint64

	Alloc alloc.Stats

	COWTrackedFrames int
	COWRefs          int

	ReplaceTracked      int
	ReplaceAlgorithm    replace.Algorithm
	AlgorithmHitsMisses map[replace.Algorithm]replace.Stats

	SwapActiveDevices int
	SwapIns           uint64
	SwapOuts          uint64
	ReclaimAttempts   uint64
	PressureLevel     swap.Pressure
}

// Stats snapshots the statistics surface across every layer.
func (c *MemoryCore) Stats() Stats {
	framesUsed := c.Frames.FramesUsed()
	framesTotal := c.Frames.FramesTotal()

	hitsMisses := make(map[replace.Algorithm]replace.Stats, 4)
	for _, a := range []replace.Algorithm{replace.LRU, replace.FIFO, replace.Clock, replace.EnhancedLRU} {
		hitsMisses[a] = c.Replace.StatsFor(a)
	}

	swapStats := c.Swap.Stats()

	return Stats{
		FramesUsed:          framesUsed,
		FramesTotal:         framesTotal,
		BuddyFreeFrames:     c.Tables.FreeFrames(),
		BuddyZoneFrames:     c.Tables.ZoneFrames(),
		Alloc:               c.Facade.Stats(),
		COWTrackedFrames:    c.COW.TrackedFrames(),
		COWRefs:             c.COW.TotalRefs(),
		ReplaceTracked:      c.Replace.Tracked(),
		ReplaceAlgorithm:    c.Replace.Algorithm(),
		AlgorithmHitsMisses: hitsMisses,
		SwapActiveDevices:   swapStats.ActiveDevices,
		SwapIns:             swapStats.SwapIns,
		SwapOuts:            swapStats.SwapOuts,
		ReclaimAttempts:     swapStats.ReclaimAttempts,
		PressureLevel:       swap.PressureFromUsage(framesUsed, framesTotal, false),
	}
}

// Tune re-evaluates memory pressure from the current frame usage and
// switches the replacement algorithm accordingly. It returns the algorithm now active.
func (c *MemoryCore) Tune() replace.Algorithm {
	pressure := swap.PressureFromUsage(c.Frames.FramesUsed(), c.Frames.FramesTotal(), false)
	pct := pressureToPercent(pressure)
	return c.Replace.AutoTune(pct)
}

// pressureToPercent maps a Pressure level back to a representative
// percentage AutoTune's own threshold table agrees with, so Tune can drive
// the replacement manager from the swap classification without duplicating the threshold numbers.
func pressureToPercent(p swap.Pressure) int {
	switch p {
	case swap.PressureNone:
		return 0
	case swap.PressureLow:
		return 60
	case swap.PressureMedium:
		return 85
	case swap.PressureHigh:
		return 92
	default:
		return 99
	}
}

// CreateAddressSpace is a thin convenience wrapper over VMM.CreateAddressSpace
// kept here so callers working purely through MemoryCore never need to
// reach into c.VMM directly for the common path.
func (c *MemoryCore) CreateAddressSpace() (*vmm.AddressSpace, *kernel.Error) {
	return c.VMM.CreateAddressSpace()
}

// DestroyAddressSpace releases everything as owns, in the one order that
// frees each frame exactly once: copy-on-write mappings are cleared and
// their refcounts settled first, swap/replacement tracking for the space is
// dropped, and only then does the VMM free the remaining exclusively-owned
// frames and the page tables themselves.
func (c *MemoryCore) DestroyAddressSpace(as *vmm.AddressSpace) {
	c.COW.Cleanup(as)
	c.Swap.ForgetAddressSpace(as)
	c.VMM.DestroyAddressSpace(as)
}
