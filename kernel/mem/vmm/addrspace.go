package vmm

import "github.com/kkmonlee/kmOS/kernel/mem"

const (
	topEntries  = 1024
	leafEntries = 1024
)

// KernelSplitTopIndex is the first top-level index reserved for the shared
// kernel range (vaddr 0xC0000000 and above, the classic 3 GiB/1 GiB split).
// Every address space's slots at or above this index point at the same leaf
// tables.
const KernelSplitTopIndex = 768

func splitVAddr(vaddr uint32) (topIdx, leafIdx int, offset uint32) {
	topIdx = int(vaddr >> 22)
	leafIdx = int((vaddr >> 12) & 0x3FF)
	offset = vaddr & mem.PageOffsetMask
	return
}

func isKernelTopIndex(topIdx int) bool { return topIdx >= KernelSplitTopIndex }

// AddressSpace is one two-level page-table tree: a top-level table of 1024
// entries, each either empty or pointing at a leaf table of 1024 entries,
// each either empty, pointing at a data frame, or holding a swap handle.
// Both levels use the exact same 32-bit PTE encoding and each table occupies
// exactly one physical frame (1024 entries * 4 bytes == mem.PageSize), so a
// table is never more than a view over its backing frame's bytes.
type AddressSpace struct {
	id       int
	topFrame mem.Frame
	topTable []byte

	// leafFrames caches which top-level indices have a leaf table and which
	// physical frame backs it, so Destroy doesn't need to re-decode the top
	// table to find what to free.
	leafFrames map[int]mem.Frame
}

func (as *AddressSpace) ID() int { return as.id }

func (as *AddressSpace) topEntry(topIdx int) uint32 {
	return getEntry(as.topTable, topIdx)
}

func (as *AddressSpace) setTopEntry(topIdx int, raw uint32) {
	putEntry(as.topTable, topIdx, raw)
}
