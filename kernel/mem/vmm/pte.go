// Package vmm implements the virtual-memory manager: it owns address
// spaces, walks their two-level page tables to map/unmap/translate, and
// dispatches page faults. The page-table entry format is a single 32-bit
// word, matching classic non-PAE x86 paging, so every table is a plain
// []byte region whose 4-byte-aligned words this package encodes and decodes
// directly; no Go struct ever stands between a table and its backing frame.
package vmm

import "encoding/binary"

// PTE is the decoded form of one page-table entry (top-level or leaf; both
// levels share the same 32-bit layout).
type PTE struct {
	Present       bool
	Writable      bool
	User          bool
	WriteThrough  bool
	CacheDisabled bool
	Accessed      bool
	Dirty         bool
	PAT           bool
	Global        bool
	Available     uint8  // 3 bits
	Frame         uint32 // 20 bits

	// Swap fields are only meaningful when Present is false and the raw
	// word is non-zero (a swap-entry encoding reusing the same 32 bits).
	SwapDevice uint8  // 8 bits
	SwapSlot   uint32 // 23 bits: reserving bit 0 strictly for Present leaves
	// only 31 spare bits, one short of a full 24-bit slot field. 23 bits
	// still covers far more than the 65536-slot (2^16) device size actually
	// configured, with headroom left for a future generation tag.
}

const (
	bitPresent = 1 << 0
	bitWritable = 1 << 1
	bitUser = 1 << 2
	bitWriteThrough = 1 << 3
	bitCacheDisabled = 1 << 4
	bitAccessed = 1 << 5
	bitDirty = 1 << 6
	bitPAT = 1 << 7
	bitGlobal = 1 << 8
	availShift = 9
	availMask  = 0x7
	frameShift = 12

	swapDeviceShift = 1
	swapDeviceMask  = 0xFF
	swapSlotShift   = 9
	swapSlotMask    = 0x7FFFFF
)

// Encode packs e into its 32-bit on-"disk" representation.
func (e PTE) Encode() uint32 {
	if !e.Present {
		if e.SwapDevice == 0 && e.SwapSlot == 0 {
			return 0
		}
		return (uint32(e.SwapDevice) << swapDeviceShift) | (e.SwapSlot << swapSlotShift)
	}

	var v uint32 = bitPresent
	if e.Writable {
		v |= bitWritable
	}
	if e.User {
		v |= bitUser
	}
	if e.WriteThrough {
		v |= bitWriteThrough
	}
	if e.CacheDisabled {
		v |= bitCacheDisabled
	}
	if e.Accessed {
		v |= bitAccessed
	}
	if e.Dirty {
		v |= bitDirty
	}
	if e.PAT {
		v |= bitPAT
	}
	if e.Global {
		v |= bitGlobal
	}
	v |= uint32(e.Available&availMask) << availShift
	v |= e.Frame << frameShift
	return v
}

// DecodePTE unpacks a raw 32-bit word. When the present bit is clear, the
// swap fields are populated from the remaining bits regardless of whether
// they're zero; callers distinguish "never mapped" (raw == 0) from
// "swapped out" (raw != 0 and !Present) by inspecting the raw word, which
// IsSwapEncoded does for them.
func DecodePTE(raw uint32) PTE {
	if raw&bitPresent != 0 {
		return PTE{
			Present:       true,
			Writable:      raw&bitWritable != 0,
			User:          raw&bitUser != 0,
			WriteThrough:  raw&bitWriteThrough != 0,
			CacheDisabled: raw&bitCacheDisabled != 0,
			Accessed:      raw&bitAccessed != 0,
			Dirty:         raw&bitDirty != 0,
			PAT:           raw&bitPAT != 0,
			Global:        raw&bitGlobal != 0,
			Available:     uint8((raw >> availShift) & availMask),
			Frame:         raw >> frameShift,
		}
	}
	return PTE{
		SwapDevice: uint8((raw >> swapDeviceShift) & swapDeviceMask),
		SwapSlot:   (raw >> swapSlotShift) & swapSlotMask,
	}
}

// IsSwapEncoded reports whether a not-present entry actually carries a
// swap handle, as opposed to an address that was simply never mapped.
func IsSwapEncoded(raw uint32) bool {
	return raw&bitPresent == 0 && raw != 0
}

func getEntry(table []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(table[idx*4 : idx*4+4])
}

func putEntry(table []byte, idx int, raw uint32) {
	binary.LittleEndian.PutUint32(table[idx*4:idx*4+4], raw)
}
