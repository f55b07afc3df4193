package swap

import "github.com/kkmonlee/kmOS/kernel"

// Device is the capability set every swap backing store implements:
// activate/deactivate bracket its usable lifetime, and read/write move
// exactly one page at a fixed slot.
type Device interface {
	Activate() *kernel.Error
	Deactivate() *kernel.Error
	ReadPage(slot uint32, dst []byte) *kernel.Error
	WritePage(slot uint32, src []byte) *kernel.Error
}
