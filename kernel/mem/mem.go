// Package mem holds the page-size constants and simulated physical-memory
// arena shared by every core subsystem. A real freestanding kernel
// would address physical RAM directly; this module simulates RAM as a
// single byte arena indexed by Frame, giving the COW page-copy and swap
// read/write device callbacks real bytes to operate on while keeping every
// other package architecture-agnostic.
package mem

// PageShift is the base-2 exponent of the page size.
const PageShift = 12

// PageSize is the size of a single page/frame in bytes (4 KiB).
const PageSize = 1 << PageShift

// PageOffsetMask masks the in-page offset bits of an address.
const PageOffsetMask = PageSize - 1
