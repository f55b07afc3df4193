package slab

import (
	"testing"

	"github.com/kkmonlee/kmOS/kernel/mem"
)

func TestSlobCacheAllocZeroReturnsError(t *testing.T) {
	b := newTestBuddy(16, 4)
	c := NewGenericSlob("generic", mem.Size(4096), b)

	if _, err := c.AllocSize(0); err == nil {
		t.Fatal("expected an error allocating size 0")
	}
}

func TestSlobCacheSplitsOversizedFreeBlock(t *testing.T) {
	b := newTestBuddy(16, 4)
	c := NewGenericSlob("generic", mem.Size(4096), b)

	h1, err := c.AllocSize(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := c.AllocSize(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h1 == h2 {
		t.Fatal("two live allocations must not share an offset")
	}
	r1, _ := h1.split()
	r2, _ := h2.split()
	if r1 != 0 || r2 != 0 || len(c.regions) != 1 {
		t.Fatalf("expected both blocks to be split from the first region, got regions %d and %d of %d", r1, r2, len(c.regions))
	}

	buf1 := c.Bytes(h1)
	buf2 := c.Bytes(h2)
	buf1[0] = 0xAA
	buf2[0] = 0xBB
	if buf1[0] == buf2[0] {
		t.Fatal("allocations must not alias each other's payload")
	}
}

func TestSlobCacheCoalescesAdjacentFreeBlocks(t *testing.T) {
	b := newTestBuddy(16, 4)
	c := NewGenericSlob("generic", mem.Size(4096), b)

	h1, _ := c.AllocSize(64)
	h2, _ := c.AllocSize(64)
	h3, _ := c.AllocSize(64)

	c.Free(h1)
	c.Free(h2)
	c.Free(h3)

	// after freeing three adjacent blocks in the same region, they and the
	// trailing remainder must have merged back into one free block spanning
	// the whole region, and a later request must be served from it without
	// requesting a fresh region.
	r := c.regions[0]
	if r.freeHead != 0 || getNext(r.header(0)) != -1 || r.getSize(0) != len(r.data)-slobHeaderSize {
		t.Fatalf("expected a single free block spanning the region, got head=%d size=%d", r.freeHead, r.getSize(int(r.freeHead)))
	}

	regionsBefore := len(c.regions)

	if _, err := c.AllocSize(64 * 2); err != nil {
		t.Fatalf("expected coalesced space to satisfy a larger request: %v", err)
	}

	if len(c.regions) != regionsBefore {
		t.Fatalf("expected no new region to be requested; coalescing should have made room")
	}
}

func TestSlobCacheFreeOfUnallocatedOffsetIsTolerated(t *testing.T) {
	b := newTestBuddy(16, 4)
	c := NewGenericSlob("generic", mem.Size(4096), b)

	h, _ := c.AllocSize(64)
	c.Free(h)

	// freeing the same handle twice must not panic.
	c.Free(h)
}

func TestSlobCacheFixedSizeWrapper(t *testing.T) {
	b := newTestBuddy(16, 4)
	c := NewSlobCache("fixed-128", 128, mem.Size(4096), b)

	h, err := c.Alloc()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(c.Bytes(h)); got != 128 {
		t.Fatalf("expected 128-byte payload, got %d", got)
	}
}
