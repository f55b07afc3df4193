package slab

import "testing"

func TestSlubCacheBatchDrainAndRefill(t *testing.T) {
	b := newTestBuddy(4096, 11)
	c := NewSlubCache("objs-64", 64, 16, 4, 1, b)

	var handles []Handle
	for i := 0; i < 10; i++ {
		h, err := c.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: unexpected error: %v", i, err)
		}
		handles = append(handles, h)
	}

	seen := make(map[Handle]bool)
	for _, h := range handles {
		if seen[h] {
			t.Fatalf("handle %d allocated twice", h)
		}
		seen[h] = true
	}
}

func TestSlubCacheFreeOverflowsBatchIntoFallback(t *testing.T) {
	b := newTestBuddy(4096, 11)
	batchLimit := 4
	c := NewSlubCache("objs-64", 64, 16, batchLimit, 1, b)

	var handles []Handle
	for i := 0; i < 8; i++ {
		h, err := c.Alloc()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		c.Free(h)
	}

	cpu := &c.cpus[0]
	if len(cpu.batch) > batchLimit {
		t.Fatalf("batch must never exceed its limit of %d, got %d", batchLimit, len(cpu.batch))
	}
	if len(cpu.fallback) == 0 {
		t.Fatal("expected overflow frees to land in the fallback list once the batch filled up")
	}
}

func TestSlubCacheReallocAfterFreeRestoresAllocMagic(t *testing.T) {
	b := newTestBuddy(4096, 11)
	c := NewSlubCache("objs-64", 64, 16, 8, 1, b)

	h, err := c.Alloc()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Free(h)

	h2, err := c.Alloc()
	if err != nil {
		t.Fatalf("unexpected error reallocating: %v", err)
	}

	// freeing the reallocated handle must succeed cleanly, not be flagged
	// as corruption from the earlier free leaving a stale free-magic.
	before := len(c.cpus[0].batch) + len(c.cpus[0].fallback)
	c.Free(h2)
	after := len(c.cpus[0].batch) + len(c.cpus[0].fallback)

	if after != before+1 {
		t.Fatalf("expected the free to be accepted and land back in a per-CPU list, before=%d after=%d", before, after)
	}
}

func TestSlubCacheCorruptFreeIsIgnored(t *testing.T) {
	b := newTestBuddy(4096, 11)
	c := NewSlubCache("objs-64", 64, 16, 8, 1, b)

	h, err := c.Alloc()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Free(h)

	before := len(c.cpus[0].batch) + len(c.cpus[0].fallback)
	c.Free(h) // double free
	after := len(c.cpus[0].batch) + len(c.cpus[0].fallback)

	if after != before {
		t.Fatalf("expected double free to be ignored, before=%d after=%d", before, after)
	}
}
