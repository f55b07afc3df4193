package pmm

import (
	"testing"

	"github.com/kkmonlee/kmOS/kernel/mem"
)

func newTestAllocator(frames, reserved uint64) *BitmapAllocator {
	return New(mem.NewRAM(frames), reserved)
}

func TestAllocFrameFirstFit(t *testing.T) {
	a := newTestAllocator(4, 0)

	f0, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f0 != 0 {
		t.Fatalf("expected first allocation to return frame 0, got %d", f0)
	}

	f1, err := a.AllocFrame()
	if err != nil || f1 != 1 {
		t.Fatalf("expected frame 1, got %d, err %v", f1, err)
	}

	if got := a.FramesUsed(); got != 2 {
		t.Fatalf("expected 2 frames used, got %d", got)
	}
}

func TestReservedLowMemoryBoundary(t *testing.T) {
	a := newTestAllocator(8, 3)

	if got := a.FramesUsed(); got != 3 {
		t.Fatalf("expected 3 reserved frames pre-marked in use, got %d", got)
	}

	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != 3 {
		t.Fatalf("expected first free frame past the reserved boundary (3), got %d", f)
	}
}

func TestAllocFrameExhaustion(t *testing.T) {
	a := newTestAllocator(2, 0)

	if _, err := a.AllocFrame(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.AllocFrame(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := a.AllocFrame(); err == nil {
		t.Fatal("expected out-of-memory error on exhausted pool")
	}
}

func TestFreeFrameRoundTrip(t *testing.T) {
	a := newTestAllocator(4, 0)

	before := a.FramesUsed()
	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.FreeFrame(f)

	if got := a.FramesUsed(); got != before {
		t.Fatalf("expected used-frame count to return to %d after matched alloc/free, got %d", before, got)
	}

	// the freed frame must be reusable
	f2, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f2 != f {
		t.Fatalf("expected the freed frame %d to be reallocated, got %d", f, f2)
	}
}

func TestFreeAlreadyFreeFrameIsTolerated(t *testing.T) {
	a := newTestAllocator(4, 0)

	// freeing a never-allocated frame must not panic and must not affect
	// the used-frame count; it's a caller contract violation tolerated
	// silently.
	a.FreeFrame(mem.Frame(1))

	if got := a.FramesUsed(); got != 0 {
		t.Fatalf("expected used count to stay 0, got %d", got)
	}
}

func TestFramesUsedEqualsBitmapPopcount(t *testing.T) {
	a := newTestAllocator(128, 0)

	var allocated []mem.Frame
	for i := 0; i < 37; i++ {
		f, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		allocated = append(allocated, f)
	}

	var popcount uint64
	for _, w := range a.bitmap {
		for w != 0 {
			popcount += w & 1
			w >>= 1
		}
	}

	if got := a.FramesUsed(); got != popcount || got != uint64(len(allocated)) {
		t.Fatalf("invariant violated: used=%d popcount=%d allocated=%d", got, popcount, len(allocated))
	}
}
