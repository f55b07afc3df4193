package core

import (
	"testing"

	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/mem/replace"
	"github.com/kkmonlee/kmOS/kernel/mem/vmm"
)

type memDevice struct {
	data map[uint32][]byte
}

func newMemDevice() *memDevice { return &memDevice{data: make(map[uint32][]byte)} }

func (d *memDevice) Activate() *kernel.Error   { return nil }
func (d *memDevice) Deactivate() *kernel.Error { return nil }

func (d *memDevice) WritePage(slot uint32, src []byte) *kernel.Error {
	buf := make([]byte, len(src))
	copy(buf, src)
	d.data[slot] = buf
	return nil
}

func (d *memDevice) ReadPage(slot uint32, dst []byte) *kernel.Error {
	b, ok := d.data[slot]
	if !ok {
		return &kernel.Error{Module: "test", Message: "no data at that slot"}
	}
	copy(dst, b)
	return nil
}

func smallConfig() Config {
	cfg := Default()
	cfg.DataFrames = 256
	cfg.ReservedFrames = 0
	cfg.TableZoneOrder = 8
	cfg.StackMaxBytes = 64 * 4096
	return cfg
}

func TestNewWiresEveryLayer(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	if c.Frames == nil || c.Tables == nil || c.Stack == nil || c.Facade == nil ||
		c.VMM == nil || c.COW == nil || c.Replace == nil || c.Swap == nil {
		t.Fatal("expected every layer to be constructed")
	}
}

func TestSwapReclaimFreesTrackedFrameThroughRealVMM(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	as, err := c.CreateAddressSpace()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.VMM.Switch(as)

	dev := newMemDevice()
	if err := c.Swap.SwapOn(0, dev, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// map and track up to 64 data-pool pages so the real swap manager has
	// victims to pick from, then reclaim one of them directly.
	vaddr := uint32(0x00100000)
	tracked := 0
	for i := 0; i < 64; i++ {
		f, ferr := c.Frames.AllocFrame()
		if ferr != nil {
			break
		}
		if merr := c.VMM.Map(as, vaddr, f, vmm.MapFlags{Writable: true}); merr != nil {
			c.Frames.FreeFrame(f)
			break
		}
		c.Swap.TrackPage(f, as, vaddr)
		vaddr += 4096
		tracked++
	}
	if tracked == 0 {
		t.Fatal("expected to track at least one page")
	}

	if got := c.Swap.Reclaim(1); got != 1 {
		t.Fatalf("expected to reclaim exactly 1 page directly, got %d", got)
	}
}

func TestForkAndWriteFaultThroughRealVMM(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	parent, _ := c.CreateAddressSpace()
	child, _ := c.CreateAddressSpace()

	f, _ := c.Frames.AllocFrame()
	c.VMM.DataBytes(f)[0] = 0x42
	vaddr := uint32(0x00300000)
	if err := c.VMM.Map(parent, vaddr, f, vmm.MapFlags{Writable: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.COW.Fork(child, parent, vaddr, vaddr+4096); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.COW.RefCount(f); got != 2 {
		t.Fatalf("expected refcount 2 after fork, got %d", got)
	}

	c.VMM.Switch(child)
	result := c.VMM.HandleFault(vaddr, vmm.FaultError{Present: true, Write: true})
	if result != vmm.FaultHandled {
		t.Fatalf("expected the write fault to be handled, got %v", result)
	}

	newFrame, ok := c.VMM.Translate(child, vaddr)
	if !ok {
		t.Fatal("expected child to still have a present mapping after the write fault")
	}
	if newFrame == f {
		t.Fatal("expected child to have split onto a new frame")
	}
	if c.VMM.DataBytes(newFrame)[0] != 0x42 {
		t.Fatal("expected the split frame to carry over the original content")
	}

	parentFrame, _ := c.VMM.Translate(parent, vaddr)
	if parentFrame != f {
		t.Fatal("expected parent's mapping to be untouched by the child's split")
	}
	if got := c.COW.RefCount(f); got != 1 {
		t.Fatalf("expected refcount to drop back to 1 after the split, got %d", got)
	}
}

func TestDestroyAddressSpaceFreesCOWSharedFramesExactlyOnce(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	baseline := c.Frames.FramesUsed()

	parent, _ := c.CreateAddressSpace()
	child, _ := c.CreateAddressSpace()

	f, _ := c.Frames.AllocFrame()
	c.VMM.DataBytes(f)[0] = 0x7E
	vaddr := uint32(0x00300000)
	if err := c.VMM.Map(parent, vaddr, f, vmm.MapFlags{Writable: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.COW.Fork(child, parent, vaddr, vaddr+4096); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.DestroyAddressSpace(parent)

	// the shared frame must survive the parent's teardown: the child still
	// maps it and still reads the original content.
	got, ok := c.VMM.Translate(child, vaddr)
	if !ok || got != f {
		t.Fatalf("expected the child to keep frame %v after the parent's teardown, got %v ok=%v", f, got, ok)
	}
	if c.VMM.DataBytes(f)[0] != 0x7E {
		t.Fatal("expected the shared frame's content to be intact")
	}
	if refs := c.COW.RefCount(f); refs != 1 {
		t.Fatalf("expected refcount 1 with only the child left, got %d", refs)
	}

	c.DestroyAddressSpace(child)

	if used := c.Frames.FramesUsed(); used != baseline {
		t.Fatalf("expected frame usage to return to %d after both teardowns, got %d", baseline, used)
	}
	if tracked := c.COW.TrackedFrames(); tracked != 0 {
		t.Fatalf("expected no tracked descriptors after both teardowns, got %d", tracked)
	}
}

func TestDestroyAddressSpaceDropsSwapTracking(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	as, _ := c.CreateAddressSpace()

	f, _ := c.Frames.AllocFrame()
	vaddr := uint32(0x00400000)
	if err := c.VMM.Map(as, vaddr, f, vmm.MapFlags{Writable: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Swap.TrackPage(f, as, vaddr)

	c.DestroyAddressSpace(as)

	if tracked := c.Replace.Tracked(); tracked != 0 {
		t.Fatalf("expected no replacement-tracked pages after teardown, got %d", tracked)
	}

	// with tracking gone, a reclaim must find nothing rather than swap out
	// a frame the teardown already freed.
	dev := newMemDevice()
	if err := c.Swap.SwapOn(0, dev, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Swap.Reclaim(1); got != 0 {
		t.Fatalf("expected nothing reclaimable after teardown, got %d", got)
	}
}

func TestLazyKernelHeapFaultAllocatesAndMaps(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	as, _ := c.CreateAddressSpace()
	c.VMM.Switch(as)

	heapAddr := uint32(vmm.KernelSplitTopIndex)<<22 + 0x1000
	result := c.VMM.HandleFault(heapAddr, vmm.FaultError{Present: false})
	if result != vmm.FaultHandled {
		t.Fatalf("expected the lazy heap fault to be handled, got %v", result)
	}

	if _, ok := c.VMM.Translate(as, heapAddr); !ok {
		t.Fatal("expected a present mapping after the lazy heap fault")
	}
}

func TestStatsReflectsActivityAcrossLayers(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	dev := newMemDevice()
	if err := c.Swap.SwapOn(0, dev, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := c.Stats()
	if stats.SwapActiveDevices != 1 {
		t.Fatalf("expected 1 active swap device, got %d", stats.SwapActiveDevices)
	}
	if stats.FramesTotal == 0 {
		t.Fatal("expected a non-zero total frame count")
	}
	if stats.COWTrackedFrames != 0 {
		t.Fatalf("expected no COW-tracked frames yet, got %d", stats.COWTrackedFrames)
	}
	if stats.Alloc.ActiveAllocations != 0 {
		t.Fatalf("expected no active façade allocations yet, got %d", stats.Alloc.ActiveAllocations)
	}
	if stats.SwapIns != 0 || stats.SwapOuts != 0 {
		t.Fatalf("expected no swap traffic yet, got in=%d out=%d", stats.SwapIns, stats.SwapOuts)
	}
}

func TestTuneSwitchesReplaceAlgorithmUnderPressure(t *testing.T) {
	c := New(smallConfig())
	defer c.Close()

	// drain frames until exhaustion, to push usage past the Critical
	// pressure threshold.
	for {
		if _, err := c.Frames.AllocFrame(); err != nil {
			break
		}
	}

	if algo := c.Tune(); algo != replace.FIFO {
		t.Fatalf("expected FIFO under full usage pressure, got %v", algo)
	}
}
