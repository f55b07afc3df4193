// Command memctl is a small host-side harness over the memory core: it
// builds a MemoryCore and drives one scenario through it per invocation,
// printing the subsystem's own prefixed log lines alongside a final stats
// summary. It stands in for the interactive shell a real kernel would offer,
// which this module has no terminal driver to back.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kkmonlee/kmOS/kernel"
	"github.com/kkmonlee/kmOS/kernel/kfmt"
	"github.com/kkmonlee/kmOS/kernel/mem"
	"github.com/kkmonlee/kmOS/kernel/mem/alloc"
	"github.com/kkmonlee/kmOS/kernel/mem/core"
	"github.com/kkmonlee/kmOS/kernel/mem/replace"
	"github.com/kkmonlee/kmOS/kernel/mem/vmm"
)

func main() {
	kfmt.SetOutputSink(os.Stdout)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "alloc":
		runAlloc(os.Args[2:])
	case "fork":
		runFork(os.Args[2:])
	case "swap":
		runSwap(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "memctl: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: memctl <command> [flags]

commands:
  alloc   exercise the allocator façade across every size class, then free
  fork    map a page, fork it copy-on-write, and trigger the write fault
  swap    drive memory pressure up, watch replacement auto-tune, then reclaim via swap
  stats   build a core with the given sizing and print its statistics`)
}

func newCore(dataFrames uint64, mode string) *core.MemoryCore {
	cfg := core.Default()
	cfg.DataFrames = dataFrames
	switch mode {
	case "embedded":
		cfg.Mode = alloc.Embedded
	case "server":
		cfg.Mode = alloc.Server
	case "realtime":
		cfg.Mode = alloc.Realtime
	default:
		cfg.Mode = alloc.Desktop
	}
	return core.New(cfg)
}

func runAlloc(args []string) {
	fs := flag.NewFlagSet("alloc", flag.ExitOnError)
	frames := fs.Uint64("frames", 2048, "size of the data frame pool")
	mode := fs.String("mode", "desktop", "system mode: embedded|desktop|server|realtime")
	fs.Parse(args)

	c := newCore(*frames, *mode)
	defer c.Close()

	sizes := []mem.Size{32, 256, 2048, 32 * 1024, 128 * 1024}
	var ptrs []alloc.Ptr
	for _, size := range sizes {
		p, err := c.Facade.Alloc(size, alloc.ZERO)
		if err != nil {
			fmt.Printf("alloc %6d bytes: failed: %v\n", size, err)
			continue
		}
		fmt.Printf("alloc %6d bytes: ok, %d bytes returned\n", size, len(c.Facade.Bytes(p)))
		ptrs = append(ptrs, p)
	}

	for _, p := range ptrs {
		c.Facade.Free(p)
	}

	st := c.Stats()
	fmt.Printf("\nafter alloc+free: frames used %d/%d, buddy free %d/%d\n",
		st.FramesUsed, st.FramesTotal, st.BuddyFreeFrames, st.BuddyZoneFrames)
}

func runFork(args []string) {
	fs := flag.NewFlagSet("fork", flag.ExitOnError)
	frames := fs.Uint64("frames", 2048, "size of the data frame pool")
	fs.Parse(args)

	c := newCore(*frames, "desktop")
	defer c.Close()

	parent, err := c.CreateAddressSpace()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create parent address space: %v\n", err)
		os.Exit(1)
	}
	child, err := c.CreateAddressSpace()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create child address space: %v\n", err)
		os.Exit(1)
	}

	const vaddr = uint32(0x08000000)
	f, err := c.VMM.AllocDataFrame()
	if err != nil {
		fmt.Fprintf(os.Stderr, "alloc data frame: %v\n", err)
		os.Exit(1)
	}
	copy(c.VMM.DataBytes(f), []byte("hello from the parent"))
	c.VMM.Switch(parent)
	if err := c.VMM.Map(parent, vaddr, f, vmm.MapFlags{Writable: true}); err != nil {
		fmt.Fprintf(os.Stderr, "map: %v\n", err)
		os.Exit(1)
	}

	if err := c.COW.Fork(child, parent, vaddr, vaddr+mem.PageSize); err != nil {
		fmt.Fprintf(os.Stderr, "fork: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("forked %#x, frame %d now shared, refcount=%d\n", vaddr, f, c.COW.RefCount(f))

	c.VMM.Switch(child)
	res := c.VMM.HandleFault(vaddr, vmm.FaultError{Present: true, Write: true})
	fmt.Printf("child write fault at %#x: %v\n", vaddr, res)

	childFrame, _ := c.VMM.Translate(child, vaddr)
	parentFrame, _ := c.VMM.Translate(parent, vaddr)
	fmt.Printf("after split: parent frame %d, child frame %d, refcount of original now %d\n",
		parentFrame, childFrame, c.COW.RefCount(f))

	c.DestroyAddressSpace(child)
	c.DestroyAddressSpace(parent)

	st := c.Stats()
	fmt.Printf("after teardown: frames used %d/%d, cow tracked %d\n",
		st.FramesUsed, st.FramesTotal, st.COWTrackedFrames)
}

func runSwap(args []string) {
	fs := flag.NewFlagSet("swap", flag.ExitOnError)
	frames := fs.Uint64("frames", 64, "size of the data frame pool (kept small to reach pressure quickly)")
	fs.Parse(args)

	c := newCore(*frames, "desktop")
	defer c.Close()

	dev := newMemDevice()
	if err := c.Swap.SwapOn(0, dev, 0); err != nil {
		fmt.Fprintf(os.Stderr, "swapon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("swap device 0 activated")

	as, err := c.CreateAddressSpace()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create address space: %v\n", err)
		os.Exit(1)
	}
	c.VMM.Switch(as)

	var vaddr uint32 = 0x10000000
	tracked := 0
	for {
		f, err := c.VMM.AllocDataFrame()
		if err != nil {
			break
		}
		if merr := c.VMM.Map(as, vaddr, f, vmm.MapFlags{Writable: true}); merr != nil {
			c.VMM.FreeDataFrame(f)
			break
		}
		c.Swap.TrackPage(f, as, vaddr)
		vaddr += mem.PageSize
		tracked++
	}
	fmt.Printf("mapped and tracked %d pages before the data pool filled\n", tracked)

	algo := c.Tune()
	fmt.Printf("pressure level %v -> replacement algorithm now %v\n", c.Stats().PressureLevel, algo)

	freed := c.Swap.Reclaim(4)
	fmt.Printf("reclaimed %d page(s) via swap\n", freed)

	st := c.Stats()
	fmt.Printf("\nframes used %d/%d, active swap devices %d, replacement tracked %d\n",
		st.FramesUsed, st.FramesTotal, st.SwapActiveDevices, st.ReplaceTracked)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	frames := fs.Uint64("frames", 2048, "size of the data frame pool")
	mode := fs.String("mode", "desktop", "system mode: embedded|desktop|server|realtime")
	fs.Parse(args)

	c := newCore(*frames, *mode)
	defer c.Close()

	st := c.Stats()
	fmt.Printf("frames:           %d/%d used\n", st.FramesUsed, st.FramesTotal)
	fmt.Printf("buddy:            %d/%d free\n", st.BuddyFreeFrames, st.BuddyZoneFrames)
	fmt.Printf("allocations:      %d active, %d reclaim attempt(s)\n", st.Alloc.ActiveAllocations, st.ReclaimAttempts)
	fmt.Printf("cow tracked:      %d frames, %d refs\n", st.COWTrackedFrames, st.COWRefs)
	fmt.Printf("replace tracked:  %d pages, active algorithm %v\n", st.ReplaceTracked, st.ReplaceAlgorithm)
	for _, a := range []replace.Algorithm{replace.LRU, replace.FIFO, replace.Clock, replace.EnhancedLRU} {
		hm := st.AlgorithmHitsMisses[a]
		fmt.Printf("  %-12v hits=%d misses=%d\n", a, hm.Hits, hm.Misses)
	}
	fmt.Printf("swap:             %d active device(s), %d in / %d out, pressure %v\n",
		st.SwapActiveDevices, st.SwapIns, st.SwapOuts, st.PressureLevel)
}

// memDevice is an in-memory swap.Device: a sparse page map stands in for a
// real block device, avoiding a 256 MiB flat allocation per activated
// device just to demonstrate swapon/swapoff.
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
	buf, ok := d.data[slot]
	if !ok {
		return kernel.Errorf("memctl", "no data at slot %d", slot)
	}
	copy(dst, buf)
	return nil
}
