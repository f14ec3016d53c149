// Package pmm implements the physical frame allocators used by the kernel.
package pmm

import (
	"unsafe"

	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/mm/vmm"
	"vmkernel/multiboot"
)

var (
	// bootMemAllocator is the page allocator used when the kernel boots.
	// It is used to bootstrap the bitmap allocator which is used for all
	// page allocations while the kernel runs.
	bootMemAllocator AreaAllocator

	// bitmapAllocator is the standard allocator used by the kernel.
	bitmapAllocator BitmapAllocator

	pmmOutput = &kfmt.PrefixWriter{Prefix: []byte("[pmm] ")}
)

// BootInfo describes the boot loader information needed to set up the
// physical memory allocators.
type BootInfo interface {
	MemoryMap
	Range() (uintptr, uintptr)
}

// Init prints the system memory map and sets up the boot allocator so that
// it never hands out frames below the kernel, inside the kernel image or
// inside the boot information.
func Init(info BootInfo, kernelStart, kernelEnd uintptr) (*AreaAllocator, *kernel.Error) {
	printMemoryMap(info)

	infoStart, infoEnd := info.Range()
	if err := bootMemAllocator.Init(info, KernelReservations(kernelStart, kernelEnd, infoStart, infoEnd)...); err != nil {
		return nil, err
	}

	return &bootMemAllocator, nil
}

// BootstrapBitmap maps storage for the bitmap allocator using frames from
// area and hands over the free memory tracked by area to it. Frames already
// handed out by area remain in use.
func BootstrapBitmap(area *AreaAllocator, ctx *vmm.Context) (*BitmapAllocator, *kernel.Error) {
	lastFrame := area.LastFrame()
	if !lastFrame.Valid() {
		return nil, mm.ErrOutOfMemory
	}

	var (
		words = BitmapWords(lastFrame)
		size  = words * unsafe.Sizeof(uint64(0))
	)

	first, err := area.AllocContiguous((size + mm.PageSize - 1) >> mm.PageShift)
	if err != nil {
		return nil, err
	}

	page, err := ctx.MapRegion(first, size, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return nil, err
	}

	storage := unsafe.Slice((*uint64)(ctx.Deref(page.Address())), words)
	if err = bitmapAllocator.Init(storage, lastFrame); err != nil {
		return nil, err
	}

	bitmapAllocator.AddAreas(area.Areas())
	bitmapAllocator.Reserve(area.Reserved())
	if next := area.Next(); next > 0 {
		bitmapAllocator.MarkInUse(mm.FrameRange{First: 0, Last: next - 1})
	}

	kfmt.Fprintf(pmmOutput, "bitmap allocator: tracking %d frames, %d free\n", uint64(lastFrame)+1, bitmapAllocator.FreeCount())
	return &bitmapAllocator, nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func printMemoryMap(memMap MemoryMap) {
	kfmt.Fprintf(pmmOutput, "system memory map:\n")
	var totalFree uint64
	_ = memMap.VisitMemRegions(func(region multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(pmmOutput, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += region.Length
		}
		return true
	})
	kfmt.Fprintf(pmmOutput, "free memory: %dKb\n", totalFree/1024)
}
