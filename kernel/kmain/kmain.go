package kmain

import (
	"unsafe"

	"vmkernel/kernel"
	"vmkernel/kernel/driver/tty"
	"vmkernel/kernel/driver/video/console"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/mm/pmm"
	"vmkernel/kernel/mm/vmm"
	"vmkernel/multiboot"
)

const heapPagesFlag = "vmm.heap_pages"

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn        = kfmt.Panic
	newInfoFn      = multiboot.NewInfo
	hardwareMMUFn  = vmm.HardwareMMU
	installFaultFn = vmm.InstallFaultHandlers

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned", Kind: kernel.KindInvariant}

	kmainOutput = &kfmt.PrefixWriter{Prefix: []byte("[kmain] ")}

	egaConsole console.Ega
	vt         tty.Vt
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end. If
// the kernel boundaries are not known they are derived from the ELF sections
// in the multiboot info.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	ctx, err := Boot(hardwareMMUFn(), multibootInfoPtr, kernelStart, kernelEnd)
	if err != nil {
		panicFn(err)
		return
	}

	attachConsole(ctx)
	installFaultFn(ctx)
	kfmt.Fprintf(kmainOutput, "memory management initialized\n")

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// Boot brings up physical and virtual memory management on top of mmu and
// returns the Context that owns the kernel page tables. The boot sequence is:
//   - the area allocator is initialized from the multiboot memory map
//   - the kernel is remapped into a fresh set of page tables
//   - the bitmap allocator takes over from the area allocator
//   - the kernel heap is mapped
func Boot(mmu vmm.MMU, multibootInfoPtr, kernelStart, kernelEnd uintptr) (*vmm.Context, *kernel.Error) {
	info, err := newInfoFn(multibootInfoPtr)
	if err != nil {
		return nil, err
	}

	if kernelStart == 0 && kernelEnd == 0 {
		if kernelStart, kernelEnd, err = pmm.KernelImageRange(info); err != nil {
			return nil, err
		}
	}

	area, err := pmm.Init(info, kernelStart, kernelEnd)
	if err != nil {
		return nil, err
	}

	alloc := pmm.NewLockedAllocator(area)
	active := vmm.NewActivePageTable(mmu)
	if err = vmm.Remap(active, info, alloc); err != nil {
		return nil, err
	}

	ctx := vmm.NewContext(active, alloc)
	bitmap, err := pmm.BootstrapBitmap(area, ctx)
	if err != nil {
		return nil, err
	}
	alloc.Swap(bitmap)

	if _, err = vmm.MapKernelHeap(ctx, heapPages(info)); err != nil {
		return nil, err
	}

	return ctx, nil
}

// heapPages returns the number of heap pages requested via the boot command
// line or 0 to map the entire heap region.
func heapPages(info multiboot.Info) uintptr {
	value, found := info.CmdLineValue(heapPagesFlag)
	if !found {
		return 0
	}

	// parse the value without strconv so that malformed input does not
	// allocate an error.
	var pages uintptr
	for index := 0; index < len(value); index++ {
		if value[index] < '0' || value[index] > '9' {
			return 0
		}
		pages = pages*10 + uintptr(value[index]-'0')
		if pages > mm.KernelHeapSize>>mm.PageShift {
			return 0
		}
	}

	return pages
}

// attachConsole points the kernel output at the VGA text buffer, which stays
// identity mapped after the kernel is remapped. Output produced before this
// point is replayed from the early print buffer.
func attachConsole(ctx *vmm.Context) {
	fb := unsafe.Slice((*uint16)(ctx.Deref(mm.VGABufferAddr)), console.EgaWidth*console.EgaHeight)
	egaConsole.Init(fb, console.EgaWidth, console.EgaHeight)
	vt.Init(&egaConsole)
	vt.Clear()

	kfmt.SetOutputSink(&vt)
}
