package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
)

// MapKernelHeap maps the first pages of the kernel heap region and returns
// the last mapped page. A zero page count or one that exceeds the region
// size maps the whole mm.KernelHeapSize region.
func MapKernelHeap(ctx *Context, pages uintptr) (mm.Page, *kernel.Error) {
	if maxPages := mm.KernelHeapSize >> mm.PageShift; pages == 0 || pages > maxPages {
		pages = maxPages
	}

	first := mm.Page(mm.KernelHeapStart >> mm.PageShift)
	last := first + mm.Page(pages) - 1
	if err := ctx.MapRange(first, last, FlagPresent|FlagGlobal|FlagRW|FlagNoExecute); err != nil {
		return 0, err
	}

	kfmt.Fprintf(vmmOutput, "kernel heap at 0x%x - 0x%x (%d pages)\n", first.Address(), last.Address()+mm.PageSize, pages)
	return last, nil
}
